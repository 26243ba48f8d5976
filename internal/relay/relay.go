// Package relay forwards room frames between server instances over Redis
// pub/sub, so members of one document connected to different instances see
// each other's events.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/memecraft/backend/internal/collab"
	"github.com/manpreetbhatti/memecraft/backend/internal/metrics"
)

const (
	DefaultPrefix    = "memecraft:room:"
	defaultQueueSize = 1024
)

// Deliverer hands frames to local subscribers without forwarding them again.
type Deliverer interface {
	Deliver(documentID string, frame []byte, exclude string) int
}

type envelope struct {
	Origin     string          `json:"origin"`
	DocumentID string          `json:"document_id"`
	Exclude    string          `json:"exclude,omitempty"`
	Frame      json.RawMessage `json:"frame"`
}

// Relay is a collab.Fanout backed by Redis.
type Relay struct {
	client *redis.Client
	local  Deliverer
	prefix string
	origin string

	queue     chan envelope
	ready     chan struct{}
	readyOnce sync.Once

	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ collab.Fanout = (*Relay)(nil)

type Option func(*Relay)

// WithPrefix sets the channel prefix; instances must agree on it.
func WithPrefix(prefix string) Option {
	return func(r *Relay) { r.prefix = prefix }
}

func WithQueueSize(n int) Option {
	return func(r *Relay) { r.queue = make(chan envelope, n) }
}

func New(client *redis.Client, local Deliverer, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Relay {
	r := &Relay{
		client:  client,
		local:   local,
		prefix:  DefaultPrefix,
		origin:  uuid.NewString(),
		queue:   make(chan envelope, defaultQueueSize),
		ready:   make(chan struct{}),
		metrics: m,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logger.With(slog.String("component", "relay"), slog.String("origin", r.origin))
	return r
}

// Publish queues a locally broadcast frame for other instances. It never
// blocks; frames are dropped when the queue is full.
func (r *Relay) Publish(documentID string, frame []byte, exclude string) {
	env := envelope{
		Origin:     r.origin,
		DocumentID: documentID,
		Exclude:    exclude,
		Frame:      frame,
	}
	select {
	case r.queue <- env:
	default:
		r.metrics.Relayed("dropped")
		r.logger.Warn("relay queue full, dropping frame", slog.String("documentID", documentID))
	}
}

// Ready is closed once the pattern subscription is active.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes to every room channel and pumps frames both ways until ctx
// is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, r.prefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("relay subscribed", slog.String("pattern", r.prefix+"*"))

	messages := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case env := <-r.queue:
			r.send(ctx, env)

		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("relay subscription closed")
			}
			r.receive(msg)
		}
	}
}

func (r *Relay) send(ctx context.Context, env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("failed to encode relay envelope", slog.Any("error", err))
		return
	}
	if err := r.client.Publish(ctx, r.prefix+env.DocumentID, payload).Err(); err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("relay publish failed", slog.String("documentID", env.DocumentID), slog.Any("error", err))
		}
		return
	}
	r.metrics.Relayed("out")
}

func (r *Relay) receive(msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.logger.Warn("invalid relay envelope", slog.String("channel", msg.Channel), slog.Any("error", err))
		return
	}

	// Skip frames from this instance
	if env.Origin == r.origin {
		return
	}

	documentID := env.DocumentID
	if documentID == "" {
		documentID = strings.TrimPrefix(msg.Channel, r.prefix)
	}
	r.local.Deliver(documentID, env.Frame, env.Exclude)
	r.metrics.Relayed("in")
}
