package collab

import (
	"log/slog"
	"sync"

	"github.com/manpreetbhatti/memecraft/backend/internal/metrics"
	"github.com/manpreetbhatti/memecraft/backend/internal/protocol"
)

// Peer is one live transport connection.
type Peer interface {
	ID() string
	// Send queues an encoded frame. It must not block.
	Send(frame []byte) error
}

// Broadcaster sends events to rooms and single connections.
type Broadcaster interface {
	Broadcast(documentID, event string, payload any, exclude string) int
	Unicast(connID, event string, payload any) bool
	Subscribe(connID, documentID string)
	Unsubscribe(connID, documentID string)
}

// Fanout receives every room frame after local delivery, so it can be
// forwarded to other server instances.
type Fanout interface {
	Publish(documentID string, frame []byte, exclude string)
}

// Rooms is the in-process Broadcaster: a table of attached peers plus the
// per-document subscription groups.
type Rooms struct {
	mu     sync.RWMutex
	peers  map[string]Peer
	groups map[string]map[string]struct{}
	fanout Fanout

	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ Broadcaster = (*Rooms)(nil)

func NewRooms(logger *slog.Logger, m *metrics.Metrics) *Rooms {
	return &Rooms{
		peers:   make(map[string]Peer),
		groups:  make(map[string]map[string]struct{}),
		logger:  logger.With(slog.String("component", "rooms")),
		metrics: m,
	}
}

// SetFanout installs the cross-instance forwarder. Call before serving.
func (r *Rooms) SetFanout(f Fanout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fanout = f
}

func (r *Rooms) Attach(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID()] = p
}

// Detach removes the peer and any subscription it still holds.
func (r *Rooms) Detach(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[connID]; !ok {
		return false
	}
	delete(r.peers, connID)
	for doc, group := range r.groups {
		delete(group, connID)
		if len(group) == 0 {
			delete(r.groups, doc)
		}
	}
	return true
}

func (r *Rooms) Subscribe(connID, documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	group, ok := r.groups[documentID]
	if !ok {
		group = make(map[string]struct{})
		r.groups[documentID] = group
	}
	group[connID] = struct{}{}
}

func (r *Rooms) Unsubscribe(connID, documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	group, ok := r.groups[documentID]
	if !ok {
		return
	}
	delete(group, connID)
	if len(group) == 0 {
		delete(r.groups, documentID)
	}
}

// Broadcast encodes payload once and delivers it to the document's group,
// skipping exclude. It returns the number of local peers that accepted it.
func (r *Rooms) Broadcast(documentID, event string, payload any, exclude string) int {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.logger.Error("failed to encode broadcast", slog.String("event", event), slog.Any("error", err))
		return 0
	}
	r.metrics.Broadcast(event)

	delivered := r.Deliver(documentID, frame, exclude)

	r.mu.RLock()
	fanout := r.fanout
	r.mu.RUnlock()
	if fanout != nil {
		fanout.Publish(documentID, frame, exclude)
	}
	return delivered
}

// Deliver sends an already encoded frame to local subscribers only. A failing
// recipient does not stop delivery to the others.
func (r *Rooms) Deliver(documentID string, frame []byte, exclude string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for connID := range r.groups[documentID] {
		if connID == exclude {
			continue
		}
		peer, ok := r.peers[connID]
		if !ok {
			continue
		}
		if err := peer.Send(frame); err != nil {
			r.metrics.DeliveryFailed()
			r.logger.Warn("delivery failed",
				slog.String("connID", connID),
				slog.String("documentID", documentID),
				slog.Any("error", err))
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Rooms) Unicast(connID, event string, payload any) bool {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.logger.Error("failed to encode unicast", slog.String("event", event), slog.Any("error", err))
		return false
	}

	r.mu.RLock()
	peer, ok := r.peers[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if err := peer.Send(frame); err != nil {
		r.metrics.DeliveryFailed()
		r.logger.Warn("unicast failed", slog.String("connID", connID), slog.Any("error", err))
		return false
	}
	return true
}

func (r *Rooms) Subscribed(connID, documentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[documentID][connID]
	return ok
}

func (r *Rooms) SubscriberCount(documentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[documentID])
}

func (r *Rooms) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Rooms) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}
