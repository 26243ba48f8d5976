package collab

import (
	"log/slog"

	"github.com/manpreetbhatti/memecraft/backend/internal/metrics"
)

// PeerTable is the part of the broadcaster that tracks live connections.
type PeerTable interface {
	Attach(p Peer)
	Detach(connID string) bool
}

// Lifecycle reacts to transport connect and disconnect.
type Lifecycle struct {
	peers    PeerTable
	presence *Coordinator

	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewLifecycle(peers PeerTable, presence *Coordinator, logger *slog.Logger, m *metrics.Metrics) *Lifecycle {
	return &Lifecycle{
		peers:    peers,
		presence: presence,
		logger:   logger.With(slog.String("component", "lifecycle")),
		metrics:  m,
	}
}

// OnConnect always accepts; authentication happens elsewhere.
func (l *Lifecycle) OnConnect(p Peer) {
	l.peers.Attach(p)
	l.metrics.ConnectionOpened()
	l.logger.Info("client connected", slog.String("connID", p.ID()))
}

// OnDisconnect evicts the connection from every document it joined. Calling
// it again for the same connection does nothing.
func (l *Lifecycle) OnDisconnect(connID string) {
	rooms := l.presence.HandleDisconnect(connID)
	if !l.peers.Detach(connID) {
		return
	}
	l.metrics.ConnectionClosed()
	l.logger.Info("client disconnected", slog.String("connID", connID), slog.Int("rooms", rooms))
}
