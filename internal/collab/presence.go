package collab

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/manpreetbhatti/memecraft/backend/internal/metrics"
	"github.com/manpreetbhatti/memecraft/backend/internal/protocol"
)

const anonymous = "Anonymous"

// Coordinator drives the join/leave lifecycle of (connection, document)
// pairs. Membership writes are serialized so every notification carries the
// count that resulted from its own mutation.
type Coordinator struct {
	mu       sync.Mutex
	registry *Registry
	rooms    Broadcaster

	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewCoordinator(registry *Registry, rooms Broadcaster, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		registry: registry,
		rooms:    rooms,
		logger:   logger.With(slog.String("component", "presence")),
		metrics:  m,
	}
}

// Join subscribes connID to the document as userID.
func (c *Coordinator) Join(connID, documentID, userID, username string) error {
	if documentID == "" || userID == "" {
		c.rooms.Unicast(connID, protocol.EventError, protocol.Error{Message: "Missing document_id or user_id"})
		return fmt.Errorf("join: %w", ErrMissingField)
	}
	if username == "" {
		username = anonymous
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-joining under another identity releases the old membership first.
	prev, rejoin := c.registry.JoinedAs(connID, documentID)
	if rejoin && prev != userID {
		c.leaveLocked(connID, documentID, prev)
		rejoin = false
	}

	c.registry.RegisterConnection(connID, userID)
	c.registry.AddMember(documentID, userID, connID)
	c.rooms.Subscribe(connID, documentID)
	count, members := c.registry.MembersOf(documentID)

	// A repeated join on the same connection is answered but not announced.
	if !rejoin {
		c.rooms.Broadcast(documentID, protocol.EventUserJoined, protocol.UserJoined{
			UserID:      userID,
			Username:    username,
			DocumentID:  documentID,
			ActiveUsers: count,
		}, connID)
	}

	c.rooms.Unicast(connID, protocol.EventJoined, protocol.Joined{
		DocumentID:  documentID,
		ActiveUsers: count,
		UserIDs:     members,
	})

	c.metrics.Joined()
	c.logger.Info("user joined document",
		slog.String("userID", userID),
		slog.String("documentID", documentID),
		slog.String("connID", connID),
		slog.Int("activeUsers", count))
	return nil
}

// Leave unsubscribes connID from the document. Unknown connections and
// documents the connection never joined are ignored.
func (c *Coordinator) Leave(connID, documentID string) {
	if documentID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	userID, ok := c.registry.JoinedAs(connID, documentID)
	if !ok {
		return
	}
	c.leaveLocked(connID, documentID, userID)
}

func (c *Coordinator) leaveLocked(connID, documentID, userID string) {
	c.registry.RemoveMember(documentID, userID, connID)
	c.rooms.Unsubscribe(connID, documentID)
	c.metrics.Left()

	count := c.registry.Count(documentID)
	c.rooms.Broadcast(documentID, protocol.EventUserLeft, protocol.UserLeft{
		UserID:      userID,
		DocumentID:  documentID,
		ActiveUsers: count,
	}, "")

	c.logger.Info("user left document",
		slog.String("userID", userID),
		slog.String("documentID", documentID),
		slog.Int("activeUsers", count))
}

// HandleDisconnect evicts connID from every document it joined and drops its
// index entry. It returns the number of documents it was evicted from.
func (c *Coordinator) HandleDisconnect(connID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.registry.ConnectionUser(connID); !ok {
		return 0
	}

	docs := c.registry.DocumentsOf(connID)
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c.leaveLocked(connID, id, docs[id])
	}
	c.registry.ForgetConnection(connID)

	return len(ids)
}

// ActiveUserCount is the presence query used by the HTTP API.
func (c *Coordinator) ActiveUserCount(documentID string) int {
	return c.registry.Count(documentID)
}
