// Package collab is the real-time collaboration core: document presence,
// room broadcasting and relay of canvas, comment and cursor events.
package collab

import (
	"log/slog"

	"github.com/manpreetbhatti/memecraft/backend/internal/metrics"
)

// Service owns one instance of every collaboration component. Build it once
// at startup and share it between the websocket transport and the HTTP API.
type Service struct {
	Registry  *Registry
	Rooms     *Rooms
	Presence  *Coordinator
	Router    *Router
	Lifecycle *Lifecycle
}

func New(logger *slog.Logger, m *metrics.Metrics, opts ...RouterOption) *Service {
	registry := NewRegistry()
	rooms := NewRooms(logger, m)
	presence := NewCoordinator(registry, rooms, logger, m)

	return &Service{
		Registry:  registry,
		Rooms:     rooms,
		Presence:  presence,
		Router:    NewRouter(presence, rooms, logger, m, opts...),
		Lifecycle: NewLifecycle(rooms, presence, logger, m),
	}
}

// ActiveUserCount returns how many distinct users are on the document.
func (s *Service) ActiveUserCount(documentID string) int {
	return s.Presence.ActiveUserCount(documentID)
}
