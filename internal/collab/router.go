package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/manpreetbhatti/memecraft/backend/internal/metrics"
	"github.com/manpreetbhatti/memecraft/backend/internal/protocol"
)

// CommentStore persists relayed comments. Failures are logged; the broadcast
// still goes out.
type CommentStore interface {
	SaveComment(ctx context.Context, c protocol.Comment, at time.Time) error
	ResolveComment(ctx context.Context, commentID, resolvedBy string, at time.Time) error
}

type handlerFunc func(ctx context.Context, connID string, data []byte) error

// Router validates inbound events and relays them to rooms.
type Router struct {
	presence *Coordinator
	rooms    Broadcaster
	comments CommentStore
	now      func() time.Time

	handlers map[string]handlerFunc

	logger  *slog.Logger
	metrics *metrics.Metrics
}

type RouterOption func(*Router)

func WithCommentStore(s CommentStore) RouterOption {
	return func(r *Router) { r.comments = s }
}

// WithClock overrides the server clock used for event timestamps.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

func NewRouter(presence *Coordinator, rooms Broadcaster, logger *slog.Logger, m *metrics.Metrics, opts ...RouterOption) *Router {
	r := &Router{
		presence: presence,
		rooms:    rooms,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "router")),
		metrics:  m,
	}
	r.handlers = map[string]handlerFunc{
		protocol.EventJoinMeme:       r.handleJoin,
		protocol.EventLeaveMeme:      r.handleLeave,
		protocol.EventCanvasUpdate:   r.handleCanvasUpdate,
		protocol.EventAddComment:     r.handleAddComment,
		protocol.EventResolveComment: r.handleResolveComment,
		protocol.EventCursorMove:     r.handleCursorMove,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch handles one inbound frame from connID.
func (r *Router) Dispatch(ctx context.Context, connID string, raw []byte) error {
	frame, err := protocol.Decode(raw)
	if err != nil {
		r.metrics.Rejected("malformed")
		return r.reject(connID, "Invalid message", fmt.Errorf("%w: %v", ErrMalformed, err))
	}

	handle, ok := r.handlers[frame.Event]
	if !ok {
		r.metrics.Rejected("unknown")
		return r.reject(connID, "Unknown event: "+frame.Event, fmt.Errorf("%s: %w", frame.Event, ErrUnknownEvent))
	}

	data := []byte(frame.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}

	err = handle(ctx, connID, data)
	if IsValidation(err) {
		r.metrics.Rejected(frame.Event)
		r.logger.Debug("rejected event",
			slog.String("event", frame.Event),
			slog.String("connID", connID),
			slog.Any("error", err))
	}
	return err
}

// reject answers the sender with an error event and hands err back.
func (r *Router) reject(connID, message string, err error) error {
	r.rooms.Unicast(connID, protocol.EventError, protocol.Error{Message: message})
	return err
}

func (r *Router) decode(connID, event string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return r.reject(connID, "Invalid payload", fmt.Errorf("%s: %w: %v", event, ErrBadPayload, err))
	}
	return nil
}

func (r *Router) handleJoin(_ context.Context, connID string, data []byte) error {
	var req protocol.JoinRequest
	if err := r.decode(connID, protocol.EventJoinMeme, data, &req); err != nil {
		return err
	}
	return r.presence.Join(connID, req.Document(), req.UserID, req.Username)
}

func (r *Router) handleLeave(_ context.Context, connID string, data []byte) error {
	var req protocol.LeaveRequest
	if err := r.decode(connID, protocol.EventLeaveMeme, data, &req); err != nil {
		return err
	}
	r.presence.Leave(connID, req.Document())
	return nil
}

func (r *Router) handleCanvasUpdate(_ context.Context, connID string, data []byte) error {
	var req protocol.CanvasUpdate
	if err := r.decode(connID, protocol.EventCanvasUpdate, data, &req); err != nil {
		return err
	}
	if req.Document() == "" || !protocol.Present(data, "canvas_data") {
		return r.reject(connID, "Missing document_id or canvas_data",
			fmt.Errorf("canvas_update: %w", ErrMissingField))
	}

	// Last write wins: the frame is relayed as is, never merged.
	r.rooms.Broadcast(req.Document(), protocol.EventCanvasUpdated, protocol.CanvasUpdated{
		DocumentID: req.Document(),
		CanvasData: req.CanvasData,
		UserID:     req.UserID,
		Timestamp:  protocol.Timestamp(r.now()),
	}, connID)
	return nil
}

func (r *Router) handleAddComment(ctx context.Context, connID string, data []byte) error {
	var req protocol.AddComment
	if err := r.decode(connID, protocol.EventAddComment, data, &req); err != nil {
		return err
	}
	if req.Document() == "" || req.UserID == "" || req.Text == "" {
		return r.reject(connID, "Missing required fields",
			fmt.Errorf("add_comment: %w", ErrMissingField))
	}

	now := r.now()
	comment := protocol.Comment{
		ID:         commentID(req.UserID, now),
		DocumentID: req.Document(),
		UserID:     req.UserID,
		Username:   req.Username,
		Text:       req.Text,
		Timestamp:  protocol.Timestamp(now),
	}
	if req.Position != nil {
		comment.Position = *req.Position
	}

	if r.comments != nil {
		if err := r.comments.SaveComment(ctx, comment, now); err != nil {
			r.logger.Error("failed to store comment",
				slog.String("commentID", comment.ID),
				slog.String("documentID", comment.DocumentID),
				slog.Any("error", err))
		}
	}

	r.rooms.Broadcast(comment.DocumentID, protocol.EventNewComment, comment, "")
	r.logger.Info("comment added",
		slog.String("userID", comment.UserID),
		slog.String("documentID", comment.DocumentID))
	return nil
}

func (r *Router) handleResolveComment(ctx context.Context, connID string, data []byte) error {
	var req protocol.ResolveComment
	if err := r.decode(connID, protocol.EventResolveComment, data, &req); err != nil {
		return err
	}
	if req.Document() == "" || req.CommentID == "" {
		return r.reject(connID, "Missing required fields",
			fmt.Errorf("resolve_comment: %w", ErrMissingField))
	}

	now := r.now()
	if r.comments != nil {
		if err := r.comments.ResolveComment(ctx, req.CommentID, req.UserID, now); err != nil {
			r.logger.Warn("failed to mark comment resolved",
				slog.String("commentID", req.CommentID),
				slog.Any("error", err))
		}
	}

	r.rooms.Broadcast(req.Document(), protocol.EventCommentResolved, protocol.CommentResolved{
		DocumentID: req.Document(),
		CommentID:  req.CommentID,
		ResolvedBy: req.UserID,
		Timestamp:  protocol.Timestamp(now),
	}, "")
	return nil
}

func (r *Router) handleCursorMove(_ context.Context, connID string, data []byte) error {
	var req protocol.CursorMove
	if err := r.decode(connID, protocol.EventCursorMove, data, &req); err != nil {
		return err
	}
	if req.Document() == "" {
		return r.reject(connID, "Missing document_id",
			fmt.Errorf("cursor_move: %w", ErrMissingField))
	}

	r.rooms.Broadcast(req.Document(), protocol.EventCursorMoved, protocol.CursorMoved{
		UserID:   req.UserID,
		Username: req.Username,
		Position: req.Position,
	}, connID)
	return nil
}

// commentID is unique per user as long as the clock has nanosecond steps.
func commentID(userID string, at time.Time) string {
	return fmt.Sprintf("%s_%d", userID, at.UnixNano())
}
