package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"
)

// Inbound events (client -> server)
const (
	EventJoinMeme       = "join_meme"
	EventLeaveMeme      = "leave_meme"
	EventCanvasUpdate   = "canvas_update"
	EventAddComment     = "add_comment"
	EventResolveComment = "resolve_comment"
	EventCursorMove     = "cursor_move"
)

// Outbound events (server -> client)
const (
	EventUserJoined      = "user-joined"
	EventJoined          = "joined"
	EventUserLeft        = "user-left"
	EventCanvasUpdated   = "canvas-updated"
	EventNewComment      = "new-comment"
	EventCommentResolved = "comment-resolved"
	EventCursorMoved     = "cursor-moved"
	EventError           = "error"
)

var (
	ErrMalformed    = errors.New("malformed frame")
	ErrMissingEvent = errors.New("frame has no event name")
)

// Frame is the JSON envelope carried by every websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode peeks the envelope without unmarshalling the payload.
func Decode(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return Frame{}, ErrMalformed
	}
	event := gjson.GetBytes(raw, "event")
	if event.Type != gjson.String || event.Str == "" {
		return Frame{}, ErrMissingEvent
	}

	f := Frame{Event: event.Str}
	if data := gjson.GetBytes(raw, "data"); data.Exists() {
		f.Data = json.RawMessage(data.Raw)
	}
	return f, nil
}

// Encode builds an outbound frame.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// Present reports whether the field at path holds a non-empty value:
// null, "", false, 0, {} and [] all count as missing.
func Present(data []byte, path string) bool {
	v := gjson.GetBytes(data, path)
	switch v.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.String:
		return v.Str != ""
	case gjson.Number:
		return v.Num != 0
	case gjson.JSON:
		if v.IsArray() {
			return len(v.Array()) > 0
		}
		return len(v.Map()) > 0
	}
	return true
}

// Timestamp formats server-side event times.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DocumentRef accepts the original frontend's meme_id as an alias.
type DocumentRef struct {
	DocumentID string `json:"document_id"`
	MemeID     string `json:"meme_id,omitempty"`
}

func (r DocumentRef) Document() string {
	if r.DocumentID != "" {
		return r.DocumentID
	}
	return r.MemeID
}

// Inbound payloads

type JoinRequest struct {
	DocumentRef
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type LeaveRequest struct {
	DocumentRef
}

type CanvasUpdate struct {
	DocumentRef
	CanvasData json.RawMessage `json:"canvas_data"`
	UserID     string          `json:"user_id"`
}

type AddComment struct {
	DocumentRef
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Text     string    `json:"text"`
	Position *Position `json:"position"`
}

type ResolveComment struct {
	DocumentRef
	CommentID string `json:"comment_id"`
	UserID    string `json:"user_id"`
}

type CursorMove struct {
	DocumentRef
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Position *Position `json:"position"`
}

// Outbound payloads

type UserJoined struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DocumentID  string `json:"document_id"`
	ActiveUsers int    `json:"active_users"`
}

type Joined struct {
	DocumentID  string   `json:"document_id"`
	ActiveUsers int      `json:"active_users"`
	UserIDs     []string `json:"user_ids"`
}

type UserLeft struct {
	UserID      string `json:"user_id"`
	DocumentID  string `json:"document_id"`
	ActiveUsers int    `json:"active_users"`
}

type CanvasUpdated struct {
	DocumentID string          `json:"document_id"`
	CanvasData json.RawMessage `json:"canvas_data"`
	UserID     string          `json:"user_id"`
	Timestamp  string          `json:"timestamp"`
}

// Comment is the new-comment payload.
type Comment struct {
	ID         string   `json:"id"`
	DocumentID string   `json:"document_id"`
	UserID     string   `json:"user_id"`
	Username   string   `json:"username"`
	Text       string   `json:"text"`
	Position   Position `json:"position"`
	Timestamp  string   `json:"timestamp"`
	Resolved   bool     `json:"resolved"`
}

type CommentResolved struct {
	DocumentID string `json:"document_id"`
	CommentID  string `json:"comment_id"`
	ResolvedBy string `json:"resolved_by"`
	Timestamp  string `json:"timestamp"`
}

type CursorMoved struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Position *Position `json:"position"`
}

type Error struct {
	Message string `json:"message"`
}
