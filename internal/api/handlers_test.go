package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/manpreetbhatti/memecraft/backend/internal/collab"
	"github.com/manpreetbhatti/memecraft/backend/internal/db"
	"github.com/manpreetbhatti/memecraft/backend/internal/metrics"
	"github.com/manpreetbhatti/memecraft/backend/internal/protocol"
)

type peer struct {
	id     string
	mu     sync.Mutex
	events []string
}

func (p *peer) ID() string { return p.id }

func (p *peer) Send(frame []byte) error {
	f, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.events = append(p.events, f.Event)
	p.mu.Unlock()
	return nil
}

func (p *peer) saw(event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == event {
			return true
		}
	}
	return false
}

type testEnv struct {
	svc      *collab.Service
	database *db.Database
	handler  http.Handler
}

func setupTestAPI(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	svc := collab.New(logger, metrics.New(reg), collab.WithCommentStore(database))

	api := New(svc, database, reg, logger)
	return &testEnv{svc: svc, database: database, handler: api.Router()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) join(t *testing.T, connID, memeID, userID string) *peer {
	t.Helper()
	p := &peer{id: connID}
	e.svc.Lifecycle.OnConnect(p)
	if err := e.svc.Presence.Join(connID, memeID, userID, userID); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	return p
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func TestHealthHandler(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if response := decode(t, w); response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", response["status"])
	}
}

func TestStatsHandler(t *testing.T) {
	env := setupTestAPI(t)
	env.join(t, "c1", "meme-1", "u1")
	env.join(t, "c2", "meme-2", "u2")

	w := env.do(t, http.MethodGet, "/api/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	response := decode(t, w)
	if response["active_rooms"] != float64(2) {
		t.Errorf("Expected 2 active rooms, got %v", response["active_rooms"])
	}
	if response["active_clients"] != float64(2) {
		t.Errorf("Expected 2 active clients, got %v", response["active_clients"])
	}
	if _, ok := response["total_comments"]; !ok {
		t.Error("Response should contain 'total_comments'")
	}
}

func TestActiveUsersReflectsRegistry(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodGet, "/api/collaboration/active-users/meme-1", nil)
	response := decode(t, w)
	if response["meme_id"] != "meme-1" || response["active_users"] != float64(0) {
		t.Errorf("Unexpected empty response: %v", response)
	}

	env.join(t, "c1", "meme-1", "u1")
	env.join(t, "c2", "meme-1", "u2")
	env.join(t, "c3", "meme-1", "u2")

	response = decode(t, env.do(t, http.MethodGet, "/api/collaboration/active-users/meme-1", nil))
	if response["active_users"] != float64(2) {
		t.Errorf("Expected 2 active users, got %v", response["active_users"])
	}

	env.svc.Lifecycle.OnDisconnect("c1")
	response = decode(t, env.do(t, http.MethodGet, "/api/collaboration/active-users/meme-1", nil))
	if response["active_users"] != float64(1) {
		t.Errorf("Expected 1 active user after disconnect, got %v", response["active_users"])
	}
}

func TestSessionsHandler(t *testing.T) {
	env := setupTestAPI(t)
	env.join(t, "c1", "meme-b", "u1")
	env.join(t, "c2", "meme-a", "u2")
	env.join(t, "c3", "meme-a", "u3")

	var response struct {
		Sessions []SessionResponse `json:"sessions"`
		Total    int               `json:"total"`
	}
	w := env.do(t, http.MethodGet, "/api/collaboration/sessions", nil)
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatal(err)
	}

	if response.Total != 2 || len(response.Sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %+v", response)
	}
	first := response.Sessions[0]
	if first.MemeID != "meme-a" || first.ActiveUsers != 2 || strings.Join(first.UserIDs, ",") != "u2,u3" {
		t.Errorf("Unexpected first session: %+v", first)
	}
}

func TestUserDocumentsHandler(t *testing.T) {
	env := setupTestAPI(t)
	env.join(t, "c1", "meme-2", "u1")
	env.join(t, "c2", "meme-1", "u1")
	env.join(t, "c3", "meme-3", "u2")

	response := decode(t, env.do(t, http.MethodGet, "/api/collaboration/users/u1/documents", nil))
	ids, _ := response["meme_ids"].([]any)
	if len(ids) != 2 || ids[0] != "meme-1" || ids[1] != "meme-2" {
		t.Errorf("Expected [meme-1 meme-2], got %v", response["meme_ids"])
	}
}

func addComment(t *testing.T, env *testEnv, conn, memeID, text string) {
	t.Helper()
	raw, _ := json.Marshal(map[string]any{
		"event": protocol.EventAddComment,
		"data":  map[string]any{"document_id": memeID, "user_id": "u1", "username": "Alice", "text": text},
	})
	if err := env.svc.Router.Dispatch(context.Background(), conn, raw); err != nil {
		t.Fatalf("add_comment failed: %v", err)
	}
}

func TestCommentLifecycle(t *testing.T) {
	env := setupTestAPI(t)
	author := env.join(t, "c1", "meme-1", "u1")
	addComment(t, env, "c1", "meme-1", "first")
	time.Sleep(time.Millisecond)
	addComment(t, env, "c1", "meme-1", "second")

	var list struct {
		Comments []db.Comment `json:"comments"`
		Total    int          `json:"total"`
	}
	w := env.do(t, http.MethodGet, "/api/memes/meme-1/comments", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 2 || len(list.Comments) != 2 {
		t.Fatalf("Expected 2 comments, got %+v", list)
	}
	if list.Comments[0].Text != "first" || list.Comments[1].Text != "second" {
		t.Errorf("Comments out of order: %+v", list.Comments)
	}

	id := list.Comments[0].ID
	w = env.do(t, http.MethodPut, "/api/comments/"+id+"/resolve", map[string]string{"user_id": "u2"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resolved db.Comment
	if err := json.NewDecoder(w.Body).Decode(&resolved); err != nil {
		t.Fatal(err)
	}
	if !resolved.Resolved || resolved.ResolvedBy != "u2" {
		t.Errorf("Expected resolved by u2, got %+v", resolved)
	}
	if !author.saw(protocol.EventCommentResolved) {
		t.Error("Room should hear about the resolve")
	}

	w = env.do(t, http.MethodDelete, "/api/comments/"+id, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	w = env.do(t, http.MethodDelete, "/api/comments/"+id, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestCommentJSONMatchesEventPayload(t *testing.T) {
	env := setupTestAPI(t)
	env.join(t, "c1", "meme-1", "u1")
	addComment(t, env, "c1", "meme-1", "hello")

	var list struct {
		Comments []map[string]any `json:"comments"`
	}
	w := env.do(t, http.MethodGet, "/api/memes/meme-1/comments", nil)
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Comments) != 1 {
		t.Fatalf("Expected 1 comment, got %d", len(list.Comments))
	}
	if list.Comments[0]["document_id"] != "meme-1" {
		t.Errorf("Expected document_id 'meme-1', got %v", list.Comments[0])
	}
	if _, ok := list.Comments[0]["meme_id"]; ok {
		t.Error("Stored comment should not carry a separate meme_id field")
	}
}

func TestResolveCommentErrors(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodPut, "/api/comments/missing/resolve", map[string]string{"user_id": "u2"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	w = env.do(t, http.MethodPut, "/api/comments/missing/resolve", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPut, "/api/comments/x/resolve", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad body, got %d", rec.Code)
	}
}

func TestRoutingErrors(t *testing.T) {
	env := setupTestAPI(t)

	if w := env.do(t, http.MethodGet, "/api/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/health", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestAPI(t)
	env.join(t, "c1", "meme-1", "u1")

	w := env.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "memecraft_collab_joins_total 1") {
		t.Errorf("Expected joins counter in exposition, got:\n%s", w.Body.String())
	}
}
