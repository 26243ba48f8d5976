package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manpreetbhatti/memecraft/backend/internal/collab"
	"github.com/manpreetbhatti/memecraft/backend/internal/db"
	"github.com/manpreetbhatti/memecraft/backend/internal/protocol"
)

type API struct {
	service  *collab.Service
	database *db.Database
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	now      func() time.Time
}

// New builds the HTTP query API. database and gatherer may be nil.
func New(service *collab.Service, database *db.Database, gatherer prometheus.Gatherer, logger *slog.Logger) *API {
	return &API{
		service:  service,
		database: database,
		gatherer: gatherer,
		logger:   logger.With(slog.String("component", "api")),
		now:      time.Now,
	}
}

// Router returns the API routes. Callers may mount more handlers on it.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)

	collabRoutes := r.PathPrefix("/api/collaboration").Subrouter()
	collabRoutes.HandleFunc("/active-users/{meme_id}", a.ActiveUsersHandler).Methods(http.MethodGet)
	collabRoutes.HandleFunc("/sessions", a.SessionsHandler).Methods(http.MethodGet)
	collabRoutes.HandleFunc("/users/{user_id}/documents", a.UserDocumentsHandler).Methods(http.MethodGet)

	r.HandleFunc("/api/memes/{meme_id}/comments", a.ListCommentsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/comments/{comment_id}/resolve", a.ResolveCommentHandler).Methods(http.MethodPut)
	r.HandleFunc("/api/comments/{comment_id}", a.DeleteCommentHandler).Methods(http.MethodDelete)

	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.Any("error", err))
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func paging(r *http.Request, defaultLimit int) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}

	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if a.database != nil {
		if err := a.database.Ping(r.Context()); err != nil {
			a.logger.Warn("database ping failed", slog.Any("error", err))
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}

	jsonResponse(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": a.now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   len(a.service.Registry.ActiveDocuments()),
		"active_clients": a.service.Rooms.PeerCount(),
		"timestamp":      a.now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats(r.Context())
		if err == nil {
			stats["total_documents"] = dbStats["document_count"]
			stats["total_comments"] = dbStats["comment_count"]
			stats["open_comments"] = dbStats["open_comment_count"]
		} else {
			a.logger.Warn("failed to read store stats", slog.Any("error", err))
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Collaboration handlers

type SessionResponse struct {
	MemeID      string   `json:"meme_id"`
	ActiveUsers int      `json:"active_users"`
	UserIDs     []string `json:"user_ids"`
}

func (a *API) ActiveUsersHandler(w http.ResponseWriter, r *http.Request) {
	memeID := mux.Vars(r)["meme_id"]

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"meme_id":      memeID,
		"active_users": a.service.ActiveUserCount(memeID),
	})
}

func (a *API) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	active := a.service.Registry.ActiveDocuments()

	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sessions := make([]SessionResponse, 0, len(ids))
	for _, id := range ids {
		count, members := a.service.Registry.MembersOf(id)
		if count == 0 {
			continue
		}
		sessions = append(sessions, SessionResponse{MemeID: id, ActiveUsers: count, UserIDs: members})
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (a *API) UserDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"meme_ids": a.service.Registry.DocumentsContaining(userID),
	})
}

// Comment handlers

type ResolveCommentRequest struct {
	UserID string `json:"user_id"`
}

func (a *API) ListCommentsHandler(w http.ResponseWriter, r *http.Request) {
	if a.database == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Comment store unavailable")
		return
	}

	memeID := mux.Vars(r)["meme_id"]
	limit, offset := paging(r, 50)

	comments, err := a.database.ListComments(r.Context(), memeID, limit, offset)
	if err != nil {
		a.logger.Error("failed to list comments", slog.String("memeID", memeID), slog.Any("error", err))
		errorResponse(w, http.StatusInternalServerError, "Failed to list comments")
		return
	}

	total, _ := a.database.CountComments(r.Context(), memeID)

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"comments": comments,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// ResolveCommentHandler resolves a stored comment and tells the live room.
func (a *API) ResolveCommentHandler(w http.ResponseWriter, r *http.Request) {
	if a.database == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Comment store unavailable")
		return
	}

	commentID := mux.Vars(r)["comment_id"]

	var req ResolveCommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		errorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}

	now := a.now()
	err := a.database.ResolveComment(r.Context(), commentID, req.UserID, now)
	if errors.Is(err, db.ErrNotFound) {
		errorResponse(w, http.StatusNotFound, "Comment not found")
		return
	}
	if err != nil {
		a.logger.Error("failed to resolve comment", slog.String("commentID", commentID), slog.Any("error", err))
		errorResponse(w, http.StatusInternalServerError, "Failed to resolve comment")
		return
	}

	comment, err := a.database.GetComment(r.Context(), commentID)
	if err != nil || comment == nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get comment")
		return
	}

	a.service.Rooms.Broadcast(comment.DocumentID, protocol.EventCommentResolved, protocol.CommentResolved{
		DocumentID: comment.DocumentID,
		CommentID:  comment.ID,
		ResolvedBy: comment.ResolvedBy,
		Timestamp:  protocol.Timestamp(now),
	}, "")

	jsonResponse(w, http.StatusOK, comment)
}

func (a *API) DeleteCommentHandler(w http.ResponseWriter, r *http.Request) {
	if a.database == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Comment store unavailable")
		return
	}

	commentID := mux.Vars(r)["comment_id"]

	err := a.database.DeleteComment(r.Context(), commentID)
	if errors.Is(err, db.ErrNotFound) {
		errorResponse(w, http.StatusNotFound, "Comment not found")
		return
	}
	if err != nil {
		a.logger.Error("failed to delete comment", slog.String("commentID", commentID), slog.Any("error", err))
		errorResponse(w, http.StatusInternalServerError, "Failed to delete comment")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Comment deleted"})
}
