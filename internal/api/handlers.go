// Package api implements the broker's client-facing HTTP handlers: session
// creation, the upload redirect, and the one-time download redirect.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"dropgate/internal/backend"
	"dropgate/internal/ident"
	"dropgate/internal/observability/logging"
	"dropgate/internal/observability/metrics"
	"dropgate/internal/session"
)

// Client-visible error codes carried in the JSON error body.
const (
	CodeInvalidID    = "INVALID_ID"
	CodeInvalidParam = "INVALID_PARAM"
	CodeDuplicatedID = "DUPLICATED_ID"
	CodeInternal     = "INTERNAL"
)

// Handler serves the broker's HTTP surface.
type Handler struct {
	Sessions *session.Manager
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
	Bots     *BotFilter
}

// NewHandler constructs a Handler around the session manager.
func NewHandler(sessions *session.Manager) *Handler {
	return &Handler{
		Sessions: sessions,
		Metrics:  metrics.Default(),
		Logger:   slog.Default(),
		Bots:     NewBotFilter(),
	}
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics == nil {
		return metrics.Default()
	}
	return h.Metrics
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError returns the minimal JSON error shape; internal details never
// reach the client.
func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"msg": code})
}

type createRequest struct {
	FileSize *int64 `json:"file_size"`
}

type createResponse struct {
	ID          string `json:"id"`
	FlowStorage string `json:"flow_storage"`
	FlowID      string `json:"flow_id"`
	FlowToken   string `json:"flow_token"`
}

// CreateSession allocates a session under a server-chosen identifier and
// returns the flow descriptor the client needs for its upload.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, CodeInvalidParam)
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileSize == nil {
		writeError(w, http.StatusBadRequest, CodeInvalidParam)
		return
	}

	sess, err := h.Sessions.AllocateNew(r.Context(), *req.FileSize)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrInvalidParam):
		writeError(w, http.StatusBadRequest, CodeInvalidParam)
		return
	case errors.Is(err, session.ErrDuplicate):
		// Every retry length collided; the id space is saturating.
		h.recorder().ObserveSessionEvent(metrics.EventAllocateCollision)
		writeError(w, http.StatusInternalServerError, CodeInternal)
		return
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal)
		return
	}

	h.recorder().ObserveSessionEvent(metrics.EventSessionCreated)
	h.logger().Info("session created", "id", sess.ID, "size", sess.Size, "flow_id", sess.FlowID)
	writeJSON(w, http.StatusOK, createResponse{
		ID:          sess.ID,
		FlowStorage: sess.StorageServer,
		FlowID:      sess.FlowID,
		FlowToken:   sess.FlowToken,
	})
}

// Upload binds the path's identifier to a fresh flow and answers with a 307
// redirect at the backend push endpoint. The request body is never read
// here: with a 307 the client replays method and body against the redirect
// target, and because no byte of the body is consumed the server never sends
// an interim 100 Continue before the redirect decision is on the wire.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	id, _ := SplitTransferPath(r.URL.Path)
	*r = *r.WithContext(logging.ContextWithTransferID(r.Context(), id))

	if r.ContentLength < 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidParam)
		return
	}

	sess, err := h.Sessions.Allocate(r.Context(), id, r.ContentLength)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrInvalidParam):
		writeError(w, http.StatusBadRequest, CodeInvalidParam)
		return
	case errors.Is(err, session.ErrDuplicate):
		writeError(w, http.StatusBadRequest, CodeDuplicatedID)
		return
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal)
		return
	}

	h.recorder().ObserveSessionEvent(metrics.EventSessionCreated)
	h.recorder().ObserveSessionEvent(metrics.EventUploadRedirect)
	h.logger().Info("upload redirected", "id", sess.ID, "size", sess.Size, "flow_id", sess.FlowID)

	w.Header().Set("Location", backend.PushURL(sess.StorageServer, sess.FlowID, sess.FlowToken))
	w.WriteHeader(http.StatusTemporaryRedirect)
}

// Download consumes the session exactly once and redirects to the backend
// pull endpoint. Malformed identifiers answer exactly like absent ones so
// the response does not reveal which identifiers are well-formed.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	if h.Bots != nil && h.Bots.Blocked(r.UserAgent()) {
		h.recorder().ObserveSessionEvent(metrics.EventBotBlocked)
		writeError(w, http.StatusTeapot, CodeInvalidID)
		return
	}

	id, filename := SplitTransferPath(r.URL.Path)
	*r = *r.WithContext(logging.ContextWithTransferID(r.Context(), id))

	sess, err := h.Sessions.Consume(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, CodeInvalidID)
		return
	}

	h.Sessions.NotifyConsumed(r.Context(), sess, filename)
	h.recorder().ObserveSessionEvent(metrics.EventSessionConsumed)
	h.recorder().ObserveSessionEvent(metrics.EventDownloadRedirect)
	h.logger().Info("download redirected", "id", sess.ID, "flow_id", sess.FlowID)

	if filename == "" {
		filename = sess.ID
	}
	http.Redirect(w, r, backend.PullURL(sess.StorageServer, sess.FlowID, filename), http.StatusFound)
}

// Health reports coordination store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Ping(r.Context()); err != nil {
		h.logger().Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SplitTransferPath extracts the transfer identifier and optional filename
// from a `/{id}/{filename?}` path. It returns empty strings when the path
// has more segments than a transfer path allows. The identifier is not
// validated here; ident.Valid decides whether the request is a transfer
// request at all.
func SplitTransferPath(path string) (id, filename string) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", ""
	}
	parts := strings.SplitN(trimmed, "/", 3)
	switch len(parts) {
	case 1:
		return parts[0], ""
	case 2:
		return parts[0], parts[1]
	default:
		return "", ""
	}
}

// IsTransferPath reports whether the path names a syntactically valid
// transfer identifier, with or without a trailing filename segment.
func IsTransferPath(path string) bool {
	id, _ := SplitTransferPath(path)
	return ident.Valid(id)
}
