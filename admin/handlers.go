// Package admin exposes the local HTTP surface: feed state for the UI
// layer, identity transitions from the auth layer, health and metrics.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/statline/feedsync/identity"
	"github.com/statline/feedsync/session"
)

// Handlers serves the admin API over the session registry
type Handlers struct {
	registry *session.Registry
	identity *identity.Hub
}

// NewHandlers creates a new Handlers instance
func NewHandlers(registry *session.Registry, hub *identity.Hub) *Handlers {
	return &Handlers{
		registry: registry,
		identity: hub,
	}
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{"status": "ok"})
}

// handleOverview reports the signed-in user and a per-feed summary
func (h *Handlers) handleOverview(w http.ResponseWriter, r *http.Request) {
	user, signedIn := h.identity.Current()

	feeds := make([]map[string]interface{}, 0)
	h.registry.Range(func(table string, s *session.Session) bool {
		feeds = append(feeds, map[string]interface{}{
			"table":      table,
			"subscribed": s.Subscribed(),
			"count":      s.UnreadCount(),
		})
		return true
	})

	writeJSONResponse(w, map[string]interface{}{
		"signed_in": signedIn,
		"user_id":   user,
		"feeds":     feeds,
	})
}

func (h *Handlers) handleFeedCount(w http.ResponseWriter, r *http.Request, s *session.Session, table string) {
	writeJSONResponse(w, map[string]interface{}{
		"table":      table,
		"count":      s.UnreadCount(),
		"subscribed": s.Subscribed(),
	})
}

func (h *Handlers) handleFeedItems(w http.ResponseWriter, r *http.Request, s *session.Session, table string) {
	items := s.FeedSnapshot()
	rows := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		rows = append(rows, item.Row)
	}

	writeJSONResponse(w, map[string]interface{}{
		"table": table,
		"items": rows,
	})
}

func (h *Handlers) handleMarkAllRead(w http.ResponseWriter, r *http.Request, s *session.Session, table string) {
	if err := s.MarkAllRead(r.Context()); err != nil {
		var mutErr *session.MutationError
		if errors.As(err, &mutErr) {
			writeErrorResponse(w, http.StatusBadGateway, mutErr.Error())
			return
		}
		writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"table": table,
		"count": s.UnreadCount(),
	})
}

func (h *Handlers) handleRefetch(w http.ResponseWriter, r *http.Request, s *session.Session, table string) {
	if err := s.Refetch(r.Context()); err != nil {
		writeErrorResponse(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"table": table,
		"count": s.UnreadCount(),
	})
}

// handleSignIn lets the auth layer report an established session
func (h *Handlers) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}

	h.identity.SignedIn(body.UserID)
	writeJSONResponse(w, map[string]interface{}{"user_id": body.UserID})
}

func (h *Handlers) handleSignOut(w http.ResponseWriter, r *http.Request) {
	h.identity.SignedOut()
	writeJSONResponse(w, map[string]interface{}{"signed_in": false})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
