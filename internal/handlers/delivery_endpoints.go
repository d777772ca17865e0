package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/services"
)

// requirePushAdmin answers for the caller and returns false when the push
// endpoints are unavailable or the caller is not an admin.
func (s *Server) requirePushAdmin(w http.ResponseWriter, r *http.Request) bool {
	if actorOf(r).Role != services.RoleAdmin {
		s.Respond(w, r, http.StatusForbidden, "admin role required")
		return false
	}
	if s.push == nil {
		s.Respond(w, r, http.StatusServiceUnavailable, "push delivery is disabled")
		return false
	}
	return true
}

// DeliveryStatus returns the push delivery manager's configuration and load.
func (s *Server) DeliveryStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requirePushAdmin(w, r) {
			return
		}
		maxRetries, backoff, timeout := s.push.Settings()
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"enabled":        s.push.Enabled(),
			"pending_count":  s.push.PendingCount(),
			"max_retries":    maxRetries,
			"retry_backoff":  backoff.String(),
			"attempt_budget": timeout.String(),
		})
	}
}

// DeliveryMetrics lists pending notifications. ?user_id=<id>&limit=<n>.
func (s *Server) DeliveryMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requirePushAdmin(w, r) {
			return
		}
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				s.Respond(w, r, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		pending, total := s.push.Pending(r.URL.Query().Get("user_id"), limit)
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"events": pending,
			"total":  total,
			"limit":  limit,
		})
	}
}

// EventStatus returns one pending notification.
func (s *Server) EventStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requirePushAdmin(w, r) {
			return
		}
		eventID := mux.Vars(r)["eventId"]
		event, ok := s.push.Get(eventID)
		if !ok {
			s.Respond(w, r, http.StatusNotFound, "event not found or already delivered")
			return
		}
		s.Respond(w, r, http.StatusOK, event)
	}
}

// ForceRetry retries one notification, or all pending ones when no event
// id is given.
func (s *Server) ForceRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requirePushAdmin(w, r) {
			return
		}
		eventID := mux.Vars(r)["eventId"]
		if eventID == "" {
			n := s.push.RetryPending()
			s.Respond(w, r, http.StatusOK, map[string]interface{}{"retried": n})
			return
		}
		if !s.push.Retry(eventID) {
			s.Respond(w, r, http.StatusNotFound, "event not found or already delivered")
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{"retried": 1, "event_id": eventID})
	}
}
