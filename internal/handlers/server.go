package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/auth"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/push"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/realtime"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/services"
)

// Deps are the collaborators the HTTP API is built on. Push may be nil.
type Deps struct {
	DB       *gorm.DB
	Resolver *auth.Resolver
	Router   *services.TicketRouter
	Registry *services.AgentRegistry
	Sweeper  *services.ReassignmentSweeper
	Messages *services.MessageService
	Delivery *services.DeliveryStateMachine
	Hub      *realtime.Hub
	Push     *push.DeliveryManager
}

// Server serves the REST API and the websocket endpoint.
type Server struct {
	db       *gorm.DB
	resolver *auth.Resolver
	router   *services.TicketRouter
	registry *services.AgentRegistry
	sweeper  *services.ReassignmentSweeper
	messages *services.MessageService
	delivery *services.DeliveryStateMachine
	hub      *realtime.Hub
	push     *push.DeliveryManager
}

// NewServer creates a new Server.
func NewServer(d Deps) (*Server, error) {
	switch {
	case d.DB == nil:
		return nil, fmt.Errorf("database instance (gorm.DB) cannot be nil for Server")
	case d.Resolver == nil:
		return nil, fmt.Errorf("auth resolver cannot be nil for Server")
	case d.Router == nil || d.Registry == nil || d.Sweeper == nil:
		return nil, fmt.Errorf("routing services cannot be nil for Server")
	case d.Messages == nil || d.Delivery == nil:
		return nil, fmt.Errorf("message services cannot be nil for Server")
	case d.Hub == nil:
		return nil, fmt.Errorf("realtime hub cannot be nil for Server")
	}
	return &Server{
		db:       d.DB,
		resolver: d.Resolver,
		router:   d.Router,
		registry: d.Registry,
		sweeper:  d.Sweeper,
		messages: d.Messages,
		delivery: d.Delivery,
		hub:      d.Hub,
		push:     d.Push,
	}, nil
}

// Routes builds the HTTP handler with logging middleware.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Handle("/healthz", s.Health()).Methods("GET")
	r.Handle("/ws", s.WebSocket()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)

	api.Handle("/support/tickets", s.OpenTicket()).Methods("POST")
	api.Handle("/tickets/{id:[0-9]+}", s.GetTicket()).Methods("GET")
	api.Handle("/tickets/{id:[0-9]+}/transfer", s.TransferTicket()).Methods("POST")
	api.Handle("/tickets/{id:[0-9]+}/status", s.UpdateTicketStatus()).Methods("POST")

	api.Handle("/rooms/{id:[0-9]+}/messages", s.History()).Methods("GET")
	api.Handle("/rooms/{id:[0-9]+}/messages", s.PostMessage()).Methods("POST")
	api.Handle("/rooms/{id:[0-9]+}/read", s.MarkRoomRead()).Methods("POST")
	api.Handle("/messages/{id:[0-9]+}/receipts", s.Receipts()).Methods("GET")

	api.Handle("/agents", s.OnboardAgent()).Methods("POST")
	api.Handle("/agents/me/status", s.SetMyStatus()).Methods("POST")
	api.Handle("/agents/me/heartbeat", s.Heartbeat()).Methods("POST")
	api.Handle("/agents/{id:[0-9]+}/status", s.AgentStatus()).Methods("GET")
	api.Handle("/agents/{id:[0-9]+}", s.DeactivateAgent()).Methods("DELETE")

	api.Handle("/push/status", s.DeliveryStatus()).Methods("GET")
	api.Handle("/push/events", s.DeliveryMetrics()).Methods("GET")
	api.Handle("/push/events/{eventId}", s.EventStatus()).Methods("GET")
	api.Handle("/push/retry", s.ForceRetry()).Methods("POST")
	api.Handle("/push/retry/{eventId}", s.ForceRetry()).Methods("POST")

	chain := alice.New(
		hlog.NewHandler(log.Logger),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Got API request")
		}),
		hlog.RemoteAddrHandler("ip"),
		hlog.UserAgentHandler("user_agent"),
		hlog.RequestIDHandler("req_id", "Request-Id"),
	)
	return chain.Then(r)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.resolver.FromRequest(r)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
	})
}

// Health reports whether the database answers.
func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			log.Error().Err(err).Msg("Health check failed")
			s.Respond(w, r, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// WebSocket authenticates the handshake and hands the connection to the hub.
func (s *Server) WebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.resolver.FromRequest(r)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.hub.Serve(w, r, actor)
	}
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Respond writes data as JSON. Strings and errors become the message of a
// failed response when status is not 2xx.
func (s *Server) Respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	body := envelope{Success: status >= 200 && status < 300}
	switch v := data.(type) {
	case error:
		body.Message = v.Error()
	case string:
		if body.Success {
			body.Data = v
		} else {
			body.Message = v
		}
	default:
		body.Data = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to write response")
	}
}

// RespondError maps the service error taxonomy onto HTTP statuses.
func (s *Server) RespondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		hlog.FromRequest(r).Error().Err(err).Msg("Request failed")
		if status == http.StatusInternalServerError {
			s.Respond(w, r, status, "internal error")
			return
		}
	}
	s.Respond(w, r, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("%w: empty body", services.ErrInvalid)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON payload", services.ErrInvalid)
	}
	return nil
}

func actorOf(r *http.Request) services.Actor {
	actor, _ := auth.ActorFrom(r.Context())
	return actor
}
