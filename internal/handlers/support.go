package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/services"
)

func pathID(r *http.Request, name string) (uint, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: bad %s %q", services.ErrInvalid, name, raw)
	}
	return uint(id), nil
}

func queryUint(r *http.Request, name string) (uint, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s %q", services.ErrInvalid, name, raw)
	}
	return uint(n), nil
}

type openTicketRequest struct {
	Message string `json:"message"`
	Region  string `json:"region"`
}

// OpenTicket opens or resumes the caller's support chat.
func (s *Server) OpenTicket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := actorOf(r)
		var req openTicketRequest
		if r.ContentLength != 0 {
			if err := decode(r, &req); err != nil {
				s.RespondError(w, r, err)
				return
			}
		}
		region := req.Region
		if region == "" {
			region = actor.Region
		}

		res, err := s.router.OpenOrResume(r.Context(), actor.Requester(), region, req.Message)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		status := http.StatusCreated
		if res.Resumed {
			status = http.StatusOK
		}
		s.Respond(w, r, status, res)
	}
}

// GetTicket returns a ticket the caller may see.
func (s *Server) GetTicket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		ticket, err := s.router.Get(r.Context(), actorOf(r), id)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, ticket)
	}
}

type transferRequest struct {
	AgentID uint `json:"agentId"`
}

// TransferTicket hands a ticket to another agent.
func (s *Server) TransferTicket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		var req transferRequest
		if err := decode(r, &req); err != nil {
			s.RespondError(w, r, err)
			return
		}
		if req.AgentID == 0 {
			s.RespondError(w, r, fmt.Errorf("%w: agentId is required", services.ErrInvalid))
			return
		}
		ticket, err := s.router.Transfer(r.Context(), actorOf(r), id, req.AgentID)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, ticket)
	}
}

type statusRequest struct {
	Status models.TicketStatus `json:"status"`
}

// UpdateTicketStatus moves a ticket through its lifecycle.
func (s *Server) UpdateTicketStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		var req statusRequest
		if err := decode(r, &req); err != nil {
			s.RespondError(w, r, err)
			return
		}
		ticket, err := s.router.UpdateStatus(r.Context(), actorOf(r), id, req.Status)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, ticket)
	}
}

// History pages through a room's messages. ?before=<id>&limit=<n>.
func (s *Server) History() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID, err := pathID(r, "id")
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		before, err := queryUint(r, "before")
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		limit, err := queryUint(r, "limit")
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		msgs, err := s.messages.History(r.Context(), roomID, actorOf(r).UserID, before, int(limit))
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, msgs)
	}
}

type postMessageRequest struct {
	Body      string `json:"body"`
	ReplyToID *uint  `json:"reply_to_id,omitempty"`
}

// PostMessage sends a message to a room the caller belongs to.
func (s *Server) PostMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID, err := pathID(r, "id")
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		var req postMessageRequest
		if err := decode(r, &req); err != nil {
			s.RespondError(w, r, err)
			return
		}
		msg, err := s.messages.Post(r.Context(), services.PostInput{
			RoomID:    roomID,
			SenderID:  actorOf(r).UserID,
			Kind:      models.MessageText,
			Body:      req.Body,
			ReplyToID: req.ReplyToID,
		})
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusCreated, msg)
	}
}

// MarkRoomRead marks everything in the room read for the caller.
func (s *Server) MarkRoomRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID, err := pathID(r, "id")
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		res, err := s.delivery.MarkRoomRead(r.Context(), roomID, actorOf(r).UserID)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, res)
	}
}

type receiptsResponse struct {
	MessageID uint                  `json:"messageId"`
	Aggregate models.DeliveryStatus `json:"aggregate"`
	Receipts  []services.Receipt    `json:"receipts"`
}

// Receipts lists per-recipient delivery state. Only the sender sees them.
// An unknown message has no receipts yet, so it answers with an empty list.
func (s *Server) Receipts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		actor := actorOf(r)
		msg, err := s.messages.GetMessage(r.Context(), id, actor.UserID)
		if errors.Is(err, services.ErrNotFound) {
			s.Respond(w, r, http.StatusOK, receiptsResponse{MessageID: id, Aggregate: models.StatusUnknown, Receipts: []services.Receipt{}})
			return
		}
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		aggregate, err := s.delivery.AggregateForSender(r.Context(), msg.ID, actor.UserID)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		receipts, err := s.delivery.Receipts(r.Context(), msg.ID)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, receiptsResponse{MessageID: msg.ID, Aggregate: aggregate, Receipts: receipts})
	}
}

type onboardRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Region      string `json:"region"`
	MaxChats    int    `json:"maxChats"`
}

// OnboardAgent creates or reactivates an agent. Admins only.
func (s *Server) OnboardAgent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if actorOf(r).Role != services.RoleAdmin {
			s.RespondError(w, r, fmt.Errorf("only admins may onboard agents: %w", services.ErrForbidden))
			return
		}
		var req onboardRequest
		if err := decode(r, &req); err != nil {
			s.RespondError(w, r, err)
			return
		}
		agent, err := s.registry.Onboard(r.Context(), req.UserID, req.DisplayName, req.Region, req.MaxChats)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusCreated, agent)
	}
}

type deactivateResponse struct {
	Agent      *models.Agent        `json:"agent"`
	Reassigned services.SweepResult `json:"reassigned"`
}

// DeactivateAgent takes an agent out of rotation and moves its active
// tickets elsewhere. Admins only.
func (s *Server) DeactivateAgent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if actorOf(r).Role != services.RoleAdmin {
			s.RespondError(w, r, fmt.Errorf("only admins may deactivate agents: %w", services.ErrForbidden))
			return
		}
		id, err := pathID(r, "id")
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		agent, err := s.registry.Deactivate(r.Context(), id)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		res, err := s.sweeper.ReassignFromAgent(r.Context(), id)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Uint("agentID", id).Msg("Reassigning tickets of deactivated agent failed")
		}
		s.Respond(w, r, http.StatusOK, deactivateResponse{Agent: agent, Reassigned: res})
	}
}

type manualStatusRequest struct {
	Status models.AgentStatus `json:"status"`
	// TTL is a Go duration string such as "30m". Empty keeps the override
	// until it is replaced.
	TTL string `json:"ttl,omitempty"`
}

type agentStatusResponse struct {
	AgentID uint               `json:"agentId"`
	Status  models.AgentStatus `json:"status"`
}

// SetMyStatus sets or clears the calling agent's manual status. An empty
// status clears it.
func (s *Server) SetMyStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := s.registry.GetByUserID(r.Context(), actorOf(r).UserID)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		var req manualStatusRequest
		if err := decode(r, &req); err != nil {
			s.RespondError(w, r, err)
			return
		}

		if req.Status == "" {
			err = s.registry.ClearManualStatus(r.Context(), agent.ID)
		} else {
			var ttl time.Duration
			if req.TTL != "" {
				if ttl, err = time.ParseDuration(req.TTL); err != nil || ttl < 0 {
					s.RespondError(w, r, fmt.Errorf("%w: bad ttl %q", services.ErrInvalid, req.TTL))
					return
				}
			}
			err = s.registry.SetManualStatus(r.Context(), agent.ID, req.Status, ttl)
		}
		if err != nil {
			s.RespondError(w, r, err)
			return
		}

		status, err := s.registry.GetEffectiveStatus(r.Context(), agent.ID)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, agentStatusResponse{AgentID: agent.ID, Status: status})
	}
}

// Heartbeat records agent activity for automatic status detection.
func (s *Server) Heartbeat() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := s.registry.GetByUserID(r.Context(), actorOf(r).UserID)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		if _, err := s.registry.Touch(r.Context(), agent.ID); err != nil {
			s.RespondError(w, r, err)
			return
		}
		status, err := s.registry.GetEffectiveStatus(r.Context(), agent.ID)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, agentStatusResponse{AgentID: agent.ID, Status: status})
	}
}

// AgentStatus returns an agent's effective status.
func (s *Server) AgentStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		status, err := s.registry.GetEffectiveStatus(r.Context(), id)
		if err != nil {
			s.RespondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, agentStatusResponse{AgentID: id, Status: status})
	}
}
