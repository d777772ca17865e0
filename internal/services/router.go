package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/events"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
)

// OpenResult is what a requester gets back when opening a support chat.
type OpenResult struct {
	RoomID   uint             `json:"roomId"`
	TicketID uint             `json:"ticketId"`
	Agent    *models.Agent    `json:"agent,omitempty"`
	Messages []models.Message `json:"messages,omitempty"`
	Resumed  bool             `json:"resumed"`
}

// TicketRouter finds or creates the active support ticket of a requester
// and picks who handles it.
type TicketRouter struct {
	db       *gorm.DB
	registry *AgentRegistry
	virtual  *VirtualAgent
	messages *MessageService
	publisher
}

// NewTicketRouter creates a new TicketRouter.
func NewTicketRouter(db *gorm.DB, registry *AgentRegistry, virtual *VirtualAgent, messages *MessageService) (*TicketRouter, error) {
	if db == nil {
		return nil, fmt.Errorf("database instance (gorm.DB) cannot be nil for TicketRouter")
	}
	if registry == nil {
		return nil, fmt.Errorf("agent registry cannot be nil for TicketRouter")
	}
	if virtual == nil {
		return nil, fmt.Errorf("virtual agent cannot be nil for TicketRouter")
	}
	if messages == nil {
		return nil, fmt.Errorf("message service cannot be nil for TicketRouter")
	}
	return &TicketRouter{
		db:        db,
		registry:  registry,
		virtual:   virtual,
		messages:  messages,
		publisher: messages.publisher,
	}, nil
}

// resolveRequester checks that the requester identity exists. Guests must
// hold a live guest session.
func (r *TicketRouter) resolveRequester(ctx context.Context, req Requester) error {
	if req.ID == "" {
		return fmt.Errorf("requester identity is missing: %w", ErrUnauthenticated)
	}
	switch req.Kind {
	case models.RequesterUser:
		return nil
	case models.RequesterGuest:
		var guest models.GuestSession
		err := r.db.WithContext(ctx).Where("id = ?", req.ID).First(&guest).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("guest session %s: %w", req.ID, ErrUnauthenticated)
		}
		if err != nil {
			return fmt.Errorf("error querying guest session %s: %w", req.ID, err)
		}
		if !guest.ExpiresAt.IsZero() && !r.clock.Now().Before(guest.ExpiresAt) {
			return fmt.Errorf("guest session %s expired: %w", req.ID, ErrUnauthenticated)
		}
		return nil
	default:
		return fmt.Errorf("unknown requester kind %q: %w", req.Kind, ErrUnauthenticated)
	}
}

func (r *TicketRouter) findActiveTicket(tx *gorm.DB, requesterID string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := tx.Preload("AssignedAgent").
		Where("requester_id = ? AND status IN ?", requesterID, models.ActiveTicketStatuses).
		Order("id").First(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying active ticket of %s: %w", requesterID, err)
	}
	return &ticket, nil
}

// OpenOrResume returns the requester's Open or InProgress ticket with its
// full history, or opens a new one. A new ticket goes to the best available
// human agent or, when none qualifies, to the virtual agent. Room, ticket,
// members and the first messages are written in one transaction.
func (r *TicketRouter) OpenOrResume(ctx context.Context, req Requester, region, initialText string) (*OpenResult, error) {
	if err := r.resolveRequester(ctx, req); err != nil {
		return nil, err
	}
	if region == "" {
		region = req.Region
	}
	requesterID := req.MemberID()

	existing, err := r.findActiveTicket(r.db.WithContext(ctx), requesterID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return r.resume(ctx, existing)
	}

	agent, err := r.registry.BestAvailable(ctx, region)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		if agent, err = r.virtual.Identity(ctx); err != nil {
			return nil, err
		}
	}

	now := r.clock.Now()
	var (
		ticket   models.Ticket
		posted   []*models.Message
		members  []models.RoomMember
		racedOut *models.Ticket
	)
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Second lookup inside the write transaction narrows the window for
		// two concurrent opens by the same requester.
		if racedOut, err = r.findActiveTicket(tx, requesterID); err != nil || racedOut != nil {
			return err
		}

		room := models.Room{Kind: models.RoomSupport}
		if err := tx.Create(&room).Error; err != nil {
			return fmt.Errorf("failed to create support room: %w", err)
		}
		agentID := agent.ID
		ticket = models.Ticket{
			RequesterKind:   req.Kind,
			RequesterID:     requesterID,
			AssignedAgentID: &agentID,
			Region:          region,
			Status:          models.TicketOpen,
			RoomID:          room.ID,
		}
		if err := tx.Create(&ticket).Error; err != nil {
			return fmt.Errorf("failed to create ticket: %w", err)
		}
		if err := addMember(tx, room.ID, requesterID, models.RoleRequester, now); err != nil {
			return err
		}
		if err := addMember(tx, room.ID, agent.UserID, models.RoleAgent, now); err != nil {
			return err
		}

		if text := strings.TrimSpace(initialText); text != "" {
			msg := &models.Message{RoomID: room.ID, SenderID: requesterID, Kind: models.MessageText, Body: text, CreatedAt: now}
			if members, err = persistMessage(tx, msg); err != nil {
				return err
			}
			posted = append(posted, msg)
		}
		if agent.IsVirtual() {
			msg := &models.Message{RoomID: room.ID, SenderID: agent.UserID, Kind: models.MessageText, Body: r.virtual.greeting(), CreatedAt: now}
			if members, err = persistMessage(tx, msg); err != nil {
				return err
			}
			posted = append(posted, msg)
		} else if err := adjustLoad(tx, agent.ID, 1); err != nil {
			return err
		}
		if members == nil {
			members, err = roomMembers(tx, room.ID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if racedOut != nil {
		return r.resume(ctx, racedOut)
	}

	log.Info().
		Uint("ticketID", ticket.ID).
		Uint("roomID", ticket.RoomID).
		Str("requesterID", requesterID).
		Uint("agentID", agent.ID).
		Bool("virtual", agent.IsVirtual()).
		Str("region", region).
		Msg("Support ticket opened")

	for _, msg := range posted {
		r.messages.announce(ctx, msg, members)
	}
	if !agent.IsVirtual() {
		r.publish(ctx, []string{agent.UserID}, events.TicketAssigned, ticket.RoomID, events.TicketAssignedPayload{
			TicketID: ticket.ID, AgentID: agent.ID, AgentUserID: agent.UserID, RoomID: ticket.RoomID,
		})
	}

	msgs := make([]models.Message, 0, len(posted))
	for _, m := range posted {
		msgs = append(msgs, *m)
	}
	return &OpenResult{RoomID: ticket.RoomID, TicketID: ticket.ID, Agent: agent, Messages: msgs}, nil
}

func (r *TicketRouter) resume(ctx context.Context, ticket *models.Ticket) (*OpenResult, error) {
	msgs, err := allMessages(r.db.WithContext(ctx), ticket.RoomID)
	if err != nil {
		return nil, err
	}
	log.Info().Uint("ticketID", ticket.ID).Uint("roomID", ticket.RoomID).Str("requesterID", ticket.RequesterID).Msg("Resuming active support ticket")
	return &OpenResult{
		RoomID:   ticket.RoomID,
		TicketID: ticket.ID,
		Agent:    ticket.AssignedAgent,
		Messages: msgs,
		Resumed:  true,
	}, nil
}

func addMember(tx *gorm.DB, roomID uint, userID, role string, joinedAt time.Time) error {
	member := models.RoomMember{RoomID: roomID, UserID: userID, Role: role, JoinedAt: joinedAt}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error; err != nil {
		return fmt.Errorf("failed to add %s to room %d: %w", userID, roomID, err)
	}
	return nil
}

func removeMember(tx *gorm.DB, roomID uint, userID string) error {
	if err := tx.Where("room_id = ? AND user_id = ?", roomID, userID).Delete(&models.RoomMember{}).Error; err != nil {
		return fmt.Errorf("failed to remove %s from room %d: %w", userID, roomID, err)
	}
	return nil
}

// Get loads a ticket the actor may see.
func (r *TicketRouter) Get(ctx context.Context, actor Actor, ticketID uint) (*models.Ticket, error) {
	ticket, err := getTicket(r.db.WithContext(ctx), ticketID)
	if err != nil {
		return nil, err
	}
	if err := canAccessTicket(actor, ticket); err != nil {
		return nil, err
	}
	return ticket, nil
}

func getTicket(tx *gorm.DB, ticketID uint) (*models.Ticket, error) {
	var ticket models.Ticket
	err := tx.Preload("AssignedAgent").First(&ticket, ticketID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("ticket %d: %w", ticketID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying ticket %d: %w", ticketID, err)
	}
	return &ticket, nil
}

// Transfer hands an active ticket to another active human agent. The
// assignee only changes if it is still the one read before the write, so a
// transfer racing a sweep or another transfer fails with ErrInvalid instead
// of leaving stale load or membership behind.
func (r *TicketRouter) Transfer(ctx context.Context, actor Actor, ticketID, toAgentID uint) (*models.Ticket, error) {
	if actor.Role != RoleAgent && actor.Role != RoleAdmin {
		return nil, fmt.Errorf("only agents may transfer tickets: %w", ErrForbidden)
	}
	ticket, err := r.Get(ctx, actor, ticketID)
	if err != nil {
		return nil, err
	}
	if !ticket.Status.IsActive() {
		return nil, fmt.Errorf("%w: ticket %d is %s", ErrInvalid, ticketID, ticket.Status)
	}
	target, err := r.registry.Get(ctx, toAgentID)
	if err != nil {
		return nil, err
	}
	if target.IsVirtual() || !target.Active {
		return nil, fmt.Errorf("%w: agent %d cannot take tickets", ErrInvalid, toAgentID)
	}
	from := ticket.AssignedAgent
	if from != nil && from.ID == target.ID {
		return ticket, nil
	}

	now := r.clock.Now()
	var (
		handoff = &models.Message{
			RoomID:    ticket.RoomID,
			SenderID:  models.SystemSenderID,
			Kind:      models.MessageSystem,
			Body:      fmt.Sprintf("This conversation was transferred to %s.", agentName(target)),
			CreatedAt: now,
		}
		members []models.RoomMember
	)
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.Ticket{}).Where("id = ? AND status IN ?", ticket.ID, models.ActiveTicketStatuses)
		if from != nil {
			q = q.Where("assigned_agent_id = ?", from.ID)
		} else {
			q = q.Where("assigned_agent_id IS NULL")
		}
		res := q.Update("assigned_agent_id", target.ID)
		if res.Error != nil {
			return fmt.Errorf("failed to transfer ticket %d: %w", ticket.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: ticket %d changed concurrently", ErrInvalid, ticket.ID)
		}
		if err := addMember(tx, ticket.RoomID, target.UserID, models.RoleAgent, now); err != nil {
			return err
		}
		if from != nil {
			if err := removeMember(tx, ticket.RoomID, from.UserID); err != nil {
				return err
			}
			if err := adjustLoad(tx, from.ID, -1); err != nil {
				return err
			}
		}
		if err := adjustLoad(tx, target.ID, 1); err != nil {
			return err
		}
		var err error
		members, err = persistMessage(tx, handoff)
		return err
	})
	if err != nil {
		return nil, err
	}

	var fromID uint
	recipients := []string{target.UserID, ticket.RequesterID}
	if from != nil {
		fromID = from.ID
		recipients = append(recipients, from.UserID)
	}
	log.Info().Uint("ticketID", ticket.ID).Uint("fromAgentID", fromID).Uint("toAgentID", target.ID).Str("actor", actor.UserID).Msg("Ticket transferred")

	r.messages.announce(ctx, handoff, members)
	r.publish(ctx, recipients, events.TicketTransferred, ticket.RoomID, events.TicketTransferredPayload{
		TicketID: ticket.ID, FromAgentID: fromID, ToAgentID: target.ID, RoomID: ticket.RoomID,
	})
	r.publish(ctx, []string{target.UserID}, events.TicketAssigned, ticket.RoomID, events.TicketAssignedPayload{
		TicketID: ticket.ID, AgentID: target.ID, AgentUserID: target.UserID, RoomID: ticket.RoomID,
	})
	return getTicket(r.db.WithContext(ctx), ticket.ID)
}

// UpdateStatus moves a ticket through its lifecycle. Leaving Open or
// InProgress frees the assigned agent's slot; inactive tickets cannot be
// reopened. Requesters may only resolve or close their own ticket.
func (r *TicketRouter) UpdateStatus(ctx context.Context, actor Actor, ticketID uint, status models.TicketStatus) (*models.Ticket, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown ticket status %q", ErrInvalid, status)
	}
	ticket, err := r.Get(ctx, actor, ticketID)
	if err != nil {
		return nil, err
	}
	isRequester := actor.UserID == ticket.RequesterID
	if isRequester && actor.Role != RoleAdmin && status != models.TicketResolved && status != models.TicketClosed {
		return nil, fmt.Errorf("requesters may only resolve or close tickets: %w", ErrForbidden)
	}
	if ticket.Status == status {
		return ticket, nil
	}
	if !ticket.Status.IsActive() {
		return nil, fmt.Errorf("%w: ticket %d is already %s", ErrInvalid, ticketID, ticket.Status)
	}

	now := r.clock.Now()
	updates := map[string]interface{}{"status": status}
	if !status.IsActive() {
		updates["closed_at"] = now
	}
	note := &models.Message{
		RoomID:    ticket.RoomID,
		SenderID:  models.SystemSenderID,
		Kind:      models.MessageSystem,
		Body:      fmt.Sprintf("Ticket marked %s.", strings.ReplaceAll(string(status), "_", " ")),
		CreatedAt: now,
	}
	var members []models.RoomMember
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.Ticket{}).Where("id = ? AND status = ?", ticket.ID, ticket.Status)
		if ticket.AssignedAgentID != nil {
			q = q.Where("assigned_agent_id = ?", *ticket.AssignedAgentID)
		} else {
			q = q.Where("assigned_agent_id IS NULL")
		}
		res := q.Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update ticket %d: %w", ticket.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: ticket %d changed concurrently", ErrInvalid, ticket.ID)
		}
		if !status.IsActive() && ticket.AssignedAgentID != nil {
			if err := adjustLoad(tx, *ticket.AssignedAgentID, -1); err != nil {
				return err
			}
		}
		var err error
		members, err = persistMessage(tx, note)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().Uint("ticketID", ticket.ID).Str("from", string(ticket.Status)).Str("to", string(status)).Str("actor", actor.UserID).Msg("Ticket status updated")
	r.messages.announce(ctx, note, members)
	return getTicket(r.db.WithContext(ctx), ticket.ID)
}

func agentName(a *models.Agent) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return "another agent"
}
