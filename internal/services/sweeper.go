package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/events"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
	"github.com/habgyt95-stack/Chat-Support-sub001/pkg/logger"
)

// errAlreadyMoved means another writer reassigned the ticket first.
var errAlreadyMoved = errors.New("ticket was reassigned concurrently")

// SweepResult counts what one pass did.
type SweepResult struct {
	Scanned    int `json:"scanned"`
	Reassigned int `json:"reassigned"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// ReassignmentSweeper promotes tickets held by the virtual agent to a human
// once one is available, and moves a deactivated agent's tickets elsewhere.
type ReassignmentSweeper struct {
	db       *gorm.DB
	registry *AgentRegistry
	virtual  *VirtualAgent
	messages *MessageService
	publisher
}

// NewReassignmentSweeper creates a new ReassignmentSweeper.
func NewReassignmentSweeper(db *gorm.DB, registry *AgentRegistry, virtual *VirtualAgent, messages *MessageService) (*ReassignmentSweeper, error) {
	if db == nil {
		return nil, fmt.Errorf("database instance (gorm.DB) cannot be nil for ReassignmentSweeper")
	}
	if registry == nil {
		return nil, fmt.Errorf("agent registry cannot be nil for ReassignmentSweeper")
	}
	if virtual == nil {
		return nil, fmt.Errorf("virtual agent cannot be nil for ReassignmentSweeper")
	}
	if messages == nil {
		return nil, fmt.Errorf("message service cannot be nil for ReassignmentSweeper")
	}
	return &ReassignmentSweeper{
		db:        db,
		registry:  registry,
		virtual:   virtual,
		messages:  messages,
		publisher: messages.publisher,
	}, nil
}

// Sweep offers every Open or InProgress ticket held by the virtual agent to
// the best available human. Each ticket commits on its own; a failure is
// logged and the sweep moves on. Cancellation is checked between tickets
// and leaves finished reassignments in place.
func (s *ReassignmentSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	virtual, err := s.virtual.Identity(ctx)
	if err != nil {
		return result, err
	}

	tickets, err := s.activeTicketsOf(ctx, virtual.ID)
	if err != nil {
		return result, err
	}
	for i := range tickets {
		if err := ctx.Err(); err != nil {
			log.Info().Int("processed", result.Scanned).Int("remaining", len(tickets)-i).Msg("Sweep cancelled")
			return result, err
		}
		result.Scanned++
		t := &tickets[i]

		human, err := s.registry.BestAvailable(ctx, t.Region)
		if err != nil {
			result.Failed++
			log.Warn().Err(err).Uint("ticketID", t.ID).Msg("Agent lookup failed during sweep")
			continue
		}
		if human == nil {
			result.Skipped++
			continue
		}
		if err := s.reassign(ctx, t, virtual, human); err != nil {
			if errors.Is(err, errAlreadyMoved) {
				result.Skipped++
				log.Info().Uint("ticketID", t.ID).Msg("Ticket already reassigned, skipping")
				continue
			}
			result.Failed++
			log.Error().Err(err).Uint("ticketID", t.ID).Uint("agentID", human.ID).Msg("Sweep reassignment failed")
			continue
		}
		result.Reassigned++
	}

	if result.Scanned > 0 {
		log.Info().
			Int("scanned", result.Scanned).
			Int("reassigned", result.Reassigned).
			Int("skipped", result.Skipped).
			Int("failed", result.Failed).
			Msg("Reassignment sweep finished")
	}
	return result, nil
}

// ReassignFromAgent moves every active ticket of agentID to the best
// available human, or to the virtual agent when none is free. Used after
// an agent is deactivated.
func (s *ReassignmentSweeper) ReassignFromAgent(ctx context.Context, agentID uint) (SweepResult, error) {
	var result SweepResult
	from, err := s.registry.Get(ctx, agentID)
	if err != nil {
		return result, err
	}
	if from.IsVirtual() {
		return s.Sweep(ctx)
	}

	tickets, err := s.activeTicketsOf(ctx, agentID)
	if err != nil {
		return result, err
	}
	for i := range tickets {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++
		t := &tickets[i]

		to, err := s.registry.BestAvailable(ctx, t.Region)
		if err == nil && (to == nil || to.ID == from.ID) {
			to, err = s.virtual.Identity(ctx)
		}
		if err != nil {
			result.Failed++
			log.Warn().Err(err).Uint("ticketID", t.ID).Msg("Agent lookup failed during reassignment")
			continue
		}
		if err := s.reassign(ctx, t, from, to); err != nil {
			if errors.Is(err, errAlreadyMoved) {
				result.Skipped++
				continue
			}
			result.Failed++
			log.Error().Err(err).Uint("ticketID", t.ID).Msg("Reassignment from agent failed")
			continue
		}
		result.Reassigned++
	}
	log.Info().Uint("agentID", agentID).Int("reassigned", result.Reassigned).Int("failed", result.Failed).Msg("Tickets moved off agent")
	return result, nil
}

func (s *ReassignmentSweeper) activeTicketsOf(ctx context.Context, agentID uint) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := s.db.WithContext(ctx).
		Where("assigned_agent_id = ? AND status IN ?", agentID, models.ActiveTicketStatuses).
		Order("id").Find(&tickets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets of agent %d: %w", agentID, err)
	}
	return tickets, nil
}

// reassign moves one ticket from one agent to another in a single commit.
// The assignee only changes if it is still from, so a pass that lost a race
// changes nothing and does not double count load.
func (s *ReassignmentSweeper) reassign(ctx context.Context, t *models.Ticket, from, to *models.Agent) error {
	now := s.clock.Now()
	body := fmt.Sprintf("%s has joined the conversation.", agentName(to))
	if to.IsVirtual() {
		body = fmt.Sprintf("Your agent is no longer available. %s will stay with you until another agent joins.", agentName(to))
	}
	handoff := &models.Message{RoomID: t.RoomID, SenderID: models.SystemSenderID, Kind: models.MessageSystem, Body: body, CreatedAt: now}

	var members []models.RoomMember
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Ticket{}).
			Where("id = ? AND assigned_agent_id = ? AND status IN ?", t.ID, from.ID, models.ActiveTicketStatuses).
			Update("assigned_agent_id", to.ID)
		if res.Error != nil {
			return fmt.Errorf("failed to reassign ticket %d: %w", t.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return errAlreadyMoved
		}
		if err := addMember(tx, t.RoomID, to.UserID, models.RoleAgent, now); err != nil {
			return err
		}
		if err := removeMember(tx, t.RoomID, from.UserID); err != nil {
			return err
		}
		if err := adjustLoad(tx, from.ID, -1); err != nil {
			return err
		}
		if err := adjustLoad(tx, to.ID, 1); err != nil {
			return err
		}
		var err error
		members, err = persistMessage(tx, handoff)
		return err
	})
	if err != nil {
		return err
	}

	log.Info().Uint("ticketID", t.ID).Uint("fromAgentID", from.ID).Uint("toAgentID", to.ID).Msg("Ticket reassigned")
	s.messages.announce(ctx, handoff, members)
	if !to.IsVirtual() {
		s.publish(ctx, []string{to.UserID}, events.TicketAssigned, t.RoomID, events.TicketAssignedPayload{
			TicketID: t.ID, AgentID: to.ID, AgentUserID: to.UserID, RoomID: t.RoomID,
		})
	}
	return nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *ReassignmentSweeper) Run(ctx context.Context, interval time.Duration) {
	lg := logger.For("sweeper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lg.Info().Dur("interval", interval).Msg("Reassignment sweeper started")
	for {
		select {
		case <-ctx.Done():
			lg.Info().Msg("Reassignment sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				lg.Error().Err(err).Msg("Reassignment sweep failed")
			}
		}
	}
}
