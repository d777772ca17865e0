package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
	"github.com/habgyt95-stack/Chat-Support-sub001/pkg/logger"
)

// VirtualAgentUserID is the member id the virtual agent posts as.
const VirtualAgentUserID = "virtual-agent"

var defaultHoldingMessages = []string{
	"Thanks for waiting. Every agent is helping someone else right now; you will be connected to the next one who is free.",
	"You are still in the queue. An agent will join this conversation as soon as possible.",
	"We have not forgotten you. Feel free to add any details that will help the agent get started.",
}

// VirtualAgent is the always-available fallback assignee. It greets
// requesters when no human is free and posts rotating holding messages to
// the rooms it holds while they wait.
type VirtualAgent struct {
	db       *gorm.DB
	messages *MessageService
	name     string
	idle     time.Duration
	holding  []string

	mu    sync.RWMutex
	agent *models.Agent
}

// NewVirtualAgent creates a new VirtualAgent. idle is how long the agent
// stays quiet in a room before posting the next holding message.
func NewVirtualAgent(db *gorm.DB, messages *MessageService, name string, idle time.Duration) (*VirtualAgent, error) {
	if db == nil {
		return nil, fmt.Errorf("database instance (gorm.DB) cannot be nil for VirtualAgent")
	}
	if messages == nil {
		return nil, fmt.Errorf("message service cannot be nil for VirtualAgent")
	}
	if idle <= 0 {
		return nil, fmt.Errorf("holding idle interval must be positive, got %s", idle)
	}
	if name == "" {
		name = "Support Assistant"
	}
	return &VirtualAgent{
		db:       db,
		messages: messages,
		name:     name,
		idle:     idle,
		holding:  defaultHoldingMessages,
	}, nil
}

// EnsureIdentity finds or creates the virtual agent's row.
func (v *VirtualAgent) EnsureIdentity(ctx context.Context) (*models.Agent, error) {
	var agent models.Agent
	err := v.db.WithContext(ctx).Where("kind = ?", models.AgentKindVirtual).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		agent = models.Agent{
			UserID:      VirtualAgentUserID,
			DisplayName: v.name,
			Kind:        models.AgentKindVirtual,
			Active:      true,
			Status:      models.AgentAvailable,
		}
		if err := v.db.WithContext(ctx).Create(&agent).Error; err != nil {
			return nil, fmt.Errorf("failed to create virtual agent: %w", err)
		}
		log.Info().Uint("agentID", agent.ID).Str("name", v.name).Msg("Virtual agent created")
	} else if err != nil {
		return nil, fmt.Errorf("error querying virtual agent: %w", err)
	}

	v.mu.Lock()
	v.agent = &agent
	v.mu.Unlock()
	return &agent, nil
}

// Identity returns the virtual agent, loading it on first use.
func (v *VirtualAgent) Identity(ctx context.Context) (*models.Agent, error) {
	v.mu.RLock()
	agent := v.agent
	v.mu.RUnlock()
	if agent != nil {
		copied := *agent
		return &copied, nil
	}
	return v.EnsureIdentity(ctx)
}

func (v *VirtualAgent) greeting() string {
	return fmt.Sprintf("Hi, I'm %s. All of our agents are busy at the moment. Your request is logged and a person will join this chat shortly.", v.name)
}

func (v *VirtualAgent) holdingMessage(index int64) string {
	return v.holding[int(index%int64(len(v.holding)))]
}

// EmitHolding posts a holding message to every room the virtual agent
// holds where it has been quiet for the idle interval. Rooms are handled
// independently; a failure in one is logged and skipped. It returns how
// many messages were posted.
func (v *VirtualAgent) EmitHolding(ctx context.Context) (int, error) {
	agent, err := v.Identity(ctx)
	if err != nil {
		return 0, err
	}

	var tickets []models.Ticket
	err = v.db.WithContext(ctx).
		Where("assigned_agent_id = ? AND status IN ?", agent.ID, models.ActiveTicketStatuses).
		Order("id").Find(&tickets).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list tickets held by the virtual agent: %w", err)
	}

	posted := 0
	now := v.messages.clock.Now()
	for _, t := range tickets {
		if ctx.Err() != nil {
			return posted, ctx.Err()
		}
		due, index, err := v.holdingDue(ctx, agent, t.RoomID, now)
		if err != nil {
			log.Warn().Err(err).Uint("ticketID", t.ID).Uint("roomID", t.RoomID).Msg("Holding message check failed")
			continue
		}
		if !due {
			continue
		}
		msg, err := v.messages.Post(ctx, PostInput{
			RoomID:   t.RoomID,
			SenderID: agent.UserID,
			Kind:     models.MessageHolding,
			Body:     v.holdingMessage(index),
		})
		if err != nil {
			log.Warn().Err(err).Uint("ticketID", t.ID).Uint("roomID", t.RoomID).Msg("Holding message failed")
			continue
		}
		posted++
		log.Info().Uint("ticketID", t.ID).Uint("roomID", t.RoomID).Uint("messageID", msg.ID).Msg("Holding message posted")
	}
	return posted, nil
}

// holdingDue reports whether the idle interval has passed since the virtual
// agent last spoke in the room (or joined it), and which holding message
// comes next.
func (v *VirtualAgent) holdingDue(ctx context.Context, agent *models.Agent, roomID uint, now time.Time) (bool, int64, error) {
	db := v.db.WithContext(ctx)

	var since time.Time
	var last models.Message
	err := db.Where("room_id = ? AND sender_id = ?", roomID, agent.UserID).Order("id DESC").First(&last).Error
	switch {
	case err == nil:
		since = last.CreatedAt
	case errors.Is(err, gorm.ErrRecordNotFound):
		member, err := requireMember(db, roomID, agent.UserID)
		if err != nil {
			return false, 0, err
		}
		since = member.JoinedAt
	default:
		return false, 0, fmt.Errorf("error querying last virtual agent message in room %d: %w", roomID, err)
	}
	if now.Sub(since) < v.idle {
		return false, 0, nil
	}

	var sent int64
	err = db.Model(&models.Message{}).
		Where("room_id = ? AND sender_id = ? AND kind = ?", roomID, agent.UserID, models.MessageHolding).
		Count(&sent).Error
	if err != nil {
		return false, 0, fmt.Errorf("error counting holding messages in room %d: %w", roomID, err)
	}
	return true, sent, nil
}

// Run posts holding messages every interval until ctx is cancelled.
func (v *VirtualAgent) Run(ctx context.Context, interval time.Duration) {
	lg := logger.For("virtual-agent")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lg.Info().Dur("interval", interval).Dur("idle", v.idle).Msg("Holding message loop started")
	for {
		select {
		case <-ctx.Done():
			lg.Info().Msg("Holding message loop stopped")
			return
		case <-ticker.C:
			if _, err := v.EmitHolding(ctx); err != nil && ctx.Err() == nil {
				lg.Error().Err(err).Msg("Holding message pass failed")
			}
		}
	}
}
