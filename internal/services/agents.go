package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/clock"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
	"github.com/habgyt95-stack/Chat-Support-sub001/pkg/logger"
)

// AgentRegistry owns agent activation, manual and automatic status, and
// workload counters, and picks the best available human for a ticket.
type AgentRegistry struct {
	db              *gorm.DB
	clock           clock.Clock
	offlineAfter    time.Duration
	defaultMaxChats int
}

// NewAgentRegistry creates a new AgentRegistry. offlineAfter is how long an
// agent may go without a heartbeat before auto-detection reports Offline.
func NewAgentRegistry(db *gorm.DB, clk clock.Clock, offlineAfter time.Duration, defaultMaxChats int) (*AgentRegistry, error) {
	if db == nil {
		return nil, fmt.Errorf("database instance (gorm.DB) cannot be nil for AgentRegistry")
	}
	if clk == nil {
		return nil, fmt.Errorf("clock cannot be nil for AgentRegistry")
	}
	if offlineAfter <= 0 {
		return nil, fmt.Errorf("offline window must be positive, got %s", offlineAfter)
	}
	if defaultMaxChats <= 0 {
		return nil, fmt.Errorf("default max chats must be positive, got %d", defaultMaxChats)
	}
	return &AgentRegistry{
		db:              db,
		clock:           clk,
		offlineAfter:    offlineAfter,
		defaultMaxChats: defaultMaxChats,
	}, nil
}

// Onboard finds or creates the human agent for userID and (re)activates it.
// maxChats <= 0 keeps the current capacity, or the default for new agents.
func (r *AgentRegistry) Onboard(ctx context.Context, userID, displayName, region string, maxChats int) (*models.Agent, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: agent user id is required", ErrInvalid)
	}

	var agent models.Agent
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&agent).Error
	if err == nil {
		if agent.IsVirtual() {
			return nil, fmt.Errorf("%w: user %s is the virtual agent", ErrForbidden, userID)
		}
		updates := map[string]interface{}{"active": true, "region": region}
		if displayName != "" {
			updates["display_name"] = displayName
		}
		if maxChats > 0 {
			updates["max_concurrent_chats"] = maxChats
		}
		if err := r.db.WithContext(ctx).Model(&agent).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to reactivate agent %s: %w", userID, err)
		}
		log.Info().Str("userID", userID).Uint("agentID", agent.ID).Msg("Agent reactivated")
		return r.Get(ctx, agent.ID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("error querying agent %s: %w", userID, err)
	}

	if maxChats <= 0 {
		maxChats = r.defaultMaxChats
	}
	agent = models.Agent{
		UserID:             userID,
		DisplayName:        displayName,
		Kind:               models.AgentKindHuman,
		Active:             true,
		Region:             region,
		Status:             models.AgentOffline,
		MaxConcurrentChats: maxChats,
	}
	if err := r.db.WithContext(ctx).Create(&agent).Error; err != nil {
		return nil, fmt.Errorf("failed to create agent %s: %w", userID, err)
	}
	log.Info().Str("userID", userID).Uint("agentID", agent.ID).Str("region", region).Int("maxChats", maxChats).Msg("Agent onboarded")
	return &agent, nil
}

// Get loads an agent by id.
func (r *AgentRegistry) Get(ctx context.Context, agentID uint) (*models.Agent, error) {
	return getAgent(r.db.WithContext(ctx), agentID)
}

// GetByUserID loads an agent by the identity it signs in with.
func (r *AgentRegistry) GetByUserID(ctx context.Context, userID string) (*models.Agent, error) {
	var agent models.Agent
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("agent for user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying agent for user %s: %w", userID, err)
	}
	return &agent, nil
}

func getAgent(tx *gorm.DB, agentID uint) (*models.Agent, error) {
	var agent models.Agent
	err := tx.First(&agent, agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("agent %d: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying agent %d: %w", agentID, err)
	}
	return &agent, nil
}

// SetManualStatus overrides the agent's status until ttl passes. A ttl of
// zero keeps the override until it is cleared or replaced.
func (r *AgentRegistry) SetManualStatus(ctx context.Context, agentID uint, status models.AgentStatus, ttl time.Duration) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown agent status %q", ErrInvalid, status)
	}
	agent, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.IsVirtual() {
		return fmt.Errorf("%w: the virtual agent has no manual status", ErrForbidden)
	}

	var expiry *time.Time
	if ttl > 0 {
		at := r.clock.Now().Add(ttl)
		expiry = &at
	}
	err = r.db.WithContext(ctx).Model(&models.Agent{}).Where("id = ?", agentID).
		Updates(map[string]interface{}{"manual_status": status, "manual_status_expiry": expiry}).Error
	if err != nil {
		return fmt.Errorf("failed to set manual status for agent %d: %w", agentID, err)
	}
	log.Info().Uint("agentID", agentID).Str("status", string(status)).Dur("ttl", ttl).Msg("Manual agent status set")
	return nil
}

// ClearManualStatus drops any manual override.
func (r *AgentRegistry) ClearManualStatus(ctx context.Context, agentID uint) error {
	res := r.db.WithContext(ctx).Model(&models.Agent{}).Where("id = ?", agentID).
		Updates(map[string]interface{}{"manual_status": "", "manual_status_expiry": nil})
	if res.Error != nil {
		return fmt.Errorf("failed to clear manual status for agent %d: %w", agentID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agent %d: %w", agentID, ErrNotFound)
	}
	return nil
}

// GetEffectiveStatus resolves an unexpired manual status first, then the
// automatically detected one.
func (r *AgentRegistry) GetEffectiveStatus(ctx context.Context, agentID uint) (models.AgentStatus, error) {
	agent, err := r.Get(ctx, agentID)
	if err != nil {
		return models.AgentOffline, err
	}
	return r.EffectiveStatus(agent), nil
}

// EffectiveStatus is GetEffectiveStatus for an already loaded agent.
func (r *AgentRegistry) EffectiveStatus(agent *models.Agent) models.AgentStatus {
	now := r.clock.Now()
	if !agent.Active {
		return models.AgentOffline
	}
	if agent.ManualStatus != "" && (agent.ManualStatusExpiry == nil || now.Before(*agent.ManualStatusExpiry)) {
		return agent.ManualStatus
	}
	return r.autoStatus(agent, now)
}

func (r *AgentRegistry) autoStatus(agent *models.Agent, now time.Time) models.AgentStatus {
	switch {
	case !agent.Active:
		return models.AgentOffline
	case agent.IsVirtual():
		return models.AgentAvailable
	case agent.LastActivityAt.IsZero() || now.Sub(agent.LastActivityAt) > r.offlineAfter:
		return models.AgentOffline
	case !agent.HasCapacity():
		return models.AgentBusy
	default:
		return models.AgentAvailable
	}
}

// DetectAutomaticStatus derives the status from heartbeat recency and
// workload, and persists it when it changed.
func (r *AgentRegistry) DetectAutomaticStatus(ctx context.Context, agentID uint) (models.AgentStatus, error) {
	agent, err := r.Get(ctx, agentID)
	if err != nil {
		return models.AgentOffline, err
	}
	return r.persistAutoStatus(ctx, agent)
}

func (r *AgentRegistry) persistAutoStatus(ctx context.Context, agent *models.Agent) (models.AgentStatus, error) {
	status := r.autoStatus(agent, r.clock.Now())
	if status == agent.Status {
		return status, nil
	}
	err := r.db.WithContext(ctx).Model(&models.Agent{}).Where("id = ?", agent.ID).Update("status", status).Error
	if err != nil {
		return status, fmt.Errorf("failed to store status for agent %d: %w", agent.ID, err)
	}
	log.Debug().Uint("agentID", agent.ID).Str("from", string(agent.Status)).Str("to", string(status)).Msg("Agent status auto-detected")
	agent.Status = status
	return status, nil
}

// Touch records an activity heartbeat and refreshes the detected status.
func (r *AgentRegistry) Touch(ctx context.Context, agentID uint) (models.AgentStatus, error) {
	res := r.db.WithContext(ctx).Model(&models.Agent{}).Where("id = ?", agentID).
		Update("last_activity_at", r.clock.Now())
	if res.Error != nil {
		return models.AgentOffline, fmt.Errorf("failed to record heartbeat for agent %d: %w", agentID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.AgentOffline, fmt.Errorf("agent %d: %w", agentID, ErrNotFound)
	}
	return r.DetectAutomaticStatus(ctx, agentID)
}

// TouchUser records a heartbeat for the agent signed in as userID.
func (r *AgentRegistry) TouchUser(ctx context.Context, userID string) (models.AgentStatus, error) {
	agent, err := r.GetByUserID(ctx, userID)
	if err != nil {
		return models.AgentOffline, err
	}
	return r.Touch(ctx, agent.ID)
}

// ExpireManualStatuses clears every manual override whose expiry has
// passed. Safe to call repeatedly.
func (r *AgentRegistry) ExpireManualStatuses(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Agent{}).
		Where("manual_status_expiry IS NOT NULL AND manual_status_expiry <= ?", r.clock.Now()).
		Updates(map[string]interface{}{"manual_status": "", "manual_status_expiry": nil})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to expire manual statuses: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Info().Int64("agents", res.RowsAffected).Msg("Expired manual agent statuses")
	}
	return res.RowsAffected, nil
}

// RefreshStatuses re-runs auto-detection for every active human so that
// stale heartbeats show up as Offline. Per-agent failures are logged.
func (r *AgentRegistry) RefreshStatuses(ctx context.Context) error {
	var agents []models.Agent
	err := r.db.WithContext(ctx).
		Where("active = ? AND kind = ?", true, models.AgentKindHuman).
		Find(&agents).Error
	if err != nil {
		return fmt.Errorf("failed to list agents for status refresh: %w", err)
	}
	for i := range agents {
		if _, err := r.persistAutoStatus(ctx, &agents[i]); err != nil {
			log.Warn().Err(err).Uint("agentID", agents[i].ID).Msg("Status refresh failed for agent")
		}
	}
	return nil
}

// BestAvailable returns the human agent that should take the next ticket,
// or nil when none qualifies. Only active agents whose effective status is
// Available and who have free capacity are eligible. Among those the lowest
// load ratio wins, then a region match, then the longest idle.
func (r *AgentRegistry) BestAvailable(ctx context.Context, region string) (*models.Agent, error) {
	var candidates []models.Agent
	err := r.db.WithContext(ctx).
		Where("active = ? AND kind = ? AND current_active_chats < max_concurrent_chats", true, models.AgentKindHuman).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query candidate agents: %w", err)
	}

	eligible := candidates[:0]
	for _, a := range candidates {
		if r.EffectiveStatus(&a) == models.AgentAvailable && a.HasCapacity() {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		log.Debug().Str("region", region).Int("candidates", len(candidates)).Msg("No available human agent")
		return nil, nil
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := &eligible[i], &eligible[j]
		if ra, rb := a.LoadRatio(), b.LoadRatio(); ra != rb {
			return ra < rb
		}
		if ma, mb := regionMatch(a, region), regionMatch(b, region); ma != mb {
			return ma
		}
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.Before(b.LastActivityAt)
		}
		return a.ID < b.ID
	})
	best := eligible[0]
	log.Debug().Uint("agentID", best.ID).Str("region", region).Float64("load", best.LoadRatio()).Msg("Best available agent selected")
	return &best, nil
}

func regionMatch(a *models.Agent, region string) bool {
	return region != "" && a.Region == region
}

// Deactivate marks the agent inactive and Offline and clears its manual
// status. Reassigning its open tickets is up to the caller
// (ReassignmentSweeper.ReassignFromAgent).
func (r *AgentRegistry) Deactivate(ctx context.Context, agentID uint) (*models.Agent, error) {
	agent, err := r.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.IsVirtual() {
		return nil, fmt.Errorf("%w: the virtual agent cannot be deactivated", ErrForbidden)
	}
	err = r.db.WithContext(ctx).Model(&models.Agent{}).Where("id = ?", agentID).
		Updates(map[string]interface{}{
			"active":               false,
			"status":               models.AgentOffline,
			"manual_status":        "",
			"manual_status_expiry": nil,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate agent %d: %w", agentID, err)
	}
	log.Info().Uint("agentID", agentID).Str("userID", agent.UserID).Msg("Agent deactivated")
	return r.Get(ctx, agentID)
}

// IncrementLoad adds one to the agent's active chats.
func (r *AgentRegistry) IncrementLoad(ctx context.Context, agentID uint) error {
	return adjustLoad(r.db.WithContext(ctx), agentID, 1)
}

// DecrementLoad removes one from the agent's active chats, never below zero.
func (r *AgentRegistry) DecrementLoad(ctx context.Context, agentID uint) error {
	return adjustLoad(r.db.WithContext(ctx), agentID, -1)
}

// adjustLoad moves current_active_chats with a single SQL expression and no
// lock, so racing assignments can overshoot the cap. Virtual agents are
// not counted.
func adjustLoad(tx *gorm.DB, agentID uint, delta int) error {
	expr := gorm.Expr("current_active_chats + ?", delta)
	if delta < 0 {
		expr = gorm.Expr("CASE WHEN current_active_chats > ? THEN current_active_chats - ? ELSE 0 END", -delta, -delta)
	}
	err := tx.Model(&models.Agent{}).
		Where("id = ? AND kind = ?", agentID, models.AgentKindHuman).
		Update("current_active_chats", expr).Error
	if err != nil {
		return fmt.Errorf("failed to adjust load for agent %d: %w", agentID, err)
	}
	return nil
}

// Run expires manual statuses and refreshes detected ones every interval
// until ctx is cancelled.
func (r *AgentRegistry) Run(ctx context.Context, interval time.Duration) {
	lg := logger.For("agents")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lg.Info().Dur("interval", interval).Msg("Agent status loop started")
	for {
		select {
		case <-ctx.Done():
			lg.Info().Msg("Agent status loop stopped")
			return
		case <-ticker.C:
			if _, err := r.ExpireManualStatuses(ctx); err != nil && ctx.Err() == nil {
				lg.Error().Err(err).Msg("Manual status expiry failed")
			}
			if err := r.RefreshStatuses(ctx); err != nil && ctx.Err() == nil {
				lg.Error().Err(err).Msg("Agent status refresh failed")
			}
		}
	}
}
