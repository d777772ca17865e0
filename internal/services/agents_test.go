package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/services"
)

func TestRoutesToAvailableAgentOverBusyOne(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.availableAgent(t, "agent-a", "", 5)
	b := h.availableAgent(t, "agent-b", "", 5)
	if err := h.registry.SetManualStatus(ctx, b.ID, models.AgentBusy, time.Hour); err != nil {
		t.Fatalf("SetManualStatus: %v", err)
	}

	res := h.open(t, "cust-1", "", "my order is late")
	if res.Agent == nil || res.Agent.ID != a.ID {
		t.Fatalf("assigned agent = %+v, want agent-a", res.Agent)
	}
	if got := h.agent(t, a.ID).CurrentActiveChats; got != 1 {
		t.Fatalf("agent-a load = %d, want 1", got)
	}
	assigned := h.bus.OfType("TicketAssigned")
	if len(assigned) != 1 || assigned[0].Recipients[0] != "agent-a" {
		t.Fatalf("TicketAssigned envelopes = %+v", assigned)
	}
}

func TestManualStatusExpiresBackToDetected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.availableAgent(t, "agent-a", "", 5)

	if err := h.registry.SetManualStatus(ctx, a.ID, models.AgentAwayManual, 4*time.Hour); err != nil {
		t.Fatalf("SetManualStatus: %v", err)
	}
	if status, _ := h.registry.GetEffectiveStatus(ctx, a.ID); status != models.AgentAwayManual {
		t.Fatalf("effective status = %s, want away_manual", status)
	}

	h.clock.Advance(5 * time.Hour)
	if _, err := h.registry.Touch(ctx, a.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if status, _ := h.registry.GetEffectiveStatus(ctx, a.ID); status != models.AgentAvailable {
		t.Fatalf("effective status after expiry = %s, want available", status)
	}

	n, err := h.registry.ExpireManualStatuses(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ExpireManualStatuses = %d, %v; want 1", n, err)
	}
	n, err = h.registry.ExpireManualStatuses(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second ExpireManualStatuses = %d, %v; want 0", n, err)
	}
	if got := h.agent(t, a.ID); got.ManualStatus != "" || got.ManualStatusExpiry != nil {
		t.Fatalf("manual override not cleared: %+v", got)
	}
}

func TestUnexpiredManualStatusIsKept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.availableAgent(t, "agent-a", "", 5)
	if err := h.registry.SetManualStatus(ctx, a.ID, models.AgentAwayManual, time.Hour); err != nil {
		t.Fatalf("SetManualStatus: %v", err)
	}
	h.clock.Advance(30 * time.Minute)
	if n, _ := h.registry.ExpireManualStatuses(ctx); n != 0 {
		t.Fatalf("expired %d overrides, want 0", n)
	}
	if status, _ := h.registry.GetEffectiveStatus(ctx, a.ID); status != models.AgentAwayManual {
		t.Fatalf("status = %s, want away_manual", status)
	}
}

func TestAutoDetection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.availableAgent(t, "agent-a", "", 1)

	h.open(t, "cust-1", "", "hello")
	if status, _ := h.registry.DetectAutomaticStatus(ctx, a.ID); status != models.AgentBusy {
		t.Fatalf("status at capacity = %s, want busy", status)
	}

	h.clock.Advance(6 * time.Minute)
	if status, _ := h.registry.DetectAutomaticStatus(ctx, a.ID); status != models.AgentOffline {
		t.Fatalf("status after missed heartbeats = %s, want offline", status)
	}
	if got := h.agent(t, a.ID).Status; got != models.AgentOffline {
		t.Fatalf("persisted status = %s, want offline", got)
	}
}

func TestBestAvailableNeverPicksIneligibleAgents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inactive := h.availableAgent(t, "inactive", "", 5)
	if _, err := h.registry.Deactivate(ctx, inactive.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	away := h.availableAgent(t, "away", "", 5)
	if err := h.registry.SetManualStatus(ctx, away.ID, models.AgentAwayManual, 0); err != nil {
		t.Fatalf("SetManualStatus: %v", err)
	}
	if _, err := h.registry.Onboard(ctx, "silent", "Silent", "", 5); err != nil {
		t.Fatalf("Onboard: %v", err)
	}

	best, err := h.registry.BestAvailable(ctx, "")
	if err != nil {
		t.Fatalf("BestAvailable: %v", err)
	}
	if best != nil {
		t.Fatalf("BestAvailable = %s, want nobody", best.UserID)
	}
}

func TestBestAvailableOrdering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	loaded := h.availableAgent(t, "loaded", "eu", 2)
	if err := h.registry.IncrementLoad(ctx, loaded.ID); err != nil {
		t.Fatalf("IncrementLoad: %v", err)
	}
	h.clock.Advance(time.Second)
	us := h.availableAgent(t, "us-idle", "us", 4)
	h.clock.Advance(time.Second)
	eu := h.availableAgent(t, "eu-fresh", "eu", 4)

	best, _ := h.registry.BestAvailable(ctx, "eu")
	if best == nil || best.ID != eu.ID {
		t.Fatalf("region tie-break picked %+v, want eu-fresh", best)
	}
	best, _ = h.registry.BestAvailable(ctx, "")
	if best == nil || best.ID != us.ID {
		t.Fatalf("idle tie-break picked %+v, want us-idle", best)
	}
	if err := h.registry.IncrementLoad(ctx, us.ID); err != nil {
		t.Fatalf("IncrementLoad: %v", err)
	}
	best, _ = h.registry.BestAvailable(ctx, "us")
	if best == nil || best.ID != eu.ID {
		t.Fatalf("load ratio should win over region, got %+v", best)
	}
}

func TestDecrementLoadNeverGoesNegative(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.availableAgent(t, "agent-a", "", 5)
	if err := h.registry.DecrementLoad(ctx, a.ID); err != nil {
		t.Fatalf("DecrementLoad: %v", err)
	}
	if got := h.agent(t, a.ID).CurrentActiveChats; got != 0 {
		t.Fatalf("load = %d, want 0", got)
	}
}

func TestVirtualAgentIsNeverBestAvailableOrDeactivated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	virtual, _ := h.virtual.Identity(ctx)

	if best, _ := h.registry.BestAvailable(ctx, ""); best != nil {
		t.Fatalf("BestAvailable returned %s with no humans", best.UserID)
	}
	if _, err := h.registry.Deactivate(ctx, virtual.ID); !errors.Is(err, services.ErrForbidden) {
		t.Fatalf("Deactivate(virtual) err = %v, want ErrForbidden", err)
	}
	if status, _ := h.registry.GetEffectiveStatus(ctx, virtual.ID); status != models.AgentAvailable {
		t.Fatalf("virtual status = %s, want available", status)
	}
}

func TestOnboardReactivates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.availableAgent(t, "agent-a", "eu", 3)
	if _, err := h.registry.Deactivate(ctx, a.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if status, _ := h.registry.GetEffectiveStatus(ctx, a.ID); status != models.AgentOffline {
		t.Fatalf("deactivated status = %s, want offline", status)
	}
	again, err := h.registry.Onboard(ctx, "agent-a", "", "us", 0)
	if err != nil {
		t.Fatalf("Onboard: %v", err)
	}
	if again.ID != a.ID || !again.Active || again.Region != "us" || again.MaxConcurrentChats != 3 {
		t.Fatalf("reactivated agent = %+v", again)
	}
}
