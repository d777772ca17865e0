package services_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/clock"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/events"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/push"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/services"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/testutil"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type stubPusher struct {
	mu   sync.Mutex
	sent []push.Notification
	fail bool
}

func (p *stubPusher) Enqueue(n push.Notification) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return "", errors.New("push transport down")
	}
	p.sent = append(p.sent, n)
	return "evt", nil
}

func (p *stubPusher) sentTo(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.sent {
		if s.UserID == userID {
			n++
		}
	}
	return n
}

type stubMirror struct {
	mu     sync.Mutex
	joined []string
	left   []string
}

func (m *stubMirror) ViewerJoined(_ context.Context, roomID uint, userID string) {
	m.mu.Lock()
	m.joined = append(m.joined, userID)
	m.mu.Unlock()
}

func (m *stubMirror) ViewerLeft(_ context.Context, roomID uint, userID string) {
	m.mu.Lock()
	m.left = append(m.left, userID)
	m.mu.Unlock()
}

// hookBus calls fn for every envelope, on the publishing goroutine.
type hookBus struct {
	mu sync.Mutex
	fn func(events.Envelope)
}

func (b *hookBus) Publish(_ context.Context, env events.Envelope) {
	b.mu.Lock()
	fn := b.fn
	b.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

func (b *hookBus) set(fn func(events.Envelope)) {
	b.mu.Lock()
	b.fn = fn
	b.mu.Unlock()
}

type harness struct {
	db         *gorm.DB
	clock      *clock.FakeClock
	bus        *events.Recorder
	hooks      *hookBus
	pusher     *stubPusher
	presence   *services.PresenceTracker
	registry   *services.AgentRegistry
	delivery   *services.DeliveryStateMachine
	dispatcher *services.NotificationDispatcher
	messages   *services.MessageService
	virtual    *services.VirtualAgent
	router     *services.TicketRouter
	sweeper    *services.ReassignmentSweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gdb, xdb := testutil.NewDB(t)
	h := &harness{
		db:       gdb,
		clock:    clock.Fake(epoch),
		bus:      &events.Recorder{},
		hooks:    &hookBus{},
		pusher:   &stubPusher{},
		presence: services.NewPresenceTracker(nil),
	}

	var err error
	if h.registry, err = services.NewAgentRegistry(gdb, h.clock, 5*time.Minute, 5); err != nil {
		t.Fatalf("NewAgentRegistry: %v", err)
	}
	if h.delivery, err = services.NewDeliveryStateMachine(gdb, xdb, events.Fanout{h.bus, h.hooks}, h.clock); err != nil {
		t.Fatalf("NewDeliveryStateMachine: %v", err)
	}
	if h.dispatcher, err = services.NewNotificationDispatcher(gdb, h.presence, h.pusher); err != nil {
		t.Fatalf("NewNotificationDispatcher: %v", err)
	}
	if h.messages, err = services.NewMessageService(gdb, h.delivery, h.dispatcher); err != nil {
		t.Fatalf("NewMessageService: %v", err)
	}
	if h.virtual, err = services.NewVirtualAgent(gdb, h.messages, "Helper Bot", 2*time.Minute); err != nil {
		t.Fatalf("NewVirtualAgent: %v", err)
	}
	if _, err := h.virtual.EnsureIdentity(context.Background()); err != nil {
		t.Fatalf("EnsureIdentity: %v", err)
	}
	if h.router, err = services.NewTicketRouter(gdb, h.registry, h.virtual, h.messages); err != nil {
		t.Fatalf("NewTicketRouter: %v", err)
	}
	if h.sweeper, err = services.NewReassignmentSweeper(gdb, h.registry, h.virtual, h.messages); err != nil {
		t.Fatalf("NewReassignmentSweeper: %v", err)
	}
	t.Cleanup(h.messages.Wait)
	return h
}

// availableAgent onboards a human and sends a heartbeat so it is Available.
func (h *harness) availableAgent(t *testing.T, userID, region string, maxChats int) *models.Agent {
	t.Helper()
	ctx := context.Background()
	agent, err := h.registry.Onboard(ctx, userID, userID, region, maxChats)
	if err != nil {
		t.Fatalf("Onboard(%s): %v", userID, err)
	}
	if status, err := h.registry.Touch(ctx, agent.ID); err != nil || status != models.AgentAvailable {
		t.Fatalf("Touch(%s) = %s, %v; want available", userID, status, err)
	}
	return h.agent(t, agent.ID)
}

func (h *harness) agent(t *testing.T, id uint) *models.Agent {
	t.Helper()
	agent, err := h.registry.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get agent %d: %v", id, err)
	}
	return agent
}

func (h *harness) ticket(t *testing.T, id uint) *models.Ticket {
	t.Helper()
	ticket, err := h.router.Get(context.Background(), services.Actor{Role: services.RoleAdmin}, id)
	if err != nil {
		t.Fatalf("Get ticket %d: %v", id, err)
	}
	return ticket
}

func (h *harness) open(t *testing.T, userID, region, text string) *services.OpenResult {
	t.Helper()
	req := services.Requester{Kind: models.RequesterUser, ID: userID}
	res, err := h.router.OpenOrResume(context.Background(), req, region, text)
	if err != nil {
		t.Fatalf("OpenOrResume(%s): %v", userID, err)
	}
	return res
}

func (h *harness) roomMessages(t *testing.T, roomID uint) []models.Message {
	t.Helper()
	var msgs []models.Message
	if err := h.db.Where("room_id = ?", roomID).Order("id").Find(&msgs).Error; err != nil {
		t.Fatalf("load messages: %v", err)
	}
	return msgs
}

func (h *harness) isMember(t *testing.T, roomID uint, userID string) bool {
	t.Helper()
	var n int64
	if err := h.db.Model(&models.RoomMember{}).Where("room_id = ? AND user_id = ?", roomID, userID).Count(&n).Error; err != nil {
		t.Fatalf("count members: %v", err)
	}
	return n == 1
}

func (h *harness) registerDevice(t *testing.T, userID string) {
	t.Helper()
	if err := h.db.Create(&models.Device{UserID: userID, Token: "tok-" + userID, Platform: "android"}).Error; err != nil {
		t.Fatalf("register device: %v", err)
	}
}

// onFirstAgentLookup runs fn once, right after the next query that reads the
// agents table. Ticket loads preload their agent, so fn lands between a
// service's read of a ticket and its write.
func (h *harness) onFirstAgentLookup(t *testing.T, fn func()) {
	t.Helper()
	h.messages.Wait()
	var fired atomic.Bool
	err := h.db.Callback().Query().After("gorm:query").Register("test:after_agent_lookup", func(tx *gorm.DB) {
		if tx.Statement.Table != "agents" || !fired.CompareAndSwap(false, true) {
			return
		}
		fn()
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
}

// failMemberInsert makes every insert into roomID's member list fail, so
// any reassignment touching that room rolls back.
func (h *harness) failMemberInsert(t *testing.T, roomID uint) {
	t.Helper()
	name := fmt.Sprintf("test:fail_member_insert_%d", roomID)
	err := h.db.Callback().Create().Before("gorm:create").Register(name, func(tx *gorm.DB) {
		if m, ok := tx.Statement.Dest.(*models.RoomMember); ok && m.RoomID == roomID {
			_ = tx.AddError(fmt.Errorf("member insert into room %d refused", roomID))
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
}
