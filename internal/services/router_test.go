package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/events"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/services"
)

func TestOpenOrResumeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.availableAgent(t, "agent-a", "", 5)

	first := h.open(t, "cust-1", "", "where is my parcel?")
	if first.Resumed {
		t.Fatalf("first call should open a ticket")
	}
	second := h.open(t, "cust-1", "", "hello again")
	if !second.Resumed || second.RoomID != first.RoomID || second.TicketID != first.TicketID {
		t.Fatalf("second call = %+v, want the same room and ticket", second)
	}
	if len(second.Messages) != 1 || second.Messages[0].Body != "where is my parcel?" {
		t.Fatalf("history = %+v", second.Messages)
	}

	var rooms, tickets int64
	h.db.Model(&models.Room{}).Count(&rooms)
	h.db.Model(&models.Ticket{}).Count(&tickets)
	if rooms != 1 || tickets != 1 {
		t.Fatalf("rooms=%d tickets=%d, want 1 and 1", rooms, tickets)
	}
}

func TestOpenFallsBackToVirtualAgent(t *testing.T) {
	h := newHarness(t)
	res := h.open(t, "cust-1", "eu", "help")

	if res.Agent == nil || !res.Agent.IsVirtual() {
		t.Fatalf("assigned agent = %+v, want the virtual agent", res.Agent)
	}
	if len(res.Messages) != 2 || res.Messages[1].SenderID != services.VirtualAgentUserID {
		t.Fatalf("messages = %+v, want the request and a greeting", res.Messages)
	}
	if n := len(h.bus.OfType(events.TicketAssigned)); n != 0 {
		t.Fatalf("TicketAssigned published %d times for the virtual agent", n)
	}
	ticket := h.ticket(t, res.TicketID)
	if ticket.Status != models.TicketOpen || ticket.Region != "eu" {
		t.Fatalf("ticket = %+v", ticket)
	}
}

func TestUnknownGuestIsUnauthenticated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.router.OpenOrResume(ctx, services.Requester{Kind: models.RequesterGuest, ID: "nope"}, "", "hi")
	if !errors.Is(err, services.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	_, err = h.router.OpenOrResume(ctx, services.Requester{Kind: models.RequesterUser}, "", "hi")
	if !errors.Is(err, services.ErrUnauthenticated) {
		t.Fatalf("missing identity err = %v, want ErrUnauthenticated", err)
	}
	var rooms int64
	h.db.Model(&models.Room{}).Count(&rooms)
	if rooms != 0 {
		t.Fatalf("%d rooms created for unauthenticated requests", rooms)
	}
}

func TestGuestRequesterOpensTicket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	guest := models.GuestSession{ID: "g1", Token: "secret", DisplayName: "Visitor", ExpiresAt: epoch.Add(time.Hour)}
	if err := h.db.Create(&guest).Error; err != nil {
		t.Fatalf("create guest: %v", err)
	}

	res, err := h.router.OpenOrResume(ctx, services.Requester{Kind: models.RequesterGuest, ID: "g1"}, "", "hi")
	if err != nil {
		t.Fatalf("OpenOrResume: %v", err)
	}
	if !h.isMember(t, res.RoomID, "guest:g1") {
		t.Fatalf("guest member id missing from room")
	}

	h.clock.Advance(2 * time.Hour)
	_, err = h.router.OpenOrResume(ctx, services.Requester{Kind: models.RequesterGuest, ID: "g1"}, "", "hi")
	if !errors.Is(err, services.ErrUnauthenticated) {
		t.Fatalf("expired guest err = %v, want ErrUnauthenticated", err)
	}
}

func TestFirstAgentReplyStartsTicket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.availableAgent(t, "agent-a", "", 5)
	res := h.open(t, "cust-1", "", "hello")

	if _, err := h.messages.Post(ctx, services.PostInput{RoomID: res.RoomID, SenderID: "cust-1", Body: "anyone?"}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if got := h.ticket(t, res.TicketID).Status; got != models.TicketOpen {
		t.Fatalf("status after requester message = %s, want open", got)
	}
	if _, err := h.messages.Post(ctx, services.PostInput{RoomID: res.RoomID, SenderID: "agent-a", Body: "on it"}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if got := h.ticket(t, res.TicketID).Status; got != models.TicketInProgress {
		t.Fatalf("status after agent reply = %s, want in_progress", got)
	}
}

func TestRepliesMustStayInRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	one := h.open(t, "cust-1", "", "first room")
	two := h.open(t, "cust-2", "", "second room")

	parent := one.Messages[0].ID
	reply, err := h.messages.Post(ctx, services.PostInput{RoomID: one.RoomID, SenderID: "cust-1", Body: "follow-up", ReplyToID: &parent})
	if err != nil {
		t.Fatalf("Post reply: %v", err)
	}
	if reply.ReplyToID == nil || *reply.ReplyToID != parent {
		t.Fatalf("reply = %+v", reply)
	}

	_, err = h.messages.Post(ctx, services.PostInput{RoomID: two.RoomID, SenderID: "cust-2", Body: "cross", ReplyToID: &parent})
	if !errors.Is(err, services.ErrInvalid) {
		t.Fatalf("cross-room reply err = %v, want ErrInvalid", err)
	}
	missing := uint(9999)
	_, err = h.messages.Post(ctx, services.PostInput{RoomID: two.RoomID, SenderID: "cust-2", Body: "ghost", ReplyToID: &missing})
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("missing parent err = %v, want ErrNotFound", err)
	}
	_, err = h.messages.Post(ctx, services.PostInput{RoomID: two.RoomID, SenderID: "cust-1", Body: "intruder"})
	if !errors.Is(err, services.ErrForbidden) {
		t.Fatalf("non-member err = %v, want ErrForbidden", err)
	}
}

func TestTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.availableAgent(t, "agent-a", "", 5)
	res := h.open(t, "cust-1", "", "hello")
	b := h.availableAgent(t, "agent-b", "", 5)
	h.bus.Reset()

	actor := services.Actor{UserID: "agent-a", Role: services.RoleAgent}
	ticket, err := h.router.Transfer(ctx, actor, res.TicketID, b.ID)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if ticket.AssignedAgentID == nil || *ticket.AssignedAgentID != b.ID {
		t.Fatalf("assignee = %v, want agent-b", ticket.AssignedAgentID)
	}
	if ticket.Status != models.TicketOpen {
		t.Fatalf("status = %s, manual transfer keeps the ticket active", ticket.Status)
	}
	if h.isMember(t, res.RoomID, "agent-a") || !h.isMember(t, res.RoomID, "agent-b") {
		t.Fatalf("room membership not moved")
	}
	if h.agent(t, a.ID).CurrentActiveChats != 0 || h.agent(t, b.ID).CurrentActiveChats != 1 {
		t.Fatalf("load not moved")
	}
	transferred := h.bus.OfType(events.TicketTransferred)
	if len(transferred) != 1 {
		t.Fatalf("TicketTransferred envelopes = %d, want 1", len(transferred))
	}
	p := transferred[0].Event.Payload.(events.TicketTransferredPayload)
	if p.FromAgentID != a.ID || p.ToAgentID != b.ID || p.TicketID != res.TicketID {
		t.Fatalf("payload = %+v", p)
	}

	customer := services.Actor{UserID: "cust-1", Role: services.RoleCustomer}
	if _, err := h.router.Transfer(ctx, customer, res.TicketID, a.ID); !errors.Is(err, services.ErrForbidden) {
		t.Fatalf("customer transfer err = %v, want ErrForbidden", err)
	}
}

func TestTransferLosesRaceWithSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.open(t, "cust-1", "", "hello")
	virtual, _ := h.virtual.Identity(ctx)
	a := h.availableAgent(t, "agent-a", "", 5)
	// agent-b is active but offline, so only an explicit transfer reaches it.
	b, err := h.registry.Onboard(ctx, "agent-b", "agent-b", "", 5)
	if err != nil {
		t.Fatalf("Onboard: %v", err)
	}

	var swept services.SweepResult
	var sweepErr error
	h.onFirstAgentLookup(t, func() {
		swept, sweepErr = h.sweeper.Sweep(ctx)
	})

	admin := services.Actor{UserID: "root", Role: services.RoleAdmin}
	if _, err := h.router.Transfer(ctx, admin, res.TicketID, b.ID); !errors.Is(err, services.ErrInvalid) {
		t.Fatalf("Transfer err = %v, want ErrInvalid after a concurrent sweep", err)
	}
	if sweepErr != nil || swept.Reassigned != 1 {
		t.Fatalf("sweep = %+v, %v; want one reassignment", swept, sweepErr)
	}

	ticket := h.ticket(t, res.TicketID)
	if ticket.AssignedAgentID == nil || *ticket.AssignedAgentID != a.ID {
		t.Fatalf("assignee = %v, want the swept agent-a", ticket.AssignedAgentID)
	}
	if got := h.agent(t, a.ID).CurrentActiveChats; got != 1 {
		t.Fatalf("agent-a load = %d, want 1", got)
	}
	if got := h.agent(t, b.ID).CurrentActiveChats; got != 0 {
		t.Fatalf("agent-b load = %d, want 0", got)
	}
	if !h.isMember(t, res.RoomID, "agent-a") || h.isMember(t, res.RoomID, "agent-b") || h.isMember(t, res.RoomID, virtual.UserID) {
		t.Fatalf("room membership does not match the assignee")
	}
}

func TestUpdateStatusLosesRaceWithReassignment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.availableAgent(t, "agent-a", "", 5)
	res := h.open(t, "cust-1", "", "hello")
	b := h.availableAgent(t, "agent-b", "", 5)

	h.onFirstAgentLookup(t, func() {
		if _, err := h.sweeper.ReassignFromAgent(ctx, a.ID); err != nil {
			t.Errorf("ReassignFromAgent: %v", err)
		}
	})

	customer := services.Actor{UserID: "cust-1", Role: services.RoleCustomer}
	if _, err := h.router.UpdateStatus(ctx, customer, res.TicketID, models.TicketResolved); !errors.Is(err, services.ErrInvalid) {
		t.Fatalf("UpdateStatus err = %v, want ErrInvalid after a concurrent reassignment", err)
	}
	ticket := h.ticket(t, res.TicketID)
	if !ticket.Status.IsActive() || ticket.AssignedAgentID == nil || *ticket.AssignedAgentID != b.ID {
		t.Fatalf("ticket = %s assigned to %v, want active on agent-b", ticket.Status, ticket.AssignedAgentID)
	}
	if got := h.agent(t, b.ID).CurrentActiveChats; got != 1 {
		t.Fatalf("agent-b load = %d, want 1", got)
	}
	if got := h.agent(t, a.ID).CurrentActiveChats; got != 0 {
		t.Fatalf("agent-a load = %d, want 0", got)
	}
}

func TestUpdateStatusReleasesAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.availableAgent(t, "agent-a", "", 5)
	res := h.open(t, "cust-1", "", "hello")

	customer := services.Actor{UserID: "cust-1", Role: services.RoleCustomer}
	if _, err := h.router.UpdateStatus(ctx, customer, res.TicketID, models.TicketInProgress); !errors.Is(err, services.ErrForbidden) {
		t.Fatalf("requester moving to in_progress err = %v, want ErrForbidden", err)
	}
	ticket, err := h.router.UpdateStatus(ctx, customer, res.TicketID, models.TicketResolved)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if ticket.Status != models.TicketResolved || ticket.ClosedAt == nil {
		t.Fatalf("ticket = %+v", ticket)
	}
	if got := h.agent(t, a.ID).CurrentActiveChats; got != 0 {
		t.Fatalf("load = %d, want 0 after resolving", got)
	}

	admin := services.Actor{UserID: "root", Role: services.RoleAdmin}
	if _, err := h.router.UpdateStatus(ctx, admin, res.TicketID, models.TicketOpen); !errors.Is(err, services.ErrInvalid) {
		t.Fatalf("reopen err = %v, want ErrInvalid", err)
	}

	next := h.open(t, "cust-1", "", "new problem")
	if next.Resumed || next.TicketID == res.TicketID {
		t.Fatalf("a resolved ticket must not be resumed")
	}
}

func TestGetChecksRegion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.open(t, "cust-1", "eu", "hello")

	if _, err := h.router.Get(ctx, services.Actor{UserID: "us-agent", Role: services.RoleAgent, Region: "us"}, res.TicketID); !errors.Is(err, services.ErrForbidden) {
		t.Fatalf("cross-region err = %v, want ErrForbidden", err)
	}
	if _, err := h.router.Get(ctx, services.Actor{UserID: "eu-agent", Role: services.RoleAgent, Region: "eu"}, res.TicketID); err != nil {
		t.Fatalf("same-region Get: %v", err)
	}
	if _, err := h.router.Get(ctx, services.Actor{UserID: "cust-1", Role: services.RoleCustomer}, res.TicketID); err != nil {
		t.Fatalf("requester Get: %v", err)
	}
	if _, err := h.router.Get(ctx, services.Actor{UserID: "cust-2", Role: services.RoleCustomer}, res.TicketID); !errors.Is(err, services.ErrForbidden) {
		t.Fatalf("other customer err = %v, want ErrForbidden", err)
	}
	if _, err := h.router.Get(ctx, services.Actor{Role: services.RoleAdmin}, 4242); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("missing ticket err = %v, want ErrNotFound", err)
	}
}
