package services

import (
	"fmt"
	"strings"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
)

// Role is the caller's role claim.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleAdmin    Role = "admin"
	RoleGuest    Role = "guest"
)

// Actor is the resolved identity behind a request. UserID is the room
// member id ("guest:<session>" for guests).
type Actor struct {
	UserID      string
	Role        Role
	Region      string
	DisplayName string
}

// IsGuest reports whether the actor is an anonymous guest session.
func (a Actor) IsGuest() bool { return a.Role == RoleGuest }

// Requester returns the ticket requester reference for the actor.
func (a Actor) Requester() Requester {
	if a.IsGuest() {
		return Requester{Kind: models.RequesterGuest, ID: strings.TrimPrefix(a.UserID, guestMemberPrefix), Region: a.Region}
	}
	return Requester{Kind: models.RequesterUser, ID: a.UserID, Region: a.Region}
}

// Requester identifies who opened a ticket. For guests ID is the guest
// session id.
type Requester struct {
	Kind   models.RequesterKind
	ID     string
	Region string
}

// MemberID is the room member id used for the requester.
func (r Requester) MemberID() string {
	if r.Kind == models.RequesterGuest {
		return guestMemberPrefix + r.ID
	}
	return r.ID
}

// canAccessTicket allows admins, the requester, the assigned agent and
// agents whose region covers the ticket.
func canAccessTicket(actor Actor, ticket *models.Ticket) error {
	switch {
	case actor.Role == RoleAdmin:
		return nil
	case actor.UserID != "" && actor.UserID == ticket.RequesterID:
		return nil
	case ticket.AssignedAgent != nil && ticket.AssignedAgent.UserID == actor.UserID:
		return nil
	case actor.Role == RoleAgent && (actor.Region == "" || ticket.Region == "" || actor.Region == ticket.Region):
		return nil
	}
	return fmt.Errorf("%s may not access ticket %d: %w", actor.UserID, ticket.ID, ErrForbidden)
}
