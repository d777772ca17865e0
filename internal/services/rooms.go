package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/clock"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/events"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
)

const guestMemberPrefix = "guest:"

// IsGuestMember reports whether a room member id belongs to a guest session.
func IsGuestMember(userID string) bool {
	return strings.HasPrefix(userID, guestMemberPrefix)
}

func getRoom(tx *gorm.DB, roomID uint) (*models.Room, error) {
	var room models.Room
	err := tx.First(&room, roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("room %d: %w", roomID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying room %d: %w", roomID, err)
	}
	return &room, nil
}

// requireMember returns the membership of userID in roomID. A missing room
// is NotFound; a room the user is not in is Forbidden.
func requireMember(tx *gorm.DB, roomID uint, userID string) (*models.RoomMember, error) {
	var member models.RoomMember
	err := tx.Where("room_id = ? AND user_id = ?", roomID, userID).First(&member).Error
	if err == nil {
		return &member, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("error querying membership of %s in room %d: %w", userID, roomID, err)
	}
	if _, err := getRoom(tx, roomID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("user %s is not a member of room %d: %w", userID, roomID, ErrForbidden)
}

func roomMembers(tx *gorm.DB, roomID uint) ([]models.RoomMember, error) {
	var members []models.RoomMember
	if err := tx.Where("room_id = ?", roomID).Order("joined_at, user_id").Find(&members).Error; err != nil {
		return nil, fmt.Errorf("error querying members of room %d: %w", roomID, err)
	}
	return members, nil
}

func memberIDs(members []models.RoomMember) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids
}

func withoutUser(ids []string, userID string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

// publisher stamps and sends events on the bus.
type publisher struct {
	bus   events.Bus
	clock clock.Clock
}

func (p publisher) publish(ctx context.Context, recipients []string, typ events.Type, roomID uint, payload interface{}) {
	if len(recipients) == 0 {
		return
	}
	p.bus.Publish(ctx, events.Envelope{
		Recipients: recipients,
		Event: events.Event{
			Type:    typ,
			RoomID:  roomID,
			At:      p.clock.Now(),
			Payload: payload,
		},
	})
	log.Debug().Str("eventType", string(typ)).Uint("roomID", roomID).Int("recipients", len(recipients)).Msg("Event published")
}
