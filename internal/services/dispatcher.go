package services

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/push"
)

const pushPreviewLength = 120

// Pusher enqueues an out-of-band notification.
type Pusher interface {
	Enqueue(n push.Notification) (string, error)
}

// NotificationDispatcher decides which room members need a push for a new
// message. Members looking at the room already see it and are skipped.
type NotificationDispatcher struct {
	db       *gorm.DB
	presence *PresenceTracker
	pusher   Pusher
}

// NewNotificationDispatcher creates a new NotificationDispatcher.
func NewNotificationDispatcher(db *gorm.DB, presence *PresenceTracker, pusher Pusher) (*NotificationDispatcher, error) {
	if db == nil {
		return nil, fmt.Errorf("database instance (gorm.DB) cannot be nil for NotificationDispatcher")
	}
	if presence == nil {
		return nil, fmt.Errorf("presence tracker cannot be nil for NotificationDispatcher")
	}
	if pusher == nil {
		return nil, fmt.Errorf("pusher cannot be nil for NotificationDispatcher")
	}
	return &NotificationDispatcher{db: db, presence: presence, pusher: pusher}, nil
}

// OnNewMessage pushes msg to every member of room except the sender, muted
// members, the virtual agent and anyone currently viewing the room. It
// returns how many pushes were enqueued. Failures are logged per recipient
// and never returned.
func (d *NotificationDispatcher) OnNewMessage(ctx context.Context, msg *models.Message, room *models.Room, senderIsGuest bool) int {
	var members []models.RoomMember
	err := d.db.WithContext(ctx).
		Where("room_id = ? AND user_id <> ? AND is_muted = ?", room.ID, msg.SenderID, false).
		Where("user_id NOT IN (?)", d.db.Model(&models.Agent{}).Select("user_id").Where("kind = ?", models.AgentKindVirtual)).
		Find(&members).Error
	if err != nil {
		log.Error().Err(err).Uint("roomID", room.ID).Uint("messageID", msg.ID).Msg("Could not load push recipients")
		return 0
	}
	if len(members) == 0 {
		return 0
	}

	title := d.senderTitle(ctx, msg.SenderID, senderIsGuest)
	body := preview(msg.Body)
	enqueued := 0

	for _, m := range members {
		if d.presence.IsUserViewingRoom(m.UserID, room.ID) {
			log.Debug().Str("userID", m.UserID).Uint("roomID", room.ID).Msg("Recipient is viewing the room, push skipped")
			continue
		}

		var tokens []string
		err := d.db.WithContext(ctx).Model(&models.Device{}).Where("user_id = ?", m.UserID).Pluck("token", &tokens).Error
		if err != nil {
			log.Warn().Err(err).Str("userID", m.UserID).Msg("Could not load devices, push skipped")
			continue
		}
		if len(tokens) == 0 {
			log.Debug().Str("userID", m.UserID).Msg("Recipient has no registered device, push skipped")
			continue
		}

		id, err := d.pusher.Enqueue(push.Notification{
			UserID:    m.UserID,
			Tokens:    tokens,
			RoomID:    room.ID,
			MessageID: msg.ID,
			Title:     title,
			Body:      body,
		})
		if err != nil {
			log.Warn().Err(err).Str("userID", m.UserID).Uint("messageID", msg.ID).Msg("Push enqueue failed")
			continue
		}
		enqueued++
		log.Debug().Str("eventID", id).Str("userID", m.UserID).Uint("messageID", msg.ID).Msg("Push enqueued")
	}
	return enqueued
}

func (d *NotificationDispatcher) senderTitle(ctx context.Context, senderID string, senderIsGuest bool) string {
	if senderIsGuest {
		var guest models.GuestSession
		err := d.db.WithContext(ctx).Where("id = ?", strings.TrimPrefix(senderID, guestMemberPrefix)).First(&guest).Error
		if err == nil && guest.DisplayName != "" {
			return guest.DisplayName
		}
		return "Guest"
	}
	var agent models.Agent
	if err := d.db.WithContext(ctx).Where("user_id = ?", senderID).First(&agent).Error; err == nil && agent.DisplayName != "" {
		return agent.DisplayName
	}
	if senderID == models.SystemSenderID {
		return "Support"
	}
	return senderID
}

func preview(body string) string {
	if utf8.RuneCountInString(body) <= pushPreviewLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:pushPreviewLength]) + "…"
}
