package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/clock"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/events"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
)

// Receipt is one recipient's delivery state for a message.
type Receipt struct {
	RecipientID string                `db:"recipient_id" json:"recipientId"`
	Status      models.DeliveryStatus `db:"status" json:"status"`
	StatusAt    time.Time             `db:"status_at" json:"statusAt"`
}

// RoomReadResult describes what MarkRoomRead changed.
type RoomReadResult struct {
	LastReadMessageID uint `json:"lastReadMessageId"`
	MessagesRead      int  `json:"messagesRead"`
}

// DeliveryStateMachine keeps per-recipient Sent → Delivered → Read rows for
// every message and republishes the sender-facing aggregate when it moves.
type DeliveryStateMachine struct {
	db  *gorm.DB
	rdb *sqlx.DB
	publisher
}

// NewDeliveryStateMachine creates a new DeliveryStateMachine. rdb serves the
// hand-written read queries (receipts, aggregates, unread counts).
func NewDeliveryStateMachine(db *gorm.DB, rdb *sqlx.DB, bus events.Bus, clk clock.Clock) (*DeliveryStateMachine, error) {
	if db == nil {
		return nil, fmt.Errorf("database instance (gorm.DB) cannot be nil for DeliveryStateMachine")
	}
	if rdb == nil {
		return nil, fmt.Errorf("read database (sqlx.DB) cannot be nil for DeliveryStateMachine")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus cannot be nil for DeliveryStateMachine")
	}
	if clk == nil {
		return nil, fmt.Errorf("clock cannot be nil for DeliveryStateMachine")
	}
	return &DeliveryStateMachine{db: db, rdb: rdb, publisher: publisher{bus: bus, clock: clk}}, nil
}

// Seed creates a Sent row for each recipient. Existing rows are kept, so
// seeding twice is harmless.
func (d *DeliveryStateMachine) Seed(ctx context.Context, messageID uint, recipientIDs []string) error {
	msg, err := getMessage(d.db.WithContext(ctx), messageID)
	if err != nil {
		return err
	}
	return seedStatuses(d.db.WithContext(ctx), msg, recipientIDs, d.clock.Now())
}

func seedStatuses(tx *gorm.DB, msg *models.Message, recipientIDs []string, at time.Time) error {
	rows := make([]models.MessageStatus, 0, len(recipientIDs))
	for _, id := range recipientIDs {
		if id == msg.SenderID {
			continue
		}
		rows = append(rows, models.MessageStatus{
			MessageID:   msg.ID,
			RecipientID: id,
			RoomID:      msg.RoomID,
			Status:      models.StatusSent,
			StatusAt:    at,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to seed delivery rows for message %d: %w", msg.ID, err)
	}
	return nil
}

// MarkDelivered moves the recipient's row to Delivered. It reports whether
// the row changed; repeats and backward moves are no-ops.
func (d *DeliveryStateMachine) MarkDelivered(ctx context.Context, messageID uint, userID string) (bool, error) {
	return d.mark(ctx, messageID, userID, models.StatusDelivered)
}

// MarkRead moves the recipient's row to Read.
func (d *DeliveryStateMachine) MarkRead(ctx context.Context, messageID uint, userID string) (bool, error) {
	changed, err := d.mark(ctx, messageID, userID, models.StatusRead)
	if err != nil || !changed {
		return changed, err
	}
	if msg, err := getMessage(d.db.WithContext(ctx), messageID); err == nil {
		d.publishUnread(ctx, msg.RoomID, userID)
	}
	return true, nil
}

func (d *DeliveryStateMachine) mark(ctx context.Context, messageID uint, userID string, next models.DeliveryStatus) (bool, error) {
	msg, err := getMessage(d.db.WithContext(ctx), messageID)
	if err != nil {
		return false, err
	}
	if userID == msg.SenderID {
		return false, nil
	}

	before, err := d.aggregate(ctx, messageID)
	if err != nil {
		return false, err
	}

	res := d.db.WithContext(ctx).Model(&models.MessageStatus{}).
		Where("message_id = ? AND recipient_id = ? AND status < ?", messageID, userID, next).
		Updates(map[string]interface{}{"status": next, "status_at": d.clock.Now()})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark message %d %s for %s: %w", messageID, next, userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	log.Debug().Uint("messageID", messageID).Str("userID", userID).Str("status", next.String()).Msg("Delivery status advanced")

	after, err := d.aggregate(ctx, messageID)
	if err != nil {
		log.Warn().Err(err).Uint("messageID", messageID).Msg("Could not recompute aggregate after status change")
		return true, nil
	}
	if after != before {
		d.publishAggregate(ctx, msg, after)
	}
	return true, nil
}

// AggregateForSender reduces a message's rows to what its sender sees:
// Read if any recipient read it, else Delivered if any received it, else Sent.
func (d *DeliveryStateMachine) AggregateForSender(ctx context.Context, messageID uint, senderID string) (models.DeliveryStatus, error) {
	msg, err := getMessage(d.db.WithContext(ctx), messageID)
	if err != nil {
		return models.StatusUnknown, err
	}
	if msg.SenderID != senderID {
		return models.StatusUnknown, fmt.Errorf("message %d was not sent by %s: %w", messageID, senderID, ErrForbidden)
	}
	return d.aggregate(ctx, messageID)
}

func (d *DeliveryStateMachine) aggregate(ctx context.Context, messageID uint) (models.DeliveryStatus, error) {
	var highest int
	err := d.rdb.GetContext(ctx, &highest,
		d.rdb.Rebind(`SELECT COALESCE(MAX(status), 0) FROM message_statuses WHERE message_id = ?`), messageID)
	if err != nil {
		return models.StatusUnknown, fmt.Errorf("failed to aggregate status for message %d: %w", messageID, err)
	}
	if highest < int(models.StatusSent) {
		return models.StatusSent, nil
	}
	return models.DeliveryStatus(highest), nil
}

// Receipts lists every recipient's status for a message. Unknown messages
// have no receipts.
func (d *DeliveryStateMachine) Receipts(ctx context.Context, messageID uint) ([]Receipt, error) {
	receipts := []Receipt{}
	err := d.rdb.SelectContext(ctx, &receipts, d.rdb.Rebind(
		`SELECT recipient_id, status, status_at FROM message_statuses WHERE message_id = ? ORDER BY recipient_id`), messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts for message %d: %w", messageID, err)
	}
	return receipts, nil
}

// UnreadCount is how many messages in the room the user has not read.
func (d *DeliveryStateMachine) UnreadCount(ctx context.Context, roomID uint, userID string) (int, error) {
	var count int
	err := d.rdb.GetContext(ctx, &count, d.rdb.Rebind(
		`SELECT COUNT(*) FROM message_statuses WHERE room_id = ? AND recipient_id = ? AND status < ?`),
		roomID, userID, models.StatusRead)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages in room %d for %s: %w", roomID, userID, err)
	}
	return count, nil
}

// UnreadCounts returns the unread count of every recipient with unread
// messages in the room.
func (d *DeliveryStateMachine) UnreadCounts(ctx context.Context, roomID uint) (map[string]int, error) {
	var rows []struct {
		RecipientID string `db:"recipient_id"`
		Unread      int    `db:"unread"`
	}
	err := d.rdb.SelectContext(ctx, &rows, d.rdb.Rebind(
		`SELECT recipient_id, COUNT(*) AS unread FROM message_statuses WHERE room_id = ? AND status < ? GROUP BY recipient_id`),
		roomID, models.StatusRead)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread messages in room %d: %w", roomID, err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.RecipientID] = r.Unread
	}
	return counts, nil
}

type pendingRead struct {
	MessageID uint
	SenderID  string
	Aggregate int
}

// MarkRoomRead reads every unread message of the user in the room and moves
// the member's read cursor to the room's latest message. Repeating it
// changes nothing and publishes nothing.
func (d *DeliveryStateMachine) MarkRoomRead(ctx context.Context, roomID uint, userID string) (*RoomReadResult, error) {
	var (
		result  RoomReadResult
		pending []pendingRead
	)
	now := d.clock.Now()
	cursorMoved := false

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member, err := requireMember(tx, roomID, userID)
		if err != nil {
			return err
		}
		room, err := getRoom(tx, roomID)
		if err != nil {
			return err
		}

		err = tx.Raw(`SELECT ms.message_id AS message_id, m.sender_id AS sender_id,
				(SELECT MAX(s2.status) FROM message_statuses s2 WHERE s2.message_id = ms.message_id) AS aggregate
			FROM message_statuses ms JOIN messages m ON m.id = ms.message_id
			WHERE ms.room_id = ? AND ms.recipient_id = ? AND ms.status < ?
			ORDER BY ms.message_id`, roomID, userID, models.StatusRead).Scan(&pending).Error
		if err != nil {
			return fmt.Errorf("failed to list unread rows in room %d: %w", roomID, err)
		}

		if len(pending) > 0 {
			res := tx.Model(&models.MessageStatus{}).
				Where("room_id = ? AND recipient_id = ? AND status < ?", roomID, userID, models.StatusRead).
				Updates(map[string]interface{}{"status": models.StatusRead, "status_at": now})
			if res.Error != nil {
				return fmt.Errorf("failed to mark room %d read for %s: %w", roomID, userID, res.Error)
			}
			result.MessagesRead = int(res.RowsAffected)
		}

		result.LastReadMessageID = member.LastReadMessageID
		if room.LastMessageID > member.LastReadMessageID {
			res := tx.Model(&models.RoomMember{}).
				Where("room_id = ? AND user_id = ? AND last_read_message_id < ?", roomID, userID, room.LastMessageID).
				Update("last_read_message_id", room.LastMessageID)
			if res.Error != nil {
				return fmt.Errorf("failed to advance read cursor in room %d for %s: %w", roomID, userID, res.Error)
			}
			if res.RowsAffected > 0 {
				cursorMoved = true
				result.LastReadMessageID = room.LastMessageID
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.MessagesRead == 0 && !cursorMoved {
		return &result, nil
	}
	for _, p := range pending {
		if p.Aggregate < int(models.StatusRead) {
			d.publish(ctx, []string{p.SenderID}, events.MessageRead, roomID,
				events.MessageStatusPayload{MessageID: p.MessageID, RoomID: roomID})
		}
	}
	d.publishUnread(ctx, roomID, userID)
	log.Info().Uint("roomID", roomID).Str("userID", userID).Int("messagesRead", result.MessagesRead).
		Uint("lastReadMessageID", result.LastReadMessageID).Msg("Room marked as read")
	return &result, nil
}

func (d *DeliveryStateMachine) publishAggregate(ctx context.Context, msg *models.Message, status models.DeliveryStatus) {
	typ := events.MessageDelivered
	if status == models.StatusRead {
		typ = events.MessageRead
	}
	d.publish(ctx, []string{msg.SenderID}, typ, msg.RoomID,
		events.MessageStatusPayload{MessageID: msg.ID, RoomID: msg.RoomID})
}

func (d *DeliveryStateMachine) publishUnread(ctx context.Context, roomID uint, userID string) {
	count, err := d.UnreadCount(ctx, roomID, userID)
	if err != nil {
		log.Warn().Err(err).Uint("roomID", roomID).Str("userID", userID).Msg("Skipping unread count update")
		return
	}
	d.publish(ctx, []string{userID}, events.UnreadCountUpdate, roomID,
		events.UnreadCountPayload{RoomID: roomID, Count: count})
}
