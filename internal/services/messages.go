package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/events"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	maxMessageLength    = 4000
	summaryPreview      = 80
)

// PostInput is a message about to be written to a room.
type PostInput struct {
	RoomID    uint
	SenderID  string
	Kind      models.MessageKind
	Body      string
	ReplyToID *uint
}

// MessageService persists room messages, seeds their delivery rows and fans
// them out on the bus and to the notification dispatcher.
type MessageService struct {
	db         *gorm.DB
	delivery   *DeliveryStateMachine
	dispatcher *NotificationDispatcher
	publisher
	notifying sync.WaitGroup
}

// NewMessageService creates a new MessageService. dispatcher may be nil when
// pushes are disabled.
func NewMessageService(db *gorm.DB, delivery *DeliveryStateMachine, dispatcher *NotificationDispatcher) (*MessageService, error) {
	if db == nil {
		return nil, fmt.Errorf("database instance (gorm.DB) cannot be nil for MessageService")
	}
	if delivery == nil {
		return nil, fmt.Errorf("delivery state machine cannot be nil for MessageService")
	}
	return &MessageService{
		db:         db,
		delivery:   delivery,
		dispatcher: dispatcher,
		publisher:  delivery.publisher,
	}, nil
}

// Post writes a message from a room member. A reply must point at an
// existing message in the same room.
func (s *MessageService) Post(ctx context.Context, in PostInput) (*models.Message, error) {
	body := strings.TrimSpace(in.Body)
	if body == "" {
		return nil, fmt.Errorf("%w: message body is empty", ErrInvalid)
	}
	if len(body) > maxMessageLength {
		return nil, fmt.Errorf("%w: message body exceeds %d bytes", ErrInvalid, maxMessageLength)
	}
	kind := in.Kind
	if kind == "" {
		kind = models.MessageText
	}

	msg := &models.Message{
		RoomID:    in.RoomID,
		SenderID:  in.SenderID,
		Kind:      kind,
		Body:      body,
		ReplyToID: in.ReplyToID,
		CreatedAt: s.clock.Now(),
	}
	var members []models.RoomMember
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if in.SenderID != models.SystemSenderID {
			if _, err := requireMember(tx, in.RoomID, in.SenderID); err != nil {
				return err
			}
		}
		var err error
		members, err = persistMessage(tx, msg)
		if err != nil {
			return err
		}
		return startTicketOnAgentReply(tx, msg)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Uint("messageID", msg.ID).Uint("roomID", msg.RoomID).Str("senderID", msg.SenderID).Str("kind", string(msg.Kind)).Msg("Message posted")
	s.announce(ctx, msg, members)
	return msg, nil
}

// persistMessage writes msg inside tx, moves the room's last message id and
// seeds a Sent row for every other member. It returns the room's members.
func persistMessage(tx *gorm.DB, msg *models.Message) ([]models.RoomMember, error) {
	if msg.ReplyToID != nil {
		parent, err := getMessage(tx, *msg.ReplyToID)
		if err != nil {
			return nil, fmt.Errorf("reply target: %w", err)
		}
		if parent.RoomID != msg.RoomID {
			return nil, fmt.Errorf("%w: reply target %d is in another room", ErrInvalid, parent.ID)
		}
	}

	if err := tx.Create(msg).Error; err != nil {
		return nil, fmt.Errorf("failed to save message in room %d: %w", msg.RoomID, err)
	}
	res := tx.Model(&models.Room{}).Where("id = ? AND last_message_id < ?", msg.RoomID, msg.ID).
		Update("last_message_id", msg.ID)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to advance last message of room %d: %w", msg.RoomID, res.Error)
	}

	members, err := roomMembers(tx, msg.RoomID)
	if err != nil {
		return nil, err
	}
	if err := seedStatuses(tx, msg, memberIDs(members), msg.CreatedAt); err != nil {
		return nil, err
	}
	return members, nil
}

// startTicketOnAgentReply moves an Open ticket to InProgress when its
// assigned human agent posts in the room.
func startTicketOnAgentReply(tx *gorm.DB, msg *models.Message) error {
	if msg.Kind != models.MessageText {
		return nil
	}
	assigned := tx.Session(&gorm.Session{NewDB: true}).Model(&models.Agent{}).Select("id").
		Where("user_id = ? AND kind = ?", msg.SenderID, models.AgentKindHuman)
	res := tx.Model(&models.Ticket{}).
		Where("room_id = ? AND status = ? AND assigned_agent_id IN (?)", msg.RoomID, models.TicketOpen, assigned).
		Update("status", models.TicketInProgress)
	if res.Error != nil {
		return fmt.Errorf("failed to start ticket in room %d: %w", msg.RoomID, res.Error)
	}
	if res.RowsAffected > 0 {
		log.Info().Uint("roomID", msg.RoomID).Str("agentUserID", msg.SenderID).Msg("Ticket moved to in progress on first agent reply")
	}
	return nil
}

func getMessage(tx *gorm.DB, messageID uint) (*models.Message, error) {
	var msg models.Message
	err := tx.First(&msg, messageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying message %d: %w", messageID, err)
	}
	return &msg, nil
}

// GetMessage loads a message the user can see.
func (s *MessageService) GetMessage(ctx context.Context, messageID uint, userID string) (*models.Message, error) {
	msg, err := getMessage(s.db.WithContext(ctx), messageID)
	if err != nil {
		return nil, err
	}
	if _, err := requireMember(s.db.WithContext(ctx), msg.RoomID, userID); err != nil {
		return nil, err
	}
	return msg, nil
}

// RequireMember fails unless userID belongs to roomID.
func (s *MessageService) RequireMember(ctx context.Context, roomID uint, userID string) error {
	_, err := requireMember(s.db.WithContext(ctx), roomID, userID)
	return err
}

// Members lists a room's member ids.
func (s *MessageService) Members(ctx context.Context, roomID uint) ([]string, error) {
	members, err := roomMembers(s.db.WithContext(ctx), roomID)
	if err != nil {
		return nil, err
	}
	return memberIDs(members), nil
}

// History returns up to limit messages of the room older than beforeID (or
// the newest when beforeID is zero), oldest first.
func (s *MessageService) History(ctx context.Context, roomID uint, userID string, beforeID uint, limit int) ([]models.Message, error) {
	if _, err := requireMember(s.db.WithContext(ctx), roomID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	q := s.db.WithContext(ctx).Where("room_id = ?", roomID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []models.Message
	if err := q.Order("id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("error querying history of room %d: %w", roomID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func allMessages(tx *gorm.DB, roomID uint) ([]models.Message, error) {
	var msgs []models.Message
	if err := tx.Where("room_id = ?", roomID).Order("id").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("error querying messages of room %d: %w", roomID, err)
	}
	return msgs, nil
}

// SetTyping relays a typing indicator to the other members of the room.
func (s *MessageService) SetTyping(ctx context.Context, roomID uint, userID string, isTyping bool) error {
	members, err := roomMembers(s.db.WithContext(ctx), roomID)
	if err != nil {
		return err
	}
	ids := memberIDs(members)
	if len(withoutUser(ids, userID)) == len(ids) {
		return fmt.Errorf("user %s is not a member of room %d: %w", userID, roomID, ErrForbidden)
	}
	s.publish(ctx, withoutUser(ids, userID), events.TypingStatus, roomID,
		events.TypingPayload{RoomID: roomID, UserID: userID, IsTyping: isTyping})
	return nil
}

// announce fans a committed message out to room members and starts the
// push decision in the background.
func (s *MessageService) announce(ctx context.Context, msg *models.Message, members []models.RoomMember) {
	ids := memberIDs(members)
	s.publish(ctx, ids, events.MessageReceived, msg.RoomID, events.MessagePayload{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Kind:      string(msg.Kind),
		Body:      msg.Body,
		ReplyToID: msg.ReplyToID,
		CreatedAt: msg.CreatedAt,
	})
	s.publish(ctx, ids, events.RoomSummaryUpdate, msg.RoomID, events.RoomSummaryPayload{
		RoomID:             msg.RoomID,
		LastMessageID:      msg.ID,
		LastSenderID:       msg.SenderID,
		LastMessagePreview: truncate(msg.Body, summaryPreview),
		LastMessageAt:      msg.CreatedAt,
	})

	counts, err := s.delivery.UnreadCounts(ctx, msg.RoomID)
	if err != nil {
		log.Warn().Err(err).Uint("roomID", msg.RoomID).Msg("Skipping unread count updates")
	} else {
		for _, id := range withoutUser(ids, msg.SenderID) {
			s.publish(ctx, []string{id}, events.UnreadCountUpdate, msg.RoomID,
				events.UnreadCountPayload{RoomID: msg.RoomID, Count: counts[id]})
		}
	}

	s.NotifyAsync(msg, IsGuestMember(msg.SenderID))
}

// NotifyAsync runs the notification dispatcher for msg without blocking
// the caller. Wait blocks until every started run has finished.
func (s *MessageService) NotifyAsync(msg *models.Message, senderIsGuest bool) {
	if s.dispatcher == nil {
		return
	}
	s.notifying.Add(1)
	go func() {
		defer s.notifying.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Uint("messageID", msg.ID).Msg("Notification dispatch panicked")
			}
		}()
		room, err := getRoom(s.db, msg.RoomID)
		if err != nil {
			log.Warn().Err(err).Uint("messageID", msg.ID).Msg("Notification dispatch skipped")
			return
		}
		n := s.dispatcher.OnNewMessage(context.Background(), msg, room, senderIsGuest)
		log.Debug().Uint("messageID", msg.ID).Int("pushes", n).Msg("Notification dispatch finished")
	}()
}

// Wait blocks until background notification dispatches have finished.
func (s *MessageService) Wait() {
	s.notifying.Wait()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
