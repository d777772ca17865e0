// Package push delivers out-of-band notifications to the configured
// channels with bounded retries.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/adapters/pushgateway"
	"github.com/habgyt95-stack/Chat-Support-sub001/pkg/logger"
)

// ErrNoChannels is returned by Enqueue when no delivery channel is configured.
var ErrNoChannels = errors.New("no push delivery channel configured")

const (
	channelGateway = "gateway"
	channelQueue   = "rabbitmq"
)

// Status represents the status of a notification delivery
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Notification is one push to one user.
type Notification struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Tokens       []string  `json:"tokens"`
	RoomID       uint      `json:"room_id"`
	MessageID    uint      `json:"message_id"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
	AttemptCount int       `json:"attempt_count"`
	Status       Status    `json:"status"`
	LastError    string    `json:"last_error,omitempty"`
	// Delivered lists the channels that already accepted this notification.
	// Retries skip them so a device is not pushed twice.
	Delivered []string `json:"delivered_channels,omitempty"`

	inFlight bool
}

// Result represents the result of one channel attempt
type Result struct {
	Channel   string    `json:"channel"` // "gateway", "rabbitmq"
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"duration_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Gateway sends a notification over HTTP.
type Gateway interface {
	Send(ctx context.Context, payload pushgateway.PushPayload) (*pushgateway.PushResponse, error)
}

// QueuePublisher hands a notification to a broker queue.
type QueuePublisher interface {
	Publish(ctx context.Context, queue string, data []byte) error
}

// Options tune retry behaviour. Zero values fall back to defaults.
type Options struct {
	MaxRetries   int
	RetryBackoff time.Duration
	Timeout      time.Duration
	QueueName    string
}

// DeliveryManager tracks notifications in memory, delivers each to every
// configured channel in parallel and retries partial failures on a ticker.
type DeliveryManager struct {
	mu           sync.RWMutex
	pending      map[string]*Notification
	gateway      Gateway
	queue        QueuePublisher
	queueName    string
	maxRetries   int
	retryBackoff time.Duration
	timeout      time.Duration
	inflight     sync.WaitGroup
}

// NewDeliveryManager builds a manager. Either channel may be nil.
func NewDeliveryManager(gateway Gateway, queue QueuePublisher, opts Options) *DeliveryManager {
	dm := &DeliveryManager{
		pending:      make(map[string]*Notification),
		gateway:      gateway,
		queue:        queue,
		queueName:    opts.QueueName,
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		timeout:      opts.Timeout,
	}
	if dm.maxRetries <= 0 {
		dm.maxRetries = 3
	}
	if dm.retryBackoff <= 0 {
		dm.retryBackoff = 2 * time.Second
	}
	if dm.timeout <= 0 {
		dm.timeout = 10 * time.Second
	}
	if dm.queueName == "" {
		dm.queueName = "support_push"
	}

	log.Info().
		Bool("gateway", gateway != nil).
		Bool("rabbitmq", queue != nil).
		Int("maxRetries", dm.maxRetries).
		Dur("timeout", dm.timeout).
		Msg("Push delivery manager initialized")
	return dm
}

// Enabled reports whether any channel is configured.
func (dm *DeliveryManager) Enabled() bool {
	return dm.gateway != nil || dm.queue != nil
}

// Enqueue starts delivering n in the background and returns its id.
func (dm *DeliveryManager) Enqueue(n Notification) (string, error) {
	if !dm.Enabled() {
		return "", ErrNoChannels
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = time.Now()
	n.Status = StatusPending
	n.AttemptCount = 0
	n.Delivered = nil
	n.inFlight = true

	event := &n
	dm.mu.Lock()
	dm.pending[event.ID] = event
	dm.mu.Unlock()

	log.Info().
		Str("eventID", event.ID).
		Str("userID", event.UserID).
		Uint("roomID", event.RoomID).
		Msg("Starting parallel push delivery")

	dm.inflight.Add(1)
	go dm.processDelivery(event)
	return event.ID, nil
}

func (dm *DeliveryManager) processDelivery(event *Notification) {
	defer dm.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), dm.timeout)
	defer cancel()

	dm.mu.RLock()
	done := make(map[string]bool, len(event.Delivered))
	for _, ch := range event.Delivered {
		done[ch] = true
	}
	dm.mu.RUnlock()

	var wg sync.WaitGroup
	results := make(chan Result, 2)

	if dm.gateway != nil && !done[channelGateway] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- dm.deliverToGateway(ctx, event)
		}()
	}
	if dm.queue != nil && !done[channelQueue] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- dm.deliverToQueue(ctx, event)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	allSuccess := true
	lastError := ""
	var delivered []string
	for result := range results {
		if result.Success {
			delivered = append(delivered, result.Channel)
		} else {
			allSuccess = false
			lastError = result.Error
		}
		log.Debug().
			Str("eventID", event.ID).
			Str("channel", result.Channel).
			Bool("success", result.Success).
			Int64("durationMs", result.Duration).
			Str("error", result.Error).
			Msg("Channel delivery result")
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	event.inFlight = false
	event.Delivered = append(event.Delivered, delivered...)
	if allSuccess {
		event.Status = StatusDelivered
		delete(dm.pending, event.ID)
		log.Info().Str("eventID", event.ID).Strs("channels", event.Delivered).Msg("Push delivered to all channels")
		return
	}
	event.AttemptCount++
	event.LastError = lastError
	if event.AttemptCount >= dm.maxRetries {
		event.Status = StatusFailed
		delete(dm.pending, event.ID)
		log.Error().
			Str("eventID", event.ID).
			Str("userID", event.UserID).
			Int("attemptCount", event.AttemptCount).
			Str("lastError", lastError).
			Msg("Push delivery failed permanently")
		return
	}
	log.Warn().
		Str("eventID", event.ID).
		Int("attemptCount", event.AttemptCount).
		Int("maxRetries", dm.maxRetries).
		Strs("delivered", event.Delivered).
		Msg("Push delivery partially failed, will retry failed channels")
}

func (dm *DeliveryManager) deliverToGateway(ctx context.Context, event *Notification) Result {
	start := time.Now()
	result := Result{Channel: channelGateway, Timestamp: start}

	_, err := dm.gateway.Send(ctx, pushgateway.PushPayload{
		EventID: event.ID,
		UserID:  event.UserID,
		Tokens:  event.Tokens,
		Title:   event.Title,
		Body:    event.Body,
		Data: map[string]string{
			"room_id":    strconv.FormatUint(uint64(event.RoomID), 10),
			"message_id": strconv.FormatUint(uint64(event.MessageID), 10),
		},
	})
	result.Duration = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func (dm *DeliveryManager) deliverToQueue(ctx context.Context, event *Notification) Result {
	start := time.Now()
	result := Result{Channel: channelQueue, Timestamp: start}

	select {
	case <-ctx.Done():
		result.Error = "Context timeout"
		result.Duration = time.Since(start).Milliseconds()
		return result
	default:
	}

	data, err := json.Marshal(event)
	if err == nil {
		err = dm.queue.Publish(ctx, dm.queueName, data)
	}
	result.Duration = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

// Run retries pending notifications every backoff period until ctx ends.
func (dm *DeliveryManager) Run(ctx context.Context) {
	lg := logger.For("push")
	ticker := time.NewTicker(dm.retryBackoff)
	defer ticker.Stop()
	lg.Info().Dur("backoff", dm.retryBackoff).Msg("Push retry loop started")

	for {
		select {
		case <-ctx.Done():
			lg.Info().Int("pending", dm.PendingCount()).Msg("Push retry loop stopped")
			return
		case <-ticker.C:
			dm.RetryPending()
		}
	}
}

// RetryPending redelivers every pending notification that is not already
// being delivered. It returns how many were restarted.
func (dm *DeliveryManager) RetryPending() int {
	dm.mu.Lock()
	toRetry := make([]*Notification, 0)
	for _, event := range dm.pending {
		if event.Status == StatusPending && !event.inFlight && event.AttemptCount < dm.maxRetries {
			event.inFlight = true
			toRetry = append(toRetry, event)
		}
	}
	dm.mu.Unlock()

	for _, event := range toRetry {
		log.Info().Str("eventID", event.ID).Int("attemptCount", event.AttemptCount).Msg("Retrying push delivery")
		dm.inflight.Add(1)
		go dm.processDelivery(event)
	}
	return len(toRetry)
}

// Retry restarts one pending notification with a fresh attempt budget.
func (dm *DeliveryManager) Retry(eventID string) bool {
	dm.mu.Lock()
	event, ok := dm.pending[eventID]
	if !ok || event.inFlight {
		dm.mu.Unlock()
		return ok
	}
	event.AttemptCount = 0
	event.Status = StatusPending
	event.inFlight = true
	dm.mu.Unlock()

	log.Info().Str("eventID", eventID).Msg("Manual retry triggered for push")
	dm.inflight.Add(1)
	go dm.processDelivery(event)
	return true
}

// Get returns a copy of a pending notification.
func (dm *DeliveryManager) Get(eventID string) (Notification, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	event, ok := dm.pending[eventID]
	if !ok {
		return Notification{}, false
	}
	return *event, true
}

// Pending returns copies of up to limit pending notifications, optionally
// for one user, plus the total that matched.
func (dm *DeliveryManager) Pending(userID string, limit int) ([]Notification, int) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	out := make([]Notification, 0)
	matched := 0
	for _, event := range dm.pending {
		if userID != "" && event.UserID != userID {
			continue
		}
		matched++
		if limit <= 0 || len(out) < limit {
			out = append(out, *event)
		}
	}
	return out, matched
}

// PendingCount returns the number of notifications still being retried.
func (dm *DeliveryManager) PendingCount() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return len(dm.pending)
}

// Settings reports the retry configuration.
func (dm *DeliveryManager) Settings() (maxRetries int, retryBackoff, timeout time.Duration) {
	return dm.maxRetries, dm.retryBackoff, dm.timeout
}

// Wait blocks until every delivery attempt started so far has finished.
func (dm *DeliveryManager) Wait() {
	dm.inflight.Wait()
}
