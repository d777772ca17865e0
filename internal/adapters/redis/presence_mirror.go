package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	viewerKeyTTL = 24 * time.Hour
	writeTimeout = 2 * time.Second
)

// PresenceMirror copies room viewers into Redis hashes so other processes
// can see who is looking at a room. Writes are best effort.
type PresenceMirror struct {
	client *redis.Client
}

// Connect parses a redis:// URL and checks the connection.
func Connect(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis client connection test failed: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Redis connection established")
	return client, nil
}

// NewPresenceMirror creates a mirror writing through client.
func NewPresenceMirror(client *redis.Client) (*PresenceMirror, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil for PresenceMirror")
	}
	return &PresenceMirror{client: client}, nil
}

func roomKey(roomID uint) string {
	return fmt.Sprintf("support:room:%d:viewers", roomID)
}

// ViewerJoined records userID as viewing roomID.
func (m *PresenceMirror) ViewerJoined(ctx context.Context, roomID uint, userID string) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	key := roomKey(roomID)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, userID, strconv.FormatInt(time.Now().Unix(), 10))
		pipe.Expire(ctx, key, viewerKeyTTL)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Uint("roomID", roomID).Str("userID", userID).Msg("Could not mirror room viewer to Redis")
	}
}

// ViewerLeft removes userID from the viewers of roomID.
func (m *PresenceMirror) ViewerLeft(ctx context.Context, roomID uint, userID string) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := m.client.HDel(ctx, roomKey(roomID), userID).Err(); err != nil {
		log.Warn().Err(err).Uint("roomID", roomID).Str("userID", userID).Msg("Could not remove mirrored room viewer from Redis")
	}
}
