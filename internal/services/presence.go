package services

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog/log"
)

const presenceShardCount = 32

// PresenceMirror receives room viewer changes so other processes can read
// them. Calls are best effort and made outside the tracker's locks.
type PresenceMirror interface {
	ViewerJoined(ctx context.Context, roomID uint, userID string)
	ViewerLeft(ctx context.Context, roomID uint, userID string)
}

// userPresence is every live connection of one user and the room each one
// is viewing. Zero means no active room.
type userPresence map[string]uint

type connShard struct {
	mu    sync.RWMutex
	users map[string]string // connectionID -> userID
}

type userShard struct {
	mu    sync.RWMutex
	conns map[string]userPresence // userID -> connections
}

// PresenceTracker maps live connections to users and to the room each
// connection is looking at. State is in memory only; clients re-announce
// their active room after reconnecting.
//
// Both indexes are striped so connects and disconnects from many users do
// not contend on one lock. A connection shard lock is never held while a
// user shard lock is taken.
type PresenceTracker struct {
	connShards [presenceShardCount]connShard
	userShards [presenceShardCount]userShard
	mirror     PresenceMirror
}

// NewPresenceTracker builds an empty tracker. mirror may be nil.
func NewPresenceTracker(mirror PresenceMirror) *PresenceTracker {
	p := &PresenceTracker{mirror: mirror}
	for i := range p.connShards {
		p.connShards[i].users = make(map[string]string)
		p.userShards[i].conns = make(map[string]userPresence)
	}
	return p
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % presenceShardCount)
}

func (p *PresenceTracker) connShardFor(connectionID string) *connShard {
	return &p.connShards[shardIndex(connectionID)]
}

func (p *PresenceTracker) userShardFor(userID string) *userShard {
	return &p.userShards[shardIndex(userID)]
}

// RegisterConnection records a new live connection for userID. Registering
// a known connection id again moves it to userID with no active room.
func (p *PresenceTracker) RegisterConnection(userID, connectionID string) {
	if userID == "" || connectionID == "" {
		return
	}
	p.UnregisterConnection(connectionID)

	us := p.userShardFor(userID)
	us.mu.Lock()
	conns := us.conns[userID]
	if conns == nil {
		conns = make(userPresence)
		us.conns[userID] = conns
	}
	conns[connectionID] = 0
	total := len(conns)
	us.mu.Unlock()

	cs := p.connShardFor(connectionID)
	cs.mu.Lock()
	cs.users[connectionID] = userID
	cs.mu.Unlock()

	log.Debug().Str("userID", userID).Str("connectionID", connectionID).Int("connections", total).Msg("Connection registered")
}

// UnregisterConnection forgets a connection and the room it was viewing.
// Unknown ids are ignored, so graceful close and timeout cleanup may both call it.
func (p *PresenceTracker) UnregisterConnection(connectionID string) {
	cs := p.connShardFor(connectionID)
	cs.mu.Lock()
	userID, ok := cs.users[connectionID]
	delete(cs.users, connectionID)
	cs.mu.Unlock()
	if !ok {
		return
	}

	us := p.userShardFor(userID)
	us.mu.Lock()
	conns := us.conns[userID]
	roomID, had := conns[connectionID]
	delete(conns, connectionID)
	if len(conns) == 0 {
		delete(us.conns, userID)
	}
	stillViewing := had && roomID != 0 && conns.viewing(roomID)
	us.mu.Unlock()

	if had && roomID != 0 && !stillViewing {
		p.viewerLeft(roomID, userID)
	}
	log.Debug().Str("userID", userID).Str("connectionID", connectionID).Msg("Connection unregistered")
}

// SetActiveRoom marks the room the connection is currently viewing.
func (p *PresenceTracker) SetActiveRoom(connectionID string, roomID uint) {
	if roomID == 0 {
		p.ClearActiveRoom(connectionID)
		return
	}
	userID, ok := p.userOf(connectionID)
	if !ok {
		return
	}

	us := p.userShardFor(userID)
	us.mu.Lock()
	conns := us.conns[userID]
	previous, known := conns[connectionID]
	if !known {
		// Unregistered between the two lookups.
		us.mu.Unlock()
		return
	}
	wasViewingNew := conns.viewing(roomID)
	conns[connectionID] = roomID
	stillViewingPrevious := previous != 0 && conns.viewing(previous)
	us.mu.Unlock()

	if previous != 0 && previous != roomID && !stillViewingPrevious {
		p.viewerLeft(previous, userID)
	}
	if !wasViewingNew {
		p.viewerJoined(roomID, userID)
	}
}

// ClearActiveRoom marks the connection as not viewing any room.
func (p *PresenceTracker) ClearActiveRoom(connectionID string) {
	userID, ok := p.userOf(connectionID)
	if !ok {
		return
	}

	us := p.userShardFor(userID)
	us.mu.Lock()
	conns := us.conns[userID]
	previous, known := conns[connectionID]
	if !known || previous == 0 {
		us.mu.Unlock()
		return
	}
	conns[connectionID] = 0
	stillViewing := conns.viewing(previous)
	us.mu.Unlock()

	if !stillViewing {
		p.viewerLeft(previous, userID)
	}
}

// IsUserViewingRoom reports whether any of the user's connections has roomID active.
func (p *PresenceTracker) IsUserViewingRoom(userID string, roomID uint) bool {
	if roomID == 0 {
		return false
	}
	us := p.userShardFor(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	return us.conns[userID].viewing(roomID)
}

// IsOnline reports whether the user has at least one live connection.
func (p *PresenceTracker) IsOnline(userID string) bool {
	return p.ConnectionCount(userID) > 0
}

// ConnectionCount returns how many live connections the user holds.
func (p *PresenceTracker) ConnectionCount(userID string) int {
	us := p.userShardFor(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.conns[userID])
}

// UserOf returns the user owning a live connection.
func (p *PresenceTracker) UserOf(connectionID string) (string, bool) {
	return p.userOf(connectionID)
}

func (p *PresenceTracker) userOf(connectionID string) (string, bool) {
	cs := p.connShardFor(connectionID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	userID, ok := cs.users[connectionID]
	return userID, ok
}

func (up userPresence) viewing(roomID uint) bool {
	for _, r := range up {
		if r == roomID {
			return true
		}
	}
	return false
}

func (p *PresenceTracker) viewerJoined(roomID uint, userID string) {
	if p.mirror != nil {
		p.mirror.ViewerJoined(context.Background(), roomID, userID)
	}
}

func (p *PresenceTracker) viewerLeft(roomID uint, userID string) {
	if p.mirror != nil {
		p.mirror.ViewerLeft(context.Background(), roomID, userID)
	}
}
