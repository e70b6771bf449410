package repositories

import (
	"sync"
	"time"

	"chat-sync/internal/models"
)

// MembershipCache keeps short lived participant sets for participant gated
// reads and sends. Entries are replaced or expire, never edited in place.
type MembershipCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]membershipEntry
}

type membershipEntry struct {
	members map[string]struct{}
	expires time.Time
}

// NewMembershipCache builds a cache. A non-positive ttl disables caching.
func NewMembershipCache(ttl time.Duration, now func() time.Time) *MembershipCache {
	if now == nil {
		now = time.Now
	}
	return &MembershipCache{ttl: ttl, now: now, entries: make(map[string]membershipEntry)}
}

// IsMember answers from the cache. ok is false on a miss or expired entry.
func (c *MembershipCache) IsMember(chatID, userID string) (member bool, ok bool) {
	c.mu.RLock()
	entry, found := c.entries[chatID]
	c.mu.RUnlock()
	if !found || !c.now().Before(entry.expires) {
		return false, false
	}
	_, member = entry.members[userID]
	return member, true
}

// Store replaces the entry for chat.
func (c *MembershipCache) Store(chat models.Chat) {
	if c.ttl <= 0 {
		return
	}
	members := make(map[string]struct{}, len(chat.Participants))
	for _, p := range chat.Participants {
		members[p] = struct{}{}
	}
	c.mu.Lock()
	c.entries[chat.ID] = membershipEntry{members: members, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops the entry for chatID.
func (c *MembershipCache) Invalidate(chatID string) {
	c.mu.Lock()
	delete(c.entries, chatID)
	c.mu.Unlock()
}

// Len reports the number of entries, expired ones included.
func (c *MembershipCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
