package repositories

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chat-sync/internal/models"
)

func TestMembershipCacheExpires(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	cache := NewMembershipCache(10*time.Second, clock.Now)

	cache.Store(models.Chat{ID: "c1", Participants: []string{"alice", "bob"}})

	member, ok := cache.IsMember("c1", "alice")
	assert.True(t, ok)
	assert.True(t, member)
	member, ok = cache.IsMember("c1", "carol")
	assert.True(t, ok)
	assert.False(t, member)

	clock.Advance(10 * time.Second)
	_, ok = cache.IsMember("c1", "alice")
	assert.False(t, ok)
}

func TestMembershipCacheInvalidate(t *testing.T) {
	cache := NewMembershipCache(time.Minute, nil)
	cache.Store(models.Chat{ID: "c1", Participants: []string{"alice"}})
	assert.Equal(t, 1, cache.Len())

	cache.Invalidate("c1")

	_, ok := cache.IsMember("c1", "alice")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestMembershipCacheDisabled(t *testing.T) {
	cache := NewMembershipCache(0, nil)
	cache.Store(models.Chat{ID: "c1", Participants: []string{"alice"}})
	_, ok := cache.IsMember("c1", "alice")
	assert.False(t, ok)
}
