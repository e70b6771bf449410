// Package directory holds the narrow interfaces to user profile, user search
// and media upload services, plus a session scoped profile cache.
package directory

import (
	"context"
	"io"
	"sync"

	"chat-sync/internal/models"
)

type ProfileProvider interface {
	GetProfile(ctx context.Context, userID string) (models.User, error)
}

type DirectoryProvider interface {
	SearchUsers(ctx context.Context, term, excludeUserID, zoneID string) ([]models.UserSummary, error)
}

// MediaRef points at an uploaded attachment.
type MediaRef struct {
	URL      string
	Name     string
	MimeType string
	Size     int64
}

type MediaUploader interface {
	Upload(ctx context.Context, name, mimeType string, r io.Reader) (MediaRef, error)
}

// ProfileCache memoizes profiles for the lifetime of a session. Failed
// lookups are not cached.
type ProfileCache struct {
	provider ProfileProvider

	mu    sync.RWMutex
	users map[string]models.User
}

func NewProfileCache(provider ProfileProvider) *ProfileCache {
	return &ProfileCache{provider: provider, users: make(map[string]models.User)}
}

func (c *ProfileCache) Get(ctx context.Context, userID string) (models.User, error) {
	c.mu.RLock()
	u, ok := c.users[userID]
	c.mu.RUnlock()
	if ok {
		return u, nil
	}
	u, err := c.provider.GetProfile(ctx, userID)
	if err != nil {
		return models.User{}, err
	}
	c.mu.Lock()
	c.users[userID] = u
	c.mu.Unlock()
	return u, nil
}

// Cached returns a profile only if it was already loaded.
func (c *ProfileCache) Cached(userID string) (models.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[userID]
	return u, ok
}

// DisplayName falls back to the user id when the profile is unavailable.
func (c *ProfileCache) DisplayName(ctx context.Context, userID string) string {
	u, err := c.Get(ctx, userID)
	if err != nil || u.DisplayName == "" {
		return userID
	}
	return u.DisplayName
}

func (c *ProfileCache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.users, userID)
	c.mu.Unlock()
}
