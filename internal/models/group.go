package models

// GroupMeta is a partial update of group metadata. Nil fields are left as is.
type GroupMeta struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// Empty reports whether the update carries no field.
func (m GroupMeta) Empty() bool {
	return m.Name == nil && m.Description == nil && m.AvatarURL == nil
}

// Apply writes the non-nil fields onto chat.
func (m GroupMeta) Apply(chat *Chat) {
	if m.Name != nil {
		chat.Name = *m.Name
	}
	if m.Description != nil {
		chat.Description = *m.Description
	}
	if m.AvatarURL != nil {
		chat.AvatarURL = *m.AvatarURL
	}
}

// User is the engine's read-mostly projection of a profile.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	ZoneID      string `json:"zone_id,omitempty"`
}

// UserSummary is a directory search hit.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}
