package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"chat-sync/internal/models"
)

const profileService = "/profile.v1.ProfileService/"

var ErrUserNotFound = errors.New("user not found")

// ProfileClient reads profiles and searches the user directory. It
// satisfies directory.ProfileProvider and directory.DirectoryProvider.
type ProfileClient struct {
	conn grpc.ClientConnInterface
}

// NewProfileClient constructs the wrapper.
func NewProfileClient(conn grpc.ClientConnInterface) *ProfileClient {
	return &ProfileClient{conn: conn}
}

// GetProfile fetches one user.
func (p *ProfileClient) GetProfile(ctx context.Context, userID string) (models.User, error) {
	req, err := structpb.NewStruct(map[string]any{"user_id": userID})
	if err != nil {
		return models.User{}, err
	}
	resp := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, profileService+"GetProfile", req, resp); err != nil {
		return models.User{}, err
	}
	user := models.User{
		ID:          stringField(resp, "id"),
		DisplayName: stringField(resp, "display_name"),
		AvatarURL:   stringField(resp, "avatar_url"),
		ZoneID:      stringField(resp, "zone_id"),
	}
	if user.ID == "" {
		return models.User{}, ErrUserNotFound
	}
	return user, nil
}

// SearchUsers finds users of a zone by name, leaving out excludeUserID.
func (p *ProfileClient) SearchUsers(ctx context.Context, term, excludeUserID, zoneID string) ([]models.UserSummary, error) {
	req, err := structpb.NewStruct(map[string]any{
		"term":            term,
		"exclude_user_id": excludeUserID,
		"zone_id":         zoneID,
	})
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, profileService+"SearchUsers", req, resp); err != nil {
		return nil, err
	}

	values := resp.GetFields()["users"].GetListValue().GetValues()
	users := make([]models.UserSummary, 0, len(values))
	for _, v := range values {
		s := v.GetStructValue()
		if s == nil {
			continue
		}
		u := models.UserSummary{
			ID:          stringField(s, "id"),
			DisplayName: stringField(s, "display_name"),
			AvatarURL:   stringField(s, "avatar_url"),
		}
		if u.ID == "" || u.ID == excludeUserID {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}
