package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const authService = "/auth.v1.AuthService/"

var ErrInvalidToken = errors.New("invalid token")

// AuthClient validates bearer tokens against the auth service.
type AuthClient struct {
	conn grpc.ClientConnInterface
}

// NewAuthClient constructs the wrapper.
func NewAuthClient(conn grpc.ClientConnInterface) *AuthClient {
	return &AuthClient{conn: conn}
}

// ValidateToken verifies the token and returns the authenticated user id.
func (a *AuthClient) ValidateToken(ctx context.Context, token string) (string, error) {
	req, err := structpb.NewStruct(map[string]any{"token": token})
	if err != nil {
		return "", err
	}
	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, authService+"ValidateToken", req, resp); err != nil {
		return "", err
	}
	userID := stringField(resp, "user_id")
	if !boolField(resp, "valid") || userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}

func stringField(s *structpb.Struct, key string) string {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func boolField(s *structpb.Struct, key string) bool {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetBoolValue()
	}
	return false
}
