package repositories

import (
	"errors"
	"fmt"

	"chat-sync/internal/models"
	"chat-sync/internal/store"
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
)

// ValidationError rejects a request before any store call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthorizationError is returned when the acting user may not perform the
// operation. No side effect has been applied.
type AuthorizationError struct {
	Op     string
	UserID string
	ChatID string
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: user %s not allowed on chat %s: %s", e.Op, e.UserID, e.ChatID, e.Reason)
}

// StoreError wraps a failure of the backing store transport.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: store: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }

func isAlreadyExists(err error) bool { return errors.Is(err, store.ErrAlreadyExists) }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// wrapStore classifies err coming back from the store. Domain errors raised
// inside mutate funcs pass through untouched.
func wrapStore(op string, err error, notFound error) error {
	if err == nil {
		return nil
	}
	var vErr *ValidationError
	var aErr *AuthorizationError
	switch {
	case errors.As(err, &vErr), errors.As(err, &aErr):
		return err
	case errors.Is(err, store.ErrNotFound):
		return notFound
	case errors.Is(err, ErrChatNotFound), errors.Is(err, ErrMessageNotFound):
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func requireParticipant(op string, chat models.Chat, userID string) error {
	if !chat.IsParticipant(userID) {
		return &AuthorizationError{Op: op, UserID: userID, ChatID: chat.ID, Reason: "not a participant"}
	}
	return nil
}

func requireAdmin(op string, chat models.Chat, userID string) error {
	if chat.Type != models.ChatGroup {
		return invalid("chat", "not a group chat")
	}
	if !chat.IsParticipant(userID) || !chat.IsAdmin(userID) {
		return &AuthorizationError{Op: op, UserID: userID, ChatID: chat.ID, Reason: "not an admin"}
	}
	return nil
}
