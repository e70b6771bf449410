package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/directory"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

type ChatRepositoryMock struct {
	mock.Mock
}

func chatResult(args mock.Arguments) (models.Chat, error) {
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func messageResult(args mock.Arguments) (models.Message, error) {
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func messagesResult(args mock.Arguments) ([]models.Message, error) {
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *ChatRepositoryMock) FindOrCreateDirectChat(ctx context.Context, userA, userB string) (models.Chat, error) {
	return chatResult(m.Called(ctx, userA, userB))
}

func (m *ChatRepositoryMock) CreateGroupChat(ctx context.Context, name, description, creatorID string, memberIDs []string) (models.Chat, error) {
	return chatResult(m.Called(ctx, name, description, creatorID, memberIDs))
}

func (m *ChatRepositoryMock) AddMember(ctx context.Context, chatID, userID, actingAdminID string) (models.Chat, error) {
	return chatResult(m.Called(ctx, chatID, userID, actingAdminID))
}

func (m *ChatRepositoryMock) RemoveMember(ctx context.Context, chatID, userID, actingAdminID string) (models.Chat, error) {
	return chatResult(m.Called(ctx, chatID, userID, actingAdminID))
}

func (m *ChatRepositoryMock) PromoteToAdmin(ctx context.Context, chatID, userID, actingAdminID string) (models.Chat, error) {
	return chatResult(m.Called(ctx, chatID, userID, actingAdminID))
}

func (m *ChatRepositoryMock) Leave(ctx context.Context, chatID, userID string) error {
	return m.Called(ctx, chatID, userID).Error(0)
}

func (m *ChatRepositoryMock) UpdateGroupMeta(ctx context.Context, chatID, actingAdminID string, meta models.GroupMeta) (models.Chat, error) {
	return chatResult(m.Called(ctx, chatID, actingAdminID, meta))
}

func (m *ChatRepositoryMock) TogglePin(ctx context.Context, chatID, userID string, pinned bool) error {
	return m.Called(ctx, chatID, userID, pinned).Error(0)
}

func (m *ChatRepositoryMock) ToggleStar(ctx context.Context, chatID, userID string, starred bool) error {
	return m.Called(ctx, chatID, userID, starred).Error(0)
}

func (m *ChatRepositoryMock) SoftDeleteChat(ctx context.Context, chatID, userID string) error {
	return m.Called(ctx, chatID, userID).Error(0)
}

func (m *ChatRepositoryMock) ResetUnread(ctx context.Context, chatID, userID string) error {
	return m.Called(ctx, chatID, userID).Error(0)
}

func (m *ChatRepositoryMock) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	return chatResult(m.Called(ctx, chatID))
}

func (m *ChatRepositoryMock) ListChats(ctx context.Context, userID string) ([]models.Chat, error) {
	args := m.Called(ctx, userID)
	var list []models.Chat
	if val := args.Get(0); val != nil {
		list = val.([]models.Chat)
	}
	return list, args.Error(1)
}

func (m *ChatRepositoryMock) DeleteChat(ctx context.Context, chatID string) error {
	return m.Called(ctx, chatID).Error(0)
}

func (m *ChatRepositoryMock) SendMessage(ctx context.Context, req repositories.SendRequest) (models.Message, error) {
	return messageResult(m.Called(ctx, req))
}

func (m *ChatRepositoryMock) EditMessage(ctx context.Context, messageID, userID, newText string) (models.Message, error) {
	return messageResult(m.Called(ctx, messageID, userID, newText))
}

func (m *ChatRepositoryMock) SoftDeleteMessage(ctx context.Context, messageID, userID string) (models.Message, error) {
	return messageResult(m.Called(ctx, messageID, userID))
}

func (m *ChatRepositoryMock) ToggleReaction(ctx context.Context, messageID, userID, displayName, emoji string) (models.Message, error) {
	return messageResult(m.Called(ctx, messageID, userID, displayName, emoji))
}

func (m *ChatRepositoryMock) SearchMessages(ctx context.Context, chatID, term string) ([]models.Message, error) {
	return messagesResult(m.Called(ctx, chatID, term))
}

func (m *ChatRepositoryMock) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	return messageResult(m.Called(ctx, messageID))
}

func (m *ChatRepositoryMock) ListMessages(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	return messagesResult(m.Called(ctx, chatID, limit))
}

type ProfileProviderMock struct {
	mock.Mock
}

func (m *ProfileProviderMock) GetProfile(ctx context.Context, userID string) (models.User, error) {
	args := m.Called(ctx, userID)
	var u models.User
	if val := args.Get(0); val != nil {
		u = val.(models.User)
	}
	return u, args.Error(1)
}

type TokenValidatorMock struct {
	mock.Mock
}

func (m *TokenValidatorMock) ValidateToken(ctx context.Context, token string) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}

type ReadReceiptsMock struct {
	mock.Mock
}

func (m *ReadReceiptsMock) MarkChatRead(ctx context.Context, chatID, readerID string) error {
	return m.Called(ctx, chatID, readerID).Error(0)
}

var _ repositories.ChatRepository = (*ChatRepositoryMock)(nil)
var _ directory.ProfileProvider = (*ProfileProviderMock)(nil)
