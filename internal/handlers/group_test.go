package handlers

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
	"chat-sync/internal/telemetry"
)

func setupGroupRouter(handler *GroupHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", "alice")
		c.Next()
	})
	r.POST("/groups", handler.CreateGroup)
	r.PATCH("/groups/:chat_id", handler.UpdateGroup)
	r.POST("/groups/:chat_id/members", handler.AddMember)
	r.DELETE("/groups/:chat_id/members/:user_id", handler.RemoveMember)
	r.POST("/groups/:chat_id/admins", handler.PromoteToAdmin)
	r.POST("/groups/:chat_id/leave", handler.Leave)
	return r
}

var group = models.Chat{ID: "g1", Type: models.ChatGroup, Name: "Team", Participants: []string{"alice", "bob"}, Admins: []string{"alice"}, CreatorID: "alice"}

func TestCreateGroupSuccess(t *testing.T) {
	repo := new(mocks.ChatRepositoryMock)
	router := setupGroupRouter(NewGroupHandler(repo, nil, nil))

	repo.On("CreateGroupChat", mock.Anything, "Team", "", "alice", []string{"bob"}).Return(group, nil).Once()

	rec := serve(router, http.MethodPost, "/groups", `{"name":"Team","member_ids":["bob"]}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"chat_id":"g1"`)
	repo.AssertExpectations(t)
}

func TestCreateGroupInvalidBodyIsAudited(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "audit.chat", mock.AnythingOfType("telemetry.AuditEnvelope")).Return(nil).Once()
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", "chat-sync", "test", zap.NewNop())
	router := setupGroupRouter(NewGroupHandler(new(mocks.ChatRepositoryMock), audit, nil))

	rec := serve(router, http.MethodPost, "/groups", `{"name":5}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	publisher.AssertExpectations(t)
	env := publisher.Calls[0].Arguments.Get(2).(telemetry.AuditEnvelope)
	assert.Equal(t, "alice", env.ActorID)
	assert.Equal(t, "CreateGroup", env.Payload.Action)
	assert.Equal(t, "invalid_request", env.Payload.Outcome)
}

func TestAddMemberByNonAdmin(t *testing.T) {
	repo := new(mocks.ChatRepositoryMock)
	router := setupGroupRouter(NewGroupHandler(repo, nil, nil))

	repo.On("AddMember", mock.Anything, "g1", "carol", "alice").
		Return(models.Chat{}, &repositories.AuthorizationError{Op: "AddMember", UserID: "alice", ChatID: "g1", Reason: "not an admin"}).Once()

	rec := serve(router, http.MethodPost, "/groups/g1/members", `{"user_id":"carol"}`)

	require.Equal(t, http.StatusForbidden, rec.Code)
	repo.AssertExpectations(t)
}

func TestAddMemberMissingUser(t *testing.T) {
	repo := new(mocks.ChatRepositoryMock)
	router := setupGroupRouter(NewGroupHandler(repo, nil, nil))

	rec := serve(router, http.MethodPost, "/groups/g1/members", `{}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	repo.AssertNotCalled(t, "AddMember", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRemoveMemberSuccess(t *testing.T) {
	repo := new(mocks.ChatRepositoryMock)
	router := setupGroupRouter(NewGroupHandler(repo, nil, nil))

	after := group.Clone()
	after.RemoveParticipant("bob")
	repo.On("RemoveMember", mock.Anything, "g1", "bob", "alice").Return(after, nil).Once()

	rec := serve(router, http.MethodDelete, "/groups/g1/members/bob", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"bob"`)
	repo.AssertExpectations(t)
}

func TestPromoteToAdminStoreFailure(t *testing.T) {
	repo := new(mocks.ChatRepositoryMock)
	router := setupGroupRouter(NewGroupHandler(repo, nil, nil))

	repo.On("PromoteToAdmin", mock.Anything, "g1", "bob", "alice").
		Return(models.Chat{}, &repositories.StoreError{Op: "PromoteToAdmin", Err: assert.AnError}).Once()

	rec := serve(router, http.MethodPost, "/groups/g1/admins", `{"user_id":"bob"}`)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "could not promote member")
}

func TestUpdateGroupPartial(t *testing.T) {
	repo := new(mocks.ChatRepositoryMock)
	router := setupGroupRouter(NewGroupHandler(repo, nil, nil))

	repo.On("UpdateGroupMeta", mock.Anything, "g1", "alice", mock.MatchedBy(func(m models.GroupMeta) bool {
		return m.Name == nil && m.Description != nil && *m.Description == "weekly sync"
	})).Return(group, nil).Once()

	rec := serve(router, http.MethodPatch, "/groups/g1", `{"description":"weekly sync"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	repo.AssertExpectations(t)
}

func TestLeaveDirectChat(t *testing.T) {
	repo := new(mocks.ChatRepositoryMock)
	router := setupGroupRouter(NewGroupHandler(repo, nil, nil))

	repo.On("Leave", mock.Anything, "dm:alice:bob", "alice").
		Return(&repositories.ValidationError{Field: "chat", Reason: "cannot leave a direct chat"}).Once()

	rec := serve(router, http.MethodPost, "/groups/dm:alice:bob/leave", "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
