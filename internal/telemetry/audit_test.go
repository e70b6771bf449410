package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	return m.Called(ctx, routingKey, event).Error(0)
}

func TestEmitBuildsEnvelope(t *testing.T) {
	publisher := new(publisherMock)
	publisher.On("Publish", mock.Anything, "audit.chat", mock.AnythingOfType("telemetry.AuditEnvelope")).Return(nil).Once()

	e := NewAuditEmitter(publisher, "audit.chat", "chat-sync", "test", zap.NewNop())
	e.now = func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) }
	e.Emit(context.Background(), "alice", AuditPayload{Action: "AddMember", ChatID: "g1", TargetID: "bob", Outcome: "ok"})

	publisher.AssertExpectations(t)
	env := publisher.Calls[0].Arguments.Get(2).(AuditEnvelope)
	assert.Equal(t, 1, env.SchemaVersion)
	assert.Equal(t, "2024-05-01T08:00:00Z", env.OccurredAt)
	assert.Equal(t, "alice", env.ActorID)
	assert.Equal(t, "bob", env.Payload.TargetID)
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	publisher := new(publisherMock)
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError).Once()

	e := NewAuditEmitter(publisher, "audit.chat", "chat-sync", "test", zap.NewNop())
	require.NotPanics(t, func() {
		e.Emit(context.Background(), "alice", AuditPayload{Action: "Leave", Outcome: "ok"})
	})

	var nilEmitter *AuditEmitter
	require.NotPanics(t, func() {
		nilEmitter.Emit(context.Background(), "alice", AuditPayload{})
	})
}
