package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crisis-intervention/backend/internal/models"
	"crisis-intervention/backend/pkg/logger"
	"crisis-intervention/backend/pkg/resilience"
)

type fakeChannel struct {
	mu        sync.Mutex
	published []amqp.Publishing
	keys      []string
	err       error
	closed    bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyEmergency(ctx context.Context, alert Alert) error {
	return m.Called(alert.SessionID).Error(0)
}

func criticalAlert() Alert {
	return Alert{
		SessionID:   "s1",
		CrisisLevel: models.CrisisCritical,
		Priority:    models.CrisisCritical.Priority(),
		Reason:      "content",
		Unassigned:  true,
		Timestamp:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestAMQPNotifier_PublishesPersistentJSON(t *testing.T) {
	ch := &fakeChannel{}
	n := newAMQPNotifierWithChannel(ch, "crisis.alerts")

	require.NoError(t, n.NotifyEmergency(context.Background(), criticalAlert()))

	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, "crisis.alerts", ch.keys[0])
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, uint8(10), msg.Priority)

	var decoded Alert
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "s1", decoded.SessionID)
	assert.Equal(t, models.CrisisCritical, decoded.CrisisLevel)
	assert.True(t, decoded.Unassigned)

	require.NoError(t, n.Close())
	assert.True(t, ch.closed)
}

func TestAMQPNotifier_PingWithoutConnection(t *testing.T) {
	n := newAMQPNotifierWithChannel(&fakeChannel{}, "q")
	assert.Error(t, n.Ping(context.Background()))
}

func TestBreakerNotifier_FallsBackWhenBrokerFails(t *testing.T) {
	primary := &mockNotifier{}
	primary.On("NotifyEmergency", "s1").Return(errors.New("broker down"))
	fallback := &mockNotifier{}
	fallback.On("NotifyEmergency", "s1").Return(nil)

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "alerts",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RetryTimeout:     time.Hour,
	}, logger.Discard())
	n := NewBreakerNotifier(primary, breaker, fallback)

	require.NoError(t, n.NotifyEmergency(context.Background(), criticalAlert()))
	require.NoError(t, n.NotifyEmergency(context.Background(), criticalAlert()))

	primary.AssertNumberOfCalls(t, "NotifyEmergency", 1)
	fallback.AssertNumberOfCalls(t, "NotifyEmergency", 2)
	assert.Equal(t, resilience.StateOpen, breaker.State())
}

func TestBreakerNotifier_ReturnsErrorWithoutFallback(t *testing.T) {
	primary := &mockNotifier{}
	primary.On("NotifyEmergency", "s1").Return(errors.New("broker down"))
	n := NewBreakerNotifier(primary, resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("alerts"), logger.Discard()), nil)

	assert.Error(t, n.NotifyEmergency(context.Background(), criticalAlert()))
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, NewLogNotifier(logger.Discard()).NotifyEmergency(context.Background(), criticalAlert()))
}
