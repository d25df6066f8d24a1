// Package events emits domain events for consumers outside this process
// (dashboards, analytics, other nodes). Events are fire-and-forget; no state
// is ever rebuilt from them.
package events

import (
	"context"
	"encoding/json"
	"time"

	"crisis-intervention/backend/internal/models"
	"crisis-intervention/backend/pkg/logger"
	sharedredis "crisis-intervention/backend/shared/redis"
)

// Type names a domain event
type Type string

const (
	SessionCreated       Type = "session.created"
	SessionEscalated     Type = "session.escalated"
	SessionClosed        Type = "session.closed"
	SpecialistAssigned   Type = "specialist.assigned"
	SpecialistReleased   Type = "specialist.released"
	EscalationUnassigned Type = "escalation.unassigned"
)

// Event is the envelope published for every domain event
type Event struct {
	Type         Type               `json:"type"`
	SessionID    string             `json:"sessionId"`
	CrisisLevel  models.CrisisLevel `json:"crisisLevel,omitempty"`
	Status       string             `json:"status,omitempty"`
	SpecialistID string             `json:"specialistId,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Publisher emits domain events
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// RedisPublisher fans events out over a Redis pub/sub channel
type RedisPublisher struct {
	client  *sharedredis.RedisClient
	channel string
	log     *logger.Logger
}

// NewRedisPublisher publishes on channel through client
func NewRedisPublisher(client *sharedredis.RedisClient, channel string, log *logger.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	receivers, err := p.client.Publish(ctx, p.channel, body)
	if err != nil {
		return err
	}
	p.log.Debug("Published domain event", "type", string(e.Type), "session_id", e.SessionID, "receivers", receivers)
	return nil
}
