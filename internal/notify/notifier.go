// Package notify raises out-of-band alerts for critical escalations. The core
// only guarantees a Notifier is called; delivery belongs to the consumer of
// the alert.
package notify

import (
	"context"
	"time"

	"crisis-intervention/backend/internal/models"
	"crisis-intervention/backend/pkg/logger"
	"crisis-intervention/backend/pkg/resilience"
)

// Alert describes a critical escalation that needs a human outside the chat
type Alert struct {
	SessionID            string             `json:"sessionId"`
	CrisisLevel          models.CrisisLevel `json:"crisisLevel"`
	Priority             int                `json:"priority"`
	Reason               string             `json:"reason,omitempty"`
	AssignedSpecialistID string             `json:"assignedSpecialistId,omitempty"`
	Unassigned           bool               `json:"unassigned"`
	Language             string             `json:"language,omitempty"`
	Timestamp            time.Time          `json:"timestamp"`
}

// Notifier delivers alerts to the emergency-contact pipeline
type Notifier interface {
	NotifyEmergency(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the log. It is the default when no broker is
// configured.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier returns a notifier that logs at warn level
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyEmergency(_ context.Context, alert Alert) error {
	n.log.Warn("External notification required",
		"session_id", alert.SessionID,
		"crisis_level", string(alert.CrisisLevel),
		"reason", alert.Reason,
		"assigned_specialist", alert.AssignedSpecialistID,
		"unassigned", alert.Unassigned,
	)
	return nil
}

// BreakerNotifier guards another notifier with a circuit breaker so a broker
// outage fails fast instead of stalling escalations
type BreakerNotifier struct {
	next     Notifier
	breaker  *resilience.CircuitBreaker
	fallback Notifier
}

// NewBreakerNotifier wraps next. When the call fails or the circuit is open
// the alert is handed to fallback, if set.
func NewBreakerNotifier(next Notifier, breaker *resilience.CircuitBreaker, fallback Notifier) *BreakerNotifier {
	return &BreakerNotifier{next: next, breaker: breaker, fallback: fallback}
}

func (n *BreakerNotifier) NotifyEmergency(ctx context.Context, alert Alert) error {
	err := n.breaker.Execute(ctx, func(ctx context.Context) error {
		return n.next.NotifyEmergency(ctx, alert)
	})
	if err != nil && n.fallback != nil {
		if ferr := n.fallback.NotifyEmergency(ctx, alert); ferr == nil {
			return nil
		}
	}
	return err
}
