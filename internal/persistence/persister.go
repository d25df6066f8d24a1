// Package persistence holds the durability hooks invoked after every session
// mutation. The core works with Nop; Gorm writes to Postgres or SQLite.
package persistence

import (
	"context"

	"crisis-intervention/backend/internal/models"
)

// Persister receives a copy of every mutated session and every appended
// message. Implementations must not retain the arguments.
type Persister interface {
	SaveSession(ctx context.Context, s *models.ChatSession) error
	SaveMessage(ctx context.Context, m models.ChatMessage) error
}

// Nop discards everything
type Nop struct{}

func (Nop) SaveSession(context.Context, *models.ChatSession) error { return nil }

func (Nop) SaveMessage(context.Context, models.ChatMessage) error { return nil }
