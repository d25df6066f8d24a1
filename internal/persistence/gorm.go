package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"crisis-intervention/backend/internal/models"
)

// SessionRecord is the row stored for each chat session
type SessionRecord struct {
	ID                   string `gorm:"primaryKey;size:64"`
	Status               string `gorm:"size:16;index"`
	CrisisLevel          string `gorm:"size:16"`
	Priority             int    `gorm:"index"`
	IsAnonymous          bool
	Language             string `gorm:"size:16"`
	AssignedSpecialistID string `gorm:"size:64"`
	Participants         string `gorm:"type:text"`
	WrappedKey           string `gorm:"type:text"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (SessionRecord) TableName() string { return "crisis_sessions" }

// MessageRecord is the row stored for each chat message. Encrypted content is
// stored as received.
type MessageRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	ChatID      string `gorm:"size:64;index"`
	SenderID    string `gorm:"size:64"`
	SenderName  string `gorm:"size:255"`
	SenderType  string `gorm:"size:16"`
	Content     string `gorm:"type:text"`
	Status      string `gorm:"size:16"`
	MessageType string `gorm:"size:16"`
	CrisisLevel string `gorm:"size:16"`
	IsEncrypted bool
	Metadata    string    `gorm:"type:text"`
	Timestamp   time.Time `gorm:"index"`
}

func (MessageRecord) TableName() string { return "crisis_messages" }

// Gorm persists sessions and messages through gorm
type Gorm struct {
	db *gorm.DB
}

// NewGorm wraps db
func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

// Migrate creates or updates the tables
func (g *Gorm) Migrate() error {
	return g.db.AutoMigrate(&SessionRecord{}, &MessageRecord{})
}

// SaveSession upserts the session row
func (g *Gorm) SaveSession(ctx context.Context, s *models.ChatSession) error {
	participants, err := json.Marshal(s.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	rec := SessionRecord{
		ID:                   s.ID,
		Status:               string(s.Status),
		CrisisLevel:          string(s.CrisisLevel),
		Priority:             s.Priority,
		IsAnonymous:          s.IsAnonymous,
		Language:             s.Language,
		AssignedSpecialistID: s.AssignedSpecialistID,
		Participants:         string(participants),
		WrappedKey:           s.WrappedKey,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
	err = g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

// SaveMessage inserts the message row. Saving the same message twice is a
// no-op.
func (g *Gorm) SaveMessage(ctx context.Context, m models.ChatMessage) error {
	var metadata string
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(b)
	}
	rec := MessageRecord{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		SenderName:  m.Sender.Name,
		SenderType:  string(m.Sender.Type),
		Content:     m.Content,
		Status:      string(m.Status),
		MessageType: string(m.MessageType),
		CrisisLevel: string(m.CrisisLevel),
		IsEncrypted: m.IsEncrypted,
		Metadata:    metadata,
		Timestamp:   m.Timestamp,
	}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save message %s: %w", m.ID, err)
	}
	return nil
}

// Messages returns the stored messages of a session in timestamp order
func (g *Gorm) Messages(ctx context.Context, chatID string) ([]models.ChatMessage, error) {
	var recs []MessageRecord
	if err := g.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("timestamp ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]models.ChatMessage, 0, len(recs))
	for _, r := range recs {
		m := models.ChatMessage{
			ID:       r.ID,
			ChatID:   r.ChatID,
			SenderID: r.SenderID,
			Sender: models.Participant{
				ID:   r.SenderID,
				Name: r.SenderName,
				Type: models.ParticipantType(r.SenderType),
			},
			Content:     r.Content,
			Timestamp:   r.Timestamp,
			Status:      models.MessageStatus(r.Status),
			MessageType: models.MessageType(r.MessageType),
			CrisisLevel: models.CrisisLevel(r.CrisisLevel),
			IsEncrypted: r.IsEncrypted,
		}
		if r.Metadata != "" {
			if err := json.Unmarshal([]byte(r.Metadata), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// Session returns the stored session row
func (g *Gorm) Session(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	if err := g.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}
