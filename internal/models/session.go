package models

import (
	"time"
)

// SessionStatus is the lifecycle state of a chat session
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusEmergency SessionStatus = "emergency"
	StatusClosed    SessionStatus = "closed"
)

// CanTransition reports whether the state machine allows moving from s to next.
// Staying in the same state is always allowed.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusActive:
		return next == StatusEmergency || next == StatusClosed
	case StatusEmergency:
		return next == StatusClosed
	default:
		return false
	}
}

// ParticipantType distinguishes the people (and the system) in a session
type ParticipantType string

const (
	ParticipantUser       ParticipantType = "user"
	ParticipantSpecialist ParticipantType = "specialist"
	ParticipantSystem     ParticipantType = "system"
)

// Valid reports whether t is a known participant type
func (t ParticipantType) Valid() bool {
	return t == ParticipantUser || t == ParticipantSpecialist || t == ParticipantSystem
}

// Participant is a member of a chat session
type Participant struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Type     ParticipantType `json:"type"`
	IsOnline bool            `json:"isOnline"`
}

// MessageStatus tracks delivery of a chat message
type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

// MessageType describes the payload of a chat message
type MessageType string

const (
	MessageText      MessageType = "text"
	MessageFile      MessageType = "file"
	MessageSystem    MessageType = "system"
	MessageEmergency MessageType = "emergency"
)

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageFile, MessageSystem, MessageEmergency:
		return true
	}
	return false
}

// ChatMessage is a single entry in a session's message log
type ChatMessage struct {
	ID          string            `json:"id"`
	ChatID      string            `json:"chatId"`
	SenderID    string            `json:"senderId"`
	Sender      Participant       `json:"sender"`
	Content     string            `json:"content"`
	Timestamp   time.Time         `json:"timestamp"`
	Status      MessageStatus     `json:"status"`
	MessageType MessageType       `json:"messageType"`
	CrisisLevel CrisisLevel       `json:"crisisLevel"`
	IsEncrypted bool              `json:"isEncrypted"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Clone returns a copy that shares no mutable state with m
func (m ChatMessage) Clone() ChatMessage {
	if m.Metadata != nil {
		md := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	return m
}

// ChatSession is one ongoing crisis conversation
type ChatSession struct {
	ID                   string        `json:"id"`
	Participants         []Participant `json:"participants"`
	Messages             []ChatMessage `json:"messages"`
	Status               SessionStatus `json:"status"`
	CrisisLevel          CrisisLevel   `json:"crisisLevel"`
	Priority             int           `json:"priority"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
	IsAnonymous          bool          `json:"isAnonymous"`
	Language             string        `json:"language"`
	AssignedSpecialistID string        `json:"assignedSpecialistId,omitempty"`
	Typing               []string      `json:"-"`
	WrappedKey           string        `json:"-"`
}

// NewChatSession returns a session in its default state
func NewChatSession(id, language string, now time.Time) *ChatSession {
	return &ChatSession{
		ID:           id,
		Participants: []Participant{},
		Messages:     []ChatMessage{},
		Status:       StatusActive,
		CrisisLevel:  CrisisLow,
		Priority:     CrisisLow.Priority(),
		CreatedAt:    now,
		UpdatedAt:    now,
		IsAnonymous:  true,
		Language:     language,
	}
}

// Participant looks up a participant by id
func (s *ChatSession) Participant(id string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// RaiseLevel applies the monotonic-maximum rule and returns true if the
// level changed.
func (s *ChatSession) RaiseLevel(level CrisisLevel) bool {
	next := MaxLevel(s.CrisisLevel, level)
	if next == s.CrisisLevel {
		return false
	}
	s.CrisisLevel = next
	s.Priority = next.Priority()
	return true
}

// Clone returns a deep copy of the session
func (s *ChatSession) Clone() *ChatSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Participants = append([]Participant(nil), s.Participants...)
	c.Messages = make([]ChatMessage, len(s.Messages))
	for i, m := range s.Messages {
		c.Messages[i] = m.Clone()
	}
	c.Typing = append([]string(nil), s.Typing...)
	return &c
}

// SessionSummary is the compact view of a session sent alongside history
type SessionSummary struct {
	ID                   string        `json:"id"`
	Status               SessionStatus `json:"status"`
	CrisisLevel          CrisisLevel   `json:"crisisLevel"`
	Priority             int           `json:"priority"`
	Participants         []Participant `json:"participants"`
	MessageCount         int           `json:"messageCount"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
	IsAnonymous          bool          `json:"isAnonymous"`
	Language             string        `json:"language"`
	AssignedSpecialistID string        `json:"assignedSpecialistId,omitempty"`
}

// Summary builds the compact view of s
func (s *ChatSession) Summary() SessionSummary {
	return SessionSummary{
		ID:                   s.ID,
		Status:               s.Status,
		CrisisLevel:          s.CrisisLevel,
		Priority:             s.Priority,
		Participants:         append([]Participant(nil), s.Participants...),
		MessageCount:         len(s.Messages),
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
		IsAnonymous:          s.IsAnonymous,
		Language:             s.Language,
		AssignedSpecialistID: s.AssignedSpecialistID,
	}
}
