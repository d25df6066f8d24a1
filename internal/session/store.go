// Package session owns chat session state and its lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"crisis-intervention/backend/internal/models"
	"crisis-intervention/backend/internal/persistence"
	"crisis-intervention/backend/pkg/logger"
)

var (
	// ErrNotFound is returned for unknown session ids
	ErrNotFound = errors.New("session not found")
	// ErrClosed is returned when mutating a closed session
	ErrClosed = errors.New("session is closed")
	// ErrInvalid is returned for malformed input
	ErrInvalid = errors.New("invalid session input")
)

// Store is the session state abstraction used by the router. Every method
// applies its read-modify-write under the session's own lock and returns
// deep copies.
type Store interface {
	// GetOrCreate returns the session, creating a default one when absent.
	// created reports whether a new session was made.
	GetOrCreate(ctx context.Context, id, language string) (s *models.ChatSession, created bool, err error)
	Get(ctx context.Context, id string) (*models.ChatSession, error)
	AppendMessage(ctx context.Context, id string, msg models.ChatMessage) (*models.ChatSession, error)
	// AddParticipant is idempotent by participant id; added is false when the
	// participant was already present (their presence is refreshed).
	AddParticipant(ctx context.Context, id string, p models.Participant) (s *models.ChatSession, added bool, err error)
	// AssignSpecialist adds the specialist participant and records the
	// assignment in one step.
	AssignSpecialist(ctx context.Context, id string, p models.Participant) (s *models.ChatSession, added bool, err error)
	SetParticipantOnline(ctx context.Context, id, participantID string, online bool) (*models.ChatSession, error)
	Escalate(ctx context.Context, id string, level models.CrisisLevel, reason string) (*models.ChatSession, error)
	Close(ctx context.Context, id string) (*models.ChatSession, error)
	SetTyping(ctx context.Context, id, participantID string, typing bool) (*models.ChatSession, error)
	// EnsureKey returns the session's wrapped data key, creating one with gen
	// when the session has none.
	EnsureKey(ctx context.Context, id string, gen func() (string, error)) (string, error)
	List(ctx context.Context) ([]models.SessionSummary, error)
}

type entry struct {
	mu sync.Mutex
	s  *models.ChatSession
}

// MemoryStore is the in-process Store. The map lock is only held to find or
// insert an entry; all session work happens under the entry's lock.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	persister persistence.Persister
	log       *logger.Logger
	now       func() time.Time
	language  string
}

// Option configures a MemoryStore
type Option func(*MemoryStore)

// WithPersister sets the durability hook called after every mutation
func WithPersister(p persistence.Persister) Option {
	return func(s *MemoryStore) { s.persister = p }
}

// WithLogger sets the logger used to report persistence failures
func WithLogger(l *logger.Logger) Option {
	return func(s *MemoryStore) { s.log = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// WithDefaultLanguage sets the language of sessions created without one
func WithDefaultLanguage(lang string) Option {
	return func(s *MemoryStore) { s.language = lang }
}

// NewMemoryStore returns an empty store
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		sessions:  make(map[string]*entry),
		persister: persistence.Nop{},
		now:       time.Now,
		language:  "en",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.GetGlobal()
	}
	return s
}

func (m *MemoryStore) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// mutate runs fn on the live session under its lock and persists the result.
// fn must not modify the session when it returns an error.
func (m *MemoryStore) mutate(ctx context.Context, id string, fn func(s *models.ChatSession) error) (*models.ChatSession, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.s); err != nil {
		return nil, err
	}
	e.s.UpdatedAt = m.now()
	out := e.s.Clone()
	m.persistSession(ctx, out)
	return out, nil
}

func (m *MemoryStore) persistSession(ctx context.Context, s *models.ChatSession) {
	if err := m.persister.SaveSession(ctx, s); err != nil {
		m.log.LogError(err, "failed to persist session", "session_id", s.ID)
	}
}

// GetOrCreate returns the session, creating it with defaults when absent
func (m *MemoryStore) GetOrCreate(ctx context.Context, id, language string) (*models.ChatSession, bool, error) {
	if id == "" {
		return nil, false, fmt.Errorf("%w: session id is required", ErrInvalid)
	}
	if language == "" {
		language = m.language
	}

	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		e = &entry{s: models.NewChatSession(id, language, m.now())}
		m.sessions[id] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.s.Clone()
	if !ok {
		m.persistSession(ctx, out)
	}
	return out, !ok, nil
}

// Get returns a copy of the session
func (m *MemoryStore) Get(_ context.Context, id string) (*models.ChatSession, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Clone(), nil
}

// AppendMessage adds msg to the log and applies the monotonic level rule. A
// high or critical message moves an active session to emergency.
func (m *MemoryStore) AppendMessage(ctx context.Context, id string, msg models.ChatMessage) (*models.ChatSession, error) {
	if msg.ID == "" {
		return nil, fmt.Errorf("%w: message id is required", ErrInvalid)
	}
	if msg.CrisisLevel == "" {
		msg.CrisisLevel = models.CrisisLow
	}
	if !msg.CrisisLevel.Valid() {
		return nil, fmt.Errorf("%w: crisis level %q", ErrInvalid, msg.CrisisLevel)
	}
	msg = msg.Clone()
	msg.ChatID = id

	out, err := m.mutate(ctx, id, func(s *models.ChatSession) error {
		if s.Status == models.StatusClosed {
			return fmt.Errorf("%w: %s", ErrClosed, id)
		}
		s.Messages = append(s.Messages, msg)
		s.RaiseLevel(msg.CrisisLevel)
		if s.CrisisLevel.IsEscalation() && s.Status.CanTransition(models.StatusEmergency) {
			s.Status = models.StatusEmergency
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.persister.SaveMessage(ctx, msg); err != nil {
		m.log.LogError(err, "failed to persist message", "session_id", id, "message_id", msg.ID)
	}
	return out, nil
}

func upsertParticipant(s *models.ChatSession, p models.Participant) bool {
	for i := range s.Participants {
		if s.Participants[i].ID == p.ID {
			s.Participants[i].IsOnline = p.IsOnline
			if p.Name != "" {
				s.Participants[i].Name = p.Name
			}
			return false
		}
	}
	s.Participants = append(s.Participants, p)
	return true
}

func validParticipant(p models.Participant) error {
	if p.ID == "" {
		return fmt.Errorf("%w: participant id is required", ErrInvalid)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: participant type %q", ErrInvalid, p.Type)
	}
	return nil
}

// AddParticipant adds p unless a participant with the same id exists
func (m *MemoryStore) AddParticipant(ctx context.Context, id string, p models.Participant) (*models.ChatSession, bool, error) {
	if err := validParticipant(p); err != nil {
		return nil, false, err
	}
	var added bool
	out, err := m.mutate(ctx, id, func(s *models.ChatSession) error {
		added = upsertParticipant(s, p)
		return nil
	})
	return out, added, err
}

// AssignSpecialist adds the specialist and marks them as the session's
// assigned responder. Closed sessions refuse new assignments.
func (m *MemoryStore) AssignSpecialist(ctx context.Context, id string, p models.Participant) (*models.ChatSession, bool, error) {
	if err := validParticipant(p); err != nil {
		return nil, false, err
	}
	if p.Type != models.ParticipantSpecialist {
		return nil, false, fmt.Errorf("%w: %s is not a specialist", ErrInvalid, p.ID)
	}
	var added bool
	out, err := m.mutate(ctx, id, func(s *models.ChatSession) error {
		if s.Status == models.StatusClosed {
			return fmt.Errorf("%w: %s", ErrClosed, id)
		}
		added = upsertParticipant(s, p)
		if added {
			s.AssignedSpecialistID = p.ID
		}
		return nil
	})
	return out, added, err
}

// SetParticipantOnline updates a participant's presence flag
func (m *MemoryStore) SetParticipantOnline(ctx context.Context, id, participantID string, online bool) (*models.ChatSession, error) {
	return m.mutate(ctx, id, func(s *models.ChatSession) error {
		for i := range s.Participants {
			if s.Participants[i].ID == participantID {
				s.Participants[i].IsOnline = online
				if !online {
					s.Typing = removeString(s.Typing, participantID)
				}
				return nil
			}
		}
		return fmt.Errorf("%w: participant %s not in session %s", ErrNotFound, participantID, id)
	})
}

// Escalate forces the emergency state and raises the level. A closed session
// stays closed but its level is still raised.
func (m *MemoryStore) Escalate(ctx context.Context, id string, level models.CrisisLevel, reason string) (*models.ChatSession, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: crisis level %q", ErrInvalid, level)
	}
	return m.mutate(ctx, id, func(s *models.ChatSession) error {
		s.RaiseLevel(level)
		if s.Status.CanTransition(models.StatusEmergency) {
			s.Status = models.StatusEmergency
		}
		m.log.Debug("session escalated", "session_id", id, "level", s.CrisisLevel, "reason", reason)
		return nil
	})
}

// Close moves the session to its terminal state. Closing twice is allowed.
func (m *MemoryStore) Close(ctx context.Context, id string) (*models.ChatSession, error) {
	return m.mutate(ctx, id, func(s *models.ChatSession) error {
		s.Status = models.StatusClosed
		s.Typing = nil
		return nil
	})
}

// SetTyping adds or removes participantID from the typing set
func (m *MemoryStore) SetTyping(ctx context.Context, id, participantID string, typing bool) (*models.ChatSession, error) {
	if participantID == "" {
		return nil, fmt.Errorf("%w: participant id is required", ErrInvalid)
	}
	return m.mutate(ctx, id, func(s *models.ChatSession) error {
		s.Typing = removeString(s.Typing, participantID)
		if typing {
			s.Typing = append(s.Typing, participantID)
		}
		return nil
	})
}

// EnsureKey returns the wrapped session key, generating it on first use
func (m *MemoryStore) EnsureKey(ctx context.Context, id string, gen func() (string, error)) (string, error) {
	e, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.WrappedKey != "" {
		return e.s.WrappedKey, nil
	}
	wrapped, err := gen()
	if err != nil {
		return "", err
	}
	e.s.WrappedKey = wrapped
	m.persistSession(ctx, e.s.Clone())
	return wrapped, nil
}

// List returns a summary of every session, most urgent first. Sessions of
// equal priority are ordered by creation time.
func (m *MemoryStore) List(_ context.Context) ([]models.SessionSummary, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]models.SessionSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.s.Summary())
		e.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
