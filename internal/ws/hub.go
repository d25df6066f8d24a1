// Package ws is the real-time transport of the crisis pipeline: it decodes
// client events, applies them to session and specialist state, and fans the
// results out to connected clients.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"crisis-intervention/backend/internal/crisis"
	"crisis-intervention/backend/internal/events"
	"crisis-intervention/backend/internal/models"
	"crisis-intervention/backend/internal/notify"
	"crisis-intervention/backend/internal/session"
	"crisis-intervention/backend/internal/specialist"
	"crisis-intervention/backend/pkg/config"
	"crisis-intervention/backend/pkg/crypto"
	apperrors "crisis-intervention/backend/pkg/errors"
	"crisis-intervention/backend/pkg/logger"
	"crisis-intervention/backend/pkg/middleware"
)

const instrumentationName = "crisis-intervention/backend/internal/ws"

// Config tunes the hub
type Config struct {
	// EscalationBroadcast is one of config.BroadcastAll, BroadcastSupervisors
	// or BroadcastSession
	EscalationBroadcast string
	// HeartbeatTimeout is how long a silent connection is kept
	HeartbeatTimeout time.Duration
	SendBuffer       int
	MaxMessageBytes  int64
	AllowedOrigins   []string
}

// ConfigFrom derives the hub settings from the application config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		EscalationBroadcast: cfg.Crisis.EscalationBroadcast,
		HeartbeatTimeout:    cfg.Crisis.HeartbeatTimeout,
		SendBuffer:          cfg.Crisis.SendBuffer,
		MaxMessageBytes:     cfg.Security.MaxMessageBytes,
		AllowedOrigins:      cfg.Security.AllowedOrigins,
	}
}

// Deps are the collaborators of the hub. Store, Registry, Matcher and
// Classifier are required.
type Deps struct {
	Store      session.Store
	Registry   specialist.Registry
	Matcher    *specialist.Matcher
	Classifier *crisis.Classifier
	// Keys enables encrypted payloads; nil disables them
	Keys     *crypto.KeyRing
	Notifier notify.Notifier
	Events   events.Publisher
	// Limiter bounds inbound events per connection; nil disables it
	Limiter *middleware.RateLimiter
	Logger  *logger.Logger
	Meter   metric.Meter
	Tracer  trace.Tracer
}

type hubMetrics struct {
	messages    metric.Int64Counter
	escalations metric.Int64Counter
	unassigned  metric.Int64Counter
	connections metric.Int64UpDownCounter
}

func newHubMetrics(m metric.Meter) (*hubMetrics, error) {
	var hm hubMetrics
	var err error
	if hm.messages, err = m.Int64Counter("crisis_messages_total",
		metric.WithDescription("Chat messages accepted")); err != nil {
		return nil, err
	}
	if hm.escalations, err = m.Int64Counter("crisis_escalations_total",
		metric.WithDescription("Session escalations processed")); err != nil {
		return nil, err
	}
	if hm.unassigned, err = m.Int64Counter("crisis_unassigned_escalations_total",
		metric.WithDescription("Escalations for which no specialist was free")); err != nil {
		return nil, err
	}
	if hm.connections, err = m.Int64UpDownCounter("crisis_connections_active",
		metric.WithDescription("Open websocket connections")); err != nil {
		return nil, err
	}
	return &hm, nil
}

// Hub owns every connection of the process
type Hub struct {
	cfg        Config
	store      session.Store
	registry   specialist.Registry
	matcher    *specialist.Matcher
	classifier *crisis.Classifier
	keys       *crypto.KeyRing
	notifier   notify.Notifier
	events     events.Publisher
	limiter    *middleware.RateLimiter
	log        *logger.Logger
	tracer     trace.Tracer
	metrics    *hubMetrics
	upgrader   websocket.Upgrader
	now        func() time.Time

	mu            sync.RWMutex
	clients       map[*Client]struct{}
	bySession     map[string]map[*Client]struct{}
	byParticipant map[string]map[*Client]struct{}
	// sessions each participant has been admitted to
	memberships map[string]map[string]struct{}
	// specialist id -> sessions for which they hold a load slot
	leases map[string]map[string]struct{}

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	wg sync.WaitGroup
}

// NewHub builds a hub
func NewHub(cfg Config, deps Deps) (*Hub, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Matcher == nil || deps.Classifier == nil {
		return nil, errors.New("ws: store, registry, matcher and classifier are required")
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.EscalationBroadcast == "" {
		cfg.EscalationBroadcast = config.BroadcastAll
	}
	if deps.Logger == nil {
		deps.Logger = logger.GetGlobal()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(deps.Logger)
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Meter == nil {
		deps.Meter = otel.Meter(instrumentationName)
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(instrumentationName)
	}
	hm, err := newHubMetrics(deps.Meter)
	if err != nil {
		return nil, fmt.Errorf("ws: metrics: %w", err)
	}

	return &Hub{
		cfg:        cfg,
		store:      deps.Store,
		registry:   deps.Registry,
		matcher:    deps.Matcher,
		classifier: deps.Classifier,
		keys:       deps.Keys,
		notifier:   deps.Notifier,
		events:     deps.Events,
		limiter:    deps.Limiter,
		log:        deps.Logger,
		tracer:     deps.Tracer,
		metrics:    hm,
		upgrader: websocket.Upgrader{
			CheckOrigin:      checkOrigin(cfg.AllowedOrigins),
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		now:           time.Now,
		clients:       make(map[*Client]struct{}),
		bySession:     make(map[string]map[*Client]struct{}),
		byParticipant: make(map[string]map[*Client]struct{}),
		memberships:   make(map[string]map[string]struct{}),
		leases:        make(map[string]map[string]struct{}),
		locks:         make(map[string]*sync.Mutex),
	}, nil
}

// Run sweeps connections that have been silent for longer than the heartbeat
// timeout until ctx is done, then waits for background notifications.
func (h *Hub) Run(ctx context.Context) {
	interval := h.cfg.HeartbeatTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.wg.Wait()
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep disconnects stale clients and returns how many were dropped
func (h *Hub) sweep() int {
	if h.cfg.HeartbeatTimeout <= 0 {
		return 0
	}
	cutoff := h.now().Add(-h.cfg.HeartbeatTimeout)

	h.mu.RLock()
	var stale []*Client
	for c := range h.clients {
		if c.idleSince().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		c.log.Info("Heartbeat timeout, closing connection")
		h.disconnect(c)
		if c.Conn != nil {
			_ = c.Conn.Close()
		}
	}
	return len(stale)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.connections.Add(context.Background(), 1)
}

// disconnect releases everything held by the connection. It runs at most once
// per client; the participant is marked offline when this was their last
// connection.
func (h *Hub) disconnect(c *Client) {
	c.closeOnce.Do(func() {
		id, identified := c.Identity()
		c.mu.Lock()
		sessions := make([]string, 0, len(c.sessions))
		for sid := range c.sessions {
			sessions = append(sessions, sid)
		}
		c.mu.Unlock()

		h.mu.Lock()
		delete(h.clients, c)
		for _, sid := range sessions {
			delete(h.bySession[sid], c)
			if len(h.bySession[sid]) == 0 {
				delete(h.bySession, sid)
			}
		}
		remaining := 0
		if identified {
			delete(h.byParticipant[id.UserID], c)
			remaining = len(h.byParticipant[id.UserID])
			if remaining == 0 {
				delete(h.byParticipant, id.UserID)
			}
		}
		h.mu.Unlock()

		c.closeSend()
		c.cancel()
		if h.limiter != nil {
			h.limiter.Forget(c.ID)
		}
		h.metrics.connections.Add(context.Background(), -1)
		c.log.Info("Client disconnected")

		if identified && remaining == 0 {
			h.MarkOffline(context.Background(), id.UserID)
		}
	})
}

// MarkOffline marks participantID offline in every session they were admitted
// to and releases every specialist load slot they hold. Releasing happens at
// most once per slot no matter how often this is called.
func (h *Hub) MarkOffline(ctx context.Context, participantID string) {
	h.mu.Lock()
	var sessions []string
	for sid := range h.memberships[participantID] {
		sessions = append(sessions, sid)
	}
	leased := h.leases[participantID]
	delete(h.leases, participantID)
	h.mu.Unlock()

	for sid := range leased {
		h.releaseSlot(ctx, participantID, sid)
	}
	if _, err := h.registry.Get(ctx, participantID); err == nil {
		if _, err := h.registry.SetOnline(ctx, participantID, false); err != nil {
			h.log.LogError(err, "Failed to mark specialist offline", "specialist_id", participantID)
		}
	}

	for _, sid := range sessions {
		lock := h.sessionLock(sid)
		lock.Lock()
		s, err := h.store.SetParticipantOnline(ctx, sid, participantID, false)
		if err == nil {
			notice := SystemNotice{
				Kind:          SystemLeave,
				SessionID:     sid,
				Message:       "A participant left the conversation",
				ParticipantID: participantID,
				Status:        s.Status,
			}
			h.broadcastSession(sid, newOutbound(notice, h.now()), nil)
		} else if !errors.Is(err, session.ErrNotFound) {
			h.log.LogError(err, "Failed to mark participant offline", "session_id", sid, "participant_id", participantID)
		}
		lock.Unlock()
	}
}

func (h *Hub) sessionLock(id string) *sync.Mutex {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()
	l, ok := h.locks[id]
	if !ok {
		l = &sync.Mutex{}
		h.locks[id] = l
	}
	return l
}

// Dispatch decodes and applies one inbound frame. Errors are reported to the
// sending client only.
func (h *Hub) Dispatch(ctx context.Context, c *Client, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Panic recovered in dispatch", "error", r, "stack", string(debug.Stack()))
			c.sendError(apperrors.Internal(CodeInternal, "The server encountered an unexpected error"))
		}
	}()

	c.touch(h.now())

	if h.limiter != nil && !h.limiter.Allow(c.ID) {
		c.sendError(apperrors.Validation(CodeRateLimited, "Too many events, slow down"))
		return
	}

	ev, err := DecodeInbound(data)
	if err != nil {
		c.sendError(err)
		return
	}

	ctx, span := h.tracer.Start(ctx, "ws.dispatch", trace.WithAttributes(
		attribute.String("crisis.event", fmt.Sprintf("%T", ev)),
		attribute.String("crisis.session_id", ev.Session()),
	))
	defer span.End()

	if err := h.handle(ctx, c, ev); err != nil {
		appErr := toAppError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, appErr.Code)
		if appErr.Kind == apperrors.KindInternal {
			c.log.LogError(err, "Event handling failed", "session_id", ev.Session())
		}
		c.sendError(appErr)
	}
}

func (h *Hub) handle(ctx context.Context, c *Client, ev Inbound) error {
	switch e := ev.(type) {
	case Handshake:
		return h.handleHandshake(ctx, c, e)
	case SendMessage:
		return h.handleMessage(ctx, c, e)
	case Typing:
		return h.handleTyping(ctx, c, e)
	case JoinSession:
		return h.handleJoin(ctx, c, e)
	case CrisisEscalation:
		return h.handleEscalation(ctx, c, e)
	case Heartbeat:
		c.send(newOutbound(HeartbeatAck{ServerTime: h.now().UTC()}, h.now()))
		return nil
	case CloseSession:
		return h.handleClose(ctx, c, e)
	default:
		return apperrors.Validation(CodeUnknownEvent, fmt.Sprintf("unhandled event %T", ev))
	}
}

func toAppError(err error) *apperrors.AppError {
	if appErr, ok := apperrors.As(err); ok {
		return appErr
	}
	switch {
	case errors.Is(err, session.ErrNotFound):
		return apperrors.NotFound(CodeNotFound, "Session not found").Wrap(err)
	case errors.Is(err, session.ErrClosed):
		return apperrors.Validation(CodeSessionClosed, "Session is closed").Wrap(err)
	case errors.Is(err, session.ErrInvalid), errors.Is(err, specialist.ErrInvalid):
		return apperrors.Validation(CodeInvalidEvent, err.Error()).Wrap(err)
	case errors.Is(err, specialist.ErrAtCapacity):
		return apperrors.Capacity(CodeAtCapacity, "Specialist cannot take another chat").Wrap(err)
	case errors.Is(err, specialist.ErrNotFound):
		return apperrors.NotFound(CodeUnknownSpecial, "Specialist is not registered").Wrap(err)
	case errors.Is(err, crypto.ErrCiphertext), errors.Is(err, crypto.ErrInvalidKey):
		return apperrors.Encryption(CodeDecryption, "Message could not be decrypted").Wrap(err)
	}
	return apperrors.FromError(err)
}

// bindIdentity ties the connection to a participant. A connection cannot
// switch participants once bound.
func (h *Hub) bindIdentity(c *Client, id Identity) (Identity, error) {
	c.mu.Lock()
	if c.identity != nil {
		bound := *c.identity
		c.mu.Unlock()
		if id.UserID != "" && id.UserID != bound.UserID {
			return bound, apperrors.Validation(CodeInvalidEvent, "connection is already identified as another participant")
		}
		return bound, nil
	}
	if id.UserID == "" {
		id.UserID = c.ID
	}
	if id.UserName == "" {
		id.UserName = defaultName(id.UserType)
	}
	c.identity = &id
	c.mu.Unlock()

	h.mu.Lock()
	if h.byParticipant[id.UserID] == nil {
		h.byParticipant[id.UserID] = make(map[*Client]struct{})
	}
	h.byParticipant[id.UserID][c] = struct{}{}
	h.mu.Unlock()
	return id, nil
}

func defaultName(t models.ParticipantType) string {
	switch t {
	case models.ParticipantSpecialist:
		return "Specialist"
	case models.ParticipantSystem:
		return "System"
	}
	return "Anonymous"
}

func requireIdentity(c *Client) (Identity, error) {
	id, ok := c.Identity()
	if !ok {
		return Identity{}, apperrors.Validation(CodeNoHandshake, "Send a handshake or join_session first")
	}
	return id, nil
}

func (h *Hub) subscribe(c *Client, sessionID, participantID string) {
	c.mu.Lock()
	c.sessions[sessionID] = struct{}{}
	c.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bySession[sessionID] == nil {
		h.bySession[sessionID] = make(map[*Client]struct{})
	}
	h.bySession[sessionID][c] = struct{}{}
	if h.memberships[participantID] == nil {
		h.memberships[participantID] = make(map[string]struct{})
	}
	h.memberships[participantID][sessionID] = struct{}{}
}

// admit adds the participant to the session and subscribes the connection.
// Specialists go through the assignment path so their load is counted once.
// The caller holds the session lock.
func (h *Hub) admit(ctx context.Context, c *Client, sessionID string, id Identity) (*models.ChatSession, bool, error) {
	var (
		s     *models.ChatSession
		added bool
		err   error
	)
	if id.UserType == models.ParticipantSpecialist {
		sp, gerr := h.registry.Get(ctx, id.UserID)
		if gerr != nil {
			return nil, false, gerr
		}
		p := sp.AsParticipant()
		p.IsOnline = true
		if id.UserName != "" && id.UserName != defaultName(id.UserType) {
			p.Name = id.UserName
		}
		if s, added, err = h.attachSpecialist(ctx, sessionID, p, false); err != nil {
			return nil, false, err
		}
		// Online only once the specialist actually holds the session
		if _, err = h.registry.SetOnline(ctx, id.UserID, true); err != nil {
			return nil, false, err
		}
	} else {
		s, added, err = h.store.AddParticipant(ctx, sessionID, models.Participant{
			ID:       id.UserID,
			Name:     id.UserName,
			Type:     id.UserType,
			IsOnline: true,
		})
	}
	if err != nil {
		return nil, false, err
	}
	h.subscribe(c, sessionID, id.UserID)
	return s, added, nil
}

func (h *Hub) holdsLease(specialistID, sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.leases[specialistID][sessionID]
	return ok
}

// leaseHolder returns a specialist holding a load slot for sessionID
func (h *Hub) leaseHolder(sessionID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for spID, sessions := range h.leases {
		if _, ok := sessions[sessionID]; ok {
			return spID, true
		}
	}
	return "", false
}

// attachSpecialist is the single assignment path. A load slot is reserved
// in the registry first (unless the caller already reserved one) and the
// specialist is then added to the session. If the session update fails, or
// the specialist already holds a slot for this session, the new reservation
// is released, so session and registry never disagree. The caller holds the
// session lock.
func (h *Hub) attachSpecialist(ctx context.Context, sessionID string, p models.Participant, reserved bool) (*models.ChatSession, bool, error) {
	if h.holdsLease(p.ID, sessionID) {
		if reserved {
			h.decrementLoad(ctx, p.ID)
		}
		s, _, err := h.store.AddParticipant(ctx, sessionID, p)
		return s, false, err
	}

	if !reserved {
		if _, err := h.registry.IncrementLoad(ctx, p.ID); err != nil {
			return nil, false, err
		}
	}

	s, added, err := h.store.AssignSpecialist(ctx, sessionID, p)
	if err != nil {
		h.decrementLoad(ctx, p.ID)
		return nil, false, err
	}

	h.mu.Lock()
	if h.leases[p.ID] == nil {
		h.leases[p.ID] = make(map[string]struct{})
	}
	h.leases[p.ID][sessionID] = struct{}{}
	h.mu.Unlock()

	h.publish(ctx, events.Event{
		Type:         events.SpecialistAssigned,
		SessionID:    sessionID,
		SpecialistID: p.ID,
		CrisisLevel:  s.CrisisLevel,
		Status:       string(s.Status),
	})
	return s, added, nil
}

func (h *Hub) decrementLoad(ctx context.Context, specialistID string) {
	if _, err := h.registry.DecrementLoad(ctx, specialistID); err != nil {
		h.log.LogError(err, "Failed to release specialist load", "specialist_id", specialistID)
	}
}

func (h *Hub) releaseSlot(ctx context.Context, specialistID, sessionID string) {
	h.decrementLoad(ctx, specialistID)
	h.publish(ctx, events.Event{
		Type:         events.SpecialistReleased,
		SessionID:    sessionID,
		SpecialistID: specialistID,
	})
}

// releaseSession drops every lease held for sessionID
func (h *Hub) releaseSession(ctx context.Context, sessionID string) []string {
	h.mu.Lock()
	var released []string
	for spID, sessions := range h.leases {
		if _, ok := sessions[sessionID]; ok {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(h.leases, spID)
			}
			released = append(released, spID)
		}
	}
	h.mu.Unlock()

	for _, spID := range released {
		h.releaseSlot(ctx, spID, sessionID)
	}
	return released
}

func (h *Hub) handleHandshake(ctx context.Context, c *Client, e Handshake) error {
	id, err := h.bindIdentity(c, e.Identity)
	if err != nil {
		return err
	}

	lock := h.sessionLock(e.SessionID)
	lock.Lock()
	defer lock.Unlock()

	s, created, err := h.store.GetOrCreate(ctx, e.SessionID, e.Language)
	if err != nil {
		return err
	}
	if created {
		h.publish(ctx, events.Event{Type: events.SessionCreated, SessionID: s.ID, CrisisLevel: s.CrisisLevel, Status: string(s.Status)})
	}

	s, added, err := h.admit(ctx, c, s.ID, id)
	if err != nil {
		return err
	}

	ack := HandshakeAck{
		SessionID:     s.ID,
		ParticipantID: id.UserID,
		Created:       created,
		Session:       s.Summary(),
	}
	if h.keys != nil {
		key, err := h.sessionKey(ctx, s.ID)
		if err != nil {
			return err
		}
		ack.EncryptionKey = crypto.EncodeKey(key)
	}
	c.send(newOutbound(ack, h.now()))

	if added {
		h.broadcastJoin(s, id, c)
	}
	return nil
}

// sessionKey returns the plaintext data key of the session, creating and
// wrapping one on first use
func (h *Hub) sessionKey(ctx context.Context, sessionID string) ([]byte, error) {
	wrapped, err := h.store.EnsureKey(ctx, sessionID, func() (string, error) {
		_, w, err := h.keys.NewSessionKey(sessionID)
		return w, err
	})
	if err != nil {
		return nil, err
	}
	return h.keys.Unwrap(sessionID, wrapped)
}

func (h *Hub) broadcastJoin(s *models.ChatSession, id Identity, except *Client) {
	p, _ := s.Participant(id.UserID)
	notice := SystemNotice{
		Kind:          SystemJoin,
		SessionID:     s.ID,
		Message:       p.Name + " joined the conversation",
		ParticipantID: id.UserID,
		Participant:   &p,
		Status:        s.Status,
	}
	h.broadcastSession(s.ID, newOutbound(notice, h.now()), except)
}

// handleMessage records and classifies a message. A message for an unknown
// session creates it, and an unidentified sender becomes an anonymous user.
func (h *Hub) handleMessage(ctx context.Context, c *Client, e SendMessage) error {
	id, err := h.bindIdentity(c, Identity{UserType: models.ParticipantUser})
	if err != nil {
		return err
	}

	lock := h.sessionLock(e.SessionID)
	lock.Lock()
	defer lock.Unlock()

	s, created, err := h.store.GetOrCreate(ctx, e.SessionID, "")
	if err != nil {
		return err
	}
	if created {
		h.publish(ctx, events.Event{Type: events.SessionCreated, SessionID: s.ID, CrisisLevel: s.CrisisLevel, Status: string(s.Status)})
	}
	if !c.inSession(s.ID) {
		var added bool
		if s, added, err = h.admit(ctx, c, s.ID, id); err != nil {
			return err
		}
		if added {
			h.broadcastJoin(s, id, c)
		}
	}

	plaintext := e.Content
	if e.IsEncrypted {
		if h.keys == nil || s.WrappedKey == "" {
			return apperrors.Encryption(CodeDecryption, "Encrypted messages are not enabled for this session")
		}
		cipher, err := h.keys.SessionCipher(s.ID, s.WrappedKey)
		if err != nil {
			return err
		}
		pt, err := cipher.Decrypt(e.Content)
		if err != nil {
			return err
		}
		plaintext = string(pt)
	}

	level, phrase := h.classifier.ClassifyWithMatch(plaintext)
	if e.MessageType == models.MessageEmergency {
		level = models.MaxLevel(level, models.CrisisHigh)
	}

	sender, ok := s.Participant(id.UserID)
	if !ok {
		sender = models.Participant{ID: id.UserID, Name: id.UserName, Type: id.UserType, IsOnline: true}
	}
	msg := models.ChatMessage{
		ID:          uuid.NewString(),
		ChatID:      s.ID,
		SenderID:    id.UserID,
		Sender:      sender,
		Content:     e.Content,
		Timestamp:   h.now().UTC(),
		Status:      models.MessageSent,
		MessageType: e.MessageType,
		CrisisLevel: level,
		IsEncrypted: e.IsEncrypted,
	}
	// The matched phrase would leak plaintext of an encrypted message
	if phrase != "" && !e.IsEncrypted {
		msg.Metadata = map[string]string{"crisisPhrase": phrase}
	}

	s, err = h.store.AppendMessage(ctx, s.ID, msg)
	if err != nil {
		return err
	}
	h.metrics.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("crisis_level", string(level))))

	h.broadcastSession(s.ID, newOutbound(MessagePayload{ChatMessage: msg}, h.now()), nil)

	if level.IsEscalation() {
		return h.escalateLocked(ctx, s.ID, level, "content")
	}
	return nil
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, e Typing) error {
	id, err := requireIdentity(c)
	if err != nil {
		return err
	}

	lock := h.sessionLock(e.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if !c.inSession(e.SessionID) {
		if _, err := h.store.Get(ctx, e.SessionID); err != nil {
			return err
		}
		return apperrors.Validation(CodeNotJoined, "Join the session before sending typing updates")
	}
	s, err := h.store.SetTyping(ctx, e.SessionID, id.UserID, e.IsTyping)
	if err != nil {
		return err
	}
	out := TypingPayload{
		SessionID:     s.ID,
		ParticipantID: id.UserID,
		IsTyping:      e.IsTyping,
		Typing:        append([]string{}, s.Typing...),
	}
	h.broadcastSession(s.ID, newOutbound(out, h.now()), c)
	return nil
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, e JoinSession) error {
	lock := h.sessionLock(e.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := h.store.Get(ctx, e.SessionID); err != nil {
		return err
	}
	id, err := h.bindIdentity(c, e.Identity)
	if err != nil {
		return err
	}

	s, added, err := h.admit(ctx, c, e.SessionID, id)
	if err != nil {
		return err
	}

	c.send(newOutbound(SessionHistory{Session: s.Summary(), Messages: s.Messages}, h.now()))
	if added {
		h.broadcastJoin(s, id, c)
	}
	return nil
}

func (h *Hub) handleEscalation(ctx context.Context, c *Client, e CrisisEscalation) error {
	if _, err := requireIdentity(c); err != nil {
		return err
	}

	lock := h.sessionLock(e.SessionID)
	lock.Lock()
	defer lock.Unlock()

	return h.escalateLocked(ctx, e.SessionID, e.CrisisLevel, e.Reason)
}

// escalateLocked is shared by explicit and content-triggered escalations.
// Repeating it for the same session raises the level at most and never
// assigns a second specialist while one holds the session. The caller holds
// the session lock.
func (h *Hub) escalateLocked(ctx context.Context, sessionID string, level models.CrisisLevel, reason string) error {
	s, err := h.store.Escalate(ctx, sessionID, level, reason)
	if err != nil {
		return err
	}
	h.metrics.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("crisis_level", string(level))))

	closed := s.Status == models.StatusClosed
	var assigned *models.Specialist
	if !closed {
		assigned, s = h.assign(ctx, s)
	}
	if assigned == nil && !closed {
		h.metrics.unassigned.Add(ctx, 1)
		h.publish(ctx, events.Event{Type: events.EscalationUnassigned, SessionID: s.ID, CrisisLevel: s.CrisisLevel, Reason: reason})
	}

	notice := EscalationNotice{
		Kind:        SystemEscalation,
		SessionID:   s.ID,
		Message:     fmt.Sprintf("Session escalated to %s", s.CrisisLevel),
		CrisisLevel: s.CrisisLevel,
		Priority:    s.Priority,
		Status:      s.Status,
		Reason:      reason,
		Assigned:    assigned,
		Unassigned:  assigned == nil && !closed,
	}
	h.broadcastEscalation(s.ID, newOutbound(notice, h.now()))
	h.publish(ctx, events.Event{Type: events.SessionEscalated, SessionID: s.ID, CrisisLevel: s.CrisisLevel, Status: string(s.Status), Reason: reason})

	// An ended conversation has nobody left to alert for
	if level == models.CrisisCritical && !closed {
		alert := notify.Alert{
			SessionID:   s.ID,
			CrisisLevel: s.CrisisLevel,
			Priority:    s.Priority,
			Reason:      reason,
			Unassigned:  assigned == nil,
			Language:    s.Language,
			Timestamp:   h.now().UTC(),
		}
		if assigned != nil {
			alert.AssignedSpecialistID = assigned.ID
		}
		h.broadcastSupervisors(newOutbound(NotificationRequired{Alert: alert}, h.now()))
		h.notifyAsync(alert)
	}
	return nil
}

// assign returns the specialist holding the session, matching and attaching
// one when nobody does. A nil specialist means nobody is free.
func (h *Hub) assign(ctx context.Context, s *models.ChatSession) (*models.Specialist, *models.ChatSession) {
	if holder, ok := h.leaseHolder(s.ID); ok {
		if sp, err := h.registry.Get(ctx, holder); err == nil {
			return &sp, s
		}
	}

	sp, found, err := h.matcher.Reserve(ctx, s.CrisisLevel)
	if err != nil {
		h.log.LogError(err, "Specialist matching failed", "session_id", s.ID)
		return nil, s
	}
	if !found {
		return nil, s
	}

	updated, _, err := h.attachSpecialist(ctx, s.ID, sp.AsParticipant(), true)
	if err != nil {
		h.log.LogError(err, "Specialist assignment failed", "session_id", s.ID, "specialist_id", sp.ID)
		return nil, s
	}
	return &sp, updated
}

func (h *Hub) notifyAsync(alert notify.Alert) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.notifier.NotifyEmergency(ctx, alert); err != nil {
			h.log.LogError(err, "Emergency notification failed", "session_id", alert.SessionID)
		}
	}()
}

func (h *Hub) handleClose(ctx context.Context, c *Client, e CloseSession) error {
	if _, err := requireIdentity(c); err != nil {
		return err
	}

	lock := h.sessionLock(e.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if !c.inSession(e.SessionID) && !c.isSupervisor() {
		if _, err := h.store.Get(ctx, e.SessionID); err != nil {
			return err
		}
		return apperrors.Validation(CodeNotJoined, "Only session participants can close it")
	}

	s, err := h.store.Close(ctx, e.SessionID)
	if err != nil {
		return err
	}
	h.releaseSession(ctx, s.ID)

	notice := SystemNotice{
		Kind:      SystemClosed,
		SessionID: s.ID,
		Message:   "The conversation has been closed",
		Status:    s.Status,
	}
	h.broadcastSession(s.ID, newOutbound(notice, h.now()), nil)
	h.publish(ctx, events.Event{Type: events.SessionClosed, SessionID: s.ID, CrisisLevel: s.CrisisLevel, Status: string(s.Status), Reason: e.Reason})
	return nil
}

func (h *Hub) publish(ctx context.Context, e events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.now().UTC()
	}
	if err := h.events.Publish(ctx, e); err != nil {
		h.log.LogError(err, "Failed to publish domain event", "type", string(e.Type), "session_id", e.SessionID)
	}
}

func (h *Hub) sessionClients(sessionID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.bySession[sessionID]))
	for c := range h.bySession[sessionID] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) matchingClients(keep func(*Client) bool) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// broadcastSession sends out to every connection in the session except one
func (h *Hub) broadcastSession(sessionID string, out Outbound, except *Client) {
	targets := h.sessionClients(sessionID)
	if except != nil {
		for i, c := range targets {
			if c == except {
				targets = append(targets[:i], targets[i+1:]...)
				break
			}
		}
	}
	h.deliver(targets, out)
}

// broadcastEscalation applies the configured escalation scope
func (h *Hub) broadcastEscalation(sessionID string, out Outbound) {
	switch h.cfg.EscalationBroadcast {
	case config.BroadcastSession:
		h.broadcastSession(sessionID, out, nil)
	case config.BroadcastSupervisors:
		h.deliver(h.matchingClients(func(c *Client) bool {
			return c.isSupervisor() || c.inSession(sessionID)
		}), out)
	default:
		h.deliver(h.matchingClients(func(*Client) bool { return true }), out)
	}
}

func (h *Hub) broadcastSupervisors(out Outbound) {
	h.deliver(h.matchingClients((*Client).isSupervisor), out)
}

// deliver enqueues out on every target. A target that cannot keep up is
// dropped without affecting the others.
func (h *Hub) deliver(targets []*Client, out Outbound) {
	if len(targets) == 0 {
		return
	}
	b, err := json.Marshal(out)
	if err != nil {
		h.log.LogError(err, "Error marshaling broadcast", "type", string(out.Type))
		return
	}
	for _, c := range targets {
		if err := c.enqueue(b); err != nil {
			if errors.Is(err, errClientSlow) {
				c.log.Warn("Dropping slow client from broadcast", "type", string(out.Type))
				c.closeSend()
			}
		}
	}
}

// ClientCount returns the number of open connections
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
