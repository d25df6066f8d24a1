package ws

import (
	"encoding/json"
	"strings"
	"time"

	"crisis-intervention/backend/internal/models"
	"crisis-intervention/backend/internal/notify"
	apperrors "crisis-intervention/backend/pkg/errors"
)

// Inbound event kinds
const (
	TypeHandshake        = "handshake"
	TypeMessage          = "message"
	TypeTyping           = "typing"
	TypeJoinSession      = "join_session"
	TypeCrisisEscalation = "crisis_escalation"
	TypeHeartbeat        = "heartbeat"
	TypeCloseSession     = "close_session"
)

// OutboundType names an event sent to clients
type OutboundType string

const (
	OutHandshakeAck         OutboundType = "handshake_ack"
	OutMessage              OutboundType = "message"
	OutTyping               OutboundType = "typing"
	OutSessionHistory       OutboundType = "session_history"
	OutSystem               OutboundType = "system"
	OutError                OutboundType = "error"
	OutHeartbeatAck         OutboundType = "heartbeat_ack"
	OutNotificationRequired OutboundType = "notification_required"
)

// Error codes sent in error events
const (
	CodeInvalidEvent   = "INVALID_EVENT"
	CodeUnknownEvent   = "UNKNOWN_EVENT"
	CodeNotFound       = "SESSION_NOT_FOUND"
	CodeNotJoined      = "NOT_IN_SESSION"
	CodeSessionClosed  = "SESSION_CLOSED"
	CodeAtCapacity     = "SPECIALIST_AT_CAPACITY"
	CodeDecryption     = "DECRYPTION_FAILED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInternal       = "INTERNAL_ERROR"
	CodeNoHandshake    = "HANDSHAKE_REQUIRED"
	CodeUnknownSpecial = "SPECIALIST_NOT_FOUND"
)

// frame is the JSON shape of every inbound event
type frame struct {
	Type        string                 `json:"type"`
	SessionID   string                 `json:"sessionId"`
	Content     string                 `json:"content"`
	MessageType models.MessageType     `json:"messageType"`
	CrisisLevel models.CrisisLevel     `json:"crisisLevel"`
	Reason      string                 `json:"reason"`
	IsTyping    *bool                  `json:"isTyping"`
	UserType    models.ParticipantType `json:"userType"`
	UserName    string                 `json:"userName"`
	UserID      string                 `json:"userId"`
	IsEncrypted bool                   `json:"isEncrypted"`
	Language    string                 `json:"language"`
}

// Inbound is one decoded client event. The set of implementations is closed.
type Inbound interface {
	Session() string
	inbound()
}

// Identity is the participant a connection speaks for
type Identity struct {
	UserID   string
	UserName string
	UserType models.ParticipantType
}

type Handshake struct {
	SessionID string
	Identity
	Language string
}

type SendMessage struct {
	SessionID   string
	Content     string
	MessageType models.MessageType
	IsEncrypted bool
}

type Typing struct {
	SessionID string
	IsTyping  bool
}

type JoinSession struct {
	SessionID string
	Identity
}

type CrisisEscalation struct {
	SessionID   string
	CrisisLevel models.CrisisLevel
	Reason      string
}

type Heartbeat struct {
	SessionID string
}

type CloseSession struct {
	SessionID string
	Reason    string
}

func (e Handshake) Session() string        { return e.SessionID }
func (e SendMessage) Session() string      { return e.SessionID }
func (e Typing) Session() string           { return e.SessionID }
func (e JoinSession) Session() string      { return e.SessionID }
func (e CrisisEscalation) Session() string { return e.SessionID }
func (e Heartbeat) Session() string        { return e.SessionID }
func (e CloseSession) Session() string     { return e.SessionID }

func (Handshake) inbound()        {}
func (SendMessage) inbound()      {}
func (Typing) inbound()           {}
func (JoinSession) inbound()      {}
func (CrisisEscalation) inbound() {}
func (Heartbeat) inbound()        {}
func (CloseSession) inbound()     {}

func invalid(msg string) *apperrors.AppError {
	return apperrors.Validation(CodeInvalidEvent, msg)
}

func identityOf(f frame) (Identity, error) {
	id := Identity{UserID: strings.TrimSpace(f.UserID), UserName: strings.TrimSpace(f.UserName), UserType: f.UserType}
	if id.UserType == "" {
		id.UserType = models.ParticipantUser
	}
	if !id.UserType.Valid() {
		return id, invalid("unknown userType " + string(f.UserType))
	}
	return id, nil
}

// DecodeInbound parses and validates one client frame. Every failure is a
// validation AppError.
func DecodeInbound(data []byte) (Inbound, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, invalid("malformed event: " + err.Error())
	}
	f.SessionID = strings.TrimSpace(f.SessionID)
	if f.Type == "" {
		return nil, invalid("type is required")
	}
	if f.Type != TypeHeartbeat && f.SessionID == "" {
		return nil, invalid("sessionId is required")
	}

	switch f.Type {
	case TypeHandshake:
		id, err := identityOf(f)
		if err != nil {
			return nil, err
		}
		return Handshake{SessionID: f.SessionID, Identity: id, Language: f.Language}, nil

	case TypeMessage:
		if f.Content == "" {
			return nil, invalid("content is required")
		}
		mt := f.MessageType
		if mt == "" {
			mt = models.MessageText
		}
		if !mt.Valid() || mt == models.MessageSystem {
			return nil, invalid("unsupported messageType " + string(f.MessageType))
		}
		return SendMessage{SessionID: f.SessionID, Content: f.Content, MessageType: mt, IsEncrypted: f.IsEncrypted}, nil

	case TypeTyping:
		if f.IsTyping == nil {
			return nil, invalid("isTyping is required")
		}
		return Typing{SessionID: f.SessionID, IsTyping: *f.IsTyping}, nil

	case TypeJoinSession:
		id, err := identityOf(f)
		if err != nil {
			return nil, err
		}
		return JoinSession{SessionID: f.SessionID, Identity: id}, nil

	case TypeCrisisEscalation:
		level := f.CrisisLevel
		if level == "" {
			level = models.CrisisHigh
		}
		reason := f.Reason
		if reason == "" {
			reason = "explicit"
		}
		return CrisisEscalation{SessionID: f.SessionID, CrisisLevel: level, Reason: reason}, nil

	case TypeHeartbeat:
		return Heartbeat{SessionID: f.SessionID}, nil

	case TypeCloseSession:
		return CloseSession{SessionID: f.SessionID, Reason: f.Reason}, nil
	}

	return nil, apperrors.Validation(CodeUnknownEvent, "unknown event type "+f.Type)
}

// Payload is the body of an outbound event. The set of implementations is
// closed.
type Payload interface {
	outboundType() OutboundType
}

// Outbound is the JSON frame sent to clients
type Outbound struct {
	Type      OutboundType `json:"type"`
	Payload   Payload      `json:"payload,omitempty"`
	Error     *ErrorBody   `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ErrorBody is the error member of an error event
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HandshakeAck struct {
	SessionID     string                `json:"sessionId"`
	ParticipantID string                `json:"participantId"`
	Created       bool                  `json:"created"`
	Session       models.SessionSummary `json:"session"`
	// EncryptionKey is the base64 session data key. Empty when encryption
	// is disabled.
	EncryptionKey string `json:"encryptionKey,omitempty"`
}

type MessagePayload struct {
	models.ChatMessage
}

type TypingPayload struct {
	SessionID     string   `json:"sessionId"`
	ParticipantID string   `json:"participantId"`
	IsTyping      bool     `json:"isTyping"`
	Typing        []string `json:"typing"`
}

type SessionHistory struct {
	Session  models.SessionSummary `json:"session"`
	Messages []models.ChatMessage  `json:"messages"`
}

// SystemKind distinguishes system notices
type SystemKind string

const (
	SystemJoin       SystemKind = "join"
	SystemLeave      SystemKind = "leave"
	SystemEscalation SystemKind = "escalation"
	SystemClosed     SystemKind = "closed"
)

type SystemNotice struct {
	Kind          SystemKind           `json:"kind"`
	SessionID     string               `json:"sessionId"`
	Message       string               `json:"message"`
	ParticipantID string               `json:"participantId,omitempty"`
	Participant   *models.Participant  `json:"participant,omitempty"`
	Status        models.SessionStatus `json:"status,omitempty"`
}

// EscalationNotice is the system event sent for every escalation
type EscalationNotice struct {
	Kind        SystemKind           `json:"kind"`
	SessionID   string               `json:"sessionId"`
	Message     string               `json:"message"`
	CrisisLevel models.CrisisLevel   `json:"crisisLevel"`
	Priority    int                  `json:"priority"`
	Status      models.SessionStatus `json:"status"`
	Reason      string               `json:"reason,omitempty"`
	// Assigned is null when nobody could take the session
	Assigned   *models.Specialist `json:"assigned"`
	Unassigned bool               `json:"unassigned"`
}

type HeartbeatAck struct {
	ServerTime time.Time `json:"serverTime"`
}

type NotificationRequired struct {
	notify.Alert
}

func (HandshakeAck) outboundType() OutboundType         { return OutHandshakeAck }
func (MessagePayload) outboundType() OutboundType       { return OutMessage }
func (TypingPayload) outboundType() OutboundType        { return OutTyping }
func (SessionHistory) outboundType() OutboundType       { return OutSessionHistory }
func (SystemNotice) outboundType() OutboundType         { return OutSystem }
func (EscalationNotice) outboundType() OutboundType     { return OutSystem }
func (HeartbeatAck) outboundType() OutboundType         { return OutHeartbeatAck }
func (NotificationRequired) outboundType() OutboundType { return OutNotificationRequired }

func newOutbound(p Payload, now time.Time) Outbound {
	return Outbound{Type: p.outboundType(), Payload: p, Timestamp: now}
}

func newErrorOutbound(err error, now time.Time) Outbound {
	appErr := apperrors.FromError(err)
	return Outbound{
		Type:      OutError,
		Error:     &ErrorBody{Code: appErr.Code, Message: appErr.Message},
		Timestamp: now,
	}
}
