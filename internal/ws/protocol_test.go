package ws

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisis-intervention/backend/internal/models"
	apperrors "crisis-intervention/backend/pkg/errors"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Inbound
	}{
		{
			name: "handshake defaults to user",
			raw:  `{"type":"handshake","sessionId":" s1 ","userId":"u1","language":"es"}`,
			want: Handshake{SessionID: "s1", Identity: Identity{UserID: "u1", UserType: models.ParticipantUser}, Language: "es"},
		},
		{
			name: "message defaults to text",
			raw:  `{"type":"message","sessionId":"s1","content":"hello"}`,
			want: SendMessage{SessionID: "s1", Content: "hello", MessageType: models.MessageText},
		},
		{
			name: "encrypted emergency message",
			raw:  `{"type":"message","sessionId":"s1","content":"abc","messageType":"emergency","isEncrypted":true}`,
			want: SendMessage{SessionID: "s1", Content: "abc", MessageType: models.MessageEmergency, IsEncrypted: true},
		},
		{
			name: "typing off",
			raw:  `{"type":"typing","sessionId":"s1","isTyping":false}`,
			want: Typing{SessionID: "s1", IsTyping: false},
		},
		{
			name: "specialist join",
			raw:  `{"type":"join_session","sessionId":"s1","userId":"sp1","userName":"Dr. Lee","userType":"specialist"}`,
			want: JoinSession{SessionID: "s1", Identity: Identity{UserID: "sp1", UserName: "Dr. Lee", UserType: models.ParticipantSpecialist}},
		},
		{
			name: "escalation defaults",
			raw:  `{"type":"crisis_escalation","sessionId":"s1"}`,
			want: CrisisEscalation{SessionID: "s1", CrisisLevel: models.CrisisHigh, Reason: "explicit"},
		},
		{
			name: "heartbeat needs no session",
			raw:  `{"type":"heartbeat"}`,
			want: Heartbeat{},
		},
		{
			name: "close",
			raw:  `{"type":"close_session","sessionId":"s1","reason":"resolved"}`,
			want: CloseSession{SessionID: "s1", Reason: "resolved"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeInbound_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"malformed", `{"type":`, CodeInvalidEvent},
		{"missing type", `{"sessionId":"s1"}`, CodeInvalidEvent},
		{"missing session", `{"type":"message","content":"x"}`, CodeInvalidEvent},
		{"empty content", `{"type":"message","sessionId":"s1"}`, CodeInvalidEvent},
		{"system message from client", `{"type":"message","sessionId":"s1","content":"x","messageType":"system"}`, CodeInvalidEvent},
		{"typing without flag", `{"type":"typing","sessionId":"s1"}`, CodeInvalidEvent},
		{"bad user type", `{"type":"handshake","sessionId":"s1","userType":"admin"}`, CodeInvalidEvent},
		{"bad crisis level", `{"type":"crisis_escalation","sessionId":"s1","crisisLevel":"severe"}`, CodeInvalidEvent},
		{"unknown type", `{"type":"teleport","sessionId":"s1"}`, CodeUnknownEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tt.raw))
			require.Error(t, err)
			appErr, ok := apperrors.As(err)
			require.True(t, ok)
			assert.Equal(t, apperrors.KindValidation, appErr.Kind)
			assert.Equal(t, tt.code, appErr.Code)
		})
	}
}

func TestOutboundEncoding(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	b, err := json.Marshal(newOutbound(HeartbeatAck{ServerTime: now}, now))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat_ack","payload":{"serverTime":"2024-05-01T12:00:00Z"},"timestamp":"2024-05-01T12:00:00Z"}`, string(b))

	b, err = json.Marshal(newErrorOutbound(apperrors.NotFound(CodeNotFound, "Session not found"), now))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","error":{"code":"SESSION_NOT_FOUND","message":"Session not found"},"timestamp":"2024-05-01T12:00:00Z"}`, string(b))
}

func TestErrorOutboundHidesInternalDetails(t *testing.T) {
	out := newErrorOutbound(errors.New("pq: connection refused"), time.Now())

	require.NotNil(t, out.Error)
	assert.Equal(t, OutError, out.Type)
	assert.NotContains(t, out.Error.Message, "pq:")
}
