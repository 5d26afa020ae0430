package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the message unit exchanged in both directions over a
// persistent connection. Data is opaque to the hub; its shape is
// determined by Event.
type Envelope struct {
	Type        MessageType     `json:"type"`
	Event       string          `json:"event,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	TargetType  string          `json:"targetType,omitempty"`
	TargetID    string          `json:"targetId,omitempty"`
	CommunityID string          `json:"communityId,omitempty"`
	ShardID     *int            `json:"shardId,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	MessageID   string          `json:"messageId"`
}

type MessageType string

const (
	TypeAuth         MessageType = "AUTH"
	TypeSubscribe    MessageType = "SUBSCRIBE"
	TypeUnsubscribe  MessageType = "UNSUBSCRIBE"
	TypePing         MessageType = "PING"
	TypePong         MessageType = "PONG"
	TypeBotEvent     MessageType = "BOT_EVENT"
	TypeClientAction MessageType = "CLIENT_ACTION"
	TypeSystem       MessageType = "SYSTEM"
	TypeError        MessageType = "ERROR"
	// Category-tagged outbound event envelopes produced by the event router.
	TypePlatformEvent MessageType = "PLATFORM_EVENT"
	TypeModeration    MessageType = "MODERATION_EVENT"
	TypeAuthenticated MessageType = "AUTHENTICATED"
	TypeAuthFailed    MessageType = "AUTH_FAILED"
	TypeCacheHint     MessageType = "CACHE_HINT"
	TypeUserNotice    MessageType = "USER_NOTICE"
)

// System event names.
const (
	EventConnected = "CONNECTED"
	EventShutdown  = "SHUTDOWN"
	EventHeartbeat = "HEARTBEAT"
)

// Error codes carried in ERROR envelopes. Stable; clients branch on them.
const (
	ErrUnknownMessageType   = "UNKNOWN_MESSAGE_TYPE"
	ErrMalformedMessage     = "MALFORMED_MESSAGE"
	ErrNotAuthenticated     = "NOT_AUTHENTICATED"
	ErrForbidden            = "FORBIDDEN"
	ErrAlreadyAuthenticated = "ALREADY_AUTHENTICATED"
	ErrAuthRejected         = "AUTH_REJECTED"
	ErrAuthTimeout          = "AUTH_TIMEOUT"
)

// CloseCode is a websocket close status. Codes are stable so clients can
// distinguish "too slow to authenticate" from "bad token" from "evicted".
type CloseCode int

const (
	CloseNormalShutdown  CloseCode = 1001
	CloseAuthTimeout     CloseCode = 4001
	CloseAuthRejected    CloseCode = 4002
	CloseLivenessTimeout CloseCode = 4003
	CloseSendFailure     CloseCode = 4004
)

func (c CloseCode) String() string {
	switch c {
	case CloseNormalShutdown:
		return "normal-shutdown"
	case CloseAuthTimeout:
		return "auth-timeout"
	case CloseAuthRejected:
		return "auth-rejected"
	case CloseLivenessTimeout:
		return "liveness-timeout"
	case CloseSendFailure:
		return "send-failure"
	default:
		return fmt.Sprintf("close-%d", int(c))
	}
}

// NewEnvelope stamps a fresh envelope with creation time and a unique
// message id. The id is for traceability only; the hub performs no
// deduplication.
func NewEnvelope(typ MessageType, event string, data any) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal envelope data: %w", err)
		}
		raw = b
	}
	return &Envelope{
		Type:      typ,
		Event:     event,
		Data:      raw,
		Timestamp: time.Now().UTC(),
		MessageID: uuid.NewString(),
	}, nil
}

// MustEnvelope is NewEnvelope for data values that cannot fail to marshal
// (maps and structs of plain types built by the hub itself).
func MustEnvelope(typ MessageType, event string, data any) *Envelope {
	env, err := NewEnvelope(typ, event, data)
	if err != nil {
		panic(err)
	}
	return env
}

// Parse decodes an inbound envelope.
func Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// Encode serializes an envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return b, nil
}

// ErrorData is the payload shape of ERROR envelopes.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// NewError builds an ERROR envelope for the given stable code.
func NewError(code, message string) *Envelope {
	return MustEnvelope(TypeError, code, ErrorData{Code: code, Message: message})
}
