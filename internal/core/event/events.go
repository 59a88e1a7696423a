package event

import "time"

// Inbound frame types.
const (
	TypeAuth           = "auth"
	TypeAuthentication = "authentication"
	TypeHeartbeat      = "heartbeat"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeSubscribe      = "subscribe"
	TypeChatMessage    = "chat_message"
)

// Outbound event types produced by the core.
const (
	TypeConnectionEstablished = "connection_established"
	TypeSubscriptionUpdated   = "subscription_updated"
	TypeChatResponse          = "chat_response"
	TypeRateLimitExceeded     = "rate_limit_exceeded"
	TypeError                 = "error"
)

// Wire error codes carried by error events.
const (
	ErrorCodeUnknownType          = "unknown_message_type"
	ErrorCodeInvalidJSON          = "invalid_json"
	ErrorCodeInvalidContent       = "invalid_content"
	ErrorCodeAlreadyAuthenticated = "already_authenticated"
)

// NewError builds the error event sent for recoverable protocol violations;
// the connection stays open.
func NewError(code, message string) *Envelope {
	return New(TypeError, map[string]any{
		"error_code": code,
		"message":    message,
	}, WithPriority(PriorityHigh))
}

// NewRateLimitWarning replaces a rate-denied delivery. It reports why and
// when the recipient may retry.
func NewRateLimitWarning(reason string, remaining int, retryAfter time.Duration) *Envelope {
	return New(TypeRateLimitExceeded, map[string]any{
		"reason":              reason,
		"remaining":           remaining,
		"retry_after_seconds": int(retryAfter / time.Second),
	}, WithPriority(PriorityHigh))
}

// NewPong answers an inbound heartbeat or ping frame.
func NewPong() *Envelope {
	return New(TypePong, map[string]any{
		"server_time": time.Now().UTC().Format(time.RFC3339),
	}, WithPriority(PriorityHigh))
}

// NewHeartbeat is the server-initiated ping; clients answer with pong.
func NewHeartbeat() *Envelope {
	return New(TypeHeartbeat, map[string]any{
		"server_time": time.Now().UTC().Format(time.RFC3339),
	}, WithPriority(PriorityHigh))
}

// NewConnectionEstablished acknowledges a completed handshake.
func NewConnectionEstablished(connectionID, userID string, channels []string, heartbeatInterval time.Duration) *Envelope {
	if channels == nil {
		channels = []string{}
	}
	return New(TypeConnectionEstablished, map[string]any{
		"connection_id":              connectionID,
		"user_id":                    userID,
		"available_channels":         channels,
		"heartbeat_interval_seconds": int(heartbeatInterval / time.Second),
		"server_time":                time.Now().UTC().Format(time.RFC3339),
	}, WithPriority(PriorityHigh), WithUser(userID), WithConnection(connectionID))
}

// NewSubscriptionUpdated acknowledges a subscribe frame with the resulting
// channel set.
func NewSubscriptionUpdated(subscribed, unsubscribed, current []string) *Envelope {
	if subscribed == nil {
		subscribed = []string{}
	}
	if unsubscribed == nil {
		unsubscribed = []string{}
	}
	if current == nil {
		current = []string{}
	}
	return New(TypeSubscriptionUpdated, map[string]any{
		"subscribed":   subscribed,
		"unsubscribed": unsubscribed,
		"channels":     current,
	})
}
