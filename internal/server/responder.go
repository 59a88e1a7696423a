package server

import "context"

// ChatResponder produces the reply to an inbound chat message. A nil
// responder disables replies; chat messages still fan out to the session.
type ChatResponder interface {
	Respond(ctx context.Context, userID, sessionID, content string) (string, error)
}

// EchoResponder answers every chat message with its own content. It is the
// stand-in for deployments without a conversational backend.
type EchoResponder struct{}

func (EchoResponder) Respond(_ context.Context, _, _, content string) (string, error) {
	return content, nil
}
