package event

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

var (
	ErrEmptyFrame  = errors.New("event: empty frame")
	ErrMissingType = errors.New("event: frame has no type")
)

// InboundFrame is the superset of fields a client frame may carry; the type
// tag decides which ones are meaningful.
type InboundFrame struct {
	Type                string         `json:"type"`
	ID                  string         `json:"id,omitempty"`
	Timestamp           string         `json:"timestamp,omitempty"`
	Priority            Priority       `json:"priority,omitempty"`
	Payload             map[string]any `json:"payload,omitempty"`
	Token               string         `json:"token,omitempty"`
	UserID              string         `json:"user_id,omitempty"`
	SessionID           string         `json:"session_id,omitempty"`
	Channels            []string       `json:"channels,omitempty"`
	UnsubscribeChannels []string       `json:"unsubscribe_channels,omitempty"`
	Content             string         `json:"content,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// ParseInbound decodes one client frame. Malformed JSON and typeless frames
// are errors; unknown type values are not (the dispatcher answers those with
// an error event instead of closing).
func ParseInbound(data []byte) (*InboundFrame, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyFrame
	}
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errors.Wrap(err, "event: malformed frame")
	}
	if frame.Type == "" {
		return nil, ErrMissingType
	}
	return &frame, nil
}

// IsAuth reports whether the frame is an authentication request; both legacy
// and current spellings are accepted.
func (f *InboundFrame) IsAuth() bool {
	return f.Type == TypeAuth || f.Type == TypeAuthentication
}

// IsHeartbeat reports whether the frame refreshes liveness.
func (f *InboundFrame) IsHeartbeat() bool {
	return f.Type == TypeHeartbeat || f.Type == TypePing
}

// ValidContent rejects chat content carrying NUL or non-whitespace control
// characters.
func ValidContent(content string) bool {
	for _, r := range content {
		if r == 0 {
			return false
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return false
		}
	}
	return true
}
