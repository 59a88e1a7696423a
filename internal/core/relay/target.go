package relay

import (
	"strings"

	"github.com/pkg/errors"
)

// Target kinds a relayed frame can address.
const (
	KindUser      = "user"
	KindSession   = "session"
	KindChannel   = "channel"
	KindBroadcast = "broadcast"
)

var ErrBadTarget = errors.New("relay: unrecognized target")

func UserTarget(userID string) string       { return KindUser + ":" + userID }
func SessionTarget(sessionID string) string { return KindSession + ":" + sessionID }
func ChannelTarget(channel string) string   { return KindChannel + ":" + channel }
func BroadcastTarget() string               { return KindBroadcast }

// ParseTarget splits a wire target into its kind and value. Broadcast
// carries no value.
func ParseTarget(target string) (kind, value string, err error) {
	if target == KindBroadcast {
		return KindBroadcast, "", nil
	}
	kind, value, found := strings.Cut(target, ":")
	if !found || value == "" {
		return "", "", errors.Wrap(ErrBadTarget, target)
	}
	switch kind {
	case KindUser, KindSession, KindChannel:
		return kind, value, nil
	default:
		return "", "", errors.Wrap(ErrBadTarget, target)
	}
}
