package registry

import "github.com/pkg/errors"

var (
	// ErrConnectionLimit means the user or session is at its open-connection cap.
	ErrConnectionLimit = errors.New("registry: connection limit reached")

	// ErrNotRunning rejects registrations outside the Start/Stop window.
	ErrNotRunning = errors.New("registry: not running")

	// ErrAlreadyRunning rejects a second Start.
	ErrAlreadyRunning = errors.New("registry: already running")

	// ErrNotFound means no connection with that ID is registered.
	ErrNotFound = errors.New("registry: connection not found")
)
