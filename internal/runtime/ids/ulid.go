package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	commandPrefix = "cmd_"
	eventPrefix   = "evt_"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a time-sortable ULID encoded as a 26-character string.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewCommandID identifies a command submitted through the bridge.
func NewCommandID() string {
	return commandPrefix + New()
}

// NewEventID identifies an event emitted by the service core.
func NewEventID() string {
	return eventPrefix + New()
}

// Time extracts the creation time from a bare or prefixed identifier.
func Time(id string) (time.Time, bool) {
	id = strings.TrimPrefix(strings.TrimPrefix(id, commandPrefix), eventPrefix)
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
