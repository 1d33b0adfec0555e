// Package ids mints identifiers for queued messages and change events.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
	now     = time.Now
)

// CreateULID returns a ULID string. Ids minted by one process sort in creation
// order, which keeps message and event ids usable as a tiebreaker in logs.
func CreateULID() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now()), entropy).String()
}

// Timestamp extracts the millisecond creation time encoded in id.
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
