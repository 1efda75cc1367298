// Package guid generates time-ordered identifiers for persisted tasks.
//
// The engine needs ids that cluster well in a database index and that can
// double as a stable tiebreaker for (CreatedAtUtc, Id) pagination cursors.
// A random UUIDv4 defeats both goals, so we use UUIDv7 (RFC 9562), which
// carries a millisecond timestamp in its high bits.
package guid

import (
	"time"

	"github.com/google/uuid"
)

// New returns a new time-ordered identifier.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the system RNG is broken; fall back to a
		// random v4 (uuid.New panics if the RNG is still failing).
		return uuid.New().String()
	}
	return id.String()
}

// Cursor pairs a creation time with an id, the shape RetrievePending pages
// over.
type Cursor struct {
	CreatedAtUtc time.Time
	Id           string
}

// Less reports whether c should be paged before other under (CreatedAtUtc, Id)
// ascending order.
func (c Cursor) Less(other Cursor) bool {
	if !c.CreatedAtUtc.Equal(other.CreatedAtUtc) {
		return c.CreatedAtUtc.Before(other.CreatedAtUtc)
	}
	return c.Id < other.Id
}
