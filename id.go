package concord

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for master task ids, memory node ids, and conflict ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUTC returns the current time in UTC. All timestamps in the system are
// recorded in UTC.
func NowUTC() time.Time {
	return time.Now().UTC()
}
