package scheduler

import "fmt"

// Storage key layout. Queue keys embed a fixed-width zero-padded unix second
// so that byte-lexicographic iteration of the queue prefix yields ascending
// broadcast time.
const (
	queuePrefix   = "queue:"
	pendingPrefix = "pending:"
	lookupPrefix  = "lookup:"

	nonceCounterKey = "state:nonce"
	syncCursorKey   = "state:synccursor"
)

func queueKey(scheduledAt uint64, fleetID string) string {
	return fmt.Sprintf("%s%016d:%s", queuePrefix, scheduledAt, fleetID)
}

func pendingKey(fleetID string) string {
	return pendingPrefix + fleetID
}

func lookupKey(fleetID string) string {
	return lookupPrefix + fleetID
}
