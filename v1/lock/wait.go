package lock

import "time"

// Remaining is the time-to-live a contended attempt observed on the record
// of the current holder.
type Remaining struct {
	TTL time.Duration
	// Indefinite is set when the record has no expiry.
	Indefinite bool
}

// RemainingFromPTTL maps a PTTL reply. -1 means the record never expires;
// -2 means it vanished, so a retry may proceed at once.
func RemainingFromPTTL(ms int64) Remaining {
	switch {
	case ms == -1:
		return Remaining{Indefinite: true}
	case ms < 0:
		return Remaining{}
	default:
		return Remaining{TTL: time.Duration(ms) * time.Millisecond}
	}
}

// WaitBound computes how long a contended caller blocks before retrying.
// The bound is the lesser of the remaining wait budget (when bounded) and
// the holder's remaining TTL (when it expires). The TTL bound covers a holder
// that dies without publishing a release. ok is false when neither side
// bounds the wait.
func WaitBound(budget time.Duration, bounded bool, r Remaining) (d time.Duration, ok bool) {
	if bounded && budget < 0 {
		budget = 0
	}
	switch {
	case bounded && r.Indefinite:
		return budget, true
	case bounded:
		return min(budget, r.TTL), true
	case r.Indefinite:
		return 0, false
	default:
		return r.TTL, true
	}
}
