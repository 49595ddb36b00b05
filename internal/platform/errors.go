package platform

import (
	"errors"
	"time"
)

// temporary is implemented by client errors that may succeed on retry
// (rate limits, 5xx, network failures).
type temporary interface {
	Temporary() bool
}

// rateLimited is implemented by client errors carrying the platform's
// reported reset delay.
type rateLimited interface {
	RetryAfter() time.Duration
}

func IsTemporary(err error) bool {
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}

// RetryAfter returns the delay the remote platform asked for, or zero when the
// error carries none.
func RetryAfter(err error) time.Duration {
	var r rateLimited
	if errors.As(err, &r) {
		return r.RetryAfter()
	}
	return 0
}
