package platform

import (
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	minReadRetry = 10 * time.Millisecond
	maxReadRetry = time.Second
)

// readBackoff paces retries after ring buffer read errors and keeps a
// persistent error from flooding the log.
type readBackoff struct {
	warn       *rate.Limiter
	delay      time.Duration
	suppressed uint64
}

func newReadBackoff() *readBackoff {
	return &readBackoff{warn: rate.NewLimiter(rate.Every(5*time.Second), 1)}
}

// failed records a read error and returns how long to wait before the next read
func (b *readBackoff) failed(err error) time.Duration {
	if b.warn.Allow() {
		log.Warnf("Error reading from ring buffer (%d more suppressed): %v", b.suppressed, err)
		b.suppressed = 0
	} else {
		b.suppressed++
	}

	switch {
	case b.delay == 0:
		b.delay = minReadRetry
	case b.delay < maxReadRetry:
		b.delay = min(2*b.delay, maxReadRetry)
	}
	return b.delay
}

// ok resets the retry delay after a successful read
func (b *readBackoff) ok() {
	b.delay = 0
}
