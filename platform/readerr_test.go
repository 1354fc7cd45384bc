package platform

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestReadBackoffGrowsAndResets(t *testing.T) {
	t.Parallel()

	b := newReadBackoff()
	b.warn = rate.NewLimiter(rate.Every(time.Hour), 1)
	err := errors.New("epoll wait: bad file descriptor")

	var delays []time.Duration
	for i := 0; i < 9; i++ {
		delays = append(delays, b.failed(err))
	}
	assert.Equal(t, minReadRetry, delays[0])
	assert.Equal(t, 2*minReadRetry, delays[1])
	assert.Equal(t, maxReadRetry, delays[len(delays)-1], "delay is capped")
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}

	assert.Equal(t, uint64(8), b.suppressed, "only the first error is logged")

	b.ok()
	assert.Equal(t, minReadRetry, b.failed(err))
}
