package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsExpiredWithGrace(t *testing.T) {
	assert.True(t, IsExpiredWithGrace(time.Now().Add(-time.Second), 0))
	assert.False(t, IsExpiredWithGrace(time.Now().Add(time.Hour), 0))

	// Inside the grace window counts as not expired.
	assert.False(t, IsExpiredWithGrace(time.Now().Add(-time.Second), DefaultClockSkewGracePeriod))
	assert.True(t, IsExpiredWithGrace(time.Now().Add(-time.Minute), DefaultClockSkewGracePeriod))
}

func TestIsExpiredWithGrace_ZeroMeansNoExpiry(t *testing.T) {
	assert.False(t, IsExpiredWithGrace(time.Time{}, 0))
}
