package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFailureWindow(t *testing.T) {
	now := time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)
	w := newFailureWindow(24 * time.Hour)
	w.now = func() time.Time { return now }

	assert.Equal(t, 0, w.Len())

	assert.Equal(t, 1, w.Record())
	now = now.Add(30 * time.Minute)
	assert.Equal(t, 2, w.Record())
	now = now.Add(2 * time.Hour)
	assert.Equal(t, 3, w.Record())

	assert.Equal(t, 3, w.Len())
	assert.Equal(t, 1, w.CountSince(time.Hour), "only the latest failure is within the hour")
	assert.Equal(t, 3, w.CountSince(3 * time.Hour))

	// Everything ages out past the expiry horizon.
	now = now.Add(25 * time.Hour)
	assert.Equal(t, 0, w.Len())
	assert.Equal(t, 1, w.Record())
}

func TestFailureWindowPartialExpiry(t *testing.T) {
	now := time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)
	w := newFailureWindow(time.Hour)
	w.now = func() time.Time { return now }

	w.Record()
	now = now.Add(50 * time.Minute)
	w.Record()
	now = now.Add(20 * time.Minute)

	// The first entry is 70 minutes old and gone; the second is 20 minutes
	// old and stays.
	assert.Equal(t, 1, w.Len())
	assert.Equal(t, 1, w.CountSince(30*time.Minute))
	assert.Equal(t, 0, w.CountSince(10*time.Minute))
}
