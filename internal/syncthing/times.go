package syncthing

import (
	"fmt"
	"regexp"
	"time"
)

var tzSuffix = regexp.MustCompile(`(Z|[+-]\d{2}:?\d{2})$`)

// ParseModTime parses an ISO-8601 stamp from the sync daemon, truncates it to
// microsecond precision and normalizes it to UTC. Stamps without a timezone
// get defaultTZ (a UTC offset such as "+02:00") appended first.
func ParseModTime(s, defaultTZ string) (time.Time, error) {
	if !tzSuffix.MatchString(s) {
		s += defaultTZ
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Offsets occasionally come without the colon.
		t, err = time.Parse("2006-01-02T15:04:05.999999999Z0700", s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parse modTime %q: %w", s, err)
	}
	return t.Truncate(time.Microsecond).UTC(), nil
}
