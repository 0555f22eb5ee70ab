package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Duration is a time.Duration that marshals as a human-readable string and
// additionally accepts a leading day count ("30d", "1d12h").
type Duration time.Duration

var dayPrefix = regexp.MustCompile(`^(\d+)d(.*)$`)

func ParseDuration(s string) (Duration, error) {
	if m := dayPrefix.FindStringSubmatch(s); m != nil {
		days, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", s, err)
		}
		d := time.Duration(days) * 24 * time.Hour
		if m[2] != "" {
			rest, err := time.ParseDuration(m[2])
			if err != nil {
				return 0, fmt.Errorf("parse duration %q: %w", s, err)
			}
			d += rest
		}
		return Duration(d), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return Duration(d), nil
}

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Plain number means nanoseconds, same as time.Duration.
		var n int64
		if nerr := json.Unmarshal(data, &n); nerr == nil {
			*d = Duration(n)
			return nil
		}
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
