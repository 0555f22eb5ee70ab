package reconcile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// listingTimeLayout matches the storage tool's long-listing stamps, e.g.
// "2024-05-03 17:22:08.123456789".
const listingTimeLayout = "2006-01-02 15:04:05.999999999"

// parseListingLine parses the first line of a long listing: size, date, time
// and path. Stamps carry no offset; loc supplies the wall-clock zone.
func parseListingLine(out string, loc *time.Location) (size int64, mod time.Time, err error) {
	line := strings.TrimSpace(firstLine(out))
	if line == "" {
		return 0, time.Time{}, errors.New("empty listing")
	}
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return 0, time.Time{}, fmt.Errorf("malformed listing line %q", line)
	}

	size, err = strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("listing size %q: %w", fields[0], err)
	}
	mod, err = time.ParseInLocation(listingTimeLayout, fields[1]+" "+fields[2], loc)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("listing stamp: %w", err)
	}
	return size, mod.Truncate(time.Microsecond).UTC(), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func splitFields(s string) []string {
	return strings.Fields(firstLine(s))
}
