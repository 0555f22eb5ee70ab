package syncthing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModTime(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		tz      string
		want    time.Time
		wantErr bool
	}{
		{
			name: "with offset",
			in:   "2024-05-03T17:22:08.123456789+02:00",
			tz:   "+02:00",
			want: time.Date(2024, 5, 3, 15, 22, 8, 123456000, time.UTC),
		},
		{
			name: "zulu",
			in:   "2024-05-03T17:22:08.5Z",
			tz:   "+02:00",
			want: time.Date(2024, 5, 3, 17, 22, 8, 500000000, time.UTC),
		},
		{
			name: "no timezone gets the default",
			in:   "2024-05-03T17:22:08.123456789",
			tz:   "+02:00",
			want: time.Date(2024, 5, 3, 15, 22, 8, 123456000, time.UTC),
		},
		{
			name: "compact offset",
			in:   "2024-05-03T17:22:08+0200",
			tz:   "+02:00",
			want: time.Date(2024, 5, 3, 15, 22, 8, 0, time.UTC),
		},
		{
			name:    "garbage",
			in:      "yesterday",
			tz:      "+02:00",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseModTime(tt.in, tt.tz)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s, want %s", got, tt.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}
