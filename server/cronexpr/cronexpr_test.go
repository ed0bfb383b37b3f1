package cronexpr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		expr  string
		valid bool
	}{
		{"* * * * *", true},
		{"0 9 * * *", true},
		{"*/15 * * * *", true},
		{"0 0 1 1 *", true},
		{"30 8 * * 1-5", true},
		{"0,30 9-17 * * *", true},
		{"", false},
		{"* * * *", false},          // 4 fields
		{"* * * * * *", false},      // 6 fields
		{"60 * * * *", false},       // minute out of range
		{"* 24 * * *", false},       // hour out of range
		{"@daily", false},           // descriptors rejected
		{"not a cron at all", false},
	}

	for _, c := range cases {
		assert.Equal(t, c.valid, Validate(c.expr), "expr %q", c.expr)
	}
}

func TestNextDailyUTC(t *testing.T) {
	from := time.Date(2025, 1, 1, 8, 30, 0, 0, time.UTC)
	next, err := Next("0 9 * * *", "", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), next)
}

func TestNextStrictlyAfter(t *testing.T) {
	// From exactly on a fire time, the next fire is the following one.
	from := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	next, err := Next("0 9 * * *", "", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC), next)
}

func TestNextInTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 08:30 New York time; 09:00 local is 14:00 UTC in January (EST).
	from := time.Date(2025, 1, 1, 8, 30, 0, 0, loc)
	next, err := Next("0 9 * * *", "America/New_York", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 9, 0, 0, 0, loc), next.In(loc))
	assert.Equal(t, time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC), next.UTC())
}

func TestNextInvalidInputs(t *testing.T) {
	_, err := Next("bad", "", time.Now())
	assert.Error(t, err)

	_, err = Next("* * * * *", "Not/AZone", time.Now())
	assert.Error(t, err)
}

func TestSpec(t *testing.T) {
	assert.Equal(t, "0 9 * * *", Spec("0 9 * * *", ""))
	assert.Equal(t, "CRON_TZ=Europe/Berlin 0 9 * * *", Spec("0 9 * * *", "Europe/Berlin"))
}
