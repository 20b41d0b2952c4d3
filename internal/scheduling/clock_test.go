package scheduling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	cases := map[string]Clock{
		"09:00":    540,
		"9:30":     570,
		"23:59":    1439,
		"24:00":    1440,
		"10:15:00": 615,
	}
	for in, want := range cases {
		got, err := ParseClock(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "9", "25:00", "24:30", "10:60", "10:15:30", "ab:cd"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestIntervalOverlapIsHalfOpen(t *testing.T) {
	nine := NewInterval(NewClock(9, 0), 30)
	assert.False(t, nine.Overlaps(NewInterval(NewClock(9, 30), 30)), "back-to-back")
	assert.True(t, nine.Overlaps(NewInterval(NewClock(9, 15), 30)))
	assert.True(t, nine.Overlaps(NewInterval(NewClock(8, 45), 60)))
	assert.True(t, NewInterval(NewClock(9, 10), 5).Within(nine))
}

func TestCivilTime(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	instant := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	civil := CivilTime(instant, ny)
	assert.Equal(t, NewClock(9, 30).On(monday), civil)
}

func TestClockText(t *testing.T) {
	var c Clock
	require.NoError(t, c.UnmarshalText([]byte("07:05")))
	b, err := c.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "07:05", string(b))
}
