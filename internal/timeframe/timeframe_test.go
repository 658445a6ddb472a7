package timeframe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utc(year int, month time.Month, day, hour, minute, second int) time.Time {
	return time.Date(year, month, day, hour, minute, second, 0, time.UTC)
}

func TestNextReset(t *testing.T) {
	cases := []struct {
		name string
		tf   Timeframe
		now  time.Time
		want time.Time
	}{
		{"day mid", Day, utc(2024, time.March, 14, 15, 30, 0), utc(2024, time.March, 15, 0, 0, 0)},
		{"day at midnight", Day, utc(2024, time.March, 14, 0, 0, 0), utc(2024, time.March, 15, 0, 0, 0)},
		{"day month end", Day, utc(2024, time.February, 29, 23, 59, 59), utc(2024, time.March, 1, 0, 0, 0)},
		{"week from thursday", Week, utc(2024, time.March, 14, 9, 0, 0), utc(2024, time.March, 18, 0, 0, 0)},
		{"week from sunday", Week, utc(2024, time.March, 17, 23, 0, 0), utc(2024, time.March, 18, 0, 0, 0)},
		{"week from monday", Week, utc(2024, time.March, 18, 0, 0, 0), utc(2024, time.March, 25, 0, 0, 0)},
		{"week from monday evening", Week, utc(2024, time.March, 18, 20, 0, 0), utc(2024, time.March, 25, 0, 0, 0)},
		{"month", Month, utc(2024, time.March, 14, 9, 0, 0), utc(2024, time.April, 1, 0, 0, 0)},
		{"month december", Month, utc(2024, time.December, 31, 23, 0, 0), utc(2025, time.January, 1, 0, 0, 0)},
		{"year", Year, utc(2024, time.June, 1, 0, 0, 0), utc(2025, time.January, 1, 0, 0, 0)},
		{"year on jan 1", Year, utc(2025, time.January, 1, 0, 0, 0), utc(2026, time.January, 1, 0, 0, 0)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NextReset(tc.tf, tc.now)
			require.NoError(t, err)
			assert.Equal(t, tc.want.Unix(), got)
			assert.Greater(t, got, tc.now.Unix())
		})
	}
}

func TestNextResetNonUTCInput(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	// 2024-03-15 02:00 JST is still 2024-03-14 in UTC.
	now := time.Date(2024, time.March, 15, 2, 0, 0, 0, tokyo)
	got, err := NextReset(Day, now)
	require.NoError(t, err)
	assert.Equal(t, utc(2024, time.March, 15, 0, 0, 0).Unix(), got)
}

func TestNextResetTruncatesSubSecond(t *testing.T) {
	now := time.Date(2024, time.March, 14, 23, 59, 59, 999_999_999, time.UTC)
	got, err := NextReset(Day, now)
	require.NoError(t, err)
	assert.Equal(t, utc(2024, time.March, 15, 0, 0, 0).Unix(), got)
}

func TestNextResetAlwaysAligned(t *testing.T) {
	start := utc(2023, time.January, 1, 0, 0, 0)
	for hours := 0; hours < 24*400; hours += 7 {
		now := start.Add(time.Duration(hours) * time.Hour)
		for _, tf := range []Timeframe{Day, Week, Month, Year} {
			got, err := NextReset(tf, now)
			require.NoError(t, err)
			require.Greater(t, got, now.Unix())

			boundary := time.Unix(got, 0).UTC()
			require.Zero(t, boundary.Hour())
			require.Zero(t, boundary.Minute())
			require.Zero(t, boundary.Second())
			switch tf {
			case Week:
				require.Equal(t, time.Monday, boundary.Weekday())
			case Month:
				require.Equal(t, 1, boundary.Day())
			case Year:
				require.Equal(t, time.January, boundary.Month())
				require.Equal(t, 1, boundary.Day())
			}
		}
	}
}

func TestNextResetRejectsUnknown(t *testing.T) {
	_, err := NextReset(Unknown, time.Now())
	require.ErrorIs(t, err, ErrInvalidTimeframe)

	_, err = NextReset(Timeframe(42), time.Now())
	require.ErrorIs(t, err, ErrInvalidTimeframe)
}

func TestParse(t *testing.T) {
	tf, err := Parse(" week ")
	require.NoError(t, err)
	assert.Equal(t, Week, tf)

	_, err = Parse("FORTNIGHT")
	require.ErrorIs(t, err, ErrInvalidTimeframe)

	_, err = Parse("")
	require.ErrorIs(t, err, ErrInvalidTimeframe)
}

func TestSecondsRoundTrip(t *testing.T) {
	for _, tf := range []Timeframe{Day, Week, Month, Year} {
		seconds, err := tf.Seconds()
		require.NoError(t, err)
		back, err := FromSeconds(seconds)
		require.NoError(t, err)
		assert.Equal(t, tf, back)
	}
	_, err := Unknown.Seconds()
	require.ErrorIs(t, err, ErrInvalidTimeframe)
}
