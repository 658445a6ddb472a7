package timeframe

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidTimeframe = errors.New("invalid timeframe")

type Timeframe int

const (
	Unknown Timeframe = iota
	Day
	Week
	Month
	Year
)

const (
	secondsPerDay   = int64(24 * 60 * 60)
	secondsPerWeek  = 7 * secondsPerDay
	secondsPerMonth = 30 * secondsPerDay
	secondsPerYear  = 365 * secondsPerDay
)

func (tf Timeframe) String() string {
	switch tf {
	case Day:
		return "DAY"
	case Week:
		return "WEEK"
	case Month:
		return "MONTH"
	case Year:
		return "YEAR"
	default:
		return "UNKNOWN"
	}
}

func (tf Timeframe) Valid() bool {
	switch tf {
	case Day, Week, Month, Year:
		return true
	default:
		return false
	}
}

// Seconds is the nominal length written to the vault's timeframe field.
func (tf Timeframe) Seconds() (int64, error) {
	switch tf {
	case Day:
		return secondsPerDay, nil
	case Week:
		return secondsPerWeek, nil
	case Month:
		return secondsPerMonth, nil
	case Year:
		return secondsPerYear, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidTimeframe, tf)
	}
}

func Parse(raw string) (Timeframe, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "DAY":
		return Day, nil
	case "WEEK":
		return Week, nil
	case "MONTH":
		return Month, nil
	case "YEAR":
		return Year, nil
	default:
		return Unknown, fmt.Errorf("%w: %q (expected DAY|WEEK|MONTH|YEAR)", ErrInvalidTimeframe, raw)
	}
}

// FromSeconds maps a stored timeframe length back to its classifier.
func FromSeconds(seconds int64) (Timeframe, error) {
	switch seconds {
	case secondsPerDay:
		return Day, nil
	case secondsPerWeek:
		return Week, nil
	case secondsPerMonth:
		return Month, nil
	case secondsPerYear:
		return Year, nil
	default:
		return Unknown, fmt.Errorf("%w: %d seconds", ErrInvalidTimeframe, seconds)
	}
}

// NextReset returns the next UTC boundary of tf strictly after now, in Unix
// seconds. A week always advances to the following Monday, even on a Monday.
func NextReset(tf Timeframe, now time.Time) (int64, error) {
	now = now.UTC()
	year, month, day := now.Date()

	var next time.Time
	switch tf {
	case Day:
		next = time.Date(year, month, day+1, 0, 0, 0, 0, time.UTC)
	case Week:
		daysUntilMonday := (int(time.Monday) - int(now.Weekday()) + 7) % 7
		if daysUntilMonday == 0 {
			daysUntilMonday = 7
		}
		next = time.Date(year, month, day+daysUntilMonday, 0, 0, 0, 0, time.UTC)
	case Month:
		next = time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	case Year:
		next = time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidTimeframe, tf)
	}
	return next.Unix(), nil
}
