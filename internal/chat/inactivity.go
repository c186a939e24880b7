package chat

import (
	"context"
	"math"
	"time"
)

// InactivityScanner is the read-only view a retention job uses to find
// chats nobody has written to since a cutoff.
type InactivityScanner struct {
	dir *Directory
}

func NewInactivityScanner(dir *Directory) *InactivityScanner {
	return &InactivityScanner{dir: dir}
}

func (s *InactivityScanner) List(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.dir.ListInactive(ctx, cutoff)
}

// Calendar ages past this many days are rejected before AddDate can wrap.
const maxCutoffDays = 10000 * 366

// Cutoff turns a relative age such as (3, "days") into an absolute time
// before now.
func Cutoff(now time.Time, old int, unit string) (time.Time, error) {
	if old < 0 {
		return time.Time{}, Errorf(ErrValidationFailed, "old must not be negative")
	}
	switch unit {
	case "seconds":
		return durationCutoff(now, old, time.Second)
	case "minutes":
		return durationCutoff(now, old, time.Minute)
	case "hours":
		return durationCutoff(now, old, time.Hour)
	case "days":
		if old > maxCutoffDays {
			return time.Time{}, outOfRange(old, unit)
		}
		return now.AddDate(0, 0, -old), nil
	case "weeks":
		if old > maxCutoffDays/7 {
			return time.Time{}, outOfRange(old, unit)
		}
		return now.AddDate(0, 0, -7*old), nil
	case "months":
		if old > maxCutoffDays/31 {
			return time.Time{}, outOfRange(old, unit)
		}
		return now.AddDate(0, -old, 0), nil
	case "":
		return time.Time{}, Errorf(ErrMissingParameters, "entity is required")
	default:
		return time.Time{}, Errorf(ErrValidationFailed, "unknown entity %q", unit)
	}
}

func durationCutoff(now time.Time, old int, unit time.Duration) (time.Time, error) {
	if int64(old) > math.MaxInt64/int64(unit) {
		return time.Time{}, outOfRange(old, unit.String())
	}
	return now.Add(-time.Duration(old) * unit), nil
}

func outOfRange(old int, unit string) error {
	return Errorf(ErrValidationFailed, "old %d is out of range for %s", old, unit)
}
