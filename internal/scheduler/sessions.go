package scheduler

import (
	"fmt"
	"time"

	"forex-session-lab/internal/domain"
)

// ResolveOpen resolves a spec's open time to UTC for a given date. Specs with
// a Location are interpreted as local wall-clock time in that zone, so DST
// shifts move the UTC open with the market.
func ResolveOpen(spec domain.SessionSpec, date time.Time) (time.Time, error) {
	y, m, d := date.UTC().Date()
	if spec.Location == "" {
		return time.Date(y, m, d, spec.Hour, spec.Minute, 0, 0, time.UTC), nil
	}
	loc, err := time.LoadLocation(spec.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("session %s: load location %s: %w", spec.Name, spec.Location, err)
	}
	return time.Date(y, m, d, spec.Hour, spec.Minute, 0, 0, loc).UTC(), nil
}

// NextInstance returns the earliest session instance opening strictly after
// now. Weekend dates are skipped: forex is closed Saturday and Sunday.
func NextInstance(specs []domain.SessionSpec, now time.Time) (domain.SessionInstance, error) {
	if len(specs) == 0 {
		return domain.SessionInstance{}, fmt.Errorf("no sessions configured")
	}

	day := now.UTC().Truncate(24 * time.Hour)
	for offset := 0; offset < 9; offset++ {
		date := day.AddDate(0, 0, offset)
		if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}

		best := domain.SessionInstance{}
		for _, spec := range specs {
			open, err := ResolveOpen(spec, date)
			if err != nil {
				return domain.SessionInstance{}, err
			}
			if !open.After(now) {
				continue
			}
			if best.Open.IsZero() || open.Before(best.Open) {
				best = domain.SessionInstance{
					Session:  spec.Name,
					Open:     open,
					Duration: spec.Duration,
				}
			}
		}
		if !best.Open.IsZero() {
			return best, nil
		}
	}
	return domain.SessionInstance{}, fmt.Errorf("no upcoming session within 9 days")
}

// nextMidnightUTC returns the next 00:00 UTC after now, for maintenance.
func nextMidnightUTC(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour).AddDate(0, 0, 1)
}

// specByName returns the spec with the given name.
func specByName(specs []domain.SessionSpec, name string) (domain.SessionSpec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return domain.SessionSpec{}, false
}
