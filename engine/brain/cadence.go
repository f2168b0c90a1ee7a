package brain

import (
	"fmt"
	"strconv"
	"time"
)

// NextDue computes when a reminder fires next after running at runAt.
//
// Interval cadences add the parsed duration to the run time. Daily
// cadences resolve the configured wall-clock time on runAt's local date;
// a target at or before the run time rolls over to the next day, so a
// reminder run exactly at its daily time comes due again 24h later.
func NextDue(c *Cadence, runAt time.Time) (time.Time, error) {
	if c == nil {
		return time.Time{}, fmt.Errorf("reminder has no cadence")
	}
	switch c.Kind {
	case CadenceInterval:
		m := intervalRe.FindStringSubmatch(c.Every)
		if m == nil {
			return time.Time{}, fmt.Errorf("invalid interval cadence %q", c.Every)
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid interval count %q: %w", m[1], err)
		}
		switch m[2] {
		case "m":
			return runAt.Add(time.Duration(n) * time.Minute), nil
		case "h":
			return runAt.Add(time.Duration(n) * time.Hour), nil
		default:
			return runAt.AddDate(0, 0, n), nil
		}
	case CadenceDaily:
		at, err := time.Parse("15:04", c.At)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid daily cadence time %q: %w", c.At, err)
		}
		local := runAt.Local()
		target := time.Date(local.Year(), local.Month(), local.Day(), at.Hour(), at.Minute(), 0, 0, local.Location())
		if !target.After(local) {
			target = target.AddDate(0, 0, 1)
		}
		return target, nil
	default:
		return time.Time{}, fmt.Errorf("unknown cadence kind %q", c.Kind)
	}
}
