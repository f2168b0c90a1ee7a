package core

import (
	"fmt"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// ParseHumanDuration parses human-readable duration strings like "3 days",
// "1 hour", "30 minutes". First tries standard Go duration format (e.g.,
// "30m", "1h30m"), then rewrites spelled-out units to short suffixes
// ("1 day 2 hours" becomes "1d2h") and parses that, falling back to
// str2duration for the day and week suffixes Go does not know.
func ParseHumanDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	converted := convertHumanToGoFormat(s)
	if converted != s {
		if d, err := time.ParseDuration(converted); err == nil {
			return d, nil
		}
	}
	return str2duration.ParseDuration(converted)
}

// humanUnits lists plurals before singulars so "2 hours" never matches as
// "2 hour" followed by a stray "s".
var humanUnits = strings.NewReplacer(
	" seconds", "s", " second", "s",
	" minutes", "m", " minute", "m",
	" hours", "h", " hour", "h",
	" days", "d", " day", "d",
	" weeks", "w", " week", "w",
)

func convertHumanToGoFormat(s string) string {
	return strings.ReplaceAll(humanUnits.Replace(s), " ", "")
}

// NowUTC returns the current time truncated to second precision in UTC.
// Brain entry timestamps use this so serialized entries stay stable.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// FormatTimestamp renders t the way brain entries persist timestamps.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTimestamp parses an RFC3339 timestamp as written by FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// RelativeAge renders the age of t relative to now, e.g. "3d ago".
func RelativeAge(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	case d < 365*24*time.Hour:
		return fmt.Sprintf("%dmo ago", int(d.Hours()/(24*30)))
	default:
		return fmt.Sprintf("%dy ago", int(d.Hours()/(24*365)))
	}
}
