// Package clock derives time-remaining and urgency from a run's
// departure deadline. It holds no state; callers supply "now" so
// deadline math stays deterministic in tests.
package clock

import "time"

// Urgency buckets the remaining time for presentation.
type Urgency string

const (
	UrgencyGreen  Urgency = "green"  // more than 10 minutes left
	UrgencyYellow Urgency = "yellow" // more than 5 minutes left
	UrgencyRed    Urgency = "red"    // 5 minutes or less, or elapsed
)

// Remaining returns the time until departure, clamped at zero.
func Remaining(now, departure time.Time) time.Duration {
	d := departure.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// UrgencyFor maps remaining time onto an urgency tier.
func UrgencyFor(remaining time.Duration) Urgency {
	switch {
	case remaining > 10*time.Minute:
		return UrgencyGreen
	case remaining > 5*time.Minute:
		return UrgencyYellow
	default:
		return UrgencyRed
	}
}

// ProgressPercent returns how much of the created-to-departure window
// remains, as a percentage clamped to [0,100]. A non-positive window
// reads as fully elapsed.
func ProgressPercent(now, created, departure time.Time) float64 {
	total := departure.Sub(created)
	if total <= 0 {
		return 0
	}
	elapsed := now.Sub(created)
	pct := 100 - float64(elapsed)/float64(total)*100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
