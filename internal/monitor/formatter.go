package monitor

import (
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/validationd/internal/run"
)

// FormatPercent formats a 0-100 value as "X.X%".
func FormatPercent(pct float64) string {
	return fmt.Sprintf("%.1f%%", pct)
}

// FormatRatio clamps pct to [0,100] and returns it as a 0-1 ratio for
// progress bars. NaN maps to zero.
func FormatRatio(pct float64) float64 {
	switch {
	case math.IsNaN(pct), pct <= 0:
		return 0
	case pct >= 100:
		return 1
	}
	return pct / 100
}

// FormatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int64(d / time.Second)
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// FormatAge formats how long ago t was relative to now, or "never".
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return FormatDuration(now.Sub(t)) + " ago"
}

// StatusLabel returns the badge text for a run status.
func StatusLabel(s run.Status) string {
	switch s {
	case run.StatusPending:
		return "… PENDING"
	case run.StatusRunning:
		return "▶ RUNNING"
	case run.StatusPaused:
		return "⏸ AWAITING DECISION"
	case run.StatusCompleted:
		return "✓ COMPLETED"
	case run.StatusFailed:
		return "✗ FAILED"
	default:
		return "? " + string(s)
	}
}

// Truncate shortens s to at most n runes, marking the cut with "…".
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
