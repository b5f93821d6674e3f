package definition

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pitabwire/conduit/model"
)

// scheduleHorizon covers one full week of firings, the longest cycle a cron
// expression without day-of-month or month restrictions can have.
const scheduleHorizon = 8 * 24 * time.Hour

// minScheduleGaps is the number of consecutive gaps compared even when the
// horizon is reached earlier.
const minScheduleGaps = 3

var (
	allDaysOfMonth = bitRange(1, 31)
	allMonths      = bitRange(1, 12)
	scheduleEpoch  = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// ParseInterval reduces a schedule to the uniform interval between runs.
// A positive IntervalSeconds wins over Cron. Cron expressions use the
// standard five-field grammar plus descriptors and are accepted only when
// every gap between consecutive firings is the same.
func ParseInterval(s model.Schedule) (time.Duration, error) {
	if s.IntervalSeconds > 0 {
		return time.Duration(s.IntervalSeconds) * time.Second, nil
	}
	if s.IntervalSeconds < 0 {
		return 0, fmt.Errorf("interval_seconds must not be negative")
	}

	expr := strings.TrimSpace(s.Cron)
	if expr == "" {
		return 0, fmt.Errorf("schedule needs a cron expression or interval_seconds")
	}

	// @every keeps sub-second precision, which cron rounds up to a second.
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return 0, fmt.Errorf("cron expression %q: %w", expr, err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("cron expression %q: interval must be positive", expr)
		}
		return d, nil
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return 0, fmt.Errorf("cron expression %q: %w", expr, err)
	}

	sc, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return 0, fmt.Errorf("cron expression %q: unsupported schedule type %T", expr, sched)
	}
	if sc.Dom&allDaysOfMonth != allDaysOfMonth || sc.Month&allMonths != allMonths {
		return 0, fmt.Errorf("cron expression %q: day-of-month and month restrictions have no fixed interval", expr)
	}
	sc.Location = time.UTC
	return uniformGap(expr, sc)
}

// uniformGap walks the firings of sc across a week and returns the gap
// between them, failing when any two gaps differ.
func uniformGap(expr string, sc *cron.SpecSchedule) (time.Duration, error) {
	first := sc.Next(scheduleEpoch)
	if first.IsZero() {
		return 0, fmt.Errorf("cron expression %q never fires", expr)
	}

	var interval time.Duration
	prev := first
	for gaps := 0; gaps < minScheduleGaps || prev.Sub(first) < scheduleHorizon; gaps++ {
		next := sc.Next(prev)
		if next.IsZero() {
			return 0, fmt.Errorf("cron expression %q never fires", expr)
		}
		gap := next.Sub(prev)
		if interval == 0 {
			interval = gap
		} else if gap != interval {
			return 0, fmt.Errorf("cron expression %q fires at uneven intervals (%s and %s)", expr, interval, gap)
		}
		prev = next
	}
	return interval, nil
}

func bitRange(lo, hi uint) uint64 {
	var bits uint64
	for i := lo; i <= hi; i++ {
		bits |= 1 << i
	}
	return bits
}
