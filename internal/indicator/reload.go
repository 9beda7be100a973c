package indicator

import (
	"github.com/pkg/errors"
)

// ReloadStats summarizes what Reload did to the existing streams.
type ReloadStats struct {
	Unchanged int // streams whose periods already matched
	Reset     int // streams restarted unseeded on the new periods
	Custom    int // streams with their own periods, left alone
}

// Reload replaces the engine defaults. Streams that were following the old
// defaults restart unseeded on the new periods with their tick count cleared,
// as Reset would leave them. Streams that were Reset to their own periods are
// not touched.
func (e *Engine) Reload(defaults State) (ReloadStats, error) {
	next := NewState(defaults.FastPeriod, defaults.SlowPeriod, defaults.SignalPeriod).WithDefaults()
	if err := next.Validate(); err != nil {
		return ReloadStats{}, errors.Wrap(err, "reload defaults")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.defaults
	now := e.now().UTC()
	var stats ReloadStats
	for _, st := range e.streams {
		if !samePeriods(st.state, old) {
			stats.Custom++
			continue
		}
		if samePeriods(old, next) {
			stats.Unchanged++
			continue
		}
		st.state = next
		st.ticks = 0
		st.updatedAt = now
		stats.Reset++
	}
	e.defaults = next
	return stats, nil
}

func samePeriods(a, b State) bool {
	return a.FastPeriod == b.FastPeriod &&
		a.SlowPeriod == b.SlowPeriod &&
		a.SignalPeriod == b.SignalPeriod
}
