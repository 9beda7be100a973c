package indicator

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// stream holds the live state for one key.
type stream struct {
	state     State
	ticks     int64
	updatedAt time.Time
}

// Engine is a host-side registry of streaming MACD states keyed by stream
// (typically one per instrument). One lock guards the registry, so a single
// stream is never advanced by two goroutines at once.
type Engine struct {
	mu       sync.Mutex
	defaults State
	streams  map[string]*stream
	now      func() time.Time
}

// NewEngine creates an empty registry. defaults supplies the periods for
// streams created implicitly by Advance; zero periods become 12/26/9.
func NewEngine(defaults State) (*Engine, error) {
	d := NewState(defaults.FastPeriod, defaults.SlowPeriod, defaults.SignalPeriod).WithDefaults()
	if err := d.Validate(); err != nil {
		return nil, errors.Wrap(err, "engine defaults")
	}
	return &Engine{
		defaults: d,
		streams:  make(map[string]*stream, 64),
		now:      time.Now,
	}, nil
}

// Defaults returns the unseeded state new streams start from.
func (e *Engine) Defaults() State { return e.defaults }

// Advance folds price into the stream identified by key, creating it from the
// defaults on first use. The returned State is a copy.
func (e *Engine) Advance(key string, price float64) (Point, State, error) {
	point, next, _, err := e.AdvanceSeq(key, price)
	return point, next, err
}

// AdvanceSeq is Advance that also returns the stream's tick count after the
// update, read under the same lock.
func (e *Engine) AdvanceSeq(key string, price float64) (Point, State, int64, error) {
	if key == "" {
		return Point{}, State{}, 0, ErrEmptyStreamKey
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.streams[key]
	if !ok {
		st = &stream{state: e.defaults}
	}
	point, next, err := Advance(st.state, price)
	if err != nil {
		return Point{}, st.state, st.ticks, errors.Wrapf(err, "stream %s", key)
	}
	st.state = next
	st.ticks++
	st.updatedAt = e.now().UTC()
	if !ok {
		e.streams[key] = st
	}
	return point, next, st.ticks, nil
}

// Reset replaces the stream's state. Zero periods are filled with defaults.
func (e *Engine) Reset(key string, state State) error {
	if key == "" {
		return ErrEmptyStreamKey
	}
	state = state.WithDefaults()
	if err := state.Validate(); err != nil {
		return errors.Wrapf(err, "stream %s", key)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.streams[key] = &stream{state: state, updatedAt: e.now().UTC()}
	return nil
}

// State returns a copy of the stream's state.
func (e *Engine) State(key string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.streams[key]
	if !ok {
		return State{}, false
	}
	return st.state, true
}

// Ticks returns how many prices the stream has consumed since creation or reset.
func (e *Engine) Ticks(key string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st, ok := e.streams[key]; ok {
		return st.ticks
	}
	return 0
}

// Remove drops a stream. It reports whether the stream existed.
func (e *Engine) Remove(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.streams[key]
	delete(e.streams, key)
	return ok
}

// Keys returns the stream keys in sorted order.
func (e *Engine) Keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedKeysLocked()
}

// Len returns the number of streams.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

func (e *Engine) sortedKeysLocked() []string {
	keys := make([]string, 0, len(e.streams))
	for k := range e.streams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
