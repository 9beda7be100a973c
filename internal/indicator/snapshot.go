package indicator

import (
	"encoding/json"
	"time"

	"github.com/moznion/go-optional"
	"github.com/pkg/errors"
)

// SnapshotVersion is the schema version written into EngineSnapshot.
const SnapshotVersion = 1

// StateSnapshot is the serialized form of a State. Absent values are JSON null.
type StateSnapshot struct {
	FastValue    *float64 `json:"fast_value"`
	SlowValue    *float64 `json:"slow_value"`
	SignalValue  *float64 `json:"signal_value"`
	FastPeriod   int      `json:"fast_period"`
	SlowPeriod   int      `json:"slow_period"`
	SignalPeriod int      `json:"signal_period"`
}

// Snapshot serializes the state for checkpoint persistence.
func (s State) Snapshot() StateSnapshot {
	return StateSnapshot{
		FastValue:    toPtr(s.FastValue),
		SlowValue:    toPtr(s.SlowValue),
		SignalValue:  toPtr(s.SignalValue),
		FastPeriod:   s.FastPeriod,
		SlowPeriod:   s.SlowPeriod,
		SignalPeriod: s.SignalPeriod,
	}
}

// State converts the snapshot back without validating it.
func (snap StateSnapshot) State() State {
	return State{
		FastValue:    fromPtr(snap.FastValue),
		SlowValue:    fromPtr(snap.SlowValue),
		SignalValue:  fromPtr(snap.SignalValue),
		FastPeriod:   snap.FastPeriod,
		SlowPeriod:   snap.SlowPeriod,
		SignalPeriod: snap.SignalPeriod,
	}
}

// RestoreState rebuilds a State from a checkpoint and validates its periods.
func RestoreState(snap StateSnapshot) (State, error) {
	st := snap.State()
	if err := st.Validate(); err != nil {
		return State{}, errors.Wrap(err, "restore state")
	}
	return st, nil
}

// MarshalJSON encodes the state in its snapshot form.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// UnmarshalJSON decodes the snapshot form. Periods are not validated here.
func (s *State) UnmarshalJSON(data []byte) error {
	var snap StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	*s = snap.State()
	return nil
}

type pointJSON struct {
	MACD      *float64 `json:"macd"`
	Signal    *float64 `json:"signal"`
	Histogram *float64 `json:"histogram"`
}

// MarshalJSON encodes the point with absent values as null.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(pointJSON{
		MACD:      toPtr(p.MACD),
		Signal:    toPtr(p.Signal),
		Histogram: toPtr(p.Histogram),
	})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var pj pointJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return err
	}
	*p = Point{
		MACD:      fromPtr(pj.MACD),
		Signal:    fromPtr(pj.Signal),
		Histogram: fromPtr(pj.Histogram),
	}
	return nil
}

// StreamSnapshot holds one stream's state within an engine checkpoint.
type StreamSnapshot struct {
	Key       string        `json:"key"`
	State     StateSnapshot `json:"state"`
	Ticks     int64         `json:"ticks"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// EngineSnapshot holds the full state of a stream registry.
type EngineSnapshot struct {
	Version int              `json:"version"`
	TakenAt time.Time        `json:"taken_at"`
	Streams []StreamSnapshot `json:"streams"`
}

// SnapshotEngine captures every stream of e, ordered by key.
func SnapshotEngine(e *Engine) *EngineSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := &EngineSnapshot{
		Version: SnapshotVersion,
		TakenAt: e.now().UTC(),
		Streams: make([]StreamSnapshot, 0, len(e.streams)),
	}
	for _, key := range e.sortedKeysLocked() {
		st := e.streams[key]
		snap.Streams = append(snap.Streams, StreamSnapshot{
			Key:       key,
			State:     st.state.Snapshot(),
			Ticks:     st.ticks,
			UpdatedAt: st.updatedAt,
		})
	}
	return snap
}

// RestoreEngine rebuilds an Engine from a snapshot. Streams whose state fails
// validation are skipped and reported by key in the returned slice.
func RestoreEngine(defaults State, snap *EngineSnapshot) (*Engine, []string, error) {
	e, err := NewEngine(defaults)
	if err != nil {
		return nil, nil, err
	}
	if snap == nil {
		return e, nil, nil
	}
	if snap.Version > SnapshotVersion {
		return nil, nil, errors.Errorf("snapshot version %d is newer than supported %d", snap.Version, SnapshotVersion)
	}

	var skipped []string
	for _, ss := range snap.Streams {
		if ss.Key == "" {
			skipped = append(skipped, ss.Key)
			continue
		}
		st, err := RestoreState(ss.State)
		if err != nil {
			skipped = append(skipped, ss.Key)
			continue
		}
		e.streams[ss.Key] = &stream{state: st, ticks: ss.Ticks, updatedAt: ss.UpdatedAt}
	}
	return e, skipped, nil
}

func toPtr(o optional.Option[float64]) *float64 {
	if o.IsNone() {
		return nil
	}
	v := o.Unwrap()
	return &v
}

func fromPtr(p *float64) optional.Option[float64] {
	if p == nil {
		return optional.None[float64]()
	}
	return optional.Some(*p)
}
