// Package alert turns noisy per-frame observations into debounced alert
// states and decides which alert is displayed.
package alert

import (
	"slices"
	"sync"
	"time"

	"github.com/dj-oyu/padetect-agent/internal/logger"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

// State of one alert kind.
type State int

const (
	Idle State = iota
	Pending
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Active:
		return "active"
	}
	return "unknown"
}

// Observation is everything the worker learned from one iteration.
type Observation struct {
	Time       time.Time
	Result     types.DetectionResult
	DetectorOK bool // false when inference failed; neural kinds hold their state
	Occluded   bool
	Dropped    bool // no frame could be read this iteration
}

// Transition is a state change of one kind.
type Transition struct {
	Kind   types.AlertKind
	From   State
	To     State
	At     time.Time
	Policy Policy // policy in force when the transition happened
}

// Activated reports whether the kind just became Active.
func (t Transition) Activated() bool { return t.To == Active && t.From != Active }

// Decision is the outcome of one Step.
type Decision struct {
	Transitions    []Transition
	Display        types.AlertKind // kind to show, AlertNone to hide
	DisplayChanged bool
	Lock           bool // the no-face lock timeout was crossed
}

type kindState struct {
	state    State
	count    int       // consecutive condition frames
	since    time.Time // first frame of the current Pending run
	lastSeen time.Time // last frame the condition held
}

// Snapshot is a read-only view of the aggregator for status reporting.
type Snapshot struct {
	States      [types.NumAlertKinds]State
	Activations [types.NumAlertKinds]uint64
	Display     types.AlertKind
	Absent      time.Duration // current face absence, 0 when a face is visible
	Locks       uint64
}

// Aggregator holds per-kind state machines. It outlives worker restarts;
// counts are only reset by creating a new one.
type Aggregator struct {
	mu          sync.Mutex
	policies    Policies
	staged      *Policies
	kinds       [types.NumAlertKinds]kindState
	activations [types.NumAlertKinds]uint64
	display     types.AlertKind

	absentSince time.Time
	lockFired   bool
	locks       uint64
	lastTime    time.Time
}

// NewAggregator creates an aggregator with p.
func NewAggregator(p Policies) *Aggregator {
	return &Aggregator{policies: p, display: types.AlertNone}
}

// SetPolicies stages p; it takes effect at the start of the next Step so a
// frame is never evaluated with mixed policies.
func (a *Aggregator) SetPolicies(p Policies) {
	a.mu.Lock()
	a.staged = &p
	a.mu.Unlock()
}

// Policies returns the policies in force (staged ones excluded).
func (a *Aggregator) Policies() Policies {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policies
}

// Step evaluates one observation.
func (a *Aggregator) Step(obs Observation) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	var d Decision
	now := obs.Time
	a.lastTime = now

	if a.staged != nil {
		a.policies = *a.staged
		a.staged = nil
	}

	for _, k := range types.AllAlertKinds() {
		pol := a.policies.Kinds[k]
		ks := &a.kinds[k]

		if !pol.Enabled {
			if ks.state != Idle {
				d.Transitions = append(d.Transitions, Transition{Kind: k, From: ks.state, To: Idle, At: now, Policy: pol})
			}
			*ks = kindState{}
			continue
		}

		cond, known := a.condition(k, obs)
		if !known {
			continue
		}
		from := ks.state
		ks.advance(cond, now, pol)
		if ks.state != from {
			if ks.state == Active {
				a.activations[k]++
			}
			d.Transitions = append(d.Transitions, Transition{Kind: k, From: from, To: ks.state, At: now, Policy: pol})
		}
	}

	d.Lock = a.stepAbsence(obs)

	display := a.pickDisplay()
	if display != a.display {
		d.DisplayChanged = true
		a.display = display
	}
	d.Display = a.display

	for _, t := range d.Transitions {
		logger.Debug("Alert", "%s: %s -> %s", t.Kind, t.From, t.To)
	}
	return d
}

// condition reports whether k's trigger holds in obs. known is false when the
// observation carries no information for k, in which case k keeps its state.
func (a *Aggregator) condition(k types.AlertKind, obs Observation) (cond, known bool) {
	if k == types.AlertNoConnect {
		return obs.Dropped, true
	}
	if obs.Dropped {
		return false, false
	}
	if k == types.AlertOcclude {
		return obs.Occluded, true
	}
	if !obs.DetectorOK {
		return false, false
	}

	r := obs.Result
	switch k {
	case types.AlertPhone:
		return r.PhoneCount > 0, true
	case types.AlertPeep:
		return r.FaceCount >= a.policies.PeepFaceCount, true
	case types.AlertNobody:
		return r.FaceCount == 0, true
	case types.AlertSuspect:
		return r.SuspectedCount > 0 && r.PhoneCount == 0, true
	}
	return false, false
}

func (ks *kindState) advance(cond bool, now time.Time, pol Policy) {
	if !cond {
		switch ks.state {
		case Pending:
			ks.state = Idle
			ks.count = 0
		case Active:
			if now.Sub(ks.lastSeen) >= pol.CoolDown {
				ks.state = Idle
				ks.count = 0
			}
		}
		return
	}

	ks.lastSeen = now
	switch ks.state {
	case Idle:
		ks.state = Pending
		ks.since = now
		ks.count = 1
	case Pending:
		ks.count++
	case Active:
		return
	}
	if ks.count >= pol.ConfirmFrames && now.Sub(ks.since) >= pol.Debounce {
		ks.state = Active
	}
}

// stepAbsence tracks the wall-clock face absence independently of the Nobody
// alert and reports when the lock timeout is crossed, once per episode.
func (a *Aggregator) stepAbsence(obs Observation) bool {
	if obs.Dropped || !obs.DetectorOK {
		return false
	}
	if obs.Result.FaceCount > 0 {
		a.absentSince = time.Time{}
		a.lockFired = false
		return false
	}
	if a.absentSince.IsZero() {
		a.absentSince = obs.Time
	}
	if a.lockFired || !a.policies.LockOnNobody {
		return false
	}
	if obs.Time.Sub(a.absentSince) >= a.policies.Kinds[types.AlertNobody].Debounce {
		a.lockFired = true
		a.locks++
		logger.Info("Alert", "No face for %v, requesting screen lock", obs.Time.Sub(a.absentSince))
		return true
	}
	return false
}

// pickDisplay returns the highest priority Active kind with an overlay. A
// lower priority kind never replaces the shown one while it stays Active.
func (a *Aggregator) pickDisplay() types.AlertKind {
	for _, k := range a.policies.Priority {
		if !k.Valid() {
			continue
		}
		if a.kinds[k].state == Active && a.policies.Kinds[k].Window {
			return k
		}
	}
	return types.AlertNone
}

// State returns the current state of k.
func (a *Aggregator) State(k types.AlertKind) State {
	if !k.Valid() {
		return Idle
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.kinds[k].state
}

// Display returns the kind currently selected for display.
func (a *Aggregator) Display() types.AlertKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.display
}

// Active returns the kinds currently Active in priority order.
func (a *Aggregator) Active() []types.AlertKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []types.AlertKind
	for _, k := range a.policies.Priority {
		if k.Valid() && a.kinds[k].state == Active && !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

// Snapshot copies the state for reporting.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{
		Activations: a.activations,
		Display:     a.display,
		Locks:       a.locks,
	}
	for k := range a.kinds {
		s.States[k] = a.kinds[k].state
	}
	if !a.absentSince.IsZero() {
		s.Absent = a.lastTime.Sub(a.absentSince)
	}
	return s
}
