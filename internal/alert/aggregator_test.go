package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/padetect-agent/internal/settings"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

const frame = 300 * time.Millisecond

func obsAt(i int, r types.DetectionResult) Observation {
	return Observation{Time: t0.Add(time.Duration(i) * frame), Result: r, DetectorOK: true}
}

// face keeps the Nobody alert quiet in tests about other kinds.
func face(r types.DetectionResult) types.DetectionResult {
	r.FaceCount = max(r.FaceCount, 1)
	return r
}

func TestPhoneActivatesImmediately(t *testing.T) {
	a := NewAggregator(DefaultPolicies())
	var activations int
	for i := 1; i <= 10; i++ {
		r := face(types.DetectionResult{})
		if i >= 3 {
			r.PhoneCount = 1
		}
		d := a.Step(obsAt(i, r))
		for _, tr := range d.Transitions {
			if tr.Kind == types.AlertPhone && tr.Activated() {
				activations++
				assert.Equal(t, 3, i, "phone must become active on frame 3")
				assert.True(t, tr.Policy.Evidence)
			}
		}
		if i >= 3 {
			assert.Equal(t, Active, a.State(types.AlertPhone))
			assert.Equal(t, types.AlertPhone, d.Display)
		} else {
			assert.Equal(t, types.AlertNone, d.Display)
		}
	}
	assert.Equal(t, 1, activations)
	assert.Equal(t, uint64(1), a.Snapshot().Activations[types.AlertPhone])
}

func TestConfirmFramesAndCoolDown(t *testing.T) {
	p := DefaultPolicies()
	p.Kinds[types.AlertPhone].ConfirmFrames = 3
	p.Kinds[types.AlertPhone].CoolDown = time.Second
	a := NewAggregator(p)

	phone := face(types.DetectionResult{PhoneCount: 1})
	none := face(types.DetectionResult{})

	a.Step(obsAt(0, phone))
	assert.Equal(t, Pending, a.State(types.AlertPhone))
	a.Step(obsAt(1, phone))
	assert.Equal(t, Pending, a.State(types.AlertPhone))

	// A clear frame while pending drops back to Idle and restarts the count.
	a.Step(obsAt(2, none))
	assert.Equal(t, Idle, a.State(types.AlertPhone))

	for i := 3; i < 5; i++ {
		a.Step(obsAt(i, phone))
		assert.Equal(t, Pending, a.State(types.AlertPhone))
	}
	a.Step(obsAt(5, phone))
	require.Equal(t, Active, a.State(types.AlertPhone))

	// Last seen at frame 5 (1.5s). Absent for 0.3s, 0.6s, 0.9s: still active.
	for i := 6; i <= 8; i++ {
		a.Step(obsAt(i, none))
		assert.Equal(t, Active, a.State(types.AlertPhone), "frame %d", i)
	}
	// 1.2s >= cool-down.
	d := a.Step(obsAt(9, none))
	assert.Equal(t, Idle, a.State(types.AlertPhone))
	require.Len(t, d.Transitions, 1)
	assert.Equal(t, Transition{Kind: types.AlertPhone, From: Active, To: Idle, At: obsAt(9, none).Time, Policy: p.Kinds[types.AlertPhone]}, d.Transitions[0])
	assert.True(t, d.DisplayChanged)
	assert.Equal(t, types.AlertNone, d.Display)
}

func TestDisableForcesIdleOnNextStep(t *testing.T) {
	a := NewAggregator(DefaultPolicies())
	phone := face(types.DetectionResult{PhoneCount: 1})
	a.Step(obsAt(0, phone))
	require.Equal(t, Active, a.State(types.AlertPhone))

	p := DefaultPolicies()
	p.Kinds[types.AlertPhone].Enabled = false
	a.SetPolicies(p)
	assert.Equal(t, Active, a.State(types.AlertPhone), "staged until the next frame")

	d := a.Step(obsAt(1, phone))
	assert.Equal(t, Idle, a.State(types.AlertPhone))
	require.Len(t, d.Transitions, 1)
	assert.Equal(t, Idle, d.Transitions[0].To)

	for i := 2; i < 6; i++ {
		d = a.Step(obsAt(i, phone))
		assert.Empty(t, d.Transitions)
		assert.Equal(t, Idle, a.State(types.AlertPhone))
	}
}

func TestNobodyTimedDebounceAndLock(t *testing.T) {
	p := DefaultPolicies()
	p.LockOnNobody = true
	a := NewAggregator(p)

	step := func(ms int, faces int) Decision {
		return a.Step(Observation{
			Time:       t0.Add(time.Duration(ms) * time.Millisecond),
			Result:     types.DetectionResult{FaceCount: faces},
			DetectorOK: true,
		})
	}

	step(0, 1)
	var locks int
	for ms := 100; ms <= 4900; ms += 400 {
		if step(ms, 0).Lock {
			locks++
		}
	}
	assert.Equal(t, Pending, a.State(types.AlertNobody))
	assert.Zero(t, locks)

	// Exactly 5000ms after the absence started.
	d := step(5100, 0)
	assert.True(t, d.Lock)
	assert.Equal(t, Active, a.State(types.AlertNobody))
	for ms := 5400; ms < 9000; ms += 300 {
		assert.False(t, step(ms, 0).Lock, "lock fires once per episode")
	}
	assert.Equal(t, uint64(1), a.Snapshot().Locks)

	// Face returns: timer cancelled, next episode can lock again.
	step(9000, 1)
	assert.Zero(t, a.Snapshot().Absent)
	assert.False(t, step(9100, 0).Lock)
	assert.False(t, step(13000, 0).Lock)
	assert.True(t, step(14100, 0).Lock)
	assert.Equal(t, uint64(2), a.Snapshot().Locks)
}

func TestNobodyCancelledByFace(t *testing.T) {
	a := NewAggregator(DefaultPolicies())
	for i := 0; i < 15; i++ {
		a.Step(obsAt(i, types.DetectionResult{}))
	}
	assert.Equal(t, Pending, a.State(types.AlertNobody))
	a.Step(obsAt(15, face(types.DetectionResult{})))
	assert.Equal(t, Idle, a.State(types.AlertNobody))
}

func TestDetectorFailureHoldsNeuralKinds(t *testing.T) {
	a := NewAggregator(DefaultPolicies())
	a.Step(obsAt(0, face(types.DetectionResult{PhoneCount: 1})))
	require.Equal(t, Active, a.State(types.AlertPhone))

	for i := 1; i < 10; i++ {
		a.Step(Observation{Time: obsAt(i, types.DetectionResult{}).Time, DetectorOK: false, Occluded: true})
	}
	assert.Equal(t, Active, a.State(types.AlertPhone))
	assert.Equal(t, Idle, a.State(types.AlertNobody))
	assert.Equal(t, Active, a.State(types.AlertOcclude), "occlusion does not need the detector")
	assert.Equal(t, types.AlertPhone, a.Display(), "phone outranks occlude")
}

func TestOccludeWithoutDetections(t *testing.T) {
	a := NewAggregator(DefaultPolicies())
	for i := 0; i < 10; i++ {
		a.Step(Observation{Time: obsAt(i, types.DetectionResult{}).Time, DetectorOK: true, Occluded: i >= 2,
			Result: types.DetectionResult{FaceCount: 1}})
	}
	assert.Equal(t, Active, a.State(types.AlertOcclude))
	assert.Equal(t, types.AlertOcclude, a.Display())
}

func TestNoConnectTimedDebounce(t *testing.T) {
	a := NewAggregator(DefaultPolicies())
	dropped := func(i int) Observation { return Observation{Time: obsAt(i, types.DetectionResult{}).Time, Dropped: true} }

	for i := 0; i < 10; i++ {
		a.Step(dropped(i))
	}
	assert.Equal(t, Pending, a.State(types.AlertNoConnect), "2.7s < 3s")
	a.Step(dropped(10))
	assert.Equal(t, Active, a.State(types.AlertNoConnect))
	assert.Equal(t, Idle, a.State(types.AlertNobody), "no frame, no face information")
}

func TestDisplayPriority(t *testing.T) {
	a := NewAggregator(DefaultPolicies())

	peep := types.DetectionResult{FaceCount: 2}
	d := a.Step(obsAt(0, peep))
	assert.Equal(t, types.AlertPeep, d.Display)

	// Phone outranks peep and takes over.
	both := types.DetectionResult{FaceCount: 2, PhoneCount: 1}
	d = a.Step(obsAt(1, both))
	assert.True(t, d.DisplayChanged)
	assert.Equal(t, types.AlertPhone, d.Display)

	// Occlude arrives while phone is shown: lower priority, no pre-emption.
	d = a.Step(Observation{Time: obsAt(2, both).Time, Result: both, DetectorOK: true, Occluded: true})
	assert.False(t, d.DisplayChanged)
	assert.Equal(t, types.AlertPhone, d.Display)
	assert.ElementsMatch(t, []types.AlertKind{types.AlertPhone, types.AlertPeep, types.AlertOcclude}, a.Active())

	// Custom order puts occlude first.
	p := DefaultPolicies()
	p.Priority, _ = ParsePriority("occlude")
	a.SetPolicies(p)
	d = a.Step(Observation{Time: obsAt(3, both).Time, Result: both, DetectorOK: true, Occluded: true})
	assert.Equal(t, types.AlertOcclude, d.Display)
}

func TestWindowDisabledNotDisplayed(t *testing.T) {
	p := DefaultPolicies()
	p.Kinds[types.AlertPhone].Window = false
	a := NewAggregator(p)
	d := a.Step(obsAt(0, face(types.DetectionResult{PhoneCount: 1})))
	assert.Equal(t, Active, a.State(types.AlertPhone))
	assert.Equal(t, types.AlertNone, d.Display)
}

func TestSuspect(t *testing.T) {
	p := DefaultPolicies()
	p.Kinds[types.AlertSuspect].Enabled = true
	a := NewAggregator(p)
	a.Step(obsAt(0, face(types.DetectionResult{SuspectedCount: 2, PhoneCount: 1})))
	assert.Equal(t, Idle, a.State(types.AlertSuspect), "confirmed phone supersedes suspicion")
	a.Step(obsAt(1, face(types.DetectionResult{SuspectedCount: 1})))
	assert.Equal(t, Active, a.State(types.AlertSuspect))
}

func TestParsePriority(t *testing.T) {
	got, err := ParsePriority(" Nobody, phone,phone ,")
	require.NoError(t, err)
	assert.Equal(t, []types.AlertKind{
		types.AlertNobody, types.AlertPhone,
		types.AlertPeep, types.AlertOcclude, types.AlertNoConnect, types.AlertSuspect,
	}, got)

	_, err = ParsePriority("phone,fire")
	assert.Error(t, err)
}

func TestPoliciesFromSettings(t *testing.T) {
	meta := settings.NewMeta().
		Set("alert_phone_enable", settings.Bool(false)).
		Set("alert_peep_window_enable", settings.Bool(false)).
		Set("alert_occlude_camera_enable", settings.Bool(true)).
		Set("alert_suspect_confirm_frames", settings.Int32(4)).
		Set("alert_show_interval", settings.Int32(800)).
		Set("no_face_lock_timeout", settings.Int32(2000)).
		Set("alert_nobody_lock_enable", settings.Bool(true)).
		Set("peep_face_count", settings.Int32(3)).
		Set("alert_priority", settings.String("nobody,phone"))

	p, err := PoliciesFromSettings(meta)
	require.NoError(t, err)
	assert.False(t, p.Kinds[types.AlertPhone].Enabled)
	assert.False(t, p.Kinds[types.AlertPeep].Window)
	assert.True(t, p.Kinds[types.AlertOcclude].Evidence)
	assert.Equal(t, 4, p.Kinds[types.AlertSuspect].ConfirmFrames)
	assert.Equal(t, 800*time.Millisecond, p.Kinds[types.AlertNoConnect].CoolDown)
	assert.Equal(t, 2*time.Second, p.Kinds[types.AlertNobody].Debounce)
	assert.Equal(t, DefaultNoConnectTimeout, p.Kinds[types.AlertNoConnect].Debounce)
	assert.True(t, p.LockOnNobody)
	assert.Equal(t, 3, p.PeepFaceCount)
	assert.Equal(t, types.AlertNobody, p.Priority[0])

	_, err = PoliciesFromSettings(settings.NewMeta().Set("alert_priority", settings.String("bogus")))
	assert.Error(t, err)
}
