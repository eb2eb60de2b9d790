// Package worker runs the capture loop: read a frame, check occlusion, run
// the detector, step the alert aggregator and fire the side effects.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/padetect-agent/internal/alert"
	"github.com/dj-oyu/padetect-agent/internal/clock"
	"github.com/dj-oyu/padetect-agent/internal/detect"
	"github.com/dj-oyu/padetect-agent/internal/evidence"
	"github.com/dj-oyu/padetect-agent/internal/logger"
	"github.com/dj-oyu/padetect-agent/internal/metrics"
	"github.com/dj-oyu/padetect-agent/internal/occlusion"
	"github.com/dj-oyu/padetect-agent/internal/overlay"
	"github.com/dj-oyu/padetect-agent/internal/settings"
	"github.com/dj-oyu/padetect-agent/internal/source"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

const (
	// DefaultCaptureInterval is the pause between iterations (cap_interval).
	DefaultCaptureInterval = 300 * time.Millisecond
	// DefaultMaxReadFailures consecutive hard read errors stop the loop.
	DefaultMaxReadFailures = 10

	minCaptureInterval = 10 * time.Millisecond
)

// ErrRunning is returned by Start and Restart while the loop is running.
var ErrRunning = errors.New("worker already running")

// Lifecycle of the capture loop.
type Lifecycle int

const (
	NotStarted Lifecycle = iota
	Running
	StoppedClean
	StoppedError
)

func (l Lifecycle) String() string {
	switch l {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case StoppedClean:
		return "stopped_clean"
	case StoppedError:
		return "stopped_error"
	}
	return "unknown"
}

// Status is the externally visible worker state.
type Status struct {
	Lifecycle Lifecycle `json:"-"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Exhausted bool      `json:"exhausted"` // stopped because the test stream ended
	Source    string    `json:"source,omitempty"`
	Frames    uint64    `json:"frames"`
	Since     time.Time `json:"since"`
}

// Event is published after an iteration that changed something.
type Event struct {
	Time        time.Time
	Transitions []alert.Transition
	Display     types.AlertKind
	Changed     bool // display changed
	Lock        bool
	Result      types.DetectionResult
}

// SourceFactory builds a fresh, unopened frame source.
type SourceFactory func() (source.Source, error)

// DetectorFactory builds a fresh detector.
type DetectorFactory func() (*detect.Detector, error)

// Deps are the collaborators of a Worker. Presenter, Evidence, Metrics,
// OnLock and OnEvent are optional.
type Deps struct {
	NewSource   SourceFactory
	NewDetector DetectorFactory
	Occlusion   *occlusion.Heuristic
	Aggregator  *alert.Aggregator
	Presenter   *overlay.Presenter
	Evidence    *evidence.Writer
	Metrics     *metrics.Metrics
	Clock       clock.Clock
	OnLock      func()
	OnEvent     func(Event)
}

// Worker owns the frame source and the detector while running.
type Worker struct {
	deps  Deps
	clock clock.Clock

	interval    atomic.Int64 // nanoseconds
	maxFailures atomic.Int64
	resetCh     chan struct{}

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	wg     sync.WaitGroup
	alive  atomic.Bool

	// owned by the loop goroutine
	src      source.Source
	det      *detect.Detector
	failures int
	frames   uint64
}

// New creates a stopped worker.
func New(deps Deps) *Worker {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Occlusion == nil {
		deps.Occlusion = occlusion.New(occlusion.DefaultConfig())
	}
	if deps.Aggregator == nil {
		deps.Aggregator = alert.NewAggregator(alert.DefaultPolicies())
	}
	w := &Worker{
		deps:    deps,
		clock:   deps.Clock,
		resetCh: make(chan struct{}, 1),
		status:  Status{Lifecycle: NotStarted, State: NotStarted.String()},
	}
	w.interval.Store(int64(DefaultCaptureInterval))
	w.maxFailures.Store(DefaultMaxReadFailures)
	return w
}

// Interval returns the pause between iterations.
func (w *Worker) Interval() time.Duration { return time.Duration(w.interval.Load()) }

// SetInterval changes the pause between iterations; it applies after the
// current one.
func (w *Worker) SetInterval(d time.Duration) {
	if d < minCaptureInterval {
		d = minCaptureInterval
	}
	if time.Duration(w.interval.Swap(int64(d))) == d {
		return
	}
	logger.Info("Worker", "Capture interval set to %v", d)
	select {
	case w.resetCh <- struct{}{}:
	default:
	}
}

// ApplySettings consumes imageProcessSettings: cap_interval, max_read_failures
// and the occlusion band.
func (w *Worker) ApplySettings(meta *settings.Meta) {
	ms := meta.Int32OrDefault("cap_interval", int32(DefaultCaptureInterval/time.Millisecond))
	w.SetInterval(time.Duration(ms) * time.Millisecond)
	n := meta.Int32OrDefault("max_read_failures", DefaultMaxReadFailures)
	if n < 1 {
		n = DefaultMaxReadFailures
	}
	w.maxFailures.Store(int64(n))
	w.deps.Occlusion.ApplySettings(meta)
}

// Alive reports whether the loop is running. Hosts poll it.
func (w *Worker) Alive() bool { return w.alive.Load() }

// Status returns a copy of the current status.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// SetEvidence attaches the evidence writer. Call it before Start.
func (w *Worker) SetEvidence(ev *evidence.Writer) { w.deps.Evidence = ev }

// Aggregator returns the decision state shared with the status API.
func (w *Worker) Aggregator() *alert.Aggregator { return w.deps.Aggregator }

// Start opens the source, builds the detector and launches the loop. Open
// failures are returned (and recorded as StoppedError) so the host can show
// a startup notice.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.Lifecycle == Running {
		return ErrRunning
	}
	// A loop that ended on its own may still be releasing resources.
	w.wg.Wait()

	src, err := w.deps.NewSource()
	if err != nil {
		w.setStoppedLocked(StoppedError, err.Error(), false)
		return err
	}
	if err := src.Open(ctx); err != nil {
		src.Close()
		w.setStoppedLocked(StoppedError, err.Error(), false)
		return err
	}
	det, err := w.deps.NewDetector()
	if err != nil {
		src.Close()
		w.setStoppedLocked(StoppedError, err.Error(), false)
		return fmt.Errorf("failed to create detector: %w", err)
	}

	w.src, w.det = src, det
	w.failures, w.frames = 0, 0
	w.deps.Occlusion.Reset()

	if w.cancel != nil {
		w.cancel()
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.status = Status{
		Lifecycle: Running,
		State:     Running.String(),
		Source:    src.Name(),
		Since:     w.clock.Now(),
	}
	w.setAlive(true)
	w.wg.Add(1)
	go w.run(ctx)

	logger.Info("Worker", "Started on %s (interval %v)", src.Name(), w.Interval())
	return nil
}

// Stop signals the loop and waits until the in-flight iteration finished and
// the source and detector were released.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	w.wg.Wait()
}

// Restart starts a stopped worker again.
func (w *Worker) Restart(ctx context.Context) error {
	if w.Status().Lifecycle == Running {
		return ErrRunning
	}
	w.Stop()
	return w.Start(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	defer w.release()

	ticker := w.clock.NewTicker(w.Interval())
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			w.setStopped(StoppedClean, "stopped", false)
			return
		}
		if done := w.iterate(); done {
			return
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				w.setStopped(StoppedClean, "stopped", false)
				return
			case <-w.resetCh:
				ticker.Reset(w.Interval())
			case <-ticker.C():
				break wait
			}
		}
	}
}

// iterate runs one capture-detect-decide-act pass. It returns true when the
// loop must end; the final status is already recorded then.
func (w *Worker) iterate() bool {
	m := w.deps.Metrics
	obs := alert.Observation{Time: w.clock.Now()}

	f, err := w.src.ReadFrame()
	switch {
	case err == nil:
		w.failures = 0
		w.frames++
		if m != nil {
			m.FramesCaptured.Add(1)
		}
		obs.Occluded = w.deps.Occlusion.Observe(f)
		if obs.Occluded && m != nil {
			m.OccludedFrames.Add(1)
		}
		obs.Result, obs.DetectorOK = w.det.Detect(f)

	case errors.Is(err, source.ErrExhausted):
		logger.Info("Worker", "Stream ended after %d frames", w.frames)
		w.setStopped(StoppedClean, "stream ended", true)
		return true

	case errors.Is(err, source.ErrFrameDropped):
		f = nil
		obs.Dropped = true
		if m != nil {
			m.FramesDropped.Add(1)
		}

	default:
		f = nil
		obs.Dropped = true
		w.failures++
		if m != nil {
			m.ReadErrors.Add(1)
		}
		limit := int(w.maxFailures.Load())
		logger.Warn("Worker", "Read error (%d/%d): %v", w.failures, limit, err)
		if w.failures >= limit {
			w.setStopped(StoppedError, fmt.Sprintf("read failed %d times: %v", w.failures, err), false)
			return true
		}
	}

	dec := w.deps.Aggregator.Step(obs)
	w.act(dec, f, obs)

	if f != nil && m != nil && !f.Timestamp.IsZero() {
		m.UpdateFrameLatency(f.Timestamp)
	}
	w.mu.Lock()
	w.status.Frames = w.frames
	w.mu.Unlock()
	return false
}

func (w *Worker) act(dec alert.Decision, f *types.Frame, obs alert.Observation) {
	m := w.deps.Metrics
	for _, t := range dec.Transitions {
		if !t.Activated() {
			continue
		}
		logger.Info("Worker", "Alert %s active", t.Kind)
		if m != nil {
			m.RecordActivation(t.Kind)
		}
		if t.Policy.Evidence && f != nil && w.deps.Evidence != nil {
			w.deps.Evidence.Submit(t.Kind, f, t.At)
		}
	}

	if dec.DisplayChanged {
		if w.deps.Presenter != nil {
			w.deps.Presenter.Present(dec.Display)
		}
		if m != nil {
			m.ActiveAlert.Store(int64(dec.Display))
		}
	}

	if dec.Lock {
		logger.Warn("Worker", "No face for too long, locking screen")
		if m != nil {
			m.LockTriggers.Add(1)
		}
		if w.deps.OnLock != nil {
			w.deps.OnLock()
		}
	}

	if w.deps.OnEvent != nil && (len(dec.Transitions) > 0 || dec.DisplayChanged || dec.Lock) {
		w.deps.OnEvent(Event{
			Time:        obs.Time,
			Transitions: dec.Transitions,
			Display:     dec.Display,
			Changed:     dec.DisplayChanged,
			Lock:        dec.Lock,
			Result:      obs.Result,
		})
	}
}

func (w *Worker) release() {
	if w.det != nil {
		if err := w.det.Close(); err != nil {
			logger.Warn("Worker", "Detector close: %v", err)
		}
		w.det = nil
	}
	if w.src != nil {
		if err := w.src.Close(); err != nil {
			logger.Warn("Worker", "Source close: %v", err)
		}
		w.src = nil
	}
	w.setAlive(false)
}

func (w *Worker) setStopped(l Lifecycle, reason string, exhausted bool) {
	w.mu.Lock()
	w.setStoppedLocked(l, reason, exhausted)
	w.mu.Unlock()
}

func (w *Worker) setStoppedLocked(l Lifecycle, reason string, exhausted bool) {
	if l == StoppedError {
		logger.Error("Worker", "Stopped: %s", reason)
	} else {
		logger.Info("Worker", "Stopped: %s", reason)
	}
	w.status.Lifecycle = l
	w.status.State = l.String()
	w.status.Reason = reason
	w.status.Exhausted = exhausted
	w.status.Since = w.clock.Now()
	w.status.Frames = w.frames
}

func (w *Worker) setAlive(alive bool) {
	w.alive.Store(alive)
	if w.deps.Metrics != nil {
		w.deps.Metrics.SetWorkerAlive(alive)
	}
}
