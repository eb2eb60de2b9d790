package agent

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dj-oyu/padetect-agent/internal/logger"
)

// DefaultPollInterval is how often the host loop checks the update sentinel
// and worker liveness.
const DefaultPollInterval = time.Second

// HostEventKind classifies host notifications.
type HostEventKind int

const (
	// UpdateRequested: the sentinel file appeared.
	UpdateRequested HostEventKind = iota
	// WorkerDied: the capture loop stopped on an error.
	WorkerDied
	// StreamEnded: the test video reached its end.
	StreamEnded
)

func (k HostEventKind) String() string {
	switch k {
	case UpdateRequested:
		return "update_requested"
	case WorkerDied:
		return "worker_died"
	case StreamEnded:
		return "stream_ended"
	}
	return "unknown"
}

// HostEvent is delivered on Agent.Events.
type HostEvent struct {
	Kind   HostEventKind
	Reason string
	At     time.Time
}

func (e HostEvent) String() string {
	if e.Reason == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// FailureKind tells the host which startup notice to show.
type FailureKind int

const (
	FailureConfigMissing FailureKind = iota
	FailureConfigInvalid
	FailureStorage
	FailureCamera
	FailureModel
)

func (k FailureKind) String() string {
	switch k {
	case FailureConfigMissing:
		return "config_missing"
	case FailureConfigInvalid:
		return "config_invalid"
	case FailureStorage:
		return "storage"
	case FailureCamera:
		return "camera_unavailable"
	case FailureModel:
		return "model"
	}
	return "unknown"
}

// StartupError is returned by Agent.Start.
type StartupError struct {
	Kind FailureKind
	Err  error
}

func (e *StartupError) Error() string { return fmt.Sprintf("startup failed (%s): %v", e.Kind, e.Err) }

func (e *StartupError) Unwrap() error { return e.Err }

// superviseHost polls the sentinel and the worker. The sentinel is reported
// once per appearance; a worker that was alive and is not any more is
// reported once per death.
func (a *Agent) superviseHost(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.Host.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := a.opts.Clock.NewTicker(interval)
	defer ticker.Stop()

	sentinelSeen := false
	wasAlive := a.worker.Alive()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		if path := a.cfg.Host.SentinelPath; path != "" {
			_, err := os.Stat(path)
			present := err == nil
			if present && !sentinelSeen {
				logger.Info("Agent", "Update sentinel %s found", path)
				a.emit(HostEvent{Kind: UpdateRequested, Reason: path})
			}
			sentinelSeen = present
		}

		alive := a.worker.Alive()
		a.metrics.SetWorkerAlive(alive)
		if wasAlive && !alive {
			st := a.worker.Status()
			if st.Exhausted {
				logger.Info("Agent", "Test stream ended")
				a.emit(HostEvent{Kind: StreamEnded})
			} else {
				reason := st.Reason
				if reason == "" {
					reason = "capture stopped"
				}
				if a.TestPath() == "" {
					logger.Error("Agent", "Camera loop died: %s", reason)
				} else {
					logger.Error("Agent", "Test video loop died: %s", reason)
				}
				a.emit(HostEvent{Kind: WorkerDied, Reason: reason})
			}
		}
		wasAlive = alive
	}
}

func (a *Agent) emit(ev HostEvent) {
	ev.At = a.opts.Clock.Now()
	select {
	case a.events <- ev:
	default:
		logger.Warn("Agent", "Host event dropped, nobody listening: %s", ev)
	}
}
