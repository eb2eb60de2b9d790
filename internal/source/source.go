// Package source provides frame sources for the capture worker: cameras and
// test videos (gocv), image directories, and a shared-memory ring buffer.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/dj-oyu/padetect-agent/internal/config"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

var (
	// ErrExhausted marks the end of a finite stream (test video, image set).
	// The worker treats it as a clean stop.
	ErrExhausted = errors.New("source exhausted")

	// ErrFrameDropped is a transient empty or failed read. The worker keeps
	// looping and reports it as a connectivity observation.
	ErrFrameDropped = errors.New("frame dropped")

	// ErrNotOpen is returned by ReadFrame before Open or after Close.
	ErrNotOpen = errors.New("source not open")
)

// OpenError reports that no device or file could be opened.
type OpenError struct {
	Source string
	Reason string
	Err    error
}

func (e *OpenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to open %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to open %s: %s", e.Source, e.Reason)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Source produces frames on demand. A Source is owned by one goroutine.
type Source interface {
	// Open acquires the device or file. Device fallbacks are tried here, once.
	Open(ctx context.Context) error
	// ReadFrame returns the next frame. The returned frame is only valid until
	// the next call; callers that keep it must copy.
	ReadFrame() (*types.Frame, error)
	// Close releases the handle. Safe to call more than once.
	Close() error
	// Name describes the source for logs.
	Name() string
}

// New builds the source selected by cfg.Kind. testPath, when non-empty,
// overrides cfg.Path and forces a file-backed source (testSettings).
func New(cfg config.SourceConfig, testPath string) (Source, error) {
	kind := cfg.Kind
	path := cfg.Path
	if testPath != "" {
		path = testPath
		if kind == "camera" || kind == "shm" {
			kind = "video"
		}
	}

	switch kind {
	case "camera":
		return NewCameraSource(cfg.DeviceIndices, cfg.Width, cfg.Height), nil
	case "video":
		return NewVideoSource(path), nil
	case "images":
		return NewImageDirSource(path, cfg.Loop), nil
	case "shm":
		return NewShmSource(cfg.ShmName, cfg.FrameTimeout), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
}
