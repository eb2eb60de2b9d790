// Package evidence persists alert frames to the spool directory and uploads
// them in the background.
package evidence

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/padetect-agent/internal/logger"
	"github.com/dj-oyu/padetect-agent/internal/metrics"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

const (
	// TimeLayout is the timestamp embedded in evidence filenames.
	TimeLayout = "20060102_150405.000"
	// Ext is the extension of spooled evidence files.
	Ext = ".jpg"

	tmpSuffix  = ".tmp"
	queueDepth = 8
)

// DefaultJPEGQuality matches the upload service expectations.
const DefaultJPEGQuality = 90

// FileName builds "<kind>_<timestamp>_<id8>.jpg".
func FileName(kind types.AlertKind, at time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s%s", kind, at.Format(TimeLayout), id, Ext)
}

// ParseFileName extracts kind and timestamp from a spooled filename.
func ParseFileName(name string) (types.AlertKind, time.Time, error) {
	base := strings.TrimSuffix(filepath.Base(name), Ext)
	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 || len(parts[1]) < len(TimeLayout) {
		return types.AlertNone, time.Time{}, fmt.Errorf("unrecognized evidence name %q", name)
	}
	kind, err := types.ParseAlertKind(parts[0])
	if err != nil {
		return types.AlertNone, time.Time{}, err
	}
	at, err := time.ParseInLocation(TimeLayout, parts[1][:len(TimeLayout)], time.Local)
	if err != nil {
		return types.AlertNone, time.Time{}, fmt.Errorf("bad timestamp in %q: %w", name, err)
	}
	return kind, at, nil
}

type job struct {
	kind  types.AlertKind
	frame *types.Frame
	at    time.Time
}

// Writer encodes frames as JPEG into the spool directory. Submit queues a copy
// of the frame for the background goroutine so the capture loop never waits
// on disk; Write does the same synchronously.
type Writer struct {
	dir     string
	quality int
	store   *Store
	metrics *metrics.Metrics

	mu      sync.RWMutex
	running bool
	jobs    chan job
	wg      sync.WaitGroup
	written uint64
}

// NewWriter creates a writer over dir. store and m may be nil.
func NewWriter(dir string, quality int, store *Store, m *metrics.Metrics) *Writer {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &Writer{dir: dir, quality: quality, store: store, metrics: m}
}

// Dir returns the spool directory.
func (w *Writer) Dir() string { return w.dir }

// Start launches the background writer.
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("already running")
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool dir: %w", err)
	}
	w.jobs = make(chan job, queueDepth)
	w.running = true
	w.wg.Add(1)
	go w.run(w.jobs)
	return nil
}

// Stop drains queued frames and waits for the background writer.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.jobs)
	w.mu.Unlock()
	w.wg.Wait()
}

// Submit queues f for writing (non-blocking). It returns false when the
// writer is stopped or the queue is full.
func (w *Writer) Submit(kind types.AlertKind, f *types.Frame, at time.Time) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.running {
		return false
	}
	select {
	case w.jobs <- job{kind: kind, frame: f.CopyInto(nil), at: at}:
		return true
	default:
		logger.Warn("Evidence", "Queue full, dropping %s frame", kind)
		w.countError()
		return false
	}
}

func (w *Writer) run(jobs <-chan job) {
	defer w.wg.Done()
	for j := range jobs {
		if _, err := w.Write(j.kind, j.frame, j.at); err != nil {
			logger.Error("Evidence", "Failed to write %s evidence: %v", j.kind, err)
		}
	}
}

// Write encodes f and atomically places it in the spool directory.
func (w *Writer) Write(kind types.AlertKind, f *types.Frame, at time.Time) (string, error) {
	if !f.Valid() {
		w.countError()
		return "", fmt.Errorf("invalid frame")
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.RGBA(nil), &jpeg.Options{Quality: w.quality}); err != nil {
		w.countError()
		return "", fmt.Errorf("encode jpeg: %w", err)
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.countError()
		return "", fmt.Errorf("failed to create spool dir: %w", err)
	}
	path := filepath.Join(w.dir, FileName(kind, at))
	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		w.countError()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		w.countError()
		return "", fmt.Errorf("failed to publish file: %w", err)
	}

	if w.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := w.store.Record(ctx, kind.String(), path, int64(buf.Len()), at); err != nil {
			logger.Warn("Evidence", "Event log: %v", err)
		}
		cancel()
	}

	w.mu.Lock()
	w.written++
	w.mu.Unlock()
	if w.metrics != nil {
		w.metrics.EvidenceWritten.Add(1)
		w.metrics.SpoolFiles.Add(1)
	}
	logger.Info("Evidence", "Saved %s (%d bytes)", filepath.Base(path), buf.Len())
	return path, nil
}

// Written returns the number of files written.
func (w *Writer) Written() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.written
}

func (w *Writer) countError() {
	if w.metrics != nil {
		w.metrics.EvidenceErrors.Add(1)
	}
}
