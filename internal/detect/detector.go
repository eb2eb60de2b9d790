package detect

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dj-oyu/padetect-agent/internal/logger"
	"github.com/dj-oyu/padetect-agent/internal/metrics"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

// Engine runs the network on a letterboxed blob. Returned boxes are in
// model input pixel space.
type Engine interface {
	Infer(blob *Blob) ([]RawBox, error)
	InputSize() int
	Close() error
}

// Detector wraps an Engine with preprocessing, decoding and classification.
// It is owned by a single goroutine; only Params is shared.
type Detector struct {
	engine    Engine
	params    *Params
	letterbox *Letterbox
	cachePath string
	iou       float64
	metrics   *metrics.Metrics
}

// Options configures a Detector.
type Options struct {
	CachePath    string  // geometry cache, empty to disable
	IoUThreshold float64 // 0 means DefaultIoUThreshold
	Metrics      *metrics.Metrics
}

// New creates a detector over engine. A cached letterbox geometry is restored
// when present.
func New(engine Engine, params *Params, opts Options) *Detector {
	if params == nil {
		params = NewParams()
	}
	if opts.IoUThreshold <= 0 {
		opts.IoUThreshold = DefaultIoUThreshold
	}
	d := &Detector{
		engine:    engine,
		params:    params,
		letterbox: NewLetterbox(engine.InputSize()),
		cachePath: opts.CachePath,
		iou:       opts.IoUThreshold,
		metrics:   opts.Metrics,
	}
	if opts.CachePath != "" {
		g, err := LoadGeometry(opts.CachePath)
		switch {
		case err == nil:
			d.letterbox.Restore(g)
			logger.Debug("Detect", "Restored letterbox geometry %dx%d scale=%.4f", g.SrcW, g.SrcH, g.Scale)
		case !errors.Is(err, os.ErrNotExist):
			logger.Warn("Detect", "Ignoring geometry cache: %v", err)
		}
	}
	return d
}

// Params returns the shared thresholds.
func (d *Detector) Params() *Params { return d.params }

// Detect runs one frame through the pipeline. Any engine error or panic is
// logged and reported as ok=false with an empty result.
func (d *Detector) Detect(f *types.Frame) (res types.DetectionResult, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Detect", "Inference panic: %v", r)
			res, ok = types.DetectionResult{}, false
			d.countError()
		}
	}()

	dets, err := d.run(f)
	if err != nil {
		logger.Error("Detect", "Inference failed: %v", err)
		d.countError()
		return types.DetectionResult{}, false
	}
	return Classify(dets, d.params.Snapshot()), true
}

func (d *Detector) run(f *types.Frame) ([]types.Detection, error) {
	blob, err := d.letterbox.Apply(f)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := d.engine.Infer(blob)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if d.metrics != nil {
		d.metrics.UpdateInferenceLatency(time.Since(start))
	}

	floor := d.params.Snapshot().MinScore()
	dets := make([]types.Detection, 0, len(raw))
	for _, r := range raw {
		if r.Score < floor {
			continue
		}
		box, ok := blob.Geometry.Decode(r)
		if !ok {
			continue
		}
		dets = append(dets, types.Detection{Box: box, Score: r.Score, ClassID: r.ClassID})
	}
	return NMS(dets, d.iou), nil
}

func (d *Detector) countError() {
	if d.metrics != nil {
		d.metrics.DetectErrors.Add(1)
	}
}

// Close releases the engine and flushes the geometry cache.
func (d *Detector) Close() error {
	var errs []error
	if g, ok := d.letterbox.Geometry(); ok && d.cachePath != "" {
		if err := SaveGeometry(d.cachePath, g); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	return errors.Join(errs...)
}

// Letterbox exposes the preprocessing stage.
func (d *Detector) Letterbox() *Letterbox { return d.letterbox }
