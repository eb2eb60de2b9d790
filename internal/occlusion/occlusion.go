// Package occlusion flags covered or disconnected cameras from raw frame
// brightness, without running the detector.
package occlusion

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/dj-oyu/padetect-agent/internal/logger"
	"github.com/dj-oyu/padetect-agent/internal/settings"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

// Defaults for the brightness band and debounce.
const (
	DefaultLow      = 30.01
	DefaultHigh     = 150.01
	DefaultFrames   = 3
	DefaultFraction = 0.5
)

// Config bounds the acceptable brightness of the central region.
type Config struct {
	Low       float64 // mean below this counts as occluded
	High      float64 // mean above this counts as occluded
	Frames    int     // consecutive out-of-band frames before flagging
	Fraction  float64 // edge fraction of the central region, (0,1]
	MinStdDev float64 // frames flatter than this also count, 0 disables
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Low:      DefaultLow,
		High:     DefaultHigh,
		Frames:   DefaultFrames,
		Fraction: DefaultFraction,
	}
}

// Stats is the brightness summary of one frame.
type Stats struct {
	Mean   float64
	StdDev float64
}

// Measure computes grayscale mean and standard deviation over the centred
// region covering fraction of each dimension. Gray frames are used directly;
// BGR frames use BT.601 luma.
func Measure(f *types.Frame, fraction float64, buf []float64) (Stats, []float64) {
	if !f.Valid() {
		return Stats{}, buf
	}
	if fraction <= 0 || fraction > 1 {
		fraction = 1
	}
	rw := max(1, int(float64(f.Width)*fraction))
	rh := max(1, int(float64(f.Height)*fraction))
	x0 := (f.Width - rw) / 2
	y0 := (f.Height - rh) / 2

	buf = buf[:0]
	stride := f.Stride()
	for y := y0; y < y0+rh; y++ {
		row := f.Pix[y*stride:]
		for x := x0; x < x0+rw; x++ {
			o := x * f.Channels
			if f.Channels < 3 {
				buf = append(buf, float64(row[o]))
				continue
			}
			b, g, r := float64(row[o]), float64(row[o+1]), float64(row[o+2])
			buf = append(buf, 0.299*r+0.587*g+0.114*b)
		}
	}

	mean, variance := stat.MeanVariance(buf, nil)
	if math.IsNaN(variance) || variance < 0 {
		variance = 0
	}
	return Stats{Mean: mean, StdDev: math.Sqrt(variance)}, buf
}

// Heuristic tracks consecutive out-of-band frames.
type Heuristic struct {
	mu     sync.RWMutex
	cfg    Config
	run    int
	last   Stats
	buf    []float64
	active bool
}

// New creates a heuristic with cfg; zero fields take the defaults.
func New(cfg Config) *Heuristic {
	return &Heuristic{cfg: sanitize(cfg)}
}

func sanitize(cfg Config) Config {
	d := DefaultConfig()
	if cfg.Frames <= 0 {
		cfg.Frames = d.Frames
	}
	if cfg.Fraction <= 0 || cfg.Fraction > 1 {
		cfg.Fraction = d.Fraction
	}
	if cfg.Low == 0 && cfg.High == 0 {
		cfg.Low, cfg.High = d.Low, d.High
	}
	if cfg.Low > cfg.High {
		logger.Warn("Occlusion", "Brightness band inverted (%.2f > %.2f), swapping", cfg.Low, cfg.High)
		cfg.Low, cfg.High = cfg.High, cfg.Low
	}
	return cfg
}

// Config returns the active configuration.
func (h *Heuristic) Config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// SetConfig replaces the thresholds; the consecutive counter is kept.
func (h *Heuristic) SetConfig(cfg Config) {
	cfg = sanitize(cfg)
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

// ApplySettings reads brightness_low, brightness_high, occlude_frames,
// occlude_region and occlude_min_stddev from imageProcessSettings.
func (h *Heuristic) ApplySettings(meta *settings.Meta) {
	d := DefaultConfig()
	h.SetConfig(Config{
		Low:       meta.DoubleOrDefault("brightness_low", d.Low),
		High:      meta.DoubleOrDefault("brightness_high", d.High),
		Frames:    int(meta.Int32OrDefault("occlude_frames", int32(d.Frames))),
		Fraction:  meta.DoubleOrDefault("occlude_region", d.Fraction),
		MinStdDev: meta.DoubleOrDefault("occlude_min_stddev", 0),
	})
}

// Observe measures f and reports whether the camera is considered occluded.
// Only the capture goroutine calls Observe.
func (h *Heuristic) Observe(f *types.Frame) bool {
	cfg := h.Config()

	var s Stats
	s, h.buf = Measure(f, cfg.Fraction, h.buf)
	out := s.Mean < cfg.Low || s.Mean > cfg.High ||
		(cfg.MinStdDev > 0 && s.StdDev < cfg.MinStdDev)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = s
	if out {
		h.run++
	} else {
		h.run = 0
	}
	active := h.run >= cfg.Frames
	if active != h.active {
		logger.Debug("Occlusion", "Occluded=%v (mean=%.1f stddev=%.1f run=%d)", active, s.Mean, s.StdDev, h.run)
	}
	h.active = active
	return active
}

// Last returns the statistics of the most recent frame.
func (h *Heuristic) Last() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// Reset clears the consecutive counter.
func (h *Heuristic) Reset() {
	h.mu.Lock()
	h.run = 0
	h.active = false
	h.mu.Unlock()
}
