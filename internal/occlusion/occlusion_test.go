package occlusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/padetect-agent/internal/settings"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

func uniform(v byte) *types.Frame {
	f := types.NewFrame(64, 48, 3)
	for i := range f.Pix {
		f.Pix[i] = v
	}
	return f
}

func TestMeasure(t *testing.T) {
	s, _ := Measure(uniform(100), 0.5, nil)
	assert.InDelta(t, 100, s.Mean, 1e-9)
	assert.InDelta(t, 0, s.StdDev, 1e-9)

	// Bright border outside the central region is ignored.
	f := uniform(5)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < 8; x++ {
			o := y*f.Stride() + x*3
			f.Pix[o], f.Pix[o+1], f.Pix[o+2] = 255, 255, 255
		}
	}
	s, _ = Measure(f, 0.5, nil)
	assert.InDelta(t, 5, s.Mean, 1e-9)

	gray := types.NewFrame(4, 1, 1)
	copy(gray.Pix, []byte{0, 0, 200, 200})
	s, _ = Measure(gray, 1, nil)
	assert.InDelta(t, 100, s.Mean, 1e-9)
	assert.Greater(t, s.StdDev, 100.0)

	s, _ = Measure(&types.Frame{}, 0.5, nil)
	assert.Zero(t, s)
}

func TestHeuristicConsecutiveFrames(t *testing.T) {
	h := New(Config{})
	require.Equal(t, DefaultFrames, h.Config().Frames)

	dark := uniform(5)
	assert.False(t, h.Observe(dark))
	assert.False(t, h.Observe(dark))
	assert.True(t, h.Observe(dark))
	assert.InDelta(t, 5, h.Last().Mean, 1e-9)

	// One in-band frame resets the run.
	assert.False(t, h.Observe(uniform(80)))
	assert.False(t, h.Observe(dark))

	bright := uniform(250)
	h.Reset()
	for i := 0; i < DefaultFrames-1; i++ {
		assert.False(t, h.Observe(bright))
	}
	assert.True(t, h.Observe(bright))
}

func TestHeuristicTenDarkFrames(t *testing.T) {
	h := New(DefaultConfig())
	var occluded bool
	for i := 0; i < 10; i++ {
		occluded = h.Observe(uniform(5))
	}
	assert.True(t, occluded)
}

func TestHeuristicMinStdDev(t *testing.T) {
	h := New(Config{Frames: 1, MinStdDev: 2})
	assert.True(t, h.Observe(uniform(100)), "flat frame in band still counts")

	h.SetConfig(Config{Frames: 1})
	assert.False(t, h.Observe(uniform(100)))
}

func TestHeuristicApplySettings(t *testing.T) {
	h := New(DefaultConfig())
	h.ApplySettings(settings.NewMeta().
		Set("brightness_low", settings.Double(120)).
		Set("brightness_high", settings.Double(60)).
		Set("occlude_frames", settings.Int32(1)))

	cfg := h.Config()
	assert.Equal(t, 60.0, cfg.Low, "inverted band swapped")
	assert.Equal(t, 120.0, cfg.High)
	assert.Equal(t, 1, cfg.Frames)
	assert.Equal(t, DefaultFraction, cfg.Fraction)
	assert.True(t, h.Observe(uniform(30)))
}
