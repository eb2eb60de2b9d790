package overlay

import (
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/padetect-agent/internal/config"
	"github.com/dj-oyu/padetect-agent/internal/settings"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

func TestStateDefaultsAndSettings(t *testing.T) {
	s := NewState()
	st := s.Load()
	assert.False(t, st.Visible)
	assert.Equal(t, types.AlertNone, st.Kind)
	assert.Equal(t, "", st.Text())
	assert.Equal(t, DefaultFontSize, st.FontSize)

	s.ApplySettings(settings.NewMeta().
		Set("alert_string_phone", settings.String("No photos")).
		Set("alert_font", settings.String("Arial")).
		Set("alert_font_size", settings.Int32(-5)).
		Set("alert_version", settings.String("v2.1")))

	st = s.SetActive(types.AlertPhone)
	assert.True(t, st.Visible)
	assert.Equal(t, "No photos", st.Text())
	assert.Equal(t, "Arial", st.FontFamily)
	assert.Equal(t, DefaultFontSize, st.FontSize, "invalid size falls back")
	assert.Equal(t, "v2.1", st.Version)
	assert.Equal(t, defaultTexts[types.AlertPeep], st.Texts[types.AlertPeep])

	st = s.SetActive(types.AlertNone)
	assert.False(t, st.Visible)
}

func TestStateSnapshotsAreImmutable(t *testing.T) {
	s := NewState()
	before := s.Load()
	s.SetActive(types.AlertOcclude)
	assert.Equal(t, types.AlertNone, before.Kind)
	assert.Equal(t, types.AlertOcclude, s.Load().Kind)
}

func TestStateConcurrentReadersAndWriters(t *testing.T) {
	s := NewState()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.SetActive(types.AlertKind(j % types.NumAlertKinds))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				st := s.Load()
				if st.Visible {
					assert.NotEmpty(t, st.Text())
				}
			}
		}()
	}
	wg.Wait()
}

func TestRendererFallsBackToBundledFont(t *testing.T) {
	r := NewRenderer([]string{t.TempDir()})
	assert.Equal(t, lastResortFamily, r.Resolve("NoSuchFont", 60, 1))

	st := DefaultDisplayState()
	st.Kind = types.AlertPhone
	st.Visible = true
	st.Texts[types.AlertPhone] = "PHONE DETECTED"
	st.Version = "1.0.0"

	img := r.Render(&st, image.Rect(0, 0, 400, 200), 1)
	assert.Equal(t, backgroundColor, img.RGBAAt(2, 2))

	var white, grey int
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			switch img.RGBAAt(x, y) {
			case textColor:
				white++
			case footerColor:
				grey++
			}
		}
	}
	assert.Positive(t, white, "message painted")
	assert.Positive(t, grey, "footer painted")
}

func TestRendererFindsFontFile(t *testing.T) {
	dir := t.TempDir()
	r := NewRenderer([]string{dir})
	assert.Equal(t, lastResortFamily, r.Resolve("Arial", 20, 1))

	// A corrupt file is skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "simhei.ttf"), []byte("not a font"), 0o644))
	r = NewRenderer([]string{dir})
	assert.Equal(t, lastResortFamily, r.Resolve("SimHei", 20, 1))
}

func TestWrapLongMessages(t *testing.T) {
	r := NewRenderer([]string{t.TempDir()})
	st := DefaultDisplayState()
	st.Kind = types.AlertPeep
	st.Visible = true
	st.Texts[types.AlertPeep] = "someone may be looking over your shoulder please check"
	img := r.Render(&st, image.Rect(0, 0, 120, 400), 1)
	assert.Equal(t, image.Rect(0, 0, 120, 400), img.Bounds())
}

func TestPresenterBroadcast(t *testing.T) {
	snap := filepath.Join(t.TempDir(), "overlay.png")
	surfaces := Enumerate(config.OverlayConfig{Monitors: 2, Width: 160, Height: 90, Scale: 1.5, Snapshot: snap})
	require.Len(t, surfaces, 2)
	p := NewPresenter(NewState(), NewRenderer([]string{t.TempDir()}), surfaces)

	_, ok := p.Snapshot()
	assert.False(t, ok)

	p.Present(types.AlertNobody)
	for _, s := range surfaces {
		var mem *MemorySurface
		switch v := s.(type) {
		case *MemorySurface:
			mem = v
		case *PNGSurface:
			mem = v.MemorySurface
		}
		require.NotNil(t, mem)
		assert.True(t, mem.Visible(), s.Name())
	}
	img, ok := p.Snapshot()
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 160, 90), img.Bounds())
	assert.FileExists(t, snap)

	// Settings change while visible repaints.
	p.ApplySettings(settings.NewMeta().Set("alert_string_nobody", settings.String("Away")))
	shows, _ := surfaces[1].(*MemorySurface).Counts()
	assert.Equal(t, 2, shows)

	p.Present(types.AlertNone)
	_, hides := surfaces[1].(*MemorySurface).Counts()
	assert.Equal(t, 1, hides)
	assert.NoFileExists(t, snap)
	_, ok = p.Snapshot()
	assert.False(t, ok)
}
