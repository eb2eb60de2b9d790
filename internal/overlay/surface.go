package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"

	"github.com/dj-oyu/padetect-agent/internal/config"
	"github.com/dj-oyu/padetect-agent/internal/logger"
	"github.com/dj-oyu/padetect-agent/internal/settings"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

// Surface is one full-screen, always-on-top overlay target (one per monitor).
type Surface interface {
	Name() string
	Bounds() image.Rectangle
	Scale() float64
	Show(img image.Image) error
	Hide() error
}

// Snapshotter exposes the last painted image of a surface.
type Snapshotter interface {
	Snapshot() (image.Image, bool)
}

// MemorySurface keeps the painted overlay in memory. It backs headless
// deployments and tests.
type MemorySurface struct {
	name   string
	bounds image.Rectangle
	scale  float64

	mu      sync.RWMutex
	last    image.Image
	visible bool
	shows   int
	hides   int
}

// NewMemorySurface creates a w x h surface at the given DPI scale.
func NewMemorySurface(name string, w, h int, scale float64) *MemorySurface {
	if scale <= 0 {
		scale = 1
	}
	return &MemorySurface{name: name, bounds: image.Rect(0, 0, w, h), scale: scale}
}

func (s *MemorySurface) Name() string            { return s.name }
func (s *MemorySurface) Bounds() image.Rectangle { return s.bounds }
func (s *MemorySurface) Scale() float64          { return s.scale }

func (s *MemorySurface) Show(img image.Image) error {
	s.mu.Lock()
	s.last = img
	s.visible = true
	s.shows++
	s.mu.Unlock()
	return nil
}

func (s *MemorySurface) Hide() error {
	s.mu.Lock()
	s.visible = false
	s.hides++
	s.mu.Unlock()
	return nil
}

// Visible reports whether the overlay is currently shown.
func (s *MemorySurface) Visible() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visible
}

// Counts returns how many times Show and Hide were called.
func (s *MemorySurface) Counts() (shows, hides int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shows, s.hides
}

// Snapshot returns the last painted image while the overlay is visible.
func (s *MemorySurface) Snapshot() (image.Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.visible || s.last == nil {
		return nil, false
	}
	return s.last, true
}

// PNGSurface is a MemorySurface that also writes every painted frame to a
// PNG file, removed again on Hide.
type PNGSurface struct {
	*MemorySurface
	path string
}

// NewPNGSurface creates a surface mirroring its content to path.
func NewPNGSurface(name string, w, h int, scale float64, path string) *PNGSurface {
	return &PNGSurface{MemorySurface: NewMemorySurface(name, w, h, scale), path: path}
}

func (s *PNGSurface) Show(img image.Image) error {
	if err := s.MemorySurface.Show(img); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode overlay: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *PNGSurface) Hide() error {
	if err := s.MemorySurface.Hide(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Enumerate returns one surface per configured monitor. The first monitor
// mirrors to cfg.Snapshot when set.
func Enumerate(cfg config.OverlayConfig) []Surface {
	n := max(1, cfg.Monitors)
	surfaces := make([]Surface, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("monitor%d", i)
		if i == 0 && cfg.Snapshot != "" {
			surfaces = append(surfaces, NewPNGSurface(name, cfg.Width, cfg.Height, cfg.Scale, cfg.Snapshot))
			continue
		}
		surfaces = append(surfaces, NewMemorySurface(name, cfg.Width, cfg.Height, cfg.Scale))
	}
	logger.Info("Overlay", "Enumerated %d surface(s) %dx%d scale=%.2f", n, cfg.Width, cfg.Height, cfg.Scale)
	return surfaces
}

// Presenter broadcasts show/hide to every surface. Painting reads the
// display state without locking; only the surface fan-out is serialized.
type Presenter struct {
	state    *State
	renderer *Renderer
	surfaces []Surface

	mu sync.Mutex
}

// NewPresenter creates a presenter over surfaces.
func NewPresenter(state *State, renderer *Renderer, surfaces []Surface) *Presenter {
	return &Presenter{state: state, renderer: renderer, surfaces: surfaces}
}

// State returns the display state.
func (p *Presenter) State() *State { return p.state }

// Surfaces returns the managed surfaces.
func (p *Presenter) Surfaces() []Surface { return p.surfaces }

// Present shows kind on every surface, or hides them for AlertNone.
func (p *Presenter) Present(kind types.AlertKind) {
	p.state.SetActive(kind)
	p.Repaint()
}

// Repaint renders the current state on every surface.
func (p *Presenter) Repaint() {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.state.Load()
	for _, s := range p.surfaces {
		var err error
		if st.Visible {
			err = s.Show(p.renderer.Render(st, s.Bounds(), s.Scale()))
		} else {
			err = s.Hide()
		}
		if err != nil {
			logger.Warn("Overlay", "Surface %s: %v", s.Name(), err)
		}
	}
}

// ApplySettings updates texts and fonts and repaints a visible overlay.
func (p *Presenter) ApplySettings(meta *settings.Meta) {
	p.state.ApplySettings(meta)
	if p.state.Load().Visible {
		p.Repaint()
	}
}

// Snapshot returns the last image of the first surface that supports it.
func (p *Presenter) Snapshot() (image.Image, bool) {
	for _, s := range p.surfaces {
		if sn, ok := s.(Snapshotter); ok {
			if img, ok := sn.Snapshot(); ok {
				return img, true
			}
		}
	}
	return nil, false
}
