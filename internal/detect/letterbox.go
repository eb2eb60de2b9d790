package detect

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/dj-oyu/padetect-agent/pkg/types"
)

// PadValue is the neutral grey used for letterbox borders.
const PadValue = 144

// Geometry describes how a source frame maps onto the square model input.
type Geometry struct {
	SrcW    int     `json:"src_w"`
	SrcH    int     `json:"src_h"`
	Size    int     `json:"size"`
	Scale   float64 `json:"scale"`
	NewW    int     `json:"new_w"`
	NewH    int     `json:"new_h"`
	PadLeft int     `json:"pad_left"`
	PadTop  int     `json:"pad_top"`
}

// ComputeGeometry fits srcW x srcH into a size x size square preserving aspect.
func ComputeGeometry(srcW, srcH, size int) Geometry {
	scale := math.Min(float64(size)/float64(srcW), float64(size)/float64(srcH))
	newW := int(float64(srcW) * scale)
	newH := int(float64(srcH) * scale)
	return Geometry{
		SrcW:    srcW,
		SrcH:    srcH,
		Size:    size,
		Scale:   scale,
		NewW:    newW,
		NewH:    newH,
		PadLeft: (size - newW) / 2,
		PadTop:  (size - newH) / 2,
	}
}

// Matches reports whether the geometry was computed for this source size.
func (g Geometry) Matches(w, h, size int) bool {
	return g.Scale > 0 && g.SrcW == w && g.SrcH == h && g.Size == size
}

// Blob is the letterboxed model input for one frame.
type Blob struct {
	Image    *image.RGBA // size x size, RGB order
	Geometry Geometry
}

// CHW returns the blob as planar float32 RGB scaled to [0,1].
func (b *Blob) CHW(dst []float32) []float32 {
	size := b.Geometry.Size
	plane := size * size
	if cap(dst) < 3*plane {
		dst = make([]float32, 3*plane)
	}
	dst = dst[:3*plane]
	for p := 0; p < plane; p++ {
		o := p * 4
		dst[p] = float32(b.Image.Pix[o]) / 255
		dst[plane+p] = float32(b.Image.Pix[o+1]) / 255
		dst[2*plane+p] = float32(b.Image.Pix[o+2]) / 255
	}
	return dst
}

// Letterbox scales frames onto a padded square canvas. The geometry is
// computed on the first frame and reused while the frame size is unchanged.
// Not safe for concurrent use.
type Letterbox struct {
	size   int
	geom   Geometry
	ready  bool
	src    *image.RGBA
	canvas *image.RGBA
}

// NewLetterbox creates a letterbox for a size x size model input.
func NewLetterbox(size int) *Letterbox {
	return &Letterbox{size: size}
}

// Size returns the model input edge length.
func (l *Letterbox) Size() int { return l.size }

// Geometry returns the cached geometry, if computed.
func (l *Letterbox) Geometry() (Geometry, bool) {
	return l.geom, l.ready
}

// Restore seeds the cache, typically from LoadGeometry.
func (l *Letterbox) Restore(g Geometry) {
	if g.Size != l.size || g.Scale <= 0 {
		return
	}
	l.geom = g
	l.ready = true
	l.canvas = nil
}

// Apply letterboxes f. The returned blob aliases internal buffers that are
// overwritten by the next call.
func (l *Letterbox) Apply(f *types.Frame) (*Blob, error) {
	if !f.Valid() {
		return nil, errors.New("invalid frame")
	}
	if !l.ready || !l.geom.Matches(f.Width, f.Height, l.size) {
		l.geom = ComputeGeometry(f.Width, f.Height, l.size)
		l.ready = true
		l.canvas = nil
	}
	if l.canvas == nil {
		l.canvas = image.NewRGBA(image.Rect(0, 0, l.size, l.size))
		draw.Draw(l.canvas, l.canvas.Bounds(),
			image.NewUniform(color.RGBA{R: PadValue, G: PadValue, B: PadValue, A: 0xff}),
			image.Point{}, draw.Src)
	}

	l.src = f.RGBA(l.src)
	target := image.Rect(l.geom.PadLeft, l.geom.PadTop, l.geom.PadLeft+l.geom.NewW, l.geom.PadTop+l.geom.NewH)
	draw.BiLinear.Scale(l.canvas, target, l.src, l.src.Bounds(), draw.Src, nil)

	return &Blob{Image: l.canvas, Geometry: l.geom}, nil
}

// RawBox is one model output in letterboxed input pixel space (centre format).
type RawBox struct {
	CX, CY, W, H float32
	Score        float32
	ClassID      int
}

// Decode maps a raw box back to source pixel coordinates, clamped to the frame.
// ok is false when the clamped box is empty.
func (g Geometry) Decode(r RawBox) (types.BoundingBox, bool) {
	x1 := (float64(r.CX) - float64(r.W)/2 - float64(g.PadLeft)) / g.Scale
	y1 := (float64(r.CY) - float64(r.H)/2 - float64(g.PadTop)) / g.Scale
	x2 := (float64(r.CX) + float64(r.W)/2 - float64(g.PadLeft)) / g.Scale
	y2 := (float64(r.CY) + float64(r.H)/2 - float64(g.PadTop)) / g.Scale

	x1 = clamp(x1, 0, float64(g.SrcW))
	y1 = clamp(y1, 0, float64(g.SrcH))
	x2 = clamp(x2, 0, float64(g.SrcW))
	y2 = clamp(y2, 0, float64(g.SrcH))

	box := types.BoundingBox{
		X: int(math.Round(x1)),
		Y: int(math.Round(y1)),
		W: int(math.Round(x2 - x1)),
		H: int(math.Round(y2 - y1)),
	}
	return box, box.W > 0 && box.H > 0
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// SaveGeometry persists g as JSON so the next start can skip recomputation.
func SaveGeometry(path string, g Geometry) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write geometry cache: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadGeometry reads a geometry saved by SaveGeometry.
func LoadGeometry(path string) (Geometry, error) {
	var g Geometry
	data, err := os.ReadFile(path)
	if err != nil {
		return g, err
	}
	if err := json.Unmarshal(data, &g); err != nil {
		return g, fmt.Errorf("invalid geometry cache: %w", err)
	}
	return g, nil
}
