package overlay

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/padetect-agent/internal/logger"
)

var (
	backgroundColor = color.RGBA{R: 0, G: 0, B: 139, A: 0xff}
	textColor       = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	footerColor     = color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}
)

const (
	footerSize       = 7
	lastResortSize   = 24
	lastResortFamily = "Go Regular"
	basicFamily      = "basicfont 7x13"
)

// FallbackFamilies are tried in order when the configured font is missing.
var FallbackFamilies = []string{"Microsoft YaHei", "SimHei", "SimSun", "Arial"}

// familyFiles maps well-known family names to their usual file names.
var familyFiles = map[string][]string{
	"微软雅黑":            {"msyh.ttc", "msyh.ttf"},
	"microsoft yahei": {"msyh.ttc", "msyh.ttf"},
	"黑体":              {"simhei.ttf"},
	"simhei":          {"simhei.ttf"},
	"宋体":              {"simsun.ttc"},
	"simsun":          {"simsun.ttc"},
	"arial":           {"arial.ttf", "Arial.ttf"},
}

// DefaultFontDirs are searched when no directories are configured.
var DefaultFontDirs = []string{
	`C:\Windows\Fonts`,
	"/System/Library/Fonts",
	"/Library/Fonts",
	"/usr/share/fonts/truetype",
	"/usr/share/fonts",
}

type faceKey struct {
	family string
	size   float64
	dpi    float64
}

// Renderer paints DisplayState snapshots. Faces are cached per family, size
// and DPI; the renderer is safe for concurrent use.
type Renderer struct {
	mu    sync.Mutex
	dirs  []string
	fonts map[string]*opentype.Font // family -> parsed font, nil when not found
	faces map[faceKey]font.Face
}

// NewRenderer creates a renderer searching dirs for font files.
func NewRenderer(dirs []string) *Renderer {
	if len(dirs) == 0 {
		dirs = DefaultFontDirs
	}
	return &Renderer{
		dirs:  dirs,
		fonts: make(map[string]*opentype.Font),
		faces: make(map[faceKey]font.Face),
	}
}

// Render paints st onto a new image of the given bounds. scale is the DPI
// factor of the target display; at 1.0 one point is one pixel.
func (r *Renderer) Render(st *DisplayState, bounds image.Rectangle, scale float64) *image.RGBA {
	if scale <= 0 {
		scale = 1
	}
	img := image.NewRGBA(bounds)
	draw.Draw(img, bounds, image.NewUniform(backgroundColor), image.Point{}, draw.Src)

	r.mu.Lock()
	defer r.mu.Unlock()

	if text := st.Text(); text != "" {
		face, _ := r.resolve(st.FontFamily, float64(st.FontSize), scale)
		drawCentered(img, face, text)
	}
	if st.Version != "" {
		face, _ := r.resolve(st.FontFamily, footerSize, scale)
		drawFooter(img, face, st.Version, scale)
	}
	return img
}

// Resolve reports which family would be used for family at size.
func (r *Renderer) Resolve(family string, size, scale float64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, name := r.resolve(family, size, scale)
	return name
}

// resolve walks the fallback chain: configured family, the fixed fallback
// families, the bundled Go font at a fixed size, and finally basicfont.
func (r *Renderer) resolve(family string, size, scale float64) (font.Face, string) {
	dpi := 72 * scale
	candidates := append([]string{family}, FallbackFamilies...)
	for _, fam := range candidates {
		if fam == "" {
			continue
		}
		if face := r.cachedFace(fam, size, dpi); face != nil {
			return face, fam
		}
	}
	if face := r.cachedFace(lastResortFamily, lastResortSize, dpi); face != nil {
		return face, lastResortFamily
	}
	return basicfont.Face7x13, basicFamily
}

func (r *Renderer) cachedFace(family string, size, dpi float64) font.Face {
	key := faceKey{family: family, size: size, dpi: dpi}
	if face, ok := r.faces[key]; ok {
		return face
	}
	f := r.loadFont(family)
	if f == nil {
		return nil
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: dpi, Hinting: font.HintingFull})
	if err != nil {
		logger.Warn("Overlay", "Cannot create face %s@%.0f: %v", family, size, err)
		return nil
	}
	r.faces[key] = face
	return face
}

func (r *Renderer) loadFont(family string) *opentype.Font {
	if f, ok := r.fonts[family]; ok {
		return f
	}
	var f *opentype.Font
	if family == lastResortFamily {
		f, _ = opentype.Parse(goregular.TTF)
	} else if path := r.findFile(family); path != "" {
		var err error
		if f, err = parseFontFile(path); err != nil {
			logger.Warn("Overlay", "Cannot load font %s: %v", path, err)
			f = nil
		} else {
			logger.Debug("Overlay", "Font %q resolved to %s", family, path)
		}
	}
	r.fonts[family] = f
	return f
}

func (r *Renderer) findFile(family string) string {
	names := familyFiles[strings.ToLower(family)]
	if len(names) == 0 {
		names = familyFiles[family]
	}
	for _, ext := range []string{".ttf", ".otf", ".ttc"} {
		names = append(names, family+ext)
	}
	for _, dir := range r.dirs {
		for _, n := range names {
			p := filepath.Join(dir, n)
			if st, err := os.Stat(p); err == nil && !st.IsDir() {
				return p
			}
		}
	}
	return ""
}

func parseFontFile(path string) (*opentype.Font, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".ttc") {
		c, err := opentype.ParseCollection(data)
		if err != nil {
			return nil, err
		}
		if c.NumFonts() == 0 {
			return nil, errors.New("empty font collection")
		}
		return c.Font(0)
	}
	return opentype.Parse(data)
}

// drawCentered draws text centred in img, wrapping on spaces when a line is
// wider than 90% of the image.
func drawCentered(img *image.RGBA, face font.Face, text string) {
	d := &font.Drawer{Dst: img, Src: image.NewUniform(textColor), Face: face}
	b := img.Bounds()
	lines := wrap(d, text, fixed.I(b.Dx()*9/10))

	m := face.Metrics()
	lineH := m.Height.Ceil()
	if lineH <= 0 {
		lineH = (m.Ascent + m.Descent).Ceil()
	}
	top := b.Min.Y + (b.Dy()-lineH*len(lines))/2
	for i, line := range lines {
		w := d.MeasureString(line)
		x := fixed.I(b.Min.X) + (fixed.I(b.Dx())-w)/2
		y := fixed.I(top+i*lineH) + m.Ascent
		d.Dot = fixed.Point26_6{X: x, Y: y}
		d.DrawString(line)
	}
}

func wrap(d *font.Drawer, text string, maxW fixed.Int26_6) []string {
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			continue
		}
		cur := words[0]
		for _, w := range words[1:] {
			if d.MeasureString(cur+" "+w) > maxW {
				lines = append(lines, cur)
				cur = w
				continue
			}
			cur += " " + w
		}
		lines = append(lines, cur)
	}
	return lines
}

func drawFooter(img *image.RGBA, face font.Face, text string, scale float64) {
	d := &font.Drawer{Dst: img, Src: image.NewUniform(footerColor), Face: face}
	b := img.Bounds()
	margin := fixed.I(int(10 * scale))
	w := d.MeasureString(text)
	d.Dot = fixed.Point26_6{
		X: fixed.I(b.Max.X) - margin - w,
		Y: fixed.I(b.Max.Y) - margin - face.Metrics().Descent,
	}
	d.DrawString(text)
}
