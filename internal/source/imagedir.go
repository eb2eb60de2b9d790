package source

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/dj-oyu/padetect-agent/internal/logger"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

var imageExts = []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"}

// ImageDirSource replays the images of a directory in name order.
type ImageDirSource struct {
	dir   string
	loop  bool
	files []string
	next  int
	seq   uint64
	frame *types.Frame
	open  bool
}

// NewImageDirSource creates a source over dir. With loop set the sequence
// restarts instead of reporting ErrExhausted.
func NewImageDirSource(dir string, loop bool) *ImageDirSource {
	return &ImageDirSource{dir: dir, loop: loop}
}

func (s *ImageDirSource) Name() string { return "images:" + s.dir }

// Open lists the directory.
func (s *ImageDirSource) Open(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return &OpenError{Source: s.Name(), Reason: "cannot list directory", Err: err}
	}

	s.files = s.files[:0]
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(imageExts, strings.ToLower(filepath.Ext(e.Name()))) {
			s.files = append(s.files, filepath.Join(s.dir, e.Name()))
		}
	}
	if len(s.files) == 0 {
		return &OpenError{Source: s.Name(), Reason: "no images found"}
	}
	slices.Sort(s.files)
	s.next = 0
	s.open = true
	logger.Info("Source", "Opened %s (%d images)", s.Name(), len(s.files))
	return nil
}

// ReadFrame decodes the next image into a reused BGR frame.
func (s *ImageDirSource) ReadFrame() (*types.Frame, error) {
	if !s.open {
		return nil, ErrNotOpen
	}
	if s.next >= len(s.files) {
		if !s.loop {
			return nil, ErrExhausted
		}
		s.next = 0
	}
	path := s.files[s.next]
	s.next++

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameDropped, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrFrameDropped, filepath.Base(path), err)
	}

	s.frame = ImageToFrame(img, s.frame)
	s.seq++
	s.frame.Seq = s.seq
	s.frame.Timestamp = time.Now()
	return s.frame, nil
}

// Close releases the file list.
func (s *ImageDirSource) Close() error {
	s.open = false
	s.files = nil
	return nil
}

// ImageToFrame converts img to a 3-channel BGR frame, reusing dst when possible.
func ImageToFrame(img image.Image, dst *types.Frame) *types.Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if dst == nil || dst.Width != w || dst.Height != h || dst.Channels != 3 {
		dst = types.NewFrame(w, h, 3)
	}

	i := 0
	switch src := img.(type) {
	case *image.RGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w*4]
			for x := 0; x < w; x++ {
				dst.Pix[i] = row[x*4+2]
				dst.Pix[i+1] = row[x*4+1]
				dst.Pix[i+2] = row[x*4]
				i += 3
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				dst.Pix[i] = byte(bl >> 8)
				dst.Pix[i+1] = byte(g >> 8)
				dst.Pix[i+2] = byte(r >> 8)
				i += 3
			}
		}
	}
	return dst
}

// FrameToImage converts a BGR or gray frame into an RGBA image.
func FrameToImage(f *types.Frame) *image.RGBA {
	return f.RGBA(nil)
}
