package types

import (
	"image"
	"time"
)

// Frame is a dense pixel buffer captured from the camera or a test stream.
// Pixels are row-major, Channels bytes per pixel (3 = BGR, 1 = gray).
type Frame struct {
	Pix       []byte    // Raw pixel data, len == Width*Height*Channels
	Width     int       // Frame width
	Height    int       // Frame height
	Channels  int       // Bytes per pixel
	Timestamp time.Time // Capture timestamp
	Seq       uint64    // Sequential frame number
}

// NewFrame allocates a zeroed frame of the given geometry.
func NewFrame(width, height, channels int) *Frame {
	return &Frame{
		Pix:      make([]byte, width*height*channels),
		Width:    width,
		Height:   height,
		Channels: channels,
	}
}

// Stride returns the number of bytes per row.
func (f *Frame) Stride() int {
	return f.Width * f.Channels
}

// Valid reports whether the buffer matches the declared geometry.
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && f.Channels > 0 &&
		len(f.Pix) >= f.Width*f.Height*f.Channels
}

// CopyInto copies f into dst, reallocating dst.Pix only when the size changed.
// Returns dst (or a fresh frame when dst is nil).
func (f *Frame) CopyInto(dst *Frame) *Frame {
	if dst == nil {
		dst = &Frame{}
	}
	n := f.Width * f.Height * f.Channels
	if cap(dst.Pix) < n {
		dst.Pix = make([]byte, n)
	}
	dst.Pix = dst.Pix[:n]
	copy(dst.Pix, f.Pix[:n])
	dst.Width = f.Width
	dst.Height = f.Height
	dst.Channels = f.Channels
	dst.Timestamp = f.Timestamp
	dst.Seq = f.Seq
	return dst
}

// RGBA renders the frame into an RGBA image, reusing dst when the size matches.
// Gray frames are replicated across the colour channels.
func (f *Frame) RGBA(dst *image.RGBA) *image.RGBA {
	if dst == nil || dst.Rect.Dx() != f.Width || dst.Rect.Dy() != f.Height {
		dst = image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	}
	n := f.Width * f.Height
	for p := 0; p < n; p++ {
		o := p * 4
		if f.Channels == 1 {
			v := f.Pix[p]
			dst.Pix[o], dst.Pix[o+1], dst.Pix[o+2] = v, v, v
		} else {
			s := p * f.Channels
			dst.Pix[o] = f.Pix[s+2]
			dst.Pix[o+1] = f.Pix[s+1]
			dst.Pix[o+2] = f.Pix[s]
		}
		dst.Pix[o+3] = 0xff
	}
	return dst
}

