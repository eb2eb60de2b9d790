package source

import (
	"fmt"

	"github.com/dj-oyu/padetect-agent/pkg/types"
)

// Pixel formats published by the capture daemon.
const (
	FormatJPEG = 0
	FormatNV12 = 1
	FormatRGB  = 2
	FormatH264 = 3
)

// NV12ToFrame converts an NV12 buffer (Y plane followed by interleaved UV at
// half resolution) into a BGR frame using BT.601 limited-range coefficients.
func NV12ToFrame(data []byte, width, height int, dst *types.Frame) (*types.Frame, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("invalid NV12 geometry %dx%d", width, height)
	}
	need := width * height * 3 / 2
	if len(data) < need {
		return nil, fmt.Errorf("NV12 buffer too small: %d < %d", len(data), need)
	}
	if dst == nil || dst.Width != width || dst.Height != height || dst.Channels != 3 {
		dst = types.NewFrame(width, height, 3)
	}

	yPlane := data[:width*height]
	uvPlane := data[width*height : need]
	for y := 0; y < height; y++ {
		uvRow := (y / 2) * width
		for x := 0; x < width; x++ {
			c := int(yPlane[y*width+x]) - 16
			uv := uvRow + (x &^ 1)
			d := int(uvPlane[uv]) - 128
			e := int(uvPlane[uv+1]) - 128

			r := (298*c + 409*e + 128) >> 8
			g := (298*c - 100*d - 208*e + 128) >> 8
			b := (298*c + 516*d + 128) >> 8

			o := (y*width + x) * 3
			dst.Pix[o] = clampByte(b)
			dst.Pix[o+1] = clampByte(g)
			dst.Pix[o+2] = clampByte(r)
		}
	}
	return dst, nil
}

// RGBToFrame converts packed RGB into a BGR frame.
func RGBToFrame(data []byte, width, height int, dst *types.Frame) (*types.Frame, error) {
	need := width * height * 3
	if width <= 0 || height <= 0 || len(data) < need {
		return nil, fmt.Errorf("invalid RGB buffer %dx%d (%d bytes)", width, height, len(data))
	}
	if dst == nil || dst.Width != width || dst.Height != height || dst.Channels != 3 {
		dst = types.NewFrame(width, height, 3)
	}
	for i := 0; i < need; i += 3 {
		dst.Pix[i] = data[i+2]
		dst.Pix[i+1] = data[i+1]
		dst.Pix[i+2] = data[i]
	}
	return dst, nil
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
