//go:build opencv

package source

import (
	"context"
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/dj-oyu/padetect-agent/internal/logger"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

// CameraSource captures from the first camera index that opens.
type CameraSource struct {
	indices []int
	width   int
	height  int

	cap   *gocv.VideoCapture
	mat   gocv.Mat
	frame *types.Frame
	seq   uint64
	index int
}

// NewCameraSource creates a camera source trying indices in order.
func NewCameraSource(indices []int, width, height int) *CameraSource {
	if len(indices) == 0 {
		indices = []int{0}
	}
	return &CameraSource{indices: indices, width: width, height: height, index: -1}
}

func (s *CameraSource) Name() string {
	if s.index >= 0 {
		return fmt.Sprintf("camera:%d", s.index)
	}
	return "camera"
}

// Open tries each device index once; the first that opens wins.
func (s *CameraSource) Open(ctx context.Context) error {
	var lastErr error
	for _, idx := range s.indices {
		if err := ctx.Err(); err != nil {
			return err
		}
		cap, err := gocv.OpenVideoCapture(idx)
		if err != nil || !cap.IsOpened() {
			if cap != nil {
				_ = cap.Close()
			}
			lastErr = err
			logger.Warn("Source", "Camera index %d unavailable: %v", idx, err)
			continue
		}
		if s.width > 0 && s.height > 0 {
			cap.Set(gocv.VideoCaptureFrameWidth, float64(s.width))
			cap.Set(gocv.VideoCaptureFrameHeight, float64(s.height))
		}
		cap.Set(gocv.VideoCaptureBufferSize, 1)

		s.cap = cap
		s.index = idx
		s.mat = gocv.NewMat()
		logger.Info("Source", "Opened camera index %d", idx)
		return nil
	}
	return &OpenError{Source: "camera", Reason: fmt.Sprintf("no device among indices %v", s.indices), Err: lastErr}
}

// ReadFrame grabs one frame. An empty grab is a dropped frame.
func (s *CameraSource) ReadFrame() (*types.Frame, error) {
	if s.cap == nil {
		return nil, ErrNotOpen
	}
	if ok := s.cap.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, ErrFrameDropped
	}
	s.frame = matToFrame(s.mat, s.frame)
	s.seq++
	s.frame.Seq = s.seq
	s.frame.Timestamp = time.Now()
	return s.frame, nil
}

// Close releases the device.
func (s *CameraSource) Close() error {
	if s.cap == nil {
		return nil
	}
	err := s.cap.Close()
	_ = s.mat.Close()
	s.cap = nil
	return err
}

// VideoSource replays a video file; the end of the file is ErrExhausted.
type VideoSource struct {
	path  string
	cap   *gocv.VideoCapture
	mat   gocv.Mat
	frame *types.Frame
	seq   uint64
}

// NewVideoSource creates a file-backed source.
func NewVideoSource(path string) *VideoSource {
	return &VideoSource{path: path}
}

func (s *VideoSource) Name() string { return "video:" + s.path }

// Open opens the video file.
func (s *VideoSource) Open(ctx context.Context) error {
	if s.path == "" {
		return &OpenError{Source: "video", Reason: "no test video path configured"}
	}
	cap, err := gocv.VideoCaptureFile(s.path)
	if err != nil {
		return &OpenError{Source: s.Name(), Reason: "cannot open file", Err: err}
	}
	if !cap.IsOpened() {
		_ = cap.Close()
		return &OpenError{Source: s.Name(), Reason: "capture not opened"}
	}
	s.cap = cap
	s.mat = gocv.NewMat()
	logger.Info("Source", "Opened test video %s", s.path)
	return nil
}

// ReadFrame returns the next decoded frame.
func (s *VideoSource) ReadFrame() (*types.Frame, error) {
	if s.cap == nil {
		return nil, ErrNotOpen
	}
	if ok := s.cap.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, ErrExhausted
	}
	s.frame = matToFrame(s.mat, s.frame)
	s.seq++
	s.frame.Seq = s.seq
	s.frame.Timestamp = time.Now()
	return s.frame, nil
}

// Close releases the file.
func (s *VideoSource) Close() error {
	if s.cap == nil {
		return nil
	}
	err := s.cap.Close()
	_ = s.mat.Close()
	s.cap = nil
	return err
}

func matToFrame(m gocv.Mat, dst *types.Frame) *types.Frame {
	w, h, ch := m.Cols(), m.Rows(), m.Channels()
	if dst == nil || dst.Width != w || dst.Height != h || dst.Channels != ch {
		dst = types.NewFrame(w, h, ch)
	}
	copy(dst.Pix, m.ToBytes())
	return dst
}
