//go:build !opencv

package source

import (
	"context"

	"github.com/dj-oyu/padetect-agent/pkg/types"
)

const noOpenCV = "built without opencv support (rebuild with -tags opencv)"

// CameraSource is unavailable without the opencv build tag.
type CameraSource struct {
	indices []int
}

// NewCameraSource returns a source whose Open always fails.
func NewCameraSource(indices []int, width, height int) *CameraSource {
	return &CameraSource{indices: indices}
}

func (s *CameraSource) Name() string { return "camera" }

func (s *CameraSource) Open(ctx context.Context) error {
	return &OpenError{Source: "camera", Reason: noOpenCV}
}

func (s *CameraSource) ReadFrame() (*types.Frame, error) { return nil, ErrNotOpen }
func (s *CameraSource) Close() error                     { return nil }

// VideoSource is unavailable without the opencv build tag.
type VideoSource struct {
	path string
}

// NewVideoSource returns a source whose Open always fails.
func NewVideoSource(path string) *VideoSource {
	return &VideoSource{path: path}
}

func (s *VideoSource) Name() string { return "video:" + s.path }

func (s *VideoSource) Open(ctx context.Context) error {
	return &OpenError{Source: s.Name(), Reason: noOpenCV}
}

func (s *VideoSource) ReadFrame() (*types.Frame, error) { return nil, ErrNotOpen }
func (s *VideoSource) Close() error                     { return nil }
