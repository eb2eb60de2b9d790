//go:build !linux || !cgo

package source

import (
	"context"
	"time"

	"github.com/dj-oyu/padetect-agent/pkg/types"
)

// ShmSource is only available on linux with cgo.
type ShmSource struct {
	name string
}

// NewShmSource returns a source whose Open always fails.
func NewShmSource(name string, timeout time.Duration) *ShmSource {
	return &ShmSource{name: name}
}

func (s *ShmSource) Name() string { return "shm:" + s.name }

func (s *ShmSource) Open(ctx context.Context) error {
	return &OpenError{Source: s.Name(), Reason: "shared memory source requires linux and cgo"}
}

func (s *ShmSource) ReadFrame() (*types.Frame, error) { return nil, ErrNotOpen }
func (s *ShmSource) Close() error                     { return nil }
