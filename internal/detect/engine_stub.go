//go:build !opencv

package detect

import (
	"errors"

	"github.com/dj-oyu/padetect-agent/internal/config"
)

// ErrNoEngine is returned when the binary was built without a DNN runtime.
var ErrNoEngine = errors.New("built without opencv support (rebuild with -tags opencv)")

// NetEngine is unavailable without the opencv build tag.
type NetEngine struct{}

// NewNetEngine always fails in this build.
func NewNetEngine(cfg config.ModelConfig) (*NetEngine, error) {
	return nil, ErrNoEngine
}

func (e *NetEngine) InputSize() int                  { return 0 }
func (e *NetEngine) Infer(b *Blob) ([]RawBox, error) { return nil, ErrNoEngine }
func (e *NetEngine) Close() error                    { return nil }
