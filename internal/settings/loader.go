package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/padetect-agent/internal/logger"
)

// ErrNotFound is returned when the settings file does not exist.
var ErrNotFound = errors.New("settings file not found")

// DefaultReloadInterval matches the subscription period of the settings service.
const DefaultReloadInterval = 5 * time.Second

// Loader reads the settings file and notifies the registry of changed sections.
type Loader struct {
	path     string
	registry *Registry

	mu      sync.Mutex // serializes Load/Reload
	current atomic.Pointer[Document]

	reloads   atomic.Uint64
	failures  atomic.Uint64
	lastError atomic.Pointer[string]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoader creates a loader for path delivering to reg.
func NewLoader(path string, reg *Registry) *Loader {
	l := &Loader{path: path, registry: reg}
	empty := Document{}
	l.current.Store(&empty)
	return l
}

// Path returns the settings file path.
func (l *Loader) Path() string { return l.path }

// Load performs the initial read. Every section present is delivered once.
func (l *Loader) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		l.recordError(err)
		return err
	}
	l.current.Store(&doc)

	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		l.registry.Notify(name, doc[name])
	}
	logger.Info("Settings", "Loaded %s (%d sections)", l.path, len(doc))
	return nil
}

// Reload re-reads the file and notifies listeners of sections whose content
// changed. Sections absent from the new file keep their previous settings.
// On error the previous settings stay in effect.
func (l *Loader) Reload() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		l.recordError(err)
		return nil, err
	}

	prev := *l.current.Load()
	merged := make(Document, len(prev)+len(doc))
	for name, meta := range prev {
		merged[name] = meta
	}

	var changed []string
	for name, meta := range doc {
		if old, ok := prev[name]; ok && old.Equal(meta) {
			continue
		}
		merged[name] = meta
		changed = append(changed, name)
	}
	slices.Sort(changed)
	l.current.Store(&merged)
	l.reloads.Add(1)

	for _, name := range changed {
		n := l.registry.Notify(name, merged[name])
		logger.Debug("Settings", "Section %s changed, notified %d listener(s)", name, n)
	}
	return changed, nil
}

// Section returns the current settings of name.
func (l *Loader) Section(name string) (*Meta, bool) {
	m, ok := (*l.current.Load())[name]
	return m, ok
}

// Reloads returns the number of successful reloads.
func (l *Loader) Reloads() uint64 { return l.reloads.Load() }

// Failures returns the number of failed reads.
func (l *Loader) Failures() uint64 { return l.failures.Load() }

// LastError returns the most recent read error message, if any.
func (l *Loader) LastError() string {
	if s := l.lastError.Load(); s != nil {
		return *s
	}
	return ""
}

// Start polls the file every interval until Stop or ctx is done.
func (l *Loader) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	l.ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.run(interval)
}

// Stop ends polling and waits for an in-progress reload to finish.
func (l *Loader) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *Loader) run(interval time.Duration) {
	defer l.wg.Done()

	logger.Info("Settings", "Watching %s every %v", l.path, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Reload(); err != nil {
				logger.Warn("Settings", "Reload failed: %v", err)
			}
		}
	}
}

func (l *Loader) read() (Document, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, l.path)
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	return Parse(data)
}

func (l *Loader) recordError(err error) {
	l.failures.Add(1)
	msg := err.Error()
	l.lastError.Store(&msg)
}
