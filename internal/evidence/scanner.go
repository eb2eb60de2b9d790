package evidence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/padetect-agent/internal/logger"
	"github.com/dj-oyu/padetect-agent/internal/metrics"
	"github.com/dj-oyu/padetect-agent/internal/settings"
)

const (
	// DefaultScanInterval is used until uploadSettings provides upload_interval.
	DefaultScanInterval = 60 * time.Second
	// DefaultAttemptTimeout bounds one upload attempt.
	DefaultAttemptTimeout = 45 * time.Second

	minScanInterval = time.Second
)

// Uploader delivers one spooled file. It returns true only on confirmed
// server-side success.
type Uploader interface {
	UploadFile(ctx context.Context, path string) bool
}

// ScanResult reports the outcome of one pass over the spool directory.
type ScanResult struct {
	Found    int
	Uploaded []string
	Failed   []string
}

// Scanner periodically uploads spooled evidence and removes delivered files.
type Scanner struct {
	dir      string
	uploader Uploader
	store    *Store
	metrics  *metrics.Metrics
	timeout  time.Duration

	interval atomic.Int64 // nanoseconds
	resetCh  chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	scanMu  sync.Mutex
}

// NewScanner creates a scanner over dir. store and m may be nil; timeout <= 0
// selects DefaultAttemptTimeout.
func NewScanner(dir string, u Uploader, store *Store, m *metrics.Metrics, timeout time.Duration) *Scanner {
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	s := &Scanner{
		dir:      dir,
		uploader: u,
		store:    store,
		metrics:  m,
		timeout:  timeout,
		resetCh:  make(chan struct{}, 1),
	}
	s.interval.Store(int64(DefaultScanInterval))
	return s
}

// Interval returns the current scan period.
func (s *Scanner) Interval() time.Duration { return time.Duration(s.interval.Load()) }

// SetInterval changes the scan period; a running loop picks it up immediately.
func (s *Scanner) SetInterval(d time.Duration) {
	if d < minScanInterval {
		d = minScanInterval
	}
	if time.Duration(s.interval.Swap(int64(d))) == d {
		return
	}
	logger.Info("Uploader", "Scan interval set to %v", d)
	select {
	case s.resetCh <- struct{}{}:
	default:
	}
}

// ApplySettings reads upload_interval (milliseconds) from uploadSettings.
func (s *Scanner) ApplySettings(meta *settings.Meta) {
	ms := meta.Int32OrDefault("upload_interval", int32(DefaultScanInterval/time.Millisecond))
	s.SetInterval(time.Duration(ms) * time.Millisecond)
}

// Start launches the scan loop. The first scan runs immediately.
func (s *Scanner) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.wg.Add(1)
	go s.run(ctx)
	logger.Info("Uploader", "Scanner started on %s (interval %v)", s.dir, s.Interval())
}

// Stop cancels in-flight uploads and waits for the loop to exit.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
	logger.Info("Uploader", "Scanner stopped")
}

func (s *Scanner) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	s.ScanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.resetCh:
			ticker.Reset(s.Interval())
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce uploads every file currently in the spool directory in name
// order. Files that fail stay for the next pass.
func (s *Scanner) ScanOnce(ctx context.Context) ScanResult {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	var res ScanResult
	files, err := ListSpool(s.dir)
	if err != nil {
		logger.Warn("Uploader", "Cannot list %s: %v", s.dir, err)
		return res
	}
	res.Found = len(files)

	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		if s.uploadOne(ctx, path) {
			res.Uploaded = append(res.Uploaded, path)
		} else {
			res.Failed = append(res.Failed, path)
		}
	}

	if s.metrics != nil {
		s.metrics.SpoolFiles.Store(uint64(res.Found - len(res.Uploaded)))
	}
	if res.Found > 0 {
		logger.Info("Uploader", "Scan: %d found, %d uploaded, %d kept", res.Found, len(res.Uploaded), len(res.Failed))
	}
	return res
}

func (s *Scanner) uploadOne(ctx context.Context, path string) bool {
	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	ok := s.uploader.UploadFile(attemptCtx, path)
	reason := ""
	if !ok {
		reason = "upload failed"
		if err := attemptCtx.Err(); err != nil {
			reason = err.Error()
		}
	}
	cancel()

	// Bookkeeping must survive a cancelled scan.
	dbCtx, dbCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dbCancel()

	if !ok {
		if s.metrics != nil {
			s.metrics.UploadsFailed.Add(1)
		}
		if s.store != nil {
			if err := s.store.MarkFailed(dbCtx, path, reason); err != nil {
				logger.Warn("Uploader", "Event log: %v", err)
			}
		}
		logger.Warn("Uploader", "Keeping %s: %s", filepath.Base(path), reason)
		return false
	}

	if s.metrics != nil {
		s.metrics.UploadsOK.Add(1)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Uploader", "Uploaded but cannot remove %s: %v", path, err)
	}
	if s.store != nil {
		if err := s.store.MarkUploaded(dbCtx, path, time.Now()); err != nil {
			logger.Warn("Uploader", "Event log: %v", err)
		}
	}
	logger.Debug("Uploader", "Delivered %s", filepath.Base(path))
	return true
}

// ListSpool returns the evidence files in dir sorted by name, which orders
// them by kind then capture time. In-progress temp files and dot files are
// skipped. A missing directory is empty.
func ListSpool(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		if !strings.EqualFold(filepath.Ext(name), Ext) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}
