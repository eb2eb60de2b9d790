package evidence

import (
	"context"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/padetect-agent/internal/metrics"
	"github.com/dj-oyu/padetect-agent/internal/settings"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

func testFrame() *types.Frame {
	f := types.NewFrame(64, 48, 3)
	for i := range f.Pix {
		f.Pix[i] = byte(i % 251)
	}
	return f
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "db", "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFileNameRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 9, 14, 5, 7, 123_000_000, time.Local)
	name := FileName(types.AlertNoConnect, at)
	assert.True(t, strings.HasPrefix(name, "noconnect_20240309_140507.123_"), name)
	assert.True(t, strings.HasSuffix(name, Ext))

	kind, got, err := ParseFileName("/spool/" + name)
	require.NoError(t, err)
	assert.Equal(t, types.AlertNoConnect, kind)
	assert.True(t, at.Equal(got), "%v != %v", at, got)

	assert.NotEqual(t, name, FileName(types.AlertNoConnect, at), "names are unique per call")

	_, _, err = ParseFileName("garbage.jpg")
	assert.Error(t, err)
	_, _, err = ParseFileName("bogus_20240309_140507.123_abcd1234.jpg")
	assert.Error(t, err)
}

func TestStoreMigratesAndTracksEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
	require.NoError(t, s.MigrateUp(), "re-running migrations is a no-op")

	t0 := time.UnixMilli(1_700_000_000_000)
	_, err = s.Record(ctx, "phone", "/spool/a.jpg", 100, t0)
	require.NoError(t, err)
	_, err = s.Record(ctx, "peep", "/spool/b.jpg", 200, t0.Add(time.Second))
	require.NoError(t, err)
	_, err = s.Record(ctx, "phone", "/spool/a.jpg", 100, t0)
	require.NoError(t, err, "duplicate path ignored")

	pending, err := s.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "/spool/a.jpg", pending[0].Path)
	assert.Equal(t, int64(100), pending[0].SizeBytes)
	assert.True(t, pending[0].CreatedAt.Equal(t0))

	require.NoError(t, s.MarkFailed(ctx, "/spool/a.jpg", "timeout"))
	require.NoError(t, s.MarkUploaded(ctx, "/spool/b.jpg", t0.Add(time.Minute)))

	a, err := s.Get(ctx, "/spool/a.jpg")
	require.NoError(t, err)
	assert.True(t, a.Pending())
	assert.Equal(t, 1, a.Attempts)
	assert.Equal(t, "timeout", a.LastError)

	b, err := s.Get(ctx, "/spool/b.jpg")
	require.NoError(t, err)
	assert.False(t, b.Pending())

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 2, Uploaded: 1, Pending: 1, Attempts: 2}, st)

	pending, err = s.Pending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "/spool/a.jpg", pending[0].Path)
}

func TestWriterWritesJPEGAndRecords(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t)
	m := metrics.New()
	w := NewWriter(dir, 0, store, m)

	path, err := w.Write(types.AlertPhone, testFrame(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))

	fh, err := os.Open(path)
	require.NoError(t, err)
	defer fh.Close()
	img, err := jpeg.Decode(fh)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 48, img.Bounds().Dy())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file left behind")

	ev, err := store.Get(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "phone", ev.Kind)
	assert.Positive(t, ev.SizeBytes)

	assert.Equal(t, uint64(1), m.EvidenceWritten.Load())
	assert.Equal(t, uint64(1), w.Written())

	_, err = w.Write(types.AlertPhone, &types.Frame{}, time.Now())
	assert.Error(t, err)
	assert.Equal(t, uint64(1), m.EvidenceErrors.Load())
}

func TestWriterSubmitDrainsOnStop(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 80, nil, nil)
	assert.False(t, w.Submit(types.AlertPeep, testFrame(), time.Now()), "not started")

	require.NoError(t, w.Start())
	assert.Error(t, w.Start())

	f := testFrame()
	require.True(t, w.Submit(types.AlertPeep, f, time.Now()))
	// The queued copy is independent of the caller's buffer.
	for i := range f.Pix {
		f.Pix[i] = 0
	}
	w.Stop()
	w.Stop()

	files, err := ListSpool(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, filepath.Base(files[0]), "peep_")
	assert.False(t, w.Submit(types.AlertPeep, f, time.Now()), "stopped")
}

type fakeUploader struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
	block bool
}

func (u *fakeUploader) UploadFile(ctx context.Context, path string) bool {
	u.mu.Lock()
	u.calls = append(u.calls, filepath.Base(path))
	block := u.block
	fail := u.fail[filepath.Base(path)]
	u.mu.Unlock()
	if block {
		<-ctx.Done()
		return false
	}
	return !fail
}

func (u *fakeUploader) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

func writeSpool(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("jpeg"), 0o644))
	}
}

func TestScanOnceDeletesOnlyDelivered(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t)
	ctx := context.Background()
	writeSpool(t, dir, "phone_a.jpg", "peep_b.jpg", "nobody_c.jpg.tmp", ".hidden.jpg", "notes.txt")
	for _, n := range []string{"phone_a.jpg", "peep_b.jpg"} {
		_, err := store.Record(ctx, "x", filepath.Join(dir, n), 4, time.Now())
		require.NoError(t, err)
	}

	up := &fakeUploader{fail: map[string]bool{"peep_b.jpg": true}}
	m := metrics.New()
	s := NewScanner(dir, up, store, m, time.Second)

	res := s.ScanOnce(ctx)
	assert.Equal(t, 2, res.Found)
	assert.Equal(t, []string{filepath.Join(dir, "phone_a.jpg")}, res.Uploaded)
	assert.Equal(t, []string{filepath.Join(dir, "peep_b.jpg")}, res.Failed)

	assert.NoFileExists(t, filepath.Join(dir, "phone_a.jpg"))
	assert.FileExists(t, filepath.Join(dir, "peep_b.jpg"))
	assert.FileExists(t, filepath.Join(dir, "nobody_c.jpg.tmp"))
	assert.Equal(t, uint64(1), m.UploadsOK.Load())
	assert.Equal(t, uint64(1), m.UploadsFailed.Load())
	assert.Equal(t, uint64(1), m.SpoolFiles.Load())

	failed, err := store.Get(ctx, filepath.Join(dir, "peep_b.jpg"))
	require.NoError(t, err)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, "upload failed", failed.LastError)

	// The failed file is retried on the next pass.
	up.mu.Lock()
	up.fail = nil
	up.mu.Unlock()
	res = s.ScanOnce(ctx)
	assert.Len(t, res.Uploaded, 1)
	assert.NoFileExists(t, filepath.Join(dir, "peep_b.jpg"))
}

func TestScannerIntervalFromSettings(t *testing.T) {
	s := NewScanner(t.TempDir(), &fakeUploader{}, nil, nil, 0)
	assert.Equal(t, DefaultScanInterval, s.Interval())

	s.ApplySettings(settings.NewMeta().Set("upload_interval", settings.Int32(5000)))
	assert.Equal(t, 5*time.Second, s.Interval())

	s.ApplySettings(settings.NewMeta().Set("upload_interval", settings.Int32(10)))
	assert.Equal(t, minScanInterval, s.Interval())

	s.ApplySettings(settings.NewMeta())
	assert.Equal(t, DefaultScanInterval, s.Interval())
}

func TestScannerStopCancelsInFlightUpload(t *testing.T) {
	dir := t.TempDir()
	writeSpool(t, dir, "phone_a.jpg")
	up := &fakeUploader{block: true}
	s := NewScanner(dir, up, nil, nil, time.Hour)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return up.Calls() == 1 }, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on in-flight upload")
	}
	assert.FileExists(t, filepath.Join(dir, "phone_a.jpg"))
}

func TestListSpoolMissingDir(t *testing.T) {
	files, err := ListSpool(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, files)
}
