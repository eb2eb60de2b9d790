package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/padetect-agent/internal/evidence"
)

// rejectUploader accepts every file except the ones named in reject.
type rejectUploader struct {
	reject string
}

func (u rejectUploader) UploadFile(ctx context.Context, path string) bool {
	return !strings.Contains(filepath.Base(path), u.reject)
}

func seedSpool(t *testing.T, store *evidence.Store, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte{0xff, 0xd8}, 0o644))
		_, err := store.Record(context.Background(), "phone", path, 2, time.Now())
		require.NoError(t, err)
	}
	return dir
}

func openTestStore(t *testing.T) *evidence.Store {
	t.Helper()
	store, err := evidence.OpenStore(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDrainReportsCounts(t *testing.T) {
	store := openTestStore(t)
	dir := seedSpool(t, store, "phone_1.jpg", "phone_2.jpg", "peep_3.jpg")

	var out bytes.Buffer
	code := drain(context.Background(), dir, rejectUploader{reject: "peep"}, store, time.Second, &out)

	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "found 3, uploaded 2, failed 1\n")
	assert.Contains(t, out.String(), "FAILED peep_3.jpg\n")
	assert.Contains(t, out.String(), "ok     phone_1.jpg\n")
	assert.Contains(t, out.String(), "evidence log: 3 total, 1 pending, 3 attempts\n")

	left, err := evidence.ListSpool(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "peep_3.jpg")}, left)
}

func TestDrainCleanSpoolExitsZero(t *testing.T) {
	store := openTestStore(t)
	dir := seedSpool(t, store, "phone_1.jpg")

	var out bytes.Buffer
	code := drain(context.Background(), dir, rejectUploader{reject: "none"}, store, time.Second, &out)

	assert.Zero(t, code)
	assert.Contains(t, out.String(), "found 1, uploaded 1, failed 0\n")
}
