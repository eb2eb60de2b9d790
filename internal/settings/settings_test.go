package settings

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseSettings = `{
  "inferenceSettings": {
    "score_filter_phone_high": 0.93,
    "score_filter_phone_low": 0.83,
    "label_filter_phone": 2
  },
  "alertWindowSettings": {
    "alert_string_phone": "No photos",
    "alert_font_size": 60
  },
  "uploadSettings": {
    "upload_interval": 60000,
    "big_counter": 8589934592,
    "enabled": true,
    "nothing": null
  },
  "version": "1.0.0"
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParseKinds(t *testing.T) {
	doc, err := Parse([]byte(baseSettings))
	require.NoError(t, err)

	require.Len(t, doc, 3, "non-object top-level keys are not sections")

	inf := doc[SectionInference]
	v, ok := inf.Get("score_filter_phone_high")
	require.True(t, ok)
	assert.Equal(t, KindDouble, v.Kind())
	v, _ = inf.Get("label_filter_phone")
	assert.Equal(t, KindInt32, v.Kind())

	up := doc[SectionUpload]
	v, _ = up.Get("big_counter")
	assert.Equal(t, KindInt64, v.Kind())
	v, _ = up.Get("enabled")
	assert.Equal(t, KindBool, v.Kind())
	_, ok = up.Get("nothing")
	assert.False(t, ok, "null is treated as absent")
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"a": `))
	assert.Error(t, err)
}

func TestTypedGettersReturnDefaultOnMismatch(t *testing.T) {
	m := NewMeta().
		Set("i32", Int32(7)).
		Set("i64", Int64(1<<40)).
		Set("f", Double(0.5)).
		Set("b", Bool(true)).
		Set("s", String("text"))

	assert.Equal(t, int32(7), m.Int32OrDefault("i32", 1))
	assert.Equal(t, int64(1<<40), m.Int64OrDefault("i64", 1))
	assert.Equal(t, 0.5, m.DoubleOrDefault("f", 1))
	assert.True(t, m.BoolOrDefault("b", false))
	assert.Equal(t, "text", m.StringOrDefault("s", "def"))

	// missing keys
	assert.Equal(t, int32(3), m.Int32OrDefault("missing", 3))
	assert.Equal(t, "def", m.StringOrDefault("missing", "def"))

	// kind mismatches never convert
	assert.Equal(t, int32(9), m.Int32OrDefault("i64", 9))
	assert.Equal(t, int64(9), m.Int64OrDefault("i32", 9))
	assert.Equal(t, 0.25, m.DoubleOrDefault("i32", 0.25))
	assert.False(t, m.BoolOrDefault("s", false))
	assert.Equal(t, "def", m.StringOrDefault("b", "def"))

	var nilMeta *Meta
	assert.Equal(t, int32(4), nilMeta.Int32OrDefault("x", 4))
}

func TestMetaEqual(t *testing.T) {
	a := NewMeta().Set("x", Int32(1)).Set("y", String("a"))
	b := NewMeta().Set("y", String("a")).Set("x", Int32(1))
	assert.True(t, a.Equal(b))

	b.Set("x", Int64(1))
	assert.False(t, a.Equal(b), "same number with different kind is a change")

	assert.True(t, NewMeta().Equal(nil))
	assert.Equal(t, []string{"x", "y"}, a.Keys())
}

type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	last  map[string]*Meta
}

func newRecorder(reg *Registry, sections ...string) *recorder {
	r := &recorder{calls: map[string]int{}, last: map[string]*Meta{}}
	for _, s := range sections {
		reg.Register(s, func(m *Meta) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.calls[s]++
			r.last[s] = m
		})
	}
	return r
}

func (r *recorder) count(section string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[section]
}

func TestLoaderUnchangedReloadFiresNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, baseSettings)

	reg := NewRegistry()
	rec := newRecorder(reg, SectionInference, SectionAlertWindow, SectionUpload)
	l := NewLoader(path, reg)

	require.NoError(t, l.Load())
	assert.Equal(t, 1, rec.count(SectionInference))
	assert.Equal(t, 1, rec.count(SectionAlertWindow))
	assert.Equal(t, 1, rec.count(SectionUpload))

	changed, err := l.Reload()
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, 1, rec.count(SectionInference))
	assert.Equal(t, 1, rec.count(SectionAlertWindow))
	assert.Equal(t, 1, rec.count(SectionUpload))

	// Whitespace and key order are not content changes.
	writeFile(t, path, `{"uploadSettings":{"nothing":null,"enabled":true,"big_counter":8589934592,"upload_interval":60000},
"alertWindowSettings":{"alert_font_size":60,"alert_string_phone":"No photos"},
"inferenceSettings":{"label_filter_phone":2,"score_filter_phone_low":0.83,"score_filter_phone_high":0.93}}`)
	changed, err = l.Reload()
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestLoaderOneChangedSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, baseSettings)

	reg := NewRegistry()
	rec := newRecorder(reg, SectionInference, SectionAlertWindow, SectionUpload)
	l := NewLoader(path, reg)
	require.NoError(t, l.Load())

	writeFile(t, path, `{
  "inferenceSettings": {"score_filter_phone_high": 0.95, "score_filter_phone_low": 0.83, "label_filter_phone": 2},
  "alertWindowSettings": {"alert_string_phone": "No photos", "alert_font_size": 60},
  "uploadSettings": {"upload_interval": 60000, "big_counter": 8589934592, "enabled": true}
}`)
	changed, err := l.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{SectionInference}, changed)
	assert.Equal(t, 2, rec.count(SectionInference))
	assert.Equal(t, 1, rec.count(SectionAlertWindow))
	assert.Equal(t, 1, rec.count(SectionUpload))
	assert.Equal(t, 0.95, rec.last[SectionInference].DoubleOrDefault("score_filter_phone_high", 0))

	m, ok := l.Section(SectionInference)
	require.True(t, ok)
	assert.Equal(t, 0.95, m.DoubleOrDefault("score_filter_phone_high", 0))
}

func TestLoaderKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, baseSettings)

	reg := NewRegistry()
	rec := newRecorder(reg, SectionInference)
	l := NewLoader(path, reg)
	require.NoError(t, l.Load())

	writeFile(t, path, `{broken`)
	_, err := l.Reload()
	require.Error(t, err)
	assert.Equal(t, 1, rec.count(SectionInference))
	assert.NotEmpty(t, l.LastError())
	assert.Equal(t, uint64(1), l.Failures())

	m, ok := l.Section(SectionInference)
	require.True(t, ok)
	assert.Equal(t, 0.93, m.DoubleOrDefault("score_filter_phone_high", 0))
}

func TestLoaderMissingFile(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "absent.json"), NewRegistry())
	err := l.Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoaderPollingDeliversChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, baseSettings)

	reg := NewRegistry()
	rec := newRecorder(reg, SectionAlertWindow)
	l := NewLoader(path, reg)
	require.NoError(t, l.Load())

	l.Start(context.Background(), 10*time.Millisecond)
	defer l.Stop()

	writeFile(t, path, `{"alertWindowSettings": {"alert_string_phone": "Camera use forbidden", "alert_font_size": 60}}`)
	require.Eventually(t, func() bool { return rec.count(SectionAlertWindow) == 2 }, 2*time.Second, 5*time.Millisecond)
}
