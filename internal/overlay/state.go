// Package overlay paints the full-screen alert shown on every monitor.
package overlay

import (
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/padetect-agent/internal/logger"
	"github.com/dj-oyu/padetect-agent/internal/settings"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

// Default overlay strings and font.
const (
	DefaultFontFamily = "微软雅黑"
	DefaultFontSize   = 60
)

var defaultTexts = [types.NumAlertKinds]string{
	types.AlertPhone:     "禁止 拍照",
	types.AlertPeep:      "存在偷窥风险 请检测周边",
	types.AlertNobody:    "无人办公",
	types.AlertOcclude:   "摄像头遮挡",
	types.AlertNoConnect: "摄像头异常 请检查线束连接",
	types.AlertSuspect:   "疑似拍照 请注意",
}

// DisplayState is an immutable snapshot read by the repaint path.
type DisplayState struct {
	Kind       types.AlertKind
	Visible    bool
	Texts      [types.NumAlertKinds]string
	Version    string
	FontFamily string
	FontSize   int
}

// Text returns the message for the active kind.
func (s *DisplayState) Text() string {
	if !s.Kind.Valid() {
		return ""
	}
	return s.Texts[s.Kind]
}

// DefaultDisplayState returns a hidden state with the stock strings.
func DefaultDisplayState() DisplayState {
	return DisplayState{
		Kind:       types.AlertNone,
		Texts:      defaultTexts,
		FontFamily: DefaultFontFamily,
		FontSize:   DefaultFontSize,
	}
}

// State publishes DisplayState snapshots. Readers never lock: they load the
// current pointer. Writers copy, modify and swap under a mutex so concurrent
// updates from the worker and the settings loop are not lost.
type State struct {
	mu  sync.Mutex
	cur atomic.Pointer[DisplayState]
}

// NewState creates a state holding the defaults.
func NewState() *State {
	s := &State{}
	d := DefaultDisplayState()
	s.cur.Store(&d)
	return s
}

// Load returns the current snapshot. The result must not be modified.
func (s *State) Load() *DisplayState {
	return s.cur.Load()
}

// Update applies fn to a copy of the current state and publishes it.
func (s *State) Update(fn func(*DisplayState)) *DisplayState {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.cur.Load()
	fn(&next)
	s.cur.Store(&next)
	return &next
}

// SetActive selects the kind to show; AlertNone hides the overlay.
func (s *State) SetActive(kind types.AlertKind) *DisplayState {
	return s.Update(func(d *DisplayState) {
		d.Kind = kind
		d.Visible = kind.Valid()
	})
}

// ApplySettings reads the alertWindowSettings section. Missing keys restore
// the defaults.
func (s *State) ApplySettings(meta *settings.Meta) {
	next := s.Update(func(d *DisplayState) {
		for _, k := range types.AllAlertKinds() {
			d.Texts[k] = meta.StringOrDefault("alert_string_"+k.String(), defaultTexts[k])
		}
		d.FontFamily = meta.StringOrDefault("alert_font", DefaultFontFamily)
		d.FontSize = int(meta.Int32OrDefault("alert_font_size", DefaultFontSize))
		if d.FontSize <= 0 {
			d.FontSize = DefaultFontSize
		}
		d.Version = meta.StringOrDefault("alert_version", "")
	})
	logger.Info("Overlay", "Alert window settings updated (font %q %dpt, version %q)",
		next.FontFamily, next.FontSize, next.Version)
}
