package detect

import (
	"sync"

	"github.com/dj-oyu/padetect-agent/internal/logger"
	"github.com/dj-oyu/padetect-agent/internal/settings"
)

// Default class thresholds and label ids.
const (
	DefaultLensHigh  = 0.66
	DefaultLensLow   = 0.36
	DefaultPhoneHigh = 0.93
	DefaultPhoneLow  = 0.83
	DefaultFaceScore = 0.36

	DefaultFaceLabel  = 0
	DefaultLensLabel  = 1
	DefaultPhoneLabel = 2
)

// ClassParams holds the label id and the confirm/suspect thresholds of a class.
type ClassParams struct {
	Label int
	High  float32
	Low   float32
}

// Grade classifies a score: 2 confirmed, 1 suspected, 0 discarded.
func (c ClassParams) Grade(score float32) int {
	switch {
	case score >= c.High:
		return 2
	case score >= c.Low:
		return 1
	}
	return 0
}

// ParamSet is an immutable copy of the detection thresholds.
type ParamSet struct {
	Lens  ClassParams
	Phone ClassParams
	Face  ClassParams // Low == High, faces are never "suspected"
}

// MinScore returns the lowest threshold of any class, used as the pre-NMS filter.
func (p ParamSet) MinScore() float32 {
	return min(p.Lens.Low, p.Phone.Low, p.Face.Low)
}

// DefaultParamSet returns the stock thresholds.
func DefaultParamSet() ParamSet {
	return ParamSet{
		Lens:  ClassParams{Label: DefaultLensLabel, High: DefaultLensHigh, Low: DefaultLensLow},
		Phone: ClassParams{Label: DefaultPhoneLabel, High: DefaultPhoneHigh, Low: DefaultPhoneLow},
		Face:  ClassParams{Label: DefaultFaceLabel, High: DefaultFaceScore, Low: DefaultFaceScore},
	}
}

// Params guards the hot-reloadable thresholds. The inference path takes a
// snapshot per frame; settings reloads replace the whole set.
type Params struct {
	mu  sync.RWMutex
	set ParamSet
}

// NewParams creates params holding the defaults.
func NewParams() *Params {
	return &Params{set: DefaultParamSet()}
}

// Snapshot returns the current thresholds.
func (p *Params) Snapshot() ParamSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.set
}

// Store replaces the thresholds after normalizing them.
func (p *Params) Store(set ParamSet) {
	set.Lens = normalize("lens", set.Lens)
	set.Phone = normalize("phone", set.Phone)
	set.Face.Low = set.Face.High

	p.mu.Lock()
	p.set = set
	p.mu.Unlock()
}

// ApplySettings reads the inferenceSettings section. Missing keys fall back to
// the defaults, not to the previous values.
func (p *Params) ApplySettings(meta *settings.Meta) {
	d := DefaultParamSet()
	set := ParamSet{
		Lens: ClassParams{
			Label: int(meta.Int32OrDefault("label_filter_len", int32(d.Lens.Label))),
			High:  float32(meta.DoubleOrDefault("score_filter_len_high", float64(d.Lens.High))),
			Low:   float32(meta.DoubleOrDefault("score_filter_len_low", float64(d.Lens.Low))),
		},
		Phone: ClassParams{
			Label: int(meta.Int32OrDefault("label_filter_phone", int32(d.Phone.Label))),
			High:  float32(meta.DoubleOrDefault("score_filter_phone_high", float64(d.Phone.High))),
			Low:   float32(meta.DoubleOrDefault("score_filter_phone_low", float64(d.Phone.Low))),
		},
		Face: ClassParams{
			Label: int(meta.Int32OrDefault("label_filter_face", int32(d.Face.Label))),
			High:  float32(meta.DoubleOrDefault("score_filter_face", float64(d.Face.High))),
		},
	}
	p.Store(set)
	cur := p.Snapshot()
	logger.Info("Detect", "Thresholds updated: lens %.2f/%.2f phone %.2f/%.2f face %.2f",
		cur.Lens.High, cur.Lens.Low, cur.Phone.High, cur.Phone.Low, cur.Face.High)
}

// normalize clamps a low threshold above high down to high, so the suspect
// band becomes empty instead of inverted.
func normalize(name string, c ClassParams) ClassParams {
	if c.Low > c.High {
		logger.Warn("Detect", "%s low threshold %.2f exceeds high %.2f, clamping", name, c.Low, c.High)
		c.Low = c.High
	}
	return c
}
