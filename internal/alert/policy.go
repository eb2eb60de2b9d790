package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/dj-oyu/padetect-agent/internal/settings"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

// Defaults applied when detectSettings omits a key.
const (
	DefaultConfirmFrames    = 1
	DefaultCoolDown         = 500 * time.Millisecond
	DefaultNoFaceTimeout    = 5000 * time.Millisecond
	DefaultNoConnectTimeout = 3000 * time.Millisecond
	DefaultPeepFaceCount    = 2
	DefaultPriority         = "phone,peep,occlude,noconnect,nobody,suspect"
)

// Policy configures one alert kind.
type Policy struct {
	Enabled       bool
	ConfirmFrames int           // consecutive condition frames before Active
	Debounce      time.Duration // time the condition must hold before Active, 0 for frame-count only
	CoolDown      time.Duration // absence required before Active returns to Idle
	Window        bool          // show the overlay while displayed
	Evidence      bool          // capture the frame on activation
}

// Policies is the full decision configuration.
type Policies struct {
	Kinds         [types.NumAlertKinds]Policy
	LockOnNobody  bool
	PeepFaceCount int
	Priority      []types.AlertKind // display precedence, highest first
}

// DefaultPolicies returns the stock configuration: every kind but Suspect
// enabled, evidence for Phone and Suspect, no screen lock.
func DefaultPolicies() Policies {
	var p Policies
	for _, k := range types.AllAlertKinds() {
		p.Kinds[k] = Policy{
			Enabled:       k != types.AlertSuspect,
			ConfirmFrames: DefaultConfirmFrames,
			CoolDown:      DefaultCoolDown,
			Window:        k != types.AlertSuspect,
			Evidence:      k == types.AlertPhone || k == types.AlertSuspect,
		}
	}
	p.Kinds[types.AlertNobody].Debounce = DefaultNoFaceTimeout
	p.Kinds[types.AlertNoConnect].Debounce = DefaultNoConnectTimeout
	p.PeepFaceCount = DefaultPeepFaceCount
	p.Priority, _ = ParsePriority(DefaultPriority)
	return p
}

// ParsePriority parses a comma separated list of kind names. Kinds missing
// from the list are appended in declaration order so every kind has a rank.
func ParsePriority(s string) ([]types.AlertKind, error) {
	seen := make(map[types.AlertKind]bool, types.NumAlertKinds)
	out := make([]types.AlertKind, 0, types.NumAlertKinds)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, err := types.ParseAlertKind(part)
		if err != nil {
			return nil, fmt.Errorf("alert priority: %w", err)
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	for _, k := range types.AllAlertKinds() {
		if !seen[k] {
			out = append(out, k)
		}
	}
	return out, nil
}

// PoliciesFromSettings builds policies from the detectSettings section.
// Keys per kind: alert_<kind>_enable, alert_<kind>_window_enable,
// alert_<kind>_camera_enable, alert_<kind>_confirm_frames. Shared keys:
// alert_show_interval, no_face_lock_timeout, noconnect_timeout,
// alert_nobody_lock_enable, peep_face_count, alert_priority.
func PoliciesFromSettings(meta *settings.Meta) (Policies, error) {
	p := DefaultPolicies()
	coolDown := time.Duration(meta.Int32OrDefault("alert_show_interval", int32(DefaultCoolDown.Milliseconds()))) * time.Millisecond

	for _, k := range types.AllAlertKinds() {
		d := p.Kinds[k]
		prefix := "alert_" + k.String()
		p.Kinds[k] = Policy{
			Enabled:       meta.BoolOrDefault(prefix+"_enable", d.Enabled),
			ConfirmFrames: int(max(1, meta.Int32OrDefault(prefix+"_confirm_frames", int32(d.ConfirmFrames)))),
			Debounce:      d.Debounce,
			CoolDown:      coolDown,
			Window:        meta.BoolOrDefault(prefix+"_window_enable", d.Window),
			Evidence:      meta.BoolOrDefault(prefix+"_camera_enable", d.Evidence),
		}
	}
	p.Kinds[types.AlertNobody].Debounce = time.Duration(meta.Int32OrDefault("no_face_lock_timeout",
		int32(DefaultNoFaceTimeout.Milliseconds()))) * time.Millisecond
	p.Kinds[types.AlertNoConnect].Debounce = time.Duration(meta.Int32OrDefault("noconnect_timeout",
		int32(DefaultNoConnectTimeout.Milliseconds()))) * time.Millisecond
	p.LockOnNobody = meta.BoolOrDefault("alert_nobody_lock_enable", false)
	p.PeepFaceCount = int(max(1, meta.Int32OrDefault("peep_face_count", DefaultPeepFaceCount)))

	prio, err := ParsePriority(meta.StringOrDefault("alert_priority", DefaultPriority))
	if err != nil {
		return p, err
	}
	p.Priority = prio
	return p, nil
}
