package statusapi

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/padetect-agent/internal/worker"
)

// TransitionJSON is one alert state change.
type TransitionJSON struct {
	Kind   string `json:"kind"`
	From   string `json:"from"`
	To     string `json:"to"`
	Active bool   `json:"activated"`
}

// AlertEvent is the payload of /api/alerts/stream and /api/alerts/ws.
type AlertEvent struct {
	Timestamp   float64          `json:"timestamp"`
	Display     string           `json:"display"`
	Changed     bool             `json:"display_changed"`
	Lock        bool             `json:"lock"`
	Phones      int              `json:"phone_count"`
	Faces       int              `json:"face_count"`
	Lenses      int              `json:"lens_count"`
	Suspected   int              `json:"suspected_count"`
	Transitions []TransitionJSON `json:"transitions"`
}

// NewAlertEvent converts a worker event.
func NewAlertEvent(ev worker.Event) AlertEvent {
	out := AlertEvent{
		Timestamp:   float64(ev.Time.UnixNano()) / float64(time.Second),
		Display:     ev.Display.String(),
		Changed:     ev.Changed,
		Lock:        ev.Lock,
		Phones:      ev.Result.PhoneCount,
		Faces:       ev.Result.FaceCount,
		Lenses:      ev.Result.LensCount,
		Suspected:   ev.Result.SuspectedCount,
		Transitions: make([]TransitionJSON, 0, len(ev.Transitions)),
	}
	for _, t := range ev.Transitions {
		out.Transitions = append(out.Transitions, TransitionJSON{
			Kind:   t.Kind.String(),
			From:   t.From.String(),
			To:     t.To.String(),
			Active: t.Activated(),
		})
	}
	return out
}

// Proto encodes the event as a google.protobuf.Struct with the JSON field
// names.
func (e AlertEvent) Proto() (*structpb.Struct, error) {
	transitions := make([]any, 0, len(e.Transitions))
	for _, t := range e.Transitions {
		transitions = append(transitions, map[string]any{
			"kind":      t.Kind,
			"from":      t.From,
			"to":        t.To,
			"activated": t.Active,
		})
	}
	return structpb.NewStruct(map[string]any{
		"timestamp":       e.Timestamp,
		"display":         e.Display,
		"display_changed": e.Changed,
		"lock":            e.Lock,
		"phone_count":     e.Phones,
		"face_count":      e.Faces,
		"lens_count":      e.Lenses,
		"suspected_count": e.Suspected,
		"transitions":     transitions,
	})
}
