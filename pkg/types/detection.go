package types

import (
	"fmt"
	"strings"
)

// BoundingBox is an axis-aligned box in source image pixel coordinates.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Area returns the box area, 0 for degenerate boxes.
func (b BoundingBox) Area() int {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Intersection returns the overlap area of two boxes.
func (b BoundingBox) Intersection(o BoundingBox) int {
	x1 := max(b.X, o.X)
	y1 := max(b.Y, o.Y)
	x2 := min(b.X+b.W, o.X+o.W)
	y2 := min(b.Y+b.H, o.Y+o.H)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	return (x2 - x1) * (y2 - y1)
}

// IoU returns intersection over union.
func (b BoundingBox) IoU(o BoundingBox) float64 {
	inter := b.Intersection(o)
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Center returns the box center.
func (b BoundingBox) Center() (float64, float64) {
	return float64(b.X) + float64(b.W)/2, float64(b.Y) + float64(b.H)/2
}

// Detection is one recognized object instance.
type Detection struct {
	Box     BoundingBox `json:"bbox"`
	Score   float32     `json:"confidence"`
	ClassID int         `json:"class_id"`
}

// DetectionResult aggregates one frame's classified detections.
type DetectionResult struct {
	LensCount      int         `json:"lens_count"`
	PhoneCount     int         `json:"phone_count"`
	FaceCount      int         `json:"face_count"`
	SuspectedCount int         `json:"suspected_count"`
	Detections     []Detection `json:"detections"`
}

// Empty reports whether nothing was counted.
func (r DetectionResult) Empty() bool {
	return r.LensCount == 0 && r.PhoneCount == 0 && r.FaceCount == 0 && r.SuspectedCount == 0
}

// AlertKind enumerates the risk conditions the agent reports.
type AlertKind int

const (
	AlertPhone AlertKind = iota
	AlertPeep
	AlertNobody
	AlertOcclude
	AlertNoConnect
	AlertSuspect

	NumAlertKinds = int(AlertSuspect) + 1
)

// AlertNone marks the absence of an active alert.
const AlertNone AlertKind = -1

var alertKindNames = [...]string{
	AlertPhone:     "phone",
	AlertPeep:      "peep",
	AlertNobody:    "nobody",
	AlertOcclude:   "occlude",
	AlertNoConnect: "noconnect",
	AlertSuspect:   "suspect",
}

// String returns the lower-case name used in settings keys and filenames.
func (k AlertKind) String() string {
	if k >= 0 && int(k) < len(alertKindNames) {
		return alertKindNames[k]
	}
	if k == AlertNone {
		return "none"
	}
	return fmt.Sprintf("AlertKind(%d)", int(k))
}

// Valid reports whether k is one of the enumerated kinds.
func (k AlertKind) Valid() bool {
	return k >= 0 && int(k) < NumAlertKinds
}

// ParseAlertKind parses a kind name (case-insensitive).
func ParseAlertKind(s string) (AlertKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range alertKindNames {
		if n == name {
			return AlertKind(i), nil
		}
	}
	return AlertNone, fmt.Errorf("invalid alert kind: %q", s)
}

// AllAlertKinds returns every kind in declaration order.
func AllAlertKinds() []AlertKind {
	kinds := make([]AlertKind, NumAlertKinds)
	for i := range kinds {
		kinds[i] = AlertKind(i)
	}
	return kinds
}
