package detect

import (
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

// Classify counts confirmed and suspected detections per class.
//
// A lens or phone scoring in its suspect band increments SuspectedCount.
// Additionally every (suspected phone, lens) pair whose boxes intersect
// counts as one confirmed phone: a phone held up with its camera facing the
// screen. Only lenses in the suspect band take part.
func Classify(dets []types.Detection, p ParamSet) types.DetectionResult {
	var res types.DetectionResult
	var lenses, phoneSuspects []types.BoundingBox

	for _, d := range dets {
		switch d.ClassID {
		case p.Lens.Label:
			switch p.Lens.Grade(d.Score) {
			case 2:
				res.LensCount++
			case 1:
				res.SuspectedCount++
				lenses = append(lenses, d.Box)
			default:
				continue
			}
		case p.Phone.Label:
			switch p.Phone.Grade(d.Score) {
			case 2:
				res.PhoneCount++
			case 1:
				res.SuspectedCount++
				phoneSuspects = append(phoneSuspects, d.Box)
			default:
				continue
			}
		case p.Face.Label:
			if d.Score < p.Face.High {
				continue
			}
			res.FaceCount++
		default:
			continue
		}
		res.Detections = append(res.Detections, d)
	}

	for _, phone := range phoneSuspects {
		for _, lens := range lenses {
			if phone.Intersection(lens) > 0 {
				res.PhoneCount++
			}
		}
	}
	return res
}
