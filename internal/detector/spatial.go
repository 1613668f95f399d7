package detector

import (
	"challan-service/internal/domain/challan"
)

// Spatial reasoning over raw object boxes. A person is riding a bike
// when their box center falls inside the bike box; a rider is helmeted
// when some helmet box overlaps the top portion of their box.

// headTopRatio is the fraction of a person box, from the top, treated
// as the head region for helmet matching.
const headTopRatio = 0.3

func center(r challan.Region) (float64, float64) {
	return float64(r.X1+r.X2) / 2, float64(r.Y1+r.Y2) / 2
}

func pointInside(r challan.Region, x, y float64) bool {
	return x >= float64(r.X1) && x <= float64(r.X2) && y >= float64(r.Y1) && y <= float64(r.Y2)
}

// iou is the intersection-over-union of two regions.
func iou(a, b challan.Region) float64 {
	interW := min(a.X2, b.X2) - max(a.X1, b.X1)
	interH := min(a.Y2, b.Y2) - max(a.Y1, b.Y1)
	if interW <= 0 || interH <= 0 {
		return 0
	}
	inter := float64(interW * interH)
	union := float64(a.Area()+b.Area()) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// headRegion returns the top portion of a person box.
func headRegion(person challan.Region) challan.Region {
	return challan.Region{
		X1: person.X1,
		Y1: person.Y1,
		X2: person.X2,
		Y2: person.Y1 + int(headTopRatio*float64(person.Height())),
	}
}

// assignRiders returns the persons whose box center lies inside the
// bike box.
func assignRiders(bike challan.Region, persons []Object) []Object {
	var riders []Object
	for _, p := range persons {
		x, y := center(p.Region)
		if pointInside(bike, x, y) {
			riders = append(riders, p)
		}
	}
	return riders
}

// hasHelmet reports whether any helmet box overlaps the person's head
// region.
func hasHelmet(person challan.Region, helmets []challan.Region) bool {
	head := headRegion(person)
	for _, h := range helmets {
		if iou(head, h) > 0 {
			return true
		}
	}
	return false
}
