package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"challan-service/internal/domain/challan"
)

func TestIOU(t *testing.T) {
	a := challan.Region{X1: 0, Y1: 0, X2: 10, Y2: 10}

	assert.InDelta(t, 1.0, iou(a, a), 1e-9)
	assert.Zero(t, iou(a, challan.Region{X1: 20, Y1: 20, X2: 30, Y2: 30}))

	// Half overlap: intersection 50, union 150.
	b := challan.Region{X1: 5, Y1: 0, X2: 15, Y2: 10}
	assert.InDelta(t, 50.0/150.0, iou(a, b), 1e-9)
}

func TestHeadRegion(t *testing.T) {
	person := challan.Region{X1: 10, Y1: 100, X2: 50, Y2: 200}
	head := headRegion(person)

	assert.Equal(t, person.X1, head.X1)
	assert.Equal(t, person.Y1, head.Y1)
	assert.Equal(t, person.X2, head.X2)
	assert.Equal(t, 130, head.Y2) // top 30% of a 100px-tall person
}

func TestAssignRiders(t *testing.T) {
	bike := challan.Region{X1: 0, Y1: 0, X2: 100, Y2: 100}
	onBike := Object{Class: ObjectPerson, Region: challan.Region{X1: 20, Y1: 10, X2: 60, Y2: 90}, Confidence: 0.9}
	offBike := Object{Class: ObjectPerson, Region: challan.Region{X1: 150, Y1: 10, X2: 200, Y2: 90}, Confidence: 0.9}
	// Center at x=110, outside the bike box.
	straddling := Object{Class: ObjectPerson, Region: challan.Region{X1: 80, Y1: 10, X2: 140, Y2: 90}, Confidence: 0.9}

	riders := assignRiders(bike, []Object{onBike, offBike, straddling})
	assert.Equal(t, []Object{onBike}, riders)
}

func TestHasHelmet(t *testing.T) {
	person := challan.Region{X1: 0, Y1: 0, X2: 40, Y2: 100}

	onHead := challan.Region{X1: 5, Y1: 0, X2: 35, Y2: 25}
	assert.True(t, hasHelmet(person, []challan.Region{onHead}))

	// Helmet carried at the waist does not count.
	atWaist := challan.Region{X1: 5, Y1: 50, X2: 35, Y2: 70}
	assert.False(t, hasHelmet(person, []challan.Region{atWaist}))

	assert.False(t, hasHelmet(person, nil))
}
