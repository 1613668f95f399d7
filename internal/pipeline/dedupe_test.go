package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"challan-service/internal/domain/challan"
)

func TestDedupeWindowReserve(t *testing.T) {
	w := newDedupeWindow(5*time.Second, 50)
	now := time.Now()

	assert.True(t, w.Reserve("MH01AB1234", challan.ViolationNoHelmet, now, nil))

	// The claim blocks an equivalent candidate immediately, before any
	// challan has been issued for it.
	assert.False(t, w.Reserve("MH01AB1234", challan.ViolationNoHelmet, now.Add(2*time.Second), nil))

	// Same plate, different violation type is not a duplicate.
	assert.True(t, w.Reserve("MH01AB1234", challan.ViolationTripleRiding, now.Add(2*time.Second), nil))

	// Outside the window the event is a fresh offense.
	assert.True(t, w.Reserve("KA05MN1234", challan.ViolationNoHelmet, now, nil))
	assert.True(t, w.Reserve("KA05MN1234", challan.ViolationNoHelmet, now.Add(6*time.Second), nil))
}

func TestDedupeWindowRelease(t *testing.T) {
	w := newDedupeWindow(5*time.Second, 50)
	now := time.Now()

	require.True(t, w.Reserve("MH01AB1234", challan.ViolationNoHelmet, now, nil))
	w.Release("MH01AB1234", challan.ViolationNoHelmet)

	// A failed candidate must not suppress the next sighting.
	assert.True(t, w.Reserve("MH01AB1234", challan.ViolationNoHelmet, now.Add(time.Second), nil))
}

func TestDedupeWindowDistance(t *testing.T) {
	w := newDedupeWindow(time.Minute, 50)
	now := time.Now()
	here := &challan.GPS{Latitude: 17.3850, Longitude: 78.4867}

	w.Remember("MH01AB1234", challan.ViolationNoHelmet, now, here)

	nearby := &challan.GPS{Latitude: 17.38502, Longitude: 78.48672} // a few meters away
	assert.False(t, w.Reserve("MH01AB1234", challan.ViolationNoHelmet, now.Add(time.Second), nearby))

	// The same plate caught at another junction is a separate offense
	// even inside the time window.
	farAway := &challan.GPS{Latitude: 17.4000, Longitude: 78.5000}
	assert.True(t, w.Reserve("MH01AB1234", challan.ViolationNoHelmet, now.Add(time.Second), farAway))
}

func TestDedupeWindowEviction(t *testing.T) {
	w := newDedupeWindow(time.Second, 50)
	now := time.Now()

	w.Remember("MH01AB1234", challan.ViolationNoHelmet, now, nil)
	require.True(t, w.Reserve("KA05MN1234", challan.ViolationNoHelmet, now.Add(time.Minute), nil))

	assert.Len(t, w.entries, 1)
	_, stale := w.entries[dedupeKey{plate: "MH01AB1234", vtype: challan.ViolationNoHelmet}]
	assert.False(t, stale)
}
