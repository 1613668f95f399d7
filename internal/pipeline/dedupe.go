package pipeline

import (
	"math"
	"sync"
	"time"

	"challan-service/internal/domain/challan"
)

// dedupeWindow remembers recently issued (plate, violation type) pairs
// so that consecutive frames of the same physical event produce a
// single challan. A new candidate is a duplicate when a remembered
// entry for the same pair is within the time window and, when both
// carry GPS, within the distance limit.
//
// Candidates claim the pair with Reserve before issuing, in one mutex
// hold, so two workers carrying frames of the same event cannot both
// pass the check while neither has issued yet.
type dedupeWindow struct {
	mu       sync.Mutex
	window   time.Duration
	distance float64 // meters
	entries  map[dedupeKey]dedupeEntry
}

type dedupeKey struct {
	plate string
	vtype challan.ViolationType
}

type dedupeEntry struct {
	issuedAt time.Time
	location *challan.GPS
}

func newDedupeWindow(window time.Duration, distanceMeters float64) *dedupeWindow {
	return &dedupeWindow{
		window:   window,
		distance: distanceMeters,
		entries:  make(map[dedupeKey]dedupeEntry),
	}
}

// Reserve claims the (plate, type) pair for issuance. It returns false
// when an equivalent entry is already inside the window, leaving that
// entry untouched. Check and claim happen under one lock: a concurrent
// Reserve for the same event sees the claim even before the winner has
// issued. A successful reservation must be finalized with Remember or
// rolled back with Release. Expired entries are dropped as a side
// effect.
func (w *dedupeWindow) Reserve(plate string, t challan.ViolationType, at time.Time, loc *challan.GPS) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(at)

	key := dedupeKey{plate: plate, vtype: t}
	if e, ok := w.entries[key]; ok && w.matches(e, at, loc) {
		return false
	}
	w.entries[key] = dedupeEntry{issuedAt: at, location: loc}
	return true
}

// Release rolls back a reservation whose candidate failed before a
// challan was issued.
func (w *dedupeWindow) Release(plate string, t challan.ViolationType) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, dedupeKey{plate: plate, vtype: t})
}

// Remember records an issued challan, replacing any reservation for the
// pair.
func (w *dedupeWindow) Remember(plate string, t challan.ViolationType, at time.Time, loc *challan.GPS) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[dedupeKey{plate: plate, vtype: t}] = dedupeEntry{issuedAt: at, location: loc}
}

func (w *dedupeWindow) matches(e dedupeEntry, at time.Time, loc *challan.GPS) bool {
	if at.Sub(e.issuedAt) > w.window {
		return false
	}
	if loc != nil && e.location != nil {
		return haversineMeters(*e.location, *loc) <= w.distance
	}
	// Without coordinates on both sides, time proximity decides.
	return true
}

// matchPersisted applies the window and distance rules to challans
// loaded from the ledger. Returns the matching challan, or nil. Covers
// the gap after a restart, when the in-memory window is empty.
func (w *dedupeWindow) matchPersisted(rows []challan.Challan, at time.Time, loc *challan.GPS) *challan.Challan {
	for i := range rows {
		c := &rows[i]
		if w.matches(dedupeEntry{issuedAt: c.IssuedAt, location: c.GPS()}, at, loc) {
			return c
		}
	}
	return nil
}

func (w *dedupeWindow) evict(now time.Time) {
	for k, e := range w.entries {
		if now.Sub(e.issuedAt) > w.window {
			delete(w.entries, k)
		}
	}
}

const earthRadiusMeters = 6371000

// haversineMeters is the great-circle distance between two coordinates.
func haversineMeters(a, b challan.GPS) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}
