package challan

import (
	"time"

	"gorm.io/datatypes"
)

// ViolationType identifies the kind of traffic offense detected in a frame.
type ViolationType string

const (
	ViolationNoHelmet     ViolationType = "NO_HELMET"
	ViolationTripleRiding ViolationType = "TRIPLE_RIDING"
)

// Valid reports whether t is a known violation type.
func (t ViolationType) Valid() bool {
	switch t {
	case ViolationNoHelmet, ViolationTripleRiding:
		return true
	}
	return false
}

// PaymentStatus tracks the payment lifecycle of a challan.
// UNPAID is the only non-terminal state.
type PaymentStatus string

const (
	StatusUnpaid   PaymentStatus = "UNPAID"
	StatusPaid     PaymentStatus = "PAID"
	StatusDisputed PaymentStatus = "DISPUTED"
)

// Terminal reports whether no further status transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s == StatusPaid || s == StatusDisputed
}

// GPS is a WGS84 coordinate attached to a frame or challan.
type GPS struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Region is a pixel-space bounding box (x1,y1 top-left, x2,y2 bottom-right).
type Region struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Width returns the horizontal extent of the region.
func (r Region) Width() int { return r.X2 - r.X1 }

// Height returns the vertical extent of the region.
func (r Region) Height() int { return r.Y2 - r.Y1 }

// Area returns the pixel area of the region.
func (r Region) Area() int { return r.Width() * r.Height() }

// Empty reports whether the region has no positive extent.
func (r Region) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

// Frame is a single captured camera image. Immutable once created;
// consumed exactly once by the pipeline and not persisted beyond
// evidence extraction.
type Frame struct {
	CapturedAt time.Time `json:"captured_at"`
	Image      []byte    `json:"image"`
	Location   *GPS      `json:"location,omitempty"`
	CameraID   string    `json:"camera_id,omitempty"`

	// PlateHint is the reading reported by ANPR-capable cameras along
	// with the frame. Used by the fallback recognizer when no OCR
	// backend is available.
	PlateHint string `json:"plate_hint,omitempty"`
}

// Detection is a candidate violation found in a frame. Transient:
// produced by a detector, consumed immediately by the pipeline.
type Detection struct {
	Type       ViolationType `json:"type"`
	Region     Region        `json:"region"`
	Confidence float64       `json:"confidence"`
	Backend    string        `json:"backend"`

	// Riders is the number of people assigned to the offending bike.
	// Only meaningful for TRIPLE_RIDING.
	Riders int `json:"riders,omitempty"`
}

// PlateReading is a normalized plate extracted from a frame region.
type PlateReading struct {
	Plate      string  `json:"plate"`
	Confidence float64 `json:"confidence"`
	Backend    string  `json:"backend"`
}

// Challan is a persisted citation. Created exactly once per accepted
// detection, mutated only by payment-status transitions, never deleted.
type Challan struct {
	ID            string         `json:"id" gorm:"primaryKey"`
	Plate         string         `json:"plate" gorm:"column:plate;not null"`
	ViolationType ViolationType  `json:"violation_type" gorm:"not null"`
	FineAmount    int64          `json:"fine_amount" gorm:"not null"`
	Seq           int            `json:"seq" gorm:"column:seq;not null"`
	Status        PaymentStatus  `json:"status" gorm:"not null"`
	IssuedAt      time.Time      `json:"issued_at" gorm:"not null"`
	CameraID      string         `json:"camera_id,omitempty"`
	Latitude      *float64       `json:"lat,omitempty"`
	Longitude     *float64       `json:"lon,omitempty"`
	EvidenceRef   string         `json:"evidence_ref"`
	DetectionMeta datatypes.JSON `json:"detection_meta,omitempty"`

	// Payment audit trail, populated on MarkPaid / MarkDisputed.
	PaymentRef    *string    `json:"payment_ref,omitempty"`
	PayerEmail    *string    `json:"payer_email,omitempty"`
	PaidAmount    *int64     `json:"paid_amount,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	DisputeReason *string    `json:"dispute_reason,omitempty"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// GPS returns the challan coordinate, or nil when the frame carried none.
func (c *Challan) GPS() *GPS {
	if c.Latitude == nil || c.Longitude == nil {
		return nil
	}
	return &GPS{Latitude: *c.Latitude, Longitude: *c.Longitude}
}

// Stats are the dashboard aggregates over the challan ledger.
type Stats struct {
	TotalChallans int64                   `json:"total_challans"`
	TotalFines    int64                   `json:"total_fines"`
	ByType        map[ViolationType]int64 `json:"by_type"`
	ByStatus      map[PaymentStatus]int64 `json:"by_status"`
}
