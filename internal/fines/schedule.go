package fines

import (
	"challan-service/internal/domain/challan"
)

// Base fine amounts in rupees per violation type.
const (
	NoHelmetBase     int64 = 500
	TripleRidingBase int64 = 1000
)

// Schedule maps violation types to fine amounts and applies the
// repeat-offense escalation rule.
type Schedule struct {
	multiplier int64
}

// NewSchedule returns a schedule with the given repeat-offense
// multiplier. Values below 1 are treated as the default of 2.
func NewSchedule(multiplier int64) *Schedule {
	if multiplier < 1 {
		multiplier = 2
	}
	return &Schedule{multiplier: multiplier}
}

// BaseFine returns the first-offense fine for a violation type.
func (s *Schedule) BaseFine(t challan.ViolationType) int64 {
	switch t {
	case challan.ViolationNoHelmet:
		return NoHelmetBase
	case challan.ViolationTripleRiding:
		return TripleRidingBase
	default:
		return 0
	}
}

// Escalate applies the repeat-offense rule. Escalation is two-tier: the
// first offense pays the base amount, every later offense pays
// base*multiplier. It does not compound with the third or later offense.
func (s *Schedule) Escalate(base int64, seq int) int64 {
	if seq <= 1 {
		return base
	}
	return base * s.multiplier
}

// Amount is the fine owed for the seq-th offense of type t by one vehicle.
func (s *Schedule) Amount(t challan.ViolationType, seq int) int64 {
	return s.Escalate(s.BaseFine(t), seq)
}
