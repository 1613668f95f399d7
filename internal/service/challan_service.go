package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"challan-service/internal/domain/challan"
	"challan-service/internal/fines"
	"challan-service/internal/repository"
	"challan-service/internal/utils"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")

	// ErrInvalidTransition rejects payment-state changes out of a
	// terminal state. The stored state is left untouched.
	ErrInvalidTransition = errors.New("invalid payment transition")

	// ErrConcurrencyConflict surfaces a sequence-assignment race that
	// persisted through the automatic retry.
	ErrConcurrencyConflict = errors.New("concurrent issuance conflict")

	// ErrAmountMismatch rejects payments that do not match the fine.
	ErrAmountMismatch = errors.New("payment amount mismatch")
)

// Candidate is a fully recognized violation ready for issuance.
type Candidate struct {
	Plate         string
	ViolationType challan.ViolationType
	CapturedAt    time.Time
	CameraID      string
	Location      *challan.GPS
	EvidenceRef   string
	Detection     challan.Detection
	Reading       challan.PlateReading
}

// Payment carries the operator-supplied payment confirmation details.
type Payment struct {
	Reference  string
	PayerEmail string
	Amount     int64
}

// Ledger turns recognized violations into persisted challans and owns
// the payment state machine.
type Ledger struct {
	repo     repository.Store
	schedule *fines.Schedule
	log      zerolog.Logger
}

func NewLedger(repo repository.Store, schedule *fines.Schedule, log zerolog.Logger) *Ledger {
	return &Ledger{
		repo:     repo,
		schedule: schedule,
		log:      log,
	}
}

// Issue creates exactly one challan for the candidate. The sequence
// read, fine computation and insert run in one transaction; a lost race
// on the (plate, type, seq) index is retried once before being
// surfaced as ErrConcurrencyConflict.
func (l *Ledger) Issue(ctx context.Context, cand Candidate) (*challan.Challan, error) {
	if cand.Plate == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	if !cand.ViolationType.Valid() {
		return nil, fmt.Errorf("%w: unknown violation type %q", ErrInvalidInput, cand.ViolationType)
	}
	plate := utils.NormalizePlate(cand.Plate)

	c, err := l.issueOnce(ctx, plate, cand)
	if errors.Is(err, repository.ErrConflict) {
		l.log.Warn().
			Str("plate", plate).
			Str("violation_type", string(cand.ViolationType)).
			Msg("sequence conflict, retrying issue once")
		c, err = l.issueOnce(ctx, plate, cand)
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: %s/%s", ErrConcurrencyConflict, plate, cand.ViolationType)
		}
	}
	if err != nil {
		return nil, err
	}

	l.log.Info().
		Str("challan_id", c.ID).
		Str("plate", c.Plate).
		Str("violation_type", string(c.ViolationType)).
		Int("seq", c.Seq).
		Int64("fine_amount", c.FineAmount).
		Str("camera_id", c.CameraID).
		Msg("issued challan")
	return c, nil
}

func (l *Ledger) issueOnce(ctx context.Context, plate string, cand Candidate) (*challan.Challan, error) {
	var issued *challan.Challan
	err := l.repo.WithTransaction(ctx, func(tx repository.Store) error {
		maxSeq, err := tx.MaxSequence(ctx, plate, cand.ViolationType)
		if err != nil {
			return err
		}
		seq := maxSeq + 1

		c := &challan.Challan{
			ID:            uuid.NewString(),
			Plate:         plate,
			ViolationType: cand.ViolationType,
			FineAmount:    l.schedule.Amount(cand.ViolationType, seq),
			Seq:           seq,
			Status:        challan.StatusUnpaid,
			IssuedAt:      cand.CapturedAt,
			CameraID:      cand.CameraID,
			EvidenceRef:   cand.EvidenceRef,
		}
		if c.IssuedAt.IsZero() {
			c.IssuedAt = time.Now()
		}
		if cand.Location != nil {
			lat, lon := cand.Location.Latitude, cand.Location.Longitude
			c.Latitude, c.Longitude = &lat, &lon
		}
		if meta, err := json.Marshal(map[string]interface{}{
			"detection": cand.Detection,
			"reading":   cand.Reading,
		}); err == nil {
			c.DetectionMeta = meta
		}

		if err := tx.InsertChallan(ctx, c); err != nil {
			return err
		}
		issued = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

// MarkPaid transitions a challan from UNPAID to PAID. The paid amount
// must match the fine exactly; a challan already PAID or DISPUTED fails
// with ErrInvalidTransition so double payments surface to the operator.
func (l *Ledger) MarkPaid(ctx context.Context, id string, p Payment) (*challan.Challan, error) {
	if p.Reference == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidInput)
	}

	current, err := l.GetChallan(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Amount != current.FineAmount {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrAmountMismatch, current.FineAmount, p.Amount)
	}

	rows, err := l.repo.MarkPaid(ctx, id, p.Reference, p.PayerEmail, p.Amount, time.Now())
	if err != nil {
		return nil, fmt.Errorf("mark paid: %w", err)
	}
	if rows == 0 {
		// Lost a race or the challan was already terminal; either way
		// the stored state is not UNPAID.
		return nil, fmt.Errorf("%w: challan %s is not unpaid", ErrInvalidTransition, id)
	}

	l.log.Info().
		Str("challan_id", id).
		Str("payment_ref", p.Reference).
		Int64("amount", p.Amount).
		Msg("challan paid")
	return l.GetChallan(ctx, id)
}

// MarkDisputed transitions a challan from UNPAID to DISPUTED with the
// operator-supplied reason. Terminal states are immutable.
func (l *Ledger) MarkDisputed(ctx context.Context, id, reason string) (*challan.Challan, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", ErrInvalidInput)
	}

	if _, err := l.GetChallan(ctx, id); err != nil {
		return nil, err
	}

	rows, err := l.repo.MarkDisputed(ctx, id, reason)
	if err != nil {
		return nil, fmt.Errorf("mark disputed: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: challan %s is not unpaid", ErrInvalidTransition, id)
	}

	l.log.Info().
		Str("challan_id", id).
		Str("reason", reason).
		Msg("challan disputed")
	return l.GetChallan(ctx, id)
}

// RecentlyIssued returns challans for a (plate, violation type) pair
// issued at or after since, newest first.
func (l *Ledger) RecentlyIssued(ctx context.Context, plate string, t challan.ViolationType, since time.Time) ([]challan.Challan, error) {
	out, err := l.repo.RecentByPlateType(ctx, utils.NormalizePlate(plate), t, since)
	if err != nil {
		return nil, fmt.Errorf("recent challans: %w", err)
	}
	return out, nil
}

// GetChallan fetches one challan by id.
func (l *Ledger) GetChallan(ctx context.Context, id string) (*challan.Challan, error) {
	c, err := l.repo.GetChallan(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: challan %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get challan %s: %w", id, err)
	}
	return c, nil
}

// ListChallans returns the challan history for a plate ordered by issue
// time. An unseen plate has an empty history, not an error.
func (l *Ledger) ListChallans(ctx context.Context, plateQuery string) ([]challan.Challan, error) {
	plate := utils.NormalizePlate(plateQuery)
	if plate == "" {
		return nil, fmt.Errorf("%w: plate query cannot be empty", ErrInvalidInput)
	}
	out, err := l.repo.ListChallans(ctx, plate)
	if err != nil {
		return nil, fmt.Errorf("list challans: %w", err)
	}
	return out, nil
}

// Stats returns the dashboard aggregates.
func (l *Ledger) Stats(ctx context.Context) (*challan.Stats, error) {
	s, err := l.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}
