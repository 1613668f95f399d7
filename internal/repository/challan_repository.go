package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"challan-service/internal/domain/challan"
)

// ErrConflict is returned when an insert loses the offense-sequence
// race: another transaction claimed the same (plate, type, seq) first.
var ErrConflict = errors.New("sequence conflict")

// Store is the persistence surface the ledger and pipeline consume.
// Implemented by ChallanRepository; faked in tests.
type Store interface {
	WithTransaction(ctx context.Context, fn func(tx Store) error) error
	MaxSequence(ctx context.Context, plate string, t challan.ViolationType) (int, error)
	InsertChallan(ctx context.Context, c *challan.Challan) error
	MarkPaid(ctx context.Context, id, paymentRef, payerEmail string, amount int64, at time.Time) (int64, error)
	MarkDisputed(ctx context.Context, id, reason string) (int64, error)
	GetChallan(ctx context.Context, id string) (*challan.Challan, error)
	ListChallans(ctx context.Context, plate string) ([]challan.Challan, error)
	RecentByPlateType(ctx context.Context, plate string, t challan.ViolationType, since time.Time) ([]challan.Challan, error)
	Stats(ctx context.Context) (*challan.Stats, error)
}

// ChallanRepository is the gorm-backed persistence layer for challans.
// Sequence integrity rests on two mechanisms: FOR UPDATE row locks
// serialize repeat offenses of an existing (plate, type) pair, and the
// unique (plate, violation_type, seq) index turns the remaining
// first-offense race into ErrConflict for the caller to retry.
type ChallanRepository struct {
	db *gorm.DB
}

func NewChallanRepository(db *gorm.DB) *ChallanRepository {
	return &ChallanRepository{db: db}
}

// WithTransaction runs fn inside a database transaction against a
// repository bound to it.
func (r *ChallanRepository) WithTransaction(ctx context.Context, fn func(tx Store) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ChallanRepository{db: tx})
	})
}

// MaxSequence returns the highest offense sequence number issued to a
// (plate, violation type) pair, locking the matching rows for the
// duration of the enclosing transaction. Zero for an unseen pair.
func (r *ChallanRepository) MaxSequence(ctx context.Context, plate string, t challan.ViolationType) (int, error) {
	var rows []challan.Challan
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("plate = ? AND violation_type = ?", plate, t).
		Order("seq DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("max sequence for %s/%s: %w", plate, t, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Seq, nil
}

// InsertChallan persists a new challan. A duplicate (plate, type, seq)
// is reported as ErrConflict.
func (r *ChallanRepository) InsertChallan(ctx context.Context, c *challan.Challan) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s/%s seq %d", ErrConflict, c.Plate, c.ViolationType, c.Seq)
		}
		return fmt.Errorf("insert challan: %w", err)
	}
	return nil
}

// MarkPaid transitions an UNPAID challan to PAID, recording the payment
// audit fields. Returns the number of rows updated; zero means the
// challan is missing or already terminal.
func (r *ChallanRepository) MarkPaid(ctx context.Context, id, paymentRef, payerEmail string, amount int64, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&challan.Challan{}).
		Where("id = ? AND status = ?", id, challan.StatusUnpaid).
		Updates(map[string]interface{}{
			"status":      challan.StatusPaid,
			"payment_ref": paymentRef,
			"payer_email": payerEmail,
			"paid_amount": amount,
			"paid_at":     at,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("mark paid %s: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// MarkDisputed transitions an UNPAID challan to DISPUTED. Same
// compare-and-set contract as MarkPaid.
func (r *ChallanRepository) MarkDisputed(ctx context.Context, id, reason string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&challan.Challan{}).
		Where("id = ? AND status = ?", id, challan.StatusUnpaid).
		Updates(map[string]interface{}{
			"status":         challan.StatusDisputed,
			"dispute_reason": reason,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("mark disputed %s: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// GetChallan fetches one challan by id. gorm.ErrRecordNotFound when
// absent.
func (r *ChallanRepository) GetChallan(ctx context.Context, id string) (*challan.Challan, error) {
	var c challan.Challan
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChallans returns the full history for a plate ordered by issue
// time. Empty for an unseen plate: the vehicle aggregate is implicit.
func (r *ChallanRepository) ListChallans(ctx context.Context, plate string) ([]challan.Challan, error) {
	var out []challan.Challan
	err := r.db.WithContext(ctx).
		Where("plate = ?", plate).
		Order("issued_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list challans for %s: %w", plate, err)
	}
	return out, nil
}

// RecentByPlateType returns challans for a (plate, type) issued at or
// after since. Used to rebuild the pipeline dedupe window on restart.
func (r *ChallanRepository) RecentByPlateType(ctx context.Context, plate string, t challan.ViolationType, since time.Time) ([]challan.Challan, error) {
	var out []challan.Challan
	err := r.db.WithContext(ctx).
		Where("plate = ? AND violation_type = ? AND issued_at >= ?", plate, t, since).
		Order("issued_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("recent challans for %s/%s: %w", plate, t, err)
	}
	return out, nil
}

// Stats computes the dashboard aggregates.
func (r *ChallanRepository) Stats(ctx context.Context) (*challan.Stats, error) {
	stats := &challan.Stats{
		ByType:   make(map[challan.ViolationType]int64),
		ByStatus: make(map[challan.PaymentStatus]int64),
	}

	var totals struct {
		Count int64
		Sum   int64
	}
	err := r.db.WithContext(ctx).Model(&challan.Challan{}).
		Select("COUNT(*) AS count, COALESCE(SUM(fine_amount), 0) AS sum").
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("challan totals: %w", err)
	}
	stats.TotalChallans = totals.Count
	stats.TotalFines = totals.Sum

	var byType []struct {
		ViolationType challan.ViolationType
		N             int64
	}
	err = r.db.WithContext(ctx).Model(&challan.Challan{}).
		Select("violation_type, COUNT(*) AS n").
		Group("violation_type").
		Scan(&byType).Error
	if err != nil {
		return nil, fmt.Errorf("challans by type: %w", err)
	}
	for _, row := range byType {
		stats.ByType[row.ViolationType] = row.N
	}

	var byStatus []struct {
		Status challan.PaymentStatus
		N      int64
	}
	err = r.db.WithContext(ctx).Model(&challan.Challan{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&byStatus).Error
	if err != nil {
		return nil, fmt.Errorf("challans by status: %w", err)
	}
	for _, row := range byStatus {
		stats.ByStatus[row.Status] = row.N
	}

	return stats, nil
}
