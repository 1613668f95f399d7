package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"
)

// ErrStore marks evidence persistence failures (storage unreachable or
// timed out). Fatal for the candidate, non-fatal for the frame stream.
var ErrStore = errors.New("evidence store failed")

// Tags classifying stored artifacts.
const (
	TagViolation    = "violation"
	TagUnidentified = "unidentified"
)

// Metadata describes a stored artifact. The plate may be empty for
// unidentified evidence retained for manual review.
type Metadata struct {
	Tag        string
	Plate      string
	Violation  string
	CameraID   string
	CapturedAt time.Time
}

// Store persists frame regions as content-addressed artifacts. Callers
// treat references as opaque.
type Store interface {
	Put(ctx context.Context, data []byte, meta Metadata) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Record is the database row describing one stored artifact.
type Record struct {
	Ref        string `gorm:"primaryKey"`
	Tag        string `gorm:"not null"`
	Plate      string
	Violation  string
	CameraID   string
	Size       int64
	CapturedAt time.Time
	CreatedAt  time.Time
}

func (Record) TableName() string { return "evidence" }

// FileStore writes artifact bytes to a directory keyed by their SHA-256
// and records metadata in the database. Re-storing identical bytes is a
// no-op on disk; the metadata row is refreshed.
type FileStore struct {
	dir string
	db  *gorm.DB
}

func NewFileStore(dir string, db *gorm.DB) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create evidence dir: %v", ErrStore, err)
	}
	return &FileStore{dir: dir, db: db}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte, meta Metadata) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty artifact", ErrStore)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStore, err)
	}

	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])

	path := s.path(ref)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("%w: write artifact: %v", ErrStore, err)
		}
	}

	rec := Record{
		Ref:        ref,
		Tag:        meta.Tag,
		Plate:      meta.Plate,
		Violation:  meta.Violation,
		CameraID:   meta.CameraID,
		Size:       int64(len(data)),
		CapturedAt: meta.CapturedAt,
		CreatedAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return "", fmt.Errorf("%w: save metadata: %v", ErrStore, err)
	}
	return ref, nil
}

func (s *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	var rec Record
	if err := s.db.WithContext(ctx).First(&rec, "ref = ?", ref).Error; err != nil {
		return nil, fmt.Errorf("%w: unknown reference %s: %v", ErrStore, ref, err)
	}
	data, err := os.ReadFile(s.path(ref))
	if err != nil {
		return nil, fmt.Errorf("%w: read artifact: %v", ErrStore, err)
	}
	return data, nil
}

func (s *FileStore) path(ref string) string {
	return filepath.Join(s.dir, ref+".jpg")
}
