package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS challans (
		id              TEXT PRIMARY KEY,
		plate           TEXT NOT NULL,
		violation_type  TEXT NOT NULL,
		fine_amount     BIGINT NOT NULL,
		seq             INT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'UNPAID',
		issued_at       TIMESTAMPTZ NOT NULL,
		camera_id       TEXT,
		latitude        DOUBLE PRECISION,
		longitude       DOUBLE PRECISION,
		evidence_ref    TEXT,
		detection_meta  JSONB,
		payment_ref     TEXT,
		payer_email     TEXT,
		paid_amount     BIGINT,
		paid_at         TIMESTAMPTZ,
		dispute_reason  TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	// The offense-sequence invariant: one challan per (plate, type, seq).
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_challans_plate_type_seq ON challans(plate, violation_type, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_challans_plate ON challans(plate);`,
	`CREATE INDEX IF NOT EXISTS idx_challans_issued_at ON challans(issued_at);`,
	`CREATE INDEX IF NOT EXISTS idx_challans_status ON challans(status);`,
	`CREATE TABLE IF NOT EXISTS evidence (
		ref         TEXT PRIMARY KEY,
		tag         TEXT NOT NULL,
		plate       TEXT,
		violation   TEXT,
		camera_id   TEXT,
		size        BIGINT,
		captured_at TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_tag ON evidence(tag);`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_plate ON evidence(plate);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
