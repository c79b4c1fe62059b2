package store

import (
	"context"
	"database/sql"

	"github.com/vorsengineer/cw-rpi-deployment/internal/apperr"
)

// MasterImage is the row shape of master_images (SPEC_FULL.md §10:
// registration/activation supplemented from the original's image admin
// routes, dropped from the distilled spec).
type MasterImage struct {
	ID          int64  `json:"id"`
	Filename    string `json:"filename"`
	ProductType string `json:"product_type"`
	Version     string `json:"version"`
	SizeBytes   int64  `json:"size_bytes"`
	Checksum    string `json:"checksum"`
	Active      bool   `json:"active"`
	UploadedAt  string `json:"uploaded_at"`
}

// RegisterImage inserts a new master image row as inactive. filename is
// globally unique (one row per physical image file), so re-registering the
// same filename surfaces as apperr.ErrAlreadyExists via isUniqueConflict.
func (s *Store) RegisterImage(ctx context.Context, filename, productType, version, checksum string, sizeBytes int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO master_images (filename, product_type, version, size_bytes, checksum, is_active)
		VALUES (?, ?, ?, ?, ?, 0)
	`, filename, productType, version, sizeBytes, checksum)
	if err != nil {
		if isUniqueConflict(err) {
			return 0, apperr.ErrAlreadyExists
		}
		return 0, err
	}
	return res.LastInsertId()
}

// ActivateImage marks id active and deactivates every other image of the
// same product type in one transaction, enforcing "at most one active image
// per product type" (spec.md §9 Open Questions, resolved in DESIGN.md).
func (s *Store) ActivateImage(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var productType string
		if err := tx.QueryRow(`SELECT product_type FROM master_images WHERE id = ?`, id).Scan(&productType); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE master_images SET is_active = 0 WHERE product_type = ?`, productType); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE master_images SET is_active = 1 WHERE id = ?`, id)
		return err
	})
}

// ActiveImage returns the currently active image for productType, if any.
func (s *Store) ActiveImage(ctx context.Context, productType string) (MasterImage, error) {
	var m MasterImage
	row := s.db.QueryRowContext(ctx, `
		SELECT id, filename, product_type, version, size_bytes, checksum, is_active, uploaded_at
		FROM master_images WHERE product_type = ? AND is_active = 1 LIMIT 1
	`, productType)
	err := row.Scan(&m.ID, &m.Filename, &m.ProductType, &m.Version, &m.SizeBytes, &m.Checksum, &m.Active, &m.UploadedAt)
	return m, err
}

// ListImages returns every registered image, newest first.
func (s *Store) ListImages(ctx context.Context) ([]MasterImage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, product_type, version, size_bytes, checksum, is_active, uploaded_at
		FROM master_images ORDER BY id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MasterImage
	for rows.Next() {
		var m MasterImage
		if err := rows.Scan(&m.ID, &m.Filename, &m.ProductType, &m.Version, &m.SizeBytes, &m.Checksum, &m.Active, &m.UploadedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
