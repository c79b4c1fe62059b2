package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/vorsengineer/cw-rpi-deployment/internal/apperr"
)

// Venue is the row shape of the venues table (spec.md §3).
type Venue struct {
	ID           int64      `json:"id"`
	Code         string     `json:"code"`
	Name         string     `json:"name"`
	Location     NullString `json:"location"`
	ContactEmail NullString `json:"contact_email"`
	CreatedAt    string     `json:"created_at"`
}

// CreateVenue inserts a new venue row. The caller (internal/hostnames) has
// already normalized and validated code; this layer only enforces the
// uniqueness constraint via the schema and translates the driver's
// conflict into apperr.ErrAlreadyExists.
func (s *Store) CreateVenue(ctx context.Context, code, name, location, email string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO venues (code, name, location, contact_email) VALUES (?, ?, ?, ?)`,
		code, name, nullableString(location), nullableString(email),
	)
	if err != nil {
		if isUniqueConflict(err) {
			return apperr.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// VenueExists reports whether a venue with the given code is registered.
func (s *Store) VenueExists(ctx context.Context, code string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM venues WHERE code = ?`, code).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateVenue edits name/location/contact_email for an existing venue
// (supplemented from web/app.py's venue_edit route — see SPEC_FULL.md §10).
func (s *Store) UpdateVenue(ctx context.Context, code, name, location, email string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE venues SET name = ?, location = ?, contact_email = ? WHERE code = ?`,
		name, nullableString(location), nullableString(email), code,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// VenueStats is one row of ListVenues, carrying per-product pool counts the
// way hostname_manager.py's list_venues() does.
type VenueStats struct {
	Venue
	KXP2Available int `json:"kxp2_available"`
	KXP2Assigned  int `json:"kxp2_assigned"`
	RXP2Available int `json:"rxp2_available"`
	RXP2Assigned  int `json:"rxp2_assigned"`
}

// ListVenues returns every venue with its pool breakdown, ordered by code.
func (s *Store) ListVenues(ctx context.Context) ([]VenueStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			v.id, v.code, v.name, v.location, v.contact_email, v.created_at,
			COALESCE(SUM(CASE WHEN h.product_type = 'KXP2' AND h.status = 'available' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN h.product_type = 'KXP2' AND h.status = 'assigned' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN h.product_type = 'RXP2' AND h.status = 'available' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN h.product_type = 'RXP2' AND h.status = 'assigned' THEN 1 ELSE 0 END), 0)
		FROM venues v
		LEFT JOIN hostname_pool h ON v.code = h.venue_code
		GROUP BY v.id, v.code, v.name, v.location, v.contact_email, v.created_at
		ORDER BY v.code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VenueStats
	for rows.Next() {
		var vs VenueStats
		if err := rows.Scan(&vs.ID, &vs.Code, &vs.Name, &vs.Location, &vs.ContactEmail, &vs.CreatedAt,
			&vs.KXP2Available, &vs.KXP2Assigned, &vs.RXP2Available, &vs.RXP2Assigned); err != nil {
			return nil, err
		}
		out = append(out, vs)
	}
	return out, rows.Err()
}

// PoolCounts is the per-status breakdown get_venue_statistics returns.
type PoolCounts struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Assigned  int `json:"assigned"`
	Retired   int `json:"retired"`
}

// VenuePoolCounts reports the hostname_pool breakdown for one venue across
// both product types.
func (s *Store) VenuePoolCounts(ctx context.Context, venueCode string) (PoolCounts, error) {
	var pc PoolCounts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'available' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'assigned' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'retired' THEN 1 ELSE 0 END), 0)
		FROM hostname_pool WHERE venue_code = ?
	`, venueCode)
	if err := row.Scan(&pc.Total, &pc.Available, &pc.Assigned, &pc.Retired); err != nil {
		return PoolCounts{}, err
	}
	return pc, nil
}

func nullableString(s string) NullString {
	if s == "" {
		return NullString{}
	}
	return NullString{String: s, Valid: true}
}

func isUniqueConflict(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint violations through the
	// standard sqlite error text; there is no typed sentinel exported for
	// it the way mattn/go-sqlite3 exposes sqlite3.ErrConstraint, so the
	// message is matched directly.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint")
}
