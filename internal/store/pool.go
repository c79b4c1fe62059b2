package store

import (
	"database/sql"

	"github.com/vorsengineer/cw-rpi-deployment/internal/apperr"
)

// PoolEntry is the row shape of hostname_pool.
type PoolEntry struct {
	ID           int64      `json:"id"`
	ProductType  string     `json:"product_type"`
	VenueCode    string     `json:"venue_code"`
	Identifier   string     `json:"identifier"`
	Status       string     `json:"status"`
	MACAddress   NullString `json:"mac_address"`
	SerialNumber NullString `json:"serial_number"`
	AssignedAt   NullString `json:"assigned_at"`
	Notes        NullString `json:"notes"`
	CreatedAt    string     `json:"created_at"`
}

// InsertPoolEntry adds one available row for a bulk import; duplicates
// (same product_type/venue_code/identifier) are reported via
// isUniqueConflict so BulkImport can count them instead of aborting.
func (s *Store) InsertPoolEntry(tx *sql.Tx, productType, venueCode, identifier string) error {
	_, err := tx.Exec(
		`INSERT INTO hostname_pool (product_type, venue_code, identifier, status) VALUES (?, ?, ?, 'available')`,
		productType, venueCode, identifier,
	)
	if err != nil && isUniqueConflict(err) {
		return apperr.ErrAlreadyExists
	}
	return err
}

// NextAvailable selects the smallest-identifier available row for
// (product_type, venue_code), ordered lexicographically as spec.md §4.2
// requires (so bulk_import's zero-padding controls assignment order). It
// must run inside the same transaction that subsequently marks the row
// assigned, to keep the draw+mark atomic.
func (s *Store) NextAvailable(tx *sql.Tx, productType, venueCode string) (PoolEntry, error) {
	var pe PoolEntry
	row := tx.QueryRow(`
		SELECT id, product_type, venue_code, identifier, status
		FROM hostname_pool
		WHERE product_type = ? AND venue_code = ? AND status = 'available'
		ORDER BY identifier
		LIMIT 1
	`, productType, venueCode)
	err := row.Scan(&pe.ID, &pe.ProductType, &pe.VenueCode, &pe.Identifier, &pe.Status)
	return pe, err
}

// MarkAssigned flips a pool row to assigned and records mac/serial/time.
func (s *Store) MarkAssigned(tx *sql.Tx, id int64, mac, serial string) error {
	_, err := tx.Exec(`
		UPDATE hostname_pool
		SET status = 'assigned', mac_address = ?, serial_number = ?, assigned_at = ?
		WHERE id = ?
	`, nullableString(mac), nullableString(serial), now().Format(timeLayout), id)
	return err
}

// FindByTriple looks up an existing row by (product_type, venue_code,
// identifier) — used for RXP2's idempotent re-assignment check.
func (s *Store) FindByTriple(tx *sql.Tx, productType, venueCode, identifier string) (PoolEntry, error) {
	var pe PoolEntry
	row := tx.QueryRow(`
		SELECT id, product_type, venue_code, identifier, status
		FROM hostname_pool
		WHERE product_type = ? AND venue_code = ? AND identifier = ?
	`, productType, venueCode, identifier)
	err := row.Scan(&pe.ID, &pe.ProductType, &pe.VenueCode, &pe.Identifier, &pe.Status)
	return pe, err
}

// InsertAssigned inserts a new row directly in the assigned state, for
// RXP2's first-time dynamic creation.
func (s *Store) InsertAssigned(tx *sql.Tx, productType, venueCode, identifier, mac, serial string) error {
	_, err := tx.Exec(`
		INSERT INTO hostname_pool (product_type, venue_code, identifier, status, mac_address, serial_number, assigned_at)
		VALUES (?, ?, ?, 'assigned', ?, ?, ?)
	`, productType, venueCode, identifier, nullableString(mac), nullableString(serial), now().Format(timeLayout))
	return err
}

// ReleaseByTriple flips a row back to available and clears mac/serial/time,
// returning the number of rows affected (0 means not found).
func (s *Store) ReleaseByTriple(tx *sql.Tx, productType, venueCode, identifier string) (int64, error) {
	res, err := tx.Exec(`
		UPDATE hostname_pool
		SET status = 'available', mac_address = NULL, serial_number = NULL, assigned_at = NULL
		WHERE product_type = ? AND venue_code = ? AND identifier = ?
	`, productType, venueCode, identifier)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RetirePoolEntry marks a row retired regardless of its current status
// (supplemented admin action, spec.md §3 lifecycle / SPEC_FULL.md §10).
func (s *Store) RetirePoolEntry(productType, venueCode, identifier string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE hostname_pool SET status = 'retired' WHERE product_type = ? AND venue_code = ? AND identifier = ?
	`, productType, venueCode, identifier)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountAvailable reports how many available rows exist for
// (product_type, venue_code), used by CreateBatch's KXP2 sufficiency check.
func (s *Store) CountAvailable(tx *sql.Tx, productType, venueCode string) (int, error) {
	var n int
	err := tx.QueryRow(`
		SELECT COUNT(*) FROM hostname_pool WHERE product_type = ? AND venue_code = ? AND status = 'available'
	`, productType, venueCode).Scan(&n)
	return n, err
}

const timeLayout = "2006-01-02 15:04:05"
