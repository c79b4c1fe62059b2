package store

import (
	"context"
	"database/sql"
)

// Batch is the row shape of deployment_batches.
type Batch struct {
	ID             int64      `json:"id"`
	VenueCode      string     `json:"venue_code"`
	ProductType    string     `json:"product_type"`
	TotalCount     int        `json:"total_count"`
	RemainingCount int        `json:"remaining_count"`
	Priority       int        `json:"priority"`
	Status         string     `json:"status"`
	CreatedAt      string     `json:"created_at"`
	StartedAt      NullString `json:"started_at"`
	CompletedAt    NullString `json:"completed_at"`
}

// CreateBatch inserts a pending batch. The KXP2 pool-sufficiency check
// (spec.md §4.2) is the caller's (internal/hostnames) responsibility,
// performed inside the same transaction via CountAvailable before this is
// called, so the check and the insert are atomic.
func (s *Store) CreateBatch(tx *sql.Tx, venueCode, productType string, totalCount, priority int) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO deployment_batches (venue_code, product_type, total_count, remaining_count, priority, status)
		VALUES (?, ?, ?, ?, ?, 'pending')
	`, venueCode, productType, totalCount, totalCount, priority)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetBatchTx fetches a batch by id inside a transaction (used by
// AssignFromBatch / StartBatch / PauseBatch to read-then-write atomically).
func (s *Store) GetBatchTx(tx *sql.Tx, id int64) (Batch, error) {
	return scanBatch(tx.QueryRow(`SELECT id, venue_code, product_type, total_count, remaining_count, priority, status, created_at, started_at, completed_at FROM deployment_batches WHERE id = ?`, id))
}

// GetBatch fetches a batch by id outside any transaction, for read paths.
func (s *Store) GetBatch(ctx context.Context, id int64) (Batch, error) {
	return scanBatch(s.db.QueryRowContext(ctx, `SELECT id, venue_code, product_type, total_count, remaining_count, priority, status, created_at, started_at, completed_at FROM deployment_batches WHERE id = ?`, id))
}

func scanBatch(row *sql.Row) (Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.VenueCode, &b.ProductType, &b.TotalCount, &b.RemainingCount, &b.Priority, &b.Status, &b.CreatedAt, &b.StartedAt, &b.CompletedAt)
	return b, err
}

// SetBatchStatus transitions status (and started_at, for the pending ->
// active transition) inside the caller's transaction.
func (s *Store) SetBatchStatus(tx *sql.Tx, id int64, status string, setStartedAt bool) error {
	if setStartedAt {
		_, err := tx.Exec(`UPDATE deployment_batches SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
			status, now().Format(timeLayout), id)
		return err
	}
	_, err := tx.Exec(`UPDATE deployment_batches SET status = ? WHERE id = ?`, status, id)
	return err
}

// DecrementRemaining decrements remaining_count by one and, if it reaches
// zero, marks the batch completed with completed_at set — both in the
// caller's transaction, alongside the pool draw, per spec.md §4.2.
func (s *Store) DecrementRemaining(tx *sql.Tx, id int64, newRemaining int) error {
	if newRemaining == 0 {
		_, err := tx.Exec(`UPDATE deployment_batches SET remaining_count = ?, status = 'completed', completed_at = ? WHERE id = ?`,
			newRemaining, now().Format(timeLayout), id)
		return err
	}
	_, err := tx.Exec(`UPDATE deployment_batches SET remaining_count = ? WHERE id = ?`, newRemaining, id)
	return err
}

// UpdatePriority changes a batch's priority outside any transaction (no
// other row is touched).
func (s *Store) UpdatePriority(ctx context.Context, id int64, priority int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE deployment_batches SET priority = ? WHERE id = ?`, priority, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ActiveBatch returns the highest-priority active batch, ties broken by
// smallest id, per spec.md §4.2's scheduling discipline.
func (s *Store) ActiveBatch(ctx context.Context) (Batch, error) {
	return scanBatch(s.db.QueryRowContext(ctx, `
		SELECT id, venue_code, product_type, total_count, remaining_count, priority, status, created_at, started_at, completed_at
		FROM deployment_batches WHERE status = 'active' ORDER BY priority DESC, id ASC LIMIT 1
	`))
}

// ListBatches returns batches filtered by optional venue/status, ordered
// by priority then id, mirroring get_all_batches.
func (s *Store) ListBatches(ctx context.Context, venue, status string) ([]Batch, error) {
	query := `SELECT id, venue_code, product_type, total_count, remaining_count, priority, status, created_at, started_at, completed_at FROM deployment_batches WHERE 1=1`
	var args []any
	if venue != "" {
		query += " AND venue_code = ?"
		args = append(args, venue)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY priority DESC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.ID, &b.VenueCode, &b.ProductType, &b.TotalCount, &b.RemainingCount, &b.Priority, &b.Status, &b.CreatedAt, &b.StartedAt, &b.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
