package store

import (
	"context"
	"database/sql"
	"time"
)

// DeploymentRecord is the row shape of deployment_history.
type DeploymentRecord struct {
	ID           int64      `json:"id"`
	Hostname     string     `json:"hostname"`
	MACAddress   NullString `json:"mac_address"`
	SerialNumber NullString `json:"serial_number"`
	IPAddress    NullString `json:"ip_address"`
	ProductType  NullString `json:"product_type"`
	VenueCode    NullString `json:"venue_code"`
	ImageVersion NullString `json:"image_version"`
	Status       string     `json:"status"`
	StartedAt    string     `json:"started_at"`
	CompletedAt  NullString `json:"completed_at"`
	ErrorMessage NullString `json:"error_message"`
}

var terminalStatuses = map[string]bool{"success": true, "failed": true}

// InsertHistory records a new deployment attempt as 'started', created at
// /api/config request time, per spec.md §5.1.
func (s *Store) InsertHistory(ctx context.Context, hostname, mac, serial, ip, productType, venueCode string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_history (hostname, mac_address, serial_number, ip_address, product_type, venue_code, deployment_status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, 'started', ?)
	`, hostname, nullableString(mac), nullableString(serial), nullableString(ip), nullableString(productType), nullableString(venueCode), now().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// latestHistoryStatus returns the id and current status of the most recent
// history row for hostname, used to guard terminal-state updates.
func (s *Store) latestHistoryStatus(ctx context.Context, hostname string) (id int64, status string, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, deployment_status FROM deployment_history WHERE hostname = ? ORDER BY id DESC LIMIT 1
	`, hostname)
	err = row.Scan(&id, &status)
	return
}

// UpdateHistory updates the most recent history row for hostname with a new
// status (and optional image version / error message), per /api/status in
// spec.md §5.1. Once a row is terminal (success or failed) further updates
// are silently ignored — out-of-order status reports after completion must
// not resurrect or corrupt a finished record. Reaching a terminal status for
// the first time stamps completed_at.
func (s *Store) UpdateHistory(ctx context.Context, hostname, status, imageVersion, errMsg string) error {
	id, current, err := s.latestHistoryStatus(ctx, hostname)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if terminalStatuses[current] {
		return nil
	}

	var completedAt any
	if terminalStatuses[status] {
		completedAt = now().Format(timeLayout)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE deployment_history
		SET deployment_status = ?,
		    image_version = COALESCE(NULLIF(?, ''), image_version),
		    error_message = COALESCE(NULLIF(?, ''), error_message),
		    completed_at = COALESCE(?, completed_at)
		WHERE id = ?
	`, status, imageVersion, errMsg, completedAt, id)
	return err
}

// CountDeploymentsSince returns how many history rows started at or after
// since, and how many of those reached the given terminal status, mirroring
// get_dashboard_stats' two COUNT(*) queries over the last 24 hours.
func (s *Store) CountDeploymentsSince(ctx context.Context, since time.Time, successStatus string) (total, successful int, err error) {
	cutoff := since.UTC().Format(timeLayout)
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN deployment_status = ? THEN 1 ELSE 0 END), 0)
		FROM deployment_history WHERE started_at >= ?
	`, successStatus, cutoff)
	err = row.Scan(&total, &successful)
	return
}

// DeploymentFilter narrows ListDeployments; zero-value fields are ignored.
type DeploymentFilter struct {
	Hostname  string
	VenueCode string
	Status    string
	Limit     int
	Offset    int
}

// ListDeployments returns history rows newest-first, optionally filtered,
// mirroring deployment_server.py's history listing endpoint.
func (s *Store) ListDeployments(ctx context.Context, f DeploymentFilter) ([]DeploymentRecord, error) {
	query := `SELECT id, hostname, mac_address, serial_number, ip_address, product_type, venue_code, image_version, deployment_status, started_at, completed_at, error_message FROM deployment_history WHERE 1=1`
	var args []any
	if f.Hostname != "" {
		query += " AND hostname = ?"
		args = append(args, f.Hostname)
	}
	if f.VenueCode != "" {
		query += " AND venue_code = ?"
		args = append(args, f.VenueCode)
	}
	if f.Status != "" {
		query += " AND deployment_status = ?"
		args = append(args, f.Status)
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeploymentRecord
	for rows.Next() {
		var d DeploymentRecord
		if err := rows.Scan(&d.ID, &d.Hostname, &d.MACAddress, &d.SerialNumber, &d.IPAddress, &d.ProductType, &d.VenueCode,
			&d.ImageVersion, &d.Status, &d.StartedAt, &d.CompletedAt, &d.ErrorMessage); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
