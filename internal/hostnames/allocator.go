// Package hostnames implements the Hostname Allocator (spec.md §4.2): venue
// management, KXP2 pool-drawing and RXP2 serial-derived assignment, and the
// deployment batch scheduler, all grounded on hostname_manager.py's
// HostnameManager but backed by internal/store's transactional queries
// instead of ad-hoc sqlite3 connections.
package hostnames

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vorsengineer/cw-rpi-deployment/internal/apperr"
	"github.com/vorsengineer/cw-rpi-deployment/internal/store"
)

var venueCodePattern = regexp.MustCompile(`^[A-Z0-9]{4}$`)

// Allocator is the Hostname Allocator component. It owns venue/pool/batch
// business rules; internal/store owns the SQL beneath them.
type Allocator struct {
	store *store.Store
	log   *logrus.Logger
}

// New builds an Allocator over an already-open Store.
func New(s *store.Store, log *logrus.Logger) *Allocator {
	return &Allocator{store: s, log: log}
}

func validateVenueCode(code string) (string, error) {
	if code == "" {
		return "", errors.Wrap(apperr.ErrInvalidCode, "venue code cannot be empty")
	}
	code = strings.ToUpper(code)
	if !venueCodePattern.MatchString(code) {
		return "", errors.Wrapf(apperr.ErrInvalidCode, "must be 4 alphanumeric characters, got %q", code)
	}
	return code, nil
}

func validateProductType(productType string) (string, error) {
	switch productType {
	case "KXP2", "RXP2":
		return productType, nil
	default:
		return "", errors.Wrapf(apperr.ErrInvalidArgs, "invalid product type %q, must be KXP2 or RXP2", productType)
	}
}

// CreateVenue validates and normalizes code, then inserts the venue.
func (a *Allocator) CreateVenue(ctx context.Context, code, name, location, email string) error {
	code, err := validateVenueCode(code)
	if err != nil {
		return err
	}
	if name == "" {
		return errors.Wrap(apperr.ErrInvalidArgs, "venue name cannot be empty")
	}
	if err := a.store.CreateVenue(ctx, code, name, location, email); err != nil {
		return errors.Wrapf(err, "create venue %s", code)
	}
	a.log.WithField("venue", code).Info("venue created")
	return nil
}

// UpdateVenue edits an existing venue's details (SPEC_FULL.md §10).
func (a *Allocator) UpdateVenue(ctx context.Context, code, name, location, email string) error {
	code, err := validateVenueCode(code)
	if err != nil {
		return err
	}
	if err := a.store.UpdateVenue(ctx, code, name, location, email); err != nil {
		return errors.Wrapf(err, "update venue %s", code)
	}
	a.log.WithField("venue", code).Info("venue updated")
	return nil
}

// ListVenues returns every venue with its pool breakdown.
func (a *Allocator) ListVenues(ctx context.Context) ([]store.VenueStats, error) {
	return a.store.ListVenues(ctx)
}

// VenueStatistics reports the hostname_pool breakdown for one venue.
func (a *Allocator) VenueStatistics(ctx context.Context, venueCode string) (store.PoolCounts, error) {
	venueCode, err := validateVenueCode(venueCode)
	if err != nil {
		return store.PoolCounts{}, err
	}
	return a.store.VenuePoolCounts(ctx, venueCode)
}

// BulkImportResult reports how many identifiers landed vs. were skipped as
// duplicates, mirroring bulk_import_kart_numbers's return shape.
type BulkImportResult struct {
	Imported   int
	Duplicates int
}

// BulkImport loads a batch of pool identifiers for a venue/product type.
// Numeric identifiers are zero-padded to at least 3 digits (matching the
// original's "001" convention); non-numeric identifiers are uppercased and
// used as-is, which the original never had to handle because it only ever
// imported kart numbers. Duplicate (product_type, venue_code, identifier)
// triples are counted, not treated as failures, per spec.md §4.2.
func (a *Allocator) BulkImport(ctx context.Context, venueCode, productType string, identifiers []string) (BulkImportResult, error) {
	venueCode, err := validateVenueCode(venueCode)
	if err != nil {
		return BulkImportResult{}, err
	}
	productType, err = validateProductType(productType)
	if err != nil {
		return BulkImportResult{}, err
	}
	exists, err := a.store.VenueExists(ctx, venueCode)
	if err != nil {
		return BulkImportResult{}, errors.Wrap(err, "check venue existence")
	}
	if !exists {
		return BulkImportResult{}, errors.Wrapf(apperr.ErrNotFound, "venue %s", venueCode)
	}
	if len(identifiers) == 0 {
		return BulkImportResult{}, nil
	}

	var result BulkImportResult
	err = a.store.WithTx(ctx, func(tx *sql.Tx) error {
		result = BulkImportResult{}
		for _, raw := range identifiers {
			id := normalizeIdentifier(raw)
			if insertErr := a.store.InsertPoolEntry(tx, productType, venueCode, id); insertErr != nil {
				if errors.Is(insertErr, apperr.ErrAlreadyExists) {
					result.Duplicates++
					continue
				}
				return insertErr
			}
			result.Imported++
		}
		return nil
	})
	if err != nil {
		return BulkImportResult{}, errors.Wrap(err, "bulk import")
	}

	a.log.WithFields(logrus.Fields{
		"venue": venueCode, "product_type": productType,
		"imported": result.Imported, "duplicates": result.Duplicates,
	}).Info("bulk import complete")
	return result, nil
}

func normalizeIdentifier(raw string) string {
	if n, err := strconv.Atoi(raw); err == nil {
		return fmt.Sprintf("%03d", n)
	}
	return strings.ToUpper(raw)
}

// Assign dispatches to the KXP2 or RXP2 assignment discipline and returns
// the full hostname (e.g. "KXP2-CORO-001").
func (a *Allocator) Assign(ctx context.Context, productType, venueCode, mac, serial string) (string, error) {
	productType, err := validateProductType(productType)
	if err != nil {
		return "", err
	}
	venueCode, err = validateVenueCode(venueCode)
	if err != nil {
		return "", err
	}
	if productType == "KXP2" {
		return a.assignKXP2(ctx, venueCode, mac, serial)
	}
	return a.assignRXP2(ctx, venueCode, mac, serial)
}

func (a *Allocator) assignKXP2(ctx context.Context, venueCode, mac, serial string) (string, error) {
	var hostname string
	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		entry, err := a.store.NextAvailable(tx, "KXP2", venueCode)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.ErrExhausted
		}
		if err != nil {
			return err
		}
		if err := a.store.MarkAssigned(tx, entry.ID, mac, serial); err != nil {
			return err
		}
		hostname = fmt.Sprintf("KXP2-%s-%s", venueCode, entry.Identifier)
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "assign KXP2 hostname for %s", venueCode)
	}
	a.log.WithField("hostname", hostname).Info("hostname assigned")
	return hostname, nil
}

func (a *Allocator) assignRXP2(ctx context.Context, venueCode, mac, serial string) (string, error) {
	if serial == "" {
		return "", errors.Wrap(apperr.ErrInvalidArgs, "RXP2 assignment requires a serial number")
	}
	identifier := serialSuffix(serial)
	hostname := fmt.Sprintf("RXP2-%s-%s", venueCode, identifier)

	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := a.store.FindByTriple(tx, "RXP2", venueCode, identifier)
		if err == nil {
			// Already assigned for this serial; re-reporting the same device
			// is idempotent, matching _assign_rxp2_hostname's "already exists"
			// short-circuit.
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return a.store.InsertAssigned(tx, "RXP2", venueCode, identifier, mac, serial)
	})
	if err != nil {
		return "", errors.Wrapf(err, "assign RXP2 hostname for %s", venueCode)
	}
	a.log.WithField("hostname", hostname).Info("hostname assigned")
	return hostname, nil
}

// serialSuffix returns the last 8 characters of serial, uppercased, or the
// whole serial if it is shorter than 8 characters.
func serialSuffix(serial string) string {
	s := strings.ToUpper(serial)
	if len(s) <= 8 {
		return s
	}
	return s[len(s)-8:]
}

// Release returns a hostname to the available pool. hostname must be of the
// form "<PRODUCT>-<VENUE>-<IDENTIFIER>".
func (a *Allocator) Release(ctx context.Context, hostname string) error {
	productType, venueCode, identifier, err := splitHostname(hostname)
	if err != nil {
		return err
	}
	var affected int64
	err = a.store.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		affected, txErr = a.store.ReleaseByTriple(tx, productType, venueCode, identifier)
		return txErr
	})
	if err != nil {
		return errors.Wrapf(err, "release %s", hostname)
	}
	if affected == 0 {
		return errors.Wrapf(apperr.ErrNotFound, "hostname %s", hostname)
	}
	a.log.WithField("hostname", hostname).Info("hostname released")
	return nil
}

// RetirePoolEntry permanently removes a pool entry from circulation
// (SPEC_FULL.md §10).
func (a *Allocator) RetirePoolEntry(ctx context.Context, hostname string) error {
	productType, venueCode, identifier, err := splitHostname(hostname)
	if err != nil {
		return err
	}
	affected, err := a.store.RetirePoolEntry(productType, venueCode, identifier)
	if err != nil {
		return errors.Wrapf(err, "retire %s", hostname)
	}
	if affected == 0 {
		return errors.Wrapf(apperr.ErrNotFound, "hostname %s", hostname)
	}
	a.log.WithField("hostname", hostname).Info("hostname retired")
	return nil
}

func splitHostname(hostname string) (productType, venueCode, identifier string, err error) {
	parts := strings.SplitN(hostname, "-", 3)
	if len(parts) != 3 {
		return "", "", "", errors.Wrapf(apperr.ErrInvalidArgs, "malformed hostname %q", hostname)
	}
	return parts[0], parts[1], parts[2], nil
}
