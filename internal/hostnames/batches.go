package hostnames

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vorsengineer/cw-rpi-deployment/internal/apperr"
	"github.com/vorsengineer/cw-rpi-deployment/internal/store"
)

// CreateBatch creates a deployment batch. For KXP2 it verifies the pool
// holds at least totalCount available entries before committing, inside the
// same transaction, so a racing bulk import or second batch creation can't
// slip in between the check and the insert (spec.md §4.2).
func (a *Allocator) CreateBatch(ctx context.Context, venueCode, productType string, totalCount, priority int) (int64, error) {
	venueCode, err := validateVenueCode(venueCode)
	if err != nil {
		return 0, err
	}
	productType, err = validateProductType(productType)
	if err != nil {
		return 0, err
	}
	if totalCount <= 0 {
		return 0, errors.Wrapf(apperr.ErrInvalidArgs, "total_count must be > 0, got %d", totalCount)
	}

	exists, err := a.store.VenueExists(ctx, venueCode)
	if err != nil {
		return 0, errors.Wrap(err, "check venue existence")
	}
	if !exists {
		return 0, errors.Wrapf(apperr.ErrNotFound, "venue %s", venueCode)
	}

	var batchID int64
	err = a.store.WithTx(ctx, func(tx *sql.Tx) error {
		if productType == "KXP2" {
			available, err := a.store.CountAvailable(tx, productType, venueCode)
			if err != nil {
				return err
			}
			if available < totalCount {
				return errors.Wrapf(apperr.ErrInsufficientPool, "requested %d, available %d", totalCount, available)
			}
		}
		var txErr error
		batchID, txErr = a.store.CreateBatch(tx, venueCode, productType, totalCount, priority)
		return txErr
	})
	if err != nil {
		return 0, errors.Wrap(err, "create batch")
	}
	a.log.WithFields(logrus.Fields{
		"batch_id": batchID, "venue": venueCode, "product_type": productType,
		"total_count": totalCount, "priority": priority,
	}).Info("deployment batch created")
	return batchID, nil
}

// GetActiveBatch returns the highest-priority active batch, or
// apperr.ErrNotFound if none is active.
func (a *Allocator) GetActiveBatch(ctx context.Context) (store.Batch, error) {
	b, err := a.store.ActiveBatch(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Batch{}, apperr.ErrNotFound
	}
	if err != nil {
		return store.Batch{}, errors.Wrap(err, "get active batch")
	}
	return b, nil
}

// GetBatch fetches a single batch by id.
func (a *Allocator) GetBatch(ctx context.Context, id int64) (store.Batch, error) {
	b, err := a.store.GetBatch(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Batch{}, errors.Wrapf(apperr.ErrNotFound, "batch %d", id)
	}
	if err != nil {
		return store.Batch{}, errors.Wrapf(err, "get batch %d", id)
	}
	return b, nil
}

// ListBatches lists batches with optional venue/status filters.
func (a *Allocator) ListBatches(ctx context.Context, venueCode, status string) ([]store.Batch, error) {
	return a.store.ListBatches(ctx, venueCode, status)
}

// UpdatePriority changes a batch's scheduling priority.
func (a *Allocator) UpdatePriority(ctx context.Context, id int64, priority int) error {
	affected, err := a.store.UpdatePriority(ctx, id, priority)
	if err != nil {
		return errors.Wrapf(err, "update priority for batch %d", id)
	}
	if affected == 0 {
		return errors.Wrapf(apperr.ErrNotFound, "batch %d", id)
	}
	return nil
}

// StartBatch activates a pending or paused batch; starting an
// already-active batch is a no-op, matching start_batch.
func (a *Allocator) StartBatch(ctx context.Context, id int64) error {
	return a.store.WithTx(ctx, func(tx *sql.Tx) error {
		b, err := a.store.GetBatchTx(tx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(apperr.ErrNotFound, "batch %d", id)
		}
		if err != nil {
			return err
		}
		switch b.Status {
		case "completed":
			return errors.Wrapf(apperr.ErrInvalidArgs, "cannot start completed batch %d", id)
		case "cancelled":
			return errors.Wrapf(apperr.ErrInvalidArgs, "cannot start cancelled batch %d", id)
		case "active":
			return nil
		}
		return a.store.SetBatchStatus(tx, id, "active", true)
	})
}

// PauseBatch pauses an active batch; pausing an already-paused batch is a
// no-op, matching pause_batch.
func (a *Allocator) PauseBatch(ctx context.Context, id int64) error {
	return a.store.WithTx(ctx, func(tx *sql.Tx) error {
		b, err := a.store.GetBatchTx(tx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(apperr.ErrNotFound, "batch %d", id)
		}
		if err != nil {
			return err
		}
		if b.Status == "paused" {
			return nil
		}
		if b.Status != "active" {
			return errors.Wrapf(apperr.ErrInvalidArgs, "batch %d must be active to pause, is %s", id, b.Status)
		}
		return a.store.SetBatchStatus(tx, id, "paused", false)
	})
}

// AssignFromBatch draws the next hostname for an active batch's product
// type/venue, decrements its remaining_count, and auto-completes the batch
// when the count reaches zero — all inside one transaction so a crash
// mid-assignment can never leave the pool draw and the batch counter out of
// sync (spec.md §4.2, §8 "batch/pool conservation").
func (a *Allocator) AssignFromBatch(ctx context.Context, batchID int64, mac, serial string) (string, error) {
	var hostname string
	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		b, err := a.store.GetBatchTx(tx, batchID)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(apperr.ErrNotFound, "batch %d", batchID)
		}
		if err != nil {
			return err
		}
		if b.Status != "active" {
			return errors.Wrapf(apperr.ErrInvalidArgs, "batch %d is not active (status: %s)", batchID, b.Status)
		}
		if b.RemainingCount <= 0 {
			return errors.Wrapf(apperr.ErrInvalidArgs, "batch %d has no remaining deployments", batchID)
		}

		if b.ProductType == "KXP2" {
			entry, err := a.store.NextAvailable(tx, "KXP2", b.VenueCode)
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.ErrExhausted
			}
			if err != nil {
				return err
			}
			if err := a.store.MarkAssigned(tx, entry.ID, mac, serial); err != nil {
				return err
			}
			hostname = "KXP2-" + b.VenueCode + "-" + entry.Identifier
		} else {
			if serial == "" {
				return errors.Wrap(apperr.ErrInvalidArgs, "RXP2 assignment requires a serial number")
			}
			identifier := serialSuffix(serial)
			hostname = "RXP2-" + b.VenueCode + "-" + identifier
			if _, err := a.store.FindByTriple(tx, "RXP2", b.VenueCode, identifier); err != nil {
				if !errors.Is(err, sql.ErrNoRows) {
					return err
				}
				if err := a.store.InsertAssigned(tx, "RXP2", b.VenueCode, identifier, mac, serial); err != nil {
					return err
				}
			}
		}

		return a.store.DecrementRemaining(tx, batchID, b.RemainingCount-1)
	})
	if err != nil {
		return "", errors.Wrapf(err, "assign from batch %d", batchID)
	}
	a.log.WithFields(logrus.Fields{"batch_id": batchID, "hostname": hostname}).Info("hostname assigned from batch")
	return hostname, nil
}
