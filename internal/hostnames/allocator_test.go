package hostnames_test

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vorsengineer/cw-rpi-deployment/internal/apperr"
	"github.com/vorsengineer/cw-rpi-deployment/internal/hostnames"
	"github.com/vorsengineer/cw-rpi-deployment/internal/store"
)

func newTestAllocator(t *testing.T) *hostnames.Allocator {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	s, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return hostnames.New(s, log)
}

func TestCreateVenueRejectsDuplicateAndBadCode(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()

	require.NoError(t, a.CreateVenue(ctx, "coro", "Coronado", "", ""))

	err := a.CreateVenue(ctx, "CORO", "Coronado Again", "", "")
	require.ErrorIs(t, err, apperr.ErrAlreadyExists)

	err = a.CreateVenue(ctx, "C1", "Too Short", "", "")
	require.ErrorIs(t, err, apperr.ErrInvalidCode)
}

func TestBulkImportCountsDuplicatesAndNormalizesIdentifiers(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.CreateVenue(ctx, "CORO", "Coronado", "", ""))

	res, err := a.BulkImport(ctx, "CORO", "KXP2", []string{"1", "2", "2", "010"})
	require.NoError(t, err)
	require.Equal(t, 3, res.Imported) // "1" -> 001, "2" -> 002, "010" -> 010
	require.Equal(t, 1, res.Duplicates)
}

func TestAssignKXP2DrawsSmallestAvailableIdentifier(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.CreateVenue(ctx, "CORO", "Coronado", "", ""))
	_, err := a.BulkImport(ctx, "CORO", "KXP2", []string{"5", "1", "3"})
	require.NoError(t, err)

	hostname, err := a.Assign(ctx, "KXP2", "CORO", "aa:bb:cc:dd:ee:ff", "")
	require.NoError(t, err)
	require.Equal(t, "KXP2-CORO-001", hostname)

	hostname, err = a.Assign(ctx, "KXP2", "CORO", "", "")
	require.NoError(t, err)
	require.Equal(t, "KXP2-CORO-003", hostname)
}

func TestAssignKXP2ExhaustedPool(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.CreateVenue(ctx, "CORO", "Coronado", "", ""))

	_, err := a.Assign(ctx, "KXP2", "CORO", "", "")
	require.ErrorIs(t, err, apperr.ErrExhausted)
}

func TestAssignRXP2IsIdempotentOnSameSerial(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.CreateVenue(ctx, "CORO", "Coronado", "", ""))

	h1, err := a.Assign(ctx, "RXP2", "CORO", "mac1", "1234567890ABCDEF")
	require.NoError(t, err)
	require.Equal(t, "RXP2-CORO-90ABCDEF", h1)

	h2, err := a.Assign(ctx, "RXP2", "CORO", "mac1", "1234567890ABCDEF")
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestAssignRXP2RequiresSerial(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.CreateVenue(ctx, "CORO", "Coronado", "", ""))

	_, err := a.Assign(ctx, "RXP2", "CORO", "mac1", "")
	require.ErrorIs(t, err, apperr.ErrInvalidArgs)
}

func TestReleaseReturnsHostnameToPool(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.CreateVenue(ctx, "CORO", "Coronado", "", ""))
	_, err := a.BulkImport(ctx, "CORO", "KXP2", []string{"1"})
	require.NoError(t, err)

	hostname, err := a.Assign(ctx, "KXP2", "CORO", "", "")
	require.NoError(t, err)

	require.NoError(t, a.Release(ctx, hostname))

	hostname2, err := a.Assign(ctx, "KXP2", "CORO", "", "")
	require.NoError(t, err)
	require.Equal(t, hostname, hostname2)
}

func TestReleaseUnknownHostnameNotFound(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	err := a.Release(ctx, "KXP2-CORO-999")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateBatchRejectsInsufficientKXP2Pool(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.CreateVenue(ctx, "CORO", "Coronado", "", ""))
	_, err := a.BulkImport(ctx, "CORO", "KXP2", []string{"1", "2"})
	require.NoError(t, err)

	_, err = a.CreateBatch(ctx, "CORO", "KXP2", 5, 0)
	require.ErrorIs(t, err, apperr.ErrInsufficientPool)
}

func TestBatchLifecycleAssignsAndAutoCompletes(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.CreateVenue(ctx, "CORO", "Coronado", "", ""))
	_, err := a.BulkImport(ctx, "CORO", "KXP2", []string{"1", "2"})
	require.NoError(t, err)

	batchID, err := a.CreateBatch(ctx, "CORO", "KXP2", 2, 10)
	require.NoError(t, err)

	require.NoError(t, a.StartBatch(ctx, batchID))

	h1, err := a.AssignFromBatch(ctx, batchID, "mac1", "serial1")
	require.NoError(t, err)
	require.Equal(t, "KXP2-CORO-001", h1)

	b, err := a.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, "active", b.Status)
	require.Equal(t, 1, b.RemainingCount)

	h2, err := a.AssignFromBatch(ctx, batchID, "mac2", "serial2")
	require.NoError(t, err)
	require.Equal(t, "KXP2-CORO-002", h2)

	b, err = a.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, "completed", b.Status)
	require.Equal(t, 0, b.RemainingCount)

	_, err = a.AssignFromBatch(ctx, batchID, "mac3", "serial3")
	require.ErrorIs(t, err, apperr.ErrInvalidArgs)
}

func TestPauseAndResumeBatch(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.CreateVenue(ctx, "CORO", "Coronado", "", ""))
	_, err := a.BulkImport(ctx, "CORO", "KXP2", []string{"1"})
	require.NoError(t, err)

	batchID, err := a.CreateBatch(ctx, "CORO", "KXP2", 1, 0)
	require.NoError(t, err)
	require.NoError(t, a.StartBatch(ctx, batchID))
	require.NoError(t, a.PauseBatch(ctx, batchID))

	b, err := a.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, "paused", b.Status)

	require.NoError(t, a.StartBatch(ctx, batchID))
	b, err = a.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, "active", b.Status)
}

func TestGetActiveBatchOrdersByPriorityThenID(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.CreateVenue(ctx, "CORO", "Coronado", "", ""))
	_, err := a.BulkImport(ctx, "CORO", "KXP2", []string{"1", "2", "3"})
	require.NoError(t, err)

	low, err := a.CreateBatch(ctx, "CORO", "KXP2", 1, 1)
	require.NoError(t, err)
	high, err := a.CreateBatch(ctx, "CORO", "KXP2", 1, 5)
	require.NoError(t, err)
	require.NoError(t, a.StartBatch(ctx, low))
	require.NoError(t, a.StartBatch(ctx, high))

	active, err := a.GetActiveBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, high, active.ID)
}
