package health

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vorsengineer/cw-rpi-deployment/internal/config"
	"github.com/vorsengineer/cw-rpi-deployment/internal/eventbus"
	"github.com/vorsengineer/cw-rpi-deployment/internal/store"
)

func newTestSampler(t *testing.T, diskPath string) *Sampler {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	st, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Config{
		MonitoredServices:    []string{"definitely-not-a-real-unit"},
		DiskUsagePath:        diskPath,
		HealthSampleInterval: 10 * time.Millisecond,
	}
	return New(cfg, st, eventbus.New(), log)
}

func TestSampleNeverFailsOnBadServiceOrDiskPath(t *testing.T) {
	s := newTestSampler(t, "/path/does/not/exist")
	snap := s.Sample(context.Background())

	require.Contains(t, snap.Services, "definitely-not-a-real-unit")
	require.False(t, snap.Services["definitely-not-a-real-unit"].Running)
	require.NotEmpty(t, snap.DiskSpace.Error)
	require.NotEmpty(t, snap.Timestamp)
}

func TestSampleReportsDatabaseAccessible(t *testing.T) {
	s := newTestSampler(t, "/")
	snap := s.Sample(context.Background())
	require.True(t, snap.Database.Accessible)
}

func TestSampleDiskUsageOnRealPath(t *testing.T) {
	s := newTestSampler(t, "/")
	snap := s.Sample(context.Background())
	if snap.DiskSpace.Error != "" {
		t.Skipf("statfs unavailable in this environment: %s", snap.DiskSpace.Error)
	}
	require.Greater(t, snap.DiskSpace.TotalGB, 0.0)
}

func TestRunPublishesToEventBus(t *testing.T) {
	s := newTestSampler(t, "/")
	sub := s.bus.Subscribe(eventbus.TopicSystemHealth, 4)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	select {
	case ev := <-sub.Events():
		_, ok := ev.Payload.(Snapshot)
		require.True(t, ok)
	default:
		t.Fatal("expected at least one snapshot to have been published")
	}
}
