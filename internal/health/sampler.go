// Package health implements the Health Sampler (spec.md §4.6): periodic and
// on-demand probes of the monitored systemd services, the Store, and disk
// usage, grounded on web/app.py's check_service_status /
// check_database_connectivity / get_disk_usage helpers but backed by a real
// D-Bus client instead of shelling out to systemctl and df.
package health

import (
	"context"
	"syscall"
	"time"

	godbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/sirupsen/logrus"

	"github.com/vorsengineer/cw-rpi-deployment/internal/config"
	"github.com/vorsengineer/cw-rpi-deployment/internal/eventbus"
	"github.com/vorsengineer/cw-rpi-deployment/internal/store"
)

// ServiceStatus mirrors check_service_status's return shape.
type ServiceStatus struct {
	Running bool   `json:"running"`
	Status  string `json:"status"`
}

// DatabaseStatus mirrors check_database_connectivity's return shape.
type DatabaseStatus struct {
	Accessible bool    `json:"accessible"`
	SizeMB     float64 `json:"size_mb"`
	Error      string  `json:"error,omitempty"`
}

// DiskStatus mirrors get_disk_usage's return shape.
type DiskStatus struct {
	TotalGB     float64 `json:"total_gb"`
	UsedGB      float64 `json:"used_gb"`
	AvailableGB float64 `json:"available_gb"`
	PercentUsed float64 `json:"percent_used"`
	Error       string  `json:"error,omitempty"`
}

// Snapshot is one complete health sample, published to the Event Bus and
// served on-demand over the push channel as system_status.
type Snapshot struct {
	Services  map[string]ServiceStatus `json:"services"`
	Database  DatabaseStatus           `json:"database"`
	DiskSpace DiskStatus               `json:"disk_space"`
	Timestamp string                   `json:"timestamp"`
}

// Sampler periodically probes system health and publishes snapshots to the
// Event Bus; it also answers on-demand requests (spec.md §4.6) via Sample.
type Sampler struct {
	cfg   config.Config
	store *store.Store
	bus   *eventbus.Bus
	log   *logrus.Logger
}

// New builds a Sampler. It does not open a D-Bus connection until Sample is
// first called, so construction never fails in environments without
// systemd (tests, containers).
func New(cfg config.Config, st *store.Store, bus *eventbus.Bus, log *logrus.Logger) *Sampler {
	return &Sampler{cfg: cfg, store: st, bus: bus, log: log}
}

// Run samples on cfg.HealthSampleInterval until ctx is cancelled, publishing
// each snapshot to eventbus.TopicSystemHealth.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Sample(ctx)
			s.bus.Publish(eventbus.TopicSystemHealth, snap)
		}
	}
}

// Sample takes one snapshot. Every probe fails soft: a service, database, or
// disk check that errors reports its own error field rather than aborting
// the whole sample, per spec.md §7.
func (s *Sampler) Sample(ctx context.Context) Snapshot {
	services := make(map[string]ServiceStatus, len(s.cfg.MonitoredServices))
	for _, name := range s.cfg.MonitoredServices {
		services[name] = s.checkService(ctx, name)
	}

	return Snapshot{
		Services:  services,
		Database:  s.checkDatabase(ctx),
		DiskSpace: s.checkDisk(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// checkService queries systemd's D-Bus interface for a unit's ActiveState,
// replacing `systemctl is-active <name>`.
func (s *Sampler) checkService(ctx context.Context, name string) ServiceStatus {
	sampleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := godbus.NewSystemConnectionContext(sampleCtx)
	if err != nil {
		return ServiceStatus{Running: false, Status: "error: " + err.Error()}
	}
	defer conn.Close()

	unit := name + ".service"
	prop, err := conn.GetUnitPropertyContext(sampleCtx, unit, "ActiveState")
	if err != nil {
		return ServiceStatus{Running: false, Status: "error: " + err.Error()}
	}

	state, _ := prop.Value.Value().(string)
	return ServiceStatus{Running: state == "active", Status: state}
}

// checkDatabase pings the Store and reports its on-disk size, replacing
// check_database_connectivity's ad-hoc sqlite3.connect.
func (s *Sampler) checkDatabase(ctx context.Context) DatabaseStatus {
	sampleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	accessible, sizeMB, err := s.store.Stat(sampleCtx, s.cfg.DatabasePath)
	if err != nil {
		return DatabaseStatus{Accessible: false, Error: err.Error()}
	}
	return DatabaseStatus{Accessible: accessible, SizeMB: round2(sizeMB)}
}

// checkDisk statfs's cfg.DiskUsagePath, replacing shutil.disk_usage. There
// is no pack-grounded cross-platform library for this (the corpus never
// probes local disk space); syscall.Statfs is Linux-only but so is the
// deployment target, matching the original's assumption.
func (s *Sampler) checkDisk() DiskStatus {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.cfg.DiskUsagePath, &stat); err != nil {
		return DiskStatus{Error: err.Error()}
	}

	const gib = 1024 * 1024 * 1024
	total := float64(stat.Blocks) * float64(stat.Bsize) / gib
	free := float64(stat.Bfree) * float64(stat.Bsize) / gib
	used := total - free
	var percent float64
	if total > 0 {
		percent = (used / total) * 100
	}

	return DiskStatus{
		TotalGB:     round2(total),
		UsedGB:      round2(used),
		AvailableGB: round2(free),
		PercentUsed: round1(percent),
	}
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

func round1(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}
