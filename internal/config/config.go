// Package config centralizes the environment- and flag-derived settings
// every component needs at construction time. Nothing here is a global:
// callers build a Config and pass it to constructors explicitly.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable surface named in spec.md §6.4 and §9.
type Config struct {
	// DatabasePath is the single SQLite file backing the Store.
	DatabasePath string
	// ImagesDir holds master image files, read-only at runtime.
	ImagesDir string
	// LogsDir holds the structured application log and the daily
	// deployment status logs.
	LogsDir string

	// DeploymentAddr is the bind address for the Coordinator (deployment
	// network interface).
	DeploymentAddr string
	// ManagementAddr is the bind address for the Fan-out Server
	// (management network interface).
	ManagementAddr string

	// PublicServerIP is the address embedded in image_url responses; the
	// deployment network has no reverse proxy, so clients need the literal
	// interface IP, not a resolvable name.
	PublicServerIP string

	// MonitoredServices are the systemd unit names the Health Sampler polls.
	MonitoredServices []string
	// DiskUsagePath is the filesystem path statfs'd for disk usage.
	DiskUsagePath string

	// SessionSecret is the management-side secret key. It is only ever read
	// from the environment, never defaulted to a committed value, per
	// spec.md §9. No component in this repository reads it; the Fan-out
	// Server sets no session cookie.
	SessionSecret string

	// CORSOrigins lists allowed origins for the management REST API.
	CORSOrigins []string

	// LogFormat is "json" (default, production) or "text" (local dev).
	LogFormat string
	// LogLevel is a logrus level name ("info", "debug", ...).
	LogLevel string

	// RequestTimeout bounds /api/config and /api/status handling, per
	// spec.md §5.
	RequestTimeout time.Duration
	// StatsBroadcastInterval is the Fan-out background broadcast cadence.
	StatsBroadcastInterval time.Duration
	// HealthSampleInterval is the Health Sampler's polling cadence.
	HealthSampleInterval time.Duration

	// AllocatorMaxRetries bounds the serializable-conflict retry loop
	// spec.md §4.2 asks for (N=3 recommended).
	AllocatorMaxRetries int

	// SubscriberQueueDepth bounds each Event Bus subscriber's channel.
	SubscriberQueueDepth int
}

// Default returns a Config populated with the same defaults the Python
// original shipped (see web/config.py), overridable by environment
// variables and, for the serve command, cobra flags layered on top by the
// caller.
func Default() Config {
	return Config{
		DatabasePath:           envOr("DATABASE_PATH", "/opt/rpi-deployment/database/deployment.db"),
		ImagesDir:              envOr("IMAGES_DIR", "/opt/rpi-deployment/images"),
		LogsDir:                envOr("LOGS_DIR", "/opt/rpi-deployment/logs"),
		DeploymentAddr:         envOr("DEPLOYMENT_ADDR", "0.0.0.0:5001"),
		ManagementAddr:         envOr("MANAGEMENT_ADDR", "0.0.0.0:5000"),
		PublicServerIP:         envOr("DEPLOYMENT_IP", "192.168.151.1"),
		MonitoredServices:      envList("MONITORED_SERVICES", []string{"dnsmasq", "nginx", "rpi-deployment", "rpi-web"}),
		DiskUsagePath:          envOr("DISK_USAGE_PATH", "/opt/rpi-deployment"),
		SessionSecret:          os.Getenv("SECRET_KEY"),
		CORSOrigins:            envList("CORS_ORIGINS", []string{"*"}),
		LogFormat:              envOr("LOG_FORMAT", "json"),
		LogLevel:               envOr("LOG_LEVEL", "info"),
		RequestTimeout:         envDuration("REQUEST_TIMEOUT", 5*time.Second),
		StatsBroadcastInterval: envDuration("STATS_BROADCAST_INTERVAL", 5*time.Second),
		HealthSampleInterval:   envDuration("HEALTH_SAMPLE_INTERVAL", 5*time.Second),
		AllocatorMaxRetries:    envInt("ALLOCATOR_MAX_RETRIES", 3),
		SubscriberQueueDepth:   envInt("SUBSCRIBER_QUEUE_DEPTH", 32),
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
