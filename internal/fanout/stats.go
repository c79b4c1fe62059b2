package fanout

import (
	"context"
	"time"

	"github.com/vorsengineer/cw-rpi-deployment/internal/store"
)

// DashboardStats is the payload shared by GET /api/stats and the
// stats_update push event, matching app.py's get_dashboard_stats.
type DashboardStats struct {
	TotalVenues            int                `json:"total_venues"`
	TotalHostnames         int                `json:"total_hostnames"`
	AvailableKXP2          int                `json:"available_kxp2"`
	AvailableRXP2          int                `json:"available_rxp2"`
	AssignedKXP2           int                `json:"assigned_kxp2"`
	AssignedRXP2           int                `json:"assigned_rxp2"`
	AvailableHostnames     int                `json:"available_hostnames"`
	AssignedHostnames      int                `json:"assigned_hostnames"`
	RecentDeployments      []RecentDeployment `json:"recent_deployments"`
	RecentDeploymentsCount int                `json:"recent_deployments_count"`
	SuccessfulDeployments  int                `json:"successful_deployments"`
	Timestamp              string             `json:"timestamp"`
}

// RecentDeployment is the trimmed deployment shape embedded in
// DashboardStats.RecentDeployments.
type RecentDeployment struct {
	Hostname    string `json:"hostname"`
	Status      string `json:"status"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// dashboardStats queries the Store for the numbers app.py's
// get_dashboard_stats assembles, used both by the REST handler and the
// background/on-demand push broadcasts.
func dashboardStats(ctx context.Context, st *store.Store) (DashboardStats, error) {
	venues, err := st.ListVenues(ctx)
	if err != nil {
		return DashboardStats{}, err
	}

	var stats DashboardStats
	stats.TotalVenues = len(venues)
	for _, v := range venues {
		stats.AvailableKXP2 += v.KXP2Available
		stats.AssignedKXP2 += v.KXP2Assigned
		stats.AvailableRXP2 += v.RXP2Available
		stats.AssignedRXP2 += v.RXP2Assigned
	}
	stats.AvailableHostnames = stats.AvailableKXP2 + stats.AvailableRXP2
	stats.AssignedHostnames = stats.AssignedKXP2 + stats.AssignedRXP2
	stats.TotalHostnames = stats.AvailableHostnames + stats.AssignedHostnames

	recent, err := st.ListDeployments(ctx, store.DeploymentFilter{Limit: 10})
	if err != nil {
		return DashboardStats{}, err
	}
	stats.RecentDeployments = make([]RecentDeployment, 0, len(recent))
	for _, d := range recent {
		stats.RecentDeployments = append(stats.RecentDeployments, RecentDeployment{
			Hostname:    d.Hostname,
			Status:      d.Status,
			StartedAt:   d.StartedAt,
			CompletedAt: d.CompletedAt.String,
		})
	}

	total, successful, err := st.CountDeploymentsSince(ctx, time.Now().Add(-24*time.Hour), "success")
	if err != nil {
		return DashboardStats{}, err
	}
	stats.RecentDeploymentsCount = total
	stats.SuccessfulDeployments = successful

	stats.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return stats, nil
}
