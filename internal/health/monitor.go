package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/sinpe-node/internal/ledger"
)

// Status is the overall node condition
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Defaults for the success-rate check
const (
	DefaultWindow     = 24 * time.Hour
	DefaultMinRate    = 0.95
	DefaultMinSamples = 10
)

// Pinger reports database reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsReader summarises recent transactions
type StatsReader interface {
	Stats(ctx context.Context, since time.Time) (ledger.Stats, error)
}

// Report is the detailed health view
type Report struct {
	Status        Status       `json:"status"`
	Database      string       `json:"database"`
	DatabaseError string       `json:"database_error,omitempty"`
	SuccessRate   *float64     `json:"success_rate,omitempty"`
	Window        string       `json:"window"`
	Transactions  ledger.Stats `json:"transactions"`
	Warnings      []string     `json:"warnings,omitempty"`
	CheckedAt     time.Time    `json:"checked_at"`
}

// Monitor derives node health from the ledger
type Monitor struct {
	db         Pinger
	stats      StatsReader
	window     time.Duration
	minRate    float64
	minSamples int
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewMonitor creates a health monitor with the default thresholds
func NewMonitor(db Pinger, stats StatsReader, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		db:         db,
		stats:      stats,
		window:     DefaultWindow,
		minRate:    DefaultMinRate,
		minSamples: DefaultMinSamples,
		timeout:    3 * time.Second,
		logger:     logger,
		now:        time.Now,
	}
}

// Check pings the database and computes the success rate over the window.
// Pending transfers are still in flight and do not count either way.
func (m *Monitor) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	now := m.now().UTC()
	report := Report{
		Status:    StatusHealthy,
		Database:  "up",
		Window:    m.window.String(),
		CheckedAt: now,
	}

	if err := m.db.Ping(ctx); err != nil {
		m.logger.Error("health check: database unreachable", "error", err)
		report.Status = StatusUnhealthy
		report.Database = "down"
		report.DatabaseError = "database unreachable"
		return report
	}

	stats, err := m.stats.Stats(ctx, now.Add(-m.window))
	if err != nil {
		m.logger.Error("health check: failed to read transaction stats", "error", err)
		report.Status = StatusDegraded
		report.Warnings = append(report.Warnings, "transaction stats unavailable")
		return report
	}
	report.Transactions = stats

	decided := stats.Completed + stats.Failed
	if decided == 0 {
		return report
	}
	rate := float64(stats.Completed) / float64(decided)
	report.SuccessRate = &rate
	if rate < m.minRate && decided > m.minSamples {
		report.Status = StatusDegraded
		report.Warnings = append(report.Warnings, "low transaction success rate")
	}
	return report
}
