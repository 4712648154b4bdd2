package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/example/sinpe-node/internal/domain"
	"github.com/example/sinpe-node/pkg/audit"
	"github.com/example/sinpe-node/pkg/rabbitmq"
)

// ActivityReader aggregates originated transfers per source.
type ActivityReader interface {
	ActivitySince(ctx context.Context, since time.Time) ([]domain.AccountActivity, error)
}

// Journal receives anomaly findings
type Journal interface {
	Record(kind, subject string, data any) (*audit.Entry, error)
}

// EventPublisher is satisfied by rabbitmq.Publisher
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
}

// ScannerConfig controls the periodic anomaly scan
type ScannerConfig struct {
	Schedule string
	Window   time.Duration
	MaxCount int
	MaxTotal decimal.Decimal
	Timeout  time.Duration
}

// DefaultScannerConfig flags sources with more than 15 transfers or more
// than 1,000,000 moved in the last hour, checked every five minutes.
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		Schedule: "@every 5m",
		Window:   time.Hour,
		MaxCount: 15,
		MaxTotal: decimal.NewFromInt(1_000_000),
		Timeout:  30 * time.Second,
	}
}

// Anomaly is one flagged source
type Anomaly struct {
	SourceRef  string          `json:"source_ref"`
	Count      int             `json:"transaction_count"`
	Total      decimal.Decimal `json:"total_amount"`
	Window     string          `json:"window"`
	DetectedAt time.Time       `json:"detected_at"`
}

// Scanner runs the anomaly scan on a cron schedule. It only reads history.
type Scanner struct {
	cfg     ScannerConfig
	reader  ActivityReader
	journal Journal
	events  EventPublisher
	logger  *slog.Logger
	cron    *cron.Cron
	now     func() time.Time
}

// NewScanner creates a scanner; journal and events may be nil.
func NewScanner(cfg ScannerConfig, reader ActivityReader, journal Journal, events EventPublisher, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Scanner{
		cfg:     cfg,
		reader:  reader,
		journal: journal,
		events:  events,
		logger:  logger,
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger))),
		now:     time.Now,
	}
}

// Start registers the scan job and starts the scheduler.
func (s *Scanner) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.run); err != nil {
		return fmt.Errorf("failed to schedule anomaly scan: %w", err)
	}
	s.logger.Info("scheduled anomaly scan", "schedule", s.cfg.Schedule)
	s.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done once a running
// scan has finished.
func (s *Scanner) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scanner) run() {
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := s.Scan(ctx); err != nil {
		s.logger.Error("anomaly scan failed", "error", err)
	}
}

// Scan checks the trailing window once and reports every flagged source.
func (s *Scanner) Scan(ctx context.Context) ([]Anomaly, error) {
	now := s.now()
	activity, err := s.reader.ActivitySince(ctx, now.Add(-s.cfg.Window))
	if err != nil {
		return nil, fmt.Errorf("failed to read activity: %w", err)
	}

	var found []Anomaly
	for _, a := range activity {
		if a.Count <= s.cfg.MaxCount && !a.Total.GreaterThan(s.cfg.MaxTotal) {
			continue
		}
		anomaly := Anomaly{
			SourceRef:  a.SourceRef,
			Count:      a.Count,
			Total:      a.Total,
			Window:     s.cfg.Window.String(),
			DetectedAt: now.UTC(),
		}
		found = append(found, anomaly)
		s.logger.Warn("unusual account activity",
			"source_ref", a.SourceRef,
			"transactions", a.Count,
			"total", a.Total.StringFixed(2),
			"window", s.cfg.Window,
		)
		if s.journal != nil {
			if _, err := s.journal.Record(rabbitmq.KeyRiskAnomaly, a.SourceRef, anomaly); err != nil {
				s.logger.Error("failed to journal anomaly", "error", err)
			}
		}
		if s.events != nil {
			if err := s.events.Publish(ctx, rabbitmq.KeyRiskAnomaly, anomaly); err != nil {
				s.logger.Error("failed to publish anomaly", "error", err)
			}
		}
	}
	if len(found) > 0 {
		s.logger.Warn("accounts with unusual activity found", "count", len(found))
	}
	return found, nil
}
