package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/sinpe-node/internal/domain"
)

// Level is the coarse risk bucket of a score
type Level string

const (
	LevelMinimal Level = "MINIMAL"
	LevelLow     Level = "LOW"
	LevelMedium  Level = "MEDIUM"
	LevelHigh    Level = "HIGH"
)

// Decision is what the orchestrator does with the transfer
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionReview Decision = "review"
	DecisionBlock  Decision = "block"
)

// Facts describe the transfer being assessed.
type Facts struct {
	Channel        domain.Channel
	Amount         decimal.Decimal
	SourceRef      string
	DestinationRef string
	At             time.Time
}

// Assessment is the outcome of the rule run
type Assessment struct {
	Score    int      `json:"score"`
	Level    Level    `json:"level"`
	Alerts   []string `json:"alerts"`
	Decision Decision `json:"decision"`
}

// Blocked reports whether the transfer must not proceed
func (a Assessment) Blocked() bool { return a.Decision == DecisionBlock }

// History is the read side of the ledger needed by the rules.
type History interface {
	// RecentCount counts transfers of any status from sourceRef since t.
	RecentCount(ctx context.Context, sourceRef string, since time.Time) (int, error)
	// CompletedVolume sums completed transfers from sourceRef on channel since t.
	CompletedVolume(ctx context.Context, sourceRef string, channel domain.Channel, since time.Time) (decimal.Decimal, error)
	// ReceivedCount counts completed transfers to destinationRef since t.
	ReceivedCount(ctx context.Context, destinationRef string, since time.Time) (int, error)
}

// Monitor scores transfers against Rules.
type Monitor struct {
	rules   Rules
	history History
	logger  *slog.Logger
}

// NewMonitor creates a risk monitor
func NewMonitor(rules Rules, history History, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{rules: rules, history: history, logger: logger}
}

// Assess runs every rule and collects all triggered alerts. History read
// failures are returned rather than scored as zero.
func (m *Monitor) Assess(ctx context.Context, f Facts) (Assessment, error) {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	var (
		score  int
		alerts []string
	)
	add := func(points int, alert string) {
		score += points
		alerts = append(alerts, alert)
	}

	// Rule 1: single transaction ceiling
	if limit := m.rules.singleLimit(f.Channel); limit.IsPositive() && f.Amount.GreaterThan(limit) {
		add(PointsSingleLimit, fmt.Sprintf("amount exceeds %s single transaction limit of %s", f.Channel, limit.StringFixed(0)))
	}

	if f.SourceRef != "" {
		// Rule 2: daily aggregate
		dayStart := m.rules.StartOfDay(f.At)
		volume, err := m.history.CompletedVolume(ctx, f.SourceRef, f.Channel, dayStart)
		if err != nil {
			return Assessment{}, fmt.Errorf("failed to read daily volume: %w", err)
		}
		limit := m.rules.dailyLimit(f.Channel)
		if total := volume.Add(f.Amount); limit.IsPositive() && total.GreaterThan(limit) {
			add(PointsDailyLimit, fmt.Sprintf("daily %s limit of %s exceeded (total %s)", f.Channel, limit.StringFixed(0), total.StringFixed(2)))
		}

		// Rules 3 and 4b share the trailing window count
		recent, err := m.history.RecentCount(ctx, f.SourceRef, f.At.Add(-m.rules.VelocityWindow))
		if err != nil {
			return Assessment{}, fmt.Errorf("failed to read recent activity: %w", err)
		}
		if m.rules.VelocityThreshold > 0 && recent >= m.rules.VelocityThreshold {
			add(PointsVelocity, fmt.Sprintf("too many transfers from source (%d in %s)", recent, m.rules.VelocityWindow))
		}
		if recent > 0 {
			add(PointsRapidSuccession, "transfers in rapid succession")
		}
	}

	// Rule 4a: round amount
	if m.rules.RoundAmountStep.IsPositive() &&
		f.Amount.Mod(m.rules.RoundAmountStep).IsZero() &&
		f.Amount.GreaterThanOrEqual(m.rules.RoundAmountMin) {
		add(PointsRoundAmount, "suspicious round amount")
	}

	// Rule 5: recipient volume
	if f.DestinationRef != "" {
		received, err := m.history.ReceivedCount(ctx, f.DestinationRef, f.At.Add(-m.rules.RecipientWindow))
		if err != nil {
			return Assessment{}, fmt.Errorf("failed to read recipient activity: %w", err)
		}
		if received > m.rules.RecipientThreshold {
			add(PointsRecipientVolume, "recipient with unusually high volume")
		}
	}

	a := Assessment{
		Score:    score,
		Level:    LevelFor(score),
		Alerts:   alerts,
		Decision: DecisionFor(score),
	}
	if score >= 50 {
		m.logger.Warn("high-risk transfer detected",
			"score", score,
			"channel", f.Channel,
			"amount", f.Amount.StringFixed(2),
			"alerts", alerts,
		)
	}
	return a, nil
}

// LevelFor buckets a score.
func LevelFor(score int) Level {
	switch {
	case score >= BlockThreshold:
		return LevelHigh
	case score >= ReviewThreshold:
		return LevelMedium
	case score >= 20:
		return LevelLow
	default:
		return LevelMinimal
	}
}

// DecisionFor maps a score to block, review or allow.
func DecisionFor(score int) Decision {
	switch {
	case score >= BlockThreshold:
		return DecisionBlock
	case score >= ReviewThreshold:
		return DecisionReview
	default:
		return DecisionAllow
	}
}
