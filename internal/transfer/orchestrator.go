package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/sinpe-node/internal/domain"
	"github.com/example/sinpe-node/internal/ledger"
	"github.com/example/sinpe-node/internal/risk"
	"github.com/example/sinpe-node/internal/router"
	"github.com/example/sinpe-node/pkg/rabbitmq"
)

// Validator checks a payload against the message rules
type Validator interface {
	Validate(p *domain.Payload, rail domain.Rail) error
}

// Authenticator signs and verifies payloads
type Authenticator interface {
	SignPayload(p *domain.Payload, rail domain.Rail, secret string) string
	Verify(p *domain.Payload, rail domain.Rail, provided, secret string) bool
}

// RiskAssessor scores a transfer
type RiskAssessor interface {
	Assess(ctx context.Context, f risk.Facts) (risk.Assessment, error)
}

// Ledger is the settlement side used by the orchestrator
type Ledger interface {
	GetAccount(ctx context.Context, accountNumber string) (*domain.Account, error)
	SettleInternal(ctx context.Context, req ledger.InternalTransfer) (*ledger.Settlement, error)
	CreditExternal(ctx context.Context, req ledger.ExternalCredit) (*ledger.Settlement, error)
	DebitOutgoing(ctx context.Context, req ledger.OutgoingDebit) (*ledger.Settlement, error)
	CompleteOutgoing(ctx context.Context, transactionID string) error
	ReverseOutgoing(ctx context.Context, transactionID string) (*ledger.Settlement, error)
	Transaction(ctx context.Context, transactionID string) (*domain.Transaction, error)
}

// Router resolves destinations and reaches peer nodes
type Router interface {
	LocalBankCode() string
	ProbeBudget() time.Duration
	ResolveAccount(iban string) (router.Resolution, error)
	ResolvePhone(ctx context.Context, phone string) (router.Resolution, error)
	DispatchAccount(ctx context.Context, contact domain.BankContact, payload *domain.Payload) (*router.RemoteResult, error)
	ProbeMobile(ctx context.Context, payload *domain.Payload) (*router.RemoteResult, error)
}

// EventPublisher is satisfied by rabbitmq.Publisher
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
}

// Dependencies are the collaborators an Orchestrator drives
type Dependencies struct {
	Validator Validator
	Signer    Authenticator
	Risk      RiskAssessor
	Ledger    Ledger
	Router    Router
	Journal   Journal
	Events    EventPublisher
}

// Orchestrator runs the inbound and outbound transfer state machines. It is
// the only component that talks to all the others.
type Orchestrator struct {
	validator Validator
	signer    Authenticator
	risk      RiskAssessor
	ledger    Ledger
	router    Router
	journal   Journal
	events    EventPublisher
	secret    string
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator wires the collaborators. secret is the network signing key.
func NewOrchestrator(deps Dependencies, secret string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	events := deps.Events
	if events == nil {
		events = rabbitmq.EventProducerFallback{Logger: logger}
	}
	return &Orchestrator{
		validator: deps.Validator,
		signer:    deps.Signer,
		risk:      deps.Risk,
		ledger:    deps.Ledger,
		router:    deps.Router,
		journal:   deps.Journal,
		events:    events,
		secret:    secret,
		logger:    logger,
		now:       time.Now,
	}
}

// Outcome is the result of a transfer that reached a terminal state
type Outcome struct {
	TransactionID string               `json:"transaction_id"`
	State         State                `json:"state"`
	Local         bool                 `json:"local"`
	FlaggedReview bool                 `json:"-"`
	Settlement    *ledger.Settlement   `json:"settlement,omitempty"`
	Remote        *router.RemoteResult `json:"remote,omitempty"`
}

// Event is the body published for transfer outcomes
type Event struct {
	TransactionID string          `json:"transaction_id"`
	Direction     Direction       `json:"direction"`
	State         State           `json:"state"`
	Rail          domain.Rail     `json:"rail"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	SourceRef     string          `json:"source_ref"`
	Destination   string          `json:"destination_ref"`
	RiskScore     int             `json:"risk_score"`
	RiskLevel     risk.Level      `json:"risk_level,omitempty"`
	Alerts        []string        `json:"alerts,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func (o *Orchestrator) publish(ctx context.Context, key string, ev Event) {
	ev.OccurredAt = o.now().UTC()
	if err := o.events.Publish(ctx, key, ev); err != nil {
		o.logger.Warn("failed to publish transfer event",
			"routing_key", key,
			"transaction_id", ev.TransactionID,
			"error", err,
		)
	}
}

// assess runs the risk monitor and maps the decision onto the flow. Blocked
// transfers return *domain.RiskBlockedError.
func (o *Orchestrator) assess(ctx context.Context, f *flow, facts risk.Facts, ev *Event) (risk.Assessment, error) {
	assessment, err := o.risk.Assess(ctx, facts)
	if err != nil {
		return assessment, domain.Wrap("risk assessment", err)
	}
	ev.RiskScore = assessment.Score
	ev.RiskLevel = assessment.Level
	ev.Alerts = assessment.Alerts

	meta := map[string]any{
		"score":    assessment.Score,
		"level":    assessment.Level,
		"decision": assessment.Decision,
		"alerts":   assessment.Alerts,
	}
	if f.direction == Inbound {
		if err := f.advance(StateRiskChecked, string(assessment.Decision), meta); err != nil {
			return assessment, domain.Wrap("risk check", err)
		}
	}
	if !assessment.Blocked() {
		return assessment, nil
	}

	blocked := StateBlocked
	if f.direction == Outbound {
		blocked = StateFailed
	}
	if err := f.advance(blocked, "risk block", meta); err != nil {
		return assessment, domain.Wrap("risk check", err)
	}
	ev.State = f.state
	o.publish(ctx, rabbitmq.KeyTransferBlocked, *ev)
	o.logger.Warn("transfer blocked by risk monitor",
		"transaction_id", f.id,
		"direction", f.direction,
		"score", assessment.Score,
		"alerts", assessment.Alerts,
	)
	return assessment, &domain.RiskBlockedError{Score: assessment.Score, Alerts: assessment.Alerts}
}

func describe(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// reason is the journal text for a failure. It never leaves the node.
func reason(err error) string {
	var internal *domain.InternalError
	if errors.As(err, &internal) {
		return internal.Op
	}
	return err.Error()
}
