package transfer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/example/sinpe-node/pkg/audit"
)

// State is a step of a transfer's lifecycle
type State string

// Inbound states
const (
	StateReceived      State = "RECEIVED"
	StateValidated     State = "VALIDATED"
	StateAuthenticated State = "AUTHENTICATED"
	StateRiskChecked   State = "RISK_CHECKED"
	StateSettled       State = "SETTLED"
	StateRejected      State = "REJECTED"
	StateBlocked       State = "BLOCKED"
)

// Outbound states
const (
	StateBuild      State = "BUILD"
	StateSign       State = "SIGN"
	StateRoute      State = "ROUTE"
	StateDispatched State = "DISPATCHED"
	StateConfirmed  State = "CONFIRMED"
	StateFailed     State = "FAILED"
)

// Direction of a transfer relative to this node
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// JournalKindTransition is the audit entry kind for state changes
const JournalKindTransition = "transfer.transition"

// InvalidStateTransitionError represents an invalid state transition
type InvalidStateTransitionError struct {
	FromState     State
	ToState       State
	TransactionID string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s for transfer %s", e.FromState, e.ToState, e.TransactionID)
}

// AllowedTransitions defines valid state transitions. Every non-terminal
// state may fail.
func AllowedTransitions() map[State][]State {
	return map[State][]State{
		StateReceived:      {StateValidated, StateRejected},
		StateValidated:     {StateAuthenticated, StateRejected},
		StateAuthenticated: {StateRiskChecked, StateRejected},
		StateRiskChecked:   {StateSettled, StateRejected, StateBlocked},
		StateSettled:       {}, // Terminal state
		StateRejected:      {},
		StateBlocked:       {},

		StateBuild:      {StateSign, StateFailed},
		StateSign:       {StateRoute, StateFailed},
		StateRoute:      {StateDispatched, StateFailed},
		StateDispatched: {StateConfirmed, StateFailed},
		StateConfirmed:  {},
		StateFailed:     {},
	}
}

// IsValidTransition checks if a state transition is allowed
func IsValidTransition(from, to State) bool {
	for _, allowed := range AllowedTransitions()[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func IsTerminal(s State) bool {
	next, ok := AllowedTransitions()[s]
	return ok && len(next) == 0
}

// Transition is the journaled record of one state change
type Transition struct {
	TransactionID string         `json:"transaction_id"`
	Direction     Direction      `json:"direction"`
	FromState     State          `json:"from_state,omitempty"`
	ToState       State          `json:"to_state"`
	Reason        string         `json:"reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Journal is the append-only audit log transitions are written to
type Journal interface {
	Record(kind, subject string, data any) (*audit.Entry, error)
}

// flow walks one transfer through its state machine. Each accepted
// transition is appended to the journal.
type flow struct {
	id        string
	direction Direction
	state     State
	journal   Journal
	logger    *slog.Logger
	now       func() time.Time
}

func (o *Orchestrator) newFlow(id string, direction Direction, initial State) *flow {
	f := &flow{
		id:        id,
		direction: direction,
		journal:   o.journal,
		logger:    o.logger,
		now:       o.now,
	}
	f.record("", initial, "", nil)
	f.state = initial
	return f
}

// advance moves the flow to the next state
func (f *flow) advance(to State, reason string, metadata map[string]any) error {
	if !IsValidTransition(f.state, to) {
		return &InvalidStateTransitionError{FromState: f.state, ToState: to, TransactionID: f.id}
	}
	f.record(f.state, to, reason, metadata)
	f.state = to
	return nil
}

// fail moves to the direction's failure state unless already terminal
func (f *flow) fail(reason string, metadata map[string]any) {
	if IsTerminal(f.state) {
		return
	}
	to := StateRejected
	if f.direction == Outbound {
		to = StateFailed
	}
	_ = f.advance(to, reason, metadata)
}

func (f *flow) record(from, to State, reason string, metadata map[string]any) {
	if f.journal == nil {
		return
	}
	_, err := f.journal.Record(JournalKindTransition, f.id, Transition{
		TransactionID: f.id,
		Direction:     f.direction,
		FromState:     from,
		ToState:       to,
		Reason:        reason,
		Metadata:      metadata,
		CreatedAt:     f.now().UTC(),
	})
	if err != nil {
		f.logger.Error("failed to journal transfer transition",
			"transaction_id", f.id,
			"to_state", to,
			"error", err,
		)
	}
}
