package transfer

import (
	"context"
	"errors"

	"github.com/example/sinpe-node/internal/domain"
	"github.com/example/sinpe-node/internal/ledger"
	"github.com/example/sinpe-node/internal/risk"
	"github.com/example/sinpe-node/internal/validation"
	"github.com/example/sinpe-node/pkg/rabbitmq"
)

// Receive processes a transfer pushed to this node by a peer:
// validate, authenticate, assess risk, then credit the local account.
// Blocked transfers are journaled but never written to the ledger.
func (o *Orchestrator) Receive(ctx context.Context, p *domain.Payload, rail domain.Rail) (*Outcome, error) {
	var id string
	if p != nil {
		id = p.TransactionID
	}
	f := o.newFlow(id, Inbound, StateReceived)
	ev := Event{TransactionID: id, Direction: Inbound, Rail: rail}

	out, err := o.receive(ctx, f, p, rail, &ev)
	if err != nil {
		var blocked *domain.RiskBlockedError
		if errors.As(err, &blocked) {
			return nil, err
		}
		f.fail(reason(err), nil)
		o.logger.Warn("inbound transfer rejected",
			"transaction_id", id,
			"rail", rail,
			"error", err,
		)
		// only authenticated traffic is worth an event
		if ev.SourceRef != "" {
			ev.State = f.state
			ev.Reason = reason(err)
			o.publish(ctx, rabbitmq.KeyTransferFailed, ev)
		}
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) receive(ctx context.Context, f *flow, p *domain.Payload, rail domain.Rail, ev *Event) (*Outcome, error) {
	if p == nil {
		return nil, domain.NewValidationError("missing payload")
	}
	if err := o.validator.Validate(p, rail); err != nil {
		return nil, err
	}
	if err := f.advance(StateValidated, "", nil); err != nil {
		return nil, domain.Wrap("validate", err)
	}

	if !o.signer.Verify(p, rail, p.Signature, o.secret) {
		return nil, &domain.AuthenticationError{}
	}
	if err := f.advance(StateAuthenticated, "", nil); err != nil {
		return nil, domain.Wrap("authenticate", err)
	}

	sourceRef, destinationRef := partyRefs(p, rail)
	ev.Amount = p.Value()
	ev.Currency = p.Currency()
	ev.SourceRef = sourceRef
	ev.Destination = destinationRef

	// a replay must not be scored against the history its own original created
	if err := o.unseen(ctx, p.TransactionID); err != nil {
		return nil, err
	}

	// resolve before scoring so a node that does not hold the recipient
	// answers "not mine" instead of running its rules
	account, err := o.localDestination(ctx, p, rail)
	if err != nil {
		return nil, err
	}

	assessment, err := o.assess(ctx, f, risk.Facts{
		Channel:        domain.ChannelFor(rail, false),
		Amount:         p.Value(),
		SourceRef:      sourceRef,
		DestinationRef: destinationRef,
		At:             o.now(),
	}, ev)
	if err != nil {
		return nil, err
	}

	var bankCode string
	if rail == domain.RailAccount {
		bankCode = p.Sender.BankCode
		if bankCode == "" {
			bankCode = validation.BankCode(p.Sender.AccountNumber)
		}
	}
	settlement, err := o.ledger.CreditExternal(ctx, ledger.ExternalCredit{
		TransactionID:  p.TransactionID,
		ToAccount:      account,
		Amount:         p.Value(),
		Currency:       p.Currency(),
		Description:    p.Description,
		Rail:           rail,
		BankCode:       bankCode,
		SourceRef:      sourceRef,
		DestinationRef: destinationRef,
		SenderInfo:     describe(p.Sender),
		ReceiverInfo:   describe(p.Receiver),
	})
	if err != nil {
		return nil, err
	}
	if err := f.advance(StateSettled, "", nil); err != nil {
		return nil, domain.Wrap("settle", err)
	}

	ev.State = f.state
	o.publish(ctx, rabbitmq.KeyTransferSettled, *ev)
	review := assessment.Decision == risk.DecisionReview
	if review {
		o.publish(ctx, rabbitmq.KeyTransferReview, *ev)
	}
	o.logger.Info("inbound transfer settled",
		"transaction_id", p.TransactionID,
		"rail", rail,
		"amount", p.Value().StringFixed(2),
		"risk_score", assessment.Score,
	)
	return &Outcome{
		TransactionID: p.TransactionID,
		State:         f.state,
		Local:         true,
		FlaggedReview: review,
		Settlement:    settlement,
	}, nil
}

// unseen fails with DuplicateTransactionError when the ledger already holds
// transactionID. CreditExternal repeats the check inside its own transaction.
func (o *Orchestrator) unseen(ctx context.Context, transactionID string) error {
	_, err := o.ledger.Transaction(ctx, transactionID)
	switch {
	case err == nil:
		return &domain.DuplicateTransactionError{TransactionID: transactionID}
	case errors.Is(err, ledger.ErrNotFound):
		return nil
	default:
		return domain.Wrap("lookup transaction", err)
	}
}

// localDestination maps the receiver onto an account held by this node
func (o *Orchestrator) localDestination(ctx context.Context, p *domain.Payload, rail domain.Rail) (string, error) {
	if rail == domain.RailMobile {
		res, err := o.router.ResolvePhone(ctx, p.Receiver.PhoneNumber)
		if err != nil {
			return "", domain.Wrap("resolve phone", err)
		}
		if !res.Local {
			return "", &domain.AccountNotFoundError{Identifier: p.Receiver.PhoneNumber}
		}
		return res.AccountNumber, nil
	}

	account := domain.CompactAccount(p.Receiver.AccountNumber)
	if validation.BankCode(account) != o.router.LocalBankCode() {
		return "", &domain.AccountNotFoundError{Identifier: account}
	}
	return account, nil
}

// partyRefs returns the source and destination references recorded for
// risk history: account numbers on the account rail, phones on the mobile rail.
func partyRefs(p *domain.Payload, rail domain.Rail) (string, string) {
	if rail == domain.RailMobile {
		return p.Sender.PhoneNumber, p.Receiver.PhoneNumber
	}
	return domain.CompactAccount(p.Sender.AccountNumber), domain.CompactAccount(p.Receiver.AccountNumber)
}
