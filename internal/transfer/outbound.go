package transfer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/sinpe-node/internal/domain"
	"github.com/example/sinpe-node/internal/ledger"
	"github.com/example/sinpe-node/internal/risk"
	"github.com/example/sinpe-node/internal/router"
	"github.com/example/sinpe-node/internal/validation"
	"github.com/example/sinpe-node/pkg/rabbitmq"
)

// DefaultDescription is used when the caller gives none
const DefaultDescription = "Transferencia SINPE"

// reversalTimeout bounds the compensating credit after a failed dispatch
const reversalTimeout = 5 * time.Second

// AccountTransferRequest sends funds from a local account to an IBAN
type AccountTransferRequest struct {
	FromAccount  string          `json:"from_account"`
	ToAccount    string          `json:"to_account"`
	ReceiverName string          `json:"receiver_name"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Description  string          `json:"description"`
}

// MobileTransferRequest sends funds from a locally linked phone to a phone
type MobileTransferRequest struct {
	FromPhone   string          `json:"from_phone"`
	ToPhone     string          `json:"to_phone"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
}

// outbound carries a transfer through BUILD..CONFIRMED
type outbound struct {
	flow        *flow
	event       Event
	rail        domain.Rail
	payload     *domain.Payload
	source      *domain.Account
	destination router.Resolution
}

// SendAccount builds, signs and routes an account-rail transfer
func (o *Orchestrator) SendAccount(ctx context.Context, req AccountTransferRequest) (*Outcome, error) {
	t := o.startOutbound(domain.RailAccount)

	out, err := o.sendAccount(ctx, t, req)
	if err != nil {
		o.failOutbound(ctx, t, err)
		return nil, err
	}
	return out, nil
}

// SendMobile builds, signs and routes a mobile-rail transfer
func (o *Orchestrator) SendMobile(ctx context.Context, req MobileTransferRequest) (*Outcome, error) {
	t := o.startOutbound(domain.RailMobile)

	out, err := o.sendMobile(ctx, t, req)
	if err != nil {
		o.failOutbound(ctx, t, err)
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) startOutbound(rail domain.Rail) *outbound {
	id := uuid.NewString()
	return &outbound{
		flow:  o.newFlow(id, Outbound, StateBuild),
		event: Event{TransactionID: id, Direction: Outbound, Rail: rail},
		rail:  rail,
	}
}

func (o *Orchestrator) failOutbound(ctx context.Context, t *outbound, err error) {
	var blocked *domain.RiskBlockedError
	if errors.As(err, &blocked) {
		return
	}
	t.flow.fail(reason(err), nil)
	t.event.State = t.flow.state
	t.event.Reason = reason(err)
	o.publish(ctx, rabbitmq.KeyTransferFailed, t.event)
	o.logger.Warn("outbound transfer failed",
		"transaction_id", t.flow.id,
		"rail", t.rail,
		"error", err,
	)
}

func (o *Orchestrator) sendAccount(ctx context.Context, t *outbound, req AccountTransferRequest) (*Outcome, error) {
	source, err := o.ledger.GetAccount(ctx, req.FromAccount)
	if err != nil {
		return nil, err
	}
	t.source = source
	to := domain.CompactAccount(req.ToAccount)
	t.payload = o.newPayload(t.flow.id, req.Amount, req.Currency, req.Description,
		&domain.Party{
			AccountNumber: source.AccountNumber,
			BankCode:      o.router.LocalBankCode(),
			Name:          firstNonEmpty(source.OwnerName, source.AccountNumber),
		},
		&domain.Party{
			AccountNumber: to,
			BankCode:      validation.BankCode(to),
			Name:          strings.TrimSpace(req.ReceiverName),
		},
	)
	if err := o.validateDraft(t); err != nil {
		return nil, err
	}

	dest, err := o.router.ResolveAccount(to)
	if err != nil {
		return nil, err
	}
	t.destination = dest
	return o.route(ctx, t)
}

func (o *Orchestrator) sendMobile(ctx context.Context, t *outbound, req MobileTransferRequest) (*Outcome, error) {
	from, err := o.router.ResolvePhone(ctx, req.FromPhone)
	if err != nil {
		return nil, domain.Wrap("resolve sender phone", err)
	}
	if !from.Local {
		return nil, &domain.AccountNotFoundError{Identifier: req.FromPhone}
	}
	source, err := o.ledger.GetAccount(ctx, from.AccountNumber)
	if err != nil {
		return nil, err
	}
	t.source = source
	t.payload = o.newPayload(t.flow.id, req.Amount, req.Currency, req.Description,
		&domain.Party{PhoneNumber: strings.TrimSpace(req.FromPhone)},
		&domain.Party{PhoneNumber: strings.TrimSpace(req.ToPhone)},
	)
	if err := o.validateDraft(t); err != nil {
		return nil, err
	}

	dest, err := o.router.ResolvePhone(ctx, req.ToPhone)
	if err != nil {
		return nil, domain.Wrap("resolve receiver phone", err)
	}
	t.destination = dest
	return o.route(ctx, t)
}

func (o *Orchestrator) newPayload(id string, amount decimal.Decimal, currency, description string, sender, receiver *domain.Party) *domain.Payload {
	return &domain.Payload{
		Version:       domain.ProtocolVersion,
		Timestamp:     o.now().UTC().Format(time.RFC3339),
		TransactionID: id,
		Sender:        sender,
		Receiver:      receiver,
		Amount: &domain.Amount{
			Value:    decimal.NewNullDecimal(amount),
			Currency: strings.ToUpper(strings.TrimSpace(currency)),
		},
		Description: firstNonEmpty(strings.TrimSpace(description), DefaultDescription),
	}
}

// validateDraft checks the built message. The signature is attached in the
// SIGN step, so the draft carries the value it will get.
func (o *Orchestrator) validateDraft(t *outbound) error {
	draft := *t.payload
	draft.Signature = o.signer.SignPayload(t.payload, t.rail, o.secret)
	return o.validator.Validate(&draft, t.rail)
}

// route scores the transfer, signs it and settles it locally or remotely.
func (o *Orchestrator) route(ctx context.Context, t *outbound) (*Outcome, error) {
	p := t.payload
	sourceRef, destinationRef := partyRefs(p, t.rail)
	t.event.Amount = p.Value()
	t.event.Currency = p.Currency()
	t.event.SourceRef = sourceRef
	t.event.Destination = destinationRef

	assessment, err := o.assess(ctx, t.flow, risk.Facts{
		Channel:        domain.ChannelFor(t.rail, t.destination.Local),
		Amount:         p.Value(),
		SourceRef:      sourceRef,
		DestinationRef: destinationRef,
		At:             o.now(),
	}, &t.event)
	if err != nil {
		return nil, err
	}

	p.Signature = o.signer.SignPayload(p, t.rail, o.secret)
	if err := t.flow.advance(StateSign, "", nil); err != nil {
		return nil, domain.Wrap("sign", err)
	}
	if err := t.flow.advance(StateRoute, "", map[string]any{
		"local":     t.destination.Local,
		"bank_code": t.destination.BankCode,
	}); err != nil {
		return nil, domain.Wrap("route", err)
	}

	var out *Outcome
	if t.destination.Local {
		out, err = o.settleLocal(ctx, t, sourceRef, destinationRef)
	} else {
		out, err = o.dispatchRemote(ctx, t, sourceRef, destinationRef)
	}
	if err != nil {
		return nil, err
	}

	out.FlaggedReview = assessment.Decision == risk.DecisionReview
	t.event.State = t.flow.state
	o.publish(ctx, rabbitmq.KeyTransferSettled, t.event)
	if out.FlaggedReview {
		o.publish(ctx, rabbitmq.KeyTransferReview, t.event)
	}
	o.logger.Info("outbound transfer confirmed",
		"transaction_id", p.TransactionID,
		"rail", t.rail,
		"local", t.destination.Local,
		"amount", p.Value().StringFixed(2),
		"risk_score", assessment.Score,
	)
	return out, nil
}

func (o *Orchestrator) settleLocal(ctx context.Context, t *outbound, sourceRef, destinationRef string) (*Outcome, error) {
	p := t.payload
	settlement, err := o.ledger.SettleInternal(ctx, ledger.InternalTransfer{
		TransactionID:  p.TransactionID,
		FromAccount:    t.source.AccountNumber,
		ToAccount:      t.destination.AccountNumber,
		Amount:         p.Value(),
		Currency:       p.Currency(),
		Description:    p.Description,
		Rail:           t.rail,
		SourceRef:      sourceRef,
		DestinationRef: destinationRef,
	})
	if err != nil {
		return nil, err
	}
	if err := t.flow.advance(StateDispatched, "", nil); err != nil {
		return nil, domain.Wrap("dispatch", err)
	}
	if err := t.flow.advance(StateConfirmed, "", nil); err != nil {
		return nil, domain.Wrap("confirm", err)
	}
	return &Outcome{
		TransactionID: p.TransactionID,
		State:         t.flow.state,
		Local:         true,
		Settlement:    settlement,
	}, nil
}

// dispatchRemote reserves the funds, hands the payload to the peer and then
// either completes the debit or reverses it.
func (o *Orchestrator) dispatchRemote(ctx context.Context, t *outbound, sourceRef, destinationRef string) (*Outcome, error) {
	p := t.payload
	bankCode := t.destination.BankCode
	if t.destination.Contact != nil {
		bankCode = t.destination.Contact.Code
	}
	settlement, err := o.ledger.DebitOutgoing(ctx, ledger.OutgoingDebit{
		TransactionID:  p.TransactionID,
		FromAccount:    t.source.AccountNumber,
		Amount:         p.Value(),
		Currency:       p.Currency(),
		Description:    p.Description,
		Rail:           t.rail,
		BankCode:       bankCode,
		SourceRef:      sourceRef,
		DestinationRef: destinationRef,
		ReceiverInfo:   describe(p.Receiver),
	})
	if err != nil {
		return nil, err
	}
	if err := t.flow.advance(StateDispatched, "", nil); err != nil {
		return nil, domain.Wrap("dispatch", err)
	}

	var remote *router.RemoteResult
	if t.rail == domain.RailMobile {
		probeCtx, cancel := context.WithTimeout(ctx, o.router.ProbeBudget())
		remote, err = o.router.ProbeMobile(probeCtx, p)
		cancel()
	} else {
		remote, err = o.router.DispatchAccount(ctx, *t.destination.Contact, p)
	}
	if err != nil {
		o.reverse(ctx, t, err)
		return nil, err
	}

	if err := o.ledger.CompleteOutgoing(ctx, p.TransactionID); err != nil {
		// the peer holds the funds now; the pending row is left for reconciliation
		o.logger.Error("peer accepted transfer but completion failed",
			"transaction_id", p.TransactionID,
			"peer", remote.Peer,
			"error", err,
		)
		return nil, err
	}
	if err := t.flow.advance(StateConfirmed, "", map[string]any{"peer": remote.Peer}); err != nil {
		return nil, domain.Wrap("confirm", err)
	}
	settlement.Transaction.Status = domain.StatusCompleted
	return &Outcome{
		TransactionID: p.TransactionID,
		State:         t.flow.state,
		Settlement:    settlement,
		Remote:        remote,
	}, nil
}

// reverse re-credits the source after a failed dispatch. It runs even if
// the caller's context is already done.
func (o *Orchestrator) reverse(ctx context.Context, t *outbound, cause error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reversalTimeout)
	defer cancel()

	if _, err := o.ledger.ReverseOutgoing(rctx, t.payload.TransactionID); err != nil {
		o.logger.Error("failed to reverse outgoing transfer",
			"transaction_id", t.payload.TransactionID,
			"dispatch_error", cause,
			"error", err,
		)
		return
	}
	o.logger.Info("outgoing transfer reversed after dispatch failure",
		"transaction_id", t.payload.TransactionID,
		"error", cause,
	)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
