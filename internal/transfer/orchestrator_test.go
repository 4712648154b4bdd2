package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sinpe-node/internal/domain"
	"github.com/example/sinpe-node/internal/ledger"
	"github.com/example/sinpe-node/internal/risk"
	"github.com/example/sinpe-node/internal/router"
	"github.com/example/sinpe-node/internal/signing"
	"github.com/example/sinpe-node/internal/validation"
	"github.com/example/sinpe-node/pkg/audit"
	"github.com/example/sinpe-node/pkg/rabbitmq"
)

const (
	testSecret = "supersecreta123"
	acctAna    = "CR53015200010000001234"
	acctLuis   = "CR54015200010000005678"
	acctRemote = "CR62011900010000009999"
	phoneAna   = "60001111"
	phoneLuis  = "88880000"
)

type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	events []Event
}

func (r *recordingPublisher) Publish(_ context.Context, key string, body any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	if ev, ok := body.(Event); ok {
		r.events = append(r.events, ev)
	}
	return nil
}

func (r *recordingPublisher) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

type stubRisk struct {
	assessment risk.Assessment
	err        error
}

func (s stubRisk) Assess(context.Context, risk.Facts) (risk.Assessment, error) {
	return s.assessment, s.err
}

type harness struct {
	orch    *Orchestrator
	ledger  *ledger.Service
	journal *audit.Journal
	events  *recordingPublisher
	signer  *signing.Signer
}

func newHarness(t *testing.T, contacts []domain.BankContact, assessor RiskAssessor) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := ledger.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(ctx))

	svc := ledger.NewService(store, nil)
	require.NoError(t, svc.OpenAccount(ctx, domain.Account{AccountNumber: acctAna, OwnerName: "Ana Mora", Currency: "CRC", Balance: decimal.NewFromInt(100_000)}))
	require.NoError(t, svc.OpenAccount(ctx, domain.Account{AccountNumber: acctLuis, OwnerName: "Luis Solano", Currency: "CRC", Balance: decimal.NewFromInt(5_000)}))
	require.NoError(t, svc.LinkPhone(ctx, phoneAna, acctAna))
	require.NoError(t, svc.LinkPhone(ctx, phoneLuis, acctLuis))

	opts := router.DefaultOptions()
	opts.DispatchTimeout = time.Second
	opts.ProbeTimeout = 500 * time.Millisecond
	rt, err := router.New(router.NewRegistry(contacts), svc, opts, nil)
	require.NoError(t, err)

	if assessor == nil {
		assessor = risk.NewMonitor(risk.DefaultRules(), store, nil)
	}
	h := &harness{
		ledger:  svc,
		journal: audit.NewJournal(),
		events:  &recordingPublisher{},
		signer:  signing.NewSigner(nil),
	}
	h.orch = NewOrchestrator(Dependencies{
		Validator: validation.New(validation.DefaultLimits()),
		Signer:    h.signer,
		Risk:      assessor,
		Ledger:    svc,
		Router:    rt,
		Journal:   h.journal,
		Events:    h.events,
	}, testSecret, nil)
	return h
}

func (h *harness) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), account)
	require.NoError(t, err)
	return b
}

func journaledStates(t *testing.T, j *audit.Journal, id string) []State {
	t.Helper()
	var states []State
	for _, e := range j.Subject(id) {
		if e.Kind != JournalKindTransition {
			continue
		}
		var tr Transition
		require.NoError(t, json.Unmarshal(e.Data, &tr))
		states = append(states, tr.ToState)
	}
	return states
}

func (h *harness) accountPayload(t *testing.T, to string, amount string) *domain.Payload {
	t.Helper()
	p := &domain.Payload{
		Version:       domain.ProtocolVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		TransactionID: uuid.NewString(),
		Sender:        &domain.Party{AccountNumber: acctRemote, BankCode: "119", Name: "Pedro Vargas"},
		Receiver:      &domain.Party{AccountNumber: to, BankCode: validation.BankCode(to), Name: "Ana Mora"},
		Amount:        &domain.Amount{Value: decimal.NewNullDecimal(decimal.RequireFromString(amount)), Currency: "CRC"},
		Description:   "pago factura",
	}
	p.Signature = h.signer.SignPayload(p, domain.RailAccount, testSecret)
	return p
}

func (h *harness) mobilePayload(t *testing.T, to string, amount string) *domain.Payload {
	t.Helper()
	p := &domain.Payload{
		Version:       domain.ProtocolVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		TransactionID: uuid.NewString(),
		Sender:        &domain.Party{PhoneNumber: "70002222"},
		Receiver:      &domain.Party{PhoneNumber: to},
		Amount:        &domain.Amount{Value: decimal.NewNullDecimal(decimal.RequireFromString(amount)), Currency: "CRC"},
		Description:   "almuerzo",
	}
	p.Signature = h.signer.SignPayload(p, domain.RailMobile, testSecret)
	return p
}

// fakePeer verifies the signature of what it receives and answers status
type fakePeer struct {
	*httptest.Server
	hits     int32
	received chan *domain.Payload
}

func newFakePeer(t *testing.T, status int, rail domain.Rail) *fakePeer {
	t.Helper()
	fp := &fakePeer{received: make(chan *domain.Payload, 8)}
	signer := signing.NewSigner(nil)
	fp.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fp.hits, 1)
		var p domain.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !signer.Verify(&p, rail, p.Signature, testSecret) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fp.received <- &p
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":        status == http.StatusOK,
			"transaction_id": p.TransactionID,
			"status":         "SETTLED",
		})
	}))
	t.Cleanup(fp.Close)
	return fp
}

func TestReceiveAccountTransfer(t *testing.T) {
	h := newHarness(t, nil, nil)
	p := h.accountPayload(t, "CR53-0152-0001-0000-0012-34", "2500.50")

	out, err := h.orch.Receive(context.Background(), p, domain.RailAccount)
	require.NoError(t, err)
	assert.Equal(t, StateSettled, out.State)
	assert.True(t, decimal.RequireFromString("102500.50").Equal(h.balance(t, acctAna)))

	txn, err := h.ledger.Transaction(context.Background(), p.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.TypeIncomingExternal, txn.Type)
	assert.Equal(t, "119", txn.ExternalBankCode)
	assert.Equal(t, acctRemote, txn.SourceRef)
	assert.Contains(t, txn.SenderInfo, "Pedro Vargas")

	assert.Equal(t, []State{StateReceived, StateValidated, StateAuthenticated, StateRiskChecked, StateSettled},
		journaledStates(t, h.journal, p.TransactionID))
	assert.True(t, audit.VerifyChain(h.journal.Entries()))
	assert.Equal(t, []string{rabbitmq.KeyTransferSettled}, h.events.Keys())
}

func TestReceiveRejections(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	t.Run("bad signature", func(t *testing.T) {
		p := h.accountPayload(t, acctAna, "100")
		p.Signature = "00000000000000000000000000000000"
		_, err := h.orch.Receive(ctx, p, domain.RailAccount)
		var authErr *domain.AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, []State{StateReceived, StateValidated, StateRejected}, journaledStates(t, h.journal, p.TransactionID))
	})

	t.Run("tampered amount", func(t *testing.T) {
		p := h.accountPayload(t, acctAna, "100")
		p.Amount.Value = decimal.NewNullDecimal(decimal.NewFromInt(100000))
		_, err := h.orch.Receive(ctx, p, domain.RailAccount)
		var authErr *domain.AuthenticationError
		require.ErrorAs(t, err, &authErr)
	})

	t.Run("invalid payload", func(t *testing.T) {
		p := h.accountPayload(t, acctAna, "100")
		p.TransactionID = "not-a-uuid"
		_, err := h.orch.Receive(ctx, p, domain.RailAccount)
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("nil payload", func(t *testing.T) {
		_, err := h.orch.Receive(ctx, nil, domain.RailAccount)
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("account held by another bank", func(t *testing.T) {
		p := h.accountPayload(t, "CR88010200010000004321", "100")
		_, err := h.orch.Receive(ctx, p, domain.RailAccount)
		var notFound *domain.AccountNotFoundError
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("unknown local account", func(t *testing.T) {
		p := h.accountPayload(t, "CR73015200010000000001", "100")
		_, err := h.orch.Receive(ctx, p, domain.RailAccount)
		var notFound *domain.AccountNotFoundError
		require.ErrorAs(t, err, &notFound)
	})

	// none of the rejections moved money
	assert.True(t, decimal.NewFromInt(100_000).Equal(h.balance(t, acctAna)))
	// unauthenticated traffic publishes nothing; the two account lookups do
	assert.Equal(t, []string{rabbitmq.KeyTransferFailed, rabbitmq.KeyTransferFailed}, h.events.Keys())
}

func TestReceiveDuplicate(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	p := h.accountPayload(t, acctAna, "1000")

	_, err := h.orch.Receive(ctx, p, domain.RailAccount)
	require.NoError(t, err)
	_, err = h.orch.Receive(ctx, p, domain.RailAccount)
	var dup *domain.DuplicateTransactionError
	require.ErrorAs(t, err, &dup)

	assert.True(t, decimal.NewFromInt(101_000).Equal(h.balance(t, acctAna)))
}

type countingRisk struct {
	calls int32
	after risk.Assessment
}

// Assess allows the first transfer and blocks every later one.
func (c *countingRisk) Assess(context.Context, risk.Facts) (risk.Assessment, error) {
	if atomic.AddInt32(&c.calls, 1) == 1 {
		return risk.Assessment{Decision: risk.DecisionAllow}, nil
	}
	return c.after, nil
}

func TestReceiveDuplicateIsNotRescored(t *testing.T) {
	assessor := &countingRisk{after: risk.Assessment{Score: 90, Decision: risk.DecisionBlock}}
	h := newHarness(t, nil, assessor)
	ctx := context.Background()
	p := h.accountPayload(t, acctAna, "1000")

	_, err := h.orch.Receive(ctx, p, domain.RailAccount)
	require.NoError(t, err)

	replay := *p
	replay.Description = "otra descripcion"
	_, err = h.orch.Receive(ctx, &replay, domain.RailAccount)
	var dup *domain.DuplicateTransactionError
	require.ErrorAs(t, err, &dup)
	var blocked *domain.RiskBlockedError
	assert.False(t, errors.As(err, &blocked))

	assert.EqualValues(t, 1, atomic.LoadInt32(&assessor.calls))
	assert.True(t, decimal.NewFromInt(101_000).Equal(h.balance(t, acctAna)))
}

func TestReceiveMobileTransfer(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	p := h.mobilePayload(t, phoneLuis, "2500.50")
	out, err := h.orch.Receive(ctx, p, domain.RailMobile)
	require.NoError(t, err)
	assert.Equal(t, StateSettled, out.State)
	assert.True(t, decimal.RequireFromString("7500.50").Equal(h.balance(t, acctLuis)))

	txn, err := h.ledger.Transaction(ctx, p.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelMobile, txn.Channel)
	assert.Equal(t, "70002222", txn.SourceRef)
	assert.Equal(t, phoneLuis, txn.DestinationRef)

	_, err = h.orch.Receive(ctx, h.mobilePayload(t, "88889999", "100"), domain.RailMobile)
	var notFound *domain.AccountNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestReceiveBlockedIsNotPersisted(t *testing.T) {
	h := newHarness(t, nil, stubRisk{assessment: risk.Assessment{
		Score:    75,
		Level:    risk.LevelHigh,
		Alerts:   []string{"single transaction limit exceeded", "velocity"},
		Decision: risk.DecisionBlock,
	}})
	ctx := context.Background()
	p := h.accountPayload(t, acctAna, "100")

	_, err := h.orch.Receive(ctx, p, domain.RailAccount)
	var blocked *domain.RiskBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, 75, blocked.Score)

	_, err = h.ledger.Transaction(ctx, p.TransactionID)
	assert.Error(t, err)
	assert.True(t, decimal.NewFromInt(100_000).Equal(h.balance(t, acctAna)))

	assert.Equal(t, []State{StateReceived, StateValidated, StateAuthenticated, StateRiskChecked, StateBlocked},
		journaledStates(t, h.journal, p.TransactionID))
	require.Equal(t, []string{rabbitmq.KeyTransferBlocked}, h.events.Keys())
	assert.Equal(t, []string{"single transaction limit exceeded", "velocity"}, h.events.events[0].Alerts)
}

func TestReceiveReviewSettlesAndFlags(t *testing.T) {
	h := newHarness(t, nil, stubRisk{assessment: risk.Assessment{
		Score:    45,
		Level:    risk.LevelMedium,
		Alerts:   []string{"daily limit exceeded", "rapid succession"},
		Decision: risk.DecisionReview,
	}})

	out, err := h.orch.Receive(context.Background(), h.accountPayload(t, acctAna, "100"), domain.RailAccount)
	require.NoError(t, err)
	assert.True(t, out.FlaggedReview)
	assert.Equal(t, []string{rabbitmq.KeyTransferSettled, rabbitmq.KeyTransferReview}, h.events.Keys())
}

func TestReceiveRiskFailureRejects(t *testing.T) {
	h := newHarness(t, nil, stubRisk{err: errors.New("history unavailable")})
	p := h.accountPayload(t, acctAna, "100")

	_, err := h.orch.Receive(context.Background(), p, domain.RailAccount)
	var internal *domain.InternalError
	require.ErrorAs(t, err, &internal)
	assert.Equal(t, "risk assessment", internal.Op)
	assert.Equal(t, StateRejected, journaledStates(t, h.journal, p.TransactionID)[3])
}

func TestSendAccountLocal(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	out, err := h.orch.SendAccount(ctx, AccountTransferRequest{
		FromAccount:  acctAna,
		ToAccount:    "CR54 0152 0001 0000 0056 78",
		ReceiverName: "Luis Solano",
		Amount:       decimal.NewFromInt(1500),
		Currency:     "crc",
	})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, out.State)
	assert.True(t, out.Local)
	assert.Equal(t, domain.TypeInternal, out.Settlement.Transaction.Type)
	assert.Equal(t, DefaultDescription, out.Settlement.Transaction.Description)

	assert.True(t, decimal.NewFromInt(98_500).Equal(h.balance(t, acctAna)))
	assert.True(t, decimal.NewFromInt(6_500).Equal(h.balance(t, acctLuis)))
	assert.Equal(t, []State{StateBuild, StateSign, StateRoute, StateDispatched, StateConfirmed},
		journaledStates(t, h.journal, out.TransactionID))
	assert.Equal(t, []string{rabbitmq.KeyTransferSettled}, h.events.Keys())
}

func TestSendAccountRemote(t *testing.T) {
	peer := newFakePeer(t, http.StatusOK, domain.RailAccount)
	h := newHarness(t, []domain.BankContact{
		{Code: "119", Name: "Banco Uno", NetworkAddress: peer.URL, IBANBankCode: "119", Enabled: true},
	}, nil)
	ctx := context.Background()

	out, err := h.orch.SendAccount(ctx, AccountTransferRequest{
		FromAccount:  acctAna,
		ToAccount:    acctRemote,
		ReceiverName: "Pedro Vargas",
		Amount:       decimal.RequireFromString("2500.50"),
		Currency:     "CRC",
		Description:  "alquiler",
	})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, out.State)
	assert.False(t, out.Local)
	require.NotNil(t, out.Remote)
	assert.Equal(t, "119", out.Remote.Peer)

	sent := <-peer.received
	assert.Equal(t, out.TransactionID, sent.TransactionID)
	assert.Equal(t, acctAna, sent.Sender.AccountNumber)
	assert.Equal(t, "152", sent.Sender.BankCode)
	assert.Equal(t, "Ana Mora", sent.Sender.Name)
	assert.Equal(t, "119", sent.Receiver.BankCode)

	assert.True(t, decimal.RequireFromString("97499.50").Equal(h.balance(t, acctAna)))
	txn, err := h.ledger.Transaction(ctx, out.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, txn.Status)
	assert.Equal(t, domain.TypeOutgoingExternal, txn.Type)
	assert.Equal(t, "119", txn.ExternalBankCode)
}

func TestSendAccountRemoteFailureReverses(t *testing.T) {
	peer := newFakePeer(t, http.StatusUnprocessableEntity, domain.RailAccount)
	h := newHarness(t, []domain.BankContact{
		{Code: "119", NetworkAddress: peer.URL, IBANBankCode: "119", Enabled: true},
	}, nil)
	ctx := context.Background()

	_, err := h.orch.SendAccount(ctx, AccountTransferRequest{
		FromAccount:  acctAna,
		ToAccount:    acctRemote,
		ReceiverName: "Pedro Vargas",
		Amount:       decimal.NewFromInt(1000),
		Currency:     "CRC",
	})
	var rejected *domain.PeerRejectedError
	require.ErrorAs(t, err, &rejected)
	sent := <-peer.received

	assert.True(t, decimal.NewFromInt(100_000).Equal(h.balance(t, acctAna)))
	txn, err := h.ledger.Transaction(ctx, sent.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, txn.Status)
	assert.Equal(t, []State{StateBuild, StateSign, StateRoute, StateDispatched, StateFailed},
		journaledStates(t, h.journal, sent.TransactionID))
	assert.Equal(t, []string{rabbitmq.KeyTransferFailed}, h.events.Keys())

	report, err := h.ledger.CheckIntegrity(ctx, acctAna)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestSendAccountPreconditions(t *testing.T) {
	peer := newFakePeer(t, http.StatusOK, domain.RailAccount)
	h := newHarness(t, []domain.BankContact{
		{Code: "119", NetworkAddress: peer.URL, IBANBankCode: "119", Enabled: true},
	}, nil)
	ctx := context.Background()
	base := AccountTransferRequest{FromAccount: acctLuis, ToAccount: acctRemote, ReceiverName: "Pedro", Currency: "CRC"}

	req := base
	req.Amount = decimal.NewFromInt(5001)
	_, err := h.orch.SendAccount(ctx, req)
	var funds *domain.InsufficientFundsError
	require.ErrorAs(t, err, &funds)

	req = base
	req.Amount = decimal.NewFromInt(10)
	req.ToAccount = "CR88010200010000004321"
	_, err = h.orch.SendAccount(ctx, req)
	var unresolvable *domain.UnresolvableDestinationError
	require.ErrorAs(t, err, &unresolvable)

	req = base
	req.Amount = decimal.NewFromInt(10)
	req.ToAccount = "CR54015200010000001234"
	_, err = h.orch.SendAccount(ctx, req)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	req = base
	req.Amount = decimal.NewFromInt(10)
	req.FromAccount = "CR73015200010000000001"
	_, err = h.orch.SendAccount(ctx, req)
	var notFound *domain.AccountNotFoundError
	require.ErrorAs(t, err, &notFound)

	assert.EqualValues(t, 0, atomic.LoadInt32(&peer.hits))
	assert.True(t, decimal.NewFromInt(5_000).Equal(h.balance(t, acctLuis)))
}

func TestSendMobileLocal(t *testing.T) {
	h := newHarness(t, nil, nil)

	out, err := h.orch.SendMobile(context.Background(), MobileTransferRequest{
		FromPhone: phoneAna,
		ToPhone:   phoneLuis,
		Amount:    decimal.NewFromInt(2000),
		Currency:  "CRC",
	})
	require.NoError(t, err)
	assert.True(t, out.Local)
	assert.Equal(t, domain.TypeMobile, out.Settlement.Transaction.Type)
	assert.Equal(t, phoneAna, out.Settlement.Transaction.SourceRef)
	assert.True(t, decimal.NewFromInt(7_000).Equal(h.balance(t, acctLuis)))
}

func TestSendMobileProbesPeers(t *testing.T) {
	notMine := newFakePeer(t, http.StatusNotFound, domain.RailMobile)
	owner := newFakePeer(t, http.StatusOK, domain.RailMobile)
	h := newHarness(t, []domain.BankContact{
		{Code: "101", NetworkAddress: notMine.URL, Enabled: true},
		{Code: "102", NetworkAddress: owner.URL, Enabled: true},
	}, nil)
	ctx := context.Background()

	out, err := h.orch.SendMobile(ctx, MobileTransferRequest{
		FromPhone: phoneAna,
		ToPhone:   "88887777",
		Amount:    decimal.RequireFromString("2500.50"),
		Currency:  "CRC",
	})
	require.NoError(t, err)
	assert.Equal(t, "102", out.Remote.Peer)
	assert.EqualValues(t, 1, atomic.LoadInt32(&notMine.hits))

	sent := <-owner.received
	assert.Equal(t, "88887777", sent.Receiver.PhoneNumber)
	assert.Equal(t, phoneAna, sent.Sender.PhoneNumber)

	txn, err := h.ledger.Transaction(ctx, out.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, txn.Status)
	assert.Equal(t, domain.ChannelMobile, txn.Channel)
}

func TestSendMobileUnresolvableReverses(t *testing.T) {
	notMine := newFakePeer(t, http.StatusNotFound, domain.RailMobile)
	h := newHarness(t, []domain.BankContact{{Code: "101", NetworkAddress: notMine.URL, Enabled: true}}, nil)

	_, err := h.orch.SendMobile(context.Background(), MobileTransferRequest{
		FromPhone: phoneAna,
		ToPhone:   "88887777",
		Amount:    decimal.NewFromInt(500),
		Currency:  "CRC",
	})
	var unresolvable *domain.UnresolvableDestinationError
	require.ErrorAs(t, err, &unresolvable)
	assert.True(t, decimal.NewFromInt(100_000).Equal(h.balance(t, acctAna)))

	_, err = h.orch.SendMobile(context.Background(), MobileTransferRequest{
		FromPhone: "70009999",
		ToPhone:   phoneLuis,
		Amount:    decimal.NewFromInt(500),
		Currency:  "CRC",
	})
	var notFound *domain.AccountNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSendBlockedFailsBeforeLedger(t *testing.T) {
	h := newHarness(t, nil, stubRisk{assessment: risk.Assessment{Score: 90, Level: risk.LevelHigh, Decision: risk.DecisionBlock}})

	_, err := h.orch.SendAccount(context.Background(), AccountTransferRequest{
		FromAccount:  acctAna,
		ToAccount:    acctLuis,
		ReceiverName: "Luis",
		Amount:       decimal.NewFromInt(100),
		Currency:     "CRC",
	})
	var blocked *domain.RiskBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.True(t, decimal.NewFromInt(100_000).Equal(h.balance(t, acctAna)))
	assert.Equal(t, []string{rabbitmq.KeyTransferBlocked}, h.events.Keys())

	entries := h.journal.Entries()
	require.NotEmpty(t, entries)
	states := journaledStates(t, h.journal, entries[0].Subject)
	assert.Equal(t, []State{StateBuild, StateFailed}, states)
}
