package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/sinpe-node/internal/domain"
)

// Service provides idempotent, atomic settlement on top of a Store
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new ledger service
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Settlement is the committed outcome of a ledger operation
type Settlement struct {
	Transaction domain.Transaction     `json:"transaction"`
	Changes     []domain.BalanceChange `json:"balance_changes"`
}

// InternalTransfer moves funds between two local accounts
type InternalTransfer struct {
	TransactionID  string
	FromAccount    string
	ToAccount      string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Rail           domain.Rail
	SourceRef      string
	DestinationRef string
}

// ExternalCredit credits a local account with funds sent by a peer bank
type ExternalCredit struct {
	TransactionID  string
	ToAccount      string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Rail           domain.Rail
	BankCode       string
	SourceRef      string
	DestinationRef string
	SenderInfo     string
	ReceiverInfo   string
}

// OutgoingDebit reserves funds for a transfer dispatched to a peer bank
type OutgoingDebit struct {
	TransactionID  string
	FromAccount    string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Rail           domain.Rail
	BankCode       string
	SourceRef      string
	DestinationRef string
	ReceiverInfo   string
}

type posting struct {
	account string
	delta   decimal.Decimal
}

// SettleInternal debits the source and credits the destination in one transaction.
func (s *Service) SettleInternal(ctx context.Context, req InternalTransfer) (*Settlement, error) {
	if err := checkRequest(req.TransactionID, req.Amount); err != nil {
		return nil, err
	}
	from := domain.CompactAccount(req.FromAccount)
	to := domain.CompactAccount(req.ToAccount)
	if from == "" || to == "" {
		return nil, domain.NewValidationError("source and destination accounts are required")
	}
	if from == to {
		return nil, domain.NewValidationError("source and destination accounts must be different")
	}

	typ := domain.TypeInternal
	if req.Rail == domain.RailMobile {
		typ = domain.TypeMobile
	}
	txn := s.newTransaction(req.TransactionID, req.Amount, req.Currency, req.Description, req.Rail, true)
	txn.Type = typ
	txn.Status = domain.StatusCompleted
	txn.FromAccount = from
	txn.ToAccount = to
	txn.SourceRef = firstNonEmpty(req.SourceRef, from)
	txn.DestinationRef = firstNonEmpty(req.DestinationRef, to)

	return s.apply(ctx, "settle internal transfer", txn, []posting{
		{account: from, delta: req.Amount.Neg()},
		{account: to, delta: req.Amount},
	})
}

// CreditExternal credits only the local destination; the sender is descriptive.
func (s *Service) CreditExternal(ctx context.Context, req ExternalCredit) (*Settlement, error) {
	if err := checkRequest(req.TransactionID, req.Amount); err != nil {
		return nil, err
	}
	to := domain.CompactAccount(req.ToAccount)
	if to == "" {
		return nil, domain.NewValidationError("destination account is required")
	}

	txn := s.newTransaction(req.TransactionID, req.Amount, req.Currency, req.Description, req.Rail, false)
	txn.Type = domain.TypeIncomingExternal
	txn.Status = domain.StatusCompleted
	txn.ToAccount = to
	txn.SourceRef = req.SourceRef
	txn.DestinationRef = firstNonEmpty(req.DestinationRef, to)
	txn.ExternalBankCode = req.BankCode
	txn.SenderInfo = req.SenderInfo
	txn.ReceiverInfo = req.ReceiverInfo

	return s.apply(ctx, "credit external transfer", txn, []posting{
		{account: to, delta: req.Amount},
	})
}

// DebitOutgoing records a pending outgoing transfer and debits the source.
// It must be followed by CompleteOutgoing or ReverseOutgoing.
func (s *Service) DebitOutgoing(ctx context.Context, req OutgoingDebit) (*Settlement, error) {
	if err := checkRequest(req.TransactionID, req.Amount); err != nil {
		return nil, err
	}
	from := domain.CompactAccount(req.FromAccount)
	if from == "" {
		return nil, domain.NewValidationError("source account is required")
	}

	txn := s.newTransaction(req.TransactionID, req.Amount, req.Currency, req.Description, req.Rail, false)
	txn.Type = domain.TypeOutgoingExternal
	txn.Status = domain.StatusPending
	txn.FromAccount = from
	txn.SourceRef = firstNonEmpty(req.SourceRef, from)
	txn.DestinationRef = req.DestinationRef
	txn.ExternalBankCode = req.BankCode
	txn.ReceiverInfo = req.ReceiverInfo

	return s.apply(ctx, "debit outgoing transfer", txn, []posting{
		{account: from, delta: req.Amount.Neg()},
	})
}

// CompleteOutgoing marks a pending outgoing transfer as completed.
// Completing an already completed transfer is a no-op.
func (s *Service) CompleteOutgoing(ctx context.Context, transactionID string) error {
	err := s.store.WithTx(ctx, func(tx Tx) error {
		txn, err := lockPending(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		switch txn.Status {
		case domain.StatusCompleted:
			return nil
		case domain.StatusPending:
			return tx.SetTransactionStatus(ctx, transactionID, domain.StatusCompleted)
		default:
			return fmt.Errorf("transaction %s is %s and cannot be completed", transactionID, txn.Status)
		}
	})
	return domain.Wrap("complete outgoing transfer", err)
}

// ReverseOutgoing re-credits the source of a pending outgoing transfer and
// marks it rejected. Reversing an already rejected transfer is a no-op.
func (s *Service) ReverseOutgoing(ctx context.Context, transactionID string) (*Settlement, error) {
	var settlement *Settlement
	err := s.store.WithTx(ctx, func(tx Tx) error {
		txn, err := lockPending(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if txn.Status == domain.StatusRejected {
			settlement = &Settlement{Transaction: *txn}
			return nil
		}
		if txn.Status != domain.StatusPending {
			return fmt.Errorf("transaction %s is %s and cannot be reversed", transactionID, txn.Status)
		}
		changes, err := s.post(ctx, tx, txn.TransactionID, txn.Currency, []posting{
			{account: txn.FromAccount, delta: txn.Amount},
		})
		if err != nil {
			return err
		}
		if err := tx.SetTransactionStatus(ctx, transactionID, domain.StatusRejected); err != nil {
			return err
		}
		txn.Status = domain.StatusRejected
		settlement = &Settlement{Transaction: *txn, Changes: changes}
		return nil
	})
	if err != nil {
		return nil, domain.Wrap("reverse outgoing transfer", err)
	}
	s.logger.Info("outgoing transfer reversed", "transaction_id", transactionID)
	return settlement, nil
}

func lockPending(ctx context.Context, tx Tx, transactionID string) (*domain.Transaction, error) {
	txn, err := tx.LockTransaction(ctx, transactionID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("transaction %s not found", transactionID)
	}
	if err != nil {
		return nil, err
	}
	if txn.Type != domain.TypeOutgoingExternal {
		return nil, fmt.Errorf("transaction %s is not an outgoing transfer", transactionID)
	}
	return txn, nil
}

func (s *Service) newTransaction(id string, amount decimal.Decimal, currency, description string, rail domain.Rail, local bool) *domain.Transaction {
	if rail == "" {
		rail = domain.RailAccount
	}
	return &domain.Transaction{
		TransactionID: id,
		Amount:        amount,
		Currency:      strings.ToUpper(strings.TrimSpace(currency)),
		Description:   description,
		Rail:          rail,
		Channel:       domain.ChannelFor(rail, local),
		CreatedAt:     s.now().UTC(),
	}
}

// apply inserts the transaction row first so a replayed id fails before any
// balance is touched, then applies the postings in the same transaction.
func (s *Service) apply(ctx context.Context, op string, txn *domain.Transaction, postings []posting) (*Settlement, error) {
	var changes []domain.BalanceChange
	err := s.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		var err error
		changes, err = s.post(ctx, tx, txn.TransactionID, txn.Currency, postings)
		return err
	})
	if err != nil {
		var dup *domain.DuplicateTransactionError
		if errors.As(err, &dup) {
			s.logger.Warn("duplicate transaction rejected", "transaction_id", txn.TransactionID)
		}
		return nil, domain.Wrap(op, err)
	}

	s.logger.Info("transaction settled",
		"transaction_id", txn.TransactionID,
		"type", txn.Type,
		"status", txn.Status,
		"amount", txn.Amount.StringFixed(2),
		"currency", txn.Currency,
	)
	return &Settlement{Transaction: *txn, Changes: changes}, nil
}

// post locks every touched account in sorted order and applies the deltas.
func (s *Service) post(ctx context.Context, tx Tx, transactionID, currency string, postings []posting) ([]domain.BalanceChange, error) {
	numbers := make([]string, len(postings))
	for i, p := range postings {
		numbers[i] = p.account
	}
	accounts, err := tx.LockAccounts(ctx, numbers...)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	changes := make([]domain.BalanceChange, 0, len(postings))
	for _, p := range postings {
		account, ok := accounts[p.account]
		if !ok {
			return nil, &domain.AccountNotFoundError{Identifier: p.account}
		}
		if currency != "" && !strings.EqualFold(account.Currency, currency) {
			return nil, domain.NewValidationError("currency mismatch: account %s holds %s, transfer is %s",
				p.account, account.Currency, currency)
		}

		next := account.Balance.Add(p.delta)
		if next.IsNegative() {
			return nil, &domain.InsufficientFundsError{
				Account:   p.account,
				Available: account.Balance,
				Requested: p.delta.Neg(),
			}
		}
		if err := tx.SetBalance(ctx, p.account, next); err != nil {
			return nil, err
		}
		change := domain.BalanceChange{
			TransactionID:   transactionID,
			AccountNumber:   p.account,
			PreviousBalance: account.Balance,
			NewBalance:      next,
			Delta:           p.delta,
			CreatedAt:       now,
		}
		if err := tx.InsertBalanceChange(ctx, change); err != nil {
			return nil, err
		}
		account.Balance = next
		changes = append(changes, change)
	}
	return changes, nil
}

// GetAccount retrieves an account by account number
func (s *Service) GetAccount(ctx context.Context, accountNumber string) (*domain.Account, error) {
	number := domain.CompactAccount(accountNumber)
	if number == "" {
		return nil, domain.NewValidationError("account number is required")
	}
	account, err := s.store.Account(ctx, number)
	if errors.Is(err, ErrNotFound) {
		return nil, &domain.AccountNotFoundError{Identifier: number}
	}
	if err != nil {
		return nil, domain.Wrap("get account", err)
	}
	return account, nil
}

// GetBalance retrieves the current balance for an account
func (s *Service) GetBalance(ctx context.Context, accountNumber string) (decimal.Decimal, error) {
	account, err := s.GetAccount(ctx, accountNumber)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// ResolvePhone returns the local account linked to phone
func (s *Service) ResolvePhone(ctx context.Context, phone string) (string, error) {
	account, err := s.store.PhoneAccount(ctx, strings.TrimSpace(phone))
	if errors.Is(err, ErrNotFound) {
		return "", &domain.AccountNotFoundError{Identifier: phone}
	}
	if err != nil {
		return "", domain.Wrap("resolve phone", err)
	}
	return account, nil
}

// History lists the latest transactions for an account, newest first
func (s *Service) History(ctx context.Context, accountNumber string, limit int) ([]domain.Transaction, error) {
	account, err := s.GetAccount(ctx, accountNumber)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	txns, err := s.store.Transactions(ctx, account.AccountNumber, limit)
	if err != nil {
		return nil, domain.Wrap("list transactions", err)
	}
	return txns, nil
}

// Transaction looks up a single transaction by id
func (s *Service) Transaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	txn, err := s.store.Transaction(ctx, transactionID)
	if err != nil {
		return nil, domain.Wrap("get transaction", err)
	}
	return txn, nil
}

// Stats summarises activity since the given time
func (s *Service) Stats(ctx context.Context, since time.Time) (Stats, error) {
	st, err := s.store.Stats(ctx, since)
	if err != nil {
		return Stats{}, domain.Wrap("transaction stats", err)
	}
	return st, nil
}

// OpenAccount seeds an account. Provisioning is external to the node; this
// is used for fixtures and embedded deployments.
func (s *Service) OpenAccount(ctx context.Context, account domain.Account) error {
	account.AccountNumber = domain.CompactAccount(account.AccountNumber)
	account.Currency = strings.ToUpper(strings.TrimSpace(account.Currency))
	if account.AccountNumber == "" || account.Currency == "" {
		return domain.NewValidationError("account number and currency are required")
	}
	if account.Balance.IsNegative() {
		return domain.NewValidationError("opening balance cannot be negative")
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = s.now().UTC()
	}
	return domain.Wrap("open account", s.store.CreateAccount(ctx, account))
}

// LinkPhone binds a phone alias to a local account
func (s *Service) LinkPhone(ctx context.Context, phone, accountNumber string) error {
	return domain.Wrap("link phone", s.store.LinkPhone(ctx, domain.PhoneLink{
		PhoneNumber:   strings.TrimSpace(phone),
		AccountNumber: domain.CompactAccount(accountNumber),
	}))
}

func checkRequest(transactionID string, amount decimal.Decimal) error {
	if strings.TrimSpace(transactionID) == "" {
		return domain.NewValidationError("transaction id is required")
	}
	if !amount.IsPositive() {
		return domain.NewValidationError("amount must be positive")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
