package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/sinpe-node/internal/domain"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Stats summarises transaction outcomes over a window
type Stats struct {
	Total     int             `json:"total_transactions"`
	Completed int             `json:"completed_transactions"`
	Failed    int             `json:"failed_transactions"`
	Pending   int             `json:"pending_transactions"`
	Volume    decimal.Decimal `json:"total_amount"`
}

// Store is the persistence contract shared by the PostgreSQL and SQLite
// backends.
type Store interface {
	// WithTx runs fn in one serialized write transaction. Serialization
	// failures are retried; any error returned by fn rolls back every write.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Account(ctx context.Context, accountNumber string) (*domain.Account, error)
	PhoneAccount(ctx context.Context, phone string) (string, error)
	Transaction(ctx context.Context, transactionID string) (*domain.Transaction, error)
	Transactions(ctx context.Context, accountNumber string, limit int) ([]domain.Transaction, error)
	BalanceChanges(ctx context.Context, accountNumber string) ([]domain.BalanceChange, error)
	Stats(ctx context.Context, since time.Time) (Stats, error)

	CreateAccount(ctx context.Context, account domain.Account) error
	LinkPhone(ctx context.Context, link domain.PhoneLink) error

	RecentCount(ctx context.Context, sourceRef string, since time.Time) (int, error)
	CompletedVolume(ctx context.Context, sourceRef string, channel domain.Channel, since time.Time) (decimal.Decimal, error)
	ReceivedCount(ctx context.Context, destinationRef string, since time.Time) (int, error)
	ActivitySince(ctx context.Context, since time.Time) ([]domain.AccountActivity, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// Tx is the write side available inside Store.WithTx.
type Tx interface {
	// InsertTransaction returns *domain.DuplicateTransactionError when the id exists.
	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	// LockAccounts locks the given accounts in sorted order. Unknown accounts
	// are absent from the result.
	LockAccounts(ctx context.Context, accountNumbers ...string) (map[string]*domain.Account, error)
	SetBalance(ctx context.Context, accountNumber string, balance decimal.Decimal) error
	InsertBalanceChange(ctx context.Context, c domain.BalanceChange) error
	// LockTransaction loads a transaction for update.
	LockTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error)
	SetTransactionStatus(ctx context.Context, transactionID string, status domain.TransactionStatus) error
}

// maxTxAttempts bounds replays of a transaction that lost a serialization race
const maxTxAttempts = 3

func backoff(attempt int) time.Duration {
	return time.Duration(attempt+1) * 10 * time.Millisecond
}
