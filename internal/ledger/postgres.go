package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/example/sinpe-node/internal/domain"
)

// PostgreSQL error codes
const (
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"
)

// PostgresStore is the production ledger backend
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

const pgTransactionColumns = `
	transaction_id, COALESCE(from_account, ''), COALESCE(to_account, ''), amount::text, currency,
	status, transaction_type, rail, channel, source_ref, destination_ref,
	external_bank_code, sender_info, receiver_info, description, created_at`

// WithTx runs fn at SERIALIZABLE isolation, replaying it on serialization failures.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgSerializationFailure {
			if attempt == maxTxAttempts-1 {
				return fmt.Errorf("failed after %d retries due to serialization failure: %w", maxTxAttempts, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
			continue
		}
		return err
	}
	return nil
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := s.Pool.Acquire(queryCtx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(queryCtx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (
			transaction_id, from_account, to_account, amount, currency, status,
			transaction_type, rail, channel, source_ref, destination_ref,
			external_bank_code, sender_info, receiver_info, description, created_at
		) VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, txn.TransactionID, txn.FromAccount, txn.ToAccount, txn.Amount.String(), txn.Currency, string(txn.Status),
		string(txn.Type), string(txn.Rail), string(txn.Channel), txn.SourceRef, txn.DestinationRef,
		txn.ExternalBankCode, txn.SenderInfo, txn.ReceiverInfo, txn.Description, txn.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return &domain.DuplicateTransactionError{TransactionID: txn.TransactionID}
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (t *pgTx) LockAccounts(ctx context.Context, accountNumbers ...string) (map[string]*domain.Account, error) {
	locked := make(map[string]*domain.Account, len(accountNumbers))
	for _, number := range sortedUnique(accountNumbers) {
		account, err := scanPgAccount(t.tx.QueryRow(ctx, `
			SELECT account_number, owner_name, currency, balance::text, created_at
			FROM accounts
			WHERE account_number = $1
			FOR UPDATE
		`, number))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock account %s: %w", number, err)
		}
		locked[number] = account
	}
	return locked, nil
}

func (t *pgTx) SetBalance(ctx context.Context, accountNumber string, balance decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE accounts SET balance = $2::numeric WHERE account_number = $1`,
		accountNumber, balance.String())
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (t *pgTx) InsertBalanceChange(ctx context.Context, c domain.BalanceChange) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO balance_changes (transaction_id, account_number, previous_balance, new_balance, delta, created_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6)
	`, c.TransactionID, c.AccountNumber, c.PreviousBalance.String(), c.NewBalance.String(), c.Delta.String(), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert balance change: %w", err)
	}
	return nil
}

func (t *pgTx) LockTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return scanPgTransaction(t.tx.QueryRow(ctx,
		`SELECT `+pgTransactionColumns+` FROM transactions WHERE transaction_id = $1 FOR UPDATE`, transactionID))
}

func (t *pgTx) SetTransactionStatus(ctx context.Context, transactionID string, status domain.TransactionStatus) error {
	_, err := t.tx.Exec(ctx, `UPDATE transactions SET status = $2 WHERE transaction_id = $1`, transactionID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	return nil
}

// Account retrieves an account by number
func (s *PostgresStore) Account(ctx context.Context, accountNumber string) (*domain.Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return scanPgAccount(s.Pool.QueryRow(queryCtx, `
		SELECT account_number, owner_name, currency, balance::text, created_at
		FROM accounts
		WHERE account_number = $1
	`, accountNumber))
}

// PhoneAccount resolves a phone alias to its local account
func (s *PostgresStore) PhoneAccount(ctx context.Context, phone string) (string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var account string
	err := s.Pool.QueryRow(queryCtx, `SELECT account_number FROM phone_links WHERE phone_number = $1`, phone).Scan(&account)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve phone: %w", err)
	}
	return account, nil
}

func (s *PostgresStore) Transaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return scanPgTransaction(s.Pool.QueryRow(queryCtx,
		`SELECT `+pgTransactionColumns+` FROM transactions WHERE transaction_id = $1`, transactionID))
}

// Transactions lists the most recent transactions touching an account
func (s *PostgresStore) Transactions(ctx context.Context, accountNumber string, limit int) ([]domain.Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `SELECT `+pgTransactionColumns+`
		FROM transactions
		WHERE from_account = $1 OR to_account = $1
		ORDER BY created_at DESC, transaction_id
		LIMIT $2
	`, accountNumber, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		txn, err := scanPgTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *txn)
	}
	return out, rows.Err()
}

// BalanceChanges returns an account's balance audit trail in write order
func (s *PostgresStore) BalanceChanges(ctx context.Context, accountNumber string) ([]domain.BalanceChange, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `
		SELECT transaction_id, account_number, previous_balance::text, new_balance::text, delta::text, created_at
		FROM balance_changes
		WHERE account_number = $1
		ORDER BY id ASC
	`, accountNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance changes: %w", err)
	}
	defer rows.Close()

	var out []domain.BalanceChange
	for rows.Next() {
		var c domain.BalanceChange
		var prev, next, delta string
		if err := rows.Scan(&c.TransactionID, &c.AccountNumber, &prev, &next, &delta, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance change: %w", err)
		}
		if c.PreviousBalance, err = decimal.NewFromString(prev); err != nil {
			return nil, err
		}
		if c.NewBalance, err = decimal.NewFromString(next); err != nil {
			return nil, err
		}
		if c.Delta, err = decimal.NewFromString(delta); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Stats counts transactions by outcome since the given time
func (s *PostgresStore) Stats(ctx context.Context, since time.Time) (Stats, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var st Stats
	var volume string
	err := s.Pool.QueryRow(queryCtx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'rejected'),
			count(*) FILTER (WHERE status = 'pending'),
			COALESCE(sum(amount), 0)::text
		FROM transactions
		WHERE created_at >= $1
	`, since).Scan(&st.Total, &st.Completed, &st.Failed, &st.Pending, &volume)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	st.Volume, err = decimal.NewFromString(volume)
	return st, err
}

// CreateAccount inserts an account. A non-zero opening balance is recorded
// as a balance change so the integrity check can replay it.
func (s *PostgresStore) CreateAccount(ctx context.Context, account domain.Account) error {
	return s.WithTx(ctx, func(tx Tx) error {
		t := tx.(*pgTx)
		_, err := t.tx.Exec(ctx, `
			INSERT INTO accounts (account_number, owner_name, currency, balance, created_at)
			VALUES ($1, $2, $3, $4::numeric, $5)
		`, account.AccountNumber, account.OwnerName, account.Currency, account.Balance.String(), account.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert account: %w", err)
		}
		if account.Balance.IsZero() {
			return nil
		}
		return tx.InsertBalanceChange(ctx, openingChange(account))
	})
}

// LinkPhone binds a phone alias to an account
func (s *PostgresStore) LinkPhone(ctx context.Context, link domain.PhoneLink) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.Pool.Exec(queryCtx, `INSERT INTO phone_links (phone_number, account_number) VALUES ($1, $2)`,
		link.PhoneNumber, link.AccountNumber)
	if err != nil {
		return fmt.Errorf("failed to link phone: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentCount(ctx context.Context, sourceRef string, since time.Time) (int, error) {
	return s.count(ctx, `SELECT count(*) FROM transactions WHERE source_ref = $1 AND created_at >= $2`, sourceRef, since)
}

func (s *PostgresStore) ReceivedCount(ctx context.Context, destinationRef string, since time.Time) (int, error) {
	return s.count(ctx, `
		SELECT count(*) FROM transactions
		WHERE destination_ref = $1 AND status = 'completed' AND created_at >= $2
	`, destinationRef, since)
}

func (s *PostgresStore) count(ctx context.Context, query string, args ...any) (int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var n int
	if err := s.Pool.QueryRow(queryCtx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CompletedVolume(ctx context.Context, sourceRef string, channel domain.Channel, since time.Time) (decimal.Decimal, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var total string
	err := s.Pool.QueryRow(queryCtx, `
		SELECT COALESCE(sum(amount), 0)::text FROM transactions
		WHERE source_ref = $1 AND channel = $2 AND status = 'completed' AND created_at >= $3
	`, sourceRef, string(channel), since).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return decimal.NewFromString(total)
}

func (s *PostgresStore) ActivitySince(ctx context.Context, since time.Time) ([]domain.AccountActivity, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `
		SELECT source_ref, count(*), COALESCE(sum(amount), 0)::text
		FROM transactions
		WHERE created_at >= $1 AND source_ref <> ''
		GROUP BY source_ref
		ORDER BY source_ref
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var out []domain.AccountActivity
	for rows.Next() {
		var a domain.AccountActivity
		var total string
		if err := rows.Scan(&a.SourceRef, &a.Count, &total); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		if a.Total, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Migrate applies the embedded schema
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema, err := migration("postgres")
	if err != nil {
		return err
	}
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Close closes the PostgreSQL pool
func (s *PostgresStore) Close() {
	s.Pool.Close()
}

func scanPgAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	var balance string
	err := row.Scan(&a.AccountNumber, &a.OwnerName, &a.Currency, &balance, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("failed to parse balance: %w", err)
	}
	return &a, nil
}

func scanPgTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var amount, status, typ, rail, channel string
	err := row.Scan(&t.TransactionID, &t.FromAccount, &t.ToAccount, &amount, &t.Currency,
		&status, &typ, &rail, &channel, &t.SourceRef, &t.DestinationRef,
		&t.ExternalBankCode, &t.SenderInfo, &t.ReceiverInfo, &t.Description, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount: %w", err)
	}
	t.Status = domain.TransactionStatus(status)
	t.Type = domain.TransactionType(typ)
	t.Rail = domain.Rail(rail)
	t.Channel = domain.Channel(channel)
	return &t, nil
}

func sortedUnique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
