package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/example/sinpe-node/internal/domain"
)

// sqliteTime is fixed width so stored timestamps compare lexically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is the embedded ledger backend. Writes are serialized on a
// single connection with BEGIN IMMEDIATE.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite ledger. path may be ":memory:".
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(sqliteTime, v)
}

const sqliteTransactionColumns = `
	transaction_id, COALESCE(from_account, ''), COALESCE(to_account, ''), amount, currency,
	status, transaction_type, rail, channel, source_ref, destination_ref,
	external_bank_code, sender_info, receiver_info, description, created_at`

// WithTx runs fn inside BEGIN IMMEDIATE.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func (t *sqliteTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (
			transaction_id, from_account, to_account, amount, currency, status,
			transaction_type, rail, channel, source_ref, destination_ref,
			external_bank_code, sender_info, receiver_info, description, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, txn.TransactionID, nullable(txn.FromAccount), nullable(txn.ToAccount), txn.Amount.StringFixed(2), txn.Currency,
		string(txn.Status), string(txn.Type), string(txn.Rail), string(txn.Channel), txn.SourceRef, txn.DestinationRef,
		txn.ExternalBankCode, txn.SenderInfo, txn.ReceiverInfo, txn.Description, formatTime(txn.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.DuplicateTransactionError{TransactionID: txn.TransactionID}
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (t *sqliteTx) LockAccounts(ctx context.Context, accountNumbers ...string) (map[string]*domain.Account, error) {
	locked := make(map[string]*domain.Account, len(accountNumbers))
	for _, number := range sortedUnique(accountNumbers) {
		account, err := scanSQLiteAccount(t.tx.QueryRowContext(ctx, `
			SELECT account_number, owner_name, currency, balance, created_at
			FROM accounts WHERE account_number = ?
		`, number))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load account %s: %w", number, err)
		}
		locked[number] = account
	}
	return locked, nil
}

func (t *sqliteTx) SetBalance(ctx context.Context, accountNumber string, balance decimal.Decimal) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE account_number = ?`,
		balance.StringFixed(2), accountNumber)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (t *sqliteTx) InsertBalanceChange(ctx context.Context, c domain.BalanceChange) error {
	return insertSQLiteBalanceChange(ctx, t.tx, c)
}

func insertSQLiteBalanceChange(ctx context.Context, tx *sql.Tx, c domain.BalanceChange) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balance_changes (transaction_id, account_number, previous_balance, new_balance, delta, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.TransactionID, c.AccountNumber, c.PreviousBalance.StringFixed(2), c.NewBalance.StringFixed(2),
		c.Delta.StringFixed(2), formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert balance change: %w", err)
	}
	return nil
}

func (t *sqliteTx) LockTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return scanSQLiteTransaction(t.tx.QueryRowContext(ctx,
		`SELECT `+sqliteTransactionColumns+` FROM transactions WHERE transaction_id = ?`, transactionID))
}

func (t *sqliteTx) SetTransactionStatus(ctx context.Context, transactionID string, status domain.TransactionStatus) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE transactions SET status = ? WHERE transaction_id = ?`, string(status), transactionID)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Account(ctx context.Context, accountNumber string) (*domain.Account, error) {
	return scanSQLiteAccount(s.db.QueryRowContext(ctx, `
		SELECT account_number, owner_name, currency, balance, created_at
		FROM accounts WHERE account_number = ?
	`, accountNumber))
}

func (s *SQLiteStore) PhoneAccount(ctx context.Context, phone string) (string, error) {
	var account string
	err := s.db.QueryRowContext(ctx, `SELECT account_number FROM phone_links WHERE phone_number = ?`, phone).Scan(&account)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve phone: %w", err)
	}
	return account, nil
}

func (s *SQLiteStore) Transaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return scanSQLiteTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTransactionColumns+` FROM transactions WHERE transaction_id = ?`, transactionID))
}

func (s *SQLiteStore) Transactions(ctx context.Context, accountNumber string, limit int) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteTransactionColumns+`
		FROM transactions
		WHERE from_account = ? OR to_account = ?
		ORDER BY created_at DESC, transaction_id
		LIMIT ?
	`, accountNumber, accountNumber, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		txn, err := scanSQLiteTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *txn)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) BalanceChanges(ctx context.Context, accountNumber string) ([]domain.BalanceChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, account_number, previous_balance, new_balance, delta, created_at
		FROM balance_changes
		WHERE account_number = ?
		ORDER BY id ASC
	`, accountNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance changes: %w", err)
	}
	defer rows.Close()

	var out []domain.BalanceChange
	for rows.Next() {
		var c domain.BalanceChange
		var created string
		if err := rows.Scan(&c.TransactionID, &c.AccountNumber, &c.PreviousBalance, &c.NewBalance, &c.Delta, &created); err != nil {
			return nil, fmt.Errorf("failed to scan balance change: %w", err)
		}
		if c.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Stats sums in Go; SQLite stores amounts as text.
func (s *SQLiteStore) Stats(ctx context.Context, since time.Time) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, amount FROM transactions WHERE created_at >= ?`, formatTime(since))
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	st := Stats{Volume: decimal.Zero}
	for rows.Next() {
		var status string
		var amount decimal.Decimal
		if err := rows.Scan(&status, &amount); err != nil {
			return Stats{}, fmt.Errorf("failed to scan stats: %w", err)
		}
		st.Total++
		st.Volume = st.Volume.Add(amount)
		switch domain.TransactionStatus(status) {
		case domain.StatusCompleted:
			st.Completed++
		case domain.StatusRejected:
			st.Failed++
		case domain.StatusPending:
			st.Pending++
		}
	}
	return st, rows.Err()
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, account domain.Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (account_number, owner_name, currency, balance, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, account.AccountNumber, account.OwnerName, account.Currency, account.Balance.StringFixed(2), formatTime(account.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	if !account.Balance.IsZero() {
		if err := insertSQLiteBalanceChange(ctx, tx, openingChange(account)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LinkPhone(ctx context.Context, link domain.PhoneLink) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO phone_links (phone_number, account_number) VALUES (?, ?)`,
		link.PhoneNumber, link.AccountNumber)
	if err != nil {
		return fmt.Errorf("failed to link phone: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentCount(ctx context.Context, sourceRef string, since time.Time) (int, error) {
	return s.count(ctx, `SELECT count(*) FROM transactions WHERE source_ref = ? AND created_at >= ?`,
		sourceRef, formatTime(since))
}

func (s *SQLiteStore) ReceivedCount(ctx context.Context, destinationRef string, since time.Time) (int, error) {
	return s.count(ctx, `
		SELECT count(*) FROM transactions
		WHERE destination_ref = ? AND status = 'completed' AND created_at >= ?
	`, destinationRef, formatTime(since))
}

func (s *SQLiteStore) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CompletedVolume(ctx context.Context, sourceRef string, channel domain.Channel, since time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT amount FROM transactions
		WHERE source_ref = ? AND channel = ? AND status = 'completed' AND created_at >= ?
	`, sourceRef, string(channel), formatTime(since))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum transactions: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan amount: %w", err)
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

func (s *SQLiteStore) ActivitySince(ctx context.Context, since time.Time) ([]domain.AccountActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_ref, amount FROM transactions
		WHERE created_at >= ? AND source_ref <> ''
		ORDER BY source_ref
	`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var out []domain.AccountActivity
	for rows.Next() {
		var ref string
		var amount decimal.Decimal
		if err := rows.Scan(&ref, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		if n := len(out); n == 0 || out[n-1].SourceRef != ref {
			out = append(out, domain.AccountActivity{SourceRef: ref, Total: decimal.Zero})
		}
		last := &out[len(out)-1]
		last.Count++
		last.Total = last.Total.Add(amount)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema, err := migration("sqlite")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	var created string
	err := row.Scan(&a.AccountNumber, &a.OwnerName, &a.Currency, &a.Balance, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanSQLiteTransaction(row rowScanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var status, typ, rail, channel, created string
	err := row.Scan(&t.TransactionID, &t.FromAccount, &t.ToAccount, &t.Amount, &t.Currency,
		&status, &typ, &rail, &channel, &t.SourceRef, &t.DestinationRef,
		&t.ExternalBankCode, &t.SenderInfo, &t.ReceiverInfo, &t.Description, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	t.Status = domain.TransactionStatus(status)
	t.Type = domain.TransactionType(typ)
	t.Rail = domain.Rail(rail)
	t.Channel = domain.Channel(channel)
	return &t, nil
}
