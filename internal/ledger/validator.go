package ledger

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/sinpe-node/internal/domain"
)

// ValidationResult represents the result of a single integrity check
type ValidationResult struct {
	IsValid        bool                   `json:"is_valid"`
	ValidationType string                 `json:"validation_type"`
	Message        string                 `json:"message"`
	AccountNumber  string                 `json:"account_number,omitempty"`
	TransactionID  string                 `json:"transaction_id,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// IntegrityReport compares the stored balance with the audit trail
type IntegrityReport struct {
	AccountNumber   string              `json:"account_number"`
	StoredBalance   decimal.Decimal     `json:"stored_balance"`
	ReplayedBalance decimal.Decimal     `json:"replayed_balance"`
	Changes         int                 `json:"balance_changes"`
	Consistent      bool                `json:"consistent"`
	Results         []*ValidationResult `json:"results"`
	CheckedAt       time.Time           `json:"checked_at"`
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// CheckIntegrity replays an account's balance changes and verifies they
// reproduce the stored balance.
func (s *Service) CheckIntegrity(ctx context.Context, accountNumber string) (*IntegrityReport, error) {
	account, err := s.GetAccount(ctx, accountNumber)
	if err != nil {
		return nil, err
	}
	changes, err := s.store.BalanceChanges(ctx, account.AccountNumber)
	if err != nil {
		return nil, domain.Wrap("load balance changes", err)
	}

	now := s.now().UTC()
	report := &IntegrityReport{
		AccountNumber:   account.AccountNumber,
		StoredBalance:   account.Balance,
		ReplayedBalance: decimal.Zero,
		Changes:         len(changes),
		CheckedAt:       now,
	}
	for _, c := range changes {
		report.ReplayedBalance = report.ReplayedBalance.Add(c.Delta)
	}

	report.Results = []*ValidationResult{
		checkCurrencyCode(account, now),
		checkBalanceConsistency(account, report.ReplayedBalance, now),
		checkChangeChain(account, changes, now),
		checkNonNegative(account, changes, now),
	}
	report.Consistent = true
	for _, r := range report.Results {
		if !r.IsValid {
			report.Consistent = false
			s.logger.Warn("ledger integrity check failed",
				"account", account.AccountNumber,
				"check", r.ValidationType,
				"message", r.Message,
			)
		}
	}
	return report, nil
}

func checkCurrencyCode(account *domain.Account, now time.Time) *ValidationResult {
	ok := currencyPattern.MatchString(account.Currency)
	msg := fmt.Sprintf("currency code %s is valid", account.Currency)
	if !ok {
		msg = fmt.Sprintf("invalid currency code '%s'", account.Currency)
	}
	return &ValidationResult{
		IsValid:        ok,
		ValidationType: "currency_code",
		Message:        msg,
		AccountNumber:  account.AccountNumber,
		Timestamp:      now,
	}
}

func checkBalanceConsistency(account *domain.Account, replayed decimal.Decimal, now time.Time) *ValidationResult {
	details := map[string]interface{}{
		"actual_balance":   account.Balance.StringFixed(2),
		"expected_balance": replayed.StringFixed(2),
	}
	if !account.Balance.Equal(replayed) {
		details["difference"] = account.Balance.Sub(replayed).StringFixed(2)
		return &ValidationResult{
			IsValid:        false,
			ValidationType: "balance_consistency",
			Message: fmt.Sprintf("balance inconsistency: actual (%s) != expected (%s)",
				account.Balance.StringFixed(2), replayed.StringFixed(2)),
			AccountNumber: account.AccountNumber,
			Timestamp:     now,
			Details:       details,
		}
	}
	return &ValidationResult{
		IsValid:        true,
		ValidationType: "balance_consistency",
		Message:        fmt.Sprintf("balance is consistent: %s", account.Balance.StringFixed(2)),
		AccountNumber:  account.AccountNumber,
		Timestamp:      now,
		Details:        details,
	}
}

// checkChangeChain verifies every change starts where the previous one ended
// and that new = previous + delta.
func checkChangeChain(account *domain.Account, changes []domain.BalanceChange, now time.Time) *ValidationResult {
	running := decimal.Zero
	for _, c := range changes {
		if !c.PreviousBalance.Equal(running) || !c.PreviousBalance.Add(c.Delta).Equal(c.NewBalance) {
			return &ValidationResult{
				IsValid:        false,
				ValidationType: "change_chain",
				Message:        fmt.Sprintf("balance change for %s does not continue the chain", c.TransactionID),
				AccountNumber:  account.AccountNumber,
				TransactionID:  c.TransactionID,
				Timestamp:      now,
				Details: map[string]interface{}{
					"expected_previous": running.StringFixed(2),
					"previous_balance":  c.PreviousBalance.StringFixed(2),
					"delta":             c.Delta.StringFixed(2),
					"new_balance":       c.NewBalance.StringFixed(2),
				},
			}
		}
		running = c.NewBalance
	}
	return &ValidationResult{
		IsValid:        true,
		ValidationType: "change_chain",
		Message:        fmt.Sprintf("%d balance changes form a continuous chain", len(changes)),
		AccountNumber:  account.AccountNumber,
		Timestamp:      now,
	}
}

func checkNonNegative(account *domain.Account, changes []domain.BalanceChange, now time.Time) *ValidationResult {
	if account.Balance.IsNegative() {
		return &ValidationResult{
			IsValid:        false,
			ValidationType: "overdraft_prevention",
			Message:        "stored balance is negative",
			AccountNumber:  account.AccountNumber,
			Timestamp:      now,
		}
	}
	for _, c := range changes {
		if c.NewBalance.IsNegative() {
			return &ValidationResult{
				IsValid:        false,
				ValidationType: "overdraft_prevention",
				Message:        fmt.Sprintf("balance went negative in %s", c.TransactionID),
				AccountNumber:  account.AccountNumber,
				TransactionID:  c.TransactionID,
				Timestamp:      now,
			}
		}
	}
	return &ValidationResult{
		IsValid:        true,
		ValidationType: "overdraft_prevention",
		Message:        "balance never went negative",
		AccountNumber:  account.AccountNumber,
		Timestamp:      now,
	}
}
