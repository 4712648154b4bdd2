package ledger

import (
	"embed"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/example/sinpe-node/internal/domain"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

func migration(dialect string) (string, error) {
	b, err := migrationFS.ReadFile("migrations/" + dialect + ".sql")
	if err != nil {
		return "", fmt.Errorf("failed to read %s schema: %w", dialect, err)
	}
	return string(b), nil
}

// OpeningTransactionID is the balance change id used for seeded balances.
func OpeningTransactionID(accountNumber string) string {
	return "opening:" + accountNumber
}

func openingChange(account domain.Account) domain.BalanceChange {
	return domain.BalanceChange{
		TransactionID:   OpeningTransactionID(account.AccountNumber),
		AccountNumber:   account.AccountNumber,
		PreviousBalance: decimal.Zero,
		NewBalance:      account.Balance,
		Delta:           account.Balance,
		CreatedAt:       account.CreatedAt,
	}
}
