package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"

	"github.com/example/sinpe-node/internal/domain"
)

// Seed is the fixture file format used to provision accounts and phone
// links on nodes that have no external core-banking feed.
type Seed struct {
	Accounts []struct {
		AccountNumber string          `json:"account_number"`
		OwnerName     string          `json:"owner_name"`
		Currency      string          `json:"currency"`
		Balance       decimal.Decimal `json:"balance"`
	} `json:"accounts"`
	PhoneLinks []domain.PhoneLink `json:"phone_links"`
}

// SeedResult counts what ApplySeed created
type SeedResult struct {
	Accounts   int
	PhoneLinks int
}

// LoadSeedFile applies the seed file at path.
func (s *Service) LoadSeedFile(ctx context.Context, path string) (SeedResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return SeedResult{}, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return s.ApplySeed(ctx, f)
}

// ApplySeed opens missing accounts and links missing phones. Existing rows
// are left untouched, so the same seed can be applied on every start.
func (s *Service) ApplySeed(ctx context.Context, r io.Reader) (SeedResult, error) {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return SeedResult{}, fmt.Errorf("failed to decode seed: %w", err)
	}

	var res SeedResult
	for _, a := range seed.Accounts {
		_, err := s.GetAccount(ctx, a.AccountNumber)
		if err == nil {
			continue
		}
		var missing *domain.AccountNotFoundError
		if !errors.As(err, &missing) {
			return res, err
		}
		if err := s.OpenAccount(ctx, domain.Account{
			AccountNumber: a.AccountNumber,
			OwnerName:     a.OwnerName,
			Currency:      a.Currency,
			Balance:       a.Balance,
		}); err != nil {
			return res, err
		}
		res.Accounts++
	}

	for _, l := range seed.PhoneLinks {
		_, err := s.ResolvePhone(ctx, l.PhoneNumber)
		if err == nil {
			continue
		}
		var missing *domain.AccountNotFoundError
		if !errors.As(err, &missing) {
			return res, err
		}
		if _, err := s.GetAccount(ctx, l.AccountNumber); err != nil {
			return res, fmt.Errorf("phone %s: %w", l.PhoneNumber, err)
		}
		if err := s.LinkPhone(ctx, l.PhoneNumber, l.AccountNumber); err != nil {
			return res, err
		}
		res.PhoneLinks++
	}

	s.logger.Info("ledger seed applied", "accounts", res.Accounts, "phone_links", res.PhoneLinks)
	return res, nil
}
