package router

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/example/sinpe-node/internal/domain"
)

// Registry is the read-only set of peer bank contacts
type Registry struct {
	contacts []domain.BankContact
}

// contactFile mirrors domain.BankContact but lets "enabled" default to true
// when the file omits it.
type contactFile struct {
	Code           string `json:"code"`
	Name           string `json:"name"`
	NetworkAddress string `json:"network_address"`
	IBANBankCode   string `json:"iban_bank_code_prefix"`
	Enabled        *bool  `json:"enabled"`
}

// LoadRegistry reads a bank contacts JSON file
func LoadRegistry(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bank contacts: %w", err)
	}
	defer f.Close()
	return ParseRegistry(f)
}

// ParseRegistry decodes a JSON array of bank contacts
func ParseRegistry(r io.Reader) (*Registry, error) {
	var entries []contactFile
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode bank contacts: %w", err)
	}

	contacts := make([]domain.BankContact, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		code := strings.TrimSpace(e.Code)
		if code == "" {
			return nil, fmt.Errorf("bank contact %d: code is required", i)
		}
		if seen[code] {
			return nil, fmt.Errorf("bank contact %d: duplicate code %s", i, code)
		}
		seen[code] = true

		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		address := strings.TrimRight(strings.TrimSpace(e.NetworkAddress), "/")
		if enabled && address == "" {
			return nil, fmt.Errorf("bank contact %s: network_address is required", code)
		}
		contacts = append(contacts, domain.BankContact{
			Code:           code,
			Name:           e.Name,
			NetworkAddress: address,
			IBANBankCode:   strings.TrimSpace(e.IBANBankCode),
			Enabled:        enabled,
		})
	}
	return &Registry{contacts: contacts}, nil
}

// NewRegistry builds a registry from contacts already in memory
func NewRegistry(contacts []domain.BankContact) *Registry {
	out := make([]domain.BankContact, len(contacts))
	for i, c := range contacts {
		c.NetworkAddress = strings.TrimRight(c.NetworkAddress, "/")
		out[i] = c
	}
	return &Registry{contacts: out}
}

// All returns every contact in file order
func (r *Registry) All() []domain.BankContact {
	out := make([]domain.BankContact, len(r.contacts))
	copy(out, r.contacts)
	return out
}

// Enabled returns the enabled contacts in file order
func (r *Registry) Enabled() []domain.BankContact {
	var out []domain.BankContact
	for _, c := range r.contacts {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out
}

// ForBankCode finds the enabled contact serving an IBAN bank code. The
// iban_bank_code_prefix is matched first, then the contact code.
func (r *Registry) ForBankCode(code string) (domain.BankContact, bool) {
	for _, c := range r.contacts {
		if c.Enabled && c.IBANBankCode != "" && c.IBANBankCode == code {
			return c, true
		}
	}
	for _, c := range r.contacts {
		if c.Enabled && c.Code == code {
			return c, true
		}
	}
	return domain.BankContact{}, false
}
