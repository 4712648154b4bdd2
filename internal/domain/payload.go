package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Rail identifies how a transfer is addressed on the network
type Rail string

const (
	RailAccount Rail = "account"
	RailMobile  Rail = "mobile"
)

// Party describes one side of a transfer message. Account-rail messages carry
// account_number/bank_code/name, mobile-rail messages carry phone_number.
type Party struct {
	AccountNumber string `json:"account_number,omitempty"`
	BankCode      string `json:"bank_code,omitempty"`
	Name          string `json:"name,omitempty"`
	PhoneNumber   string `json:"phone_number,omitempty"`
}

// Amount is the {value, currency} descriptor. Value accepts JSON numbers and
// numeric strings.
type Amount struct {
	Value    decimal.NullDecimal `json:"value"`
	Currency string              `json:"currency"`
}

// Payload is the interbank transfer message exchanged between nodes
type Payload struct {
	Version       string  `json:"version"`
	Timestamp     string  `json:"timestamp"`
	TransactionID string  `json:"transaction_id"`
	Sender        *Party  `json:"sender"`
	Receiver      *Party  `json:"receiver"`
	Amount        *Amount `json:"amount"`
	Description   string  `json:"description"`
	Signature     string  `json:"hmac_md5"`
}

// ProtocolVersion is the message version this node emits.
const ProtocolVersion = "1.0"

// Identifier returns the field that is bound into the message signature:
// the sender account on the account rail, the receiver phone on the mobile rail.
// The value is used exactly as it appears on the wire.
func (p *Payload) Identifier(rail Rail) string {
	switch rail {
	case RailMobile:
		if p.Receiver == nil {
			return ""
		}
		return p.Receiver.PhoneNumber
	default:
		if p.Sender == nil {
			return ""
		}
		return p.Sender.AccountNumber
	}
}

// Value returns the amount value, or zero when absent.
func (p *Payload) Value() decimal.Decimal {
	if p.Amount == nil || !p.Amount.Value.Valid {
		return decimal.Zero
	}
	return p.Amount.Value.Decimal
}

// Currency returns the upper-cased currency code.
func (p *Payload) Currency() string {
	if p.Amount == nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(p.Amount.Currency))
}

// CompactAccount strips the dash/space grouping used when IBANs are displayed.
func CompactAccount(account string) string {
	r := strings.NewReplacer("-", "", " ", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(account)))
}
