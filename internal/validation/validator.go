package validation

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/sinpe-node/internal/domain"
)

// Limits holds the tunable checks applied to every payload.
type Limits struct {
	AccountRailMax decimal.Decimal
	MobileRailMax  decimal.Decimal
	Currencies     []string
	MaxAge         time.Duration
	MaxFutureSkew  time.Duration
}

// DefaultLimits returns the network defaults
func DefaultLimits() Limits {
	return Limits{
		AccountRailMax: decimal.NewFromInt(10_000_000),
		MobileRailMax:  decimal.NewFromInt(1_000_000),
		Currencies:     []string{"CRC", "USD"},
		MaxAge:         60 * time.Minute,
		MaxFutureSkew:  5 * time.Minute,
	}
}

// Validator checks transfer payloads and stops at the first failed rule.
type Validator struct {
	limits Limits
	now    func() time.Time
}

// Option configures a Validator
type Option func(*Validator)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// New creates a validator with the given limits.
func New(limits Limits, opts ...Option) *Validator {
	v := &Validator{limits: limits, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate returns nil or a *domain.ValidationError describing the first
// violated rule.
func (v *Validator) Validate(p *domain.Payload, rail domain.Rail) error {
	if p == nil {
		return domain.NewValidationError("empty payload")
	}
	checks := []func(*domain.Payload, domain.Rail) error{
		v.checkRequired,
		v.checkParties,
		v.checkTransactionID,
		v.checkAmount,
		v.checkCurrency,
		v.checkTimestamp,
		v.checkIdentifiers,
	}
	for _, check := range checks {
		if err := check(p, rail); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkRequired(p *domain.Payload, _ domain.Rail) error {
	fields := []struct {
		name    string
		present bool
	}{
		{"version", strings.TrimSpace(p.Version) != ""},
		{"timestamp", strings.TrimSpace(p.Timestamp) != ""},
		{"transaction_id", strings.TrimSpace(p.TransactionID) != ""},
		{"sender", p.Sender != nil},
		{"receiver", p.Receiver != nil},
		{"amount", p.Amount != nil},
		{"amount.value", p.Amount != nil && p.Amount.Value.Valid},
		{"amount.currency", p.Amount != nil && strings.TrimSpace(p.Amount.Currency) != ""},
		{"description", strings.TrimSpace(p.Description) != ""},
		{"hmac_md5", strings.TrimSpace(p.Signature) != ""},
	}
	for _, f := range fields {
		if !f.present {
			return domain.NewValidationError("missing required field: %s", f.name)
		}
	}
	return nil
}

func (v *Validator) checkParties(p *domain.Payload, rail domain.Rail) error {
	switch rail {
	case domain.RailMobile:
		if strings.TrimSpace(p.Sender.PhoneNumber) == "" {
			return domain.NewValidationError("missing required field: sender.phone_number")
		}
		if strings.TrimSpace(p.Receiver.PhoneNumber) == "" {
			return domain.NewValidationError("missing required field: receiver.phone_number")
		}
		if strings.TrimSpace(p.Sender.PhoneNumber) == strings.TrimSpace(p.Receiver.PhoneNumber) {
			return domain.NewValidationError("sender and receiver phone numbers must differ")
		}
	case domain.RailAccount:
		if err := requireAccountParty("sender", p.Sender); err != nil {
			return err
		}
		if err := requireAccountParty("receiver", p.Receiver); err != nil {
			return err
		}
	default:
		return domain.NewValidationError("unknown rail %q", rail)
	}
	return nil
}

func requireAccountParty(side string, party *domain.Party) error {
	if strings.TrimSpace(party.AccountNumber) == "" {
		return domain.NewValidationError("missing required field: %s.account_number", side)
	}
	if strings.TrimSpace(party.BankCode) == "" {
		return domain.NewValidationError("missing required field: %s.bank_code", side)
	}
	if strings.TrimSpace(party.Name) == "" {
		return domain.NewValidationError("missing required field: %s.name", side)
	}
	return nil
}

func (v *Validator) checkTransactionID(p *domain.Payload, _ domain.Rail) error {
	if _, err := uuid.Parse(p.TransactionID); err != nil {
		return domain.NewValidationError("transaction_id must be a UUID")
	}
	return nil
}

func (v *Validator) checkAmount(p *domain.Payload, rail domain.Rail) error {
	amount := p.Value()
	if !amount.IsPositive() {
		return domain.NewValidationError("amount must be greater than zero")
	}
	if !amount.Equal(amount.Round(2)) {
		return domain.NewValidationError("amount must have at most two decimal places")
	}
	ceiling := v.limits.AccountRailMax
	if rail == domain.RailMobile {
		ceiling = v.limits.MobileRailMax
	}
	if ceiling.IsPositive() && amount.GreaterThan(ceiling) {
		return domain.NewValidationError("amount exceeds %s rail limit of %s", rail, ceiling.StringFixed(2))
	}
	return nil
}

func (v *Validator) checkCurrency(p *domain.Payload, _ domain.Rail) error {
	currency := p.Currency()
	for _, allowed := range v.limits.Currencies {
		if strings.EqualFold(allowed, currency) {
			return nil
		}
	}
	return domain.NewValidationError("unsupported currency %q", currency)
}

func (v *Validator) checkTimestamp(p *domain.Payload, _ domain.Rail) error {
	ts, err := ParseTimestamp(p.Timestamp)
	if err != nil {
		return domain.NewValidationError("timestamp must be ISO 8601")
	}
	now := v.now()
	if v.limits.MaxAge > 0 && now.Sub(ts) > v.limits.MaxAge {
		return domain.NewValidationError("timestamp is older than %s", v.limits.MaxAge)
	}
	if ts.Sub(now) > v.limits.MaxFutureSkew {
		return domain.NewValidationError("timestamp is in the future")
	}
	return nil
}

func (v *Validator) checkIdentifiers(p *domain.Payload, rail domain.Rail) error {
	if rail == domain.RailMobile {
		if !ValidPhone(p.Sender.PhoneNumber) {
			return domain.NewValidationError("invalid sender phone number")
		}
		if !ValidPhone(p.Receiver.PhoneNumber) {
			return domain.NewValidationError("invalid receiver phone number")
		}
		return nil
	}
	if !ValidIBAN(p.Sender.AccountNumber) {
		return domain.NewValidationError("invalid sender IBAN")
	}
	if !ValidIBAN(p.Receiver.AccountNumber) {
		return domain.NewValidationError("invalid receiver IBAN")
	}
	return nil
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts RFC 3339 or an ISO 8601 date-time without an
// offset, which is read as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err == nil {
		return ts, nil
	}
	for _, layout := range naiveLayouts {
		if naive, perr := time.ParseInLocation(layout, raw, time.UTC); perr == nil {
			return naive, nil
		}
	}
	return time.Time{}, err
}
