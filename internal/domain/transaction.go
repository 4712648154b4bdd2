package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the persisted lifecycle of a ledger transaction
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusRejected  TransactionStatus = "rejected"
)

// TransactionType classifies where a transaction originated and ended
type TransactionType string

const (
	TypeInternal         TransactionType = "internal"
	TypeMobile           TransactionType = "mobile"
	TypeIncomingExternal TransactionType = "incoming-external"
	TypeOutgoingExternal TransactionType = "outgoing-external"
)

// Channel is the risk category a transaction is measured against.
type Channel string

const (
	ChannelInternal Channel = "internal"
	ChannelSINPE    Channel = "sinpe"
	ChannelMobile   Channel = "mobile"
)

// ChannelFor maps a rail and locality to the risk channel.
func ChannelFor(rail Rail, local bool) Channel {
	switch {
	case rail == RailMobile:
		return ChannelMobile
	case local:
		return ChannelInternal
	default:
		return ChannelSINPE
	}
}

// Account is a ledger account owned by this node
type Account struct {
	AccountNumber string          `json:"account_number"`
	OwnerName     string          `json:"owner_name"`
	Currency      string          `json:"currency"`
	Balance       decimal.Decimal `json:"balance"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PhoneLink binds a phone alias to a local account
type PhoneLink struct {
	PhoneNumber   string `json:"phone_number"`
	AccountNumber string `json:"account_number"`
}

// Transaction is the settled (or pending outbound) record of a transfer
type Transaction struct {
	TransactionID    string            `json:"transaction_id"`
	FromAccount      string            `json:"from_account,omitempty"`
	ToAccount        string            `json:"to_account,omitempty"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	Status           TransactionStatus `json:"status"`
	Type             TransactionType   `json:"transaction_type"`
	Rail             Rail              `json:"rail"`
	Channel          Channel           `json:"channel"`
	SourceRef        string            `json:"source_ref"`
	DestinationRef   string            `json:"destination_ref"`
	ExternalBankCode string            `json:"external_bank_code,omitempty"`
	SenderInfo       string            `json:"sender_info,omitempty"`
	ReceiverInfo     string            `json:"receiver_info,omitempty"`
	Description      string            `json:"description,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// BalanceChange records one balance mutation for audit
type BalanceChange struct {
	TransactionID   string          `json:"transaction_id"`
	AccountNumber   string          `json:"account_number"`
	PreviousBalance decimal.Decimal `json:"previous_balance"`
	NewBalance      decimal.Decimal `json:"new_balance"`
	Delta           decimal.Decimal `json:"delta"`
	CreatedAt       time.Time       `json:"created_at"`
}

// BankContact describes a peer node on the network
type BankContact struct {
	Code           string `json:"code"`
	Name           string `json:"name"`
	NetworkAddress string `json:"network_address"`
	IBANBankCode   string `json:"iban_bank_code_prefix"`
	Enabled        bool   `json:"enabled"`
}

// AccountActivity aggregates the transfers a source originated in a window
type AccountActivity struct {
	SourceRef string
	Count     int
	Total     decimal.Decimal
}
