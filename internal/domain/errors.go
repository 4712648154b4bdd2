package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ValidationError is returned for the first payload rule that fails
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// AuthenticationError means the message signature did not match
type AuthenticationError struct{}

func (e *AuthenticationError) Error() string {
	return "signature verification failed"
}

// DuplicateTransactionError means the transaction id was already settled
type DuplicateTransactionError struct {
	TransactionID string
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("transaction %s already processed", e.TransactionID)
}

// InsufficientFundsError means the source balance cannot cover the debit
type InsufficientFundsError struct {
	Account   string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in account %s: available %s, requested %s",
		e.Account, e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

// AccountNotFoundError means an account or phone alias is unknown locally
type AccountNotFoundError struct {
	Identifier string
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("account %s not found", e.Identifier)
}

// UnresolvableDestinationError means no node accepted the destination
type UnresolvableDestinationError struct {
	Identifier string
}

func (e *UnresolvableDestinationError) Error() string {
	return fmt.Sprintf("destination %s could not be resolved", e.Identifier)
}

// RiskBlockedError carries the alerts that pushed a transfer over the block threshold
type RiskBlockedError struct {
	Score  int
	Alerts []string
}

func (e *RiskBlockedError) Error() string {
	return fmt.Sprintf("transfer blocked by risk monitor (score %d): %s", e.Score, strings.Join(e.Alerts, "; "))
}

// PeerTimeoutError means a peer did not answer within its timeout
type PeerTimeoutError struct {
	Peer string
	Err  error
}

func (e *PeerTimeoutError) Error() string {
	return fmt.Sprintf("peer %s timed out: %v", e.Peer, e.Err)
}

func (e *PeerTimeoutError) Unwrap() error { return e.Err }

// PeerUnavailableError means the peer could not be reached at all
type PeerUnavailableError struct {
	Peer string
	Err  error
}

func (e *PeerUnavailableError) Error() string {
	return fmt.Sprintf("peer %s unavailable: %v", e.Peer, e.Err)
}

func (e *PeerUnavailableError) Unwrap() error { return e.Err }

// PeerRejectedError is a business rejection reported by a peer node
type PeerRejectedError struct {
	Peer    string
	Status  int
	Message string
}

func (e *PeerRejectedError) Error() string {
	return fmt.Sprintf("peer %s rejected transfer (status %d): %s", e.Peer, e.Status, e.Message)
}

// InternalError wraps unexpected failures
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error during %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// typed is implemented by every error in this file
type typed interface {
	domainError()
}

func (*ValidationError) domainError()              {}
func (*AuthenticationError) domainError()          {}
func (*DuplicateTransactionError) domainError()    {}
func (*InsufficientFundsError) domainError()       {}
func (*AccountNotFoundError) domainError()         {}
func (*UnresolvableDestinationError) domainError() {}
func (*RiskBlockedError) domainError()             {}
func (*PeerTimeoutError) domainError()             {}
func (*PeerUnavailableError) domainError()         {}
func (*PeerRejectedError) domainError()            {}
func (*InternalError) domainError()                {}

// Wrap returns err unchanged when it already carries one of the typed
// errors above, and an *InternalError for op otherwise.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var t typed
	if errors.As(err, &t) {
		return err
	}
	return &InternalError{Op: op, Err: err}
}

// Retryable reports whether err is a transport-level peer failure that may
// succeed against a different peer.
func Retryable(err error) bool {
	var timeout *PeerTimeoutError
	var unavailable *PeerUnavailableError
	return errors.As(err, &timeout) || errors.As(err, &unavailable)
}
