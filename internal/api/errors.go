package api

import (
	"errors"
	"net/http"

	"github.com/example/sinpe-node/internal/domain"
)

const (
	codeValidation        = "validation_error"
	codeSignature         = "invalid_signature"
	codeDuplicate         = "duplicate_transaction"
	codeInsufficientFunds = "insufficient_funds"
	codeAccountNotFound   = "account_not_found"
	codeRiskBlocked       = "transfer_blocked"
	codeUnresolvable      = "destination_unresolvable"
	codePeerTimeout       = "peer_timeout"
	codePeerUnavailable   = "peer_unavailable"
	codePeerRejected      = "peer_rejected"
	codeInternal          = "internal_error"
)

// Messages returned to callers. Error detail stays in the logs.
var errorMessages = map[string]string{
	codeSignature:         "invalid message signature",
	codeDuplicate:         "transaction already processed",
	codeInsufficientFunds: "insufficient funds",
	codeAccountNotFound:   "account not found",
	codeRiskBlocked:       "transfer blocked",
	codeUnresolvable:      "destination could not be resolved",
	codePeerTimeout:       "destination bank did not respond in time",
	codePeerUnavailable:   "destination bank unavailable",
	codePeerRejected:      "transfer rejected by destination bank",
	codeInternal:          "internal error",
}

// statusFor maps the transfer error taxonomy onto an HTTP status and a
// stable error code.
func statusFor(err error) (int, string) {
	var (
		invalid      *domain.ValidationError
		badSignature *domain.AuthenticationError
		duplicate    *domain.DuplicateTransactionError
		funds        *domain.InsufficientFundsError
		unknown      *domain.AccountNotFoundError
		blocked      *domain.RiskBlockedError
		unresolvable *domain.UnresolvableDestinationError
		timeout      *domain.PeerTimeoutError
		unavailable  *domain.PeerUnavailableError
		rejected     *domain.PeerRejectedError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, codeValidation
	case errors.As(err, &badSignature):
		return http.StatusUnauthorized, codeSignature
	case errors.As(err, &duplicate):
		return http.StatusConflict, codeDuplicate
	case errors.As(err, &funds):
		return http.StatusUnprocessableEntity, codeInsufficientFunds
	case errors.As(err, &unknown):
		return http.StatusUnprocessableEntity, codeAccountNotFound
	case errors.As(err, &blocked):
		return http.StatusUnprocessableEntity, codeRiskBlocked
	case errors.As(err, &unresolvable):
		return http.StatusUnprocessableEntity, codeUnresolvable
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout, codePeerTimeout
	case errors.As(err, &unavailable):
		return http.StatusBadGateway, codePeerUnavailable
	case errors.As(err, &rejected):
		return http.StatusBadGateway, codePeerRejected
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// messageFor returns the caller-facing text for err. Validation reasons are
// about the caller's own input and are passed through.
func messageFor(code string, err error) string {
	if code == codeValidation {
		var invalid *domain.ValidationError
		if errors.As(err, &invalid) {
			return invalid.Error()
		}
	}
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return errorMessages[codeInternal]
}
