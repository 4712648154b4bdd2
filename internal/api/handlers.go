package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/sinpe-node/internal/domain"
	"github.com/example/sinpe-node/internal/health"
	"github.com/example/sinpe-node/internal/ledger"
	"github.com/example/sinpe-node/internal/security"
	"github.com/example/sinpe-node/internal/transfer"
)

const defaultCurrency = "CRC"

type transferResponse struct {
	CorrelationID string `json:"correlation_id"`
	*transfer.Outcome
}

type balanceResponse struct {
	CorrelationID string          `json:"correlation_id"`
	AccountNumber string          `json:"account_number"`
	Currency      string          `json:"currency"`
	Balance       decimal.Decimal `json:"balance"`
}

type transactionsResponse struct {
	CorrelationID string               `json:"correlation_id"`
	AccountNumber string               `json:"account_number"`
	Transactions  []domain.Transaction `json:"transactions"`
}

type integrityResponse struct {
	CorrelationID string                  `json:"correlation_id"`
	Report        *ledger.IntegrityReport `json:"report"`
}

type phoneResponse struct {
	CorrelationID string `json:"correlation_id"`
	PhoneNumber   string `json:"phone_number"`
	AccountNumber string `json:"account_number"`
}

type bankContactsResponse struct {
	CorrelationID string               `json:"correlation_id"`
	Contacts      []domain.BankContact `json:"contacts"`
}

type healthResponse struct {
	Status health.Status `json:"status"`
}

func handleSendAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Transfers == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "transfers_unavailable")
			return
		}

		var req transfer.AccountTransferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		if req.Currency == "" {
			req.Currency = defaultCurrency
		}

		outcome, err := deps.Transfers.SendAccount(r.Context(), req)
		if err != nil {
			writeTransferError(w, r, deps, err)
			return
		}

		security.WriteJSON(w, r, http.StatusOK, transferResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Outcome:       outcome,
		})
	}
}

func handleSendMobile(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Transfers == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "transfers_unavailable")
			return
		}

		var req transfer.MobileTransferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		if req.Currency == "" {
			req.Currency = defaultCurrency
		}

		outcome, err := deps.Transfers.SendMobile(r.Context(), req)
		if err != nil {
			writeTransferError(w, r, deps, err)
			return
		}

		security.WriteJSON(w, r, http.StatusOK, transferResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Outcome:       outcome,
		})
	}
}

func writeTransferError(w http.ResponseWriter, r *http.Request, deps Dependencies, err error) {
	status, code := statusFor(err)
	level := deps.Logger.Warn
	if status >= http.StatusInternalServerError {
		level = deps.Logger.Error
	}
	level("outbound transfer failed",
		"cid", security.CorrelationIDFromContext(r.Context()),
		"status", status,
		"code", code,
		"error", err,
	)
	security.WriteJSONErrorMessage(w, r, status, code, messageFor(code, err))
}

// writeLookupError reports read-side failures. Unknown accounts are 404 here
// because the caller addressed the resource directly.
func writeLookupError(w http.ResponseWriter, r *http.Request, deps Dependencies, err error, missingCode string) {
	var unknown *domain.AccountNotFoundError
	var invalid *domain.ValidationError
	switch {
	case errors.As(err, &unknown):
		security.WriteJSONError(w, r, http.StatusNotFound, missingCode)
	case errors.As(err, &invalid):
		security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, codeValidation, invalid.Error())
	default:
		deps.Logger.Error("lookup failed",
			"cid", security.CorrelationIDFromContext(r.Context()),
			"route", routePattern(r),
			"error", err,
		)
		security.WriteJSONError(w, r, http.StatusInternalServerError, codeInternal)
	}
}

func handleBalance(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Accounts == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		account, err := deps.Accounts.GetAccount(r.Context(), chi.URLParam(r, "account"))
		if err != nil {
			writeLookupError(w, r, deps, err, codeAccountNotFound)
			return
		}

		security.WriteJSON(w, r, http.StatusOK, balanceResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			AccountNumber: account.AccountNumber,
			Currency:      account.Currency,
			Balance:       account.Balance,
		})
	}
}

func handleTransactions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Accounts == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil || i < 0 {
				security.WriteJSONError(w, r, http.StatusBadRequest, codeValidation)
				return
			}
			limit = i
		}

		account := domain.CompactAccount(chi.URLParam(r, "account"))
		txns, err := deps.Accounts.History(r.Context(), account, limit)
		if err != nil {
			writeLookupError(w, r, deps, err, codeAccountNotFound)
			return
		}
		if txns == nil {
			txns = []domain.Transaction{}
		}

		security.WriteJSON(w, r, http.StatusOK, transactionsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			AccountNumber: account,
			Transactions:  txns,
		})
	}
}

func handleIntegrity(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Accounts == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		report, err := deps.Accounts.CheckIntegrity(r.Context(), chi.URLParam(r, "account"))
		if err != nil {
			writeLookupError(w, r, deps, err, codeAccountNotFound)
			return
		}

		security.WriteJSON(w, r, http.StatusOK, integrityResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Report:        report,
		})
	}
}

func handlePhone(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Accounts == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		phone := chi.URLParam(r, "phone")
		account, err := deps.Accounts.ResolvePhone(r.Context(), phone)
		if err != nil {
			writeLookupError(w, r, deps, err, "phone_not_linked")
			return
		}

		security.WriteJSON(w, r, http.StatusOK, phoneResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			PhoneNumber:   phone,
			AccountNumber: account,
		})
	}
}

func handleBankContacts(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contacts := []domain.BankContact{}
		if deps.Contacts != nil {
			contacts = append(contacts, deps.Contacts.All()...)
		}

		security.WriteJSON(w, r, http.StatusOK, bankContactsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Contacts:      contacts,
		})
	}
}

func handleHealth(deps Dependencies, detailed bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Health == nil {
			security.WriteJSON(w, r, http.StatusOK, healthResponse{Status: health.StatusHealthy})
			return
		}

		report := deps.Health.Check(r.Context())
		status := http.StatusOK
		if report.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}

		if detailed {
			security.WriteJSON(w, r, status, report)
			return
		}
		security.WriteJSON(w, r, status, healthResponse{Status: report.Status})
	}
}
