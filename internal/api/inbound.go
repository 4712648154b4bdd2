package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/example/sinpe-node/internal/domain"
	"github.com/example/sinpe-node/internal/security"
)

// envelope is the response body peers receive from the transfer endpoints.
type envelope struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Status        string `json:"status,omitempty"`
	Timestamp     string `json:"timestamp"`
}

func handleInbound(deps Dependencies, rail domain.Rail) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Transfers == nil {
			writeEnvelope(w, r, http.StatusServiceUnavailable, envelope{Error: "service unavailable"})
			return
		}

		var p domain.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeEnvelope(w, r, http.StatusRequestEntityTooLarge, envelope{Error: "payload too large"})
				return
			}
			writeEnvelope(w, r, http.StatusBadRequest, envelope{Error: "invalid JSON payload"})
			return
		}

		outcome, err := deps.Transfers.Receive(r.Context(), &p, rail)
		if err != nil {
			status, code := statusFor(err)
			// probing nodes read 404 as "phone not registered here" and move on
			if rail == domain.RailMobile && code == codeAccountNotFound {
				status = http.StatusNotFound
			}
			deps.Logger.Warn("inbound transfer rejected",
				"cid", security.CorrelationIDFromContext(r.Context()),
				"rail", rail,
				"transaction_id", p.TransactionID,
				"status", status,
				"code", code,
				"error", err,
			)
			writeEnvelope(w, r, status, envelope{
				Error:         messageFor(code, err),
				TransactionID: p.TransactionID,
			})
			return
		}

		writeEnvelope(w, r, http.StatusOK, envelope{
			Success:       true,
			Message:       "transfer settled",
			TransactionID: outcome.TransactionID,
			Status:        string(outcome.State),
		})
	}
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, body envelope) {
	body.Success = status == http.StatusOK
	body.Timestamp = time.Now().UTC().Format(time.RFC3339)
	security.WriteJSON(w, r, status, body)
}
