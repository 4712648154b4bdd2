package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/example/sinpe-node/internal/domain"
	"github.com/example/sinpe-node/internal/security"
	"github.com/example/sinpe-node/internal/validation"
)

// Peer endpoints
const (
	AccountTransferPath = "/api/sinpe-transfer"
	MobileTransferPath  = "/api/sinpe-movil-transfer"
)

// maxResponseBody caps how much of a peer response is read
const maxResponseBody = 1 << 20

// Options configures routing and peer HTTP
type Options struct {
	LocalBankCode   string
	DispatchTimeout time.Duration
	ProbeTimeout    time.Duration
	ProbeBudget     time.Duration
	TLS             *security.TLSConfig
}

// DefaultOptions returns the network defaults
func DefaultOptions() Options {
	return Options{
		LocalBankCode:   "152",
		DispatchTimeout: 5 * time.Second,
		ProbeTimeout:    2 * time.Second,
		ProbeBudget:     10 * time.Second,
	}
}

// PhoneDirectory resolves phones linked to local accounts
type PhoneDirectory interface {
	ResolvePhone(ctx context.Context, phone string) (string, error)
}

// Resolution says where a destination lives
type Resolution struct {
	Local         bool
	AccountNumber string
	BankCode      string
	Contact       *domain.BankContact
}

// RemoteResult is a peer's accepted response
type RemoteResult struct {
	Peer          string `json:"peer"`
	StatusCode    int    `json:"status_code"`
	Message       string `json:"message,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Status        string `json:"status,omitempty"`
}

// peerResponse is the envelope every node answers with
type peerResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	Error         string `json:"error"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// Router resolves destinations and talks to peer nodes
type Router struct {
	registry *Registry
	phones   PhoneDirectory
	client   *http.Client
	opts     Options
	logger   *slog.Logger
}

// New creates a router. Peer calls use mTLS when opts.TLS is set.
func New(registry *Registry, phones PhoneDirectory, opts Options, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if opts.LocalBankCode == "" {
		opts.LocalBankCode = defaults.LocalBankCode
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = defaults.DispatchTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaults.ProbeTimeout
	}
	if opts.ProbeBudget <= 0 {
		opts.ProbeBudget = defaults.ProbeBudget
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TLS != nil {
		tlsCfg, err := security.LoadClientTLSConfig(*opts.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load peer TLS config: %w", err)
		}
		transport.TLSClientConfig = tlsCfg
	}

	return &Router{
		registry: registry,
		phones:   phones,
		client:   &http.Client{Transport: transport},
		opts:     opts,
		logger:   logger,
	}, nil
}

// Registry returns the contacts the router dispatches to
func (r *Router) Registry() *Registry { return r.registry }

// LocalBankCode is the IBAN bank code served by this node
func (r *Router) LocalBankCode() string { return r.opts.LocalBankCode }

// ProbeBudget is the overall deadline for one mobile probe
func (r *Router) ProbeBudget() time.Duration { return r.opts.ProbeBudget }

// ResolveAccount decides whether an IBAN is local or which peer serves it.
func (r *Router) ResolveAccount(iban string) (Resolution, error) {
	compact := domain.CompactAccount(iban)
	code := validation.BankCode(compact)
	if code == "" {
		return Resolution{}, &domain.UnresolvableDestinationError{Identifier: iban}
	}
	if code == r.opts.LocalBankCode {
		return Resolution{Local: true, AccountNumber: compact, BankCode: code}, nil
	}
	contact, ok := r.registry.ForBankCode(code)
	if !ok {
		return Resolution{}, &domain.UnresolvableDestinationError{Identifier: iban}
	}
	return Resolution{AccountNumber: compact, BankCode: code, Contact: &contact}, nil
}

// ResolvePhone checks the local phone links. A phone that is not linked
// locally resolves to a remote destination with no contact; the peer is
// discovered by ProbeMobile.
func (r *Router) ResolvePhone(ctx context.Context, phone string) (Resolution, error) {
	account, err := r.phones.ResolvePhone(ctx, phone)
	if err == nil {
		return Resolution{Local: true, AccountNumber: account, BankCode: r.opts.LocalBankCode}, nil
	}
	var notFound *domain.AccountNotFoundError
	if errors.As(err, &notFound) {
		return Resolution{}, nil
	}
	return Resolution{}, err
}

// DispatchAccount posts an account-rail payload to the peer that owns the
// destination. Every failure is terminal.
func (r *Router) DispatchAccount(ctx context.Context, contact domain.BankContact, payload *domain.Payload) (*RemoteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.DispatchTimeout)
	defer cancel()

	res, err := r.post(ctx, contact, AccountTransferPath, payload)
	if err != nil {
		r.logger.Warn("peer dispatch failed",
			"peer", contact.Code,
			"transaction_id", payload.TransactionID,
			"error", err,
		)
		return nil, err
	}
	r.logger.Info("peer accepted transfer",
		"peer", contact.Code,
		"transaction_id", payload.TransactionID,
		"status_code", res.StatusCode,
	)
	return res, nil
}

// ProbeMobile offers a mobile-rail payload to every enabled peer in registry
// order until one accepts it. Transport failures and "not mine" answers move
// on to the next peer; 409 and 422 mean the peer owns the phone and stop the
// loop.
func (r *Router) ProbeMobile(ctx context.Context, payload *domain.Payload) (*RemoteResult, error) {
	identifier := payload.Identifier(domain.RailMobile)
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ProbeBudget)
		defer cancel()
	}

	tried := 0
	for _, contact := range r.registry.Enabled() {
		if contact.Code == r.opts.LocalBankCode || contact.IBANBankCode == r.opts.LocalBankCode {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, &domain.PeerTimeoutError{Peer: "mobile-probe", Err: err}
		}
		tried++

		peerCtx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
		res, err := r.post(peerCtx, contact, MobileTransferPath, payload)
		cancel()
		if err == nil {
			r.logger.Info("mobile transfer accepted by peer",
				"peer", contact.Code,
				"transaction_id", payload.TransactionID,
				"attempts", tried,
			)
			return res, nil
		}
		if !probeContinues(err) {
			return nil, err
		}
		r.logger.Debug("peer declined mobile transfer",
			"peer", contact.Code,
			"transaction_id", payload.TransactionID,
			"error", err,
		)
	}

	if err := ctx.Err(); err != nil {
		return nil, &domain.PeerTimeoutError{Peer: "mobile-probe", Err: err}
	}
	r.logger.Warn("no peer accepted mobile transfer",
		"phone", identifier,
		"transaction_id", payload.TransactionID,
		"peers_tried", tried,
	)
	return nil, &domain.UnresolvableDestinationError{Identifier: identifier}
}

func probeContinues(err error) bool {
	if domain.Retryable(err) {
		return true
	}
	var rejected *domain.PeerRejectedError
	if !errors.As(err, &rejected) {
		return false
	}
	switch rejected.Status {
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return false
	}
	return true
}

func (r *Router) post(ctx context.Context, contact domain.BankContact, path string, payload *domain.Payload) (*RemoteResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &domain.InternalError{Op: "encode peer payload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, contact.NetworkAddress+path, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.PeerUnavailableError{Peer: contact.Code, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", payload.TransactionID)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(contact.Code, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, classifyTransportError(contact.Code, err)
	}
	var decoded peerResponse
	_ = json.Unmarshal(raw, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := firstNonEmpty(decoded.Error, decoded.Message, strings.TrimSpace(string(raw)), http.StatusText(resp.StatusCode))
		return nil, &domain.PeerRejectedError{Peer: contact.Code, Status: resp.StatusCode, Message: msg}
	}
	return &RemoteResult{
		Peer:          contact.Code,
		StatusCode:    resp.StatusCode,
		Message:       decoded.Message,
		TransactionID: decoded.TransactionID,
		Status:        decoded.Status,
	}, nil
}

func classifyTransportError(peer string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &domain.PeerTimeoutError{Peer: peer, Err: err}
	}
	return &domain.PeerUnavailableError{Peer: peer, Err: err}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
