package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/example/sinpe-node/internal/auth"
	"github.com/example/sinpe-node/internal/domain"
	"github.com/example/sinpe-node/internal/health"
	"github.com/example/sinpe-node/internal/ledger"
	"github.com/example/sinpe-node/internal/router"
	"github.com/example/sinpe-node/internal/security"
	"github.com/example/sinpe-node/internal/transfer"
	"github.com/example/sinpe-node/pkg/audit"
)

type Auditor interface {
	Record(kind, subject string, data any) (*audit.Entry, error)
}

// Transfers is the orchestrator surface the HTTP layer drives.
type Transfers interface {
	Receive(ctx context.Context, p *domain.Payload, rail domain.Rail) (*transfer.Outcome, error)
	SendAccount(ctx context.Context, req transfer.AccountTransferRequest) (*transfer.Outcome, error)
	SendMobile(ctx context.Context, req transfer.MobileTransferRequest) (*transfer.Outcome, error)
}

type Accounts interface {
	GetAccount(ctx context.Context, accountNumber string) (*domain.Account, error)
	History(ctx context.Context, accountNumber string, limit int) ([]domain.Transaction, error)
	CheckIntegrity(ctx context.Context, accountNumber string) (*ledger.IntegrityReport, error)
	ResolvePhone(ctx context.Context, phone string) (string, error)
}

type Contacts interface {
	All() []domain.BankContact
}

type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

type Dependencies struct {
	Logger       *slog.Logger
	OAuth        *auth.OAuthServer
	JWTValidator *auth.JWTValidator

	Transfers Transfers
	Accounts  Accounts
	Contacts  Contacts
	Health    HealthChecker

	Auditor      Auditor
	RateLimiter  *security.RedisTokenBucket
	IPAllowlist  []netip.Prefix
	AllowedPeers []string
	CORSOrigins  []string
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	accountTransferV, err := security.NewJSONSchemaValidator("account-transfer", accountTransferSchema)
	if err != nil {
		return nil, err
	}
	mobileTransferV, err := security.NewJSONSchemaValidator("mobile-transfer", mobileTransferSchema)
	if err != nil {
		return nil, err
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, security.RateLimitKey))
	}
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/health", handleHealth(deps, false))
	r.Get("/health/detailed", handleHealth(deps, true))

	if deps.OAuth != nil {
		r.Post("/oauth/token", deps.OAuth.TokenHandler)
		r.Get("/oauth/jwks.json", deps.OAuth.JWKSHandler)
	}

	// Peer nodes
	r.Group(func(r chi.Router) {
		r.Use(security.RequirePeer(deps.AllowedPeers))
		r.Post(router.AccountTransferPath, handleInbound(deps, domain.RailAccount))
		r.Post(router.MobileTransferPath, handleInbound(deps, domain.RailMobile))
	})

	r.Route("/v1", func(r chi.Router) {
		if len(deps.CORSOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: deps.CORSOrigins,
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", security.CorrelationIDHeader},
				ExposedHeaders: []string{security.CorrelationIDHeader},
				MaxAge:         300,
			}))
		}
		r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))

		r.Route("/transfers", func(r chi.Router) {
			r.Use(auth.RequireScopes(onAuthError, auth.ScopeTransfersWrite))
			r.With(accountTransferV.Middleware).Post("/account", handleSendAccount(deps))
			r.With(mobileTransferV.Middleware).Post("/mobile", handleSendMobile(deps))
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScopes(onAuthError, auth.ScopeAccountsRead))
			r.Get("/accounts/{account}/balance", handleBalance(deps))
			r.Get("/accounts/{account}/transactions", handleTransactions(deps))
			r.Get("/accounts/{account}/integrity", handleIntegrity(deps))
			r.Get("/phones/{phone}", handlePhone(deps))
		})

		r.With(auth.RequireScopes(onAuthError, auth.ScopeContactsRead)).Get("/bank-contacts", handleBankContacts(deps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}
