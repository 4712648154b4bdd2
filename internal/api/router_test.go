package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sinpe-node/internal/auth"
	"github.com/example/sinpe-node/internal/domain"
	"github.com/example/sinpe-node/internal/health"
	"github.com/example/sinpe-node/internal/ledger"
	"github.com/example/sinpe-node/internal/router"
	"github.com/example/sinpe-node/internal/security"
	"github.com/example/sinpe-node/internal/transfer"
	"github.com/example/sinpe-node/pkg/audit"
)

const (
	acctAna  = "CR53015200010000001234"
	acctLuis = "CR54015200010000005678"
)

type fakeTransfers struct {
	mu       sync.Mutex
	err      error
	outcome  *transfer.Outcome
	rails    []domain.Rail
	accounts []transfer.AccountTransferRequest
	mobiles  []transfer.MobileTransferRequest
}

func (f *fakeTransfers) result(id string) (*transfer.Outcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.outcome != nil {
		return f.outcome, nil
	}
	return &transfer.Outcome{TransactionID: id, State: transfer.StateSettled}, nil
}

func (f *fakeTransfers) Receive(ctx context.Context, p *domain.Payload, rail domain.Rail) (*transfer.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rails = append(f.rails, rail)
	return f.result(p.TransactionID)
}

func (f *fakeTransfers) SendAccount(ctx context.Context, req transfer.AccountTransferRequest) (*transfer.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = append(f.accounts, req)
	return f.result("out-1")
}

func (f *fakeTransfers) SendMobile(ctx context.Context, req transfer.MobileTransferRequest) (*transfer.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mobiles = append(f.mobiles, req)
	return f.result("out-2")
}

func (f *fakeTransfers) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rails) + len(f.accounts) + len(f.mobiles)
}

type fakeHealth struct{ status health.Status }

func (f fakeHealth) Check(ctx context.Context) health.Report {
	return health.Report{Status: f.status, Database: "up", Window: "24h0m0s", CheckedAt: time.Now()}
}

type testEnv struct {
	deps      Dependencies
	transfers *fakeTransfers
	journal   *audit.Journal
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	keySet, err := auth.NewKeySet()
	require.NoError(t, err)

	store := auth.NewMemoryClientStore(
		&auth.Client{ID: "read-client", SecretHash: mustHash(t, "read-secret"), Scopes: []string{"accounts:read"}},
		&auth.Client{ID: "write-client", SecretHash: mustHash(t, "write-secret"), Scopes: []string{"transfers:write"}},
		&auth.Client{ID: "full-client", SecretHash: mustHash(t, "full-secret"), Scopes: []string{"transfers:write", "accounts:read", "contacts:read"}},
	)

	oauthServer := &auth.OAuthServer{Store: store, Keys: keySet, Issuer: "test", AccessTokenTTL: 5 * time.Minute}
	validator := &auth.JWTValidator{KeySet: keySet, Issuer: "test"}

	sqlite, err := ledger.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(sqlite.Close)
	require.NoError(t, sqlite.Migrate(ctx))
	accounts := ledger.NewService(sqlite, nil)
	require.NoError(t, accounts.OpenAccount(ctx, domain.Account{AccountNumber: acctAna, OwnerName: "Ana", Currency: "CRC", Balance: decimal.RequireFromString("100000")}))
	require.NoError(t, accounts.OpenAccount(ctx, domain.Account{AccountNumber: acctLuis, OwnerName: "Luis", Currency: "CRC"}))
	require.NoError(t, accounts.LinkPhone(ctx, "88887777", acctLuis))

	contacts := router.NewRegistry([]domain.BankContact{
		{Code: "119", Name: "Banco Peer", NetworkAddress: "https://peer.example", IBANBankCode: "119", Enabled: true},
	})

	ft := &fakeTransfers{}
	journal := audit.NewJournal()

	return &testEnv{
		deps: Dependencies{
			OAuth:        oauthServer,
			JWTValidator: validator,
			Transfers:    ft,
			Accounts:     accounts,
			Contacts:     contacts,
			Health:       fakeHealth{status: health.StatusHealthy},
			Auditor:      journal,
			RateLimiter:  &security.RedisTokenBucket{Redis: rdb, Prefix: "test", Capacity: 100, RefillRate: 100},
			IPAllowlist:  nil,
			MaxBodyBytes: 1 << 20,
		},
		transfers: ft,
		journal:   journal,
	}
}

func (e *testEnv) handler(t *testing.T) http.Handler {
	t.Helper()
	h, err := NewRouter(e.deps)
	require.NoError(t, err)
	return h
}

func do(h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestMTLSRequired(t *testing.T) {
	env := newTestEnv(t)
	certs := generateMTLSCerts(t)

	ts := httptest.NewUnstartedServer(env.handler(t))
	ts.TLS = certs.serverTLS
	ts.StartTLS()
	defer ts.Close()

	clientNoCert := &http.Client{Transport: &http.Transport{TLSClientConfig: certs.noClientTLS}}
	_, err := clientNoCert.Get(ts.URL + "/health")
	require.Error(t, err)

	clientWithCert := &http.Client{Transport: &http.Transport{TLSClientConfig: certs.clientTLS}}
	resp, err := clientWithCert.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInboundRejectsUnlistedPeerCertificate(t *testing.T) {
	env := newTestEnv(t)
	env.deps.AllowedPeers = []string{"119"}
	certs := generateMTLSCerts(t)

	ts := httptest.NewUnstartedServer(env.handler(t))
	ts.TLS = certs.serverTLS
	ts.StartTLS()
	defer ts.Close()

	// the test client certificate is issued to "client", not a listed bank
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: certs.clientTLS}}
	resp, err := client.Post(ts.URL+router.AccountTransferPath, "application/json", strings.NewReader(`{"transaction_id":"tx-1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Zero(t, env.transfers.calls())
}

func TestInboundSuccessEnvelope(t *testing.T) {
	env := newTestEnv(t)
	h := env.handler(t)

	rec := do(h, http.MethodPost, router.AccountTransferPath, "", `{"transaction_id":"tx-1","amount":{"value":"1500.00","currency":"CRC"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "tx-1", body["transaction_id"])
	assert.Equal(t, "SETTLED", body["status"])
	assert.NotEmpty(t, body["timestamp"])
	assert.NotEmpty(t, rec.Header().Get(security.CorrelationIDHeader))

	rec = do(h, http.MethodPost, router.MobileTransferPath, "", `{"transaction_id":"tx-2","amount":{"value":2500,"currency":"CRC"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []domain.Rail{domain.RailAccount, domain.RailMobile}, env.transfers.rails)
}

func TestInboundInvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	rec := do(env.handler(t), http.MethodPost, router.AccountTransferPath, "", `{"transaction_id":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "invalid JSON payload", body["error"])
	assert.Zero(t, env.transfers.calls())
}

func TestInboundErrorStatuses(t *testing.T) {
	cases := []struct {
		name    string
		rail    domain.Rail
		err     error
		status  int
		message string
	}{
		{"validation", domain.RailAccount, domain.NewValidationError("invalid IBAN"), http.StatusBadRequest, "validation failed: invalid IBAN"},
		{"signature", domain.RailAccount, &domain.AuthenticationError{}, http.StatusUnauthorized, "invalid message signature"},
		{"duplicate", domain.RailAccount, &domain.DuplicateTransactionError{TransactionID: "tx-1"}, http.StatusConflict, "transaction already processed"},
		{"funds", domain.RailAccount, &domain.InsufficientFundsError{Account: acctAna}, http.StatusUnprocessableEntity, "insufficient funds"},
		{"account not mine", domain.RailAccount, &domain.AccountNotFoundError{Identifier: acctAna}, http.StatusUnprocessableEntity, "account not found"},
		{"phone not mine", domain.RailMobile, &domain.AccountNotFoundError{Identifier: "88887777"}, http.StatusNotFound, "account not found"},
		{"blocked", domain.RailAccount, &domain.RiskBlockedError{Score: 85, Alerts: []string{"velocity exceeded"}}, http.StatusUnprocessableEntity, "transfer blocked"},
		{"internal", domain.RailAccount, &domain.InternalError{Op: "credit external", Err: errors.New("disk full")}, http.StatusInternalServerError, "internal error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.transfers.err = tc.err

			path := router.AccountTransferPath
			if tc.rail == domain.RailMobile {
				path = router.MobileTransferPath
			}
			rec := do(env.handler(t), http.MethodPost, path, "", `{"transaction_id":"tx-1"}`)
			require.Equal(t, tc.status, rec.Code)

			body := decodeBody(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tc.message, body["error"])
			assert.Equal(t, "tx-1", body["transaction_id"])
			assert.NotContains(t, rec.Body.String(), "velocity")
			assert.NotContains(t, rec.Body.String(), "disk full")
		})
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrapped: %w", &domain.AuthenticationError{}), http.StatusUnauthorized, codeSignature},
		{&domain.UnresolvableDestinationError{Identifier: "88887777"}, http.StatusUnprocessableEntity, codeUnresolvable},
		{&domain.PeerTimeoutError{Peer: "119", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, codePeerTimeout},
		{&domain.PeerUnavailableError{Peer: "119", Err: errors.New("refused")}, http.StatusBadGateway, codePeerUnavailable},
		{&domain.PeerRejectedError{Peer: "119", Status: 422, Message: "no"}, http.StatusBadGateway, codePeerRejected},
		{errors.New("boom"), http.StatusInternalServerError, codeInternal},
	}
	for _, tc := range cases {
		status, code := statusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestAuthFailuresAndValidation(t *testing.T) {
	env := newTestEnv(t)
	h := env.handler(t)

	req := map[string]any{"from_account": acctAna, "to_account": acctLuis, "amount": "1000.00"}

	rec := do(h, http.MethodPost, "/v1/transfers/account", "", req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token := issueToken(t, env.deps, "read-client", "read-secret", "accounts:read")
	rec = do(h, http.MethodPost, "/v1/transfers/account", token, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// validation error before the orchestrator is called
	token = issueToken(t, env.deps, "write-client", "write-secret", "transfers:write")
	rec = do(h, http.MethodPost, "/v1/transfers/account", token, map[string]any{"from_account": acctAna, "amount": "1000.00"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/v1/transfers/mobile", token, map[string]any{"from_phone": "60001111", "to_phone": "88887777", "amount": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, env.transfers.calls())
}

func TestRateLimitTrips(t *testing.T) {
	env := newTestEnv(t)
	env.deps.RateLimiter.Capacity = 1
	env.deps.RateLimiter.RefillRate = 0.0000001
	h := env.handler(t)

	rec := do(h, http.MethodGet, "/oauth/jwks.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodGet, "/oauth/jwks.json", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestBodySizeLimit(t *testing.T) {
	env := newTestEnv(t)
	env.deps.MaxBodyBytes = 32
	h := env.handler(t)

	big := `{"transaction_id":"tx-1","description":"well over thirty two bytes"}`
	rec := do(h, http.MethodPost, router.AccountTransferPath, "", big)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	token := issueToken(t, env.deps, "write-client", "write-secret", "transfers:write")
	rec = do(h, http.MethodPost, "/v1/transfers/account", token, map[string]any{"from_account": acctAna, "to_account": acctLuis, "amount": "1.00"})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Zero(t, env.transfers.calls())
}

func TestSuccessfulFlow(t *testing.T) {
	env := newTestEnv(t)
	env.transfers.outcome = &transfer.Outcome{TransactionID: "out-1", State: transfer.StateConfirmed, Local: true}
	h := env.handler(t)

	token := issueToken(t, env.deps, "full-client", "full-secret", "transfers:write accounts:read contacts:read")

	rec := do(h, http.MethodPost, "/v1/transfers/account", token, map[string]any{
		"from_account": acctAna,
		"to_account":   acctLuis,
		"amount":       1500,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "out-1", body["transaction_id"])
	assert.Equal(t, "CONFIRMED", body["state"])
	assert.NotEmpty(t, body["correlation_id"])
	require.Len(t, env.transfers.accounts, 1)
	assert.Equal(t, "CRC", env.transfers.accounts[0].Currency)
	assert.True(t, decimal.NewFromInt(1500).Equal(env.transfers.accounts[0].Amount))

	rec = do(h, http.MethodPost, "/v1/transfers/mobile", token, map[string]any{
		"from_phone": "60001111",
		"to_phone":   "88887777",
		"amount":     "250.50",
		"currency":   "CRC",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, env.transfers.mobiles, 1)
	assert.Equal(t, "88887777", env.transfers.mobiles[0].ToPhone)

	rec = do(h, http.MethodGet, "/v1/accounts/"+acctAna+"/balance", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "100000", body["balance"])
	assert.Equal(t, "CRC", body["currency"])

	rec = do(h, http.MethodGet, "/v1/accounts/"+acctAna+"/transactions?limit=5", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.NotNil(t, body["transactions"])

	rec = do(h, http.MethodGet, "/v1/accounts/"+acctAna+"/integrity", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	report := body["report"].(map[string]any)
	assert.Equal(t, true, report["consistent"])

	rec = do(h, http.MethodGet, "/v1/phones/88887777", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, acctLuis, body["account_number"])

	rec = do(h, http.MethodGet, "/v1/bank-contacts", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Len(t, body["contacts"], 1)

	// every request is journaled under its correlation id
	assert.NotEmpty(t, env.journal.Entries())
	assert.True(t, audit.VerifyChain(env.journal.Entries()))

	var routes []string
	for _, e := range env.journal.Entries() {
		if e.Kind != "http.request" {
			continue
		}
		assert.NotContains(t, string(e.Data), "88887777")
		var data struct {
			Route string `json:"route"`
		}
		require.NoError(t, json.Unmarshal(e.Data, &data))
		routes = append(routes, data.Route)
	}
	assert.Contains(t, routes, "/v1/phones/{phone}")
}

func TestLookupErrors(t *testing.T) {
	env := newTestEnv(t)
	h := env.handler(t)
	token := issueToken(t, env.deps, "full-client", "full-secret", "accounts:read")

	rec := do(h, http.MethodGet, "/v1/accounts/CR73015200010000000001/balance", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeAccountNotFound, decodeBody(t, rec)["error"])

	rec = do(h, http.MethodGet, "/v1/phones/60009999", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "phone_not_linked", decodeBody(t, rec)["error"])

	rec = do(h, http.MethodGet, "/v1/accounts/"+acctAna+"/transactions?limit=abc", token, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutboundErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	env.transfers.err = &domain.PeerTimeoutError{Peer: "119", Err: context.DeadlineExceeded}
	h := env.handler(t)
	token := issueToken(t, env.deps, "write-client", "write-secret", "transfers:write")

	rec := do(h, http.MethodPost, "/v1/transfers/account", token, map[string]any{
		"from_account": acctAna,
		"to_account":   "CR62011900010000009999",
		"amount":       "100.00",
	})
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, codePeerTimeout, body["error"])
	assert.Equal(t, "destination bank did not respond in time", body["message"])
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Health = fakeHealth{status: health.StatusDegraded}
	h := env.handler(t)

	rec := do(h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "degraded"}, decodeBody(t, rec))

	env.deps.Health = fakeHealth{status: health.StatusUnhealthy}
	h = env.handler(t)
	rec = do(h, http.MethodGet, "/health/detailed", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "up", body["database"])
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	env.deps.CORSOrigins = []string{"https://ops.example"}
	h := env.handler(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/transfers/account", nil)
	req.Header.Set("Origin", "https://ops.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://ops.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func issueToken(t *testing.T, deps Dependencies, clientID, clientSecret, scope string) string {
	ts := httptest.NewServer(http.HandlerFunc(deps.OAuth.TokenHandler))
	defer ts.Close()

	form := []byte("grant_type=client_credentials&scope=" + url.QueryEscape(scope))
	req, _ := http.NewRequest(http.MethodPost, ts.URL, bytes.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, clientSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	require.NotEmpty(t, tr.AccessToken)
	return tr.AccessToken
}

type testCerts struct {
	serverTLS   *tls.Config
	clientTLS   *tls.Config
	noClientTLS *tls.Config
}

func mustHash(t *testing.T, secret string) string {
	h, err := auth.HashClientSecret(secret)
	require.NoError(t, err)
	return h
}

func generateMTLSCerts(t *testing.T) *testCerts {
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	caTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-ca"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IsCA:         true,
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(caCert)

	serverCert := signCert(t, caCert, caKey, "server", []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, nil, []net.IP{net.ParseIP("127.0.0.1")})
	clientCert := signCert(t, caCert, caKey, "client", []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, nil, nil)

	serverTLS := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS13,
	}
	clientTLS := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS13,
	}
	noClientTLS := &tls.Config{
		RootCAs:    caPool,
		MinVersion: tls.VersionTLS13,
	}

	return &testCerts{serverTLS: serverTLS, clientTLS: clientTLS, noClientTLS: noClientTLS}
}

func signCert(t *testing.T, ca *x509.Certificate, caKey *rsa.PrivateKey, cn string, eku []x509.ExtKeyUsage, dns []string, ips []net.IP) tls.Certificate {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  eku,
		DNSNames:     dns,
		IPAddresses:  ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	c, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	return c
}
