package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Operator scopes understood by the /v1 API.
const (
	ScopeTransfersWrite = "transfers:write"
	ScopeAccountsRead   = "accounts:read"
	ScopeContactsRead   = "contacts:read"
)

const defaultAccessTokenTTL = 15 * time.Minute

var knownScopes = []string{ScopeAccountsRead, ScopeContactsRead, ScopeTransfersWrite}

// KnownScope reports whether s is one of the operator scopes.
func KnownScope(s string) bool {
	return slices.Contains(knownScopes, s)
}

var ErrClientNotFound = errors.New("client not found")

// Client is an operator application allowed to call the /v1 API.
type Client struct {
	ID         string
	SecretHash string
	Scopes     []string
}

type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// OAuthServer issues RS256 access tokens for the client_credentials grant.
// Tokens are bound to Audience (the node's bank code) when it is set.
type OAuthServer struct {
	Store          ClientStore
	Keys           *KeySet
	Issuer         string
	Audience       string
	AccessTokenTTL time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

type AccessTokenClaims struct {
	jwt.RegisteredClaims
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// oauthError is the RFC 6749 section 5.2 error body.
type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func HashClientSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func VerifyClientSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// unknownClientHash is compared against when the client id does not exist so
// both failure paths spend one bcrypt comparison.
var unknownClientHash, _ = HashClientSecret("unknown-client")

func (s *OAuthServer) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeOAuthError(w, http.StatusMethodNotAllowed, "invalid_request", "token requests must use POST")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if gt := r.PostFormValue("grant_type"); gt != "client_credentials" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	clientID, secret, basic := r.BasicAuth()
	if !basic {
		clientID = r.PostFormValue("client_id")
		secret = r.PostFormValue("client_secret")
	}

	client, ok := s.authenticateClient(r.Context(), clientID, secret)
	if !ok {
		if basic {
			w.Header().Set("WWW-Authenticate", `Basic realm="sinpe-node"`)
		}
		s.logger().Warn("token request rejected", "client_id", clientID, "reason", "invalid_client")
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "")
		return
	}

	granted, err := grantScopes(client.Scopes, strings.Fields(r.PostFormValue("scope")))
	if err != nil {
		s.logger().Warn("token request rejected", "client_id", client.ID, "reason", err.Error())
		writeOAuthError(w, http.StatusBadRequest, "invalid_scope", err.Error())
		return
	}

	signed, claims, err := s.issue(client, granted)
	if err != nil {
		s.logger().Error("failed to sign access token", "client_id", client.ID, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	s.logger().Info("access token issued",
		"client_id", client.ID,
		"scopes", granted,
		"jti", claims.ID,
	)

	noStore(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl().Seconds()),
		Scope:       strings.Join(granted, " "),
	})
}

func (s *OAuthServer) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	set, err := s.Keys.JWKS()
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(set)
}

func (s *OAuthServer) authenticateClient(ctx context.Context, clientID, secret string) (*Client, bool) {
	if clientID == "" || secret == "" {
		return nil, false
	}
	client, err := s.Store.GetClient(ctx, clientID)
	if err != nil || client == nil {
		VerifyClientSecret(unknownClientHash, secret)
		return nil, false
	}
	if !VerifyClientSecret(client.SecretHash, secret) {
		return nil, false
	}
	return client, true
}

func (s *OAuthServer) issue(client *Client, scopes []string) (string, *AccessTokenClaims, error) {
	now := s.now()
	claims := &AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   client.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl())),
			ID:        uuid.NewString(),
		},
		ClientID: client.ID,
		Scopes:   scopes,
	}
	if s.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.Audience}
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.Keys.KeyID()
	signed, err := tok.SignedString(s.Keys.PrivateKey())
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// grantScopes narrows the client's scopes to the requested ones. An empty
// request grants everything the client holds. Unknown scopes, or a request
// that leaves nothing to grant, are errors.
func grantScopes(allowed, requested []string) ([]string, error) {
	held := make([]string, 0, len(allowed))
	for _, s := range allowed {
		s = strings.TrimSpace(s)
		if KnownScope(s) && !slices.Contains(held, s) {
			held = append(held, s)
		}
	}
	slices.Sort(held)

	if len(requested) == 0 {
		if len(held) == 0 {
			return nil, errors.New("client holds no scopes")
		}
		return held, nil
	}

	var out []string
	for _, s := range requested {
		if !KnownScope(s) {
			return nil, errors.New("unknown scope " + s)
		}
		if slices.Contains(held, s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("none of the requested scopes are granted to this client")
	}
	return out, nil
}

func (s *OAuthServer) ttl() time.Duration {
	if s.AccessTokenTTL <= 0 {
		return defaultAccessTokenTTL
	}
	return s.AccessTokenTTL
}

func (s *OAuthServer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *OAuthServer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	noStore(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(oauthError{Error: code, Description: description})
}
