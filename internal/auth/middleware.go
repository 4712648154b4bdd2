package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrorWriter renders an authentication or authorization failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, status int, code string)

type authInfoKey struct{}

// AuthInfo is the authenticated operator attached to the request context.
type AuthInfo struct {
	ClientID string
	TokenID  string
	Scopes   []string
}

func (a *AuthInfo) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func AuthInfoFromContext(ctx context.Context) (*AuthInfo, bool) {
	ai, ok := ctx.Value(authInfoKey{}).(*AuthInfo)
	return ai, ok
}

// JWTValidator checks access tokens minted by this node's OAuthServer.
type JWTValidator struct {
	KeySet   *KeySet
	Issuer   string
	Audience string
	Leeway   time.Duration
}

func (v *JWTValidator) Validate(tokenString string) (*AccessTokenClaims, error) {
	pub := v.KeySet.PublicKey()
	if pub == nil {
		return nil, errors.New("missing keyset")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.Leeway),
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}

	claims := &AccessTokenClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if kid, _ := t.Header["kid"].(string); kid != "" && kid != v.KeySet.KeyID() {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return pub, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.ClientID == "" {
		return nil, errors.New("token has no client_id")
	}
	return claims, nil
}

// Authenticate requires a valid bearer token and stores the caller's
// AuthInfo in the request context.
func Authenticate(v *JWTValidator, onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, ok := bearerToken(r)
			if !ok || v == nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="sinpe-node"`)
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			claims, err := v.Validate(tok)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="sinpe-node", error="invalid_token"`)
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			ai := &AuthInfo{ClientID: claims.ClientID, TokenID: claims.ID, Scopes: claims.Scopes}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authInfoKey{}, ai)))
		})
	}
}

// RequireScopes admits requests whose token carries every required scope.
func RequireScopes(onError ErrorWriter, required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai, ok := AuthInfoFromContext(r.Context())
			if !ok {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			for _, s := range required {
				if !ai.HasScope(s) {
					w.Header().Set("WWW-Authenticate",
						fmt.Sprintf(`Bearer realm="sinpe-node", error="insufficient_scope", scope=%q`, strings.Join(required, " ")))
					onError(w, r, http.StatusForbidden, "forbidden")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
