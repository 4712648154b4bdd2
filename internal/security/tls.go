package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
)

// TLSConfig names the PEM files for one side of a node connection. The same
// certificate serves inbound peer traffic and outbound dispatch.
type TLSConfig struct {
	CertFile          string
	KeyFile           string
	CAFile            string
	RequireClientAuth bool
	// ServerName overrides the name checked on the peer's certificate when
	// dialing. Empty uses the host of the peer's network address.
	ServerName string
}

// LoadServerTLSConfig builds the listener config. With a CA file the server
// verifies any certificate a caller presents, and RequireClientAuth makes
// presenting one mandatory.
func LoadServerTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg, err := baseTLSConfig(cfg, "server")
	if err != nil {
		return nil, err
	}

	switch {
	case cfg.RequireClientAuth:
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	case cfg.CAFile != "":
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	default:
		tlsCfg.ClientAuth = tls.NoClientCert
	}
	if cfg.RequireClientAuth && cfg.CAFile == "" {
		return nil, errors.New("client certificate verification requires a CA file")
	}
	if cfg.CAFile != "" {
		if tlsCfg.ClientCAs, err = loadCAPool(cfg.CAFile); err != nil {
			return nil, err
		}
	}
	return tlsCfg, nil
}

// LoadClientTLSConfig builds the config used to dial peer nodes.
func LoadClientTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg, err := baseTLSConfig(cfg, "client")
	if err != nil {
		return nil, err
	}
	tlsCfg.ServerName = cfg.ServerName
	if cfg.CAFile != "" {
		if tlsCfg.RootCAs, err = loadCAPool(cfg.CAFile); err != nil {
			return nil, err
		}
	}
	return tlsCfg, nil
}

func baseTLSConfig(cfg TLSConfig, side string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s certificate and key: %w", side, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no certificates found in CA bundle %s", path)
	}
	return pool, nil
}

// VerifyTLSFiles reports every TLS file that is unset or missing.
func VerifyTLSFiles(certFile, keyFile, caFile string) error {
	var errs []error
	for _, f := range []struct{ name, path string }{
		{"certificate", certFile},
		{"key", keyFile},
		{"CA bundle", caFile},
	} {
		if f.path == "" {
			errs = append(errs, fmt.Errorf("TLS %s path is empty", f.name))
			continue
		}
		if _, err := os.Stat(f.path); err != nil {
			errs = append(errs, fmt.Errorf("TLS %s: %w", f.name, err))
		}
	}
	return errors.Join(errs...)
}

// GenerateTLSPaths lays out server.crt, server.key and ca.crt under baseDir.
func GenerateTLSPaths(baseDir string) (certFile, keyFile, caFile string) {
	return filepath.Join(baseDir, "server.crt"), filepath.Join(baseDir, "server.key"), filepath.Join(baseDir, "ca.crt")
}

// PeerIdentity reads the calling node's bank code from its client
// certificate. The Common Name carries the bank code and the Organization
// entries list the roles granted to it.
func PeerIdentity(clientCert *x509.Certificate) (bank string, roles []string, err error) {
	if clientCert == nil {
		return "", nil, errors.New("client certificate is nil")
	}

	bank = clientCert.Subject.CommonName
	if bank == "" {
		return "", nil, errors.New("certificate Common Name is empty")
	}

	roles = clientCert.Subject.Organization

	return bank, roles, nil
}

// PeerAllowed reports whether bank may call the inbound transfer endpoints.
// An empty allow list admits any identified peer.
func PeerAllowed(bank string, allowed []string) bool {
	if bank == "" {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == bank {
			return true
		}
	}
	return false
}

// RequirePeer rejects mutual-TLS callers whose certificate does not name an
// allowed bank. Plain connections pass through; the message signature still
// authenticates them.
func RequirePeer(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			bank, _, err := PeerIdentity(r.TLS.PeerCertificates[0])
			if err != nil || !PeerAllowed(bank, allowed) {
				WriteJSONError(w, r, http.StatusForbidden, "unknown_peer")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
