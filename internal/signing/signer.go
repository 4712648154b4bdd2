package signing

import (
	"crypto/subtle"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/example/sinpe-node/internal/domain"
)

// Separator joins the canonical message fields.
const Separator = ","

// Signer produces and verifies transfer signatures with a single digest.
type Signer struct {
	digest Digest
}

// NewSigner creates a signer. A nil digest falls back to md5, the
// network-wide default.
func NewSigner(digest Digest) *Signer {
	if digest == nil {
		digest = digests[DigestMD5]
	}
	return &Signer{digest: digest}
}

// DigestName reports the digest in use
func (s *Signer) DigestName() string {
	return s.digest.Name()
}

// Canonical builds the message that gets signed:
// secret,identifier,timestamp,transactionID,amount
func Canonical(secret, identifier, timestamp, transactionID string, amount decimal.Decimal) string {
	return strings.Join([]string{
		secret,
		identifier,
		timestamp,
		transactionID,
		amount.StringFixed(2),
	}, Separator)
}

// Sign returns the lowercase hex signature for the given fields.
func (s *Signer) Sign(identifier, timestamp, transactionID string, amount decimal.Decimal, secret string) string {
	return s.digest.Sum(secret, Canonical(secret, identifier, timestamp, transactionID, amount))
}

// SignPayload signs p for the given rail using the payload's own fields.
func (s *Signer) SignPayload(p *domain.Payload, rail domain.Rail, secret string) string {
	return s.Sign(p.Identifier(rail), p.Timestamp, p.TransactionID, p.Value(), secret)
}

// Verify recomputes the signature from p and compares it to provided in
// constant time. Case of the provided hex is ignored.
func (s *Signer) Verify(p *domain.Payload, rail domain.Rail, provided, secret string) bool {
	if p == nil || provided == "" {
		return false
	}
	expected := s.SignPayload(p, rail, secret)
	got := strings.ToLower(strings.TrimSpace(provided))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
