package signing

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sinpe-node/internal/domain"
)

const (
	testSecret = "supersecreta123"
	testTxID   = "6f1c2b7e-3d4a-4b5c-9e8f-0a1b2c3d4e5f"
	testStamp  = "2025-01-15T10:30:00Z"
)

func accountPayload() *domain.Payload {
	return &domain.Payload{
		Version:       domain.ProtocolVersion,
		Timestamp:     testStamp,
		TransactionID: testTxID,
		Sender:        &domain.Party{AccountNumber: "CR53015200010000001234", BankCode: "152", Name: "Ana"},
		Receiver:      &domain.Party{AccountNumber: "CR62011900010000009999", BankCode: "119", Name: "Luis"},
		Amount: &domain.Amount{
			Value:    decimal.NullDecimal{Decimal: decimal.RequireFromString("1000"), Valid: true},
			Currency: "CRC",
		},
		Description: "rent",
	}
}

func mobilePayload() *domain.Payload {
	return &domain.Payload{
		Version:       domain.ProtocolVersion,
		Timestamp:     testStamp,
		TransactionID: testTxID,
		Sender:        &domain.Party{PhoneNumber: "61234567"},
		Receiver:      &domain.Party{PhoneNumber: "88887777"},
		Amount: &domain.Amount{
			Value:    decimal.NullDecimal{Decimal: decimal.RequireFromString("2500.5"), Valid: true},
			Currency: "CRC",
		},
		Description: "lunch",
	}
}

func TestCanonicalFormat(t *testing.T) {
	msg := Canonical(testSecret, "CR53015200010000001234", testStamp, testTxID, decimal.NewFromInt(1000))
	assert.Equal(t, "supersecreta123,CR53015200010000001234,2025-01-15T10:30:00Z,6f1c2b7e-3d4a-4b5c-9e8f-0a1b2c3d4e5f,1000.00", msg)
}

func TestSignKnownVectors(t *testing.T) {
	tests := []struct {
		name    string
		digest  string
		payload *domain.Payload
		rail    domain.Rail
		want    string
	}{
		{"md5 account rail", DigestMD5, accountPayload(), domain.RailAccount, "7e82c2423c05173108cedbb77852257b"},
		{"md5 mobile rail", DigestMD5, mobilePayload(), domain.RailMobile, "d896d49b26141c4cb5e08c3dcfbd3a79"},
		{"hmac-sha256 account rail", DigestHMACSHA256, accountPayload(), domain.RailAccount, "3bcccb73e390033eb49c75be06b2640bfbbdb721f218f9d47ecf15071351a1bf"},
		{"hmac-md5 account rail", DigestHMACMD5, accountPayload(), domain.RailAccount, "3bbb75c8a645917cec4186e8c8343559"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := LookupDigest(tt.digest)
			require.NoError(t, err)
			signer := NewSigner(d)
			assert.Equal(t, tt.want, signer.SignPayload(tt.payload, tt.rail, testSecret))
		})
	}
}

func TestSignIsDeterministic(t *testing.T) {
	signer := NewSigner(nil)
	p := accountPayload()
	first := signer.SignPayload(p, domain.RailAccount, testSecret)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, signer.SignPayload(p, domain.RailAccount, testSecret))
	}
}

func TestVerify(t *testing.T) {
	signer := NewSigner(nil)
	p := accountPayload()
	sig := signer.SignPayload(p, domain.RailAccount, testSecret)

	assert.True(t, signer.Verify(p, domain.RailAccount, sig, testSecret))
	assert.True(t, signer.Verify(p, domain.RailAccount, strings.ToUpper(sig), testSecret), "hex case is ignored")
	assert.False(t, signer.Verify(p, domain.RailAccount, sig, "another-secret"))
	assert.False(t, signer.Verify(p, domain.RailAccount, "", testSecret))
	assert.False(t, signer.Verify(nil, domain.RailAccount, sig, testSecret))

	tampered := accountPayload()
	tampered.Amount.Value.Decimal = decimal.RequireFromString("1000.01")
	assert.False(t, signer.Verify(tampered, domain.RailAccount, sig, testSecret))
}

func TestVerifyBindsRailIdentifier(t *testing.T) {
	signer := NewSigner(nil)
	p := mobilePayload()
	sig := signer.SignPayload(p, domain.RailMobile, testSecret)

	other := mobilePayload()
	other.Receiver.PhoneNumber = "88887776"
	assert.False(t, signer.Verify(other, domain.RailMobile, sig, testSecret))

	// the sender phone is not part of the signed message
	other = mobilePayload()
	other.Sender.PhoneNumber = "71112222"
	assert.True(t, signer.Verify(other, domain.RailMobile, sig, testSecret))
}

func TestLookupDigest(t *testing.T) {
	d, err := LookupDigest(" HMAC-SHA256 ")
	require.NoError(t, err)
	assert.Equal(t, DigestHMACSHA256, d.Name())

	_, err = LookupDigest("sha1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hmac-md5")

	assert.Equal(t, DigestMD5, NewSigner(nil).DigestName())
}
