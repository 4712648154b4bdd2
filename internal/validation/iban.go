package validation

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/example/sinpe-node/internal/domain"
)

const (
	ibanCountry = "CR"
	ibanLength  = 22
)

// ValidIBAN reports whether account is a Costa Rican IBAN with a correct
// mod-97 check. Spaces and dashes are ignored.
func ValidIBAN(account string) bool {
	compact := domain.CompactAccount(account)
	if len(compact) != ibanLength || !strings.HasPrefix(compact, ibanCountry) {
		return false
	}
	if !allDigits(compact[2:]) {
		return false
	}
	return ibanChecksum(compact) == 1
}

// ibanChecksum moves the country code and check digits to the end, maps
// letters to 10..35 and returns the remainder mod 97.
func ibanChecksum(compact string) int64 {
	rearranged := compact[4:] + compact[:4]
	var digits strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			digits.WriteString(strconv.Itoa(int(r-'A') + 10))
		default:
			return -1
		}
	}
	n, ok := new(big.Int).SetString(digits.String(), 10)
	if !ok {
		return -1
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64()
}

// BankCode extracts the three digit bank code that follows "CRkk0".
func BankCode(account string) string {
	compact := domain.CompactAccount(account)
	if len(compact) < 8 {
		return ""
	}
	return compact[5:8]
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
