package validation

import "strings"

// ValidPhone accepts 8 digit national numbers starting with 2, 6, 7 or 8.
func ValidPhone(phone string) bool {
	phone = strings.TrimSpace(phone)
	if len(phone) != 8 || !allDigits(phone) {
		return false
	}
	switch phone[0] {
	case '2', '6', '7', '8':
		return true
	}
	return false
}
