package sms

import "strings"

const DefaultCountryCode = "254"

// NormalizePhone rewrites a phone number to international digits without a
// leading "+": separators are dropped, a local trunk "0" becomes the country
// code and bare local numbers get the country code prepended.
//
//	0712345678, +254712345678, 254712345678, 712 345 678 -> 254712345678
func NormalizePhone(number, countryCode string) string {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}

	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
	}

	switch {
	case digits == "":
		return ""
	case strings.HasPrefix(digits, countryCode):
		return digits
	case strings.HasPrefix(digits, "0"):
		return countryCode + digits[1:]
	default:
		return countryCode + digits
	}
}
