package whatsapp

import "strings"

// NormalizeAddress turns a phone number as users type it into the form the
// Cloud API expects: digits only, and Mexican mobiles written as 52 plus ten
// digits get the 521 prefix.
func NormalizeAddress(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "whatsapp:")
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 12 && strings.HasPrefix(digits, "52") {
		return "521" + digits[2:]
	}
	return digits
}
