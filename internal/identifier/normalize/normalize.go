// Package normalize canonicalizes raw identifier values so that the same
// real-world identifier always produces the same normalized string,
// whichever source system it came from.
package normalize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/benffsc/atlas/internal/identifier/models"
)

// Value normalizes raw according to the identifier type. An error means the
// value cannot be a usable identifier at all (malformed phone, empty email);
// callers treat that as a validation rejection, not a storage failure.
func Value(t models.Type, raw string) (string, error) {
	switch t {
	case models.TypeEmail:
		return Email(raw)
	case models.TypePhone:
		return Phone(raw)
	case models.TypeMicrochip:
		return Microchip(raw)
	case models.TypeAddress:
		return Address(raw)
	case models.TypeSourceRecord:
		s := strings.TrimSpace(raw)
		if s == "" {
			return "", fmt.Errorf("source record id is empty")
		}
		return s, nil
	}
	return "", fmt.Errorf("unknown identifier type %q", t)
}

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Email lowercases and trims. Plus-suffixes are kept: they are distinct
// mailboxes as far as matching is concerned.
func Email(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("email is empty")
	}
	if !emailRe.MatchString(s) {
		return "", fmt.Errorf("email %q is malformed", raw)
	}
	return s, nil
}

var nonDigitRe = regexp.MustCompile(`\D`)

// Phone reduces to a ten-digit North American number. An eleven-digit number
// with a leading 1 loses the country code; anything else is rejected.
func Phone(raw string) (string, error) {
	digits := nonDigitRe.ReplaceAllString(raw, "")
	if len(digits) == 11 && strings.HasPrefix(digits, "1") {
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return "", fmt.Errorf("phone %q does not normalize to ten digits", raw)
	}
	// Obvious placeholders: all one digit, or the classic 555-555-5555.
	if strings.Count(digits, string(digits[0])) == len(digits) {
		return "", fmt.Errorf("phone %q is a placeholder", raw)
	}
	return digits, nil
}

// Microchip strips separators and validates length. ISO chips are 15 digits;
// older AVID/FECAVA chips are 9 or 10 alphanumerics.
func Microchip(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer(" ", "", "-", "", ".", "").Replace(s)
	if s == "" {
		return "", fmt.Errorf("microchip is empty")
	}
	switch len(s) {
	case 9, 10:
		// AVID/FECAVA era chips may carry letters.
	case 15:
		for _, r := range s {
			if r < '0' || r > '9' {
				return "", fmt.Errorf("microchip %q has non-digit in ISO chip", raw)
			}
		}
	default:
		return "", fmt.Errorf("microchip %q has invalid length %d", raw, len(s))
	}
	return s, nil
}

var (
	addrPunctRe = regexp.MustCompile(`[.,#]`)

	// Common USPS suffix and directional abbreviations. Enough to make the
	// same street from two sources collide; not a full CASS implementation.
	addrSubs = map[string]string{
		"STREET": "ST", "AVENUE": "AVE", "AV": "AVE", "BOULEVARD": "BLVD",
		"DRIVE": "DR", "LANE": "LN", "ROAD": "RD", "COURT": "CT",
		"CIRCLE": "CIR", "PLACE": "PL", "TERRACE": "TER", "HIGHWAY": "HWY",
		"PARKWAY": "PKWY", "TRAIL": "TRL", "WAY": "WAY",
		"NORTH": "N", "SOUTH": "S", "EAST": "E", "WEST": "W",
		"NORTHEAST": "NE", "NORTHWEST": "NW", "SOUTHEAST": "SE", "SOUTHWEST": "SW",
		"APARTMENT": "APT", "SUITE": "STE", "UNIT": "UNIT",
	}
)

// Address uppercases, strips punctuation, collapses whitespace, and applies
// USPS-style abbreviations token by token.
func Address(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("address is empty")
	}
	s = addrPunctRe.ReplaceAllString(s, " ")
	// Fields drops the empty tokens punctuation substitution leaves behind,
	// so "55 Oak Ave." and "55 Oak Ave" land on the same key.
	tokens := strings.Fields(s)
	for i, tok := range tokens {
		if sub, ok := addrSubs[tok]; ok {
			tokens[i] = sub
		}
	}
	out := strings.Join(tokens, " ")
	if out == "" {
		return "", fmt.Errorf("address %q normalizes to nothing", raw)
	}
	return out, nil
}

// IsPOBoxOnly reports whether the normalized address is nothing but a PO
// box. Those are rejected as place identifiers: a box at the post office is
// not a trapping location.
func IsPOBoxOnly(normalized string) bool {
	s := strings.ReplaceAll(normalized, " ", "")
	return strings.HasPrefix(s, "POBOX") || strings.HasPrefix(s, "PMB")
}
