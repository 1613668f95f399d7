package utils

import (
	"regexp"
	"strings"
)

// Indian registration format: state code, district number, series, number.
// Example: MH01AB1234.
var platePattern = regexp.MustCompile(`^[A-Z]{2}[0-9]{2}[A-Z]{1,2}[0-9]{4}$`)

// NormalizePlate uppercases the raw reading and strips everything that is
// not a letter or a digit. Returns "" for input with no usable characters.
func NormalizePlate(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidPlate reports whether a normalized plate is acceptable: either it
// matches the registration format exactly, or it is a plausible reading
// of 8 to 10 characters. Shorter strings are OCR noise.
func ValidPlate(normalized string) bool {
	if platePattern.MatchString(normalized) {
		return true
	}
	return len(normalized) >= 8 && len(normalized) <= 10
}
