// Package phone normalizes raw CRM phone values into E.164.
//
// The audience data comes from operators typing numbers into CRM cards, so
// the input is messy: spaces, dashes, parentheses, local 8-prefixed forms,
// bare mobile numbers without any country code. Russian conventions are
// applied before validation because that is where the audience lives.
package phone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalid is wrapped by every rejection returned from Normalize.
var ErrInvalid = errors.New("invalid phone number")

// Normalize converts a raw phone value to E.164 ("+79261234567").
//
// Heuristics, applied to the digit string after stripping formatting:
//   - 11 digits starting with 8: domestic trunk prefix, replaced with +7
//   - 11 digits starting with 7: country code without the plus
//   - 10 digits starting with 9: bare mobile number, +7 prepended
//
// Anything already carrying a leading + keeps its country code. The result
// is validated with libphonenumber; values that don't parse as a real
// number are rejected with an error wrapping ErrInvalid.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}

	plus := strings.HasPrefix(s, "+")
	digits := keepDigits(s)
	if digits == "" {
		return "", fmt.Errorf("%w: %q has no digits", ErrInvalid, raw)
	}

	var candidate string
	switch {
	case plus:
		candidate = "+" + digits
	case len(digits) == 11 && digits[0] == '8':
		candidate = "+7" + digits[1:]
	case len(digits) == 11 && digits[0] == '7':
		candidate = "+" + digits
	case len(digits) == 10 && digits[0] == '9':
		candidate = "+7" + digits
	default:
		candidate = "+" + digits
	}

	num, err := phonenumbers.Parse(candidate, "")
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalid, raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func keepDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
