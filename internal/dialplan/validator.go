package dialplan

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNotAPhoneNumber is returned by Reformat when the input matches no known
// phone-number shape.
var ErrNotAPhoneNumber = errors.New("not a phone number")

// ErrNoAreaCode is returned by Reformat when a 7-digit number needs an area
// code but none is configured.
var ErrNoAreaCode = errors.New("no area code configured")

// Validator recognizes and normalizes dial strings against a fixed rule set.
// It is immutable after construction and safe for concurrent use.
type Validator struct {
	rules Rules

	withRegion            *regexp.Regexp
	withoutRegion         *regexp.Regexp
	withoutRegionExplicit *regexp.Regexp
	withoutAreaExplicit   *regexp.Regexp
	allDigits             *regexp.Regexp
	digitsAndDots         *regexp.Regexp
	ipAddress             *regexp.Regexp
	relayStrings          []*regexp.Regexp
}

// NewValidator compiles the recognition patterns for the given rules.
func NewValidator(rules Rules) *Validator {
	ext := fmt.Sprintf("%d", rules.ExtensionLength)

	// Service short codes (N11), international prefix, and the relay
	// numbers with or without the leading country code all classify as
	// relay-shaped: they are dialed through the relay service as-is.
	relayPatterns := []string{
		`^211$`,
		`^311$`,
		`^411$`,
		`^511$`,
		`^711$`,
		`^811$`,
		`^911$`,
		`^(011)[0-9]{4,}$`,
		`^1?` + regexp.QuoteMeta(rules.RelaySpanishNumber) + `$`,
		`^1?` + regexp.QuoteMeta(rules.RelayNumber) + `$`,
	}
	relay := make([]*regexp.Regexp, 0, len(relayPatterns))
	for _, p := range relayPatterns {
		relay = append(relay, regexp.MustCompile(p))
	}

	return &Validator{
		rules: rules,

		withRegion: regexp.MustCompile(
			`^(1|\+1)[ \-.]?\(?[2-9][0-9]{2}\)?[ \-.]?[02-9][0-9]{2}[ \-.]?[0-9]{4}(x?[0-9]{1,` + ext + `})?$`),
		withoutRegion: regexp.MustCompile(
			`^\(?[2-9][0-9]{2}\)?[ \-.]?[02-9][0-9]{2}[ \-.]?[0-9]{4}(x?[0-9]{1,` + ext + `})?$`),
		withoutRegionExplicit: regexp.MustCompile(
			`^\(?[2-9][0-9]{2}\)?[ \-.]?[02-9][0-9]{2}[ \-.]?[0-9]{4}(x[0-9]{1,` + ext + `})?$`),
		withoutAreaExplicit: regexp.MustCompile(
			`^[02-9][0-9]{2}[ \-.]?[0-9]{4}(x[0-9]{1,` + ext + `})?$`),
		allDigits:     regexp.MustCompile(`^[0-9]+$`),
		digitsAndDots: regexp.MustCompile(`^[0-9][0-9.]*$`),
		ipAddress: regexp.MustCompile(
			`^(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)$`),
		relayStrings: relay,
	}
}

// Rules returns the rule set the validator was built with.
func (v *Validator) Rules() Rules {
	return v.rules
}

// IsRelayDialString reports whether the string is relay-shaped: a service
// short code, an international number, or one of the provider relay numbers.
func (v *Validator) IsRelayDialString(s string) bool {
	for _, re := range v.relayStrings {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// IsSpanishRelayNumber reports whether the string is the literal Spanish
// relay number, with or without the leading country code.
func (v *Validator) IsSpanishRelayNumber(s string) bool {
	return s == v.rules.RelaySpanishNumber || s == "1"+v.rules.RelaySpanishNumber
}

// IsEmergencyNumber reports whether the string is the emergency number.
func (v *Validator) IsEmergencyNumber(s string) bool {
	return s == v.rules.EmergencyNumber
}

// IsSupportNumber reports whether the dial string reaches customer service:
// any configured CIR number appears in the string, or the string is exactly
// the 3-digit customer-service code.
func (v *Validator) IsSupportNumber(s string) bool {
	for _, n := range v.rules.CustomerServiceNumbers {
		if strings.Contains(s, n) {
			return true
		}
	}
	return s == v.rules.CustomerServiceShort
}

// DialStringIsValid reports whether the string is dialable at all. All-digit
// strings must be valid phone numbers; digits-and-dots strings must be IP
// addresses; anything else is assumed to be a URI and passes.
func (v *Validator) DialStringIsValid(s string) bool {
	switch {
	case v.allDigits.MatchString(s):
		return v.PhoneNumberIsValid(s)
	case v.digitsAndDots.MatchString(s):
		return v.ipAddress.MatchString(s)
	default:
		return true
	}
}

// PhoneNumberIsValid reports whether the string is a recognized phone-number
// shape, including relay numbers, the lifeline, and customer service.
func (v *Validator) PhoneNumberIsValid(s string) bool {
	if v.IsRelayDialString(s) {
		return true
	}
	if s == v.rules.LifelineNumber || s == v.rules.CustomerServiceShort {
		return true
	}
	return v.withRegion.MatchString(s) ||
		v.withoutRegion.MatchString(s) ||
		v.withoutRegionExplicit.MatchString(s) ||
		v.withoutAreaExplicit.MatchString(s)
}

// IsDirectAddress reports whether the string bypasses classification
// entirely: an IP address or a URI (contains non-digit, non-separator
// characters such as '@' or an alphabetic host).
func (v *Validator) IsDirectAddress(s string) bool {
	if v.digitsAndDots.MatchString(s) && !v.allDigits.MatchString(s) {
		return v.ipAddress.MatchString(s)
	}
	return strings.Contains(s, "@") || strings.Contains(strings.ToLower(s), "sip:")
}

// Reformat normalizes a phone number to its canonical all-digit form,
// adding the country code and configured area code as needed. isRelay is
// true when the input is relay-shaped; relay strings are passed through
// (the Spanish relay number does gain the country code so it matches the
// canonical form used for language detection downstream).
//
// Returns ErrNotAPhoneNumber when the input matches no known shape and
// ErrNoAreaCode when a 7-digit number cannot be completed.
func (v *Validator) Reformat(old string) (formatted string, isRelay bool, err error) {
	isRelay = v.IsRelayDialString(old)

	if isRelay || old == v.rules.CustomerServiceShort || old == v.rules.LifelineNumber {
		if old == v.rules.RelaySpanishNumber {
			return "1" + old, isRelay, nil
		}
		return old, isRelay, nil
	}

	switch {
	case v.withRegion.MatchString(old):
		return stripNonDigits(old), false, nil

	case v.withoutRegion.MatchString(old) || v.withoutRegionExplicit.MatchString(old):
		return "1" + stripNonDigits(old), false, nil

	case v.withoutAreaExplicit.MatchString(old):
		if v.rules.AreaCode == "" {
			return "", false, ErrNoAreaCode
		}
		return "1" + v.rules.AreaCode + stripNonDigits(old), false, nil

	default:
		return "", false, ErrNotAPhoneNumber
	}
}

// SplitExtension splits a dial string that exceeds the canonical number
// length into the canonical prefix and the trailing extension. Strings at
// or under the canonical length come back unchanged with an empty extension.
func (v *Validator) SplitExtension(s string) (prefix, extension string) {
	if len(s) <= v.rules.PhoneNumberLength {
		return s, ""
	}
	return s[:v.rules.PhoneNumberLength], s[v.rules.PhoneNumberLength:]
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
