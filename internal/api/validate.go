package api

import (
	"regexp"
	"unicode/utf8"
)

// maxNameLen is the maximum length for name and description fields.
const maxNameLen = 200

// maxDialStringLen bounds dial strings; covers numbers, descriptions, and
// host literals.
const maxDialStringLen = 253

// maxCaptionLen bounds one caption segment attached to a recording.
const maxCaptionLen = 1000

// pinRe validates PINs: digits only, 4-20 chars.
var pinRe = regexp.MustCompile(`^\d{4,20}$`)

// phoneRe validates ring-group member numbers: digits only, 1-15 chars.
var phoneRe = regexp.MustCompile(`^\d{1,15}$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed
// maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

func validateDialString(value string) string {
	return validateRequiredStringLen("dial_string", value, maxDialStringLen)
}

func validateCaption(value string) string {
	return validateRequiredStringLen("text", value, maxCaptionLen)
}

func validatePIN(value string) string {
	if value == "" {
		return "pin is required"
	}
	if !pinRe.MatchString(value) {
		return "pin must be 4-20 digits"
	}
	return ""
}

func validatePhoneNumber(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !phoneRe.MatchString(value) {
		return field + " must be digits only"
	}
	return ""
}

// validatePropertyKey bounds property keys; the dotted key namespace never
// needs more than this.
func validatePropertyKey(value string) string {
	return validateRequiredStringLen("key", value, maxNameLen)
}
