// Package dialplan classifies and normalizes dial strings: phone-number
// validation and reformatting, relay-number recognition, and extension
// splitting. The region-specific numbers are configuration, not code; see
// Rules.
package dialplan

// Rules holds the region/business constants the classifier needs. They are
// deployment data: provisioning pushes them down, nothing here hard-codes a
// particular region beyond the defaults.
type Rules struct {
	// PhoneNumberLength is the canonical national number length including
	// the country code digit (11 for 1NPANXXXXXX).
	PhoneNumberLength int

	// ExtensionLength is the maximum extension length accepted after a
	// canonical number.
	ExtensionLength int

	// AreaCode, when set, is prepended to 7-digit local numbers during
	// reformatting.
	AreaCode string

	// EmergencyNumber is always dialable, even when outgoing calls are
	// disallowed.
	EmergencyNumber string

	// LifelineNumber is the short crisis-line number treated as a valid
	// phone number alongside the relay service numbers.
	LifelineNumber string

	// CustomerServiceShort is the 3-digit customer-service number. It must
	// match exactly.
	CustomerServiceShort string

	// CustomerServiceNumbers are the full customer-service (CIR) numbers,
	// matched by substring against the dial string. Retired numbers stay
	// listed so saved entries keep working.
	CustomerServiceNumbers []string

	// RelayNumber and RelaySpanishNumber are the provider relay numbers
	// without the leading country code.
	RelayNumber        string
	RelaySpanishNumber string
}

// DefaultRules returns the production constants for the US deployment.
func DefaultRules() Rules {
	return Rules{
		PhoneNumberLength:    11,
		ExtensionLength:      6,
		EmergencyNumber:      "911",
		LifelineNumber:       "988",
		CustomerServiceShort: "611",
		CustomerServiceNumbers: []string{
			"8667566729",
		},
		RelayNumber:        "8663278877",
		RelaySpanishNumber: "8669877528",
	}
}
