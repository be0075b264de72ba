package core

import (
	"fmt"
	"time"
)

// InterfaceMode is the local endpoint's operating mode: who is signing on
// this side of the camera.
type InterfaceMode int

const (
	// ModeDeaf is the standard videophone mode.
	ModeDeaf InterfaceMode = iota
	// ModeHearing restricts relay-service dialing.
	ModeHearing
	// ModeInterpreter is the VRI/interpreter-station mode.
	ModeInterpreter
)

func (m InterfaceMode) String() string {
	switch m {
	case ModeDeaf:
		return "deaf"
	case ModeHearing:
		return "hearing"
	case ModeInterpreter:
		return "interpreter"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseInterfaceMode maps the persisted property value to a mode. Unknown
// values fall back to the standard mode.
func ParseInterfaceMode(s string) InterfaceMode {
	switch s {
	case "hearing":
		return ModeHearing
	case "interpreter", "vri":
		return ModeInterpreter
	default:
		return ModeDeaf
	}
}

// Settings is the property-derived configuration the dial and SignMail
// decisions consult. Mutated only on the core's event loop.
type Settings struct {
	Mode                  InterfaceMode
	VCOEnabled            bool
	OutgoingCallsAllowed  bool
	MustCallRoutingCenter bool

	CustomerServiceURI string
	VRSHost            string
	VRSAlternateHost   string
	VRSFailoverTimeout time.Duration
	ResolverTimeout    time.Duration

	RingGroupEnabled     bool
	RingGroupDisplayMode string

	SignMailEnabled       bool
	DirectSignMailEnabled bool
	RingsBeforeGreeting   int

	BlockCallerID        bool
	BlockCallerIDEnabled bool
	BlockAnonymous       bool

	MaxRecvSpeed int
	MaxSendSpeed int
	RealTimeText bool
	DTMFEnabled  bool

	// VideoPrivacy withholds local video when set. The SignMail workflow
	// suppresses it around greeting playback and restores it afterwards.
	VideoPrivacy bool

	ConferencePortMin int
	ConferencePortMax int

	// OwnNumber is the account's own phone number in canonical form.
	OwnNumber string
}

// DefaultSettings returns the values used before provisioning applies.
func DefaultSettings() Settings {
	return Settings{
		Mode:                 ModeDeaf,
		OutgoingCallsAllowed: true,
		SignMailEnabled:      true,
		RingsBeforeGreeting:  5,
		ResolverTimeout:      8 * time.Second,
		VRSFailoverTimeout:   5 * time.Second,
		MaxRecvSpeed:         512,
		MaxSendSpeed:         512,
		ConferencePortMin:    16384,
		ConferencePortMax:    32768,
	}
}
