// Package call holds the call-session data model shared by the call-control
// core and its collaborators: dial methods, lifecycle states, routing
// addresses, and the session storage owned by the conference layer.
package call

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/krishvios/signvios/internal/services"
)

// Direction indicates who initiated the call.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// State is the call lifecycle state.
type State int

const (
	StateIdle State = iota
	StateResolvingName
	StateDialing
	StateLeavingMessage
	StateConnected
	StateInitTransfer
	StateTransferring
	StateDisconnected
)

var stateNames = map[State]string{
	StateIdle:           "idle",
	StateResolvingName:  "resolving-name",
	StateDialing:        "dialing",
	StateLeavingMessage: "leaving-message",
	StateConnected:      "connected",
	StateInitTransfer:   "init-transfer",
	StateTransferring:   "transferring",
	StateDisconnected:   "disconnected",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// InTransfer reports whether the call is mid-transfer. Failures in this
// window revert the call to connected instead of hanging up.
func (s State) InTransfer() bool {
	return s == StateInitTransfer || s == StateTransferring
}

// DialMethod classifies how a dial string is turned into a routable call.
type DialMethod int

const (
	// MethodUnknown means the method is determined by classification. The
	// zero value, so a dial with no explicit method is auto-determined.
	MethodUnknown DialMethod = iota

	// MethodUnknownVCO is MethodUnknown with the VCO bit set.
	MethodUnknownVCO

	// MethodDialString dials the string directly (URI, IP, or a configured
	// customer-service target) with no directory resolve.
	MethodDialString

	// MethodDSPhoneNumber resolves a phone number through the directory
	// service before dialing.
	MethodDSPhoneNumber

	// MethodVRS routes the call through the relay service.
	MethodVRS

	// MethodVRSVCO is a relay call with voice carry-over.
	MethodVRSVCO
)

var methodNames = map[DialMethod]string{
	MethodDialString:    "dial-string",
	MethodDSPhoneNumber: "ds-phone-number",
	MethodVRS:           "vrs",
	MethodVRSVCO:        "vrs-vco",
	MethodUnknown:       "unknown",
	MethodUnknownVCO:    "unknown-vco",
}

func (m DialMethod) String() string {
	if n, ok := methodNames[m]; ok {
		return n
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// ParseDialMethod maps a method name back to its DialMethod. The empty
// string parses as MethodUnknown, so callers that omit the method get
// auto-classification.
func ParseDialMethod(name string) (DialMethod, error) {
	if name == "" {
		return MethodUnknown, nil
	}
	for m, n := range methodNames {
		if n == name {
			return m, nil
		}
	}
	return MethodUnknown, fmt.Errorf("unknown dial method %q", name)
}

// IsVCO reports whether the method carries the voice-carry-over bit.
func (m DialMethod) IsVCO() bool {
	return m == MethodVRSVCO || m == MethodUnknownVCO
}

// IsUnknown reports whether the method still needs classification.
func (m DialMethod) IsUnknown() bool {
	return m == MethodUnknown || m == MethodUnknownVCO
}

// TransferRole marks a call's part in an attended transfer.
type TransferRole int

const (
	TransferNone TransferRole = iota
	TransferTransferer
	TransferTransferee
)

// Result is the diagnostic result code attached to a call when it ends.
type Result int

const (
	ResultNone Result = iota
	ResultNormal
	ResultRemoteSystemUnreachable
	ResultDirectoryFindFailed
	ResultAnonymousCallNotAllowed
	ResultSvrsCallsNotAllowed
	ResultMailboxFull
)

var resultNames = map[Result]string{
	ResultNone:                    "none",
	ResultNormal:                  "normal",
	ResultRemoteSystemUnreachable: "remote-system-unreachable",
	ResultDirectoryFindFailed:     "directory-find-failed",
	ResultAnonymousCallNotAllowed: "anonymous-call-not-allowed",
	ResultSvrsCallsNotAllowed:     "svrs-calls-not-allowed",
	ResultMailboxFull:             "mailbox-full",
}

func (r Result) String() string {
	if n, ok := resultNames[r]; ok {
		return n
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// RoutingAddress is the resolved SIP target for a call.
type RoutingAddress struct {
	URI sip.Uri
}

// ParseRoutingAddress parses a SIP URI string into a routing address.
func ParseRoutingAddress(s string) (RoutingAddress, error) {
	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		return RoutingAddress{}, fmt.Errorf("parsing routing address %q: %w", s, err)
	}
	return RoutingAddress{URI: uri}, nil
}

func (a RoutingAddress) String() string {
	return a.URI.String()
}

// IsZero reports whether no routing target has been set.
func (a RoutingAddress) IsZero() bool {
	return a.URI.Host == ""
}

// GreetingType is the callee's SignMail greeting preference reported by
// directory resolve.
type GreetingType int

const (
	GreetingNone GreetingType = iota
	GreetingVideo
	GreetingTextOnly
)

// SignMailInfo is the leave-message eligibility info a directory resolve
// attaches to an outgoing call.
type SignMailInfo struct {
	MaxRings         int
	MaxRecordSeconds int
	GreetingURL      string
	GreetingURL2     string
	GreetingText     string
	GreetingType     GreetingType
	MailboxFull      bool
}

var nextSessionID atomic.Uint64

// Session is one attempted or active call. The conference layer owns every
// session; the core holds a reference only while a decision is pending.
// All fields other than ID are mutated exclusively on the core event loop;
// readers outside the loop must go through core accessors.
type Session struct {
	// ID is the process-unique session identifier.
	ID uint64

	Direction Direction
	State     State

	// OriginalMethod is the method the call was created with; Method is the
	// current method after classification rewrote it.
	OriginalMethod DialMethod
	Method         DialMethod

	// DialString is the remote dial string as currently understood.
	DialString string

	// TransferDialString is the numeric dial string recorded for transfer
	// target display. Always a number, never a ring-group description.
	TransferDialString string

	Routing      RoutingAddress
	TransferRole TransferRole

	// RequestID is the correlation id of the outstanding backend request
	// owned by this call, or zero. Correlation ids are only unique per
	// channel, so RequestChannel names the channel that allocated it.
	RequestID      uint32
	RequestChannel services.Kind

	// VRSFailover is the relay failover address, if resolved.
	VRSFailover string

	CallListName  string
	RelayLanguage string
	FromName      string

	// DialSource names the UI surface the dial came from, for history.
	DialSource string

	// Result is the diagnostic code attached when the call ends.
	Result Result

	CallerIDBlocked bool
	DirectSignMail  bool
	InContacts      bool

	// SpawnCapable marks a connected session that supports spawning a
	// companion relay call instead of creating a new one.
	SpawnCapable bool

	Encryption bool

	SignMail SignMailInfo

	StartedAt time.Time
}

// NewSession creates a session in the given initial state.
func NewSession(direction Direction, method DialMethod, dialString string, state State) *Session {
	return &Session{
		ID:             nextSessionID.Add(1),
		Direction:      direction,
		State:          state,
		OriginalMethod: method,
		Method:         method,
		DialString:     dialString,
		StartedAt:      time.Now(),
	}
}
