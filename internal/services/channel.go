// Package services implements the request channels to the four backend
// services (core, state notify, message, conference). Each channel accepts a
// request, returns a correlation id, and later delivers either a response or
// a removal event tagged with that id. Delivery order to a single channel
// matches submission order; correlation across channels is by id only.
package services

import "fmt"

// Kind identifies one of the backend service channels.
type Kind int

const (
	KindCore Kind = iota
	KindStateNotify
	KindMessage
	KindConference
)

func (k Kind) String() string {
	switch k {
	case KindCore:
		return "core"
	case KindStateNotify:
		return "statenotify"
	case KindMessage:
		return "message"
	case KindConference:
		return "conference"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Network is the affiliation of a resolved URI: which service network the
// address terminates on. Interpreter-mode endpoints only dial interpreter-
// network addresses.
type Network int

const (
	NetworkUnknown Network = iota
	NetworkProvider
	NetworkInterpreter
)

func (n Network) String() string {
	switch n {
	case NetworkProvider:
		return "provider"
	case NetworkInterpreter:
		return "interpreter"
	default:
		return "unknown"
	}
}

// URIInfo is one routable address from a directory resolve, with its network
// affiliation.
type URIInfo struct {
	URI     string  `json:"uri"`
	Network Network `json:"network"`
}

// DirectoryResolveResult is the payload of a successful directory resolve:
// everything the backend knows about the dialed number.
type DirectoryResolveResult struct {
	Name             string    `json:"name,omitempty"`
	DialString       string    `json:"dial_string,omitempty"`
	NewNumber        string    `json:"new_number,omitempty"`
	FromName         string    `json:"from_name,omitempty"`
	Blocked          bool      `json:"blocked,omitempty"`
	AnonymousBlocked bool      `json:"anonymous_blocked,omitempty"`
	URIs             []URIInfo `json:"uris,omitempty"`

	// SignMail eligibility for the resolved callee.
	MailboxFull         bool   `json:"mailbox_full,omitempty"`
	MaxRings            int    `json:"max_rings,omitempty"`
	MaxRecordSeconds    int    `json:"max_record_seconds,omitempty"`
	GreetingURL         string `json:"greeting_url,omitempty"`
	GreetingURL2        string `json:"greeting_url_2,omitempty"`
	GreetingText        string `json:"greeting_text,omitempty"`
	GreetingType        string `json:"greeting_type,omitempty"`
	P2PMessageSupported bool   `json:"p2p_message_supported,omitempty"`
}

// UploadGUIDResult is the payload of a message-upload-target request.
type UploadGUIDResult struct {
	GUID        string `json:"guid"`
	UploadURL   string `json:"upload_url,omitempty"`
	MailboxFull bool   `json:"mailbox_full,omitempty"`
}

// Request is one call to a backend service. Op selects the operation; Body is
// the operation-specific payload, marshaled to JSON on the wire.
type Request struct {
	Op   string
	Body any
}

// Operation names understood by the backends.
const (
	OpDirectoryResolve = "directory-resolve"
	OpUploadGUID       = "upload-guid"
	OpLogin            = "login"
	OpStateReport      = "state-report"
	OpMessageSend      = "message-send"
	OpMessageDelete    = "message-delete"
	OpRoomStatus       = "room-status"
)

// Response is a decoded backend reply. Exactly one of the typed payload
// fields is populated, according to Op.
type Response struct {
	Op          string                  `json:"op"`
	OK          bool                    `json:"ok"`
	ErrorCode   string                  `json:"error_code,omitempty"`
	Resolve     *DirectoryResolveResult `json:"resolve,omitempty"`
	UploadGUID  *UploadGUIDResult       `json:"upload_guid,omitempty"`
	NotFound    bool                    `json:"not_found,omitempty"`
	Description string                  `json:"description,omitempty"`
}

// Event is delivered for every request a channel accepted: either the
// backend's response, or a removal when the request failed at the transport
// layer before any response arrived. Exactly one of Response/Removed is set.
type Event struct {
	Channel Kind
	ID      uint32
	// Response is the backend reply; nil when the request was removed.
	Response *Response
	// Removed reports a communication failure before any response.
	Removed bool
	// Err carries the transport error for a removal.
	Err error
}

// Channel is one backend request channel.
//
// Send returns a correlation id strictly greater than zero; the id is later
// echoed in exactly one Event. Cancel abandons an outstanding request;
// canceling an id that already completed, or was never issued, is a no-op.
type Channel interface {
	Kind() Kind
	Send(req Request) (uint32, error)
	Cancel(id uint32)
}
