package core

import (
	"errors"
	"fmt"
)

// Kind classifies call-control failures.
type Kind int

const (
	KindNone Kind = iota
	KindOfflineActionNotAllowed
	KindNotAPhoneNumber
	KindUnableToDialSelf
	KindSvrsCallsNotAllowed
	KindNoP2PExtensions
	KindRemoteSystemUnreachable
	KindAnonymousCallNotAllowed
	KindDirectoryFindFailed
	KindTransferFailed
	KindDirectSignMailUnavailable
	KindMailboxFull
	KindAlreadyActive
	KindRequestTimedOut
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindOfflineActionNotAllowed:
		return "offline action not allowed"
	case KindNotAPhoneNumber:
		return "not a phone number"
	case KindUnableToDialSelf:
		return "unable to dial self"
	case KindSvrsCallsNotAllowed:
		return "relay calls not allowed"
	case KindNoP2PExtensions:
		return "extensions not supported for point-to-point calls"
	case KindRemoteSystemUnreachable:
		return "remote system unreachable"
	case KindAnonymousCallNotAllowed:
		return "anonymous call not allowed"
	case KindDirectoryFindFailed:
		return "directory find failed"
	case KindTransferFailed:
		return "transfer failed"
	case KindDirectSignMailUnavailable:
		return "direct videomail unavailable"
	case KindMailboxFull:
		return "mailbox full"
	case KindAlreadyActive:
		return "already active"
	case KindRequestTimedOut:
		return "request timed out"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a call-control failure with its classification attached.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

// kindError builds an *Error with the kind's default message.
func kindError(k Kind) *Error {
	return &Error{Kind: k}
}

// kindErrorf builds an *Error with a formatted message.
func kindErrorf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classification from an error; KindNone for nil or
// foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindNone
}
