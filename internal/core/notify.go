package core

import (
	"fmt"

	"github.com/krishvios/signvios/internal/call"
	"github.com/krishvios/signvios/internal/services"
)

// NotificationKind identifies an outbound signal to the application.
type NotificationKind int

const (
	// NotifyDialMethodDetermined asks the application to confirm the
	// resolved method before dialing continues.
	NotifyDialMethodDetermined NotificationKind = iota
	// NotifyRedirectedNumber reports that the directory redirected the
	// dialed number.
	NotifyRedirectedNumber
	// NotifyResolutionFailed reports a directory-resolve failure that
	// needs an application decision.
	NotifyResolutionFailed
	// NotifySignMailAvailable reports that the callee can take a video
	// message.
	NotifySignMailAvailable
	// NotifySignMailRecordingStarted reports that message recording began.
	NotifySignMailRecordingStarted
	// NotifyUploadGUIDRequestFailed reports that the upload-target
	// handshake failed or timed out.
	NotifyUploadGUIDRequestFailed
	// NotifyMailboxFull reports that the callee's mailbox is full.
	NotifyMailboxFull
	// NotifyTransferFailed reports that a transfer attempt was abandoned
	// and the call restored.
	NotifyTransferFailed
	// NotifyServiceEvent forwards a backend event whose correlation id
	// does not belong to this core.
	NotifyServiceEvent
	// NotifyVideoPrivacyChanged reports that the effective video-privacy
	// state changed; the application must show or withhold local video
	// accordingly.
	NotifyVideoPrivacyChanged
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyDialMethodDetermined:
		return "dial-method-determined"
	case NotifyRedirectedNumber:
		return "redirected-number"
	case NotifyResolutionFailed:
		return "resolution-failed"
	case NotifySignMailAvailable:
		return "signmail-available"
	case NotifySignMailRecordingStarted:
		return "signmail-recording-started"
	case NotifyUploadGUIDRequestFailed:
		return "upload-guid-request-failed"
	case NotifyMailboxFull:
		return "mailbox-full"
	case NotifyTransferFailed:
		return "transfer-failed"
	case NotifyServiceEvent:
		return "service-event"
	case NotifyVideoPrivacyChanged:
		return "video-privacy-changed"
	default:
		return fmt.Sprintf("notification(%d)", int(k))
	}
}

// Notification is one outbound signal. CallID is zero when the signal is not
// tied to a call.
type Notification struct {
	Kind       NotificationKind
	CallID     uint64
	Method     call.DialMethod
	DialString string
	NewNumber  string
	Err        *Error
	// VideoPrivacy is the effective privacy state carried by
	// NotifyVideoPrivacyChanged.
	VideoPrivacy bool
	// Service carries the forwarded backend event for NotifyServiceEvent.
	Service *services.Event
}

// Notifier receives outbound signals. It is invoked on the core's event
// loop, so implementations must not block.
type Notifier func(Notification)

func (c *Core) notify(n Notification) {
	c.logger.Debug("notification",
		"kind", n.Kind.String(),
		"call_id", n.CallID,
		"dial_string", n.DialString,
	)
	c.metrics.NotificationSent(n.Kind.String())
	if c.notifier != nil {
		c.notifier(n)
	}
}
