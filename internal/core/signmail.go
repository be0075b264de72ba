package core

import (
	"time"

	"github.com/krishvios/signvios/internal/call"
	"github.com/krishvios/signvios/internal/eventloop"
	"github.com/krishvios/signvios/internal/media"
	"github.com/krishvios/signvios/internal/services"
)

// textGreetingDuration is how long a text-only greeting stays on screen
// before recording setup begins.
const textGreetingDuration = 30 * time.Second

type leaveStage int

const (
	stageGreeting leaveStage = iota
	stageAwaitGUID
	stageRecording
	stageRecorded
)

// leaveSession is the state of one in-progress leave-message workflow. At
// most one exists at a time; it lives entirely on the core event loop.
type leaveSession struct {
	call  *call.Session
	stage leaveStage

	// guidRequestID is the outstanding upload-target request, 0 when none.
	guidRequestID uint32
	guidChannel   services.Kind

	greetingItem   string
	greetingLoaded bool

	guid      string
	uploadURL string
	captions  []string

	// watchdog bounds both the text-greeting display and the upload-target
	// wait. It is stopped and restarted between stages.
	watchdog *eventloop.Timer

	// privacySuppressed marks that this workflow lifted the user's video
	// privacy and owes a restore.
	privacySuppressed bool

	failNotified bool
}

// LeaveMessage starts the leave-message workflow on the given call: play the
// callee's greeting, obtain an upload target, then record. Only one workflow
// may run at a time.
func (c *Core) LeaveMessage(callID uint64) error {
	return c.loop.Call(func() error {
		if c.signMail != nil {
			return kindError(KindAlreadyActive)
		}
		s := c.conference.Storage().Get(callID)
		if s == nil {
			return kindErrorf(KindDirectoryFindFailed, "no call %d", callID)
		}
		if !c.settings.SignMailEnabled {
			return kindError(KindDirectSignMailUnavailable)
		}
		if s.SignMail.MailboxFull {
			c.notify(Notification{Kind: NotifyMailboxFull, CallID: s.ID})
			return kindError(KindMailboxFull)
		}

		ls := &leaveSession{
			call:     s,
			watchdog: eventloop.NewTimer(c.loop),
		}
		c.signMail = ls
		if c.player != nil {
			c.player.BindCall(s.ID)
		}
		c.startGreeting(ls)
		return nil
	})
}

// suppressVideoPrivacy lifts the user's video privacy for the duration of
// the workflow, so the recording can carry their video. No-op when privacy
// is off.
func (c *Core) suppressVideoPrivacy(ls *leaveSession) {
	if ls.privacySuppressed || !c.settings.VideoPrivacy {
		return
	}
	ls.privacySuppressed = true
	c.notify(Notification{Kind: NotifyVideoPrivacyChanged, CallID: ls.call.ID, VideoPrivacy: false})
}

// restoreVideoPrivacy reinstates the user's privacy preference.
func (c *Core) restoreVideoPrivacy(ls *leaveSession) {
	if !ls.privacySuppressed {
		return
	}
	ls.privacySuppressed = false
	c.notify(Notification{Kind: NotifyVideoPrivacyChanged, CallID: ls.call.ID, VideoPrivacy: true})
}

// startGreeting plays or displays the callee's greeting, or skips straight
// to the upload-target handshake when there is nothing to present.
func (c *Core) startGreeting(ls *leaveSession) {
	info := ls.call.SignMail
	c.suppressVideoPrivacy(ls)

	switch {
	case hasVideoGreeting(info) && c.player != nil:
		url := info.GreetingURL
		if url == "" {
			url = info.GreetingURL2
		}
		item, err := c.player.Load(url)
		if err != nil {
			c.logger.Warn("greeting load failed", "call_id", ls.call.ID, "error", err)
			c.requestUploadGUID(ls)
			return
		}
		ls.greetingItem = item
		// Playback starts once the player reports the item ready.

	case info.GreetingType == call.GreetingTextOnly && info.GreetingText != "":
		// The application renders the text; recording setup starts after a
		// fixed display interval.
		ls.watchdog.Start(textGreetingDuration, func() {
			if c.signMail == ls {
				c.requestUploadGUID(ls)
			}
		})

	default:
		c.requestUploadGUID(ls)
	}
}

// hasVideoGreeting reports whether the info describes a playable video
// greeting.
func hasVideoGreeting(info call.SignMailInfo) bool {
	return info.GreetingType == call.GreetingVideo &&
		(info.GreetingURL != "" || info.GreetingURL2 != "")
}

// requestUploadGUID asks the message backend for an upload target. The wait
// is bounded by the resolver timeout plus a grace second; on expiry the
// request is cancelled and the failure is surfaced exactly once.
func (c *Core) requestUploadGUID(ls *leaveSession) {
	ls.watchdog.Stop()
	ls.stage = stageAwaitGUID

	id, err := c.correlator.Send(services.KindMessage, services.Request{
		Op: services.OpUploadGUID,
		Body: map[string]any{
			"dial_string":        ls.call.DialString,
			"max_record_seconds": ls.call.SignMail.MaxRecordSeconds,
		},
	}, ls.call, false)
	if err != nil || id == 0 {
		c.failLeaveMessage(ls, kindErrorf(KindRequestTimedOut, "requesting upload target: %v", err))
		return
	}
	ls.guidRequestID = id
	ls.guidChannel = services.KindMessage

	timeout := c.settings.ResolverTimeout + time.Second
	ls.watchdog.Start(timeout, func() {
		if c.signMail != ls || ls.guidRequestID == 0 {
			return
		}
		c.correlator.Cancel(ls.guidChannel, ls.guidRequestID)
		ls.guidRequestID = 0
		c.failLeaveMessage(ls, kindError(KindRequestTimedOut))
	})
}

// onUploadGUIDResponse finishes the upload-target handshake: either the
// mailbox is full and the attempt ends, or recording starts.
func (c *Core) onUploadGUIDResponse(resp *services.Response, owner *call.Session) {
	ls := c.signMail
	if ls == nil || owner == nil || owner.ID != ls.call.ID {
		return
	}
	ls.guidRequestID = 0
	ls.watchdog.Stop()

	if resp == nil || !resp.OK || resp.UploadGUID == nil {
		c.failLeaveMessage(ls, kindError(KindRequestTimedOut))
		return
	}
	result := resp.UploadGUID

	if result.MailboxFull {
		// Nothing to record into; end the call and tell the application.
		// The failure notification is suppressed, MailboxFull covers it.
		ls.failNotified = true
		c.restoreVideoPrivacy(ls)
		c.notify(Notification{Kind: NotifyMailboxFull, CallID: ls.call.ID})
		c.clearLeaveSession(ls)
		if err := c.conference.HangUp(ls.call, call.ResultNormal); err != nil {
			c.logger.Warn("hangup after full mailbox", "call_id", ls.call.ID, "error", err)
		}
		return
	}

	ls.guid = result.GUID
	ls.uploadURL = result.UploadURL

	if c.player == nil {
		c.failLeaveMessage(ls, kindError(KindDirectSignMailUnavailable))
		return
	}
	if err := c.player.RecordStart(result.UploadURL); err != nil {
		c.failLeaveMessage(ls, kindErrorf(KindRequestTimedOut, "starting record: %v", err))
		return
	}
	ls.stage = stageRecording
	c.notify(Notification{
		Kind:       NotifySignMailRecordingStarted,
		CallID:     ls.call.ID,
		DialString: ls.call.DialString,
	})
}

// onUploadGUIDRemoved handles a communication failure on the upload-target
// request. The call stays up; only the leave-message attempt fails.
func (c *Core) onUploadGUIDRemoved(err error, owner *call.Session) {
	ls := c.signMail
	if ls == nil || owner == nil || owner.ID != ls.call.ID {
		return
	}
	ls.guidRequestID = 0
	ls.watchdog.Stop()
	c.logger.Warn("upload target request removed", "call_id", owner.ID, "error", err)
	c.failLeaveMessage(ls, kindError(KindRequestTimedOut))
}

// SkipGreeting abandons the greeting presentation: playback stops, the
// text-greeting display timer is cancelled, and the workflow moves straight
// to the upload-target handshake.
func (c *Core) SkipGreeting() error {
	return c.loop.Call(func() error {
		ls := c.signMail
		if ls == nil || ls.stage != stageGreeting {
			return kindError(KindAlreadyActive)
		}
		if c.player != nil && c.player.BoundCall() == ls.call.ID {
			c.player.Stop()
		}
		c.requestUploadGUID(ls)
		return nil
	})
}

// AddCaption appends caption text to the message being recorded.
func (c *Core) AddCaption(text string) error {
	return c.loop.Call(func() error {
		ls := c.signMail
		if ls == nil || ls.stage != stageRecording {
			return kindError(KindAlreadyActive)
		}
		ls.captions = append(ls.captions, text)
		return nil
	})
}

// FinishRecording stops capture. The recorded message stays pending until it
// is sent or deleted.
func (c *Core) FinishRecording() error {
	return c.loop.Call(func() error {
		ls := c.signMail
		if ls == nil || ls.stage != stageRecording {
			return kindError(KindAlreadyActive)
		}
		if err := c.player.RecordStop(); err != nil {
			return kindErrorf(KindRequestTimedOut, "stopping record: %v", err)
		}
		ls.stage = stageRecorded
		return nil
	})
}

// SendRecordedMessage commits the recorded message to the backend under its
// upload GUID, with any accumulated captions.
func (c *Core) SendRecordedMessage() error {
	return c.loop.Call(func() error {
		ls := c.signMail
		if ls == nil || ls.guid == "" {
			return kindError(KindDirectSignMailUnavailable)
		}
		if ls.stage == stageRecording {
			if err := c.player.RecordStop(); err != nil {
				return kindErrorf(KindRequestTimedOut, "stopping record: %v", err)
			}
		}
		_, err := c.correlator.Send(services.KindMessage, services.Request{
			Op: services.OpMessageSend,
			Body: map[string]any{
				"guid":        ls.guid,
				"dial_string": ls.call.DialString,
				"captions":    ls.captions,
			},
		}, nil, false)
		if err != nil {
			return kindErrorf(KindRemoteSystemUnreachable, "sending message: %v", err)
		}
		c.metrics.NotificationSent("signmail-send")
		c.clearLeaveSession(ls)
		return nil
	})
}

// DeleteRecordedMessage abandons the recorded message: the backend drops the
// upload GUID and the local capture is discarded.
func (c *Core) DeleteRecordedMessage() error {
	return c.loop.Call(func() error {
		ls := c.signMail
		if ls == nil {
			return kindError(KindDirectSignMailUnavailable)
		}
		if ls.stage == stageRecording {
			if err := c.player.RecordStop(); err != nil {
				c.logger.Warn("stopping record for delete", "error", err)
			}
		}
		if ls.guid != "" {
			_, err := c.correlator.Send(services.KindMessage, services.Request{
				Op:   services.OpMessageDelete,
				Body: map[string]any{"guid": ls.guid},
			}, nil, false)
			if err != nil {
				c.logger.Warn("deleting message", "guid", ls.guid, "error", err)
			}
		}
		c.clearLeaveSession(ls)
		return nil
	})
}

// failLeaveMessage surfaces a leave-message failure exactly once and tears
// the workflow down without touching the underlying call.
func (c *Core) failLeaveMessage(ls *leaveSession, cerr *Error) {
	if !ls.failNotified {
		ls.failNotified = true
		c.notify(Notification{
			Kind:   NotifyUploadGUIDRequestFailed,
			CallID: ls.call.ID,
			Err:    cerr,
		})
	}
	c.clearLeaveSession(ls)
}

// clearLeaveSession releases the workflow state: video privacy, outstanding
// request, watchdog, and the player binding.
func (c *Core) clearLeaveSession(ls *leaveSession) {
	if c.signMail != ls {
		return
	}
	c.restoreVideoPrivacy(ls)
	ls.watchdog.Stop()
	if ls.guidRequestID != 0 {
		c.correlator.Cancel(ls.guidChannel, ls.guidRequestID)
		ls.guidRequestID = 0
	}
	if c.player != nil && c.player.BoundCall() == ls.call.ID {
		c.player.Stop()
		if c.player.RecordKind() == media.RecordUploadURL {
			if err := c.player.RecordStop(); err != nil {
				c.logger.Warn("stopping record on teardown", "call_id", ls.call.ID, "error", err)
			}
		}
		c.player.BindCall(0)
	}
	c.signMail = nil
}

// signMailCallClosed reacts to the call behind the workflow going away. An
// upload-bound recording left running with no workflow is also stopped, so
// a torn-down call can never keep capturing.
func (c *Core) signMailCallClosed(s *call.Session) {
	if ls := c.signMail; ls != nil && ls.call.ID == s.ID {
		ls.failNotified = true
		c.clearLeaveSession(ls)
		return
	}
	if c.player != nil && c.player.BoundCall() == s.ID {
		if c.player.RecordKind() == media.RecordUploadURL {
			if err := c.player.RecordStop(); err != nil {
				c.logger.Warn("stopping orphaned record", "call_id", s.ID, "error", err)
			}
		}
		c.player.BindCall(0)
	}
}

// onPlayerState drives the workflow off greeting playback transitions.
func (c *Core) onPlayerState(st media.PlayerState) {
	ls := c.signMail
	if ls == nil {
		return
	}

	switch ls.stage {
	case stageGreeting:
		switch st {
		case media.PlayerStopped:
			if !ls.greetingLoaded {
				// Item is ready; start playback.
				ls.greetingLoaded = true
				if err := c.player.Play(); err != nil {
					c.logger.Warn("greeting play failed", "call_id", ls.call.ID, "error", err)
					c.requestUploadGUID(ls)
				}
				return
			}
			// Greeting finished.
			c.requestUploadGUID(ls)
		case media.PlayerError:
			// A broken greeting never blocks leaving the message.
			c.requestUploadGUID(ls)
		case media.PlayerClosed:
			ls.failNotified = true
			c.clearLeaveSession(ls)
		}

	case stageRecording:
		switch st {
		case media.PlayerStopped:
			ls.stage = stageRecorded
		case media.PlayerError, media.PlayerClosed:
			c.failLeaveMessage(ls, kindError(KindRequestTimedOut))
		}

	case stageRecorded:
		if st == media.PlayerError {
			// The background upload failed after capture ended.
			c.failLeaveMessage(ls, kindError(KindRequestTimedOut))
		}
	}
}
