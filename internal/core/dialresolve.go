package core

import (
	"strings"

	"github.com/krishvios/signvios/internal/call"
	"github.com/krishvios/signvios/internal/services"
)

// onResolveResponse interprets a directory-resolve response for the owning
// call: pick a routable URI, or decide how the attempt fails.
func (c *Core) onResolveResponse(resp *services.Response, owner *call.Session) {
	if owner == nil {
		c.logger.Warn("resolve response without owner")
		return
	}
	if resp == nil || (!resp.OK && !resp.NotFound) || (resp.OK && resp.Resolve == nil) {
		c.handleResolveFailure(owner, false)
		return
	}
	if resp.NotFound {
		c.handleResolveFailure(owner, true)
		return
	}

	result := resp.Resolve
	c.applySignMailInfo(owner, result)

	uri, usable := c.chooseURI(result.URIs)
	if !usable {
		c.handleUnusableURIs(owner, result)
		return
	}

	// Extensions cannot ride a point-to-point URI.
	if _, pending := c.extensions[owner.ID]; pending {
		c.notify(Notification{
			Kind:       NotifyResolutionFailed,
			CallID:     owner.ID,
			DialString: owner.DialString,
			Err:        kindError(KindNoP2PExtensions),
		})
		c.failCall(owner, call.ResultDirectoryFindFailed)
		return
	}

	number := owner.DialString
	if result.NewNumber != "" {
		number = result.NewNumber
	}
	target := strings.ReplaceAll(uri, numberToken, number)

	routing, err := call.ParseRoutingAddress(target)
	if err != nil {
		c.logger.Warn("unparseable resolved target", "call_id", owner.ID, "target", target, "error", err)
		c.handleResolveFailure(owner, false)
		return
	}
	owner.Routing = routing
	if result.FromName != "" {
		owner.FromName = result.FromName
	}

	// A redirect or an explicit report request surfaces a decision event
	// instead of dialing through.
	if result.NewNumber != "" {
		c.notify(Notification{
			Kind:       NotifyRedirectedNumber,
			CallID:     owner.ID,
			Method:     owner.Method,
			DialString: owner.DialString,
			NewNumber:  result.NewNumber,
		})
		return
	}
	if c.reportDial[owner.ID] {
		delete(c.reportDial, owner.ID)
		c.notify(Notification{
			Kind:       NotifyDialMethodDetermined,
			CallID:     owner.ID,
			Method:     owner.Method,
			DialString: owner.DialString,
		})
		return
	}

	c.continueDialLocked(owner)
}

// ContinueDial resumes a call parked on a decision event (redirect or
// dial-method report) once the application approves.
func (c *Core) ContinueDial(callID uint64) error {
	return c.loop.Call(func() error {
		s := c.conference.Storage().Get(callID)
		if s == nil {
			return kindErrorf(KindDirectoryFindFailed, "no call %d", callID)
		}
		c.continueDialLocked(s)
		return nil
	})
}

func (c *Core) continueDialLocked(s *call.Session) {
	if err := c.conference.DialStart(s); err != nil {
		c.logger.Error("dial start failed", "call_id", s.ID, "error", err)
		c.failCall(s, call.ResultRemoteSystemUnreachable)
	}
}

// applySignMailInfo stamps leave-message eligibility onto the call and
// announces it.
func (c *Core) applySignMailInfo(s *call.Session, result *services.DirectoryResolveResult) {
	if result.MaxRings == 0 && result.GreetingURL == "" && result.GreetingText == "" {
		return
	}
	s.SignMail = call.SignMailInfo{
		MaxRings:         result.MaxRings,
		MaxRecordSeconds: result.MaxRecordSeconds,
		GreetingURL:      result.GreetingURL,
		GreetingURL2:     result.GreetingURL2,
		GreetingText:     result.GreetingText,
		GreetingType:     parseGreetingType(result.GreetingType),
		MailboxFull:      result.MailboxFull,
	}
	if c.settings.SignMailEnabled && !result.MailboxFull {
		c.notify(Notification{
			Kind:       NotifySignMailAvailable,
			CallID:     s.ID,
			DialString: s.DialString,
		})
	}
}

func parseGreetingType(s string) call.GreetingType {
	switch s {
	case "video":
		return call.GreetingVideo
	case "text":
		return call.GreetingTextOnly
	default:
		return call.GreetingNone
	}
}

// chooseURI picks the dialable URI: filtered to the network affiliation the
// local mode may dial, preferring sip: over sips:.
func (c *Core) chooseURI(uris []services.URIInfo) (string, bool) {
	var sipURI, sipsURI string
	for _, u := range uris {
		if !c.networkAllowed(u.Network) {
			continue
		}
		lower := strings.ToLower(u.URI)
		switch {
		case strings.HasPrefix(lower, "sips:"):
			if sipsURI == "" {
				sipsURI = u.URI
			}
		default:
			if sipURI == "" {
				sipURI = u.URI
			}
		}
	}
	if sipURI != "" {
		return sipURI, true
	}
	if sipsURI != "" {
		return sipsURI, true
	}
	return "", false
}

// networkAllowed applies the interface-mode network filter: interpreter
// stations only dial interpreter-network addresses, everyone else dials the
// rest.
func (c *Core) networkAllowed(n services.Network) bool {
	if c.settings.Mode == ModeInterpreter {
		return n == services.NetworkInterpreter
	}
	return n != services.NetworkInterpreter
}

// handleUnusableURIs resolves the no-usable-URI outcomes: blocked, missed
// call, or a relay fallback when the directory only knows non-relay
// addresses for the number.
func (c *Core) handleUnusableURIs(owner *call.Session, result *services.DirectoryResolveResult) {
	// URIs exist but none passed the filter: the number lives outside our
	// network, so dial it through the relay instead of failing.
	if len(result.URIs) > 0 {
		c.redialAsVRS(owner)
		return
	}

	switch {
	case result.Blocked:
		// Blocked callees fail without leaving a trace in their missed
		// calls.
		c.failCall(owner, call.ResultRemoteSystemUnreachable)
	case result.AnonymousBlocked:
		c.notify(Notification{
			Kind:       NotifyResolutionFailed,
			CallID:     owner.ID,
			DialString: owner.DialString,
			Err:        kindError(KindAnonymousCallNotAllowed),
		})
		c.failCall(owner, call.ResultAnonymousCallNotAllowed)
	default:
		c.recordMissedCall(owner, result.Name)
		c.notify(Notification{
			Kind:       NotifyResolutionFailed,
			CallID:     owner.ID,
			DialString: owner.DialString,
			Err:        kindError(KindRemoteSystemUnreachable),
		})
		c.failCall(owner, call.ResultRemoteSystemUnreachable)
	}
}

// handleResolveFailure resolves a directory-resolve failure event. Auto-
// determined attempts fall back to a relay call when the number simply is
// not in the directory; explicit methods fail outright.
func (c *Core) handleResolveFailure(owner *call.Session, notFound bool) {
	if owner.OriginalMethod.IsUnknown() {
		if notFound {
			c.redialAsVRS(owner)
			return
		}
		// Some other failure mid-auto-determination: let the application
		// decide rather than failing silently.
		c.notify(Notification{
			Kind:       NotifyResolutionFailed,
			CallID:     owner.ID,
			DialString: owner.DialString,
			Err:        kindError(KindDirectoryFindFailed),
		})
		return
	}
	c.notify(Notification{
		Kind:       NotifyResolutionFailed,
		CallID:     owner.ID,
		DialString: owner.DialString,
		Err:        kindError(KindDirectoryFindFailed),
	})
	c.failCall(owner, call.ResultDirectoryFindFailed)
}

// redialAsVRS converts a pending resolve attempt into a relay call on the
// original dial string, subject to the same mode restrictions as a direct
// relay dial.
func (c *Core) redialAsVRS(owner *call.Session) {
	switch c.settings.Mode {
	case ModeInterpreter, ModeHearing:
		c.notify(Notification{
			Kind:       NotifyResolutionFailed,
			CallID:     owner.ID,
			DialString: owner.DialString,
			Err:        kindError(KindSvrsCallsNotAllowed),
		})
		c.failCall(owner, call.ResultSvrsCallsNotAllowed)
		return
	}

	target, failover, err := c.formatVRSDialString(owner.DialString)
	if err != nil {
		c.failCall(owner, call.ResultRemoteSystemUnreachable)
		return
	}
	routing, err := call.ParseRoutingAddress(target)
	if err != nil {
		c.failCall(owner, call.ResultRemoteSystemUnreachable)
		return
	}

	if owner.Method.IsVCO() || owner.OriginalMethod.IsVCO() {
		owner.Method = call.MethodVRSVCO
	} else {
		owner.Method = call.MethodVRS
	}
	owner.Routing = routing
	owner.VRSFailover = failover
	delete(c.extensions, owner.ID)

	c.logger.Info("falling back to relay call", "call_id", owner.ID, "dial_string", owner.DialString)
	c.continueDialLocked(owner)
}

// onResolveRemoved handles a communication failure on a resolve request.
func (c *Core) onResolveRemoved(err error, owner *call.Session) {
	if owner == nil {
		return
	}
	c.logger.Warn("directory resolve removed", "call_id", owner.ID, "error", err)
	c.failCall(owner, call.ResultDirectoryFindFailed)
}
