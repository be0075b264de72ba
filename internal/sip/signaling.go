package sip

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/krishvios/signvios/internal/call"
)

// inviteTimeout bounds how long an unanswered INVITE rings before the
// attempt is abandoned.
const inviteTimeout = 60 * time.Second

// Place starts signaling for an outgoing session. The INVITE runs on its
// own goroutine; progress comes back through manager state transitions.
func (c *Client) Place(s *call.Session) error {
	if s.Routing.IsZero() {
		return fmt.Errorf("session %d has no routing address", s.ID)
	}

	req := c.buildInvite(s, s.Routing.URI)
	ctx, cancel := context.WithTimeout(context.Background(), inviteTimeout)

	l := &leg{sessionID: s.ID, req: req, cancel: cancel}
	c.track(l)

	go c.runInvite(ctx, s, l)
	return nil
}

// buildInvite constructs the INVITE for a target URI. From identity and the
// caller-ID privacy flag come from the session and client options.
func (c *Client) buildInvite(s *call.Session, target sip.Uri) *sip.Request {
	req := sip.NewRequest(sip.INVITE, *target.Clone())

	fromName := s.FromName
	if s.CallerIDBlocked {
		fromName = "Anonymous"
	}
	from := sip.FromHeader{
		DisplayName: fromName,
		Address: sip.Uri{
			Scheme: "sip",
			User:   c.opts.OwnNumber,
			Host:   c.opts.Server,
		},
		Params: sip.NewParams(),
	}
	req.AppendHeader(&from)
	if s.CallerIDBlocked {
		req.AppendHeader(sip.NewHeader("Privacy", "id"))
	}
	if s.RelayLanguage != "" {
		// The relay service reads the preferred interpreter language from
		// this header.
		req.AppendHeader(sip.NewHeader("X-Relay-Language", s.RelayLanguage))
	}
	return req
}

// runInvite drives one INVITE to a final outcome, following the failover
// address when the primary relay target cannot be reached.
func (c *Client) runInvite(ctx context.Context, s *call.Session, l *leg) {
	defer l.cancel()

	result, err := c.inviteOnce(ctx, s, l, l.req)
	if err == nil {
		return
	}

	// A transport-level failure on a relay call retries the failover
	// address once. SIP-level rejections do not fail over.
	if s.VRSFailover != "" && ctx.Err() == nil {
		var failover sip.Uri
		if parseErr := sip.ParseUri(s.VRSFailover, &failover); parseErr == nil {
			c.logger.Warn("relay target unreachable, trying failover",
				"session_id", s.ID, "failover", s.VRSFailover, "error", err)
			retry := c.buildInvite(s, failover)
			c.mu.Lock()
			l.req = retry
			c.mu.Unlock()
			retryResult, retryErr := c.inviteOnce(ctx, s, l, retry)
			if retryErr == nil {
				return
			}
			result, err = retryResult, retryErr
		}
	}

	c.logger.Warn("call placement failed", "session_id", s.ID, "error", err)
	c.untrack(s.ID)
	if result == call.ResultNone {
		result = call.ResultRemoteSystemUnreachable
	}
	c.manager.ReportProgress(s, result, call.StateDisconnected)
}

// inviteOnce sends one INVITE transaction and consumes its responses,
// answering a single digest challenge. A nil error means the dialog was
// established. Failures return the session result to record; the INVITE
// goroutine never writes session fields itself — outcomes go through the
// manager's dispatcher.
func (c *Client) inviteOnce(ctx context.Context, s *call.Session, l *leg, req *sip.Request) (call.Result, error) {
	tx, err := c.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return call.ResultNone, fmt.Errorf("sending invite: %w", err)
	}

	challenged := false
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			return call.ResultNone, ctx.Err()
		case <-tx.Done():
			tx.Terminate()
			if txErr := tx.Err(); txErr != nil {
				return call.ResultNone, fmt.Errorf("invite transaction: %w", txErr)
			}
			return call.ResultNone, fmt.Errorf("invite transaction ended without final response")
		case res = <-tx.Responses():
		}

		switch {
		case res.StatusCode < 200:
			// Provisional; keep ringing.
			c.logger.Debug("call progress",
				"session_id", s.ID, "status", res.StatusCode, "reason", res.Reason)

		case res.StatusCode == 401 || res.StatusCode == 407:
			tx.Terminate()
			if challenged {
				return call.ResultRemoteSystemUnreachable, fmt.Errorf("authentication rejected twice")
			}
			challenged = true
			authReq, err := c.answerChallenge(req, res)
			if err != nil {
				return call.ResultRemoteSystemUnreachable, err
			}
			req = authReq
			var sendErr error
			tx, sendErr = c.client.TransactionRequest(ctx, authReq, sipgo.ClientRequestBuild)
			if sendErr != nil {
				return call.ResultNone, fmt.Errorf("sending authenticated invite: %w", sendErr)
			}

		case res.StatusCode < 300:
			ack := buildAckFor2xx(req, res)
			if err := c.client.WriteRequest(ack); err != nil {
				tx.Terminate()
				return call.ResultRemoteSystemUnreachable, fmt.Errorf("sending ack: %w", err)
			}
			c.mu.Lock()
			l.req = req
			l.res = res
			l.tx = tx
			l.answered = true
			c.mu.Unlock()
			c.logger.Info("call answered", "session_id", s.ID)
			c.manager.ReportProgress(s, call.ResultNone, call.StateConnected)
			return call.ResultNone, nil

		default:
			tx.Terminate()
			return mapRejection(res.StatusCode), fmt.Errorf("call rejected: %d %s", res.StatusCode, res.Reason)
		}
	}
}

// answerChallenge clones the request with digest credentials for a 401/407.
func (c *Client) answerChallenge(req *sip.Request, res *sip.Response) (*sip.Request, error) {
	authHeader, authzHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}
	challenge := res.GetHeader(authHeader)
	if challenge == nil {
		return nil, fmt.Errorf("challenge response without %s header", authHeader)
	}
	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: c.opts.Username,
		Password: c.opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	if cseq := authReq.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	return authReq, nil
}

// mapRejection translates a SIP final failure into the session result code.
func mapRejection(status int) call.Result {
	switch status {
	case 486, 480, 603:
		// Busy, unavailable, declined: the far end was reached and said no.
		return call.ResultNormal
	case 404, 604:
		return call.ResultDirectoryFindFailed
	case 433:
		// Anonymity disallowed.
		return call.ResultAnonymousCallNotAllowed
	default:
		return call.ResultRemoteSystemUnreachable
	}
}

// Terminate ends signaling for the session: BYE for an established dialog,
// CANCEL for one still ringing.
func (c *Client) Terminate(s *call.Session) error {
	l := c.untrack(s.ID)
	if l == nil {
		return nil
	}
	l.cancel()

	if !l.answered {
		cancelReq := sip.NewRequest(sip.CANCEL, l.req.Recipient)
		cancelReq.SetTransport(l.req.Transport())
		if cid := l.req.CallID(); cid != nil {
			cancelReq.AppendHeader(sip.NewHeader("Call-ID", cid.Value()))
		}
		tx, err := c.client.TransactionRequest(context.Background(), cancelReq, sipgo.ClientRequestBuild)
		if err != nil {
			return fmt.Errorf("sending cancel: %w", err)
		}
		tx.Terminate()
		return nil
	}

	bye := c.buildInDialogRequest(sip.BYE, l)
	tx, err := c.client.TransactionRequest(context.Background(), bye, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	tx.Terminate()
	c.logger.Info("dialog terminated", "session_id", s.ID)
	return nil
}

// Spawn asks the far end of an established dialog to take a companion relay
// call, delivered as an in-dialog REFER to the new target.
func (c *Client) Spawn(existing *call.Session, dialString string) error {
	l := c.lookup(existing.ID)
	if l == nil || !l.answered {
		return fmt.Errorf("session %d has no established dialog", existing.ID)
	}

	refer := c.buildInDialogRequest(sip.REFER, l)
	refer.AppendHeader(sip.NewHeader("Refer-To", dialString))
	tx, err := c.client.TransactionRequest(context.Background(), refer, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending refer: %w", err)
	}
	tx.Terminate()
	return nil
}

// buildInDialogRequest constructs a request inside an established dialog:
// the Request-URI is the remote Contact, From/To/Call-ID come from the
// dialog, and the CSeq advances.
func (c *Client) buildInDialogRequest(method sip.RequestMethod, l *leg) *sip.Request {
	recipient := &l.req.Recipient
	if contact := l.res.Contact(); contact != nil {
		recipient = &contact.Address
	}

	req := sip.NewRequest(method, *recipient.Clone())
	if h := l.req.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	// To carries the remote tag from the answer.
	if h := l.res.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := l.req.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := l.req.CSeq(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
		cseq.MethodName = method
	}
	req.SetTransport(l.req.Transport())
	return req
}

// buildAckFor2xx creates the ACK for a 2xx response to an INVITE. Per RFC
// 3261 §13.2.2.4 the UAC core generates this ACK, not the transaction
// layer. The Request-URI comes from the Contact header in the response when
// present, otherwise from the original INVITE.
func buildAckFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To from the response, which carries the remote tag.
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}
