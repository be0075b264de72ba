// Package sip is the endpoint's signaling stack: a sipgo user agent that
// places outgoing calls, answers digest challenges from the proxy, and tears
// dialogs down. It implements call.Signaling for the conference manager.
package sip

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/krishvios/signvios/internal/call"
)

// Options configures the signaling client.
type Options struct {
	// Server and Port name the outbound SIP proxy.
	Server string
	Port   int

	// Username and Password answer digest challenges from the proxy.
	Username string
	Password string

	// OwnNumber is the local identity placed in the From header.
	OwnNumber string

	Logger *slog.Logger
}

// Client is the SIP user agent. One Client serves every call session; legs
// are tracked per session id so Terminate and Spawn can find their dialog.
type Client struct {
	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server
	opts   Options
	logger *slog.Logger

	// manager is attached after construction; the conference manager and
	// the client reference each other.
	manager *call.Manager

	mu       sync.Mutex
	legs     map[uint64]*leg
	byCallID map[string]uint64
}

// leg is the client-side dialog state for one call session.
type leg struct {
	sessionID uint64
	req       *sip.Request
	res       *sip.Response
	tx        sip.ClientTransaction
	answered  bool
	cancel    func()
}

// NewClient builds the user agent and starts listening for in-dialog
// requests from the proxy.
func NewClient(opts Options) (*Client, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent("signvios"))
	if err != nil {
		return nil, fmt.Errorf("creating user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("creating sip client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	c := &Client{
		ua:       ua,
		client:   client,
		server:   server,
		opts:     opts,
		logger:   opts.Logger.With("subsystem", "sip"),
		legs:     make(map[uint64]*leg),
		byCallID: make(map[string]uint64),
	}
	server.OnBye(c.onBye)
	return c, nil
}

// AttachManager wires the conference manager in. Must be called before any
// call activity.
func (c *Client) AttachManager(m *call.Manager) {
	c.manager = m
}

// Close shuts the user agent down.
func (c *Client) Close() error {
	return c.ua.Close()
}

// onBye handles a remote hangup: the dialog's session transitions to
// disconnected and the leg is dropped.
func (c *Client) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	c.mu.Lock()
	sessionID, ok := c.byCallID[callID]
	if ok {
		delete(c.byCallID, callID)
		delete(c.legs, sessionID)
	}
	c.mu.Unlock()

	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		c.logger.Warn("responding to bye", "call_id", callID, "error", err)
	}
	if !ok {
		c.logger.Debug("bye for unknown dialog", "call_id", callID)
		return
	}

	c.logger.Info("remote hangup", "session_id", sessionID, "call_id", callID)
	if s := c.manager.Storage().Get(sessionID); s != nil {
		c.manager.ReportProgress(s, call.ResultNormal, call.StateDisconnected)
	}
}

// track registers a leg under its session and Call-ID.
func (c *Client) track(l *leg) {
	callID := ""
	if h := l.req.CallID(); h != nil {
		callID = h.Value()
	}
	c.mu.Lock()
	c.legs[l.sessionID] = l
	if callID != "" {
		c.byCallID[callID] = l.sessionID
	}
	c.mu.Unlock()
}

// untrack removes and returns the session's leg, if any.
func (c *Client) untrack(sessionID uint64) *leg {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.legs[sessionID]
	if !ok {
		return nil
	}
	delete(c.legs, sessionID)
	if h := l.req.CallID(); h != nil {
		delete(c.byCallID, h.Value())
	}
	return l
}

func (c *Client) lookup(sessionID uint64) *leg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.legs[sessionID]
}
