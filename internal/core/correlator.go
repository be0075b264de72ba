package core

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/krishvios/signvios/internal/call"
	"github.com/krishvios/signvios/internal/services"
)

// requestKey identifies one outstanding request. Correlation ids are only
// unique within a channel, so the channel is part of the key.
type requestKey struct {
	Channel services.Kind
	ID      uint32
}

// pendingRequest is the bookkeeping for one request this core is waiting on.
// Ids not in the pending set belong to other layers and their events pass
// through untouched.
type pendingRequest struct {
	key          requestKey
	req          services.Request
	owner        *call.Session
	retryOnError bool
	retried      bool
}

// ResponseHandler consumes a matched backend response. owner is nil for
// requests not tied to a call.
type ResponseHandler func(resp *services.Response, owner *call.Session)

// RemovalHandler consumes a matched communication-failure removal.
type RemovalHandler func(err error, owner *call.Session)

// Correlator owns the set of outstanding backend requests, matches incoming
// responses and removals to that set, and enforces ported-mode suppression.
// All event handling runs on the core's event loop; Send may additionally be
// called from API goroutines, so the pending set has its own lock.
type Correlator struct {
	channels map[services.Kind]services.Channel
	logger   *slog.Logger

	mu         sync.Mutex
	pending    map[requestKey]*pendingRequest
	restricted bool

	onResponse map[string]ResponseHandler
	onRemoval  map[string]RemovalHandler
	// removedOwner handles a matched removal whose op has no specific
	// handler but whose request is owned by a call.
	removedOwner RemovalHandler
	// forward receives events whose id is not ours.
	forward func(ev services.Event)
}

// NewCorrelator builds a correlator over the given backend channels.
func NewCorrelator(channels map[services.Kind]services.Channel, logger *slog.Logger) *Correlator {
	return &Correlator{
		channels:   channels,
		logger:     logger.With("subsystem", "correlator"),
		pending:    make(map[requestKey]*pendingRequest),
		onResponse: make(map[string]ResponseHandler),
		onRemoval:  make(map[string]RemovalHandler),
	}
}

// OnResponse registers the handler for responses to the given op.
func (c *Correlator) OnResponse(op string, fn ResponseHandler) {
	c.onResponse[op] = fn
}

// OnRemoval registers the handler for removals of requests with the given op.
func (c *Correlator) OnRemoval(op string, fn RemovalHandler) {
	c.onRemoval[op] = fn
}

// OnOwnedRemoval registers the fallback handler for removals of call-owned
// requests without an op-specific handler.
func (c *Correlator) OnOwnedRemoval(fn RemovalHandler) {
	c.removedOwner = fn
}

// OnForward registers the sink for events whose correlation id is not ours.
func (c *Correlator) OnForward(fn func(ev services.Event)) {
	c.forward = fn
}

// SetRestricted switches ported-mode suppression on or off.
func (c *Correlator) SetRestricted(restricted bool) {
	c.mu.Lock()
	c.restricted = restricted
	c.mu.Unlock()
	c.logger.Info("restricted mode changed", "restricted", restricted)
}

// Restricted reports whether ported-mode suppression is active.
func (c *Correlator) Restricted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restricted
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Send issues a request on the given channel and records its id in the
// pending set. While restricted, the request is discarded and (0, nil) is
// returned synchronously: the reserved id 0 never matches a real event.
func (c *Correlator) Send(kind services.Kind, req services.Request, owner *call.Session, retryOnError bool) (uint32, error) {
	return c.send(kind, req, owner, retryOnError, false)
}

// SendResuming issues a request even while restricted. Used by the port-back
// login path, which must reach the backend to leave ported mode.
func (c *Correlator) SendResuming(kind services.Kind, req services.Request, owner *call.Session, retryOnError bool) (uint32, error) {
	return c.send(kind, req, owner, retryOnError, true)
}

func (c *Correlator) send(kind services.Kind, req services.Request, owner *call.Session, retryOnError, resuming bool) (uint32, error) {
	c.mu.Lock()
	if c.restricted && !resuming {
		c.mu.Unlock()
		c.logger.Debug("request suppressed while restricted", "op", req.Op)
		return 0, nil
	}
	c.mu.Unlock()

	ch, ok := c.channels[kind]
	if !ok {
		return 0, fmt.Errorf("no channel for backend %s", kind)
	}
	id, err := ch.Send(req)
	if err != nil {
		return 0, fmt.Errorf("sending %s request: %w", req.Op, err)
	}

	c.mu.Lock()
	c.pending[requestKey{kind, id}] = &pendingRequest{
		key:          requestKey{kind, id},
		req:          req,
		owner:        owner,
		retryOnError: retryOnError,
	}
	c.mu.Unlock()

	if owner != nil {
		owner.RequestID = id
		owner.RequestChannel = kind
	}
	c.logger.Debug("request sent", "channel", kind.String(), "op", req.Op, "id", id)
	return id, nil
}

// Cancel abandons an outstanding request: the id leaves the pending set and
// the channel stops waiting for it. Unknown ids are a no-op.
func (c *Correlator) Cancel(kind services.Kind, id uint32) {
	if id == 0 {
		return
	}
	if _, ok := c.take(requestKey{kind, id}); !ok {
		return
	}
	if ch, ok := c.channels[kind]; ok {
		ch.Cancel(id)
	}
	c.logger.Debug("request canceled", "channel", kind.String(), "id", id)
}

// take removes the key from the pending set, reporting whether it was ours.
// A second take of the same key is a no-op.
func (c *Correlator) take(key requestKey) (*pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	return p, ok
}

// HandleEvent dispatches one backend event. Runs on the core's event loop.
func (c *Correlator) HandleEvent(ev services.Event) {
	p, ok := c.take(requestKey{ev.Channel, ev.ID})
	if !ok {
		// Not ours: pass through unmodified.
		if c.forward != nil {
			c.forward(ev)
		}
		return
	}

	if p.owner != nil && p.owner.RequestID == ev.ID && p.owner.RequestChannel == ev.Channel {
		p.owner.RequestID = 0
	}

	if ev.Removed {
		c.handleRemoval(p, ev.Err)
		return
	}

	if fn, ok := c.onResponse[p.req.Op]; ok {
		fn(ev.Response, p.owner)
		return
	}
	c.logger.Warn("response with no handler", "op", p.req.Op, "id", ev.ID)
}

// handleRemoval resolves a communication failure. A request flagged
// retry-on-error is reissued once before its failure is surfaced.
func (c *Correlator) handleRemoval(p *pendingRequest, err error) {
	if p.retryOnError && !p.retried {
		id, sendErr := c.send(p.key.Channel, p.req, p.owner, false, false)
		if sendErr == nil && id != 0 {
			c.mu.Lock()
			if retry, ok := c.pending[requestKey{p.key.Channel, id}]; ok {
				retry.retried = true
			}
			c.mu.Unlock()
			c.logger.Info("request retried after communication failure",
				"op", p.req.Op, "old_id", p.key.ID, "new_id", id)
			return
		}
	}

	c.logger.Warn("request removed", "op", p.req.Op, "id", p.key.ID, "error", err)
	if fn, ok := c.onRemoval[p.req.Op]; ok {
		fn(err, p.owner)
		return
	}
	if p.owner != nil && c.removedOwner != nil {
		c.removedOwner(err, p.owner)
	}
}
