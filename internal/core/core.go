// Package core implements the call-control decision layer: dial
// classification and resolution, backend request correlation, the SignMail
// leave-message workflow, and property-change routing. All state here is
// owned by a single event loop; entry points reachable from other
// goroutines funnel through it.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/krishvios/signvios/internal/call"
	"github.com/krishvios/signvios/internal/database"
	"github.com/krishvios/signvios/internal/database/models"
	"github.com/krishvios/signvios/internal/dialplan"
	"github.com/krishvios/signvios/internal/eventloop"
	"github.com/krishvios/signvios/internal/media"
	"github.com/krishvios/signvios/internal/metrics"
	"github.com/krishvios/signvios/internal/services"
)

// Deps holds the collaborators the core is constructed over.
type Deps struct {
	Loop       *eventloop.Loop
	Channels   map[services.Kind]services.Channel
	Conference *call.Manager
	Validator  *dialplan.Validator
	Player     media.MessagePlayer
	Properties database.PropertyRepository
	RingGroups database.RingGroupRepository
	History    database.CallHistoryRepository
	Accounts   database.AccountRepository
	Metrics    *metrics.Metrics
	Notifier   Notifier
	Logger     *slog.Logger
}

// Core is the call-control orchestrator.
type Core struct {
	logger     *slog.Logger
	loop       *eventloop.Loop
	correlator *Correlator
	conference *call.Manager
	validator  *dialplan.Validator
	player     media.MessagePlayer
	notifier   Notifier
	metrics    *metrics.Metrics
	router     *PropertyRouter

	ringGroups database.RingGroupRepository
	history    database.CallHistoryRepository
	accounts   database.AccountRepository

	// Everything below is loop-owned state.
	settings    Settings
	account     *models.Account
	portingBack bool
	lastDialed  string

	// extensions holds the extension split off a dial string, keyed by
	// call id, until directory resolve completes.
	extensions map[uint64]string
	// reportDial marks calls whose resolved method must be surfaced to the
	// application instead of auto-continuing.
	reportDial map[uint64]bool

	signMail *leaveSession

	resolver *net.Resolver
	// vrsHostDown caches the background DNS check of the primary relay
	// host; vrsCheckRunning guards against overlapping lookups.
	vrsHostDown     bool
	vrsCheckRunning bool
}

// New builds the core and registers its response, removal, state, and
// property handlers. The loop must already be running.
func New(deps Deps) *Core {
	logger := deps.Logger.With("subsystem", "core")
	c := &Core{
		logger:     logger,
		loop:       deps.Loop,
		conference: deps.Conference,
		validator:  deps.Validator,
		player:     deps.Player,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		ringGroups: deps.RingGroups,
		history:    deps.History,
		accounts:   deps.Accounts,
		settings:   DefaultSettings(),
		extensions: make(map[uint64]string),
		reportDial: make(map[uint64]bool),
		resolver:   net.DefaultResolver,
	}

	c.correlator = NewCorrelator(deps.Channels, deps.Logger)
	c.correlator.OnResponse(services.OpDirectoryResolve, c.onResolveResponse)
	c.correlator.OnRemoval(services.OpDirectoryResolve, c.onResolveRemoved)
	c.correlator.OnResponse(services.OpUploadGUID, c.onUploadGUIDResponse)
	c.correlator.OnRemoval(services.OpUploadGUID, c.onUploadGUIDRemoved)
	c.correlator.OnResponse(services.OpLogin, c.onLoginResponse)
	c.correlator.OnOwnedRemoval(c.onOwnedRemoval)
	c.correlator.OnForward(func(ev services.Event) {
		c.notify(Notification{Kind: NotifyServiceEvent, Service: &ev})
	})

	c.router = NewPropertyRouter(deps.Properties, deps.Logger)
	c.bindPropertyHandlers(deps.Channels)

	c.conference.StateListenerSet(func(ev call.StateEvent) {
		c.loop.Post(func() { c.onCallState(ev) })
	})

	if c.player != nil {
		c.player.OnStateChange(func(s media.PlayerState) {
			c.loop.Post(func() { c.onPlayerState(s) })
		})
	}

	return c
}

// ServiceSink returns the sink the backend channels deliver events into.
// Events are posted onto the loop before any correlation happens.
func (c *Core) ServiceSink() func(services.Event) {
	return func(ev services.Event) {
		c.loop.Post(func() { c.correlator.HandleEvent(ev) })
	}
}

// Correlator exposes the pending-request surface for metrics.
func (c *Core) Correlator() *Correlator {
	return c.correlator
}

// Start loads the account and property-derived settings. Ported accounts
// come up in restricted mode.
func (c *Core) Start(ctx context.Context) error {
	acct, err := c.accounts.Get(ctx)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("loading account: %w", err)
	}

	return c.loop.Call(func() error {
		c.account = acct
		if acct != nil {
			c.settings.OwnNumber = acct.PhoneNumber
			if acct.Ported {
				c.correlator.SetRestricted(true)
			}
		}
		c.reloadAllSettings()
		return nil
	})
}

// ApplyProperties persists a batched property update and runs the affected
// handlers on the loop.
func (c *Core) ApplyProperties(writes []PropertyWrite) error {
	return c.loop.Call(func() error {
		return c.router.Apply(context.Background(), writes)
	})
}

// HangUp terminates a call by id with a normal result.
func (c *Core) HangUp(callID uint64) error {
	return c.loop.Call(func() error {
		s := c.conference.Storage().Get(callID)
		if s == nil {
			return fmt.Errorf("no call %d", callID)
		}
		c.abandonCall(s)
		return c.conference.HangUp(s, call.ResultNormal)
	})
}

// Calls returns a snapshot of the live sessions.
func (c *Core) Calls() []*call.Session {
	return c.conference.Storage().All()
}

// PortBackLogin verifies the account PIN and issues a login request marked
// as porting back, which bypasses restricted-mode suppression. On a
// successful response the restriction is cleared.
func (c *Core) PortBackLogin(ctx context.Context, pin string) error {
	acct, err := c.accounts.Get(ctx)
	if err != nil {
		return fmt.Errorf("loading account: %w", err)
	}
	ok, err := database.CheckPIN(pin, acct.PINHash)
	if err != nil {
		return fmt.Errorf("verifying pin: %w", err)
	}
	if !ok {
		return errors.New("invalid pin")
	}

	return c.loop.Call(func() error {
		c.portingBack = true
		_, err := c.correlator.SendResuming(services.KindCore, services.Request{
			Op: services.OpLogin,
			Body: map[string]any{
				"phone_number": acct.PhoneNumber,
				"porting_back": true,
			},
		}, nil, true)
		return err
	})
}

func (c *Core) onLoginResponse(resp *services.Response, _ *call.Session) {
	if !c.portingBack {
		return
	}
	c.portingBack = false
	if resp == nil || !resp.OK {
		c.logger.Warn("port-back login rejected")
		return
	}
	c.correlator.SetRestricted(false)
	if c.account != nil {
		if err := c.accounts.SetPorted(context.Background(), c.account.ID, false); err != nil {
			c.logger.Error("clearing ported flag", "error", err)
		}
		c.account.Ported = false
	}
	c.logger.Info("port-back login complete, restrictions lifted")
}

// abandonCall cancels any outstanding request owned by the call and drops
// per-call bookkeeping. Safe to call for calls with nothing outstanding.
func (c *Core) abandonCall(s *call.Session) {
	if s.RequestID != 0 {
		c.correlator.Cancel(s.RequestChannel, s.RequestID)
		s.RequestID = 0
	}
	delete(c.extensions, s.ID)
	delete(c.reportDial, s.ID)
}

// onCallState reacts to conference lifecycle transitions.
func (c *Core) onCallState(ev call.StateEvent) {
	s := ev.Session
	c.logger.Debug("call state", "call_id", s.ID, "state", ev.State.String())

	switch ev.State {
	case call.StateDisconnected:
		c.abandonCall(s)
		c.signMailCallClosed(s)
		c.recordCallEnd(s)
	}
}

// recordCallEnd writes the call's history row when it ends.
func (c *Core) recordCallEnd(s *call.Session) {
	if c.history == nil {
		return
	}
	rec := &models.CallRecord{
		Direction:  s.Direction.String(),
		DialString: s.DialString,
		RemoteName: s.FromName,
		Method:     s.Method.String(),
		Result:     s.Result.String(),
		DialSource: dialSource(s),
		StartedAt:  s.StartedAt,
		EndedAt:    time.Now(),
	}
	if err := c.history.Record(context.Background(), rec); err != nil {
		c.logger.Error("recording call history", "call_id", s.ID, "error", err)
	}
}

// dialSource is the history source label: the caller-supplied source, or
// the call list the entry came from.
func dialSource(s *call.Session) string {
	if s.DialSource != "" {
		return s.DialSource
	}
	return s.CallListName
}

// recordMissedCall writes a missed-call row on behalf of an unreachable
// callee. Blocked resolves never reach here.
func (c *Core) recordMissedCall(s *call.Session, remoteName string) {
	if c.history == nil {
		return
	}
	rec := &models.CallRecord{
		Direction:  call.Incoming.String(),
		DialString: s.DialString,
		RemoteName: remoteName,
		Method:     s.Method.String(),
		Missed:     true,
		StartedAt:  s.StartedAt,
		EndedAt:    time.Now(),
	}
	if err := c.history.Record(context.Background(), rec); err != nil {
		c.logger.Error("recording missed call", "call_id", s.ID, "error", err)
	}
}

// failCall ends a failed call attempt with its diagnostic result, unless
// the call is mid-transfer, in which case it reverts to connected and the
// application is told the transfer failed.
func (c *Core) failCall(s *call.Session, result call.Result) {
	c.abandonCall(s)

	if s.State.InTransfer() {
		c.conference.StateTransition(s, call.StateConnected)
		c.notify(Notification{
			Kind:   NotifyTransferFailed,
			CallID: s.ID,
			Err:    kindError(KindTransferFailed),
		})
		return
	}
	if err := c.conference.HangUp(s, result); err != nil {
		c.logger.Warn("hangup failed", "call_id", s.ID, "error", err)
	}
}

// onOwnedRemoval is the fallback for communication failures on call-owned
// requests: the call fails deterministically with a resolve-failure result.
func (c *Core) onOwnedRemoval(err error, owner *call.Session) {
	if owner == nil {
		return
	}
	c.logger.Warn("owned request removed", "call_id", owner.ID, "error", err)
	c.failCall(owner, call.ResultDirectoryFindFailed)
}

// bindPropertyHandlers wires the property-change router. Handlers re-read
// their keys from the store so a batch converges to the stored state no
// matter how many writes touched it.
func (c *Core) bindPropertyHandlers(channels map[services.Kind]services.Channel) {
	ctx := context.Background()

	c.router.Bind("max-speeds", func() {
		c.settings.MaxRecvSpeed = c.getInt(ctx, PropMaxRecvSpeed, c.settings.MaxRecvSpeed)
		c.settings.MaxSendSpeed = c.getInt(ctx, PropMaxSendSpeed, c.settings.MaxSendSpeed)
	}, PropMaxRecvSpeed, PropMaxSendSpeed)

	c.router.Bind("ring-group", func() {
		c.settings.RingGroupEnabled = c.getBool(ctx, PropRingGroupEnabled, c.settings.RingGroupEnabled)
		c.settings.RingGroupDisplayMode = c.router.Get(ctx, PropRingGroupDisplay, c.settings.RingGroupDisplayMode)
	}, PropRingGroupEnabled, PropRingGroupDisplay)

	c.router.Bind("signmail", func() {
		c.settings.SignMailEnabled = c.getBool(ctx, PropSignMailEnabled, c.settings.SignMailEnabled)
		c.settings.DirectSignMailEnabled = c.getBool(ctx, PropDirectSignMail, c.settings.DirectSignMailEnabled)
		c.settings.RingsBeforeGreeting = c.getInt(ctx, PropRingsBeforeGreeting, c.settings.RingsBeforeGreeting)
	}, PropSignMailEnabled, PropDirectSignMail, PropRingsBeforeGreeting)

	c.router.Bind("caller-id", func() {
		c.settings.BlockCallerID = c.getBool(ctx, PropBlockCallerID, c.settings.BlockCallerID)
		c.settings.BlockCallerIDEnabled = c.getBool(ctx, PropBlockCallerIDEnabled, c.settings.BlockCallerIDEnabled)
	}, PropBlockCallerID, PropBlockCallerIDEnabled)

	c.router.Bind("block-anonymous", func() {
		c.settings.BlockAnonymous = c.getBool(ctx, PropBlockAnonymous, c.settings.BlockAnonymous)
	}, PropBlockAnonymous)

	c.router.Bind("vco", func() {
		c.settings.VCOEnabled = c.getBool(ctx, PropVCO, c.settings.VCOEnabled)
	}, PropVCO)

	c.router.Bind("interface-mode", func() {
		c.settings.Mode = ParseInterfaceMode(c.router.Get(ctx, PropInterfaceMode, ""))
	}, PropInterfaceMode)

	c.router.Bind("new-call", func() {
		c.settings.OutgoingCallsAllowed = c.getBool(ctx, PropNewCallEnabled, c.settings.OutgoingCallsAllowed)
	}, PropNewCallEnabled)

	c.router.Bind("vrs", func() {
		c.settings.VRSHost = c.router.Get(ctx, PropVRSHost, c.settings.VRSHost)
		c.settings.VRSAlternateHost = c.router.Get(ctx, PropVRSAlternateHost, c.settings.VRSAlternateHost)
		if ms := c.getInt(ctx, PropVRSFailoverTimeout, 0); ms > 0 {
			c.settings.VRSFailoverTimeout = time.Duration(ms) * time.Millisecond
		}
		// A host change invalidates the cached check.
		c.vrsHostDown = false
		c.refreshVRSHostCheck()
	}, PropVRSHost, PropVRSAlternateHost, PropVRSFailoverTimeout)

	c.router.Bind("conference-ports", func() {
		c.settings.ConferencePortMin = c.getInt(ctx, PropConferencePortMin, c.settings.ConferencePortMin)
		c.settings.ConferencePortMax = c.getInt(ctx, PropConferencePortMax, c.settings.ConferencePortMax)
	}, PropConferencePortMin, PropConferencePortMax)

	c.router.Bind("dtmf", func() {
		c.settings.DTMFEnabled = c.getBool(ctx, PropDTMF, c.settings.DTMFEnabled)
	}, PropDTMF)

	c.router.Bind("real-time-text", func() {
		c.settings.RealTimeText = c.getBool(ctx, PropRealTimeText, c.settings.RealTimeText)
	}, PropRealTimeText)

	c.router.Bind("support-routing", func() {
		c.settings.CustomerServiceURI = c.router.Get(ctx, PropCustomerServiceURI, c.settings.CustomerServiceURI)
		c.settings.MustCallRoutingCenter = c.getBool(ctx, PropMustCallRoutingCenter, c.settings.MustCallRoutingCenter)
	}, PropCustomerServiceURI, PropMustCallRoutingCenter)

	c.router.Bind("video-privacy", func() {
		c.settings.VideoPrivacy = c.getBool(ctx, PropVideoPrivacy, c.settings.VideoPrivacy)
	}, PropVideoPrivacy)

	urlKeys := map[string]services.Kind{
		PropCoreServiceURL:       services.KindCore,
		PropStateNotifyURL:       services.KindStateNotify,
		PropMessageServiceURL:    services.KindMessage,
		PropConferenceServiceURL: services.KindConference,
	}
	c.router.Bind("service-urls", func() {
		for key, kind := range urlKeys {
			u := c.router.Get(ctx, key, "")
			if u == "" {
				continue
			}
			if ch, ok := channels[kind].(interface{ SetBaseURL(string) }); ok {
				ch.SetBaseURL(u)
			}
		}
	}, PropCoreServiceURL, PropStateNotifyURL, PropMessageServiceURL, PropConferenceServiceURL)
}

// reloadAllSettings runs every bound handler once. Used at startup.
func (c *Core) reloadAllSettings() {
	for name, fn := range c.router.handlers {
		c.logger.Debug("settings loaded", "handler", name)
		fn()
	}
}

func (c *Core) getBool(ctx context.Context, key string, def bool) bool {
	v := c.router.Get(ctx, key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		c.logger.Warn("malformed bool property", "key", key, "value", v)
		return def
	}
	return b
}

func (c *Core) getInt(ctx context.Context, key string, def int) int {
	v := c.router.Get(ctx, key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.logger.Warn("malformed int property", "key", key, "value", v)
		return def
	}
	return n
}
