package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/krishvios/signvios/internal/call"
	"github.com/krishvios/signvios/internal/database"
	"github.com/krishvios/signvios/internal/services"
)

// numberToken is the placeholder substituted with the dialed number in
// resolved and relay dial-target templates.
const numberToken = "{number}"

// DialOptions are the parameters of one dial attempt.
type DialOptions struct {
	DialString       string
	Method           call.DialMethod
	CallListName     string
	FromPhoneNumber  string
	FromNameOverride string
	RelayLanguage    string
	// AlwaysAllow bypasses the relay-restriction checks for
	// transfer-driven dials.
	AlwaysAllow bool
	DialSource  string
	Encryption  bool
	// ReportDialMethod asks for a decision event once the method is
	// resolved instead of dialing straight through.
	ReportDialMethod bool
}

// resolution is the ephemeral outcome of classification: what to dial and
// how. Recomputed for every attempt, never stored.
type resolution struct {
	method        call.DialMethod
	dialString    string
	target        string // direct target when no resolve is needed
	callListName  string
	relayLanguage string
	extension     string
	// substituted is the ring-group member number the description mapped
	// to, recorded on the call as the numeric transfer dial string.
	substituted bool
}

// Dial classifies the dial string and either constructs the call directly
// or issues a directory resolve. Classification failures return
// synchronously; resolution failures arrive later as notifications. The
// returned id identifies the created call session.
func (c *Core) Dial(opts DialOptions) (uint64, error) {
	var callID uint64
	err := c.loop.Call(func() error {
		id, err := c.dialLocked(opts)
		callID = id
		return err
	})
	return callID, err
}

func (c *Core) dialLocked(opts DialOptions) (uint64, error) {
	res, cerr := c.classify(opts)
	if cerr != nil {
		c.logger.Info("dial rejected",
			"dial_string", opts.DialString,
			"kind", cerr.Kind.String(),
		)
		return 0, cerr
	}
	c.metrics.DialAttempt(res.method.String())

	var (
		id  uint64
		err error
	)
	switch {
	case res.method.IsUnknown(), res.method == call.MethodDSPhoneNumber:
		id, err = c.dialViaResolve(opts, res)
	case res.method == call.MethodVRS, res.method == call.MethodVRSVCO:
		id, err = c.dialVRS(opts, res)
	default:
		id, err = c.dialDirect(opts, res)
	}
	if err == nil {
		c.lastDialed = res.dialString
	}
	return id, err
}

// LastDialed returns the most recently dialed string for redial. Empty
// until the first successful dial of the run.
func (c *Core) LastDialed() string {
	var ds string
	c.loop.Call(func() error {
		ds = c.lastDialed
		return nil
	})
	return ds
}

// classify runs the deterministic classification procedure over the dial
// string and context. It mutates nothing.
func (c *Core) classify(opts DialOptions) (*resolution, *Error) {
	ds := strings.TrimSpace(opts.DialString)
	method := opts.Method
	res := &resolution{
		method:        method,
		dialString:    ds,
		callListName:  opts.CallListName,
		relayLanguage: opts.RelayLanguage,
	}

	// Emergency and support numbers stay dialable even when outgoing
	// calls are shut off.
	if !c.settings.OutgoingCallsAllowed && !opts.AlwaysAllow {
		if !c.validator.IsEmergencyNumber(ds) && !c.validator.IsSupportNumber(ds) {
			return nil, kindError(KindOfflineActionNotAllowed)
		}
	}

	if ds == "" && !isVRSMethod(method) {
		return nil, kindError(KindNotAPhoneNumber)
	}

	if c.isRelayDomainLiteral(ds) &&
		(c.settings.Mode == ModeHearing || c.settings.MustCallRoutingCenter) {
		return nil, kindError(KindSvrsCallsNotAllowed)
	}

	if c.validator.IsSupportNumber(ds) && c.settings.CustomerServiceURI != "" {
		res.method = call.MethodDialString
		res.target = c.settings.CustomerServiceURI
		return res, nil
	}

	if !c.settings.VCOEnabled {
		switch res.method {
		case call.MethodVRSVCO:
			res.method = call.MethodVRS
		case call.MethodUnknownVCO:
			res.method = call.MethodUnknown
		}
	}

	if res.method.IsUnknown() {
		if cerr := c.classifyUnknown(opts, res); cerr != nil {
			return nil, cerr
		}
	}

	if res.method.IsUnknown() {
		res.extension = c.splitExtension(res)
	}
	return res, nil
}

// classifyUnknown refines an auto-determined method by reformatting the
// string as a phone number, with ring-group and generic-dial-string
// fallbacks.
func (c *Core) classifyUnknown(opts DialOptions, res *resolution) *Error {
	vco := res.method.IsVCO()

	// IP addresses and URIs bypass number classification outright.
	if c.validator.IsDirectAddress(res.dialString) {
		res.method = call.MethodDialString
		res.target = res.dialString
		return nil
	}

	formatted, isRelay, err := c.validator.Reformat(res.dialString)
	switch {
	case err != nil:
		// Not a number: a ring-group member description dials the
		// member's number instead.
		if c.settings.RingGroupEnabled && c.ringGroups != nil {
			member, lookupErr := c.ringGroups.GetByDescription(context.Background(), res.dialString)
			if lookupErr == nil {
				res.method = call.MethodDSPhoneNumber
				res.dialString = member.Number
				res.substituted = true
				return nil
			}
			if !errors.Is(lookupErr, database.ErrNotFound) {
				c.logger.Error("ring group lookup failed", "error", lookupErr)
			}
		}
		if c.validator.DialStringIsValid(res.dialString) && looksDialable(res.dialString) {
			res.method = call.MethodDialString
			res.target = res.dialString
			return nil
		}
		return kindErrorf(KindNotAPhoneNumber, "cannot dial %q: %v", res.dialString, err)

	case isRelay:
		if vco {
			res.method = call.MethodVRSVCO
		} else {
			res.method = call.MethodVRS
		}
		res.dialString = formatted
		if c.validator.IsSpanishRelayNumber(formatted) {
			res.relayLanguage = "Spanish"
		}
		return nil

	default:
		if c.settings.OwnNumber != "" && formatted == c.settings.OwnNumber {
			return kindError(KindUnableToDialSelf)
		}
		res.dialString = formatted
		// Interpreter stations always resolve by number; everything else
		// keeps auto-determination so resolve failures can fall back to a
		// relay call.
		if c.settings.Mode == ModeInterpreter {
			res.method = call.MethodDSPhoneNumber
		}
		return nil
	}
}

// splitExtension peels the trailing extension off an over-long dial string;
// only the canonical prefix goes to directory resolve.
func (c *Core) splitExtension(res *resolution) string {
	prefix, ext := c.validator.SplitExtension(res.dialString)
	if ext == "" {
		return ""
	}
	res.dialString = prefix
	return ext
}

// looksDialable accepts URI- and host-shaped strings for direct dialing:
// no whitespace, and at least one host/URI separator.
func looksDialable(s string) bool {
	return !strings.ContainsAny(s, " \t") && strings.ContainsAny(s, ".@:")
}

// isVRSMethod reports whether the method is relay-typed, VCO included.
func isVRSMethod(m call.DialMethod) bool {
	return m == call.MethodVRS || m == call.MethodVRSVCO
}

// isRelayDomainLiteral recognizes dial strings that name the relay domain
// outright rather than a number.
func (c *Core) isRelayDomainLiteral(ds string) bool {
	if c.settings.VRSHost == "" {
		return false
	}
	return strings.Contains(strings.ToLower(ds), strings.ToLower(c.settings.VRSHost))
}

// dialViaResolve constructs the call session and issues a directory resolve
// on its dial string. The session waits in ResolvingName until the response
// or removal arrives.
func (c *Core) dialViaResolve(opts DialOptions, res *resolution) (uint64, error) {
	s, err := c.conference.OutgoingCallConstruct(res.dialString, call.StateResolvingName, opts.Encryption)
	if err != nil {
		return 0, fmt.Errorf("constructing call: %w", err)
	}
	c.prepareSession(s, opts, res)

	if res.extension != "" {
		c.extensions[s.ID] = res.extension
	}
	if opts.ReportDialMethod {
		c.reportDial[s.ID] = true
	}

	_, err = c.correlator.Send(services.KindCore, services.Request{
		Op: services.OpDirectoryResolve,
		Body: map[string]any{
			"dial_string": res.dialString,
			"from_number": opts.FromPhoneNumber,
		},
	}, s, true)
	if err != nil {
		c.conference.CallObjectRemove(s)
		return 0, fmt.Errorf("issuing directory resolve: %w", err)
	}

	// Ported-mode suppression answers with id 0 and no pending event;
	// nothing will resolve this call, so finish it as unreachable now.
	if s.RequestID == 0 && c.correlator.Restricted() {
		c.failCall(s, call.ResultRemoteSystemUnreachable)
		return s.ID, nil
	}
	return s.ID, nil
}

// dialVRS routes the call through the relay service: the dial target is
// formatted against the relay host, with DNS failover to the alternate.
func (c *Core) dialVRS(opts DialOptions, res *resolution) (uint64, error) {
	switch c.settings.Mode {
	case ModeInterpreter:
		return 0, kindError(KindSvrsCallsNotAllowed)
	case ModeHearing:
		if !opts.AlwaysAllow {
			return 0, kindError(KindSvrsCallsNotAllowed)
		}
	}

	target, failover, err := c.formatVRSDialString(res.dialString)
	if err != nil {
		return 0, kindErrorf(KindRemoteSystemUnreachable, "formatting relay target: %v", err)
	}

	// A connected spawn-capable outgoing call takes the companion call on
	// its own session instead of a new one.
	if existing := c.spawnCandidate(); existing != nil {
		if err := c.conference.Spawn(existing, target); err != nil {
			return 0, fmt.Errorf("spawning companion call: %w", err)
		}
		return existing.ID, nil
	}

	routing, err := call.ParseRoutingAddress(target)
	if err != nil {
		return 0, kindErrorf(KindRemoteSystemUnreachable, "bad relay target: %v", err)
	}

	s, err := c.conference.CallDial(res.method, routing, res.dialString,
		opts.FromNameOverride, res.callListName)
	if err != nil {
		return 0, fmt.Errorf("dialing relay call: %w", err)
	}
	c.prepareSession(s, opts, res)
	s.VRSFailover = failover
	return s.ID, nil
}

// dialDirect constructs and dials with no directory resolve: URIs, IP
// addresses, and the fixed customer-service target.
func (c *Core) dialDirect(opts DialOptions, res *resolution) (uint64, error) {
	target := res.target
	if target == "" {
		target = res.dialString
	}
	routing, err := call.ParseRoutingAddress(normalizeTarget(target))
	if err != nil {
		return 0, kindErrorf(KindNotAPhoneNumber, "bad dial target: %v", err)
	}

	s, err := c.conference.CallDial(call.MethodDialString, routing, res.dialString,
		opts.FromNameOverride, res.callListName)
	if err != nil {
		return 0, fmt.Errorf("dialing: %w", err)
	}
	c.prepareSession(s, opts, res)
	return s.ID, nil
}

// prepareSession stamps the classification outcome onto the session.
func (c *Core) prepareSession(s *call.Session, opts DialOptions, res *resolution) {
	s.OriginalMethod = opts.Method
	s.Method = res.method
	s.RelayLanguage = res.relayLanguage
	s.CallListName = res.callListName
	s.DialSource = opts.DialSource
	s.FromName = opts.FromNameOverride
	s.CallerIDBlocked = c.settings.BlockCallerIDEnabled && c.settings.BlockCallerID
	if res.substituted {
		// Display the member's number, never the description.
		s.TransferDialString = res.dialString
	}
}

// spawnCandidate returns a connected outgoing call that declares itself
// capable of carrying a companion relay call, if one exists.
func (c *Core) spawnCandidate() *call.Session {
	for _, s := range c.conference.Storage().All() {
		if s.Direction == call.Outgoing && s.State == call.StateConnected && s.SpawnCapable {
			return s
		}
	}
	return nil
}

// formatVRSDialString builds the relay dial target for a number. When the
// cached background check has marked the primary relay host unresolvable,
// the alternate host takes its place. The chosen fallback is also returned
// so the call can fail over mid-dial. The dial path never waits on DNS.
func (c *Core) formatVRSDialString(number string) (target, failover string, err error) {
	host := c.settings.VRSHost
	alt := c.settings.VRSAlternateHost
	if host == "" {
		return "", "", fmt.Errorf("no relay host configured")
	}

	if c.vrsHostDown && alt != "" {
		host, alt = alt, ""
	}
	c.refreshVRSHostCheck()

	target = fmt.Sprintf("sip:%s@%s", number, host)
	if alt != "" {
		failover = fmt.Sprintf("sip:%s@%s", number, alt)
	}
	return target, failover, nil
}

// refreshVRSHostCheck looks up the primary relay host in DNS on its own
// goroutine and posts the outcome back. At most one lookup runs at a time;
// without an alternate host there is nothing to fail over to, so none
// runs.
func (c *Core) refreshVRSHostCheck() {
	if c.vrsCheckRunning || c.settings.VRSAlternateHost == "" {
		return
	}
	c.vrsCheckRunning = true
	host := c.settings.VRSHost
	timeout := c.settings.VRSFailoverTimeout

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_, lookupErr := c.resolver.LookupHost(ctx, host)
		c.loop.Post(func() {
			c.vrsCheckRunning = false
			down := lookupErr != nil
			if down && !c.vrsHostDown {
				c.logger.Warn("relay host lookup failed, alternate takes over",
					"host", host, "error", lookupErr)
			}
			c.vrsHostDown = down
		})
	}()
}

// normalizeTarget turns a bare host or IP into a dialable SIP URI.
func normalizeTarget(target string) string {
	if strings.Contains(target, ":") && strings.HasPrefix(strings.ToLower(target), "sip") {
		return target
	}
	if strings.Contains(target, "@") {
		return "sip:" + target
	}
	return "sip:anonymous@" + target
}
