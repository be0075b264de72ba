package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/krishvios/signvios/internal/database"
	"github.com/krishvios/signvios/internal/database/models"
)

// Persisted property keys the core reacts to.
const (
	PropInterfaceMode         = "interface.mode"
	PropNewCallEnabled        = "calls.new_enabled"
	PropVCO                   = "calls.vco"
	PropBlockAnonymous        = "calls.block_anonymous"
	PropDTMF                  = "calls.dtmf"
	PropRealTimeText          = "calls.real_time_text"
	PropMustCallRoutingCenter = "calls.must_call_routing_center"
	PropBlockCallerID         = "caller_id.block"
	PropBlockCallerIDEnabled  = "caller_id.block_enabled"
	PropMaxRecvSpeed          = "media.max_recv_speed"
	PropMaxSendSpeed          = "media.max_send_speed"
	PropVideoPrivacy          = "media.video_privacy"
	PropRingGroupEnabled      = "ringgroup.enabled"
	PropRingGroupDisplay      = "ringgroup.display_mode"
	PropSignMailEnabled       = "signmail.enabled"
	PropDirectSignMail        = "signmail.direct"
	PropRingsBeforeGreeting   = "signmail.rings_before_greeting"
	PropCustomerServiceURI    = "support.customer_service_uri"
	PropVRSFailoverTimeout    = "vrs.failover_timeout"
	PropVRSHost               = "vrs.host"
	PropVRSAlternateHost      = "vrs.alternate_host"
	PropCoreServiceURL        = "services.core_url"
	PropStateNotifyURL        = "services.statenotify_url"
	PropMessageServiceURL     = "services.message_url"
	PropConferenceServiceURL  = "services.conference_url"
	PropConferencePortMin     = "conference.port_min"
	PropConferencePortMax     = "conference.port_max"
)

// PropertyWrite is one element of a batched property update.
type PropertyWrite struct {
	Key   string
	Type  string
	Value string
	Scope string
}

// PropertyRouter persists batched property writes and re-runs the handlers
// bound to the keys that actually changed. A handler bound to several
// changed keys still runs exactly once per batch.
type PropertyRouter struct {
	store  database.PropertyRepository
	logger *slog.Logger

	// keyHandlers maps a property key to the names of its handlers;
	// handlers maps a name to the function. Built once at startup.
	keyHandlers map[string][]string
	handlers    map[string]func()
}

// NewPropertyRouter builds an empty router over the given store.
func NewPropertyRouter(store database.PropertyRepository, logger *slog.Logger) *PropertyRouter {
	return &PropertyRouter{
		store:       store,
		logger:      logger.With("subsystem", "properties"),
		keyHandlers: make(map[string][]string),
		handlers:    make(map[string]func()),
	}
}

// Bind registers a named handler for one or more property keys. Handlers
// must be independent and idempotent: batch application runs them in
// unspecified order.
func (r *PropertyRouter) Bind(name string, fn func(), keys ...string) {
	r.handlers[name] = fn
	for _, key := range keys {
		r.keyHandlers[key] = append(r.keyHandlers[key], name)
	}
}

// Apply persists the writes, then runs each handler whose keys changed
// exactly once. A write that stores the value already present triggers no
// handler.
func (r *PropertyRouter) Apply(ctx context.Context, writes []PropertyWrite) error {
	pending := make(map[string]struct{})

	for _, w := range writes {
		scope := w.Scope
		if scope == "" {
			scope = models.ScopeUser
		}
		old, err := r.store.Get(ctx, w.Key, scope)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("reading property %s: %w", w.Key, err)
		}
		changed := old == nil || old.Value != w.Value
		if err := r.store.Set(ctx, &models.Property{
			Key: w.Key, Scope: scope, Type: w.Type, Value: w.Value,
		}); err != nil {
			return fmt.Errorf("writing property %s: %w", w.Key, err)
		}
		if !changed {
			continue
		}
		for _, name := range r.keyHandlers[w.Key] {
			pending[name] = struct{}{}
		}
	}

	for name := range pending {
		r.logger.Debug("property handler run", "handler", name)
		r.handlers[name]()
	}
	return nil
}

// Get reads one property value, falling back to the system scope when the
// user scope has no row, and to def when neither does.
func (r *PropertyRouter) Get(ctx context.Context, key, def string) string {
	for _, scope := range []string{models.ScopeUser, models.ScopeSystem} {
		p, err := r.store.Get(ctx, key, scope)
		if err == nil {
			return p.Value
		}
		if !errors.Is(err, database.ErrNotFound) {
			r.logger.Warn("property read failed", "key", key, "error", err)
			return def
		}
	}
	return def
}
