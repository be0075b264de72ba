package call

import (
	"fmt"
	"log/slog"
)

// StateEvent is delivered on every session lifecycle transition.
type StateEvent struct {
	Session *Session
	State   State
}

// StateListener receives session lifecycle transitions. The conference
// manager invokes it synchronously; the registered listener is expected to
// post onto the core event loop rather than do work inline.
type StateListener func(StateEvent)

// Manager is the conference/call-storage collaborator: it constructs
// outgoing sessions, places them with the signaling layer, and emits state
// transitions. The SIP/media stack behind Dial is pluggable via Signaling.
type Manager struct {
	storage   *Storage
	signaling Signaling
	logger    *slog.Logger
	listener  StateListener
	dispatch  Dispatcher
	maxCalls  int
}

// Dispatcher runs a function on the goroutine that owns session state (the
// core event loop). The signaling stack reports outcomes through it so
// session fields are never written off-loop.
type Dispatcher func(fn func())

// Signaling abstracts the protocol stack that actually places and tears
// down calls. Implementations must be safe for concurrent use.
type Signaling interface {
	// Place starts signaling for an outgoing call that already has a
	// routing address. State progress is reported back via the manager.
	Place(s *Session) error

	// Terminate ends signaling for the call.
	Terminate(s *Session) error

	// Spawn places a companion relay call on an existing connected session.
	Spawn(existing *Session, dialString string) error
}

// NewManager creates a conference manager over the given storage.
func NewManager(storage *Storage, signaling Signaling, maxCalls int, logger *slog.Logger) *Manager {
	return &Manager{
		storage:   storage,
		signaling: signaling,
		logger:    logger.With("subsystem", "conference"),
		maxCalls:  maxCalls,
	}
}

// StateListenerSet registers the single lifecycle listener. Must be called
// before any call activity.
func (m *Manager) StateListenerSet(l StateListener) {
	m.listener = l
}

// DispatchSet registers the session-owner dispatcher. Must be called before
// any call activity; without one, reports apply inline.
func (m *Manager) DispatchSet(d Dispatcher) {
	m.dispatch = d
}

// ReportProgress applies a signaling-side outcome to the session on the
// owning goroutine. ResultNone leaves the session's result untouched.
func (m *Manager) ReportProgress(s *Session, result Result, state State) {
	apply := func() {
		if result != ResultNone {
			s.Result = result
		}
		m.StateTransition(s, state)
	}
	if m.dispatch != nil {
		m.dispatch(apply)
		return
	}
	apply()
}

// Storage returns the session registry.
func (m *Manager) Storage() *Storage {
	return m.storage
}

// ErrTooManyCalls is returned when the session limit is reached.
var ErrTooManyCalls = fmt.Errorf("maximum concurrent calls reached")

// OutgoingCallConstruct creates and registers an outgoing session in the
// given initial substate without starting any signaling. The core uses this
// for calls that must wait on a directory resolve.
func (m *Manager) OutgoingCallConstruct(dialString string, substate State, encryption bool) (*Session, error) {
	if m.maxCalls > 0 && m.storage.Count() >= m.maxCalls {
		return nil, ErrTooManyCalls
	}
	s := NewSession(Outgoing, MethodUnknown, dialString, substate)
	s.Encryption = encryption
	m.storage.Add(s)
	return s, nil
}

// CallDial creates a session that already has a concrete method and routing
// address and immediately starts dialing it.
func (m *Manager) CallDial(method DialMethod, routing RoutingAddress, dialString, fromName, callListName string) (*Session, error) {
	if m.maxCalls > 0 && m.storage.Count() >= m.maxCalls {
		return nil, ErrTooManyCalls
	}
	s := NewSession(Outgoing, method, dialString, StateDialing)
	s.Routing = routing
	s.FromName = fromName
	s.CallListName = callListName
	m.storage.Add(s)

	if err := m.dialStart(s); err != nil {
		m.storage.Remove(s.ID)
		return nil, err
	}
	return s, nil
}

// DialStart begins signaling for a constructed session whose routing address
// has been filled in (post directory-resolve).
func (m *Manager) DialStart(s *Session) error {
	return m.dialStart(s)
}

func (m *Manager) dialStart(s *Session) error {
	m.StateTransition(s, StateDialing)
	if m.signaling != nil {
		if err := m.signaling.Place(s); err != nil {
			return fmt.Errorf("placing call %d: %w", s.ID, err)
		}
	}
	m.logger.Info("dialing",
		"call_id", s.ID,
		"method", s.Method.String(),
		"routing", s.Routing.String(),
	)
	return nil
}

// Spawn places a companion relay call on an existing connected session.
func (m *Manager) Spawn(existing *Session, dialString string) error {
	if m.signaling == nil {
		return fmt.Errorf("no signaling stack configured")
	}
	if err := m.signaling.Spawn(existing, dialString); err != nil {
		return fmt.Errorf("spawning companion call on %d: %w", existing.ID, err)
	}
	m.logger.Info("companion call spawned", "call_id", existing.ID, "dialed", dialString)
	return nil
}

// HangUp terminates the call with the given diagnostic result.
func (m *Manager) HangUp(s *Session, result Result) error {
	s.Result = result
	if m.signaling != nil {
		if err := m.signaling.Terminate(s); err != nil {
			m.logger.Warn("terminate failed", "call_id", s.ID, "error", err)
		}
	}
	m.StateTransition(s, StateDisconnected)
	m.logger.Info("call hung up", "call_id", s.ID, "result", result.String())
	return nil
}

// CallObjectRemove removes the session from storage. The session must not be
// referenced after removal.
func (m *Manager) CallObjectRemove(s *Session) error {
	if !m.storage.Remove(s.ID) {
		return fmt.Errorf("call %d not in storage", s.ID)
	}
	return nil
}

// StateTransition sets the session state and notifies the listener. It is
// also invoked by the signaling stack as the call progresses.
func (m *Manager) StateTransition(s *Session, state State) {
	s.State = state
	if m.listener != nil {
		m.listener(StateEvent{Session: s, State: state})
	}
}
