package core

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/krishvios/signvios/internal/call"
	"github.com/krishvios/signvios/internal/database"
	"github.com/krishvios/signvios/internal/database/models"
	"github.com/krishvios/signvios/internal/dialplan"
	"github.com/krishvios/signvios/internal/eventloop"
	"github.com/krishvios/signvios/internal/media"
	"github.com/krishvios/signvios/internal/services"
)

type fakeChannel struct {
	mu        sync.Mutex
	kind      services.Kind
	nextID    uint32
	sent      []services.Request
	cancelled []uint32
	sendErr   error
}

func (f *fakeChannel) Kind() services.Kind { return f.kind }

func (f *fakeChannel) Send(req services.Request) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, req)
	return f.nextID, nil
}

func (f *fakeChannel) Cancel(id uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
}

func (f *fakeChannel) sentOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]string, len(f.sent))
	for i, r := range f.sent {
		ops[i] = r.Op
	}
	return ops
}

func (f *fakeChannel) cancelledIDs() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.cancelled...)
}

func (f *fakeChannel) lastID() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID
}

type fakeSignaling struct {
	mu         sync.Mutex
	placed     []*call.Session
	terminated []*call.Session
	spawned    []string
}

func (f *fakeSignaling) Place(s *call.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, s)
	return nil
}

func (f *fakeSignaling) Terminate(s *call.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, s)
	return nil
}

func (f *fakeSignaling) Spawn(existing *call.Session, dialString string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, dialString)
	return nil
}

func (f *fakeSignaling) placeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

type memProps struct {
	mu sync.Mutex
	m  map[string]*models.Property
}

func newMemProps() *memProps { return &memProps{m: make(map[string]*models.Property)} }

func (p *memProps) Get(ctx context.Context, key, scope string) (*models.Property, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[scope+"/"+key]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (p *memProps) Set(ctx context.Context, prop *models.Property) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *prop
	p.m[prop.Scope+"/"+prop.Key] = &cp
	return nil
}

func (p *memProps) List(ctx context.Context, scope string) ([]models.Property, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Property
	for _, v := range p.m {
		if v.Scope == scope {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (p *memProps) Delete(ctx context.Context, key, scope string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, scope+"/"+key)
	return nil
}

type memRings struct {
	mu     sync.Mutex
	byDesc map[string]*models.RingGroupMember
}

func newMemRings() *memRings { return &memRings{byDesc: make(map[string]*models.RingGroupMember)} }

func (r *memRings) Add(ctx context.Context, m *models.RingGroupMember) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDesc[m.Description] = m
	return nil
}

func (r *memRings) GetByDescription(ctx context.Context, description string) (*models.RingGroupMember, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byDesc[description]
	if !ok {
		return nil, database.ErrNotFound
	}
	return m, nil
}

func (r *memRings) ContainsNumber(ctx context.Context, number string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.byDesc {
		if m.Number == number {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRings) List(ctx context.Context) ([]models.RingGroupMember, error) { return nil, nil }
func (r *memRings) Delete(ctx context.Context, id int64) error                 { return nil }

type memHistory struct {
	mu   sync.Mutex
	recs []models.CallRecord
}

func (h *memHistory) Record(ctx context.Context, rec *models.CallRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs = append(h.recs, *rec)
	return nil
}

func (h *memHistory) GetByID(ctx context.Context, id int64) (*models.CallRecord, error) {
	return nil, database.ErrNotFound
}
func (h *memHistory) List(ctx context.Context, limit int) ([]models.CallRecord, error) {
	return nil, nil
}
func (h *memHistory) ListMissed(ctx context.Context, limit int) ([]models.CallRecord, error) {
	return nil, nil
}
func (h *memHistory) LastDialed(ctx context.Context) (*models.CallRecord, error) {
	return nil, database.ErrNotFound
}
func (h *memHistory) CountByDirection(ctx context.Context) (map[string]int64, error) {
	return nil, nil
}
func (h *memHistory) CountMissed(ctx context.Context) (int64, error) { return 0, nil }
func (h *memHistory) Delete(ctx context.Context, id int64) error     { return nil }

func (h *memHistory) lastRecord() (models.CallRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.recs) == 0 {
		return models.CallRecord{}, false
	}
	return h.recs[len(h.recs)-1], true
}

func (h *memHistory) missedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.recs {
		if r.Missed {
			n++
		}
	}
	return n
}

type stubPlayer struct {
	mu        sync.Mutex
	loadedURL string
	loads     int
	plays     int
	stops     int
	recordURL string
	recKind   media.RecordKind
	bound     uint64
	stateFn   func(media.PlayerState)
}

func (p *stubPlayer) Load(url string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadedURL = url
	p.loads++
	return "item-1", nil
}

func (p *stubPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays++
	return nil
}

func (p *stubPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

func (p *stubPlayer) Close() {}

func (p *stubPlayer) RecordStart(uploadURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordURL = uploadURL
	p.recKind = media.RecordUploadURL
	return nil
}

func (p *stubPlayer) RecordStop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recKind = media.RecordNone
	return nil
}

func (p *stubPlayer) RecordKind() media.RecordKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recKind
}

func (p *stubPlayer) ItemValid(itemID string) bool { return itemID == "item-1" }

func (p *stubPlayer) BindCall(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bound = id
}

func (p *stubPlayer) BoundCall() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bound
}

func (p *stubPlayer) OnStateChange(fn func(media.PlayerState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateFn = fn
}

func (p *stubPlayer) fire(st media.PlayerState) {
	p.mu.Lock()
	fn := p.stateFn
	p.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (p *stubPlayer) recordTarget() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recordURL
}

func (p *stubPlayer) loaded() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadedURL
}

func (p *stubPlayer) playCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays
}

func (p *stubPlayer) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

type noteSink struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *noteSink) add(x Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, x)
}

func (n *noteSink) count(kind NotificationKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, x := range n.notes {
		if x.Kind == kind {
			c++
		}
	}
	return c
}

func (n *noteSink) last(kind NotificationKind) (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.notes) - 1; i >= 0; i-- {
		if n.notes[i].Kind == kind {
			return n.notes[i], true
		}
	}
	return Notification{}, false
}

type fixture struct {
	core    *Core
	loop    *eventloop.Loop
	coreCh  *fakeChannel
	msgCh   *fakeChannel
	sig     *fakeSignaling
	history *memHistory
	rings   *memRings
	player  *stubPlayer
	notes   *noteSink
	storage *call.Storage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	loop := eventloop.New(logger)
	loop.Start()
	t.Cleanup(loop.Stop)

	coreCh := &fakeChannel{kind: services.KindCore}
	msgCh := &fakeChannel{kind: services.KindMessage}
	sig := &fakeSignaling{}
	storage := call.NewStorage(logger)
	manager := call.NewManager(storage, sig, 8, logger)
	history := &memHistory{}
	rings := newMemRings()
	player := &stubPlayer{}
	notes := &noteSink{}

	c := New(Deps{
		Loop: loop,
		Channels: map[services.Kind]services.Channel{
			services.KindCore:    coreCh,
			services.KindMessage: msgCh,
		},
		Conference: manager,
		Validator:  dialplan.NewValidator(dialplan.DefaultRules()),
		Player:     player,
		Properties: newMemProps(),
		RingGroups: rings,
		History:    history,
		Accounts:   nil,
		Metrics:    nil,
		Notifier:   notes.add,
		Logger:     logger,
	})

	// Bound the background DNS check so tests never wait on a live resolver.
	f := &fixture{
		core: c, loop: loop, coreCh: coreCh, msgCh: msgCh, sig: sig,
		history: history, rings: rings, player: player, notes: notes,
		storage: storage,
	}
	f.tune(func(s *Settings) {
		s.VRSHost = "relay.test.invalid"
		s.VRSFailoverTimeout = 50 * time.Millisecond
	})
	return f
}

// tune mutates the loop-owned settings from a test.
func (f *fixture) tune(fn func(*Settings)) {
	if err := f.loop.Call(func() error {
		fn(&f.core.settings)
		return nil
	}); err != nil {
		panic(err)
	}
}

// deliver injects a backend event and waits for the loop to process it.
func (f *fixture) deliver(ev services.Event) {
	f.core.ServiceSink()(ev)
	f.loop.Sync()
}

func (f *fixture) respond(ch services.Kind, id uint32, resp *services.Response) {
	f.deliver(services.Event{Channel: ch, ID: id, Response: resp})
}

func (f *fixture) remove(ch services.Kind, id uint32, err error) {
	f.deliver(services.Event{Channel: ch, ID: id, Removed: true, Err: err})
}

func TestDialRelayNumberSkipsDirectoryResolve(t *testing.T) {
	f := newFixture(t)

	id, err := f.core.Dial(DialOptions{DialString: "8663278877"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s := f.storage.Get(id)
	if s == nil {
		t.Fatal("session not stored")
	}
	if s.Method != call.MethodVRS {
		t.Fatalf("method = %s, want vrs", s.Method.String())
	}
	if got := f.coreCh.sentOps(); len(got) != 0 {
		t.Fatalf("unexpected backend requests: %v", got)
	}
	if f.sig.placeCount() != 1 {
		t.Fatalf("place count = %d, want 1", f.sig.placeCount())
	}
}

func TestDialSpanishRelaySetsLanguage(t *testing.T) {
	f := newFixture(t)

	id, err := f.core.Dial(DialOptions{DialString: "8669877528"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s := f.storage.Get(id)
	if s.RelayLanguage != "Spanish" {
		t.Fatalf("relay language = %q, want Spanish", s.RelayLanguage)
	}
	if s.DialString != "18669877528" {
		t.Fatalf("dial string = %q, want 18669877528", s.DialString)
	}
}

func TestRelayDialUsesAlternateWhenPrimaryDown(t *testing.T) {
	f := newFixture(t)
	f.tune(func(s *Settings) { s.VRSAlternateHost = "relay-alt.test.invalid" })
	if err := f.loop.Call(func() error {
		f.core.vrsHostDown = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	id, err := f.core.Dial(DialOptions{DialString: "8663278877"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s := f.storage.Get(id)
	if got := s.Routing.URI.Host; got != "relay-alt.test.invalid" {
		t.Fatalf("routing host = %q, want the alternate relay host", got)
	}
	if s.VRSFailover != "" {
		t.Fatalf("failover = %q, want none once the alternate is primary", s.VRSFailover)
	}
}

func TestRelayDialCarriesFailoverWhenPrimaryUp(t *testing.T) {
	f := newFixture(t)
	f.tune(func(s *Settings) { s.VRSAlternateHost = "relay-alt.test.invalid" })

	id, err := f.core.Dial(DialOptions{DialString: "8663278877"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s := f.storage.Get(id)
	if got := s.Routing.URI.Host; got != "relay.test.invalid" {
		t.Fatalf("routing host = %q, want the primary relay host", got)
	}
	if s.VRSFailover != "sip:18663278877@relay-alt.test.invalid" {
		t.Fatalf("failover = %q, want the alternate target", s.VRSFailover)
	}
}

func TestDialPhoneNumberIssuesResolve(t *testing.T) {
	f := newFixture(t)

	id, err := f.core.Dial(DialOptions{DialString: "8015551234"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s := f.storage.Get(id)
	if s.State != call.StateResolvingName {
		t.Fatalf("state = %s, want resolving-name", s.State.String())
	}
	ops := f.coreCh.sentOps()
	if len(ops) != 1 || ops[0] != services.OpDirectoryResolve {
		t.Fatalf("sent ops = %v, want one directory-resolve", ops)
	}
	if s.RequestID == 0 {
		t.Fatal("session owns no request id")
	}
	if got := f.core.LastDialed(); got != "18015551234" {
		t.Fatalf("last dialed = %q, want canonical number", got)
	}
}

func TestDialSplitsExtension(t *testing.T) {
	f := newFixture(t)

	id, err := f.core.Dial(DialOptions{DialString: "18015551234123"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s := f.storage.Get(id)
	if s.DialString != "18015551234" {
		t.Fatalf("dial string = %q, want canonical prefix", s.DialString)
	}
	err = f.loop.Call(func() error {
		if got := f.core.extensions[id]; got != "123" {
			t.Errorf("stored extension = %q, want 123", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDialSelfRejected(t *testing.T) {
	f := newFixture(t)
	f.tune(func(s *Settings) { s.OwnNumber = "18015551234" })

	_, err := f.core.Dial(DialOptions{DialString: "8015551234"})
	if KindOf(err) != KindUnableToDialSelf {
		t.Fatalf("err = %v, want unable-to-dial-self", err)
	}
}

func TestDialOfflineAllowsEmergencyOnly(t *testing.T) {
	f := newFixture(t)
	f.tune(func(s *Settings) { s.OutgoingCallsAllowed = false })

	if _, err := f.core.Dial(DialOptions{DialString: "8015551234"}); KindOf(err) != KindOfflineActionNotAllowed {
		t.Fatalf("err = %v, want offline-action-not-allowed", err)
	}
	if _, err := f.core.Dial(DialOptions{DialString: "911"}); err != nil {
		t.Fatalf("emergency dial: %v", err)
	}
}

func TestDialRingGroupDescriptionSubstitutesNumber(t *testing.T) {
	f := newFixture(t)
	f.tune(func(s *Settings) { s.RingGroupEnabled = true })
	f.rings.Add(context.Background(), &models.RingGroupMember{
		Description: "Front Desk", Number: "18015559999",
	})

	id, err := f.core.Dial(DialOptions{DialString: "Front Desk"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s := f.storage.Get(id)
	if s.DialString != "18015559999" {
		t.Fatalf("dial string = %q, want member number", s.DialString)
	}
	if s.TransferDialString != "18015559999" {
		t.Fatalf("transfer dial string = %q, want member number", s.TransferDialString)
	}
}

func TestCallHistoryCarriesDialSource(t *testing.T) {
	f := newFixture(t)

	id, err := f.core.Dial(DialOptions{
		DialString:   "8663278877",
		DialSource:   "favorites",
		CallListName: "speed-dial",
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := f.core.HangUp(id); err != nil {
		t.Fatalf("hang up: %v", err)
	}
	f.loop.Sync()

	rec, ok := f.history.lastRecord()
	if !ok {
		t.Fatal("no history record written")
	}
	if rec.DialSource != "favorites" {
		t.Fatalf("dial source = %q, want the caller-supplied source", rec.DialSource)
	}
}

func TestCallHistoryDialSourceFallsBackToCallList(t *testing.T) {
	f := newFixture(t)

	id, err := f.core.Dial(DialOptions{DialString: "8663278877", CallListName: "speed-dial"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := f.core.HangUp(id); err != nil {
		t.Fatalf("hang up: %v", err)
	}
	f.loop.Sync()

	rec, ok := f.history.lastRecord()
	if !ok {
		t.Fatal("no history record written")
	}
	if rec.DialSource != "speed-dial" {
		t.Fatalf("dial source = %q, want the call list name", rec.DialSource)
	}
}

func TestDialIPAddressGoesDirect(t *testing.T) {
	f := newFixture(t)

	id, err := f.core.Dial(DialOptions{DialString: "10.0.0.5"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s := f.storage.Get(id)
	if s.Method != call.MethodDialString {
		t.Fatalf("method = %s, want dial-string", s.Method.String())
	}
	if got := s.Routing.URI.Host; got != "10.0.0.5" {
		t.Fatalf("routing host = %q", got)
	}
	if got := f.coreCh.sentOps(); len(got) != 0 {
		t.Fatalf("direct dial issued backend requests: %v", got)
	}
}

func TestDialDirectAddressSkipsRingGroupLookup(t *testing.T) {
	f := newFixture(t)
	f.tune(func(s *Settings) { s.RingGroupEnabled = true })
	f.rings.Add(context.Background(), &models.RingGroupMember{
		Description: "bob@office.example.com", Number: "18015550000",
	})

	id, err := f.core.Dial(DialOptions{DialString: "bob@office.example.com"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s := f.storage.Get(id)
	if s.Method != call.MethodDialString {
		t.Fatalf("method = %s, want dial-string", s.Method.String())
	}
	if got := s.Routing.URI.Host; got != "office.example.com" {
		t.Fatalf("routing host = %q, want the address host, not the member number", got)
	}
	if got := s.Routing.URI.User; got != "bob" {
		t.Fatalf("routing user = %q", got)
	}
}

func TestResolveResponseDialsResolvedURI(t *testing.T) {
	f := newFixture(t)

	id, err := f.core.Dial(DialOptions{DialString: "8015551234"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	f.respond(services.KindCore, f.coreCh.lastID(), &services.Response{
		Op: services.OpDirectoryResolve, OK: true,
		Resolve: &services.DirectoryResolveResult{
			URIs: []services.URIInfo{
				{URI: "sips:{number}@secure.example.com", Network: services.NetworkProvider},
				{URI: "sip:{number}@p2p.example.com", Network: services.NetworkProvider},
			},
		},
	})

	s := f.storage.Get(id)
	if s.State != call.StateDialing {
		t.Fatalf("state = %s, want dialing", s.State.String())
	}
	if got := s.Routing.URI.Host; got != "p2p.example.com" {
		t.Fatalf("routing host = %q, want sip URI preferred over sips", got)
	}
	if got := s.Routing.URI.User; got != "18015551234" {
		t.Fatalf("routing user = %q, want canonical number", got)
	}
	if f.sig.placeCount() != 1 {
		t.Fatalf("place count = %d, want 1", f.sig.placeCount())
	}
}

func TestResolveRedirectSurfacesDecision(t *testing.T) {
	f := newFixture(t)

	id, _ := f.core.Dial(DialOptions{DialString: "8015551234"})
	f.respond(services.KindCore, f.coreCh.lastID(), &services.Response{
		Op: services.OpDirectoryResolve, OK: true,
		Resolve: &services.DirectoryResolveResult{
			NewNumber: "18015556789",
			URIs: []services.URIInfo{
				{URI: "sip:{number}@p2p.example.com", Network: services.NetworkProvider},
			},
		},
	})

	n, ok := f.notes.last(NotifyRedirectedNumber)
	if !ok {
		t.Fatal("no redirected-number notification")
	}
	if n.NewNumber != "18015556789" {
		t.Fatalf("new number = %q", n.NewNumber)
	}
	if f.sig.placeCount() != 0 {
		t.Fatal("call dialed through without a decision")
	}

	if err := f.core.ContinueDial(id); err != nil {
		t.Fatalf("continue: %v", err)
	}
	if f.sig.placeCount() != 1 {
		t.Fatal("continue did not dial")
	}
	s := f.storage.Get(id)
	if got := s.Routing.URI.User; got != "18015556789" {
		t.Fatalf("routing user = %q, want redirected number", got)
	}
}

func TestResolveRemovalRetriesOnceThenFails(t *testing.T) {
	f := newFixture(t)

	id, _ := f.core.Dial(DialOptions{DialString: "8015551234"})
	first := f.coreCh.lastID()

	f.remove(services.KindCore, first, io.ErrUnexpectedEOF)
	if got := f.coreCh.sentOps(); len(got) != 2 {
		t.Fatalf("sent ops = %v, want retried resolve", got)
	}
	s := f.storage.Get(id)
	if s.State != call.StateResolvingName {
		t.Fatalf("state after first removal = %s", s.State.String())
	}

	f.remove(services.KindCore, f.coreCh.lastID(), io.ErrUnexpectedEOF)
	if s.State != call.StateDisconnected {
		t.Fatalf("state after second removal = %s, want disconnected", s.State.String())
	}
	if s.Result != call.ResultDirectoryFindFailed {
		t.Fatalf("result = %s, want directory-find-failed", s.Result.String())
	}
}

func TestResolveUnreachableRecordsMissedCall(t *testing.T) {
	f := newFixture(t)

	id, _ := f.core.Dial(DialOptions{DialString: "8015551234", Method: call.MethodDSPhoneNumber})
	f.respond(services.KindCore, f.coreCh.lastID(), &services.Response{
		Op: services.OpDirectoryResolve, OK: true,
		Resolve: &services.DirectoryResolveResult{Name: "Pat"},
	})

	if f.history.missedCount() != 1 {
		t.Fatalf("missed count = %d, want 1", f.history.missedCount())
	}
	s := f.storage.Get(id)
	if s.Result != call.ResultRemoteSystemUnreachable {
		t.Fatalf("result = %s", s.Result.String())
	}
}

func TestResolveBlockedLeavesNoMissedCall(t *testing.T) {
	f := newFixture(t)

	id, _ := f.core.Dial(DialOptions{DialString: "8015551234", Method: call.MethodDSPhoneNumber})
	f.respond(services.KindCore, f.coreCh.lastID(), &services.Response{
		Op: services.OpDirectoryResolve, OK: true,
		Resolve: &services.DirectoryResolveResult{Blocked: true},
	})

	if f.history.missedCount() != 0 {
		t.Fatal("blocked resolve left a missed-call record")
	}
	if s := f.storage.Get(id); s.State != call.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", s.State.String())
	}
}

func TestResolveNotFoundFallsBackToRelay(t *testing.T) {
	f := newFixture(t)

	id, _ := f.core.Dial(DialOptions{DialString: "8015551234"})
	f.respond(services.KindCore, f.coreCh.lastID(), &services.Response{
		Op: services.OpDirectoryResolve, NotFound: true,
	})

	s := f.storage.Get(id)
	if s.Method != call.MethodVRS {
		t.Fatalf("method = %s, want vrs fallback", s.Method.String())
	}
	if f.sig.placeCount() != 1 {
		t.Fatal("fallback did not dial")
	}
	if got := s.Routing.URI.Host; got != "relay.test.invalid" {
		t.Fatalf("routing host = %q, want relay host", got)
	}
}

func TestResolveNotFoundExplicitMethodFails(t *testing.T) {
	f := newFixture(t)

	id, _ := f.core.Dial(DialOptions{DialString: "8015551234", Method: call.MethodDSPhoneNumber})
	f.respond(services.KindCore, f.coreCh.lastID(), &services.Response{
		Op: services.OpDirectoryResolve, NotFound: true,
	})

	s := f.storage.Get(id)
	if s.Result != call.ResultDirectoryFindFailed {
		t.Fatalf("result = %s, want directory-find-failed", s.Result.String())
	}
	if f.notes.count(NotifyResolutionFailed) != 1 {
		t.Fatal("missing resolution-failed notification")
	}
}

func TestPortedModeSuppressesResolve(t *testing.T) {
	f := newFixture(t)
	f.core.Correlator().SetRestricted(true)

	id, err := f.core.Dial(DialOptions{DialString: "8015551234"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if got := f.coreCh.sentOps(); len(got) != 0 {
		t.Fatalf("restricted mode sent requests: %v", got)
	}
	s := f.storage.Get(id)
	if s.Result != call.ResultRemoteSystemUnreachable {
		t.Fatalf("result = %s, want remote-system-unreachable", s.Result.String())
	}
}

func TestForeignEventsForwarded(t *testing.T) {
	f := newFixture(t)

	f.deliver(services.Event{
		Channel:  services.KindCore,
		ID:       9999,
		Response: &services.Response{Op: services.OpStateReport, OK: true},
	})

	n, ok := f.notes.last(NotifyServiceEvent)
	if !ok {
		t.Fatal("foreign event not forwarded")
	}
	if n.Service == nil || n.Service.ID != 9999 {
		t.Fatalf("forwarded event = %+v", n.Service)
	}
}

func TestTransferFailureRevertsToConnected(t *testing.T) {
	f := newFixture(t)

	s := call.NewSession(call.Outgoing, call.MethodDSPhoneNumber, "18015551234", call.StateTransferring)
	f.storage.Add(s)
	if err := f.loop.Call(func() error {
		_, err := f.core.Correlator().Send(services.KindCore, services.Request{
			Op: services.OpDirectoryResolve,
		}, s, false)
		return err
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	f.remove(services.KindCore, f.coreCh.lastID(), io.ErrUnexpectedEOF)

	if s.State != call.StateConnected {
		t.Fatalf("state = %s, want connected", s.State.String())
	}
	if f.notes.count(NotifyTransferFailed) != 1 {
		t.Fatal("missing transfer-failed notification")
	}
	if len(f.sig.terminated) != 0 {
		t.Fatal("transfer failure terminated the call")
	}
}

func connectedSession(f *fixture, info call.SignMailInfo) *call.Session {
	s := call.NewSession(call.Outgoing, call.MethodDSPhoneNumber, "18015551234", call.StateConnected)
	s.SignMail = info
	f.storage.Add(s)
	return s
}

func TestLeaveMessageSingleFlight(t *testing.T) {
	f := newFixture(t)
	s := connectedSession(f, call.SignMailInfo{MaxRings: 5})

	if err := f.core.LeaveMessage(s.ID); err != nil {
		t.Fatalf("leave message: %v", err)
	}
	if err := f.core.LeaveMessage(s.ID); KindOf(err) != KindAlreadyActive {
		t.Fatalf("second leave message err = %v, want already-active", err)
	}
}

func TestLeaveMessageRecordsAfterUploadTarget(t *testing.T) {
	f := newFixture(t)
	s := connectedSession(f, call.SignMailInfo{MaxRings: 5})

	if err := f.core.LeaveMessage(s.ID); err != nil {
		t.Fatalf("leave message: %v", err)
	}
	ops := f.msgCh.sentOps()
	if len(ops) != 1 || ops[0] != services.OpUploadGUID {
		t.Fatalf("message ops = %v, want one upload-guid", ops)
	}

	f.respond(services.KindMessage, f.msgCh.lastID(), &services.Response{
		Op: services.OpUploadGUID, OK: true,
		UploadGUID: &services.UploadGUIDResult{
			GUID: "abc-123", UploadURL: "https://upload.example.com/abc-123",
		},
	})

	if got := f.player.recordTarget(); got != "https://upload.example.com/abc-123" {
		t.Fatalf("record target = %q", got)
	}
	if f.notes.count(NotifySignMailRecordingStarted) != 1 {
		t.Fatal("missing recording-started notification")
	}
}

func TestLeaveMessageMailboxFullEndsCall(t *testing.T) {
	f := newFixture(t)
	s := connectedSession(f, call.SignMailInfo{MaxRings: 5})

	if err := f.core.LeaveMessage(s.ID); err != nil {
		t.Fatalf("leave message: %v", err)
	}
	f.respond(services.KindMessage, f.msgCh.lastID(), &services.Response{
		Op: services.OpUploadGUID, OK: true,
		UploadGUID: &services.UploadGUIDResult{MailboxFull: true},
	})

	if f.notes.count(NotifyMailboxFull) != 1 {
		t.Fatal("missing mailbox-full notification")
	}
	if f.notes.count(NotifyUploadGUIDRequestFailed) != 0 {
		t.Fatal("mailbox-full also reported a request failure")
	}
	if s.State != call.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", s.State.String())
	}
	if f.player.recordTarget() != "" {
		t.Fatal("recording started against a full mailbox")
	}
}

func TestLeaveMessageUploadTimeoutNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	// A negative resolver timeout makes the watchdog expire immediately.
	f.tune(func(s *Settings) { s.ResolverTimeout = -2 * time.Second })
	s := connectedSession(f, call.SignMailInfo{MaxRings: 5})

	if err := f.core.LeaveMessage(s.ID); err != nil {
		t.Fatalf("leave message: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.notes.count(NotifyUploadGUIDRequestFailed) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	f.loop.Sync()

	if got := f.notes.count(NotifyUploadGUIDRequestFailed); got != 1 {
		t.Fatalf("failure notifications = %d, want exactly 1", got)
	}

	// A straggling response after the timeout must not start recording.
	f.respond(services.KindMessage, f.msgCh.lastID(), &services.Response{
		Op: services.OpUploadGUID, OK: true,
		UploadGUID: &services.UploadGUIDResult{GUID: "late", UploadURL: "https://late.example.com"},
	})
	if f.player.recordTarget() != "" {
		t.Fatal("late response started recording")
	}
	if got := f.notes.count(NotifyUploadGUIDRequestFailed); got != 1 {
		t.Fatalf("failure notifications after late response = %d, want 1", got)
	}
}

func TestLeaveMessageVideoGreetingPlaysFirst(t *testing.T) {
	f := newFixture(t)
	s := connectedSession(f, call.SignMailInfo{
		MaxRings:     5,
		GreetingType: call.GreetingVideo,
		GreetingURL:  "https://greetings.example.com/pat.mp4",
	})

	if err := f.core.LeaveMessage(s.ID); err != nil {
		t.Fatalf("leave message: %v", err)
	}
	if got := f.player.loaded(); got != "https://greetings.example.com/pat.mp4" {
		t.Fatalf("loaded url = %q", got)
	}
	if got := f.msgCh.sentOps(); len(got) != 0 {
		t.Fatalf("upload target requested before greeting: %v", got)
	}

	// Item ready: playback starts.
	f.player.fire(media.PlayerStopped)
	f.loop.Sync()
	if got := f.player.playCount(); got != 1 {
		t.Fatalf("plays = %d, want 1", got)
	}

	// Greeting finished: the upload handshake begins.
	f.player.fire(media.PlayerStopped)
	f.loop.Sync()
	ops := f.msgCh.sentOps()
	if len(ops) != 1 || ops[0] != services.OpUploadGUID {
		t.Fatalf("message ops = %v, want one upload-guid", ops)
	}
}

func TestSkipGreetingJumpsToUploadHandshake(t *testing.T) {
	f := newFixture(t)
	s := connectedSession(f, call.SignMailInfo{
		MaxRings:     5,
		GreetingType: call.GreetingVideo,
		GreetingURL:  "https://greetings.example.com/pat.mp4",
	})

	if err := f.core.LeaveMessage(s.ID); err != nil {
		t.Fatalf("leave message: %v", err)
	}
	if got := f.msgCh.sentOps(); len(got) != 0 {
		t.Fatalf("upload target requested before greeting: %v", got)
	}

	if err := f.core.SkipGreeting(); err != nil {
		t.Fatalf("skip greeting: %v", err)
	}
	ops := f.msgCh.sentOps()
	if len(ops) != 1 || ops[0] != services.OpUploadGUID {
		t.Fatalf("message ops = %v, want one upload-guid", ops)
	}
	if f.player.stopCount() == 0 {
		t.Fatal("greeting playback not stopped")
	}

	// Once past the greeting there is nothing left to skip.
	if err := f.core.SkipGreeting(); KindOf(err) != KindAlreadyActive {
		t.Fatalf("second skip err = %v, want already-active", err)
	}
}

func TestSkipGreetingWithoutWorkflowRejected(t *testing.T) {
	f := newFixture(t)

	if err := f.core.SkipGreeting(); KindOf(err) != KindAlreadyActive {
		t.Fatalf("err = %v, want already-active", err)
	}
}

func TestUploadFailureAfterRecordingNotifies(t *testing.T) {
	f := newFixture(t)
	s := connectedSession(f, call.SignMailInfo{MaxRings: 5})

	if err := f.core.LeaveMessage(s.ID); err != nil {
		t.Fatalf("leave message: %v", err)
	}
	f.respond(services.KindMessage, f.msgCh.lastID(), &services.Response{
		Op: services.OpUploadGUID, OK: true,
		UploadGUID: &services.UploadGUIDResult{GUID: "abc", UploadURL: "https://u.example.com"},
	})
	if err := f.core.FinishRecording(); err != nil {
		t.Fatalf("finish recording: %v", err)
	}

	// The capture upload runs after the recording stops; its failure
	// surfaces through the player.
	f.player.fire(media.PlayerError)
	f.loop.Sync()

	if got := f.notes.count(NotifyUploadGUIDRequestFailed); got != 1 {
		t.Fatalf("failure notifications = %d, want 1", got)
	}
	if err := f.loop.Call(func() error {
		if f.core.signMail != nil {
			t.Error("workflow still active after upload failure")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestVideoPrivacySuppressedDuringGreeting(t *testing.T) {
	f := newFixture(t)
	f.tune(func(s *Settings) { s.VideoPrivacy = true })
	s := connectedSession(f, call.SignMailInfo{
		MaxRings:     5,
		GreetingType: call.GreetingVideo,
		GreetingURL:  "https://greetings.example.com/pat.mp4",
	})

	if err := f.core.LeaveMessage(s.ID); err != nil {
		t.Fatalf("leave message: %v", err)
	}
	n, ok := f.notes.last(NotifyVideoPrivacyChanged)
	if !ok || n.VideoPrivacy {
		t.Fatalf("privacy note = %+v, want suppression", n)
	}

	if err := f.core.HangUp(s.ID); err != nil {
		t.Fatalf("hang up: %v", err)
	}
	f.loop.Sync()

	n, ok = f.notes.last(NotifyVideoPrivacyChanged)
	if !ok || !n.VideoPrivacy {
		t.Fatalf("privacy note = %+v, want restore", n)
	}
	if got := f.notes.count(NotifyVideoPrivacyChanged); got != 2 {
		t.Fatalf("privacy notifications = %d, want suppress then restore", got)
	}
}

func TestMailboxFullRestoresVideoPrivacy(t *testing.T) {
	f := newFixture(t)
	f.tune(func(s *Settings) { s.VideoPrivacy = true })
	s := connectedSession(f, call.SignMailInfo{MaxRings: 5})

	if err := f.core.LeaveMessage(s.ID); err != nil {
		t.Fatalf("leave message: %v", err)
	}
	f.respond(services.KindMessage, f.msgCh.lastID(), &services.Response{
		Op: services.OpUploadGUID, OK: true,
		UploadGUID: &services.UploadGUIDResult{MailboxFull: true},
	})

	if got := f.notes.count(NotifyVideoPrivacyChanged); got != 2 {
		t.Fatalf("privacy notifications = %d, want suppress then restore", got)
	}
	n, _ := f.notes.last(NotifyVideoPrivacyChanged)
	if !n.VideoPrivacy {
		t.Fatal("privacy not restored on full mailbox")
	}
}

func TestLeaveMessageCallClosedStopsRecording(t *testing.T) {
	f := newFixture(t)
	s := connectedSession(f, call.SignMailInfo{MaxRings: 5})

	if err := f.core.LeaveMessage(s.ID); err != nil {
		t.Fatalf("leave message: %v", err)
	}
	f.respond(services.KindMessage, f.msgCh.lastID(), &services.Response{
		Op: services.OpUploadGUID, OK: true,
		UploadGUID: &services.UploadGUIDResult{GUID: "abc", UploadURL: "https://u.example.com"},
	})
	if f.player.RecordKind() != media.RecordUploadURL {
		t.Fatal("recording not started")
	}

	if err := f.core.HangUp(s.ID); err != nil {
		t.Fatalf("hang up: %v", err)
	}
	f.loop.Sync()

	if f.player.BoundCall() != 0 {
		t.Fatal("player still bound after call closed")
	}
	if err := f.core.LeaveMessage(s.ID); KindOf(err) == KindAlreadyActive {
		t.Fatal("leave-message state not cleared after call closed")
	}
}

func TestHangUpDuringLeaveMessageKeepsResolveOutstanding(t *testing.T) {
	f := newFixture(t)

	// One call mid-resolve on the core channel, another in the message
	// workflow. Both channels hand out ids from the same small range.
	dialID, err := f.core.Dial(DialOptions{DialString: "8015551234"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resolveID := f.coreCh.lastID()

	s := connectedSession(f, call.SignMailInfo{MaxRings: 5})
	if err := f.core.LeaveMessage(s.ID); err != nil {
		t.Fatalf("leave message: %v", err)
	}

	if err := f.core.HangUp(s.ID); err != nil {
		t.Fatalf("hang up: %v", err)
	}
	f.loop.Sync()

	if got := f.coreCh.cancelledIDs(); len(got) != 0 {
		t.Fatalf("hang-up cancelled core requests %v owned by another call", got)
	}
	if got := f.msgCh.cancelledIDs(); len(got) != 1 || got[0] != f.msgCh.lastID() {
		t.Fatalf("message cancels = %v, want just the upload-guid request", got)
	}

	// The untouched resolve completes and its call dials through.
	f.respond(services.KindCore, resolveID, &services.Response{
		Op: services.OpDirectoryResolve, OK: true,
		Resolve: &services.DirectoryResolveResult{
			URIs: []services.URIInfo{
				{URI: "sip:{number}@p2p.example.com", Network: services.NetworkProvider},
			},
		},
	})
	if ds := f.storage.Get(dialID); ds.State != call.StateDialing {
		t.Fatalf("state = %s, want dialing", ds.State.String())
	}
}

func TestSendRecordedMessageCarriesCaptions(t *testing.T) {
	f := newFixture(t)
	s := connectedSession(f, call.SignMailInfo{MaxRings: 5})

	if err := f.core.LeaveMessage(s.ID); err != nil {
		t.Fatalf("leave message: %v", err)
	}
	f.respond(services.KindMessage, f.msgCh.lastID(), &services.Response{
		Op: services.OpUploadGUID, OK: true,
		UploadGUID: &services.UploadGUIDResult{GUID: "abc", UploadURL: "https://u.example.com"},
	})

	if err := f.core.AddCaption("call me back"); err != nil {
		t.Fatalf("add caption: %v", err)
	}
	if err := f.core.SendRecordedMessage(); err != nil {
		t.Fatalf("send: %v", err)
	}

	ops := f.msgCh.sentOps()
	if len(ops) != 2 || ops[1] != services.OpMessageSend {
		t.Fatalf("message ops = %v, want upload-guid then message-send", ops)
	}
	f.msgCh.mu.Lock()
	body := f.msgCh.sent[1].Body.(map[string]any)
	f.msgCh.mu.Unlock()
	if body["guid"] != "abc" {
		t.Fatalf("send body guid = %v", body["guid"])
	}
	caps := body["captions"].([]string)
	if len(caps) != 1 || caps[0] != "call me back" {
		t.Fatalf("captions = %v", caps)
	}
}

func TestApplyPropertiesUpdatesSettings(t *testing.T) {
	f := newFixture(t)

	err := f.core.ApplyProperties([]PropertyWrite{
		{Key: PropInterfaceMode, Type: "string", Value: "hearing"},
		{Key: PropVRSHost, Type: "string", Value: "relay2.test.invalid"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	f.loop.Call(func() error {
		if f.core.settings.Mode != ModeHearing {
			t.Errorf("mode = %v, want hearing", f.core.settings.Mode)
		}
		if f.core.settings.VRSHost != "relay2.test.invalid" {
			t.Errorf("vrs host = %q", f.core.settings.VRSHost)
		}
		return nil
	})

	// Hearing mode rejects relay calls.
	if _, err := f.core.Dial(DialOptions{DialString: "8663278877"}); KindOf(err) != KindSvrsCallsNotAllowed {
		t.Fatalf("relay dial in hearing mode err = %v", err)
	}
}

func TestApplyPropertiesRoutesSupportCalls(t *testing.T) {
	f := newFixture(t)

	err := f.core.ApplyProperties([]PropertyWrite{
		{Key: PropCustomerServiceURI, Type: "string", Value: "sip:help@support.example.com"},
		{Key: PropMustCallRoutingCenter, Type: "bool", Value: "true"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	// The customer-service number now routes to the configured URI.
	id, err := f.core.Dial(DialOptions{DialString: "611"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s := f.storage.Get(id)
	if s.Method != call.MethodDialString {
		t.Fatalf("method = %s, want dial-string", s.Method.String())
	}
	if got := s.Routing.URI.Host; got != "support.example.com" {
		t.Fatalf("routing host = %q, want customer-service host", got)
	}

	// Routing-center enforcement rejects dialing the relay domain outright.
	if _, err := f.core.Dial(DialOptions{DialString: "relay.test.invalid"}); KindOf(err) != KindSvrsCallsNotAllowed {
		t.Fatalf("relay-literal dial err = %v, want svrs-calls-not-allowed", err)
	}
}

func TestPropertyHandlersRunOncePerBatch(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemProps()
	router := NewPropertyRouter(store, logger)

	runs := make(map[string]int)
	router.Bind("speeds", func() { runs["speeds"]++ }, PropMaxRecvSpeed, PropMaxSendSpeed)
	router.Bind("ring-group", func() { runs["ring-group"]++ }, PropRingGroupEnabled)

	ctx := context.Background()
	store.Set(ctx, &models.Property{Key: PropMaxSendSpeed, Scope: models.ScopeUser, Value: "512"})

	err := router.Apply(ctx, []PropertyWrite{
		{Key: PropMaxRecvSpeed, Value: "1024"},
		{Key: PropMaxSendSpeed, Value: "512"}, // unchanged
		{Key: PropRingGroupEnabled, Value: "true"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if runs["speeds"] != 1 {
		t.Fatalf("speeds handler ran %d times, want 1", runs["speeds"])
	}
	if runs["ring-group"] != 1 {
		t.Fatalf("ring-group handler ran %d times, want 1", runs["ring-group"])
	}

	// Re-applying identical values runs nothing.
	err = router.Apply(ctx, []PropertyWrite{
		{Key: PropMaxRecvSpeed, Value: "1024"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if runs["speeds"] != 1 {
		t.Fatalf("speeds handler re-ran on unchanged value")
	}
}
