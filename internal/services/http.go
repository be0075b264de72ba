package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/icholy/digest"
	"golang.org/x/time/rate"
)

// ErrChannelClosed is returned by Send after the channel has been closed.
var ErrChannelClosed = errors.New("services: channel closed")

// ErrQueueFull is returned by Send when the submission queue is saturated.
var ErrQueueFull = errors.New("services: submission queue full")

const submitQueueDepth = 64

// HTTPConfig configures one backend channel.
type HTTPConfig struct {
	Kind     Kind
	BaseURL  string
	Username string
	Password string
	// Timeout bounds a single request round trip.
	Timeout time.Duration
	// RequestsPerSecond throttles outbound traffic; zero means no limit.
	RequestsPerSecond float64
	Burst             int
}

type pendingRequest struct {
	id     uint32
	req    Request
	ctx    context.Context
	cancel context.CancelFunc
}

// HTTPChannel talks JSON-over-HTTP with digest authentication to one backend
// service. Requests are delivered in submission order by a single worker
// goroutine; the response or removal for each accepted request is handed to
// the event sink exactly once.
type HTTPChannel struct {
	kind    Kind
	client  *http.Client
	limiter *rate.Limiter
	sink    func(Event)
	logger  *slog.Logger

	mu      sync.Mutex
	baseURL string
	nextID  uint32
	pending map[uint32]*pendingRequest
	closed  bool

	queue chan *pendingRequest
	done  chan struct{}
}

// NewHTTPChannel builds a channel and starts its delivery worker. Events are
// handed to sink from the worker goroutine; callers that need them on a
// particular goroutine post from within the sink.
func NewHTTPChannel(cfg HTTPConfig, sink func(Event), logger *slog.Logger) *HTTPChannel {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	ch := &HTTPChannel{
		kind: cfg.Kind,
		client: &http.Client{
			Timeout: timeout,
			Transport: &digest.Transport{
				Username: cfg.Username,
				Password: cfg.Password,
			},
		},
		limiter: limiter,
		sink:    sink,
		logger:  logger.With("subsystem", "services", "channel", cfg.Kind.String()),
		baseURL: cfg.BaseURL,
		pending: make(map[uint32]*pendingRequest),
		queue:   make(chan *pendingRequest, submitQueueDepth),
		done:    make(chan struct{}),
	}
	go ch.run()
	return ch
}

// Kind returns the backend this channel talks to.
func (c *HTTPChannel) Kind() Kind {
	return c.kind
}

// SetBaseURL switches the backend endpoint. In-flight requests keep the URL
// they were submitted against.
func (c *HTTPChannel) SetBaseURL(u string) {
	c.mu.Lock()
	c.baseURL = u
	c.mu.Unlock()
}

// Send queues a request for delivery and returns its correlation id. Ids are
// never zero and never reused within a channel's lifetime.
func (c *HTTPChannel) Send(req Request) (uint32, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrChannelClosed
	}
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	id := c.nextID
	ctx, cancel := context.WithCancel(context.Background())
	p := &pendingRequest{id: id, req: req, ctx: ctx, cancel: cancel}
	c.pending[id] = p
	c.mu.Unlock()

	select {
	case c.queue <- p:
		return id, nil
	default:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		cancel()
		return 0, ErrQueueFull
	}
}

// Cancel abandons an outstanding request. Completed or unknown ids are a
// no-op.
func (c *HTTPChannel) Cancel(id uint32) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		p.cancel()
		c.logger.Debug("request canceled", "id", id, "op", p.req.Op)
	}
}

// Close stops the worker. Requests still queued are dropped without events.
func (c *HTTPChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.queue)
	<-c.done
}

func (c *HTTPChannel) run() {
	defer close(c.done)
	for p := range c.queue {
		c.deliver(p)
	}
}

// deliver performs one round trip and emits the matching event. A request
// canceled before or during the round trip emits nothing: the canceler
// already gave up on the id.
func (c *HTTPChannel) deliver(p *pendingRequest) {
	if c.limiter != nil {
		if err := c.limiter.Wait(p.ctx); err != nil {
			return // canceled while throttled
		}
	}

	resp, err := c.roundTrip(p)

	// The id must leave the pending set exactly once; Cancel may have
	// already taken it, in which case the result is discarded.
	c.mu.Lock()
	_, mine := c.pending[p.id]
	if mine {
		delete(c.pending, p.id)
	}
	c.mu.Unlock()
	p.cancel()
	if !mine {
		return
	}

	if err != nil {
		c.logger.Warn("request failed", "id", p.id, "op", p.req.Op, "error", err)
		c.sink(Event{Channel: c.kind, ID: p.id, Removed: true, Err: err})
		return
	}
	c.sink(Event{Channel: c.kind, ID: p.id, Response: resp})
}

func (c *HTTPChannel) roundTrip(p *pendingRequest) (*Response, error) {
	c.mu.Lock()
	base := c.baseURL
	c.mu.Unlock()

	body, err := json.Marshal(p.req.Body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/%s", base, p.req.Op)
	httpReq, err := http.NewRequestWithContext(p.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend returned status %d", httpResp.StatusCode)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp.Op == "" {
		resp.Op = p.req.Op
	}
	return &resp, nil
}
