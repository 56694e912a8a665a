package transport

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vitaglow/realtime/protocol"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateReconnectWait
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateReconnectWait:
		return "reconnect_wait"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	// DefaultBaseDelay is the first reconnect delay; it doubles per attempt.
	DefaultBaseDelay = 1 * time.Second

	// DefaultMaxDelay caps the exponential backoff.
	DefaultMaxDelay = 30 * time.Second

	// DefaultMaxAttempts caps how many reconnects are scheduled before the
	// connection gives up and surfaces ErrRetriesExhausted.
	DefaultMaxAttempts = 5

	// DefaultMaxJitter bounds the random jitter added to each reconnect
	// delay so a fleet of clients does not reconnect in lockstep.
	DefaultMaxJitter = 1 * time.Second
)

// Conn is a websocket connection with automatic reconnection. It implements
// Transport. All exported methods are safe for concurrent use.
type Conn struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxJitter   time.Duration
	maxAttempts int

	mu             sync.Mutex
	state          State
	ws             *websocket.Conn
	attempts       int
	gen            int
	reconnectTimer *time.Timer

	onMessage      func(protocol.Envelope)
	onConnected    func()
	onDisconnected func()
	onError        func(error)

	// writeMu serializes frame writes; gorilla connections do not support
	// concurrent writers.
	writeMu sync.Mutex
}

// Option configures a Conn.
type Option func(*Conn)

// WithHeader sets the HTTP header sent with the websocket handshake,
// typically for auth cookies or tokens.
func WithHeader(h http.Header) Option {
	return func(c *Conn) { c.header = h }
}

// WithBackoff overrides the reconnect backoff window.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Conn) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

// WithMaxAttempts overrides the reconnect attempt cap.
func WithMaxAttempts(n int) Option {
	return func(c *Conn) { c.maxAttempts = n }
}

// WithMaxJitter overrides the jitter bound. Zero disables jitter, which
// keeps timing deterministic in tests.
func WithMaxJitter(d time.Duration) Option {
	return func(c *Conn) { c.maxJitter = d }
}

// WithDialer substitutes the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Conn) { c.dialer = d }
}

// New creates a connection in the Idle state. Call Connect to dial.
func New(url string, opts ...Option) *Conn {
	c := &Conn{
		url:         url,
		dialer:      websocket.DefaultDialer,
		logger:      slog.Default().With("component", "transport"),
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		maxJitter:   DefaultMaxJitter,
		maxAttempts: DefaultMaxAttempts,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial creates a connection and immediately starts connecting in the
// background. Prefer New + handler registration + Connect when the caller
// needs to observe the very first connect.
func Dial(url string, opts ...Option) *Conn {
	c := New(url, opts...)
	c.Connect()
	return c
}

// Connect starts dialing in the background. It is a no-op unless the
// connection is Idle or Closed.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.dial(gen)
}

// dial performs one connection attempt for the given generation. Stale
// generations (superseded by Destroy or a newer attempt) are discarded
// without firing handlers.
func (c *Conn) dial(gen int) {
	ws, resp, err := c.dialer.Dial(c.url, c.header)
	if err != nil && resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if c.state == StateTerminated || gen != c.gen {
		c.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("dial failed", "url", c.url, "error", err)
		c.emitError(fmt.Errorf("transport: dial %s: %w", c.url, err))
		c.scheduleReconnect()
		return
	}

	c.ws = ws
	c.state = StateOpen
	c.attempts = 0
	onConnected := c.onConnected
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.url)
	if onConnected != nil {
		onConnected()
	}
	go c.readLoop(ws, gen)
}

// readLoop pumps inbound frames until the connection closes. Malformed
// frames are surfaced as protocol errors and skipped; the connection stays
// alive.
func (c *Conn) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}

		env, derr := protocol.Decode(raw)
		if derr != nil {
			c.logger.Warn("dropping malformed frame", "error", derr)
			c.emitError(derr)
			continue
		}

		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

// handleClose transitions Open → Closed and schedules a reconnect, unless
// the close was caused by Destroy or belongs to a superseded generation.
func (c *Conn) handleClose(gen int, cause error) {
	c.mu.Lock()
	if c.state == StateTerminated || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.state = StateClosed
	onDisconnected := c.onDisconnected
	c.mu.Unlock()

	c.logger.Warn("connection closed", "error", cause)
	if onDisconnected != nil {
		onDisconnected()
	}
	c.scheduleReconnect()
}

func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.maxAttempts {
		attempts := c.attempts
		c.mu.Unlock()
		c.logger.Error("reconnect attempts exhausted", "attempts", attempts)
		c.emitError(ErrRetriesExhausted)
		return
	}

	delay := c.baseDelay << c.attempts
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	if c.maxJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(c.maxJitter)))
	}
	c.attempts++
	c.gen++
	gen := c.gen
	c.state = StateReconnectWait
	c.reconnectTimer = time.AfterFunc(delay, func() { c.redial(gen) })
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled", "delay", delay, "attempt", attempt)
}

// redial is the reconnect timer callback. It re-enters Connecting for its
// own generation so a Destroy racing the timer wins cleanly.
func (c *Conn) redial(gen int) {
	c.mu.Lock()
	if c.state != StateReconnectWait || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.dial(gen)
}

// Send encodes and writes one envelope. While not open it drops the frame,
// logs a warning, surfaces ErrNotConnected through the error handler and
// returns it; the caller is never blocked by transport unavailability.
func (c *Conn) Send(msgType string, payload any) error {
	c.mu.Lock()
	if c.state != StateOpen || c.ws == nil {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("dropping send while not open", "type", msgType, "state", state.String())
		c.emitError(fmt.Errorf("%w: cannot send %q in state %s", ErrNotConnected, msgType, state))
		return ErrNotConnected
	}
	ws := c.ws
	c.mu.Unlock()

	raw, err := protocol.Encode(msgType, payload)
	if err != nil {
		c.emitError(err)
		return err
	}

	c.writeMu.Lock()
	err = ws.WriteMessage(websocket.TextMessage, raw)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Error("write failed", "type", msgType, "error", err)
		err = fmt.Errorf("transport: send %s: %w", msgType, err)
		c.emitError(err)
		return err
	}
	return nil
}

// IsConnected reports whether the connection is open.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnMessage registers the inbound envelope handler.
func (c *Conn) OnMessage(fn func(protocol.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnConnected registers the connect handler.
func (c *Conn) OnConnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = fn
}

// OnDisconnected registers the disconnect handler.
func (c *Conn) OnDisconnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = fn
}

// OnError registers the error handler.
func (c *Conn) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

func (c *Conn) emitError(err error) {
	c.mu.Lock()
	handler := c.onError
	terminated := c.state == StateTerminated
	c.mu.Unlock()
	if handler != nil && !terminated {
		handler(err)
	}
}

// Destroy terminates the connection permanently: the socket is closed, any
// pending reconnect is cancelled, and no handlers fire afterwards.
// Idempotent.
func (c *Conn) Destroy() {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.state = StateTerminated
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	c.logger.Info("transport terminated", "url", c.url)
}
