package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// connState is the Connection Controller's lifecycle, per spec.md §4.6:
// disconnected -> connecting -> connected -> disconnected, with destroyed
// absorbing any state.
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateDestroyed
)

// starttlsPhase tracks the StartTLS Driver's precondition (spec.md §4.8).
type starttlsPhase int

const (
	starttlsNone starttlsPhase = iota
	starttlsStarting
)

type endpointBackoff struct {
	attempts int
	delay    time.Duration
}

// budgetExhaustedError wraps the terminal cause once every URL's retry
// budget is spent, per spec.md §4.6.
type budgetExhaustedError struct {
	cause error
}

func (e *budgetExhaustedError) Error() string { return e.cause.Error() }
func (e *budgetExhaustedError) Unwrap() error { return e.cause }

// SetupHook runs during the setup phase (spec.md §4.6 step 3): implicit
// StartTLS, then implicit simple bind, each a closure over the
// Controller's current socket and tracker.
type SetupHook func(ctx context.Context) error

// Controller is the Connection Controller of spec.md §4.6. It owns the
// socket, the Message Tracker, and the Request Queue for the duration of
// one connection epoch.
type Controller struct {
	mu sync.Mutex

	urls            []ServerEndpoint
	nextServerIndex int
	backoff         map[string]*endpointBackoff

	state           connState
	starttls        starttlsPhase
	conn            net.Conn
	currentEndpoint ServerEndpoint
	tracker         *MessageTracker
	queue           *RequestQueue
	epoch           EpochID
	unbindID      int32
	unbindInFlight bool

	dialer         Dialer
	tlsConfig      *tls.Config
	connectTimeout time.Duration
	idleTimeout    time.Duration
	policy         ReconnectPolicy
	setupHooks     []SetupHook

	idleTimer *time.Timer
	writeMu   sync.Mutex

	logger EventLogger

	onConnect func()
	onError   func(error)
	onClose   func()
	onIdle    func()
}

// ControllerOptions configures a new Controller.
type ControllerOptions struct {
	URLs           []ServerEndpoint
	Dialer         Dialer
	TLSConfig      *tls.Config
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	Policy         ReconnectPolicy
	QueueSize      int
	QueueDisabled  bool
	Logger         EventLogger
}

// NewController creates a Controller with a frozen-or-not Request Queue
// per opts.QueueDisabled.
func NewController(opts ControllerOptions) *Controller {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	queue := NewRequestQueue(opts.QueueSize)
	if opts.QueueDisabled {
		queue.Freeze()
	}

	backoff := make(map[string]*endpointBackoff, len(opts.URLs))
	for _, u := range opts.URLs {
		backoff[u.String()] = &endpointBackoff{delay: opts.Policy.InitialDelay}
	}

	return &Controller{
		urls:           opts.URLs,
		backoff:        backoff,
		dialer:         dialer,
		tlsConfig:      opts.TLSConfig,
		connectTimeout: opts.ConnectTimeout,
		idleTimeout:    opts.IdleTimeout,
		policy:         opts.Policy,
		queue:          queue,
		logger:         logger,
	}
}

// SetSetupHooks installs the ordered setup-phase hooks. Called once by the
// client before the first Connect.
func (c *Controller) SetSetupHooks(hooks ...SetupHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setupHooks = hooks
}

func (c *Controller) OnConnect(fn func())      { c.mu.Lock(); c.onConnect = fn; c.mu.Unlock() }
func (c *Controller) OnError(fn func(error))   { c.mu.Lock(); c.onError = fn; c.mu.Unlock() }
func (c *Controller) OnClose(fn func())        { c.mu.Lock(); c.onClose = fn; c.mu.Unlock() }
func (c *Controller) OnIdle(fn func())         { c.mu.Lock(); c.onIdle = fn; c.mu.Unlock() }

// Queue returns the Request Queue (shared across epochs).
func (c *Controller) Queue() *RequestQueue { return c.queue }

// Tracker returns the current epoch's Message Tracker, or nil if
// disconnected.
func (c *Controller) Tracker() *MessageTracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker
}

// Ready reports whether a request can be written directly to the socket.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Writable reports whether the socket accepts writes right now: either
// fully connected, or mid-setup where only the setup hooks themselves
// (StartTLS, the implicit bind) are privileged to write directly instead
// of going through the Request Queue (spec.md §4.6 step 3).
func (c *Controller) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && (c.state == stateConnected || c.state == stateConnecting)
}

// Connecting reports whether the setup phase is in flight and the socket
// is already writable (spec.md §4.7's "connecting with a writable socket").
func (c *Controller) Connecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnecting && c.conn != nil
}

// Destroyed reports whether Destroy has been called.
func (c *Controller) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateDestroyed
}

// Epoch returns the current connection epoch ID.
func (c *Controller) Epoch() EpochID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// CurrentEndpoint returns the endpoint the in-progress or current
// connection attempt dialed, so a setup hook can decide whether an
// implicit StartTLS upgrade is needed (spec.md §4.6 step 3: only on a
// non-ldaps endpoint).
func (c *Controller) CurrentEndpoint() ServerEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentEndpoint
}

// Connect implements spec.md §4.6 step 1: a no-op if connected,
// connecting, or destroyed; otherwise dials round-robin across urls with
// exponential backoff until ready, the per-URL/global retry budget is
// exhausted, or ctx is done.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateDestroyed:
		c.mu.Unlock()
		return &ConnectionError{Reason: "client destroyed"}
	case stateConnecting, stateConnected:
		c.mu.Unlock()
		return nil
	}
	c.state = stateConnecting
	c.mu.Unlock()

	return c.connectLoop(ctx)
}

func (c *Controller) connectLoop(ctx context.Context) error {
	for {
		endpoint := c.pickEndpoint()

		err := c.attemptOnce(ctx, endpoint)
		if err == nil {
			return nil
		}

		var exhausted *budgetExhaustedError
		if errors.As(err, &exhausted) {
			c.mu.Lock()
			c.state = stateDisconnected
			onError := c.onError
			c.mu.Unlock()
			if onError != nil {
				onError(exhausted.cause)
			}
			return exhausted.cause
		}

		if !c.policy.Enabled {
			c.mu.Lock()
			c.state = stateDisconnected
			c.mu.Unlock()
			return err
		}

		delay := c.nextDelay(endpoint)
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.state = stateDisconnected
			c.mu.Unlock()
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Controller) pickEndpoint() ServerEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.urls[c.nextServerIndex%len(c.urls)]
	c.nextServerIndex = (c.nextServerIndex + 1) % len(c.urls)
	return e
}

// attemptOnce dials one endpoint, runs setup, and blocks until the epoch
// is ready or setup/dial fails.
func (c *Controller) attemptOnce(ctx context.Context, endpoint ServerEndpoint) error {
	dialCtx := ctx
	var cancel context.CancelFunc
	if c.connectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}

	conn, err := c.dialer(dialCtx, endpoint, c.tlsConfig)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			err = &ConnectionTimeoutError{Endpoint: endpoint}
		}
		return c.recordFailure(endpoint, err)
	}

	epoch := NewEpochID()
	tracker := NewMessageTracker()

	c.mu.Lock()
	c.conn = conn
	c.currentEndpoint = endpoint
	c.tracker = tracker
	c.epoch = epoch
	c.mu.Unlock()

	// The read loop starts before setup completes, so the setup hooks
	// (implicit StartTLS, implicit bind) receive their own responses
	// through the same tracker-routed path every other request uses,
	// instead of no one reading the socket until setup is already done.
	go c.runReadLoop(tracker, epoch)

	setupErr := c.runSetupHooks(ctx, tracker)
	if setupErr != nil {
		c.mu.Lock()
		// Invalidate this epoch before closing, so the read loop's own
		// handleClose call (triggered by the Close below) is a no-op
		// instead of racing this attempt's own retry with a duplicate
		// reconnect.
		c.epoch = NewEpochID()
		c.conn = nil
		c.tracker = nil
		c.mu.Unlock()
		conn.Close()
		return c.recordFailure(endpoint, setupErr)
	}

	c.mu.Lock()
	c.state = stateConnected
	onConnect := c.onConnect
	c.mu.Unlock()

	c.resetBackoff(endpoint)
	c.flushQueue()
	c.logger.Info(ctx, "connection ready", map[string]any{"endpoint": endpoint.String(), "epoch": epoch.String()})
	if onConnect != nil {
		onConnect()
	}

	return nil
}

// runSetupHooks executes the ordered setup hooks sequentially (spec.md
// §4.6 step 3). A read-loop failure during setup also aborts it, since
// each hook waits on a tracked request whose OnError fires from Purge.
func (c *Controller) runSetupHooks(ctx context.Context, tracker *MessageTracker) error {
	c.mu.Lock()
	hooks := c.setupHooks
	c.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			return fmt.Errorf("setup hook failed: %w", err)
		}
	}
	return nil
}

func (c *Controller) runReadLoop(tracker *MessageTracker, epoch EpochID) {
	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}
		msg, err := ReadMessage(conn)
		if err != nil {
			c.handleClose(epoch, tracker, err)
			return
		}
		c.routeMessage(tracker, msg)
	}
}

func (c *Controller) currentConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Controller) routeMessage(tracker *MessageTracker, msg *Message) {
	if tracker.IsAbandoned(msg.ID) {
		return
	}
	req, ok := tracker.Fetch(msg.ID)
	if !ok {
		return
	}
	// Every response kind is single-shot except a streaming search, whose
	// OnMessage handler removes the entry itself once searchResultDone
	// arrives.
	if req.Expect != ExpectSearchStream {
		tracker.Remove(msg.ID)
	}
	if req.OnMessage != nil {
		req.OnMessage(msg)
	}
	c.noteResponseObserved(tracker)
}

// noteResponseObserved arms the idle timer once no request is outstanding,
// per spec.md §4.7.
func (c *Controller) noteResponseObserved(tracker *MessageTracker) {
	if c.idleTimeout <= 0 {
		return
	}
	if tracker.Pending() != 0 {
		return
	}
	c.mu.Lock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	onIdle := c.onIdle
	c.idleTimer = time.AfterFunc(c.idleTimeout, func() {
		if onIdle != nil {
			onIdle()
		}
	})
	c.mu.Unlock()
}

// handleClose implements spec.md §4.6 step 5: purge the tracker (terminal
// ConnectionError to every pending handler except an in-flight unbind,
// which gets a synthetic success), then either re-enter the connect loop
// or stop.
func (c *Controller) handleClose(epoch EpochID, tracker *MessageTracker, cause error) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	wasUnbind := c.unbindInFlight
	destroyed := c.state == stateDestroyed
	// Only a drop of an already-ready connection should trigger handleClose's
	// own reconnect: a close observed while still mid-setup (stateConnecting)
	// belongs to the connectLoop attempt already driving this epoch, which
	// retries on its own. Spawning a second Connect here would race it.
	wasConnected := c.state == stateConnected
	if !destroyed {
		c.state = stateDisconnected
	}
	c.conn = nil
	c.unbindInFlight = false
	onClose := c.onClose
	c.mu.Unlock()

	tracker.Purge(func(id int32, req *PendingRequest) {
		if req.Expect == ExpectUnbindSentinel {
			if req.OnMessage != nil {
				req.OnMessage(nil)
			}
			return
		}
		if req.OnError != nil {
			req.OnError(&ConnectionError{Reason: "connection closed", Cause: cause})
		}
	})

	if wasConnected && onClose != nil {
		onClose()
	}

	if destroyed || !wasConnected {
		return
	}
	if c.policy.Enabled && !wasUnbind {
		go func() { _ = c.Connect(context.Background()) }()
	}
}

// MarkUnbindInFlight records that the controller wrote an UnbindRequest
// and is half-closing; handleClose uses this to synthesize success for
// the unbind callback and to suppress automatic reconnect (spec.md §4.7).
func (c *Controller) MarkUnbindInFlight(messageID int32) {
	c.mu.Lock()
	c.unbindInFlight = true
	c.unbindID = messageID
	c.mu.Unlock()
}

// Send writes one fully-encoded LDAPMessage to the current socket. Writes
// are serialized; submission order is preserved on the wire (spec.md §5).
func (c *Controller) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.currentConn()
	if conn == nil {
		return &ConnectionError{Reason: "no active connection"}
	}
	_, err := conn.Write(payload)
	return err
}

// SwapConn installs a new transport in place of the current one (used by
// the StartTLS Driver once the handshake completes); the read loop picks
// it up on its next iteration since it re-reads currentConn() every pass.
func (c *Controller) SwapConn(newConn net.Conn) {
	c.mu.Lock()
	c.conn = newConn
	c.starttls = starttlsNone
	c.mu.Unlock()
}

// BeginStartTLS validates the precondition (spec.md §4.8) and returns the
// raw socket for the driver to upgrade.
func (c *Controller) BeginStartTLS() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.starttls == starttlsStarting {
		return nil, &ProtocolError{Reason: "StartTLS already in progress"}
	}
	if c.state != stateConnected && c.state != stateConnecting {
		return nil, &ConnectionError{Reason: "not connected"}
	}
	c.starttls = starttlsStarting
	return c.conn, nil
}

// AbortStartTLS clears the in-progress flag without swapping the
// transport, used on handshake failure.
func (c *Controller) AbortStartTLS() {
	c.mu.Lock()
	c.starttls = starttlsNone
	c.mu.Unlock()
}

func (c *Controller) flushQueue() {
	c.queue.Flush(func(entry *QueueEntry) {
		id := c.tracker.Track(entry.Request)
		payload := entry.Encode(id)
		if err := c.Send(payload); err != nil && entry.Request.OnError != nil {
			c.tracker.Remove(id)
			entry.Request.OnError(&ConnectionError{Reason: "flush failed", Cause: err})
		}
	})
}

// Destroy implements spec.md §5's destroy(): freeze the queue, purge all
// pending with ConnectionError, destroy the socket, mark destroyed, and
// disable reconnect. Idempotent.
func (c *Controller) Destroy(cause error) {
	c.mu.Lock()
	if c.state == stateDestroyed {
		c.mu.Unlock()
		return
	}
	c.state = stateDestroyed
	conn := c.conn
	tracker := c.tracker
	c.conn = nil
	c.mu.Unlock()

	c.queue.Freeze()
	c.queue.Purge(func(entry *QueueEntry) {
		if entry.Request.OnError != nil {
			entry.Request.OnError(&ConnectionError{Reason: "destroyed", Cause: cause})
		}
	})

	if tracker != nil {
		tracker.Purge(func(id int32, req *PendingRequest) {
			if req.OnError != nil {
				req.OnError(&ConnectionError{Reason: "destroyed", Cause: cause})
			}
		})
	}

	if conn != nil {
		conn.Close()
	}
}

// --- backoff bookkeeping (Open Question resolved per-URL, SPEC_FULL §4.6) --

func (c *Controller) recordFailure(endpoint ServerEndpoint, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.backoff[endpoint.String()]
	if b == nil {
		b = &endpointBackoff{delay: c.policy.InitialDelay}
		c.backoff[endpoint.String()] = b
	}
	b.attempts++

	if c.policy.FailAfter > 0 {
		allExhausted := true
		for _, other := range c.backoff {
			if other.attempts < c.policy.FailAfter {
				allExhausted = false
				break
			}
		}
		if allExhausted {
			agg := &multierror.Error{}
			agg = multierror.Append(agg, cause)
			return &budgetExhaustedError{cause: agg}
		}
	}

	c.logger.Warn(context.Background(), "connect attempt failed", map[string]any{
		"endpoint": endpoint.String(),
		"attempt":  b.attempts,
		"error":    cause.Error(),
	})
	return cause
}

func (c *Controller) resetBackoff(endpoint ServerEndpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.backoff[endpoint.String()]; ok {
		b.attempts = 0
		b.delay = c.policy.InitialDelay
	}
}

func (c *Controller) nextDelay(endpoint ServerEndpoint) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.backoff[endpoint.String()]
	if b == nil {
		return c.policy.InitialDelay
	}
	delay := b.delay
	if delay <= 0 {
		delay = c.policy.InitialDelay
	}
	next := delay * 2
	if c.policy.MaxDelay > 0 && next > c.policy.MaxDelay {
		next = c.policy.MaxDelay
	}
	b.delay = next
	return delay
}
