package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/JohnZolton/ndk/lib/utils"
)

const (
	// defaultEoseTimeout is the fallback before a subscription reports
	// end-of-stored-events on its own
	defaultEoseTimeout = 4400 * time.Millisecond

	// maxReconnectAttempts bounds consecutive scheduled reconnects
	maxReconnectAttempts = 5

	// reconnectStep is the per-attempt ramp of the cold-start backoff
	reconnectStep = 5 * time.Second

	// reconnectGrace is the target spacing between reconnects after a
	// session that was previously live
	reconnectGrace = 60 * time.Second

	// noticeRecycleDelay is the reconnect delay after a rate-limit notice
	noticeRecycleDelay = 2 * time.Second
)

// Handlers are the observable side effects of a connection. All callbacks
// are optional and run on the connection's internal goroutines; they must
// not block
type Handlers struct {
	OnConnect        func()
	OnReady          func()
	OnDisconnect     func()
	OnNotice         func(text string)
	OnAuth           func(challenge string)
	OnAuthed         func()
	OnFlapping       func(stats ConnStats)
	OnDelayedConnect func(delay time.Duration)
}

type okResult struct {
	accepted bool
	reason   string
}

type countResult struct {
	count int64
}

// Dialer opens a WebSocket to a relay URL
type Dialer func(ctx context.Context, relayURL string) (*websocket.Conn, error)

// Conn is a single relay connection: it owns the WebSocket, the
// subscription/count/publish registries, and the reconnect machinery
type Conn struct {
	url string
	log *utils.Logger

	handlers       Handlers
	authPolicy     AuthPolicy
	signer         Signer
	dial           Dialer
	limiter        *rate.Limiter
	connectTimeout time.Duration
	eoseTimeout    time.Duration
	reconnect      bool

	mu      sync.Mutex
	status  Status
	socket  *websocket.Conn
	gen     int // socket generation; stale close events are ignored
	writeMu sync.Mutex

	serial    int64
	subs      map[string]*Subscription
	counts    map[string]chan countResult
	publishes map[string]chan okResult

	stats             ConnStats
	lastConnectedAt   *time.Time
	reconnectAttempts int
	reconnectTimer    *time.Timer
	recycling         bool
	authed            bool
}

// Option configures a Conn
type Option func(*Conn)

// WithConnectTimeout bounds each dial attempt
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.connectTimeout = d
	}
}

// WithEoseTimeout overrides the end-of-stored-events fallback timer
func WithEoseTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.eoseTimeout = d
	}
}

// WithAuthPolicy sets the per-relay policy for AUTH challenges
func WithAuthPolicy(policy AuthPolicy) Option {
	return func(c *Conn) {
		c.authPolicy = policy
	}
}

// WithSigner sets the signer used for default auth responses
func WithSigner(signer Signer) Option {
	return func(c *Conn) {
		c.signer = signer
	}
}

// WithReconnect enables or disables automatic reconnection
func WithReconnect(enabled bool) Option {
	return func(c *Conn) {
		c.reconnect = enabled
	}
}

// WithHandlers installs the host's event callbacks
func WithHandlers(handlers Handlers) Option {
	return func(c *Conn) {
		c.handlers = handlers
	}
}

// WithDialer replaces the WebSocket dialer
func WithDialer(dial Dialer) Option {
	return func(c *Conn) {
		c.dial = dial
	}
}

// WithSendLimit rate-limits the outbound request paths
func WithSendLimit(limit rate.Limit, burst int) Option {
	return func(c *Conn) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// NewConn creates an idle connection to the given relay URL
func NewConn(relayURL string, opts ...Option) (*Conn, error) {
	normalized, err := normalizeRelayURL(relayURL)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		url:         normalized,
		log:         utils.NewLogger("conn"),
		dial:        defaultDial,
		eoseTimeout: defaultEoseTimeout,
		reconnect:   true,
		status:      Disconnected,
		subs:        make(map[string]*Subscription),
		counts:      make(map[string]chan countResult),
		publishes:   make(map[string]chan okResult),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// normalizeRelayURL coerces http(s) URLs to their WebSocket schemes
func normalizeRelayURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "ws", "wss":
		// Already using WebSocket scheme
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	return u.String(), nil
}

func defaultDial(ctx context.Context, relayURL string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	return conn, err
}

// URL returns the normalized relay URL
func (c *Conn) URL() string {
	return c.url
}

// Status returns the current lifecycle state
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Authed reports whether the relay accepted an AUTH response this session
func (c *Conn) Authed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// Stats returns a copy of the connection statistics
func (c *Conn) Stats() ConnStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.clone()
}

// Connect dials the relay. From Disconnected or Flapping it transitions to
// Connecting; from Connected it recycles the socket through Reconnecting.
// On dial failure the reconnect path is triggered and the error returned
func (c *Conn) Connect(ctx context.Context) error {
	var drained []func()

	c.mu.Lock()
	switch c.status {
	case Connecting, Reconnecting, Authenticating, Disconnecting:
		c.mu.Unlock()
		return nil
	case Connected:
		c.status = Reconnecting
		if c.socket != nil {
			c.socket.Close()
			c.socket = nil
		}
		// The replaced socket's close event is suppressed by the generation
		// bump below, so its session is settled here
		drained = c.settleSessionLocked()
	default:
		c.status = Connecting
	}
	c.stats.Attempts++
	c.gen++
	myGen := c.gen
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
		c.stats.NextReconnectAt = nil
	}
	c.mu.Unlock()

	for _, reject := range drained {
		reject()
	}

	dialCtx := ctx
	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}

	sock, err := c.dial(dialCtx, c.url)
	if err != nil {
		c.mu.Lock()
		if c.gen == myGen && c.status != Disconnecting {
			c.status = Disconnected
		}
		c.mu.Unlock()
		c.log.Warn("failed to connect to %s: %v", c.url, err)
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	if c.gen != myGen || c.status == Disconnecting {
		c.mu.Unlock()
		sock.Close()
		return nil
	}
	now := time.Now()
	c.socket = sock
	c.status = Connected
	c.stats.Successes++
	c.stats.ConnectedAt = &now
	c.reconnectAttempts = 0
	onConnect := c.handlers.OnConnect
	onReady := c.handlers.OnReady
	c.mu.Unlock()

	c.log.Info("connected to %s", c.url)
	if onConnect != nil {
		onConnect()
	}
	if onReady != nil {
		onReady()
	}

	go c.readLoop(sock, myGen)
	return nil
}

// Disconnect shuts the connection down without scheduling a reconnect
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
		c.stats.NextReconnectAt = nil
	}
	sock := c.socket
	if sock == nil {
		c.status = Disconnected
		c.mu.Unlock()
		return nil
	}
	c.status = Disconnecting
	c.mu.Unlock()

	return sock.Close()
}

// readLoop owns inbound dispatch for one socket generation
func (c *Conn) readLoop(sock *websocket.Conn, gen int) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			c.handleSocketClosed(gen)
			return
		}
		c.handleMessage(data)
	}
}

// settleSessionLocked records the finished session's duration and drains
// every registry. The caller holds c.mu; the returned closures reject the
// pending resolvers and must run after the lock is released
func (c *Conn) settleSessionLocked() []func() {
	if c.stats.ConnectedAt != nil {
		connectedAt := *c.stats.ConnectedAt
		c.stats.recordDuration(time.Since(connectedAt))
		c.lastConnectedAt = &connectedAt
		c.stats.ConnectedAt = nil
	}
	c.authed = false

	counts := c.counts
	publishes := c.publishes
	subs := c.subs
	c.counts = make(map[string]chan countResult)
	c.publishes = make(map[string]chan okResult)
	c.subs = make(map[string]*Subscription)
	for _, sub := range subs {
		sub.closed = true
		if sub.eoseTimer != nil {
			sub.eoseTimer.Stop()
		}
	}

	// A closed result channel reads as ErrConnectionClosed at the waiter
	return []func(){func() {
		for _, ch := range counts {
			close(ch)
		}
		for _, ch := range publishes {
			close(ch)
		}
		for _, sub := range subs {
			if sub.onClosed != nil {
				sub.onClosed("connection closed")
			}
		}
	}}
}

// handleSocketClosed records the session, rejects every pending resolver,
// closes open subscriptions, and decides whether to reconnect
func (c *Conn) handleSocketClosed(gen int) {
	c.mu.Lock()
	if gen != c.gen {
		// A newer socket owns the connection now
		c.mu.Unlock()
		return
	}

	wasDisconnecting := c.status == Disconnecting
	recycling := c.recycling
	c.recycling = false
	c.status = Disconnected
	c.socket = nil

	drained := c.settleSessionLocked()
	onDisconnect := c.handlers.OnDisconnect
	c.mu.Unlock()

	for _, reject := range drained {
		reject()
	}

	c.log.Info("disconnected from %s", c.url)
	if onDisconnect != nil {
		onDisconnect()
	}

	switch {
	case wasDisconnecting:
		// Explicit shutdown: stay down
	case recycling:
		c.scheduleRecycle()
	default:
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms the reconnect timer. It is idempotent: an existing
// timer wins. A flapping relay suspends reconnection instead
func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if !c.reconnect || c.status == Disconnecting || c.status == Connected {
		c.mu.Unlock()
		return
	}
	if c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}

	if isFlapping(c.stats.Durations) {
		c.status = Flapping
		stats := c.stats.clone()
		onFlapping := c.handlers.OnFlapping
		c.mu.Unlock()

		c.log.Warn("relay %s is flapping, suspending reconnection", c.url)
		if onFlapping != nil {
			onFlapping(stats)
		}
		return
	}

	if c.reconnectAttempts >= maxReconnectAttempts {
		c.mu.Unlock()
		c.log.Warn("giving up on %s after %d attempts", c.url, maxReconnectAttempts)
		return
	}

	var delay time.Duration
	if c.lastConnectedAt != nil {
		delay = reconnectGrace - time.Since(*c.lastConnectedAt)
		if delay < 0 {
			delay = 0
		}
	} else {
		delay = reconnectStep * time.Duration(c.reconnectAttempts+1)
	}

	c.armReconnectLocked(delay)
}

// scheduleRecycle reconnects after a fixed delay following a rate-limit
// notice
func (c *Conn) scheduleRecycle() {
	c.mu.Lock()
	if !c.reconnect || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}
	c.armReconnectLocked(noticeRecycleDelay)
}

// armReconnectLocked starts the timer and emits delayed-connect. The caller
// holds c.mu; it is released here
func (c *Conn) armReconnectLocked(delay time.Duration) {
	next := time.Now().Add(delay)
	c.stats.NextReconnectAt = &next
	c.reconnectTimer = time.AfterFunc(delay, c.reconnectNow)
	onDelayed := c.handlers.OnDelayedConnect
	c.mu.Unlock()

	c.log.Debug("reconnecting to %s in %v", c.url, delay)
	if onDelayed != nil {
		onDelayed(delay)
	}
}

// reconnectNow runs when the reconnect timer fires
func (c *Conn) reconnectNow() {
	c.mu.Lock()
	c.reconnectTimer = nil
	c.stats.NextReconnectAt = nil
	if c.status != Disconnected && c.status != Flapping {
		c.mu.Unlock()
		return
	}
	c.reconnectAttempts++
	c.mu.Unlock()

	c.Connect(context.Background())
}

// handleMessage parses one inbound frame and routes it. Malformed frames
// are logged and dropped; they never terminate the connection
func (c *Conn) handleMessage(data []byte) {
	f, err := parseFrame(data)
	if err != nil {
		c.log.Warn("dropping frame from %s: %v", c.url, err)
		return
	}

	switch f.Verb {
	case verbEvent:
		c.dispatchEvent(f.SubID, f.Event)
	case verbEose:
		c.dispatchEose(f.SubID)
	case verbClosed:
		c.dispatchClosed(f.SubID, f.Reason)
	case verbOK:
		c.dispatchOK(f.EventID, f.Accepted, f.Reason)
	case verbCount:
		c.dispatchCount(f.SubID, f.Count)
	case verbNotice:
		c.handleNotice(f.Text)
	case verbAuth:
		c.handleAuthChallenge(f.Challenge)
	default:
		c.log.Debug("ignoring %s frame from relay", f.Verb)
	}
}

func (c *Conn) dispatchEvent(subID string, event *Event) {
	if event == nil || subID == "" {
		return
	}

	c.mu.Lock()
	sub := c.subs[subID]
	if sub == nil || sub.closed {
		c.mu.Unlock()
		return
	}
	filters := sub.filters
	onEvent := sub.onEvent
	c.mu.Unlock()

	if !matchesAll(filters, event) {
		c.log.Debug("event %s does not match subscription %s", utils.ShortID(event.ID), subID)
		return
	}
	if onEvent != nil {
		onEvent(event)
	}
}

func (c *Conn) dispatchEose(subID string) {
	c.mu.Lock()
	sub := c.subs[subID]
	if sub == nil || sub.closed || sub.eoseFired {
		c.mu.Unlock()
		return
	}
	sub.eoseFired = true
	if sub.eoseTimer != nil {
		sub.eoseTimer.Stop()
	}
	onEose := sub.onEose
	c.mu.Unlock()

	if onEose != nil {
		onEose()
	}
}

func (c *Conn) dispatchClosed(subID, reason string) {
	c.mu.Lock()
	sub := c.subs[subID]
	if sub == nil || sub.closed {
		c.mu.Unlock()
		return
	}
	sub.closed = true
	if sub.eoseTimer != nil {
		sub.eoseTimer.Stop()
	}
	delete(c.subs, subID)
	onClosed := sub.onClosed
	c.mu.Unlock()

	if onClosed != nil {
		onClosed(reason)
	}
}

func (c *Conn) dispatchOK(eventID string, accepted bool, reason string) {
	c.mu.Lock()
	ch, ok := c.publishes[eventID]
	if !ok {
		c.mu.Unlock()
		c.log.Warn("OK for unknown event %s: %s", utils.ShortID(eventID), reason)
		return
	}
	delete(c.publishes, eventID)
	c.mu.Unlock()

	ch <- okResult{accepted: accepted, reason: reason}
}

func (c *Conn) dispatchCount(reqID string, count *int64) {
	if count == nil {
		c.log.Warn("COUNT reply without a count payload")
		return
	}

	c.mu.Lock()
	ch, ok := c.counts[reqID]
	if !ok {
		c.mu.Unlock()
		c.log.Warn("COUNT reply for unknown request %s", reqID)
		return
	}
	delete(c.counts, reqID)
	c.mu.Unlock()

	ch <- countResult{count: *count}
}

// handleNotice emits the notice and recycles the connection when the relay
// signals a rate limit ("Too many…"/"Maximum…")
func (c *Conn) handleNotice(text string) {
	c.log.Info("NOTICE from %s: %s", c.url, text)

	c.mu.Lock()
	onNotice := c.handlers.OnNotice
	c.mu.Unlock()
	if onNotice != nil {
		onNotice(text)
	}

	if !strings.Contains(text, "oo many") && !strings.Contains(text, "aximum") {
		return
	}

	c.mu.Lock()
	sock := c.socket
	if sock == nil || c.status != Connected {
		c.mu.Unlock()
		return
	}
	c.recycling = true
	c.mu.Unlock()

	c.log.Warn("relay %s complained about limits, recycling connection", c.url)
	sock.Close()
}

// send writes a frame under the public send contract: the connection must
// be Connected with an open socket. Frames are never queued while down
func (c *Conn) send(data []byte) error {
	c.mu.Lock()
	if c.status != Connected || c.socket == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	sock := c.socket
	c.mu.Unlock()

	return c.writeDirect(sock, data)
}

func (c *Conn) writeDirect(sock *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return sock.WriteMessage(websocket.TextMessage, data)
}

// PrepareSubscription mints a correlation id (or adopts the caller's),
// installs the handle in the registry, and returns it without sending
func (c *Conn) PrepareSubscription(filters []Filter, params SubscriptionParams) *Subscription {
	c.mu.Lock()
	id := params.ID
	if id == "" {
		c.serial++
		id = fmt.Sprintf("sub:%d", c.serial)
	}
	sub := &Subscription{
		conn:     c,
		id:       id,
		filters:  filters,
		onEvent:  params.OnEvent,
		onEose:   params.OnEose,
		onClosed: params.OnClosed,
	}
	c.subs[id] = sub
	c.mu.Unlock()

	return sub
}

// Subscribe prepares and immediately fires a subscription
func (c *Conn) Subscribe(filters []Filter, params SubscriptionParams) (*Subscription, error) {
	sub := c.PrepareSubscription(filters, params)
	if err := sub.Fire(); err != nil {
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

// Publish sends a signed event and waits for the relay's OK. The returned
// string is the relay's reason; a rejected event also yields an error
func (c *Conn) Publish(ctx context.Context, event *Event) (string, error) {
	if event.ID == "" {
		return "", fmt.Errorf("event has no id")
	}
	if err := c.waitLimiter(ctx); err != nil {
		return "", err
	}

	data, err := encodeEvent(event)
	if err != nil {
		return "", err
	}

	ch := make(chan okResult, 1)
	c.mu.Lock()
	if c.status != Connected {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	c.publishes[event.ID] = ch
	c.mu.Unlock()

	if err := c.send(data); err != nil {
		c.mu.Lock()
		delete(c.publishes, event.ID)
		c.mu.Unlock()
		return "", err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.publishes, event.ID)
		c.mu.Unlock()
		return "", ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return "", ErrConnectionClosed
		}
		if !res.accepted {
			return res.reason, fmt.Errorf("relay rejected event: %s", res.reason)
		}
		return res.reason, nil
	}
}

// Count queries the relay for the number of events matching the filters
func (c *Conn) Count(ctx context.Context, filters ...Filter) (int64, error) {
	if err := c.waitLimiter(ctx); err != nil {
		return 0, err
	}

	reqID := uuid.NewString()
	data, err := encodeCount(reqID, filters)
	if err != nil {
		return 0, err
	}

	ch := make(chan countResult, 1)
	c.mu.Lock()
	if c.status != Connected {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	c.counts[reqID] = ch
	c.mu.Unlock()

	if err := c.send(data); err != nil {
		c.mu.Lock()
		delete(c.counts, reqID)
		c.mu.Unlock()
		return 0, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.counts, reqID)
		c.mu.Unlock()
		return 0, ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return 0, ErrConnectionClosed
		}
		return res.count, nil
	}
}

func (c *Conn) waitLimiter(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}
