package relay

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"github.com/JohnZolton/ndk/lib/utils"
)

var relayLogger = utils.NewLogger("relay")

// Relay is a small Nostr relay server. It exists to exercise the client
// against the full verb set (EVENT/OK, REQ/EVENT/EOSE, CLOSE, CLOSED,
// COUNT, AUTH, NOTICE) in integration tests and local tooling
type Relay struct {
	db        *sql.DB
	clients   map[*Client]bool
	clientsMu sync.Mutex
	upgrader  websocket.Upgrader
	verbose   bool

	pongWait   time.Duration
	pingPeriod time.Duration
	writeWait  time.Duration

	maxSubscriptions int
	authRequired     bool
}

// Option is a functional option for configuring a Relay
type Option func(*Relay)

// WithVerboseLogging enables verbose logging of events
func WithVerboseLogging(verbose bool) Option {
	return func(r *Relay) {
		r.verbose = verbose
	}
}

// WithConnectionTimeouts sets the pong wait for WebSocket connections;
// zero disables the idle timeout
func WithConnectionTimeouts(pongWait time.Duration) Option {
	return func(r *Relay) {
		r.pongWait = pongWait

		if pongWait > 0 {
			// pingPeriod must be less than pongWait so pings go out before
			// the pong wait expires
			r.pingPeriod = (pongWait * 9) / 10
		} else {
			r.pingPeriod = 24 * time.Hour
		}
		r.writeWait = 10 * time.Second
	}
}

// WithMaxSubscriptions caps concurrent subscriptions per client. Exceeding
// the cap draws a rate-limit NOTICE and a CLOSED frame
func WithMaxSubscriptions(n int) Option {
	return func(r *Relay) {
		r.maxSubscriptions = n
	}
}

// WithAuthRequired makes the relay issue a NIP-42 challenge on connect and
// reject events from clients that have not answered it
func WithAuthRequired(required bool) Option {
	return func(r *Relay) {
		r.authRequired = required
	}
}

// Client represents a connected WebSocket client
type Client struct {
	conn          *websocket.Conn
	relay         *Relay
	subscriptions map[string]*Subscription
	subsMu        sync.Mutex
	sendMu        sync.Mutex

	challenge string
	authedKey string
}

// NewRelay creates a new relay backed by the given SQLite database path
func NewRelay(dbPath string, opts ...Option) (*Relay, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if err := initDB(db); err != nil {
		db.Close()
		return nil, err
	}

	relay := &Relay{
		db:      db,
		clients: make(map[*Client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		pongWait:   60 * time.Second,
		pingPeriod: 54 * time.Second,
		writeWait:  10 * time.Second,
	}

	for _, opt := range opts {
		opt(relay)
	}

	return relay, nil
}

// Close closes the relay and its database connection
func (r *Relay) Close() error {
	r.clientsMu.Lock()
	for client := range r.clients {
		client.conn.Close()
	}
	r.clientsMu.Unlock()
	return r.db.Close()
}

// HandleWebSocket upgrades an HTTP request and serves the relay protocol
func (r *Relay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		relayLogger.Warn("failed to upgrade connection: %v", err)
		return
	}

	conn.SetReadLimit(512 * 1024) // 512KB max message size

	client := &Client{
		conn:          conn,
		relay:         r,
		subscriptions: make(map[string]*Subscription),
	}

	r.clientsMu.Lock()
	r.clients[client] = true
	clientCount := len(r.clients)
	r.clientsMu.Unlock()

	relayLogger.Info("client connected: %s (total: %d)", conn.RemoteAddr().String(), clientCount)

	if r.authRequired {
		client.sendChallenge()
	}

	if r.pongWait > 0 {
		go client.writePump()
	}

	go client.readPump()
}

// readPump handles incoming messages from a client
func (c *Client) readPump() {
	defer func() {
		c.relay.clientsMu.Lock()
		delete(c.relay.clients, c)
		remaining := len(c.relay.clients)
		c.relay.clientsMu.Unlock()

		relayLogger.Info("client disconnected: %s (remaining: %d)",
			c.conn.RemoteAddr().String(), remaining)

		c.conn.Close()
	}()

	if c.relay.pongWait > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.relay.pongWait))
		c.conn.SetPongHandler(func(string) error {
			c.conn.SetReadDeadline(time.Now().Add(c.relay.pongWait))
			return nil
		})
	}

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				relayLogger.Warn("websocket error from %s: %v", c.conn.RemoteAddr().String(), err)
			} else {
				relayLogger.Debug("connection closed by %s", c.conn.RemoteAddr().String())
			}
			break
		}

		c.handleMessage(message)
	}
}

// writePump sends periodic pings to keep the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(c.relay.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for range ticker.C {
		c.conn.SetWriteDeadline(time.Now().Add(c.relay.writeWait))
		if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}

// handleMessage processes one inbound frame
func (c *Client) handleMessage(message []byte) {
	// Nostr messages are JSON arrays
	var msg []json.RawMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.sendNotice("invalid message format")
		return
	}

	if len(msg) < 2 {
		c.sendNotice("invalid message: too few elements")
		return
	}

	var msgType string
	if err := json.Unmarshal(msg[0], &msgType); err != nil {
		c.sendNotice("invalid message type")
		return
	}

	switch msgType {
	case "EVENT":
		c.handleEvent(msg)
	case "REQ":
		c.handleSubscription(msg)
	case "CLOSE":
		c.handleCloseRequest(msg)
	case "COUNT":
		c.handleCount(msg)
	case "AUTH":
		c.handleAuthResponse(msg)
	default:
		c.sendNotice("unknown message type: " + msgType)
	}
}

// sendNotice sends a NOTICE frame to the client
func (c *Client) sendNotice(text string) {
	c.sendResponse([]interface{}{"NOTICE", text})
}

// sendClosed tells the client a subscription was terminated relay-side
func (c *Client) sendClosed(subscriptionID, reason string) {
	c.sendResponse([]interface{}{"CLOSED", subscriptionID, reason})
}

// sendOK reports the outcome of an EVENT or AUTH submission
func (c *Client) sendOK(eventID string, accepted bool, reason string) {
	c.sendResponse([]interface{}{"OK", eventID, accepted, reason})
}

// sendResponse sends a response to the client
func (c *Client) sendResponse(response interface{}) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.conn.WriteJSON(response); err != nil {
		relayLogger.Warn("failed to send response: %v", err)
	}
}

// initDB initializes the database schema
func initDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			pubkey TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			kind INTEGER NOT NULL,
			tags TEXT NOT NULL,
			content TEXT NOT NULL,
			sig TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_pubkey ON events(pubkey);
		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
		CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
	`)
	return err
}

// handleCloseRequest processes a CLOSE message
func (c *Client) handleCloseRequest(msg []json.RawMessage) {
	if len(msg) < 2 {
		c.sendNotice("invalid CLOSE message")
		return
	}

	var subscriptionID string
	if err := json.Unmarshal(msg[1], &subscriptionID); err != nil {
		c.sendNotice("invalid subscription id")
		return
	}

	c.subsMu.Lock()
	_, exists := c.subscriptions[subscriptionID]
	if exists {
		delete(c.subscriptions, subscriptionID)
	}
	c.subsMu.Unlock()

	if exists {
		relayLogger.Debug("closed subscription %s", subscriptionID)
	}
	// The connection stays open so the client can keep other subscriptions
}
