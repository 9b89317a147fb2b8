package client

import (
	"time"
)

// SubscriptionParams configures a prepared subscription. All callbacks are
// optional and run on the connection's read loop; they must not block
type SubscriptionParams struct {
	// ID overrides the minted correlation id
	ID string
	// OnEvent fires for every delivered event matching all filters
	OnEvent func(event *Event)
	// OnEose fires once when the relay has sent all stored events, or when
	// the EOSE fallback timer expires
	OnEose func()
	// OnClosed fires when the relay closes the subscription or the
	// connection tears down
	OnClosed func(reason string)
}

// Subscription is a standing query on a single relay connection. It is
// created by Conn.PrepareSubscription and transmitted by Fire
type Subscription struct {
	conn    *Conn
	id      string
	filters []Filter

	onEvent  func(event *Event)
	onEose   func()
	onClosed func(reason string)

	// guarded by conn.mu
	closed    bool
	eoseFired bool
	eoseTimer *time.Timer
}

// ID returns the subscription's correlation id
func (s *Subscription) ID() string {
	return s.id
}

// Filters returns the subscription's filter set
func (s *Subscription) Filters() []Filter {
	return s.filters
}

// Fire transmits the REQ frame and arms the EOSE fallback timer. The
// subscription must already be installed in the registry, so a reply can
// never race the send
func (s *Subscription) Fire() error {
	data, err := encodeReq(s.id, s.filters)
	if err != nil {
		return err
	}

	if err := s.conn.send(data); err != nil {
		return err
	}

	s.conn.mu.Lock()
	if !s.closed && s.eoseTimer == nil && s.conn.eoseTimeout > 0 {
		s.eoseTimer = time.AfterFunc(s.conn.eoseTimeout, func() {
			s.conn.dispatchEose(s.id)
		})
	}
	s.conn.mu.Unlock()

	return nil
}

// Close ends the subscription: it is removed from the registry, marked
// closed, and a CLOSE frame is sent to the relay on a best-effort basis.
// The close callback does not fire for caller-initiated closes
func (s *Subscription) Close() error {
	s.conn.mu.Lock()
	if s.closed {
		s.conn.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.eoseTimer != nil {
		s.eoseTimer.Stop()
	}
	delete(s.conn.subs, s.id)
	s.conn.mu.Unlock()

	data, err := encodeClose(s.id)
	if err != nil {
		return err
	}
	if err := s.conn.send(data); err != nil && err != ErrNotConnected {
		return err
	}
	return nil
}
