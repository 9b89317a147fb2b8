package client

// AuthOutcome is the decision an auth policy renders for a relay challenge
type AuthOutcome struct {
	useDefault bool
	event      *Event
}

// AuthDefault instructs the connection to build a standard auth event and
// sign it with the configured signer
func AuthDefault() AuthOutcome {
	return AuthOutcome{useDefault: true}
}

// AuthWithEvent answers the challenge with a ready-made signed event
func AuthWithEvent(ev *Event) AuthOutcome {
	return AuthOutcome{event: ev}
}

// AuthAbort declines the challenge
func AuthAbort() AuthOutcome {
	return AuthOutcome{}
}

// AuthPolicy decides how a connection answers a relay AUTH challenge
type AuthPolicy func(conn *Conn, challenge string) AuthOutcome

// DefaultAuthPolicy applies to every connection without a per-relay policy
var DefaultAuthPolicy AuthPolicy

// handleAuthChallenge runs on the read loop when an ["AUTH", <challenge>]
// frame arrives
func (c *Conn) handleAuthChallenge(challenge string) {
	c.mu.Lock()
	if c.status == Authenticating {
		c.mu.Unlock()
		c.log.Debug("ignoring duplicate AUTH challenge from %s", c.url)
		return
	}

	policy := c.authPolicy
	if policy == nil {
		policy = DefaultAuthPolicy
	}
	if policy == nil {
		// No policy anywhere: surface the challenge to the host
		cb := c.handlers.OnAuth
		c.mu.Unlock()
		if cb != nil {
			cb(challenge)
		}
		return
	}

	if c.status != Connected {
		c.mu.Unlock()
		return
	}
	c.status = Authenticating
	c.mu.Unlock()

	outcome := policy(c, challenge)

	var ev *Event
	switch {
	case outcome.event != nil:
		ev = outcome.event

	case outcome.useDefault:
		c.mu.Lock()
		signer := c.signer
		c.mu.Unlock()
		if signer == nil {
			c.log.Error("auth policy requested default signing: %v", ErrNoSigner)
			c.revertAuth()
			return
		}
		ev = NewEvent(KindClientAuth, "", [][]string{
			{"relay", c.url},
			{"challenge", challenge},
		})
		if err := signer.Sign(ev); err != nil {
			c.log.Error("failed to sign auth event: %v", err)
			c.revertAuth()
			return
		}

	default:
		c.log.Debug("auth policy declined challenge from %s", c.url)
		c.revertAuth()
		return
	}

	c.dispatchAuthEvent(ev)
}

// revertAuth leaves the Authenticating state without an auth response
func (c *Conn) revertAuth() {
	c.mu.Lock()
	if c.status == Authenticating {
		c.status = Connected
	}
	c.mu.Unlock()
}

// dispatchAuthEvent sends the signed auth event and installs a pending
// publish resolver keyed by its id; the relay's OK decides the outcome
func (c *Conn) dispatchAuthEvent(ev *Event) {
	data, err := encodeAuth(ev)
	if err != nil {
		c.log.Error("failed to encode auth event: %v", err)
		c.revertAuth()
		return
	}

	ch := make(chan okResult, 1)
	c.mu.Lock()
	sock := c.socket
	if sock == nil {
		c.mu.Unlock()
		c.revertAuth()
		return
	}
	c.publishes[ev.ID] = ch
	c.mu.Unlock()

	// The AUTH response is the one frame written outside the Connected
	// state, so it bypasses the public send contract
	if err := c.writeDirect(sock, data); err != nil {
		c.mu.Lock()
		delete(c.publishes, ev.ID)
		c.mu.Unlock()
		c.log.Error("failed to send auth event: %v", err)
		c.revertAuth()
		return
	}

	go func() {
		res, ok := <-ch
		if !ok {
			// Connection tore down before the relay answered
			return
		}

		c.mu.Lock()
		if c.status == Authenticating {
			c.status = Connected
		}
		if res.accepted {
			c.authed = true
		}
		cb := c.handlers.OnAuthed
		c.mu.Unlock()

		if res.accepted {
			c.log.Info("authenticated with %s", c.url)
			if cb != nil {
				cb()
			}
		} else {
			c.log.Warn("relay rejected auth event: %s", res.reason)
		}
	}()
}
