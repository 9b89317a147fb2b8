package client

import "errors"

// Error kinds surfaced by the connectivity core and the signer session
var (
	// ErrMalformedFrame marks an inbound message that is not a valid relay
	// frame; such frames are logged and dropped, never fatal
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrNotConnected is returned when a send is attempted while the
	// connection is not in the Connected state
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionClosed rejects pending requests when the socket ends
	ErrConnectionClosed = errors.New("connection closed")

	// ErrHandshakeFailed means the remote signer did not acknowledge connect
	ErrHandshakeFailed = errors.New("signer handshake failed")

	// ErrRemoteUnknown means the remote signer identifier did not resolve
	ErrRemoteUnknown = errors.New("remote signer unknown")

	// ErrNoSigner means an auth policy requested default signing but no
	// signer is configured on the connection
	ErrNoSigner = errors.New("no signer configured")
)

// RemoteError carries an error string returned by the remote signer verbatim
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote signer error: " + e.Message
}
