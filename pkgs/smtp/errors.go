package smtp

import "fmt"

// ProtocolReplyError wraps a server reply whose code fell outside the set
// a command expected.
type ProtocolReplyError struct {
	Code    int
	Message string
	Command string
}

func (e *ProtocolReplyError) Error() string {
	return fmt.Sprintf("bad response on command '%s': %s", e.Command, e.Message)
}

// TimeoutError is returned when a command receives no reply within the
// connection's configured timeout.
type TimeoutError struct{}

func (e *TimeoutError) Error() string { return "timeout" }

// SocketError wraps a lower-level network failure (connect refused, EPIPE,
// ECONNRESET, ...).
type SocketError struct {
	Err error
}

func (e *SocketError) Error() string { return e.Err.Error() }
func (e *SocketError) Unwrap() error { return e.Err }

// AuthFailureError is returned when authentication is rejected (535 or
// equivalent). It is fatal to both the in-flight send and the connection.
type AuthFailureError struct {
	Mechanism string
	Code      int
	Message   string
}

func (e *AuthFailureError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %s", e.Mechanism, e.Message)
}

// TLSUpgradeError is returned when STARTTLS is required but refused or the
// TLS handshake fails.
type TLSUpgradeError struct {
	Err error
}

func (e *TLSUpgradeError) Error() string { return "STARTTLS upgrade failed: " + e.Err.Error() }
func (e *TLSUpgradeError) Unwrap() error { return e.Err }
