package smtp

import (
	"crypto/tls"
	"net"
	"os"
	"time"
)

// DefaultTimeout is the connection timeout applied when Options.Timeout is
// zero.
const DefaultTimeout = 5000 * time.Millisecond

// DefaultPort selects the conventional port for the requested transport
// when Options.Port is zero.
func DefaultPort(ssl, starttls bool) int {
	switch {
	case ssl:
		return 465
	case starttls:
		return 587
	default:
		return 25
	}
}

// AllMechanisms is the full, spec-ordered set of supported SASL
// mechanisms: CRAM-MD5, LOGIN, PLAIN, XOAUTH2.
var AllMechanisms = []string{"CRAM-MD5", "LOGIN", "PLAIN", "XOAUTH2"}

// Dialer opens the initial TCP (or, when SSL, TLS-wrapped) connection to
// the remote MSA. It is the "TcpConnect" collaborator from spec.md §6.
type Dialer func(network, addr string, timeout time.Duration) (net.Conn, error)

// TLSUpgrader wraps an existing plaintext socket in TLS after STARTTLS has
// been negotiated. It is the "TlsUpgrade" collaborator from spec.md §6.
type TLSUpgrader func(conn net.Conn, cfg *tls.Config) (net.Conn, error)

// Logger receives diagnostic events. The zero value is a no-op.
type Logger func(event string, args ...interface{})

// Options is a connection configuration snapshot (spec.md §3
// ConnectionOptions).
type Options struct {
	Host string
	Port int

	SSL      bool // implicit TLS: wrap the socket from byte 0
	STARTTLS bool // opportunistic TLS upgrade after EHLO

	User     string
	Password string

	// Authentication restricts which mechanisms may be attempted, in
	// addition to the server's advertised list. Nil or empty means "all
	// of AllMechanisms are allowed".
	Authentication []string

	Timeout time.Duration
	Domain  string // HELO/EHLO name, default local hostname

	Logger Logger

	Dial       Dialer
	UpgradeTLS TLSUpgrader
	TLSConfig  *tls.Config
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort(opts.SSL, opts.STARTTLS)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Domain == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			opts.Domain = h
		} else {
			opts.Domain = "localhost"
		}
	}
	if opts.Logger == nil {
		opts.Logger = func(string, ...interface{}) {}
	}
	if opts.Dial == nil {
		opts.Dial = dialTCP
	}
	if opts.UpgradeTLS == nil {
		opts.UpgradeTLS = upgradeTLS
	}
	if len(opts.Authentication) == 0 {
		opts.Authentication = AllMechanisms
	}
	return opts
}

func dialTCP(network, addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, addr, timeout)
}

func upgradeTLS(conn net.Conn, cfg *tls.Config) (net.Conn, error) {
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// Capabilities records what the server advertised in its EHLO reply.
type Capabilities struct {
	StartTLS     bool
	AuthMethods  []string
	Size         int
	EightBitMIME bool
	Pipelining   bool
}

func (c Capabilities) supports(mech string) bool {
	for _, m := range c.AuthMethods {
		if m == mech {
			return true
		}
	}
	return false
}
