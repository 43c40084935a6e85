// Package smtp implements the low-level SMTP command/response state
// machine: dialing, greeting, EHLO/HELO negotiation, STARTTLS upgrade,
// authentication, and the DATA phase. It owns exactly the protocol
// dialogue — composing the message body is pkgs/mimewriter's job, and
// sequencing multiple sends is pkgs/client's.
package smtp

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// reply is one accumulated (possibly multi-line) SMTP server reply.
type reply struct {
	Code    int
	Message string
	Lines   []string
}

// Connection is a single SMTP session to one remote host. It is not safe
// for concurrent use — spec.md §5 makes single-flight-per-client the
// caller's (pkgs/client's) responsibility.
type Connection struct {
	opts Options

	mu    sync.Mutex
	state State

	conn net.Conn
	r    *bufio.Reader
	caps Capabilities

	idleTimer *time.Timer
	busy      bool // true while command() has an in-flight round trip on conn
}

// New creates a Connection that is not yet dialed. Opts defaults are
// applied immediately (DefaultTimeout, local hostname as Domain, etc.).
func New(opts Options) *Connection {
	return &Connection{opts: opts.withDefaults(), state: NotConnected}
}

// State returns the connection's current state (0..6).
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect dials the remote host, reads the banner, negotiates EHLO/HELO
// (falling back to HELO on a 5xx EHLO reply), upgrades to TLS via
// STARTTLS when configured and advertised, and authenticates when
// credentials are present. On return the Connection is Authorized (or the
// error describes why it is not, and the state has reset to NotConnected).
func (c *Connection) Connect() error {
	c.setState(Connecting)

	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	conn, err := c.opts.Dial("tcp", addr, c.opts.Timeout)
	if err != nil {
		c.setState(NotConnected)
		return &SocketError{Err: err}
	}

	if c.opts.SSL {
		tlsConn, uerr := c.opts.UpgradeTLS(conn, c.tlsConfig())
		if uerr != nil {
			conn.Close()
			c.setState(NotConnected)
			return &TLSUpgradeError{Err: uerr}
		}
		conn = tlsConn
	}

	c.conn = conn
	c.r = bufio.NewReader(conn)

	// The banner is the implicit "noop response" to the connect.
	c.conn.SetDeadline(time.Now().Add(c.opts.Timeout))
	if _, err := c.readReply(); err != nil {
		c.fail(err)
		return err
	}
	c.setState(Connected)

	if err := c.ehloOrHelo(); err != nil {
		c.fail(err)
		return err
	}

	if c.opts.STARTTLS && !c.opts.SSL && c.caps.StartTLS {
		if err := c.startTLS(); err != nil {
			c.fail(err)
			return err
		}
	}

	if c.opts.User != "" {
		if err := c.authenticate(); err != nil {
			c.fail(err)
			return err
		}
	}

	c.setState(Authorized)
	c.resetIdleTimer()
	return nil
}

func (c *Connection) tlsConfig() *tls.Config {
	if c.opts.TLSConfig != nil {
		return c.opts.TLSConfig
	}
	return &tls.Config{ServerName: c.opts.Host}
}

// command writes text (if non-empty) followed by CRLF, then reads and
// validates the reply against codes. It owns the whole round trip for one
// command, per spec.md §9 — no response parsing leaks across state
// boundaries.
func (c *Connection) command(text string, codes []int) (reply, error) {
	c.mu.Lock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.busy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	c.conn.SetDeadline(time.Now().Add(c.opts.Timeout))

	verb := commandVerb(text)
	if text != "" {
		if _, err := c.conn.Write([]byte(text + "\r\n")); err != nil {
			err = c.translateNetErr(err)
			c.fail(err)
			return reply{}, err
		}
	} else {
		if _, err := c.conn.Write([]byte("\r\n")); err != nil {
			err = c.translateNetErr(err)
			c.fail(err)
			return reply{}, err
		}
	}

	rep, err := c.readReply()
	if err != nil {
		c.fail(err)
		return reply{}, err
	}
	if !containsCode(codes, rep.Code) {
		return rep, &ProtocolReplyError{Code: rep.Code, Message: rep.Message, Command: verb}
	}
	return rep, nil
}

func commandVerb(text string) string {
	if text == "" {
		return ""
	}
	if i := strings.IndexByte(text, ' '); i >= 0 {
		return text[:i]
	}
	return text
}

func containsCode(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// readReply accumulates one possibly-multi-line SMTP reply: lines of the
// shape "NNN-message" (continuation) or "NNN message"/"NNN" (terminal).
func (c *Connection) readReply() (reply, error) {
	var rep reply
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return reply{}, c.translateNetErr(err)
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 3 {
			continue
		}
		code, cerr := strconv.Atoi(line[:3])
		if cerr != nil {
			continue
		}
		msg := ""
		terminal := true
		if len(line) > 3 {
			switch line[3] {
			case '-':
				terminal = false
				msg = line[4:]
			case ' ':
				msg = line[4:]
			default:
				msg = line[3:]
			}
		}
		rep.Code = code
		rep.Lines = append(rep.Lines, msg)
		if terminal {
			rep.Message = strings.Join(rep.Lines, "\n")
			return rep, nil
		}
	}
}

func (c *Connection) translateNetErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{}
	}
	if errors.Is(err, io.EOF) {
		return &SocketError{Err: err}
	}
	return &SocketError{Err: err}
}

// fail destroys the socket and resets state to NotConnected. It is called
// for any unrecoverable command-level error.
func (c *Connection) fail(err error) {
	c.stopIdleTimer()
	if c.conn != nil {
		c.conn.Close()
	}
	c.setState(NotConnected)
	c.opts.Logger("connection failed", "err", err)
}

// ehloOrHelo sends EHLO and parses capabilities; on a 5xx reply it falls
// back to plain HELO (no extensions, no authentication).
func (c *Connection) ehloOrHelo() error {
	rep, err := c.command("EHLO "+c.opts.Domain, []int{250})
	if err == nil {
		c.caps = parseCapabilities(rep.Lines)
		return nil
	}

	var pe *ProtocolReplyError
	if !errors.As(err, &pe) || pe.Code/100 != 5 {
		return err
	}

	if _, err := c.command("HELO "+c.opts.Domain, []int{250}); err != nil {
		return err
	}
	c.caps = Capabilities{}
	return nil
}

func parseCapabilities(lines []string) Capabilities {
	var caps Capabilities
	for i, line := range lines {
		if i == 0 {
			continue // greeting text, not an extension
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "STARTTLS":
			caps.StartTLS = true
		case "AUTH":
			for _, m := range fields[1:] {
				caps.AuthMethods = append(caps.AuthMethods, strings.ToUpper(m))
			}
		case "SIZE":
			if len(fields) > 1 {
				if n, err := strconv.Atoi(fields[1]); err == nil {
					caps.Size = n
				}
			}
		case "8BITMIME":
			caps.EightBitMIME = true
		case "PIPELINING":
			caps.Pipelining = true
		}
	}
	return caps
}

// startTLS sends STARTTLS, upgrades the socket on 220, and re-issues EHLO
// to refresh capabilities over the encrypted channel. Failure is fatal.
func (c *Connection) startTLS() error {
	if _, err := c.command("STARTTLS", []int{220}); err != nil {
		return &TLSUpgradeError{Err: err}
	}
	tlsConn, err := c.opts.UpgradeTLS(c.conn, c.tlsConfig())
	if err != nil {
		return &TLSUpgradeError{Err: err}
	}
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	return c.ehloOrHelo()
}

// MailFrom issues MAIL FROM for addr.
func (c *Connection) MailFrom(addr string) error {
	c.setState(Sending)
	_, err := c.command("MAIL FROM:<"+addr+">", []int{250})
	return err
}

// RcptTo issues RCPT TO for addr. A transient 450 (greylist) is returned
// as a *ProtocolReplyError with Code 450 — retrying is pkgs/client's
// decision, not this package's.
func (c *Connection) RcptTo(addr string) error {
	_, err := c.command("RCPT TO:<"+addr+">", []int{250})
	return err
}

// Reset issues RSET, returning the session to Authorized without tearing
// down the TCP connection. pkgs/client uses it to recover from a
// protocol-level failure (e.g. a second greylist 450) mid-transaction.
func (c *Connection) Reset() error {
	_, err := c.command("RSET", []int{250})
	if err == nil {
		c.setState(Authorized)
	}
	return err
}

// StartData issues DATA and, on 354, transitions to the Data state.
func (c *Connection) StartData() error {
	if _, err := c.command("DATA", []int{354}); err != nil {
		return err
	}
	c.setState(Data)
	return nil
}

// StreamData writes body to the wire with dot-stuffing, then emits the
// "\r\n.\r\n" terminator and awaits 250. Line endings are written as they
// arrive in body; no conversion to CRLF is done here.
// On success the Connection returns to Authorized, ready for the next
// send.
func (c *Connection) StreamData(body io.Reader) error {
	c.conn.SetDeadline(time.Now().Add(c.opts.Timeout))

	stuffed := newDotStuffWriter(c.conn)
	if _, err := io.Copy(stuffed, body); err != nil {
		werr := c.translateNetErr(err)
		c.fail(werr)
		return werr
	}

	if _, err := c.conn.Write([]byte("\r\n.\r\n")); err != nil {
		werr := c.translateNetErr(err)
		c.fail(werr)
		return werr
	}

	rep, err := c.readReply()
	if err != nil {
		c.fail(err)
		return err
	}
	if rep.Code != 250 {
		return &ProtocolReplyError{Code: rep.Code, Message: rep.Message, Command: "DATA"}
	}

	c.setState(Authorized)
	c.resetIdleTimer()
	return nil
}

// resetIdleTimer (re)starts the idle timer: if no command is issued
// within Options.Timeout, the Connection sends QUIT and closes.
func (c *Connection) resetIdleTimer() {
	c.stopIdleTimer()
	c.mu.Lock()
	c.idleTimer = time.AfterFunc(c.opts.Timeout, c.onIdleTimeout)
	c.mu.Unlock()
}

func (c *Connection) stopIdleTimer() {
	c.mu.Lock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.mu.Unlock()
}

// onIdleTimeout fires on its own goroutine via time.AfterFunc. It must
// not tear down the connection out from under a command() round trip
// that started just as the timer fired, so the busy/state check happens
// under c.mu as one atomic decision rather than via State()'s separate
// lock-and-release.
func (c *Connection) onIdleTimeout() {
	c.mu.Lock()
	idle := !c.busy && c.state == Authorized
	c.mu.Unlock()
	if !idle {
		return
	}
	c.Close(false)
}

// Close ends the session. With force=false it attempts QUIT first; with
// force=true it destroys the socket immediately. Either way, state resets
// to NotConnected.
func (c *Connection) Close(force bool) error {
	c.stopIdleTimer()
	if c.conn == nil {
		c.setState(NotConnected)
		return nil
	}
	if !force {
		c.conn.SetDeadline(time.Now().Add(c.opts.Timeout))
		c.conn.Write([]byte("QUIT\r\n"))
	}
	err := c.conn.Close()
	c.setState(NotConnected)
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
