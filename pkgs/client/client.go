// Package client implements the high-level SMTP send API: a per-client
// FIFO queue that drives exactly one message at a time through a
// pkgs/smtp.Connection, with greylist retry and idle-connection reuse.
package client

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coreseekdev/smtpsubmit/pkgs/message"
	"github.com/coreseekdev/smtpsubmit/pkgs/mimewriter"
	"github.com/coreseekdev/smtpsubmit/pkgs/smtp"
)

// EventSink receives send-lifecycle notifications (connected, sent,
// send_failed). It is optional — the zero value
// Client has none. pkgs/deliverylog implements it.
type EventSink interface {
	Record(event string, fields map[string]string)
}

// greylistBackoff is the pause before retrying a single RCPT TO that came
// back 450. The spec calls for "a short backoff"; this is not
// configurable because no caller in this library needs it to be.
const greylistBackoff = 2 * time.Second

// job is one queued send: the built envelope and the caller's callback.
type job struct {
	stack *message.Stack
	cb    func(error, *message.Message)
}

// Client is a sequential, single-flight SMTP sender bound to one host.
// It is safe for concurrent Send/SendAsync/SendContext calls from
// multiple goroutines; sends are still delivered strictly in call order.
type Client struct {
	opts       smtp.Options
	encodeOpts mimewriter.Options
	events     EventSink

	mu      sync.Mutex
	queue   *list.List
	sending bool
	closed  bool
	conn    *smtp.Connection
}

// New validates opts and constructs a Client. It returns a
// *ConfigurationError if Password is set without User — the only
// construction-time validation the spec requires.
func New(opts smtp.Options) (*Client, error) {
	if opts.Password != "" && opts.User == "" {
		return nil, &ConfigurationError{Message: "password supplied without user"}
	}
	return &Client{
		opts:  opts,
		queue: list.New(),
	}, nil
}

// WithEvents attaches an EventSink; it returns c for chaining.
func (c *Client) WithEvents(sink EventSink) *Client {
	c.events = sink
	return c
}

// Send enqueues m. cb is invoked exactly once, after the send completes or
// fails fatally — including when m fails validation, in which case cb
// fires synchronously before Send returns. A panic from cb is recovered
// so it can never corrupt the queue or abort a sibling job.
func (c *Client) Send(m *message.Message, cb func(error, *message.Message)) {
	stack, err := message.BuildStack(m)
	if err != nil {
		safeInvoke(cb, err, m)
		return
	}
	c.enqueue(&job{stack: stack, cb: cb})
}

// SendAsync is a channel-returning wrapper over Send: the channel receives
// exactly one error (nil on success) and is then closed.
func (c *Client) SendAsync(m *message.Message) <-chan error {
	done := make(chan error, 1)
	c.Send(m, func(err error, _ *message.Message) {
		done <- err
		close(done)
	})
	return done
}

// SendContext blocks until m is sent, fails, or ctx is done, whichever
// comes first. A ctx cancellation does not remove the job from the
// queue or abort an in-flight dialogue — it only stops this call from
// waiting on it; the callback still fires when the job eventually
// completes.
func (c *Client) SendContext(ctx context.Context, m *message.Message) error {
	done := c.SendAsync(m)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateMessageStack builds the MessageStack for m without enqueuing
// anything: envelope sender, deduplicated recipients, Return-Path.
func (c *Client) CreateMessageStack(m *message.Message) (*message.Stack, error) {
	return message.BuildStack(m)
}

// Close drains the queue, failing every pending job with a *closeError,
// and tears down the underlying connection: with force=false it writes
// QUIT before closing the socket, with force=true it closes the socket
// without QUIT. Either way an in-flight send is interrupted, and the error
// it fails with reaches its callback wrapped in a *closeError.
//
// Close does not wait for the in-flight job — drain() observes c.closed
// on its next iteration and stops.
func (c *Client) Close(force bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	pending := c.drainQueueLocked()
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(force)
	}

	reason := &closeError{reason: err}
	for _, j := range pending {
		safeInvoke(j.cb, reason, j.stack.Message)
	}
	return err
}

func (c *Client) drainQueueLocked() []*job {
	var jobs []*job
	for e := c.queue.Front(); e != nil; e = e.Next() {
		jobs = append(jobs, e.Value.(*job))
	}
	c.queue.Init()
	return jobs
}

func (c *Client) enqueue(j *job) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		safeInvoke(j.cb, &ClosedError{}, j.stack.Message)
		return
	}
	c.queue.PushBack(j)
	start := !c.sending
	if start {
		c.sending = true
	}
	c.mu.Unlock()

	if start {
		go c.drain()
	}
}

// drain pops and runs jobs until the queue is empty or the client closes.
// It is the sole goroutine driving the Connection at any instant, which
// is what gives the client its single-flight-per-instance guarantee.
func (c *Client) drain() {
	for {
		c.mu.Lock()
		if c.closed {
			c.sending = false
			c.mu.Unlock()
			return
		}
		front := c.queue.Front()
		if front == nil {
			c.sending = false
			c.mu.Unlock()
			return
		}
		c.queue.Remove(front)
		c.mu.Unlock()

		j := front.Value.(*job)
		err := c.runJob(j)
		c.mu.Lock()
		if err != nil && c.closed {
			err = &closeError{reason: err}
		}
		c.mu.Unlock()
		safeInvoke(j.cb, err, j.stack.Message)
	}
}

func safeInvoke(cb func(error, *message.Message), err error, m *message.Message) {
	if cb == nil {
		return
	}
	defer func() { recover() }()
	cb(err, m)
}

// runJob drives one message through MAIL/RCPT/DATA. On any failure other
// than a socket-level teardown (which pkgs/smtp already resets to
// NotConnected) it issues RSET so the connection is reusable by the next
// job — the spec's "connection is not torn down" guarantee for the
// greylist double-fail case, generalized to every protocol-level failure.
func (c *Client) runJob(j *job) error {
	conn, err := c.ensureAuthorized()
	if err != nil {
		return err
	}

	if err := c.send(conn, j); err != nil {
		// j.stack.Message.MessageID is only populated once mimewriter.Encode
		// has run (it resolves and writes back the header value); a failure
		// earlier in the envelope phase (MAIL/RCPT) records an empty id.
		c.record("send_failed", map[string]string{
			"error":      err.Error(),
			"message_id": j.stack.Message.MessageID,
		})
		if conn.State() != smtp.NotConnected {
			conn.Reset()
		}
		return err
	}

	c.record("sent", map[string]string{
		"from":       j.stack.From,
		"message_id": j.stack.Message.MessageID,
	})
	return nil
}

func (c *Client) send(conn *smtp.Connection, j *job) error {
	if err := conn.MailFrom(j.stack.From); err != nil {
		return err
	}
	for _, rcpt := range j.stack.To {
		if err := rcptWithGreylistRetry(conn, rcpt); err != nil {
			return err
		}
	}
	if err := conn.StartData(); err != nil {
		return err
	}
	body, err := mimewriter.Encode(j.stack, c.encodeOpts)
	if err != nil {
		return err
	}
	return conn.StreamData(body)
}

func rcptWithGreylistRetry(conn *smtp.Connection, addr string) error {
	err := conn.RcptTo(addr)
	if err == nil {
		return nil
	}

	var pe *smtp.ProtocolReplyError
	if !errors.As(err, &pe) || pe.Code != 450 {
		return err
	}

	time.Sleep(greylistBackoff)
	return conn.RcptTo(addr)
}

// ensureAuthorized returns a Connection in the Authorized state, dialing
// and authenticating lazily on first use or after a prior teardown. The
// Connection field itself is only ever touched under c.mu; once obtained,
// the caller drives it without holding the lock so a concurrent Close can
// still observe and close it.
func (c *Client) ensureAuthorized() (*smtp.Connection, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.conn = smtp.New(c.opts)
	}
	conn := c.conn
	c.mu.Unlock()

	if conn.State() == smtp.Authorized {
		return conn, nil
	}
	if err := conn.Connect(); err != nil {
		return nil, err
	}
	c.record("connected", map[string]string{"host": c.opts.Host})
	return conn, nil
}

func (c *Client) record(event string, fields map[string]string) {
	if c.events != nil {
		c.events.Record(event, fields)
	}
}
