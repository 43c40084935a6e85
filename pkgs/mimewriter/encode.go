// Package mimewriter renders a message.Stack into the RFC 5322 + RFC 2045
// byte stream expected by an SMTP DATA phase. It streams rather than
// buffers: attachments are read lazily through io.Pipe-backed transforms so
// a multi-gigabyte attachment never needs to live in memory at once.
//
// Dot-stuffing is deliberately NOT done here — that is pkgs/smtp's job,
// applied while the DATA payload is written to the wire.
package mimewriter

import (
	"io"
	"os"
	"time"

	"github.com/coreseekdev/smtpsubmit/pkgs/message"
)

// Options configures encoding behavior. The zero value uses real time,
// real hostname, and os.Open for attachment paths.
type Options struct {
	// Now returns the current time, injectable for deterministic tests.
	Now func() time.Time

	// Hostname is used in generated Message-IDs.
	Hostname string

	// OpenFile reads an attachment by filesystem path.
	OpenFile func(path string) (io.ReadCloser, error)
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Options) hostname() string {
	if o.Hostname != "" {
		return o.Hostname
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

func (o Options) openFile(path string) (io.ReadCloser, error) {
	if o.OpenFile != nil {
		return o.OpenFile(path)
	}
	return os.Open(path)
}

// Encode returns a reader delivering the complete MIME byte stream (headers
// + body) for stack, CRLF-terminated throughout, ready to be streamed into
// an SMTP DATA phase.
func Encode(stack *message.Stack, opts Options) (io.Reader, error) {
	bp, err := buildBody(stack.Message, opts)
	if err != nil {
		return nil, err
	}

	headers, resolvedID, err := buildHeaders(stack.Message, opts, bp.headers)
	if err != nil {
		return nil, err
	}
	// MessageID may have been empty on entry (generated just now); write the
	// resolved value back so callers recording this send by message-id (see
	// pkgs/client, pkgs/deliverylog) see the ID that actually went on the wire.
	stack.Message.MessageID = resolvedID

	return io.MultiReader(headers, bp.body), nil
}
