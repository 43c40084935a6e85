// Package message is the in-memory representation of an outgoing email:
// headers, body, and attachments, plus the validation and envelope-building
// logic a Client needs before it can hand a message to the wire.
package message

import (
	"fmt"
	"io"
	"strings"

	"github.com/coreseekdev/smtpsubmit/pkgs/address"
)

// Attachment describes one part of a message's attachment list. Exactly one
// of Data, Stream, or Path should be set; which one is set determines how
// pkgs/mimewriter reads its bytes.
type Attachment struct {
	Type        string // MIME content-type, e.g. "image/png"
	Name        string // filename, used in Content-Disposition/Content-Type
	Charset     string
	Method      string // e.g. "request" for calendar invites
	Encoded     bool   // if true, Data/Stream bytes are already wire-encoded
	Encoding    string // declared Content-Transfer-Encoding when Encoded is true
	Alternative bool   // part of a multipart/alternative instead of mixed
	Inline      bool   // Content-Disposition: inline instead of attachment
	ContentID   string // for multipart/related references (cid:...)

	Data   []byte
	Stream io.Reader
	Path   string

	// Related holds sub-attachments (typically inline images) that turn
	// this attachment into a multipart/related container referencing them
	// by ContentID.
	Related []Attachment
}

// ExtraHeader is a user-supplied header passed through verbatim (subject to
// folding/Q-encoding) to the wire.
type ExtraHeader struct {
	Name  string
	Value string
}

// Message is a caller-constructed outgoing email. Fields are read by Client
// and pkgs/mimewriter; callers must not mutate a Message after it has been
// enqueued with Client.Send (behavior is undefined, per spec).
type Message struct {
	From    string
	Sender  string
	ReplyTo string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string

	// Date, if empty or not a valid RFC 2822 date string, is replaced by
	// now() at encode time.
	Date string

	// MessageID, if empty, is generated at encode time. If supplied
	// without enclosing angle brackets, brackets are added.
	MessageID string

	Extra []ExtraHeader

	// Content is the MIME content-type of the primary body. Defaults to
	// "text/plain; charset=utf-8" when empty.
	Content string

	Text        string
	Alternative string

	Attachments []Attachment
}

// ValidationResult is the result of CheckValidity.
type ValidationResult struct {
	IsValid          bool
	ValidationError  string
}

const (
	errNoFrom = "Message must have a `from` header"
	errNoTo   = "Message must have at least one `to`, `cc`, or `bcc` header"
)

// CheckValidity validates m's headers per spec: `from` must be present and
// parse to at least one address, and at least one of to/cc/bcc must yield
// at least one parseable recipient. It is idempotent and never mutates m.
func (m *Message) CheckValidity() ValidationResult {
	fromEntries := address.ParseList(m.From)
	if !anyValid(fromEntries) {
		return ValidationResult{IsValid: false, ValidationError: errNoFrom}
	}

	all := append(append(append([]address.Entry{}, parseAll(m.To)...), parseAll(m.Cc)...), parseAll(m.Bcc)...)
	if !anyValid(all) {
		return ValidationResult{IsValid: false, ValidationError: errNoTo}
	}

	return ValidationResult{IsValid: true}
}

func anyValid(entries []address.Entry) bool {
	for _, e := range entries {
		if !e.Invalid() {
			return true
		}
	}
	return false
}

func parseAll(fields []string) []address.Entry {
	var out []address.Entry
	for _, f := range fields {
		out = append(out, address.ParseList(f)...)
	}
	return out
}

// Stack is the per-send envelope: MAIL FROM address, deduplicated RCPT TO
// list, the Return-Path, and the originating Message.
type Stack struct {
	From       string
	To         []string
	ReturnPath string
	Message    *Message
}

// BuildStack constructs the MessageStack for m: the envelope sender is the
// first parseable `from` address, and To is the union of to+cc+bcc with
// duplicates removed (first occurrence wins, insertion order preserved
// across to, then cc, then bcc).
func BuildStack(m *Message) (*Stack, error) {
	v := m.CheckValidity()
	if !v.IsValid {
		return nil, fmt.Errorf("%s", v.ValidationError)
	}

	fromEntries := address.ParseList(m.From)
	var from string
	for _, e := range fromEntries {
		if !e.Invalid() {
			from = e.Address
			break
		}
	}

	seen := make(map[string]bool)
	var to []string
	for _, field := range [][]string{m.To, m.Cc, m.Bcc} {
		for _, e := range parseAll(field) {
			if e.Invalid() {
				continue
			}
			key := strings.ToLower(e.Address)
			if seen[key] {
				continue
			}
			seen[key] = true
			to = append(to, e.Address)
		}
	}

	returnPath := from
	if m.Sender != "" {
		if entries := address.ParseList(m.Sender); anyValid(entries) {
			for _, e := range entries {
				if !e.Invalid() {
					returnPath = e.Address
					break
				}
			}
		}
	}

	return &Stack{From: from, To: to, ReturnPath: returnPath, Message: m}, nil
}
