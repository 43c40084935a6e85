package mimewriter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coreseekdev/smtpsubmit/pkgs/address"
	"github.com/coreseekdev/smtpsubmit/pkgs/message"
)

// headerLine is a single unfolded (name, value) header pair.
type headerLine struct {
	name  string
	value string
}

const maxFoldWidth = 76

// dateLayouts are the RFC 2822 date layouts accepted as "already valid";
// anything else is treated as absent and regenerated.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 -0700",
}

func parseValidDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func generateMessageID(opts Options) string {
	ts := strconv.FormatInt(opts.now().UnixNano(), 36)
	rand := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("<%s.%s@%s>", ts, rand, opts.hostname())
}

func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return id
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id
	}
	if !strings.HasSuffix(id, ">") {
		id = id + ">"
	}
	return id
}

// buildHeaders assembles the full header block (deterministic order,
// folded, Q-encoded) followed by the blank CRLF separating headers from
// body. It returns the resolved Message-ID (m.MessageID normalized, or a
// freshly generated one) so callers can record it once it exists.
func buildHeaders(m *message.Message, opts Options, bodyHeaders []headerLine) (*strings.Reader, string, error) {
	var lines []headerLine

	if m.From != "" {
		lines = append(lines, headerLine{"From", renderAddressList(m.From)})
	}
	if m.ReplyTo != "" {
		lines = append(lines, headerLine{"Reply-To", renderAddressList(m.ReplyTo)})
	}
	if m.Sender != "" {
		lines = append(lines, headerLine{"Sender", renderAddressList(m.Sender)})
	}
	if len(m.To) > 0 {
		lines = append(lines, headerLine{"To", renderAddressList(strings.Join(m.To, ","))})
	}
	if len(m.Cc) > 0 {
		lines = append(lines, headerLine{"Cc", renderAddressList(strings.Join(m.Cc, ","))})
	}
	if len(m.Bcc) > 0 {
		lines = append(lines, headerLine{"Bcc", renderAddressList(strings.Join(m.Bcc, ","))})
	}
	if m.Subject != "" {
		lines = append(lines, headerLine{"Subject", encodeWords(m.Subject)})
	}

	resolvedID := normalizeMessageID(m.MessageID)
	if resolvedID == "" {
		resolvedID = generateMessageID(opts)
	}
	lines = append(lines, headerLine{"Message-ID", resolvedID})

	date := m.Date
	if _, ok := parseValidDate(date); !ok {
		date = opts.now().Format(time.RFC1123Z)
	}
	lines = append(lines, headerLine{"Date", date})

	for _, extra := range m.Extra {
		lines = append(lines, headerLine{extra.Name, encodeWords(extra.Value)})
	}

	lines = append(lines, headerLine{"MIME-Version", "1.0"})
	lines = append(lines, bodyHeaders...)

	var buf strings.Builder
	for _, h := range lines {
		buf.WriteString(foldHeader(h.name, h.value))
	}
	buf.WriteString("\r\n")
	return strings.NewReader(buf.String()), resolvedID, nil
}

// renderAddressList parses raw (a comma-joined raw header value) and
// renders it back as a folded "Name <addr>, Name2 <addr2>" value, Q-encoding
// any non-ASCII display name.
func renderAddressList(raw string) string {
	entries := address.ParseList(raw)
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, renderAddress(e))
	}
	return strings.Join(parts, ",\r\n\t")
}

func renderAddress(e address.Entry) string {
	if e.Name == "" {
		return e.Address
	}
	name := e.Name
	if isASCII(name) {
		if needsQuoting(name) {
			name = quoteString(name)
		}
		return fmt.Sprintf("%s <%s>", name, e.Address)
	}
	return fmt.Sprintf("%s <%s>", encodeWords(name), e.Address)
}

func needsQuoting(s string) bool {
	for _, c := range s {
		switch c {
		case ',', '"', '<', '>', '@', ':', ';', '\\':
			return true
		}
	}
	return false
}

func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

// foldHeader renders "Name: value\r\n", inserting whitespace continuations
// so no line exceeds maxFoldWidth characters of content. Values that
// already carry their own line breaks (address lists pre-joined with
// ",\r\n\t") are emitted as-is — they are already folded at the right
// points.
func foldHeader(name, value string) string {
	prefix := name + ": "
	if strings.Contains(value, "\r\n") {
		return prefix + value + "\r\n"
	}

	tokens := strings.Fields(value)
	if len(tokens) == 0 {
		return prefix + "\r\n"
	}

	var buf strings.Builder
	buf.WriteString(prefix)
	lineLen := len(prefix)

	for i, tok := range tokens {
		sep := " "
		if i == 0 {
			sep = ""
		}
		if lineLen+len(sep)+len(tok) > maxFoldWidth && lineLen > len(prefix) {
			buf.WriteString("\r\n ")
			lineLen = 1
			buf.WriteString(tok)
			lineLen += len(tok)
			continue
		}
		buf.WriteString(sep)
		buf.WriteString(tok)
		lineLen += len(sep) + len(tok)
	}
	buf.WriteString("\r\n")
	return buf.String()
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// qEncodeMaxContent keeps each encoded-word, including its
// "=?UTF-8?Q?" / "?=" wrapper, at or under 75 characters.
const qEncodeMaxContent = 75 - len("=?UTF-8?Q??=")

// encodeWords RFC-2047-encodes s if it contains non-ASCII bytes, splitting
// into multiple encoded-words of at most 75 characters each, space
// separated (linear whitespace between encoded-words is ignored by
// decoders, satisfying the fold-at-whitespace contract of foldHeader).
func encodeWords(s string) string {
	if isASCII(s) {
		return s
	}
	var words []string
	var buf strings.Builder
	for _, r := range s {
		enc := qEncodeRune(r)
		if buf.Len() > 0 && buf.Len()+len(enc) > qEncodeMaxContent {
			words = append(words, "=?UTF-8?Q?"+buf.String()+"?=")
			buf.Reset()
		}
		buf.WriteString(enc)
	}
	if buf.Len() > 0 {
		words = append(words, "=?UTF-8?Q?"+buf.String()+"?=")
	}
	return strings.Join(words, " ")
}

func qEncodeRune(r rune) string {
	if r == ' ' {
		return "_"
	}
	if r < 0x80 && isQSafe(byte(r)) {
		return string(r)
	}
	var buf strings.Builder
	for _, b := range []byte(string(r)) {
		fmt.Fprintf(&buf, "=%02X", b)
	}
	return buf.String()
}

func isQSafe(b byte) bool {
	if b <= 32 || b >= 127 {
		return false
	}
	switch b {
	case '=', '?', '_', '"':
		return false
	}
	return true
}
