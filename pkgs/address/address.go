// Package address parses RFC 5322 address-list strings into {name, address}
// pairs. Unlike net/mail's ParseAddressList, it never fails on malformed
// input — it returns the best-effort split it can manage, leaving it to the
// caller to reject entries whose Address has no "@" (see Invalid).
package address

import "strings"

// Entry is a single parsed address-list member.
type Entry struct {
	Name    string
	Address string
}

// Invalid reports whether e looks unusable as an SMTP recipient/sender.
// Downstream consumers (pkgs/message) treat an entry with no "@" as invalid.
func (e Entry) Invalid() bool {
	return !strings.Contains(e.Address, "@")
}

// ParseList splits s into its address-list members. It tolerates quoted
// display names ("Last, First" <a@b>), parenthesized comments (stripped),
// and RFC 5322 group syntax (Group: a@b, c@d;) by flattening groups into
// their member addresses and discarding the group name.
func ParseList(s string) []Entry {
	var entries []Entry
	for _, field := range splitTopLevel(s) {
		entries = append(entries, parseField(field)...)
	}
	return entries
}

// splitTopLevel splits s on commas that are not inside a quoted string,
// a parenthesized comment, or angle brackets, and not part of a group's
// trailing ";" terminator (groups are split internally by parseField).
func splitTopLevel(s string) []string {
	var fields []string
	var buf strings.Builder
	depthAngle, depthParen := 0, 0
	inQuotes, inGroup := false, false

	flush := func() {
		f := strings.TrimSpace(buf.String())
		if f != "" {
			fields = append(fields, f)
		}
		buf.Reset()
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && inQuotes && i+1 < len(s):
			buf.WriteByte(c)
			i++
			buf.WriteByte(s[i])
			continue
		case c == '"':
			inQuotes = !inQuotes
			buf.WriteByte(c)
		case inQuotes:
			buf.WriteByte(c)
		case c == '(':
			depthParen++
			buf.WriteByte(c)
		case c == ')':
			if depthParen > 0 {
				depthParen--
			}
			buf.WriteByte(c)
		case depthParen > 0:
			buf.WriteByte(c)
		case c == '<':
			depthAngle++
			buf.WriteByte(c)
		case c == '>':
			if depthAngle > 0 {
				depthAngle--
			}
			buf.WriteByte(c)
		case c == ':' && depthAngle == 0:
			inGroup = true
			buf.WriteByte(c)
		case c == ';' && depthAngle == 0:
			inGroup = false
			buf.WriteByte(c)
		case c == ',' && depthAngle == 0 && !inGroup:
			flush()
		default:
			buf.WriteByte(c)
		}
	}
	flush()
	return fields
}

// parseField parses one top-level field, which may itself be a group
// ("name: member, member;") or a single mailbox.
func parseField(field string) []Entry {
	field = stripComments(field)
	field = strings.TrimSpace(field)
	if field == "" {
		return nil
	}

	if colon := findGroupColon(field); colon >= 0 {
		members := strings.TrimSuffix(strings.TrimSpace(field[colon+1:]), ";")
		var entries []Entry
		for _, m := range splitTopLevel(members) {
			entries = append(entries, parseMailbox(m))
		}
		return entries
	}

	return []Entry{parseMailbox(field)}
}

// findGroupColon returns the index of a colon that introduces group syntax,
// i.e. one that appears before any "<" and outside quotes, or -1.
func findGroupColon(field string) int {
	inQuotes := false
	for i := 0; i < len(field); i++ {
		switch field[i] {
		case '\\':
			i++
		case '"':
			inQuotes = !inQuotes
		case '<':
			if !inQuotes {
				return -1
			}
		case ':':
			if !inQuotes {
				return i
			}
		}
	}
	return -1
}

// parseMailbox parses a single "Display Name" <addr@host> or bare
// addr@host mailbox.
func parseMailbox(s string) Entry {
	s = strings.TrimSpace(s)

	if start := strings.IndexByte(s, '<'); start >= 0 {
		end := strings.LastIndexByte(s, '>')
		if end > start {
			name := unquote(strings.TrimSpace(s[:start]))
			addr := strings.TrimSpace(s[start+1 : end])
			return Entry{Name: name, Address: addr}
		}
		// Unterminated "<" — best effort: treat everything after it as
		// the address.
		return Entry{Address: strings.TrimSpace(s[start+1:])}
	}

	// No angle brackets: either a bare address, or "addr (Display Name)"
	// with the comment already stripped by stripComments, so just a bare
	// address remains.
	return Entry{Address: unquote(s)}
}

// stripComments removes RFC 5322 parenthesized comments that are not
// inside a quoted string.
func stripComments(s string) string {
	var buf strings.Builder
	inQuotes := false
	depth := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			if depth == 0 {
				buf.WriteByte(c)
				i++
				buf.WriteByte(s[i])
			} else {
				i++
			}
			continue
		case c == '"' && depth == 0:
			inQuotes = !inQuotes
			buf.WriteByte(c)
		case c == '(' && !inQuotes:
			depth++
		case c == ')' && !inQuotes:
			if depth > 0 {
				depth--
			}
		case depth > 0:
			// inside comment, discard
		default:
			buf.WriteByte(c)
		}
	}
	return buf.String()
}

// unquote strips a single pair of enclosing double quotes and undoes
// backslash-escaping, if present.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		inner := s[1 : len(s)-1]
		var buf strings.Builder
		for i := 0; i < len(inner); i++ {
			if inner[i] == '\\' && i+1 < len(inner) {
				i++
			}
			buf.WriteByte(inner[i])
		}
		return buf.String()
	}
	return s
}
