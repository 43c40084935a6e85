package mimewriter

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/coreseekdev/smtpsubmit/pkgs/message"
)

// bodyResult is the encoded representation of a message's body: the
// headers the top level of the body contributes to the outer header block
// (Content-Type, and Content-Transfer-Encoding when the top level is a
// single leaf part), and the reader producing the body bytes themselves.
type bodyResult struct {
	headers []headerLine
	body    io.Reader
}

// mimePart is one node of the body tree: either a leaf with a content
// reader, or (when children is non-nil) a multipart container.
type mimePart struct {
	headers  []headerLine
	body     io.Reader
	boundary string
	children []mimePart
}

func newBoundary() string {
	return "b" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// render turns p into its wire bytes: its own header block, the blank
// line, and its body or boundary-delimited children. The caller emits the
// parent's "--boundary\r\n" line before it.
func (p mimePart) render() io.Reader {
	if p.children == nil {
		var hdr strings.Builder
		for _, h := range p.headers {
			hdr.WriteString(foldHeader(h.name, h.value))
		}
		hdr.WriteString("\r\n")
		return io.MultiReader(strings.NewReader(hdr.String()), p.body, strings.NewReader("\r\n"))
	}

	var hdr strings.Builder
	for _, h := range p.headers {
		hdr.WriteString(foldHeader(h.name, h.value))
	}
	hdr.WriteString("\r\n")

	readers := []io.Reader{strings.NewReader(hdr.String())}
	for _, child := range p.children {
		readers = append(readers, strings.NewReader("--"+p.boundary+"\r\n"), child.render())
	}
	readers = append(readers, strings.NewReader("--"+p.boundary+"--\r\n"), strings.NewReader("\r\n"))
	return io.MultiReader(readers...)
}

// topHeaders returns the Content-Type (and Content-Transfer-Encoding, for
// a leaf) headers that belong in the OUTER message header block, since the
// top-level body part's headers are folded into the message headers rather
// than repeated after a boundary line.
func (p mimePart) topHeaders() []headerLine {
	return p.headers
}

// topBody returns the reader for everything after the blank line that
// follows the outer message headers: for a leaf, just its body; for a
// multipart container, the boundary-delimited children (no extra header
// block, since those headers were hoisted into topHeaders).
func (p mimePart) topBody() io.Reader {
	if p.children == nil {
		return io.MultiReader(p.body, strings.NewReader("\r\n"))
	}
	readers := make([]io.Reader, 0, 2*len(p.children)+1)
	for _, child := range p.children {
		readers = append(readers, strings.NewReader("--"+p.boundary+"\r\n"), child.render())
	}
	readers = append(readers, strings.NewReader("--"+p.boundary+"--\r\n"))
	return io.MultiReader(readers...)
}

func buildBody(m *message.Message, opts Options) (*bodyResult, error) {
	textPart, hasText, err := buildTextPart(m, opts)
	if err != nil {
		return nil, err
	}

	attachParts := make([]mimePart, 0, len(m.Attachments))
	altAttachParts := make([]mimePart, 0)
	for _, att := range m.Attachments {
		p, err := buildAttachmentPart(att, opts)
		if err != nil {
			return nil, err
		}
		if att.Alternative {
			altAttachParts = append(altAttachParts, p)
		} else {
			attachParts = append(attachParts, p)
		}
	}

	hasAlt := m.Alternative != ""
	hasAttachments := len(attachParts) > 0 || len(altAttachParts) > 0

	var top mimePart

	switch {
	case hasText && !hasAlt && !hasAttachments:
		top = textPart

	case hasText && hasAlt && !hasAttachments:
		top = wrapAlternative(textPart, m, opts)

	case !hasAlt && hasAttachments:
		children := []mimePart{}
		if hasText {
			children = append(children, textPart)
		}
		children = append(children, attachParts...)
		children = append(children, altAttachParts...)
		top = wrapMixed(children)

	default: // hasAlt && hasAttachments, or no text part
		alt := wrapAlternativeChildren(textPart, m, opts, altAttachParts)
		children := append([]mimePart{alt}, attachParts...)
		top = wrapMixed(children)
	}

	return &bodyResult{headers: top.topHeaders(), body: top.topBody()}, nil
}

func wrapMixed(children []mimePart) mimePart {
	b := newBoundary()
	return mimePart{
		headers:  []headerLine{{"Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", b)}},
		boundary: b,
		children: children,
	}
}

func wrapAlternative(textPart mimePart, m *message.Message, opts Options) mimePart {
	return wrapAlternativeChildren(textPart, m, opts, nil)
}

func wrapAlternativeChildren(textPart mimePart, m *message.Message, opts Options, extra []mimePart) mimePart {
	altPart := leafTextPart(m.Alternative, alternativeContentType(m), opts)
	children := []mimePart{altPart}
	if textPart.body != nil || textPart.children != nil {
		children = []mimePart{textPart, altPart}
	}
	children = append(children, extra...)
	b := newBoundary()
	return mimePart{
		headers:  []headerLine{{"Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", b)}},
		boundary: b,
		children: children,
	}
}

func alternativeContentType(m *message.Message) string {
	return "text/html; charset=utf-8"
}

// buildTextPart builds the primary body leaf. hasText is false when the
// message carries neither Text nor a Content override, in which case the
// caller should not include it in the tree.
func buildTextPart(m *message.Message, opts Options) (mimePart, bool, error) {
	if m.Text == "" && m.Content == "" {
		return mimePart{}, false, nil
	}
	contentType := m.Content
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	return leafTextPart(m.Text, contentType, opts), true, nil
}

func leafTextPart(text, contentType string, opts Options) mimePart {
	cte, body := textEncoding(text)
	return mimePart{
		headers: []headerLine{
			{"Content-Type", contentType},
			{"Content-Transfer-Encoding", cte},
		},
		body: body,
	}
}

// buildAttachmentPart renders one attachment, recursively wrapping it in
// multipart/related when it carries Related sub-attachments (e.g. an HTML
// body with inline cid: images).
func buildAttachmentPart(att message.Attachment, opts Options) (mimePart, error) {
	leaf, err := buildAttachmentLeaf(att, opts)
	if err != nil {
		return mimePart{}, err
	}
	if len(att.Related) == 0 {
		return leaf, nil
	}

	children := []mimePart{leaf}
	for _, rel := range att.Related {
		relLeaf, err := buildAttachmentLeaf(rel, opts)
		if err != nil {
			return mimePart{}, err
		}
		children = append(children, relLeaf)
	}
	b := newBoundary()
	return mimePart{
		headers:  []headerLine{{"Content-Type", fmt.Sprintf("multipart/related; boundary=%q", b)}},
		boundary: b,
		children: children,
	}, nil
}

func buildAttachmentLeaf(att message.Attachment, opts Options) (mimePart, error) {
	contentType := att.Type
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if att.Name != "" {
		contentType = fmt.Sprintf("%s; name=%q", contentType, att.Name)
	}
	if att.Charset != "" {
		contentType = fmt.Sprintf("%s; charset=%q", contentType, att.Charset)
	}

	disposition := "attachment"
	if att.Inline {
		disposition = "inline"
	}
	if att.Name != "" {
		disposition = fmt.Sprintf("%s; filename=%q", disposition, att.Name)
	}

	headers := []headerLine{
		{"Content-Type", contentType},
		{"Content-Disposition", disposition},
	}
	if att.ContentID != "" {
		headers = append(headers, headerLine{"Content-ID", "<" + strings.Trim(att.ContentID, "<>") + ">"})
	}

	src, err := attachmentSource(att, opts)
	if err != nil {
		return mimePart{}, err
	}

	if att.Encoded {
		enc := att.Encoding
		if enc == "" {
			enc = "base64"
		}
		headers = append(headers, headerLine{"Content-Transfer-Encoding", enc})
		return mimePart{headers: headers, body: src}, nil
	}

	headers = append(headers, headerLine{"Content-Transfer-Encoding", "base64"})
	return mimePart{headers: headers, body: base64LineReader(src)}, nil
}

// attachmentSource resolves the raw byte source for att: inline Data,
// caller-supplied Stream, or a lazily opened filesystem Path.
func attachmentSource(att message.Attachment, opts Options) (io.Reader, error) {
	switch {
	case att.Data != nil:
		return bytes.NewReader(att.Data), nil
	case att.Stream != nil:
		return att.Stream, nil
	case att.Path != "":
		return &lazyFileReader{path: att.Path, open: opts.openFile}, nil
	default:
		return strings.NewReader(""), nil
	}
}
