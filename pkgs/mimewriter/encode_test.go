package mimewriter

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/coreseekdev/smtpsubmit/pkgs/message"
)

func fixedOpts() Options {
	return Options{
		Now:      func() time.Time { return time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC) },
		Hostname: "example.com",
	}
}

func encodeToString(t *testing.T, m *message.Message) string {
	t.Helper()
	stack, err := message.BuildStack(m)
	if err != nil {
		t.Fatalf("BuildStack: %v", err)
	}
	r, err := Encode(stack, fixedOpts())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(b)
}

func TestEncodeBareTextBody(t *testing.T) {
	m := &message.Message{From: "a@x", To: []string{"b@x"}, Subject: "hi", Text: "hello"}
	out := encodeToString(t, m)
	if !strings.Contains(out, "From: a@x\r\n") {
		t.Fatalf("missing From header:\n%s", out)
	}
	if !strings.Contains(out, "Content-Type: text/plain; charset=utf-8\r\n") {
		t.Fatalf("missing content-type:\n%s", out)
	}
	if !strings.Contains(out, "Content-Transfer-Encoding: 7bit\r\n") {
		t.Fatalf("expected 7bit encoding:\n%s", out)
	}
	if !strings.HasSuffix(out, "hello\r\n") {
		t.Fatalf("body not terminated as expected:\n%q", out)
	}
}

func TestEncodeMissingDateGenerated(t *testing.T) {
	m := &message.Message{From: "a@x", To: []string{"b@x"}, Text: "hi"}
	out := encodeToString(t, m)
	if !strings.Contains(out, "Date: ") {
		t.Fatalf("missing Date header:\n%s", out)
	}
}

func TestEncodeMissingMessageIDGenerated(t *testing.T) {
	m := &message.Message{From: "a@x", To: []string{"b@x"}, Text: "hi"}
	out := encodeToString(t, m)
	idx := strings.Index(out, "Message-ID: ")
	if idx < 0 {
		t.Fatalf("missing Message-ID header:\n%s", out)
	}
	line := out[idx:]
	line = line[:strings.Index(line, "\r\n")]
	if !strings.HasPrefix(line, "Message-ID: <") || !strings.Contains(line, "@") || !strings.HasSuffix(line, ">") {
		t.Fatalf("Message-ID not of expected shape: %q", line)
	}
}

func TestEncodeWritesResolvedMessageIDBackToStack(t *testing.T) {
	m := &message.Message{From: "a@x", To: []string{"b@x"}, Text: "hi"}
	stack, err := message.BuildStack(m)
	if err != nil {
		t.Fatalf("BuildStack: %v", err)
	}
	if stack.Message.MessageID != "" {
		t.Fatalf("expected MessageID empty before Encode, got %q", stack.Message.MessageID)
	}

	if _, err := Encode(stack, fixedOpts()); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if stack.Message.MessageID == "" {
		t.Fatal("expected Encode to write the generated Message-ID back onto the Message")
	}
	if !strings.HasPrefix(stack.Message.MessageID, "<") || !strings.HasSuffix(stack.Message.MessageID, ">") {
		t.Fatalf("resolved MessageID not bracketed: %q", stack.Message.MessageID)
	}
}

func TestEncodeMessageIDBracketsAdded(t *testing.T) {
	m := &message.Message{From: "a@x", To: []string{"b@x"}, Text: "hi", MessageID: "abc@x"}
	out := encodeToString(t, m)
	if !strings.Contains(out, "Message-ID: <abc@x>\r\n") {
		t.Fatalf("brackets not added:\n%s", out)
	}
}

func TestEncodeNonASCIISubject(t *testing.T) {
	m := &message.Message{From: "a@x", To: []string{"b@x"}, Text: "hi", Subject: "héllo"}
	out := encodeToString(t, m)
	if !strings.Contains(out, "=?UTF-8?Q?") {
		t.Fatalf("expected Q-encoded subject:\n%s", out)
	}
}

func TestEncodeAlternativeBody(t *testing.T) {
	m := &message.Message{
		From: "a@x", To: []string{"b@x"}, Text: "plain", Alternative: "<p>html</p>",
	}
	out := encodeToString(t, m)
	if !strings.Contains(out, "multipart/alternative") {
		t.Fatalf("expected multipart/alternative:\n%s", out)
	}
	if !strings.Contains(out, "plain") || !strings.Contains(out, "<p>html</p>") {
		t.Fatalf("missing body content:\n%s", out)
	}
}

func TestEncodeMixedWithAttachment(t *testing.T) {
	m := &message.Message{
		From: "a@x", To: []string{"b@x"}, Text: "body",
		Attachments: []message.Attachment{
			{Type: "application/octet-stream", Name: "f.bin", Data: []byte("binarydata")},
		},
	}
	out := encodeToString(t, m)
	if !strings.Contains(out, "multipart/mixed") {
		t.Fatalf("expected multipart/mixed:\n%s", out)
	}
	if !strings.Contains(out, "Content-Disposition: attachment; filename=\"f.bin\"") {
		t.Fatalf("missing attachment disposition:\n%s", out)
	}
	if !strings.Contains(out, "Content-Transfer-Encoding: base64") {
		t.Fatalf("expected base64 encoding for attachment:\n%s", out)
	}
}

func TestEncodeRelatedAttachment(t *testing.T) {
	m := &message.Message{
		From: "a@x", To: []string{"b@x"}, Text: "body",
		Attachments: []message.Attachment{
			{
				Type: "text/html", Data: []byte("<img src=cid:img1>"),
				Related: []message.Attachment{
					{Type: "image/png", ContentID: "img1", Data: []byte("PNGDATA"), Inline: true},
				},
			},
		},
	}
	out := encodeToString(t, m)
	if !strings.Contains(out, "multipart/related") {
		t.Fatalf("expected multipart/related:\n%s", out)
	}
	if !strings.Contains(out, "Content-ID: <img1>") {
		t.Fatalf("missing Content-ID:\n%s", out)
	}
}
