package smtp

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func baseOpts(t *testing.T, addr string) Options {
	host, port := splitHostPort(t, addr)
	return Options{
		Host:    host,
		Port:    port,
		Timeout: 2 * time.Second,
		Domain:  "client.example",
	}
}

func TestConnectEHLOAndAuthorizePlain(t *testing.T) {
	addr := startScriptedServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		c := wrap(conn)
		c.send("220 mail.example.com ESMTP")
		c.expect(t, "EHLO")
		c.send("250-mail.example.com", "250-AUTH PLAIN LOGIN", "250 8BITMIME")
		line := c.expect(t, "AUTH")
		if !strings.HasPrefix(line, "AUTH PLAIN ") {
			t.Errorf("expected AUTH PLAIN, got %q", line)
		}
		c.send("235 2.7.0 Authenticated")
	})

	opts := baseOpts(t, addr)
	opts.User = "user"
	opts.Password = "pass"
	opts.Authentication = []string{"PLAIN"}

	conn := New(opts)
	if err := conn.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.State() != Authorized {
		t.Fatalf("expected Authorized, got %s", conn.State())
	}
}

func TestConnectHELOFallbackNoAuth(t *testing.T) {
	addr := startScriptedServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		c := wrap(conn)
		c.send("220 mail.example.com ESMTP")
		c.expect(t, "EHLO")
		c.send("500 command not recognized")
		c.expect(t, "HELO")
		c.send("250 mail.example.com")
	})

	conn := New(baseOpts(t, addr))
	if err := conn.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.State() != Authorized {
		t.Fatalf("expected Authorized, got %s", conn.State())
	}
}

func TestMailFromRcptDataRoundTrip(t *testing.T) {
	var received strings.Builder
	addr := startScriptedServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		c := wrap(conn)
		c.send("220 mail.example.com ESMTP")
		c.expect(t, "EHLO")
		c.send("250 mail.example.com")
		c.expect(t, "MAIL FROM")
		c.send("250 OK")
		c.expect(t, "RCPT TO")
		c.send("250 OK")
		c.expect(t, "DATA")
		c.send("354 Start input")
		for {
			line, err := c.r.ReadString('\n')
			if err != nil {
				return
			}
			received.WriteString(line)
			if line == ".\r\n" {
				break
			}
		}
		c.send("250 OK")
	})

	conn := New(baseOpts(t, addr))
	if err := conn.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.MailFrom("sender@example.com"); err != nil {
		t.Fatalf("MailFrom: %v", err)
	}
	if err := conn.RcptTo("rcpt@example.com"); err != nil {
		t.Fatalf("RcptTo: %v", err)
	}
	if err := conn.StartData(); err != nil {
		t.Fatalf("StartData: %v", err)
	}
	body := strings.NewReader("Subject: hi\r\n\r\n.leading dot\r\nsecond line\r\n")
	if err := conn.StreamData(body); err != nil {
		t.Fatalf("StreamData: %v", err)
	}
	if conn.State() != Authorized {
		t.Fatalf("expected Authorized after send, got %s", conn.State())
	}
	if !strings.Contains(received.String(), "..leading dot") {
		t.Errorf("leading dot not stuffed, received:\n%s", received.String())
	}
}

func TestRcptTransientFailureReturnsProtocolError(t *testing.T) {
	addr := startScriptedServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		c := wrap(conn)
		c.send("220 mail.example.com ESMTP")
		c.expect(t, "EHLO")
		c.send("250 mail.example.com")
		c.expect(t, "MAIL FROM")
		c.send("250 OK")
		c.expect(t, "RCPT TO")
		c.send("450 mailbox temporarily unavailable")
	})

	conn := New(baseOpts(t, addr))
	if err := conn.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.MailFrom("sender@example.com"); err != nil {
		t.Fatalf("MailFrom: %v", err)
	}
	err := conn.RcptTo("rcpt@example.com")
	var pe *ProtocolReplyError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolReplyError, got %v (%T)", err, err)
	}
	if pe.Code != 450 {
		t.Errorf("expected code 450, got %d", pe.Code)
	}
}

func TestAuthFailureReturnsAuthFailureError(t *testing.T) {
	addr := startScriptedServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		c := wrap(conn)
		c.send("220 mail.example.com ESMTP")
		c.expect(t, "EHLO")
		c.send("250-mail.example.com", "250 AUTH PLAIN")
		c.expect(t, "AUTH PLAIN")
		c.send("535 5.7.8 Authentication failed")
	})

	opts := baseOpts(t, addr)
	opts.User = "user"
	opts.Password = "wrong"

	conn := New(opts)
	err := conn.Connect()
	var ae *AuthFailureError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AuthFailureError, got %v (%T)", err, err)
	}
	if conn.State() != NotConnected {
		t.Fatalf("expected NotConnected after auth failure, got %s", conn.State())
	}
}

func TestCommandTimeoutSurfacesTimeoutError(t *testing.T) {
	addr := startScriptedServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		c := wrap(conn)
		c.send("220 mail.example.com ESMTP")
		c.expect(t, "EHLO")
		// Never reply: the client should time out waiting for 250.
		time.Sleep(500 * time.Millisecond)
	})

	opts := baseOpts(t, addr)
	opts.Timeout = 100 * time.Millisecond

	conn := New(opts)
	err := conn.Connect()
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %v (%T)", err, err)
	}
}

func TestParseCapabilities(t *testing.T) {
	caps := parseCapabilities([]string{
		"mail.example.com",
		"STARTTLS",
		"AUTH CRAM-MD5 LOGIN PLAIN",
		"SIZE 35882577",
		"8BITMIME",
		"PIPELINING",
	})
	if !caps.StartTLS {
		t.Error("expected StartTLS")
	}
	if !caps.supports("CRAM-MD5") || !caps.supports("LOGIN") || !caps.supports("PLAIN") {
		t.Errorf("missing auth methods: %v", caps.AuthMethods)
	}
	if caps.Size != 35882577 {
		t.Errorf("unexpected size: %d", caps.Size)
	}
	if !caps.EightBitMIME || !caps.Pipelining {
		t.Error("expected 8BITMIME and PIPELINING")
	}
}

func TestDotStuffWriterDoublesLeadingDots(t *testing.T) {
	var out strings.Builder
	w := newDotStuffWriter(&out)
	io.Copy(w, strings.NewReader(".leading\r\nmiddle\r\n..already\r\nend"))
	want := "..leading\r\nmiddle\r\n...already\r\nend"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}

func TestDotStuffWriterAcrossWriteBoundary(t *testing.T) {
	var out strings.Builder
	w := newDotStuffWriter(&out)
	w.Write([]byte("abc\r\n"))
	w.Write([]byte(".rest\r\n"))
	want := "abc\r\n..rest\r\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}
