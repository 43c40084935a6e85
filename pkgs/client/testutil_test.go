package client

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/coreseekdev/smtpsubmit/pkgs/smtp"
)

func startScriptedServer(t *testing.T, handler func(t *testing.T, conn net.Conn)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handler(t, conn)
	}()

	return ln.Addr().String()
}

type scriptedConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func wrap(conn net.Conn) *scriptedConn {
	return &scriptedConn{conn: conn, r: bufio.NewReader(conn)}
}

func (s *scriptedConn) send(lines ...string) {
	for _, l := range lines {
		s.conn.Write([]byte(l + "\r\n"))
	}
}

func (s *scriptedConn) expect(t *testing.T, prefix string) string {
	t.Helper()
	line, err := s.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read command: %v", err)
	}
	if !strings.HasPrefix(line, prefix) {
		t.Errorf("expected %q command, got %q", prefix, line)
	}
	return line
}

func (s *scriptedConn) readUntilDot(t *testing.T) string {
	t.Helper()
	var out []byte
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			t.Fatalf("read data: %v", err)
		}
		if line == ".\r\n" {
			return string(out)
		}
		out = append(out, line...)
	}
}

func testOpts(t *testing.T, addr string) smtp.Options {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port := 0
	for _, r := range portStr {
		port = port*10 + int(r-'0')
	}
	return smtp.Options{
		Host:    host,
		Port:    port,
		Timeout: 2 * time.Second,
		Domain:  "client.example",
	}
}
