package email

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/protein-classifier/protein-classifier/internal/config"
)

func TestVerifyLink(t *testing.T) {
	tests := []struct {
		baseURL string
		want    string
	}{
		{"https://api.example.com", "https://api.example.com/auth/verify?token=tok-1"},
		{"https://api.example.com/", "https://api.example.com/auth/verify?token=tok-1"},
		{"http://localhost:8080", "http://localhost:8080/auth/verify?token=tok-1"},
	}

	for _, tt := range tests {
		if got := verifyLink(tt.baseURL, "tok-1"); got != tt.want {
			t.Errorf("verifyLink(%q) = %q, want %q", tt.baseURL, got, tt.want)
		}
	}
}

func TestLogEmailer_WritesLinkToLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	emailer := &LogEmailer{baseURL: "http://localhost:8080", logger: logger}

	if err := emailer.SendMagicLink(context.Background(), "a@example.com", "tok-1"); err != nil {
		t.Fatalf("SendMagicLink() error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "a@example.com") {
		t.Errorf("log output missing recipient: %s", out)
	}
	if !strings.Contains(out, "/auth/verify?token=tok-1") {
		t.Errorf("log output missing verify link: %s", out)
	}
}

// startPlaintextSMTPServer runs a one-connection SMTP server that greets and
// answers EHLO without advertising STARTTLS.
func startPlaintextSMTPServer(t *testing.T) (addr string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fmt.Fprintf(conn, "220 mail.test ESMTP\r\n")
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			switch {
			case strings.HasPrefix(line, "EHLO"), strings.HasPrefix(line, "HELO"):
				fmt.Fprintf(conn, "250-mail.test\r\n250 AUTH PLAIN\r\n")
			case strings.HasPrefix(line, "QUIT"):
				fmt.Fprintf(conn, "221 bye\r\n")
				return
			default:
				fmt.Fprintf(conn, "250 OK\r\n")
			}
		}
	}()

	addr = ln.Addr().String()
	_, portStr, _ := net.SplitHostPort(addr)
	port, _ = strconv.Atoi(portStr)
	return addr, port
}

func TestSendMailTLS_NoSTARTTLS_RefusesPlaintext(t *testing.T) {
	addr, port := startPlaintextSMTPServer(t)

	err := sendMailTLS(addr, "127.0.0.1", port, nil, "noreply@example.com",
		[]string{"a@example.com"}, []byte("Subject: x\r\n\r\nbody\r\n"))
	if err == nil {
		t.Fatal("sendMailTLS() sent over a server without STARTTLS, want error")
	}
	if !strings.Contains(err.Error(), "STARTTLS") {
		t.Errorf("error = %v, want STARTTLS refusal", err)
	}
}

func TestSendMailTLS_DialFailureIsAnError(t *testing.T) {
	// Reserve a port, then close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	err = sendMailTLS(addr, "127.0.0.1", 465, nil, "noreply@example.com",
		[]string{"a@example.com"}, []byte("Subject: x\r\n\r\nbody\r\n"))
	if err == nil {
		t.Fatal("sendMailTLS() returned nil after a failed TLS dial, want error")
	}
	if !strings.Contains(err.Error(), "dial") {
		t.Errorf("error = %v, want dial failure", err)
	}
}

func TestNew_PicksImplementation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	cfg := &config.Config{}
	cfg.Server.BaseURL = "http://localhost:8080"

	if _, ok := New(cfg, logger).(*LogEmailer); !ok {
		t.Error("New() with notifications disabled should return LogEmailer")
	}

	cfg.Notifications.Enabled = true
	if _, ok := New(cfg, logger).(*LogEmailer); !ok {
		t.Error("New() with no SMTP host should return LogEmailer")
	}

	cfg.Notifications.SMTP.Host = "smtp.example.com"
	if _, ok := New(cfg, logger).(*SMTPEmailer); !ok {
		t.Error("New() with SMTP configured should return SMTPEmailer")
	}
}
