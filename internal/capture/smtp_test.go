package capture

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/requestrepo/engine/internal/geoip"
	"github.com/requestrepo/engine/internal/requestlog"
	"github.com/requestrepo/engine/internal/storage"
)

func newTestSMTPServer(t *testing.T) (*SMTPServer, *requestlog.Log) {
	t.Helper()
	backend := storage.NewMemory()
	reqlog := requestlog.New(backend, 100, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ingest := NewIngest(ctx, testLogger(), reqlog)

	return NewSMTPServer(testLogger(), "example.test", ingest, geoip.NoOp{}, 1<<20), reqlog
}

func TestSMTPSessionCaptured(t *testing.T) {
	s, reqlog := newTestSMTPServer(t)

	client, server := net.Pipe()
	go s.handleConn(server)

	r := bufio.NewReader(client)
	readLine := func() string {
		line, _ := r.ReadString('\n')
		return line
	}

	readLine() // 220 banner
	fmt.Fprintf(client, "EHLO attacker\r\n")
	readLine()
	fmt.Fprintf(client, "MAIL FROM:<a@b.com>\r\n")
	readLine()
	fmt.Fprintf(client, "RCPT TO:<victim@abc123.example.test>\r\n")
	readLine()
	fmt.Fprintf(client, "DATA\r\n")
	readLine()
	fmt.Fprintf(client, "hello there\r\n.\r\n")
	readLine()
	fmt.Fprintf(client, "QUIT\r\n")
	readLine()
	client.Close()

	waitForLog(t, reqlog, "abc123", 1)
}

func TestSMTPSessionWithoutKnownSubdomainNotCaptured(t *testing.T) {
	s, reqlog := newTestSMTPServer(t)

	client, server := net.Pipe()
	go s.handleConn(server)

	r := bufio.NewReader(client)
	readLine := func() string {
		line, _ := r.ReadString('\n')
		return line
	}

	readLine()
	fmt.Fprintf(client, "QUIT\r\n")
	readLine()
	client.Close()

	time.Sleep(100 * time.Millisecond)
	page, err := reqlog.List(context.Background(), "", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected no captured interaction without a known subdomain, got %+v", page.Items)
	}
}
