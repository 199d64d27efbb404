package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/requestrepo/engine/internal/geoip"
	"github.com/requestrepo/engine/internal/interaction"
)

const smtpIdleTimeout = 30 * time.Second

// SMTPServer implements spec.md §4.8's minimal RFC 5321 server side: enough
// protocol to let a client complete a session, with the whole transcript
// captured as a single interaction.
type SMTPServer struct {
	log     *slog.Logger
	domain  string
	ingest  *Ingest
	geo     geoip.Lookup
	bodyCap int
}

// NewSMTPServer builds an SMTP capture listener handler.
func NewSMTPServer(log *slog.Logger, domain string, ingest *Ingest, geo geoip.Lookup, bodyCap int) *SMTPServer {
	return &SMTPServer{log: log, domain: domain, ingest: ingest, geo: geo, bodyCap: bodyCap}
}

// Serve accepts connections on ln until the context is cancelled or the
// listener is closed, capturing exactly one interaction per session.
func (s *SMTPServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

func (s *SMTPServer) handleConn(conn net.Conn) {
	defer conn.Close()

	var transcript bytes.Buffer
	sub := ""
	ip, port := splitHostPort(conn.RemoteAddr().String())

	writeLine := func(line string) {
		fmt.Fprintf(conn, "%s\r\n", line)
		transcript.WriteString("S: " + line + "\r\n")
	}

	writeLine(fmt.Sprintf("220 %s ESMTP", s.domain))

	reader := bufio.NewReader(conn)
	inData := false

	for {
		conn.SetReadDeadline(time.Now().Add(smtpIdleTimeout))
		line, err := reader.ReadString('\n')
		if line != "" {
			transcript.WriteString("C: " + line)
			if !strings.HasSuffix(line, "\n") {
				transcript.WriteString("\n")
			}
		}
		if err != nil {
			break
		}

		trimmed := strings.TrimRight(line, "\r\n")

		if inData {
			if trimmed == "." {
				inData = false
				writeLine("250 OK")
			}
			continue
		}

		cmd := strings.ToUpper(firstWord(trimmed))
		switch cmd {
		case "HELO", "EHLO":
			writeLine(fmt.Sprintf("250 %s", s.domain))
		case "MAIL", "RCPT":
			if label := s.subdomainFromAddress(trimmed); label != "" {
				sub = label
			}
			writeLine("250 OK")
		case "DATA":
			writeLine("354 End data with <CR><LF>.<CR><LF>")
			inData = true
		case "QUIT":
			writeLine("221 Bye")
			goto done
		default:
			writeLine("500 unrecognized command")
		}

		if transcript.Len() > s.bodyCap {
			break
		}
	}

done:
	if sub == "" {
		// No MAIL FROM or RCPT TO address named a capture subdomain: nothing to attribute
		// this session to, matching spec.md §4.6's equivalent rule for
		// HTTP requests to the bare service domain (routed elsewhere,
		// not captured).
		return
	}

	raw, truncated := interaction.TruncateBody(transcript.Bytes(), s.bodyCap)

	country := ""
	if s.geo != nil {
		if parsed := net.ParseIP(ip); parsed != nil {
			country = s.geo.CountryCode(parsed)
		}
	}

	in := &interaction.Interaction{
		Kind:        interaction.KindSMTP,
		CompactRaw:  string(raw),
		PeerIP:      ip,
		PeerPort:    port,
		CountryCode: country,
		SMTP:        &interaction.SMTPDetail{Frame: string(raw)},
	}
	_ = truncated

	s.ingest.Submit(sub, in)
}

func firstWord(s string) string {
	if idx := strings.IndexByte(s, ' '); idx != -1 {
		return s[:idx]
	}
	return s
}

// subdomainFromAddress extracts the capture subdomain from a MAIL/RCPT
// command argument such as "RCPT TO:<foo@abc123.example.test>", the same
// left-most-label convention HTTP (Host header) and DNS (query name) use.
func (s *SMTPServer) subdomainFromAddress(line string) string {
	start := strings.IndexByte(line, '<')
	end := strings.IndexByte(line, '>')
	addr := line
	if start != -1 && end != -1 && end > start {
		addr = line[start+1 : end]
	}
	at := strings.LastIndexByte(addr, '@')
	if at == -1 {
		return ""
	}
	host := strings.ToLower(addr[at+1:])
	suffix := "." + strings.ToLower(s.domain)
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return ""
	}
	return label
}
