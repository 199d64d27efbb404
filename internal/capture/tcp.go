package capture

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/requestrepo/engine/internal/geoip"
	"github.com/requestrepo/engine/internal/interaction"
)

const tcpIdleTimeout = 5 * time.Second

// PortOwner resolves which subdomain, if any, currently owns a raw-TCP
// capture port (internal/tcpports.Assigner narrowed to the one call this
// package needs).
type PortOwner interface {
	Lookup(ctx context.Context, port int) (subdomain string, ok bool, err error)
}

// TCPServer implements spec.md §4.8's raw TCP capture: passive, no
// response, one interaction per connection emitted on idle timeout or
// close. Each configured port is bound to at most one subdomain at a time
// (assigned out of band, since raw TCP carries no virtual-hosting signal);
// a connection on an unassigned port is accepted and drained, but not
// logged, since there is no subdomain to own it.
type TCPServer struct {
	log     *slog.Logger
	port    int
	owners  PortOwner
	ingest  *Ingest
	geo     geoip.Lookup
	bodyCap int
}

// NewTCPServer builds a raw TCP capture handler for one configured port.
func NewTCPServer(log *slog.Logger, port int, owners PortOwner, ingest *Ingest, geo geoip.Lookup, bodyCap int) *TCPServer {
	return &TCPServer{log: log, port: port, owners: owners, ingest: ingest, geo: geo, bodyCap: bodyCap}
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener) error {
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
		go s.handleConn(ctx, conn)
	}
}

func (s *TCPServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip, port := splitHostPort(conn.RemoteAddr().String())

	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(tcpIdleTimeout))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			break
		}
		if buf.Len() > s.bodyCap {
			break
		}
	}

	sub, ok, err := s.owners.Lookup(ctx, s.port)
	if err != nil || !ok {
		return
	}

	data, truncated := interaction.TruncateBody(buf.Bytes(), s.bodyCap)

	country := ""
	if s.geo != nil {
		if parsed := net.ParseIP(ip); parsed != nil {
			country = s.geo.CountryCode(parsed)
		}
	}

	in := &interaction.Interaction{
		Kind:        interaction.KindTCP,
		CompactRaw:  string(data),
		PeerIP:      ip,
		PeerPort:    port,
		CountryCode: country,
		TCP:         &interaction.TCPDetail{Data: data, Truncated: truncated},
	}
	s.ingest.Submit(sub, in)
}
