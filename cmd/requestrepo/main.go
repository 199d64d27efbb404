package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/requestrepo/engine/internal/api"
	"github.com/requestrepo/engine/internal/bus"
	"github.com/requestrepo/engine/internal/capture"
	"github.com/requestrepo/engine/internal/config"
	"github.com/requestrepo/engine/internal/geoip"
	"github.com/requestrepo/engine/internal/logging"
	"github.com/requestrepo/engine/internal/requestlog"
	"github.com/requestrepo/engine/internal/storage"
	"github.com/requestrepo/engine/internal/subdomain"
	"github.com/requestrepo/engine/internal/tcpports"
	"github.com/requestrepo/engine/internal/token"
	"github.com/requestrepo/engine/internal/zonestore"
)

// Exit codes from spec.md §6.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitListenerError  = 2
	exitStorageUnavail = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "requestrepo-engine: config: %v\n", err)
		return exitConfigError
	}

	log, err := logging.New(cfg.LogSyslogAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "requestrepo-engine: logging: %v\n", err)
		return exitConfigError
	}

	backend, err := openBackend(cfg)
	if err != nil {
		log.Error("storage unreachable at startup", "error", err)
		return exitStorageUnavail
	}
	defer backend.Close()

	tokens, err := token.NewService(token.KeySet{
		Current: cfg.SigningKeyID,
		Keys:    map[string][]byte{cfg.SigningKeyID: []byte(cfg.SigningKey)},
	})
	if err != nil {
		log.Error("signing key rejected", "error", err)
		return exitConfigError
	}

	registry := subdomain.NewRegistry(backend, cfg.Retention())
	reqlog := requestlog.New(backend, int64(cfg.MaxLogPerSub), cfg.Retention(), cfg.ShareTTL())
	zones := zonestore.New(backend, cfg.Retention())
	hub := bus.NewHub(log, backend, reqlog, tokens, cfg.MaxSubsPerConn, cfg.WSSendQueue, 50)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ingest := capture.NewIngest(ctx, log, reqlog)
	geo := geoip.NoOp{}

	control := api.New(api.Config{
		Log: log, Registry: registry, Tokens: tokens,
		RequestLog: reqlog, Zones: zones, Hub: hub,
		AdminSecret: cfg.AdminToken, BodyCapByte: cfg.BodyCapBytes,
		RateLimitPerSec: cfg.RateLimitPerSec,
	})

	httpSrv := capture.NewHTTPServer(log, cfg.ServiceDomain, zones, ingest, geo, cfg.BodyCapBytes, control)
	dnsSrv := capture.NewDNSServer(log, cfg.ServiceDomain, zones, ingest, geo)
	smtpSrv := capture.NewSMTPServer(log, cfg.ServiceDomain, ingest, geo, cfg.BodyCapBytes)
	portOwners := tcpports.NewAssigner(backend, cfg.Retention(), cfg.TCPPorts)

	listeners, closers, httpServers, err := bindListeners(cfg, httpSrv, dnsSrv, smtpSrv, portOwners, ingest, geo, log)
	if err != nil {
		log.Error("listener bind failed", "error", err)
		for _, c := range closers {
			c.Close()
		}
		return exitListenerError
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		g.Go(func() error { return l.serve(gctx) })
	}

	log.Info("requestrepo-engine started",
		"service_domain", cfg.ServiceDomain,
		"http_ports", cfg.HTTPPorts, "dns_ports", cfg.DNSPorts,
		"smtp_ports", cfg.SMTPPorts, "tcp_ports", cfg.TCPPorts)

	<-ctx.Done()
	log.Info("shutting down: draining in-flight captures")

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range httpServers {
		go srv.Shutdown(drainCtx)
	}
	for _, c := range closers {
		c.Close()
	}
	hub.CloseAll(websocket.CloseGoingAway, "server shutting down")

	doneCh := make(chan error, 1)
	go func() { doneCh <- g.Wait() }()
	select {
	case err := <-doneCh:
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listener exited with error", "error", err)
		}
	case <-drainCtx.Done():
		log.Warn("shutdown drain budget exceeded")
	}

	return exitOK
}

func openBackend(cfg config.Config) (storage.Backend, error) {
	backend := storage.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := backend.KVSet(ctx, "requestrepo:startup-check", []byte("1"), time.Second); err != nil {
		return nil, err
	}
	return backend, nil
}

// servingListener is one protocol front-end's bound network resource plus
// the blocking call that serves it until its context is cancelled.
type servingListener struct {
	serve func(ctx context.Context) error
}

func bindListeners(cfg config.Config, httpSrv *capture.HTTPServer, dnsSrv *capture.DNSServer, smtpSrv *capture.SMTPServer, portOwners *tcpports.Assigner, ingest *capture.Ingest, geo geoip.Lookup, log *slog.Logger) ([]servingListener, []interface{ Close() error }, []*http.Server, error) {
	var listeners []servingListener
	var closers []interface{ Close() error }
	var httpServers []*http.Server

	for _, port := range cfg.HTTPPorts {
		ln, err := net.Listen("tcp", addrFor(port))
		if err != nil {
			return nil, closers, nil, fmt.Errorf("http listen %d: %w", port, err)
		}
		srv := &http.Server{Handler: httpSrv}
		httpServers = append(httpServers, srv)
		if cfg.TLSCert != "" {
			listeners = append(listeners, servingListener{serve: func(ctx context.Context) error {
				return srv.ServeTLS(ln, cfg.TLSCert, cfg.TLSKey)
			}})
		} else {
			listeners = append(listeners, servingListener{serve: func(ctx context.Context) error {
				return srv.Serve(ln)
			}})
		}
	}

	for _, port := range cfg.DNSPorts {
		pc, err := net.ListenPacket("udp", addrFor(port))
		if err != nil {
			return nil, closers, nil, fmt.Errorf("dns udp listen %d: %w", port, err)
		}
		ln, err := net.Listen("tcp", addrFor(port))
		if err != nil {
			pc.Close()
			return nil, closers, nil, fmt.Errorf("dns tcp listen %d: %w", port, err)
		}
		udp, tcp := dnsSrv.Handlers(addrFor(port))
		udpSrv, tcpSrv := udp, tcp
		udpSrv.PacketConn = pc
		tcpSrv.Listener = ln
		closers = append(closers, closerFunc(udpSrv.Shutdown), closerFunc(tcpSrv.Shutdown))
		listeners = append(listeners,
			servingListener{serve: func(ctx context.Context) error { return udpSrv.ActivateAndServe() }},
			servingListener{serve: func(ctx context.Context) error { return tcpSrv.ActivateAndServe() }},
		)
	}

	for _, port := range cfg.SMTPPorts {
		ln, err := net.Listen("tcp", addrFor(port))
		if err != nil {
			return nil, closers, nil, fmt.Errorf("smtp listen %d: %w", port, err)
		}
		closers = append(closers, ln)
		listeners = append(listeners, servingListener{serve: func(ctx context.Context) error {
			return smtpSrv.Serve(ctx, ln)
		}})
	}

	for _, port := range cfg.TCPPorts {
		ln, err := net.Listen("tcp", addrFor(port))
		if err != nil {
			return nil, closers, nil, fmt.Errorf("tcp listen %d: %w", port, err)
		}
		closers = append(closers, ln)
		tcpSrv := capture.NewTCPServer(log, port, portOwners, ingest, geo, cfg.BodyCapBytes)
		listeners = append(listeners, servingListener{serve: func(ctx context.Context) error {
			return tcpSrv.Serve(ctx, ln)
		}})
	}

	return listeners, closers, httpServers, nil
}

func addrFor(port int) string { return ":" + strconv.Itoa(port) }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
