// Package config loads the configuration table from spec.md §6, the way
// the teacher's cmd/amass_engine loads its own flags — eagerly validated at
// startup, with a fatal, non-zero exit on malformed input (spec.md §6 Exit
// codes).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config mirrors spec.md §6's configuration table 1:1.
type Config struct {
	ServiceDomain string

	HTTPPorts []int
	DNSPorts  []int
	SMTPPorts []int
	TCPPorts  []int

	TLSCert string
	TLSKey  string

	RetentionDays int
	ShareTTLHours int
	BodyCapBytes  int
	MaxLogPerSub  int
	MaxSubsPerConn int
	WSSendQueue    int

	AdminToken      string
	RateLimitPerSec int

	SigningKeyID string
	SigningKey   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogSyslogAddr string // empty disables the syslog sink (§4.11)
}

// Retention returns RetentionDays as a time.Duration TTL.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ShareTTL returns ShareTTLHours as a time.Duration TTL.
func (c Config) ShareTTL() time.Duration {
	return time.Duration(c.ShareTTLHours) * time.Hour
}

// Default returns a Config populated with spec.md §6's stated defaults.
func Default() Config {
	return Config{
		ServiceDomain:  "example.com",
		HTTPPorts:      []int{80},
		DNSPorts:       []int{53},
		SMTPPorts:      []int{25},
		TCPPorts:       nil,
		RetentionDays:  7,
		ShareTTLHours:  24,
		BodyCapBytes:   1 << 20,
		MaxLogPerSub:   10000,
		MaxSubsPerConn: 5,
		WSSendQueue:    512,
		SigningKeyID:    "k1",
		RedisAddr:       "127.0.0.1:6379",
		RateLimitPerSec: 5,
	}
}

// ParseFlags loads Config from command-line flags layered over Default(),
// in the manner of cmd/amass_engine's flag.StringVar calls.
func ParseFlags(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("requestrepo-engine", flag.ContinueOnError)
	serviceDomain := fs.String("service-domain", cfg.ServiceDomain, "label strip basis for virtual hosting")
	httpPorts := fs.String("http-ports", intsToCSV(cfg.HTTPPorts), "comma-separated HTTP listener ports")
	dnsPorts := fs.String("dns-ports", intsToCSV(cfg.DNSPorts), "comma-separated DNS listener ports")
	smtpPorts := fs.String("smtp-ports", intsToCSV(cfg.SMTPPorts), "comma-separated SMTP listener ports")
	tcpPorts := fs.String("tcp-ports", intsToCSV(cfg.TCPPorts), "comma-separated raw TCP listener ports")
	tlsCert := fs.String("tls-cert", "", "optional TLS certificate path")
	tlsKey := fs.String("tls-key", "", "optional TLS key path")
	retentionDays := fs.Int("retention-days", cfg.RetentionDays, "TTL in days for sess/req/files/dns entries")
	shareTTLHours := fs.Int("share-ttl-hours", cfg.ShareTTLHours, "TTL in hours for share tokens")
	bodyCapBytes := fs.Int("body-cap-bytes", cfg.BodyCapBytes, "truncate bodies/raw blobs beyond this size")
	maxLogPerSub := fs.Int("max-log-per-subdomain", cfg.MaxLogPerSub, "trim oldest log entries beyond this count")
	maxSubsPerConn := fs.Int("max-subscriptions-per-conn", cfg.MaxSubsPerConn, "max subdomains one WS connection may subscribe to")
	wsSendQueue := fs.Int("ws-send-queue", cfg.WSSendQueue, "bounded per-connection outbound queue size")
	adminToken := fs.String("admin-token", "", "if set, gates session creation")
	rateLimitPerSec := fs.Int("rate-limit-per-sec", cfg.RateLimitPerSec, "max control-API requests per second per remote IP (0 disables)")
	signingKeyID := fs.String("signing-key-id", cfg.SigningKeyID, "key_id used to sign newly issued tokens")
	signingKey := fs.String("signing-key", "", "secret used to sign/verify session tokens")
	redisAddr := fs.String("redis-addr", cfg.RedisAddr, "address of the Redis storage backend")
	redisPassword := fs.String("redis-password", "", "Redis AUTH password")
	redisDB := fs.Int("redis-db", 0, "Redis logical database index")
	logSyslogAddr := fs.String("log-syslog-addr", "", "optional syslog sink address for structured logs")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	var err error
	cfg.ServiceDomain = *serviceDomain
	if cfg.HTTPPorts, err = csvToInts(*httpPorts); err != nil {
		return Config{}, fmt.Errorf("config: http-ports: %w", err)
	}
	if cfg.DNSPorts, err = csvToInts(*dnsPorts); err != nil {
		return Config{}, fmt.Errorf("config: dns-ports: %w", err)
	}
	if cfg.SMTPPorts, err = csvToInts(*smtpPorts); err != nil {
		return Config{}, fmt.Errorf("config: smtp-ports: %w", err)
	}
	if cfg.TCPPorts, err = csvToInts(*tcpPorts); err != nil {
		return Config{}, fmt.Errorf("config: tcp-ports: %w", err)
	}
	cfg.TLSCert = *tlsCert
	cfg.TLSKey = *tlsKey
	cfg.RetentionDays = *retentionDays
	cfg.ShareTTLHours = *shareTTLHours
	cfg.BodyCapBytes = *bodyCapBytes
	cfg.MaxLogPerSub = *maxLogPerSub
	cfg.MaxSubsPerConn = *maxSubsPerConn
	cfg.WSSendQueue = *wsSendQueue
	cfg.AdminToken = *adminToken
	cfg.RateLimitPerSec = *rateLimitPerSec
	cfg.SigningKeyID = *signingKeyID
	cfg.SigningKey = *signingKey
	cfg.RedisAddr = *redisAddr
	cfg.RedisPassword = *redisPassword
	cfg.RedisDB = *redisDB
	cfg.LogSyslogAddr = *logSyslogAddr

	if env := os.Getenv("REQUESTREPO_SIGNING_KEY"); env != "" && cfg.SigningKey == "" {
		cfg.SigningKey = env
	}

	return cfg, cfg.Validate()
}

// Validate reports a config error (spec.md §6 exit code 1).
func (c Config) Validate() error {
	if c.ServiceDomain == "" {
		return fmt.Errorf("config: service-domain must not be empty")
	}
	if c.SigningKey == "" {
		return fmt.Errorf("config: signing-key must be set (flag or REQUESTREPO_SIGNING_KEY)")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("config: retention-days must be positive")
	}
	if c.BodyCapBytes <= 0 {
		return fmt.Errorf("config: body-cap-bytes must be positive")
	}
	if c.MaxLogPerSub <= 0 {
		return fmt.Errorf("config: max-log-per-subdomain must be positive")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("config: tls-cert and tls-key must both be set or both empty")
	}
	return nil
}

func intsToCSV(ints []int) string {
	parts := make([]string, len(ints))
	for i, v := range ints {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func csvToInts(csv string) ([]int, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	fields := strings.Split(csv, ",")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", f, err)
		}
		out = append(out, n)
	}
	return out, nil
}
