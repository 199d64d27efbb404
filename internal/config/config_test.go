package config

import "testing"

func TestParseFlagsAppliesDefaults(t *testing.T) {
	cfg, err := ParseFlags([]string{"-signing-key", "secret"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if cfg.ServiceDomain != "example.com" {
		t.Fatalf("expected default service domain, got %q", cfg.ServiceDomain)
	}
	if len(cfg.HTTPPorts) != 1 || cfg.HTTPPorts[0] != 80 {
		t.Fatalf("expected default http port 80, got %v", cfg.HTTPPorts)
	}
}

func TestParseFlagsRejectsMissingSigningKey(t *testing.T) {
	_, err := ParseFlags(nil)
	if err == nil {
		t.Fatal("expected a validation error when no signing key is configured")
	}
}

func TestParseFlagsCustomPorts(t *testing.T) {
	cfg, err := ParseFlags([]string{
		"-signing-key", "secret",
		"-http-ports", "8080,8081",
		"-tcp-ports", "4000,4001,4002",
	})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if len(cfg.HTTPPorts) != 2 || cfg.HTTPPorts[1] != 8081 {
		t.Fatalf("unexpected http ports: %v", cfg.HTTPPorts)
	}
	if len(cfg.TCPPorts) != 3 {
		t.Fatalf("unexpected tcp ports: %v", cfg.TCPPorts)
	}
}

func TestParseFlagsRejectsMismatchedTLS(t *testing.T) {
	_, err := ParseFlags([]string{"-signing-key", "secret", "-tls-cert", "cert.pem"})
	if err == nil {
		t.Fatal("expected an error when tls-cert is set without tls-key")
	}
}

func TestRetentionAndShareTTL(t *testing.T) {
	cfg := Default()
	cfg.RetentionDays = 3
	cfg.ShareTTLHours = 12
	if cfg.Retention().Hours() != 72 {
		t.Fatalf("expected 72h retention, got %v", cfg.Retention())
	}
	if cfg.ShareTTL().Hours() != 12 {
		t.Fatalf("expected 12h share ttl, got %v", cfg.ShareTTL())
	}
}
