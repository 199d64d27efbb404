package logging

import "testing"

func TestNewWithoutSyslogSucceeds(t *testing.T) {
	log, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("hello")
}

func TestNewWithUnreachableSyslogFails(t *testing.T) {
	if _, err := New("256.256.256.256:9999"); err == nil {
		t.Fatal("expected an error dialing a malformed syslog address")
	}
}
