// Package geoip resolves a capture's peer IP to a country code for display
// purposes only (spec.md §4.1: country_code is best-effort and absent if
// unavailable). The lookup is modeled as a narrow interface so the capture
// front-ends never depend on a concrete geolocation provider — spec.md's
// Non-goals explicitly put the provider itself out of scope, but the
// ambient logging/config stack around it is still carried, matching the
// teacher's habit of isolating an external collaborator behind a small
// interface (see the teacher's own Handler/plugin seams in engine.go).
package geoip

import "net"

// Lookup resolves an IP address to an ISO 3166-1 alpha-2 country code, or
// "" if unknown.
type Lookup interface {
	CountryCode(ip net.IP) string
}

// NoOp is a Lookup that never resolves anything. It is the Lookup
// cmd/requestrepo wires into every capture front-end, keeping the service
// fully functional without a geolocation dependency.
type NoOp struct{}

func (NoOp) CountryCode(net.IP) string { return "" }

// Static is a test/fixture Lookup backed by an in-memory table, keyed by
// the IP's string form.
type Static struct {
	Table map[string]string
}

func (s Static) CountryCode(ip net.IP) string {
	if s.Table == nil {
		return ""
	}
	return s.Table[ip.String()]
}
