// Package interaction defines the canonical captured-event model shared by
// every capture front-end (HTTP, DNS, SMTP, TCP) and by the request log.
package interaction

import (
	"encoding/json"
	"fmt"
)

// Kind tags which of the four capture front-ends produced an Interaction.
type Kind string

const (
	KindHTTP Kind = "http"
	KindDNS  Kind = "dns"
	KindSMTP Kind = "smtp"
	KindTCP  Kind = "tcp"
)

// Header is a single entry of an ordered header multimap. Using a slice of
// pairs (instead of map[string][]string) preserves both wire order and
// duplicate header names, per spec.md §3.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HTTPDetail carries the fields specific to a captured HTTP request.
type HTTPDetail struct {
	Method     string   `json:"method"`
	Path       string   `json:"path"`
	Protocol   string   `json:"protocol"`
	Headers    []Header `json:"headers"`
	Body       []byte   `json:"body"`
	Truncated  bool     `json:"truncated"`
	StatusSent int      `json:"status_sent"`
}

// DNSDetail carries the fields specific to a captured DNS query.
type DNSDetail struct {
	Domain    string `json:"domain"`
	QueryType string `json:"query_type"`
	Reply     string `json:"reply"`
}

// SMTPDetail carries the fields specific to a captured SMTP session.
type SMTPDetail struct {
	Frame string `json:"frame"`
}

// TCPDetail carries the fields specific to a captured raw TCP session.
type TCPDetail struct {
	Data      []byte `json:"data"`
	Truncated bool   `json:"truncated"`
}

// Interaction is the canonical captured event. Exactly one of the *Detail
// fields is populated, selected by Kind; this is schema-driven on write
// (MarshalJSON below) and tolerant on read (unknown top-level fields land in
// Extra so older/newer wire formats round-trip without data loss).
type Interaction struct {
	ID   int64  `json:"_id"`
	UID  string `json:"uid"` // owning subdomain
	Date int64  `json:"date"`
	Kind Kind   `json:"type"`

	// CompactRaw is the compact textual rendering used for search (spec.md §3).
	CompactRaw string `json:"raw"`

	PeerIP      string `json:"ip"`
	PeerPort    int    `json:"port"`
	CountryCode string `json:"country"`

	HTTP *HTTPDetail `json:"http,omitempty"`
	DNS  *DNSDetail  `json:"dns,omitempty"`
	SMTP *SMTPDetail `json:"smtp,omitempty"`
	TCP  *TCPDetail  `json:"tcp,omitempty"`

	// Extra preserves fields seen on read that this version of the schema
	// does not recognize, so a round trip never silently drops data.
	Extra map[string]json.RawMessage `json:"-"`
}

// wireEnvelope mirrors Interaction's JSON shape but keeps the unknown-field
// bag separate so UnmarshalJSON can recover it without reflection tricks.
type wireEnvelope Interaction

// MarshalJSON flattens Extra back onto the object, so unknown fields
// preserved on read survive a subsequent write.
func (i Interaction) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(wireEnvelope(i))
	if err != nil {
		return nil, err
	}
	if len(i.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range i.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the known schema fields and stashes everything else
// into Extra.
func (i *Interaction) UnmarshalJSON(data []byte) error {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	*i = Interaction(env)

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	known := map[string]bool{
		"_id": true, "uid": true, "date": true, "type": true, "raw": true,
		"ip": true, "port": true, "country": true,
		"http": true, "dns": true, "smtp": true, "tcp": true,
	}
	for k, v := range all {
		if !known[k] {
			if i.Extra == nil {
				i.Extra = make(map[string]json.RawMessage)
			}
			i.Extra[k] = v
		}
	}
	return nil
}

// Validate reports whether the interaction carries exactly the detail
// payload its Kind requires.
func (i *Interaction) Validate() error {
	switch i.Kind {
	case KindHTTP:
		if i.HTTP == nil {
			return fmt.Errorf("interaction: kind %q requires HTTP detail", i.Kind)
		}
	case KindDNS:
		if i.DNS == nil {
			return fmt.Errorf("interaction: kind %q requires DNS detail", i.Kind)
		}
	case KindSMTP:
		if i.SMTP == nil {
			return fmt.Errorf("interaction: kind %q requires SMTP detail", i.Kind)
		}
	case KindTCP:
		if i.TCP == nil {
			return fmt.Errorf("interaction: kind %q requires TCP detail", i.Kind)
		}
	default:
		return fmt.Errorf("interaction: unknown kind %q", i.Kind)
	}
	return nil
}

// TruncateBody caps body-like byte slices to capBytes, reporting whether
// truncation occurred. Shared by every capture front-end per spec.md's
// "bodies and raw blobs are truncated to a configured cap" invariant.
func TruncateBody(body []byte, capBytes int) ([]byte, bool) {
	if capBytes <= 0 || len(body) <= capBytes {
		return body, false
	}
	out := make([]byte, capBytes)
	copy(out, body[:capBytes])
	return out, true
}
