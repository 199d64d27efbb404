// Package token implements the session token service (spec.md §4.1):
// stateless issue/verify of a signed {subdomain, issued_at, key_id} triple,
// plus the optional admin gate for session creation.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformed means the token could not even be parsed.
	ErrMalformed = errors.New("malformed")
	// ErrInvalidSignature means the token parsed but the MAC didn't match.
	ErrInvalidSignature = errors.New("invalid_signature")
	// ErrUnknownKey means the token names a key_id this service doesn't hold.
	ErrUnknownKey = errors.New("unknown_key")
)

// KeySet holds the signing keys a Service verifies against, indexed by
// key_id, supporting rotation: new tokens are signed with Current, but
// tokens signed under any still-listed id continue to verify.
type KeySet struct {
	Current string
	Keys    map[string][]byte
}

// Service issues and verifies session tokens. Tokens do not expire by
// themselves (spec.md §3): they become useless once all subdomain state
// has expired, which this package has no opinion on — verification is pure
// and storage-free.
type Service struct {
	keys KeySet
}

// NewService builds a Service from a key set. Keys[Current] must exist.
func NewService(keys KeySet) (*Service, error) {
	if _, ok := keys.Keys[keys.Current]; !ok {
		return nil, fmt.Errorf("token: current key_id %q not present in key set", keys.Current)
	}
	return &Service{keys: keys}, nil
}

// payload is the fixed binary encoding signed by Issue/Verify:
//
//	[0:8]   issued_at (unix seconds, big-endian)
//	[8:]    subdomain (variable length, ASCII)
const payloadMinLen = 8

// Issue produces a signed, compact token binding subdomain to now.
func (s *Service) Issue(subdomain string) (string, error) {
	now := time.Now().Unix()

	payload := make([]byte, payloadMinLen+len(subdomain))
	binary.BigEndian.PutUint64(payload[:8], uint64(now))
	copy(payload[8:], subdomain)

	mac := hmac.New(sha256.New, s.keys.Keys[s.keys.Current])
	mac.Write(payload)
	sig := mac.Sum(nil)

	enc := base64.RawURLEncoding
	return fmt.Sprintf("%s.%s.%s", s.keys.Current, enc.EncodeToString(payload), enc.EncodeToString(sig)), nil
}

// Verify recovers the subdomain a token was issued for, or one of the
// sentinel errors above. It never touches storage.
func (s *Service) Verify(tok string) (subdomain string, issuedAt time.Time, err error) {
	keyID, payloadPart, sigPart, ok := splitToken(tok)
	if !ok {
		return "", time.Time{}, ErrMalformed
	}

	key, ok := s.keys.Keys[keyID]
	if !ok {
		return "", time.Time{}, ErrUnknownKey
	}

	enc := base64.RawURLEncoding
	payload, err1 := enc.DecodeString(payloadPart)
	sig, err2 := enc.DecodeString(sigPart)
	if err1 != nil || err2 != nil || len(payload) < payloadMinLen {
		return "", time.Time{}, ErrMalformed
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	expected := mac.Sum(nil)
	if subtle.ConstantTimeCompare(expected, sig) != 1 {
		return "", time.Time{}, ErrInvalidSignature
	}

	sec := binary.BigEndian.Uint64(payload[:8])
	return string(payload[8:]), time.Unix(int64(sec), 0), nil
}

func splitToken(tok string) (keyID, payload, sig string, ok bool) {
	first := -1
	second := -1
	for i := 0; i < len(tok); i++ {
		if tok[i] == '.' {
			if first == -1 {
				first = i
			} else {
				second = i
				break
			}
		}
	}
	if first == -1 || second == -1 {
		return "", "", "", false
	}
	return tok[:first], tok[first+1 : second], tok[second+1:], true
}

// AdminGateResult distinguishes the three outcomes spec.md §4.1 requires
// when an admin_token is configured.
type AdminGateResult int

const (
	AdminGateOK AdminGateResult = iota
	AdminGateRequired
	AdminGateInvalid
)

// CheckAdminGate implements the admin gate: if configuredSecret is empty,
// session creation is open. Otherwise the supplied secret (from the JSON
// body or an admin_token cookie) must match.
func CheckAdminGate(configuredSecret, supplied string, suppliedPresent bool) AdminGateResult {
	if configuredSecret == "" {
		return AdminGateOK
	}
	if !suppliedPresent {
		return AdminGateRequired
	}
	if subtle.ConstantTimeCompare([]byte(configuredSecret), []byte(supplied)) != 1 {
		return AdminGateInvalid
	}
	return AdminGateOK
}
