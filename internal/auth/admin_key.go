package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// AdminKeyHeader carries the shared administrator secret.
const AdminKeyHeader = "x-admin-key"

var (
	ErrAdminKeyNotConfigured = errors.New("admin key: not configured")
	ErrAdminKeyMismatch      = errors.New("admin key: invalid")
)

// AdminKeyVerifier compares supplied keys against the configured secret.
type AdminKeyVerifier struct {
	key []byte
}

// NewAdminKeyVerifier builds a verifier. An empty or blank key yields a
// verifier that rejects every request with ErrAdminKeyNotConfigured.
func NewAdminKeyVerifier(key string) *AdminKeyVerifier {
	if strings.TrimSpace(key) == "" {
		return &AdminKeyVerifier{}
	}
	return &AdminKeyVerifier{key: []byte(key)}
}

// Configured reports whether an admin key is set.
func (v *AdminKeyVerifier) Configured() bool {
	return v != nil && len(v.key) > 0
}

// Verify compares the supplied key byte for byte in constant time.
func (v *AdminKeyVerifier) Verify(supplied string) error {
	if !v.Configured() {
		return ErrAdminKeyNotConfigured
	}
	if subtle.ConstantTimeCompare(v.key, []byte(supplied)) != 1 {
		return ErrAdminKeyMismatch
	}
	return nil
}

// VerifyRequest reads AdminKeyHeader from the request and verifies it.
func (v *AdminKeyVerifier) VerifyRequest(r *http.Request) error {
	if r == nil {
		return ErrAdminKeyMismatch
	}
	return v.Verify(r.Header.Get(AdminKeyHeader))
}
