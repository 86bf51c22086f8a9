// Package devicetoken mints and verifies the server-issued opaque device
// identifier used for free-tier quota accounting. The token is a random id
// bound to an HMAC-SHA256 tag; a client cannot forge fresh identities by
// editing the cookie, only delete it (which the quota model accepts: the
// free tier is friction, not security).
package devicetoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidToken is returned when a presented token fails verification.
var ErrInvalidToken = errors.New("devicetoken: invalid token")

// Minter issues and verifies device tokens with a shared HMAC secret.
type Minter struct {
	secret []byte
}

// NewMinter creates a Minter. The secret must be non-empty.
func NewMinter(secret string) (*Minter, error) {
	if secret == "" {
		return nil, fmt.Errorf("device token secret required")
	}
	return &Minter{secret: []byte(secret)}, nil
}

// Mint generates a fresh device token of the form <id>.<tag>.
func (m *Minter) Mint() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	id := base64.RawURLEncoding.EncodeToString(raw)
	return id + "." + m.tag(id), nil
}

// Verify checks the token's tag and returns the device id.
func (m *Minter) Verify(token string) (string, error) {
	id, tag, ok := strings.Cut(token, ".")
	if !ok || id == "" || tag == "" {
		return "", ErrInvalidToken
	}
	if !hmac.Equal([]byte(tag), []byte(m.tag(id))) {
		return "", ErrInvalidToken
	}
	return id, nil
}

func (m *Minter) tag(id string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
