// Package token issues resume tokens and hashes job PINs.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"

	"parkwatch/pkg/parking"
)

const (
	resumeName   = "parkwatch_resume"
	resumeMaxAge = 90 * 24 * time.Hour
)

// Claims is the payload carried by a resume token.
type Claims struct {
	JobID string
	Date  parking.Date
	Nonce string
}

// Issuer signs and verifies resume tokens.
type Issuer struct {
	sc *securecookie.SecureCookie
}

// NewIssuer creates an issuer. blockKey may be nil to sign without encrypting.
func NewIssuer(hashKey, blockKey []byte) *Issuer {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(resumeMaxAge.Seconds()))
	return &Issuer{sc: sc}
}

// Issue returns a new single-purpose token for one (job, date) pair.
// Each call yields a different token, so an old token never matches a newer event.
func (i *Issuer) Issue(jobID string, d parking.Date) (string, error) {
	value := map[string]string{
		"job":   jobID,
		"date":  d.String(),
		"nonce": uuid.NewString(),
	}
	encoded, err := i.sc.Encode(resumeName, value)
	if err != nil {
		return "", fmt.Errorf("encode resume token: %w", err)
	}
	return encoded, nil
}

// Parse verifies a token and returns its claims. Forged, truncated or expired
// tokens return parking.ErrInvalidToken.
func (i *Issuer) Parse(tok string) (Claims, error) {
	value := map[string]string{}
	if err := i.sc.Decode(resumeName, tok, &value); err != nil {
		return Claims{}, errors.Join(parking.ErrInvalidToken, err)
	}
	d, err := parking.ParseDate(value["date"])
	if err != nil || value["job"] == "" || value["nonce"] == "" {
		return Claims{}, parking.ErrInvalidToken
	}
	return Claims{JobID: value["job"], Date: d, Nonce: value["nonce"]}, nil
}

// GenerateKey returns a random key for use when none is configured.
// Tokens signed with a generated key do not survive a restart.
func GenerateKey() []byte {
	return securecookie.GenerateRandomKey(32)
}

// HashPIN hashes a job access PIN with bcrypt.
func HashPIN(pin string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash pin: %w", err)
	}
	return string(b), nil
}

// CheckPIN reports whether pin matches hash.
func CheckPIN(hash, pin string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}
