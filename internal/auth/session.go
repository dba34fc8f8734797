// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for any token that does not resolve to a user.
var ErrInvalidToken = errors.New("invalid auth token")

// JWT signs and verifies EdDSA tokens whose "sub" claim is a user id.
type JWT struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey

	// ttl of issued tokens; 0 means no exp claim.
	ttl time.Duration
}

// ParseExpireTime reads a TOKEN_EXPIRE_TIME value: "", "0" and "never" mean
// tokens do not expire, anything else is a time.Duration.
func ParseExpireTime(v string) (time.Duration, error) {
	if v == "" || v == "0" || v == "never" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token expire time: %w", err)
	}
	return d, nil
}

func New(privateKey ed25519.PrivateKey, publicKey ed25519.PublicKey, ttl time.Duration) *JWT {
	return &JWT{privateKey: privateKey, publicKey: publicKey, ttl: ttl}
}

// NewEphemeral generates a fresh key pair. Tokens do not survive a restart.
func NewEphemeral(ttl time.Duration) (*JWT, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return New(privateKey, publicKey, ttl), nil
}

// LoadKeys reads raw ed25519 keys from disk.
func LoadKeys(privatePath, publicPath string, ttl time.Duration) (*JWT, error) {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	if len(privateKeyData) != ed25519.PrivateKeySize || len(publicKeyData) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 keys must be %d and %d raw bytes", ed25519.PrivateKeySize, ed25519.PublicKeySize)
	}
	return New(ed25519.PrivateKey(privateKeyData), ed25519.PublicKey(publicKeyData), ttl), nil
}

// Sign issues a token for userID.
func (j *JWT) Sign(userID uuid.UUID) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"iat": time.Now().Unix(),
	}
	if j.ttl > 0 {
		claims["exp"] = time.Now().Add(j.ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(j.privateKey)
}

// ResolveUserID verifies token and returns its subject.
func (j *JWT) ResolveUserID(token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	t, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.publicKey, nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !t.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	sub, err := t.Claims.GetSubject()
	if err != nil || sub == "" {
		return uuid.Nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: sub is not a user id", ErrInvalidToken)
	}
	return id, nil
}
