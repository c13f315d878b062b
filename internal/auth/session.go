// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSeat is returned for tokens that fail verification or belong to
// another room or session.
var ErrInvalidSeat = errors.New("invalid seat token")

// SeatClaims are carried by a seat reservation token.
type SeatClaims struct {
	RoomID  string `json:"room"`
	LobbyID string `json:"lobby"`
	jwt.RegisteredClaims
}

// Signer issues and verifies seat reservation tokens with an ed25519 key pair.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	now        func() time.Time
}

// NewSigner generates a fresh ed25519 key pair at runtime. Tokens do not
// survive a restart, which matches the lifetime of the rooms they address.
func NewSigner() (*Signer, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return &Signer{privateKey: privateKey, publicKey: publicKey, now: time.Now}, nil
}

// NewSignerFromPath reads ed25519 private/public keys from file.
func NewSignerFromPath(privatePath, publicPath string) (*Signer, error) {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	if len(privateKeyData) != ed25519.PrivateKeySize || len(publicKeyData) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key files are not raw ed25519 keys")
	}
	privateKey := ed25519.PrivateKey(privateKeyData)
	publicKey := ed25519.PublicKey(publicKeyData)
	if !publicKey.Equal(privateKey.Public()) {
		return nil, fmt.Errorf("public key does not match private key")
	}
	return &Signer{privateKey: privateKey, publicKey: publicKey, now: time.Now}, nil
}

// IssueSeat creates a token reserving sessionID's seat in roomID until ttl
// elapses.
func (s *Signer) IssueSeat(sessionID, roomID, lobbyID string, ttl time.Duration) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(ttl)
	claims := SeatClaims{
		RoomID:  roomID,
		LobbyID: lobbyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign seat token: %w", err)
	}
	return signed, expires, nil
}

// VerifySeat checks that tokenString reserves a seat in roomID and returns
// the session id it was issued to.
func (s *Signer) VerifySeat(tokenString, roomID string) (string, error) {
	var claims SeatClaims
	t, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.publicKey, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSeat, err)
	}
	if !t.Valid {
		return "", ErrInvalidSeat
	}
	if claims.RoomID != roomID {
		return "", fmt.Errorf("%w: issued for another room", ErrInvalidSeat)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub", ErrInvalidSeat)
	}
	return claims.Subject, nil
}
