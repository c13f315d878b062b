package auth

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeatTokenRoundTrip(t *testing.T) {
	s, err := NewSigner()
	require.NoError(t, err)

	token, expires, err := s.IssueSeat("session-1", "room-1", "lobby-1", 30*time.Second)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), expires, time.Second)

	sub, err := s.VerifySeat(token, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "session-1", sub)
}

func TestSeatTokenRejections(t *testing.T) {
	s, err := NewSigner()
	require.NoError(t, err)
	token, _, err := s.IssueSeat("session-1", "room-1", "lobby-1", time.Minute)
	require.NoError(t, err)

	_, err = s.VerifySeat(token, "room-2")
	assert.ErrorIs(t, err, ErrInvalidSeat)

	other, err := NewSigner()
	require.NoError(t, err)
	_, err = other.VerifySeat(token, "room-1")
	assert.ErrorIs(t, err, ErrInvalidSeat)

	_, err = s.VerifySeat("not-a-token", "room-1")
	assert.ErrorIs(t, err, ErrInvalidSeat)
}

func TestSeatTokenExpires(t *testing.T) {
	s, err := NewSigner()
	require.NoError(t, err)
	token, _, err := s.IssueSeat("session-1", "room-1", "lobby-1", time.Minute)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = s.VerifySeat(token, "room-1")
	assert.ErrorIs(t, err, ErrInvalidSeat)
}

func writeKeys(t *testing.T) (privatePath, publicPath string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	dir := t.TempDir()
	privatePath = filepath.Join(dir, "seat.key")
	publicPath = filepath.Join(dir, "seat.pub")
	require.NoError(t, os.WriteFile(privatePath, priv, 0o600))
	require.NoError(t, os.WriteFile(publicPath, pub, 0o644))
	return privatePath, publicPath
}

func TestSignerFromKeyFiles(t *testing.T) {
	privatePath, publicPath := writeKeys(t)

	a, err := NewSignerFromPath(privatePath, publicPath)
	require.NoError(t, err)
	b, err := NewSignerFromPath(privatePath, publicPath)
	require.NoError(t, err)

	// tokens outlive the signer that issued them when the keys are shared
	token, _, err := a.IssueSeat("session-1", "room-1", "lobby-1", time.Minute)
	require.NoError(t, err)
	sub, err := b.VerifySeat(token, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "session-1", sub)
}

func TestSignerFromKeyFilesRejectsBadKeys(t *testing.T) {
	privatePath, _ := writeKeys(t)
	_, otherPublic := writeKeys(t)

	_, err := NewSignerFromPath(privatePath, otherPublic)
	assert.Error(t, err)

	short := filepath.Join(t.TempDir(), "short.pub")
	require.NoError(t, os.WriteFile(short, []byte("nope"), 0o644))
	_, err = NewSignerFromPath(privatePath, short)
	assert.Error(t, err)

	_, err = NewSignerFromPath(filepath.Join(t.TempDir(), "missing"), short)
	assert.Error(t, err)
}
