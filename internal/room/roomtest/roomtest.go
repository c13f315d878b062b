// Package roomtest holds helpers for tests that drive rooms through real
// room.Client sessions.
package roomtest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/MutableTeam/mutable-lobby/internal/protocol"
	"github.com/MutableTeam/mutable-lobby/internal/room"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// Wait is the default receive timeout.
const Wait = time.Second

// Logger returns a quiet logger for tests.
func Logger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

// NewClient builds a session with a roomy buffer so tests never drop frames.
func NewClient(name string) *room.Client {
	return room.NewClient(name, 256, Logger())
}

// Recv receives one envelope or fails the test.
func Recv(t *testing.T, c *room.Client, within time.Duration) protocol.Envelope {
	t.Helper()
	select {
	case env := <-c.Out():
		return env
	case <-time.After(within):
		t.Fatalf("timed out waiting for a message for %s", c.Username)
		return protocol.Envelope{}
	}
}

// RecvType skips envelopes until one of type typ arrives.
func RecvType(t *testing.T, c *room.Client, typ string, within time.Duration) protocol.Envelope {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case env := <-c.Out():
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for '%s' for %s", typ, c.Username)
			return protocol.Envelope{}
		}
	}
}

// RecvInto receives the next typ envelope and decodes its data into v.
func RecvInto(t *testing.T, c *room.Client, typ string, v interface{}) protocol.Envelope {
	t.Helper()
	env := RecvType(t, c, typ, Wait)
	require.NoError(t, json.Unmarshal(env.Data, v), "decode %s", typ)
	return env
}

// NoMessage asserts that nothing of type typ arrives within d.
func NoMessage(t *testing.T, c *room.Client, typ string, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case env := <-c.Out():
			if env.Type == typ {
				t.Fatalf("unexpected '%s' for %s: %s", typ, c.Username, string(env.Data))
			}
		case <-deadline:
			return
		}
	}
}

// Drain discards everything currently buffered.
func Drain(c *room.Client) {
	for {
		select {
		case <-c.Out():
		default:
			return
		}
	}
}

// Raw marshals v for use as join options or message data.
func Raw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
