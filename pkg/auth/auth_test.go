package auth

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juanpablocruz/spindle/pkg/session"
)

func pair(t *testing.T, a, b *Authenticator) (errA, errB error) {
	t.Helper()
	x, y := net.Pipe()
	defer x.Close()
	defer y.Close()
	done := make(chan error, 1)
	go func() {
		err := b.Handshake(context.Background(), y, false)
		if err != nil {
			y.Close()
		}
		done <- err
	}()
	errA = a.Handshake(context.Background(), x, true)
	if errA != nil {
		x.Close()
	}
	errB = <-done
	return errA, errB
}

func TestHandshakeSameSession(t *testing.T) {
	sess := session.New()
	errA, errB := pair(t, New(sess, nil), New(sess, nil))
	require.NoError(t, errA)
	require.NoError(t, errB)
}

func TestHandshakeSessionMismatch(t *testing.T) {
	errA, errB := pair(t, New(session.New(), nil), New(session.New(), nil))
	assert.ErrorIs(t, errA, ErrSessionMismatch)
	assert.ErrorIs(t, errB, ErrSessionMismatch)
}

func TestHandshakeKeyfile(t *testing.T) {
	sess := session.New()
	key := []byte("correct horse battery staple")

	errA, errB := pair(t, New(sess, key), New(sess, key))
	require.NoError(t, errA)
	require.NoError(t, errB)

	errA, errB = pair(t, New(sess, key), New(sess, []byte("wrong")))
	assert.ErrorIs(t, errA, ErrAuthFailed)
	assert.ErrorIs(t, errB, ErrAuthFailed)
}

// A keyless dialer cannot talk its way into a keyed session.
func TestHandshakeMissingKey(t *testing.T) {
	sess := session.New()
	errA, errB := pair(t, New(sess, nil), New(sess, []byte("k")))
	assert.Error(t, errA)
	assert.ErrorIs(t, errB, ErrAuthFailed)
}

func TestHandshakeHonoursContext(t *testing.T) {
	x, y := net.Pipe()
	defer x.Close()
	defer y.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(session.New(), nil).Handshake(ctx, x, true)
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestLoadKeyfile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(p, []byte("secret\n"), 0o600))
	k, err := LoadKeyfile(p)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(k))

	require.NoError(t, os.WriteFile(p, []byte("\n"), 0o600))
	_, err = LoadKeyfile(p)
	require.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("keyfile")
	require.NoError(t, err)
	assert.Equal(t, ModeKeyfile, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeNone, m)
	_, err = ParseMode("munge")
	require.Error(t, err)
}
