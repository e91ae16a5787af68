package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/juanpablocruz/spindle/pkg/session"
)

// Mode selects how peers prove they belong to the session.
type Mode string

const (
	ModeNone    Mode = "none"
	ModeKeyfile Mode = "keyfile"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNone, "":
		return ModeNone, nil
	case ModeKeyfile:
		return ModeKeyfile, nil
	default:
		return "", fmt.Errorf("auth: unknown security mode %q", s)
	}
}

var (
	ErrAuthFailed      = errors.New("auth: authentication failed")
	ErrSessionMismatch = errors.New("auth: session mismatch")
)

var magic = [4]byte{'S', 'P', 'D', '1'}

const (
	nonceSize = 32
	proofSize = 64

	statusOK     byte = 1
	statusReject byte = 2
)

// Authenticator runs the connection handshake for one session. With an
// empty key only the session id is checked.
type Authenticator struct {
	Session session.ID
	Key     []byte
	Timeout time.Duration
}

func New(sess session.ID, key []byte) *Authenticator {
	return &Authenticator{Session: sess, Key: key, Timeout: 5 * time.Second}
}

// LoadKeyfile reads the shared session key.
func LoadKeyfile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read keyfile: %w", err)
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("auth: keyfile %s is empty", path)
	}
	return b, nil
}

// proof = SHAKE256(key || nonce || session), 64 bytes
func (a *Authenticator) proof(nonce []byte) []byte {
	out := make([]byte, proofSize)
	if len(a.Key) == 0 {
		return out
	}
	in := make([]byte, 0, len(a.Key)+nonceSize+len(a.Session))
	in = append(in, a.Key...)
	in = append(in, nonce...)
	in = append(in, a.Session[:]...)
	sha3.ShakeSum256(out, in)
	return out
}

func (a *Authenticator) verify(nonce, got []byte) bool {
	if len(a.Key) == 0 {
		return true
	}
	return subtle.ConstantTimeCompare(a.proof(nonce), got) == 1
}

// Handshake authenticates c. The dialing side is the initiator. Messages
// strictly alternate so it also works over unbuffered pipes:
//
//	I -> A: magic | session | nonceI
//	A -> I: magic | status | session | nonceA | proof(nonceI)
//	I -> A: proof(nonceA)
//	A -> I: status
func (a *Authenticator) Handshake(ctx context.Context, c net.Conn, initiator bool) error {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Unix(1, 0)) })
	defer func() {
		stop()
		_ = c.SetDeadline(time.Time{})
	}()

	var err error
	if initiator {
		err = a.initiate(c)
	} else {
		err = a.accept(c)
	}
	if err != nil && !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrSessionMismatch) {
		err = fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	return err
}

func (a *Authenticator) initiate(c net.Conn) error {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	hello := make([]byte, 0, 4+16+nonceSize)
	hello = append(hello, magic[:]...)
	hello = append(hello, a.Session[:]...)
	hello = append(hello, nonce[:]...)
	if _, err := c.Write(hello); err != nil {
		return err
	}

	reply := make([]byte, 4+1+16+nonceSize+proofSize)
	if _, err := io.ReadFull(c, reply); err != nil {
		return err
	}
	if !bytes.Equal(reply[:4], magic[:]) {
		return fmt.Errorf("%w: bad magic", ErrAuthFailed)
	}
	if reply[4] != statusOK {
		return ErrSessionMismatch
	}
	if !bytes.Equal(reply[5:21], a.Session[:]) {
		return ErrSessionMismatch
	}
	peerNonce := reply[21 : 21+nonceSize]
	if !a.verify(nonce[:], reply[21+nonceSize:]) {
		return fmt.Errorf("%w: bad peer proof", ErrAuthFailed)
	}
	if _, err := c.Write(a.proof(peerNonce)); err != nil {
		return err
	}

	var verdict [1]byte
	if _, err := io.ReadFull(c, verdict[:]); err != nil {
		return err
	}
	if verdict[0] != statusOK {
		return fmt.Errorf("%w: rejected by peer", ErrAuthFailed)
	}
	return nil
}

func (a *Authenticator) accept(c net.Conn) error {
	hello := make([]byte, 4+16+nonceSize)
	if _, err := io.ReadFull(c, hello); err != nil {
		return err
	}
	if !bytes.Equal(hello[:4], magic[:]) {
		return fmt.Errorf("%w: bad magic", ErrAuthFailed)
	}
	reply := make([]byte, 4+1+16+nonceSize+proofSize)
	copy(reply, magic[:])
	if !bytes.Equal(hello[4:20], a.Session[:]) {
		reply[4] = statusReject
		_, _ = c.Write(reply)
		return ErrSessionMismatch
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	reply[4] = statusOK
	copy(reply[5:21], a.Session[:])
	copy(reply[21:], nonce[:])
	copy(reply[21+nonceSize:], a.proof(hello[20:]))
	if _, err := c.Write(reply); err != nil {
		return err
	}

	peerProof := make([]byte, proofSize)
	if _, err := io.ReadFull(c, peerProof); err != nil {
		return err
	}
	ok := a.verify(nonce[:], peerProof)
	verdict := []byte{statusOK}
	if !ok {
		verdict[0] = statusReject
	}
	if _, err := c.Write(verdict); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: bad peer proof", ErrAuthFailed)
	}
	return nil
}
