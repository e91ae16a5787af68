package node

import (
	"errors"
	"fmt"
)

var (
	ErrRankMismatch = errors.New("node: rank assignments disagree")
	ErrSessionEnded = errors.New("node: session ended")
	ErrUnreachable  = errors.New("node: responsible node unreachable")
	ErrProtocol     = errors.New("node: protocol error")
	ErrBootstrap    = errors.New("node: bootstrap failed")
	ErrIO           = errors.New("node: i/o error")
	ErrNotRoot      = errors.New("node: only the root ends a session")
	ErrRunning      = errors.New("node: already running")
)

// Error codes carried by FILE_ERROR and CLIENT_RESULT.
const (
	CodeOK           uint32 = 0
	CodeNotFound     uint32 = 2
	CodeIO           uint32 = 5
	CodeUnreachable  uint32 = 110
	CodeSessionEnded uint32 = 125
)

// ErrorCode maps an error to the integer clients see.
func ErrorCode(err error) uint32 {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrUnreachable):
		return CodeUnreachable
	case errors.Is(err, ErrSessionEnded):
		return CodeSessionEnded
	default:
		return CodeIO
	}
}

// errorFromCode is the inverse of ErrorCode for codes received from a peer.
func errorFromCode(code uint32) error {
	switch code {
	case CodeUnreachable:
		return ErrUnreachable
	case CodeSessionEnded:
		return ErrSessionEnded
	default:
		return fmt.Errorf("%w: remote code %d", ErrIO, code)
	}
}
