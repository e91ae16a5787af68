// Package bin holds the big-endian field codecs message payloads are built
// from: fixed integers, u32-length-prefixed byte strings and bounded paths.
package bin

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// MaxString bounds a decoded path or host template.
const MaxString = 4096

var ErrStringTooLong = errors.New("bin: string too long")

func PutU8(b *bytes.Buffer, v uint8) error { return b.WriteByte(v) }

func PutU32(b *bytes.Buffer, v uint32) error {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	_, err := b.Write(tmp[:])
	return err
}

func PutI32(b *bytes.Buffer, v int32) error { return PutU32(b, uint32(v)) }

func GetU8(r *bytes.Reader) (uint8, error) {
	v, err := r.ReadByte()
	if err == io.EOF {
		return 0, io.ErrUnexpectedEOF
	}
	return v, err
}

func GetU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, unexpected(err)
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func GetI32(r *bytes.Reader) (int32, error) {
	v, err := GetU32(r)
	return int32(v), err
}

// PutBytes writes | len u32 | p |.
func PutBytes(b *bytes.Buffer, p []byte) error {
	if uint64(len(p)) > uint64(^uint32(0)) {
		return errors.New("bin: byte string too long")
	}
	if err := PutU32(b, uint32(len(p))); err != nil {
		return err
	}
	_, err := b.Write(p)
	return err
}

func GetBytes(r *bytes.Reader) ([]byte, error) {
	n, err := GetU32(r)
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(r.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, unexpected(err)
	}
	return buf, nil
}

func PutString(b *bytes.Buffer, s string) error {
	if len(s) > MaxString {
		return ErrStringTooLong
	}
	return PutBytes(b, []byte(s))
}

// GetString rejects lengths over MaxString before allocating.
func GetString(r *bytes.Reader) (string, error) {
	n, err := GetU32(r)
	if err != nil {
		return "", err
	}
	if n > MaxString {
		return "", ErrStringTooLong
	}
	if uint64(n) > uint64(r.Len()) {
		return "", io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", unexpected(err)
	}
	return string(buf), nil
}

func GetFixed(r *bytes.Reader, dst []byte) error {
	_, err := io.ReadFull(r, dst)
	return unexpected(err)
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
