package hash

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Hash32 is a sha256 digest. Its text form is 64 lowercase hex chars without prefix.
type Hash32 [32]byte

var (
	ErrInvalidHex   = errors.New("invalid hex")
	ErrInvalidLen   = errors.New("invalid hash length")
	ErrEmptyHashStr = errors.New("empty hash string")
)

// Hex returns 64 lowercase hex chars.
func (h Hash32) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash32) String() string { return h.Hex() }

func (h Hash32) IsZero() bool {
	var z Hash32
	return h == z
}

func FromBytes(b []byte) (Hash32, error) {
	if len(b) != 32 {
		return Hash32{}, fmt.Errorf("%w: %d", ErrInvalidLen, len(b))
	}
	var h Hash32
	copy(h[:], b)
	return h, nil
}

// Parse accepts 64 hex chars, with or without 0x, any case.
func Parse(s string) (Hash32, error) {
	var h Hash32

	s = strings.TrimSpace(s)
	if s == "" {
		return h, ErrEmptyHashStr
	}
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != 64 {
		return h, fmt.Errorf("%w: want 64 hex chars, got %d", ErrInvalidLen, len(s))
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash32) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

func (h *Hash32) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func (h Hash32) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

func (h *Hash32) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*h = Hash32{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return h.UnmarshalText([]byte(s))
}
