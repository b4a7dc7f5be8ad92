package util

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
)

var hexPattern = regexp.MustCompile(`^[0-9A-Fa-f]+$`)

// IsHex reports whether s is a non-empty, even-length hex string.
func IsHex(s string) bool {
	return len(s)%2 == 0 && hexPattern.MatchString(s)
}

// Hex32 formats n as 8 lowercase hex characters.
func Hex32(n uint32) string {
	return fmt.Sprintf("%08x", n)
}

// Uint32BE returns n as 4 big-endian bytes.
func Uint32BE(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

// ParseHex32 parses 8 hex characters as a big-endian uint32.
func ParseHex32(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("hex32 %q: want 8 characters", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReverseBytes reverses a byte slice in place
func ReverseBytes(b []byte) []byte {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

// ReverseBytesCopy returns a reversed copy of a byte slice
func ReverseBytesCopy(b []byte) []byte {
	result := make([]byte, len(b))
	for i, j := 0, len(b)-1; j >= 0; i, j = i+1, j-1 {
		result[i] = b[j]
	}
	return result
}

// Swap32Hex reverses the byte order of every 4-byte word, the encoding
// stratum miners expect for the previous block hash.
func Swap32Hex(b []byte) string {
	out := make([]byte, len(b))
	copy(out, b)
	for i := 0; i+4 <= len(out); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = out[i+3], out[i+2], out[i+1], out[i]
	}
	return hex.EncodeToString(out)
}

// Field validators for stratum parameters.

func IsJobID(id string) bool {
	return len(id) >= 12 && len(id) <= 21
}

func IsSID(sid string) bool {
	return len(sid) == 8 && IsHex(sid)
}

func IsUsername(username string) bool {
	return len(username) > 0 && len(username) <= 100
}

func IsPassword(password string) bool {
	return len(password) > 0 && len(password) <= 255
}

func IsAgent(agent string) bool {
	return len(agent) > 0 && len(agent) <= 255
}
