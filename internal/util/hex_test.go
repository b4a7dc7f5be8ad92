package util

import (
	"strings"
	"testing"
)

func TestHex32(t *testing.T) {
	tests := []struct {
		in   uint32
		want string
	}{
		{0, "00000000"},
		{1, "00000001"},
		{0xdeadbeef, "deadbeef"},
	}
	for _, tt := range tests {
		if got := Hex32(tt.in); got != tt.want {
			t.Errorf("Hex32(%d) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestIsHex(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"00ff", true},
		{"ABcd", true},
		{"abc", false},
		{"", false},
		{"zz", false},
	}
	for _, tt := range tests {
		if got := IsHex(tt.in); got != tt.want {
			t.Errorf("IsHex(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSwap32Hex(t *testing.T) {
	in := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	if got := Swap32Hex(in); got != "0403020108070605" {
		t.Errorf("Swap32Hex = %s", got)
	}
	if in[0] != 0x01 {
		t.Error("Swap32Hex modified its input")
	}
}

func TestFieldValidators(t *testing.T) {
	if !IsJobID("1700000000:1") {
		t.Error("IsJobID rejected a valid id")
	}
	if IsJobID("1:1") {
		t.Error("IsJobID accepted a short id")
	}
	if !IsSID("0000000a") || IsSID("0000000") {
		t.Error("IsSID mismatch")
	}
	if IsUsername("") || !IsUsername("alice") {
		t.Error("IsUsername mismatch")
	}
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'x'
	}
	if IsPassword(string(long)) || !IsPassword(string(long[:255])) {
		t.Error("IsPassword length bounds mismatch")
	}
	if IsAgent("") {
		t.Error("IsAgent accepted empty agent")
	}
}

func TestReverseBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	c := ReverseBytesCopy(b)
	if c[0] != 3 || b[0] != 1 {
		t.Errorf("ReverseBytesCopy = %v (input %v)", c, b)
	}
	ReverseBytes(b)
	if b[0] != 3 || b[2] != 1 {
		t.Errorf("ReverseBytes = %v", b)
	}
}

func TestParseHex32(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"00000000", 0, false},
		{"0000002a", 42, false},
		{"FFFFFFFF", 0xffffffff, false},
		{"2a", 0, true},
		{"zzzzzzzz", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseHex32(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseHex32(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseHex32(%q) = %d, want %d", tt.in, got, tt.want)
		}
		if !tt.wantErr && Hex32(got) != strings.ToLower(tt.in) {
			t.Errorf("Hex32(ParseHex32(%q)) = %s", tt.in, Hex32(got))
		}
	}
}
