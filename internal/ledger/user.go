package ledger

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

const UserVersion = 1

var ErrUserExists = errors.New("ledger: user already exists")

// User is a pool login. Password holds a blake3-256 digest.
type User struct {
	Version  uint32
	Username string
	Password [32]byte
}

// HashPassword returns the stored digest of a plaintext password.
func HashPassword(password string) [32]byte {
	return blake3.Sum256([]byte(password))
}

func NewUser(username, password string) *User {
	return &User{
		Version:  UserVersion,
		Username: username,
		Password: HashPassword(password),
	}
}

// NewUserFromHash builds a user from a hex digest, as exported by
// operators.
func NewUserFromHash(username, digest string) (*User, error) {
	b, err := hex.DecodeString(digest)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("password hash must be 32 bytes, got %d", len(b))
	}
	u := &User{Version: UserVersion, Username: username}
	copy(u.Password[:], b)
	return u, nil
}

// Verify compares password against the stored digest in constant time.
func (u *User) Verify(password string) bool {
	h := HashPassword(password)
	return subtle.ConstantTimeCompare(h[:], u.Password[:]) == 1
}

func EncodeUser(u *User) []byte {
	w := newWriter(4 + 32 + len(u.Username))
	w.u32(u.Version)
	w.bytes(u.Password[:])
	w.bytes([]byte(u.Username))
	return w.buf
}

func DecodeUser(raw []byte) (*User, error) {
	r := newReader(raw)
	u := &User{}
	u.Version = r.u32()
	u.Password = r.hash()
	u.Username = string(r.next(r.left()))
	if r.err != nil {
		return nil, fmt.Errorf("decode user: %w", r.err)
	}
	return u, nil
}
