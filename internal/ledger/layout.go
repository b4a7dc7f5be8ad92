// Package ledger implements the pool's durable share and payout records on
// top of a sorted key-value store.
//
// Every key starts with a one-byte tag followed by big-endian fixed-width
// fields, so byte order equals logical order:
//
//	u[username]              user record
//	m[time]                  stats snapshot
//	o[height]                unsettled share
//	O[height]                valid share
//	S[height][merged]        stale share, merged into a later valid height
//	p[time][hash]            payout batch
//	U[userhash][height]      unpaid payment
//	P[userhash][height]      paid payment
//	h[userhash]              per-user paid summary
//	s                        global payment summary
//	b                        contribution backup
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Record tags.
const (
	TagUser        byte = 'u'
	TagStats       byte = 'm'
	TagUnsettled   byte = 'o'
	TagValid       byte = 'O'
	TagStale       byte = 'S'
	TagPayout      byte = 'p'
	TagUnpaid      byte = 'U'
	TagPaid        byte = 'P'
	TagUserSummary byte = 'h'
	TagSummary     byte = 's'
	TagBackup      byte = 'b'
)

// HashSize is the width of block and transaction hashes in keys.
const HashSize = 32

var ErrInvalidKey = errors.New("ledger: invalid key")

// Key is the decoded form of any ledger key. Only the fields used by Tag
// are meaningful.
type Key struct {
	Tag      byte
	Username string
	Time     uint32
	Height   uint32
	Merged   uint32
	Hash     [HashSize]byte
	Userhash Userhash
}

func key1(tag byte, n uint32) []byte {
	k := make([]byte, 5)
	k[0] = tag
	binary.BigEndian.PutUint32(k[1:], n)
	return k
}

func UserKey(username string) []byte {
	k := make([]byte, 1+len(username))
	k[0] = TagUser
	copy(k[1:], username)
	return k
}

func StatsKey(time uint32) []byte { return key1(TagStats, time) }
func UnsettledKey(height uint32) []byte { return key1(TagUnsettled, height) }
func ValidKey(height uint32) []byte { return key1(TagValid, height) }
func SummaryKey() []byte { return []byte{TagSummary} }
func BackupKey() []byte { return []byte{TagBackup} }
func UserSummaryKey(uh Userhash) []byte { return append([]byte{TagUserSummary}, uh[:]...) }
func UnpaidKey(uh Userhash, h uint32) []byte { return userHeightKey(TagUnpaid, uh, h) }
func PaidKey(uh Userhash, h uint32) []byte { return userHeightKey(TagPaid, uh, h) }

func StaleKey(height, merged uint32) []byte {
	k := make([]byte, 9)
	k[0] = TagStale
	binary.BigEndian.PutUint32(k[1:], height)
	binary.BigEndian.PutUint32(k[5:], merged)
	return k
}

func PayoutKey(time uint32, hash [HashSize]byte) []byte {
	k := make([]byte, 5+HashSize)
	k[0] = TagPayout
	binary.BigEndian.PutUint32(k[1:], time)
	copy(k[5:], hash[:])
	return k
}

func userHeightKey(tag byte, uh Userhash, height uint32) []byte {
	k := make([]byte, 1+UserhashSize+4)
	k[0] = tag
	copy(k[1:], uh[:])
	binary.BigEndian.PutUint32(k[1+UserhashSize:], height)
	return k
}

// Range is an inclusive key interval.
type Range struct {
	Gte, Lte []byte
}

// HeightRange spans every key of a height-keyed tag (m, o, O, S).
func HeightRange(tag byte) Range {
	if tag == TagStale {
		return Range{StaleKey(0, 0), StaleKey(math.MaxUint32, math.MaxUint32)}
	}
	return Range{key1(tag, 0), key1(tag, math.MaxUint32)}
}

// HeightsBetween spans heights [min, max] of a single-height tag.
func HeightsBetween(tag byte, min, max uint32) Range {
	return Range{key1(tag, min), key1(tag, max)}
}

// PayoutRange spans every payout batch.
func PayoutRange() Range {
	var lo, hi [HashSize]byte
	for i := range hi {
		hi[i] = 0xff
	}
	return Range{PayoutKey(0, lo), PayoutKey(math.MaxUint32, hi)}
}

// UserRange spans one user's U or P records.
func UserRange(tag byte, uh Userhash) Range {
	return Range{userHeightKey(tag, uh, 0), userHeightKey(tag, uh, math.MaxUint32)}
}

// AllUsersRange spans the U or P records of every user.
func AllUsersRange(tag byte) Range {
	var lo, hi Userhash
	for i := range hi {
		hi[i] = 0xff
	}
	return Range{userHeightKey(tag, lo, 0), userHeightKey(tag, hi, math.MaxUint32)}
}

// UsersRange spans every user record.
func UsersRange() Range {
	return Range{[]byte{TagUser}, []byte{TagUser + 1}}
}

// DecodeKey parses a key produced by one of the builders above.
func DecodeKey(k []byte) (Key, error) {
	if len(k) == 0 {
		return Key{}, ErrInvalidKey
	}

	key := Key{Tag: k[0]}
	body := k[1:]

	switch key.Tag {
	case TagUser:
		if len(body) == 0 {
			return Key{}, fmt.Errorf("%w: empty username", ErrInvalidKey)
		}
		key.Username = string(body)
	case TagStats:
		if len(body) != 4 {
			return Key{}, fmt.Errorf("%w: tag %q length %d", ErrInvalidKey, key.Tag, len(k))
		}
		key.Time = binary.BigEndian.Uint32(body)
	case TagUnsettled, TagValid:
		if len(body) != 4 {
			return Key{}, fmt.Errorf("%w: tag %q length %d", ErrInvalidKey, key.Tag, len(k))
		}
		key.Height = binary.BigEndian.Uint32(body)
	case TagStale:
		if len(body) != 8 {
			return Key{}, fmt.Errorf("%w: tag %q length %d", ErrInvalidKey, key.Tag, len(k))
		}
		key.Height = binary.BigEndian.Uint32(body)
		key.Merged = binary.BigEndian.Uint32(body[4:])
	case TagPayout:
		if len(body) != 4+HashSize {
			return Key{}, fmt.Errorf("%w: tag %q length %d", ErrInvalidKey, key.Tag, len(k))
		}
		key.Time = binary.BigEndian.Uint32(body)
		copy(key.Hash[:], body[4:])
	case TagUnpaid, TagPaid:
		if len(body) != UserhashSize+4 {
			return Key{}, fmt.Errorf("%w: tag %q length %d", ErrInvalidKey, key.Tag, len(k))
		}
		copy(key.Userhash[:], body)
		key.Height = binary.BigEndian.Uint32(body[UserhashSize:])
	case TagUserSummary:
		if len(body) != UserhashSize {
			return Key{}, fmt.Errorf("%w: tag %q length %d", ErrInvalidKey, key.Tag, len(k))
		}
		copy(key.Userhash[:], body)
	case TagSummary, TagBackup:
		if len(body) != 0 {
			return Key{}, fmt.Errorf("%w: tag %q length %d", ErrInvalidKey, key.Tag, len(k))
		}
	default:
		return Key{}, fmt.Errorf("%w: unknown tag %#x", ErrInvalidKey, key.Tag)
	}

	return key, nil
}

// Encode rebuilds the byte key for k.
func (k Key) Encode() []byte {
	switch k.Tag {
	case TagUser:
		return UserKey(k.Username)
	case TagStats:
		return StatsKey(k.Time)
	case TagUnsettled, TagValid:
		return key1(k.Tag, k.Height)
	case TagStale:
		return StaleKey(k.Height, k.Merged)
	case TagPayout:
		return PayoutKey(k.Time, k.Hash)
	case TagUnpaid, TagPaid:
		return userHeightKey(k.Tag, k.Userhash, k.Height)
	case TagUserSummary:
		return UserSummaryKey(k.Userhash)
	default:
		return []byte{k.Tag}
	}
}
