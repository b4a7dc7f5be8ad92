package util

import (
	"math"
	"math/big"
)

var (
	// Diff1Target is the share target at difficulty 1 (0x00000000ffff0000...).
	Diff1Target = new(big.Int).Lsh(big.NewInt(0xffff), 208)

	diff1Float = new(big.Float).SetInt(Diff1Target)
)

// BitsToDifficulty converts a compact target to a floating point network
// difficulty relative to Diff1Target.
func BitsToDifficulty(bits uint32) float64 {
	mantissa := bits & 0x00ffffff
	if mantissa == 0 {
		return 0
	}

	shift := (bits >> 24) & 0xff
	diff := float64(0x0000ffff) / float64(mantissa)

	for shift < 29 {
		diff *= 256.0
		shift++
	}
	for shift > 29 {
		diff /= 256.0
		shift--
	}

	return diff
}

// CompactToTarget expands a compact target. Negative or overflowing
// encodings yield zero.
func CompactToTarget(compact uint32) *big.Int {
	exponent := uint(compact >> 24)
	mantissa := int64(compact & 0x007fffff)

	if compact&0x00800000 != 0 {
		return new(big.Int)
	}

	target := big.NewInt(mantissa)
	if exponent <= 3 {
		return target.Rsh(target, 8*(3-exponent))
	}
	return target.Lsh(target, 8*(exponent-3))
}

// DifficultyToTarget converts a share difficulty to a 256-bit target.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		return new(big.Int).Set(Diff1Target)
	}
	q := new(big.Float).Quo(diff1Float, big.NewFloat(difficulty))
	target, _ := q.Int(nil)
	return target
}

// TargetToDifficulty converts a 256-bit target to a share difficulty.
func TargetToDifficulty(target *big.Int) float64 {
	if target.Sign() <= 0 {
		return 0
	}
	q := new(big.Float).Quo(diff1Float, new(big.Float).SetInt(target))
	d, _ := q.Float64()
	return d
}

// HashToDifficulty returns the difficulty of a proof-of-work hash given in
// internal (little-endian) byte order.
func HashToDifficulty(hash []byte) float64 {
	if len(hash) != 32 {
		return 0
	}
	n := new(big.Int).SetBytes(ReverseBytesCopy(hash))
	if n.Sign() == 0 {
		return math.Inf(1)
	}
	return TargetToDifficulty(n)
}

// HashMeetsTarget checks a little-endian hash against a big-endian target.
func HashMeetsTarget(hash []byte, target *big.Int) bool {
	if len(hash) != 32 {
		return false
	}
	n := new(big.Int).SetBytes(ReverseBytesCopy(hash))
	return n.Cmp(target) <= 0
}

// RoundDifficulty rounds to the given number of decimals.
func RoundDifficulty(d float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(d*p) / p
}

// Hashrate converts an accepted diff1 share rate (per minute) to hashes per
// second.
func Hashrate(sharesPerMinute float64) float64 {
	return sharesPerMinute * math.Pow(2, 32) / 60
}
