package stratum

import "math"

const (
	// BanScore is the decayed score at which a session is banned
	BanScore = 1000
	// SharesPerMinute is both the retarget cadence and the rate vardiff aims for
	SharesPerMinute = 8

	banDecay        = 1 - 1.0/60000
	retargetSlackMs = 5000
	maxDifficulty   = float64(math.MaxUint32)
)

// decayBanScore applies exponential decay over elapsedMs to score and adds
// penalty
func decayBanScore(score float64, elapsedMs int64, penalty float64) float64 {
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	return score*math.Pow(banDecay, float64(elapsedMs)) + penalty
}

// retargetDifficulty computes the next difficulty after submissions shares
// took actualMs. It returns false when no change is due: the count is not
// on a retarget boundary or the interval is within the slack window.
func retargetDifficulty(diff float64, submissions int, actualMs int64, max float64) (float64, bool) {
	if submissions == 0 || submissions%SharesPerMinute != 0 {
		return 0, false
	}

	target := float64(submissions/SharesPerMinute) * 60000
	actual := float64(actualMs)

	if max > maxDifficulty {
		max = maxDifficulty
	}

	if math.Abs(target-actual) <= retargetSlackMs {
		return 0, false
	}

	if actual < target/4 {
		actual = target / 4
	}
	if actual > target*4 {
		actual = target * 4
	}

	next := 0x100000000 / diff
	next *= actual
	next /= target
	next = float64(uint32(uint64(0x100000000 / next)))
	next = math.Min(max, next)
	next = math.Max(1, next)
	return next, true
}
