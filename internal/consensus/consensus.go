// Package consensus implements the difficulty and reward controller
// (spec §4.5, C5), generalizing the teacher's pkg/consensus (Bitcoin
// BIP activation heights, 210,000-block halving) to XAI's flatter
// reward/difficulty schedule.
package consensus

import (
	"math"

	"github.com/xai-project/xai-core/internal/amount"
)

// HalvingInterval is the block count between reward halvings.
const HalvingInterval = 262_800

// BaseReward is the whole-coin reward before any halving is applied.
const BaseReward = 12

// Params bounds the difficulty controller (spec §4.5's D_min/D_max and
// the adjustment window W, all configurable).
type Params struct {
	Window         uint64 // W, blocks between difficulty adjustments
	TargetBlockSec int64  // target_block_time
	MinDifficulty  float64
	MaxDifficulty  float64
}

// DefaultParams matches spec §6's defaults (target_block_time=60,
// difficulty_window=2016).
func DefaultParams() Params {
	return Params{
		Window:         2016,
		TargetBlockSec: 60,
		MinDifficulty:  1,
		MaxDifficulty:  math.MaxFloat64 / 4, // leaves headroom for the ×4 clamp multiply
	}
}

// BlockReward computes block_reward(h) = 12 >> (h / 262800), then caps
// it so cumulative minted never exceeds the supply cap: if less than a
// full reward remains the coinbase pays exactly the remainder, and
// every subsequent block pays zero (spec §4.5).
func BlockReward(height uint64, mintedSoFar amount.Amount) amount.Amount {
	halvings := height / HalvingInterval
	var wholeCoins uint64
	if halvings < 64 {
		wholeCoins = BaseReward >> halvings
	}
	reward := amount.Amount(int64(wholeCoins) * amount.Scale)

	remaining := amount.Max - mintedSoFar
	if remaining <= 0 {
		return amount.Zero
	}
	if reward > remaining {
		return remaining
	}
	return reward
}

// NextDifficulty implements spec §4.5's retarget formula:
// D' = clamp(D × t_expected / t_actual, D/4, D×4, D_min, D_max).
// A zero, negative, or non-finite ratio falls back to D unchanged.
func NextDifficulty(current float64, windowFirstTimestamp, windowLastTimestamp int64, p Params) float64 {
	tActual := float64(windowLastTimestamp - windowFirstTimestamp)
	tExpected := float64(p.Window) * float64(p.TargetBlockSec)

	if tActual <= 0 || math.IsNaN(tActual) || math.IsInf(tActual, 0) {
		return current
	}

	ratio := tExpected / tActual
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio <= 0 {
		return current
	}

	next := current * ratio

	lowerClamp := current / 4
	upperClamp := current * 4
	if next < lowerClamp {
		next = lowerClamp
	}
	if next > upperClamp {
		next = upperClamp
	}

	if next < p.MinDifficulty {
		next = p.MinDifficulty
	}
	if p.MaxDifficulty > 0 && next > p.MaxDifficulty {
		next = p.MaxDifficulty
	}
	return next
}

// StreakBonus is the policy plug-in of spec §4.5: a per-miner
// consecutive-day streak contributes up to +5% on top of the base
// reward. C4 checks this as an upper bound, not a mandate, so it is
// exposed as a pure function rather than wired into BlockReward.
func StreakBonus(base amount.Amount, streakDays int) amount.Amount {
	if streakDays <= 0 {
		return 0
	}
	const maxBonusNumerator = 5
	const maxBonusDenominator = 100
	bonus := int64(base) * maxBonusNumerator / maxBonusDenominator
	return amount.Amount(bonus)
}

// MaxRewardWithStreak is the upper bound C4 enforces for a coinbase
// output that claims a streak bonus: base reward plus at most 5%.
func MaxRewardWithStreak(height uint64, mintedSoFar amount.Amount, streakDays int) amount.Amount {
	base := BlockReward(height, mintedSoFar)
	return amount.Add(base, StreakBonus(base, streakDays))
}
