package service

import "math/rand/v2"

// BonusRoller grants a bonus slot to a won bet with a fixed probability.
// The bonus never affects the payout amount.
type BonusRoller struct {
	source      RandomSource
	probability float64
}

type globalRandom struct{}

func (globalRandom) Float64() float64 { return rand.Float64() }

// NewBonusRoller creates a roller; a nil source uses the process-wide generator
func NewBonusRoller(source RandomSource, probability float64) *BonusRoller {
	if source == nil {
		source = globalRandom{}
	}
	return &BonusRoller{source: source, probability: probability}
}

// Roll grants the bonus when the drawn value is strictly below the probability
func (b *BonusRoller) Roll() bool {
	if b == nil || b.probability <= 0 {
		return false
	}
	return b.source.Float64() < b.probability
}
