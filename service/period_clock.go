package service

import (
	"fmt"
	"time"

	"escrowbet/models"
)

const week = 7 * 24 * time.Hour

// PeriodClock derives scoring periods from a fixed epoch
type PeriodClock struct {
	epoch      time.Time
	cycleWeeks int
	now        func() time.Time
}

// NewPeriodClock creates a clock, rejecting a non-positive cycle length
func NewPeriodClock(epoch time.Time, cycleWeeks int) (*PeriodClock, error) {
	if cycleWeeks <= 0 {
		return nil, fmt.Errorf("cycle length must be positive, got %d weeks", cycleWeeks)
	}
	return &PeriodClock{
		epoch:      epoch.UTC(),
		cycleWeeks: cycleWeeks,
		now:        time.Now,
	}, nil
}

// Current returns the period containing the present instant
func (c *PeriodClock) Current() models.Period {
	return c.At(c.now())
}

// At returns the period containing t. Instants before the epoch fall in week 1.
func (c *PeriodClock) At(t time.Time) models.Period {
	p, _ := ComputePeriod(c.epoch, c.cycleWeeks, t)
	return p
}

// ComputePeriod is the pure period derivation: week numbers start at 1 on the epoch,
// cycles group cycleWeeks consecutive weeks and the next rotation is the start of the next week.
func ComputePeriod(epoch time.Time, cycleWeeks int, now time.Time) (models.Period, error) {
	if cycleWeeks <= 0 {
		return models.Period{}, fmt.Errorf("cycle length must be positive, got %d weeks", cycleWeeks)
	}

	elapsed := now.Sub(epoch)
	if elapsed < 0 {
		elapsed = 0
	}

	weekNumber := int(elapsed/week) + 1
	return models.Period{
		WeekNumber:   weekNumber,
		CycleNumber:  (weekNumber-1)/cycleWeeks + 1,
		WeekInCycle:  (weekNumber-1)%cycleWeeks + 1,
		NextRotation: epoch.Add(time.Duration(weekNumber) * week).UTC(),
	}, nil
}
