package models

import "time"

// Period is the scoring epoch position derived from a fixed epoch instant
type Period struct {
	WeekNumber   int       `json:"week_number"`
	CycleNumber  int       `json:"cycle_number"`
	WeekInCycle  int       `json:"week_in_cycle"`
	NextRotation time.Time `json:"next_rotation"`
}
