// Package jitter spreads out periodic work so that peers don't act in lockstep.
package jitter

import (
	"math/rand/v2"
	"time"
)

// Range gets a random time interval between these two values: [low,high).
// It returns low if the range is empty.
func Range(low, high time.Duration) time.Duration {
	if high <= low {
		return low
	}
	return low + rand.N(high-low)
}

// Ratio returns the value +/- the floating point value. For instance, for -/+ 25%, pass 0.25.
func Ratio(value time.Duration, by float64) time.Duration {
	d := time.Duration(float64(value) * by)
	return Range(value-d, value+d)
}
