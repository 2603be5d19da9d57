package challenge

import (
	"fmt"
	"strings"
)

// RepsPolicy decides what happens when an add crosses the threshold.
type RepsPolicy string

const (
	// RepsCap clamps the daily total at the threshold.
	RepsCap RepsPolicy = "cap"
	// RepsExceedOnce lets the crossing add overshoot; later adds are rejected.
	RepsExceedOnce RepsPolicy = "exceed_once"
)

const (
	DefaultThreshold = 100
	DefaultMaxLives  = 3

	MinReminders = 2
	MaxReminders = 10

	maxNameLen = 64
	maxDelta   = 1000
)

func ParseRepsPolicy(s string) (RepsPolicy, error) {
	switch RepsPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", RepsCap:
		return RepsCap, nil
	case RepsExceedOnce:
		return RepsExceedOnce, nil
	default:
		return "", fmt.Errorf("unknown reps policy %q", s)
	}
}

// Policy holds the challenge rules shared by every participant.
type Policy struct {
	Threshold int
	MaxLives  int
	Reps      RepsPolicy
}

func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold, MaxLives: DefaultMaxLives, Reps: RepsCap}
}

// WithDefaults fills zero fields with the defaults.
func (p Policy) WithDefaults() Policy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultThreshold
	}
	if p.MaxLives <= 0 {
		p.MaxLives = DefaultMaxLives
	}
	if p.Reps == "" {
		p.Reps = RepsCap
	}
	return p
}
