package tts

import (
	"fmt"
	"strconv"
)

// MaxTextSize is the longest text accepted in one request.
const MaxTextSize = 5000

// Rate bounds.
const (
	MinRate = 0.5
	MaxRate = 2.0
)

// RateSteps are the rates a player typically offers.
var RateSteps = []float64{0.5, 0.75, 1.0, 1.25, 1.5, 1.75, 2.0}

// ValidateRate checks rate is within MinRate and MaxRate.
func ValidateRate(rate float64) error {
	if rate < MinRate || rate > MaxRate {
		return fmt.Errorf("%w: got %.2f", ErrInvalidRate, rate)
	}
	return nil
}

// LengthScale converts a rate to Piper's --length_scale. Piper uses inverse
// scaling: a faster rate is a smaller length scale.
func LengthScale(rate float64) string {
	if rate <= 0 {
		rate = 1
	}
	return fmt.Sprintf("%.2f", 1.0/rate)
}

// FormatRate renders a rate for display, e.g. "1.25x".
func FormatRate(rate float64) string {
	return strconv.FormatFloat(rate, 'f', -1, 64) + "x"
}
