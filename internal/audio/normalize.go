package audio

import "math"

// Normalize returns a copy of samples scaled so the peak absolute amplitude
// is 1.0. Silent input is returned unchanged (as a copy).
func Normalize(samples []float32) []float32 {
	out := make([]float32, len(samples))
	var peak float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		copy(out, samples)
		return out
	}
	scale := 1 / peak
	for i, s := range samples {
		out[i] = float32(float64(s) * scale)
	}
	return out
}
