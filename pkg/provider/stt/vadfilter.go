package stt

import "math"

// DefaultVADThreshold is the RMS level used when Options.VADThreshold is zero.
const DefaultVADThreshold = 0.01

// Silent reports whether an Options-configured VAD filter would skip samples.
// It always returns false when the filter is disabled.
func (o Options) Silent(samples []float32) bool {
	if !o.VADFilter {
		return false
	}
	threshold := o.VADThreshold
	if threshold <= 0 {
		threshold = DefaultVADThreshold
	}
	return rms(samples) < threshold
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
