package service

import "math/rand/v2"

// Sampler is a probabilistic admission filter. Rates of exactly 0 and 1 skip
// the random draw so the hot path stays deterministic.
type Sampler struct {
	randFloat func() float64
}

func NewSampler() *Sampler {
	return &Sampler{randFloat: rand.Float64}
}

// NewSamplerWithSource uses a caller-supplied randomness source.
func NewSamplerWithSource(randFloat func() float64) *Sampler {
	return &Sampler{randFloat: randFloat}
}

// Admit reports whether an event at the given sample rate should be captured.
func (s *Sampler) Admit(rate float64) bool {
	if rate >= 1.0 {
		return true
	}
	if rate <= 0.0 {
		return false
	}
	return s.randFloat() < rate
}
