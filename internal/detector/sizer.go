package detector

import "time"

// SizerState is the last transition the sizer made.
type SizerState string

const (
	SizerHold   SizerState = "hold"
	SizerGrow   SizerState = "grow"
	SizerShrink SizerState = "shrink"
)

// SizerConfig bounds the adaptive worker count.
type SizerConfig struct {
	Min     int
	Max     int
	Initial int

	// Grow when the batch success rate is at least GrowSuccessRate and mean
	// latency is at most LatencyLow. Shrink when the rate falls below
	// ShrinkSuccessRate, any request was rate limited, or mean latency
	// exceeds LatencyHigh.
	GrowSuccessRate   float64
	ShrinkSuccessRate float64
	LatencyLow        time.Duration
	LatencyHigh       time.Duration
}

// BatchStats summarises one batch for the sizer.
type BatchStats struct {
	Succeeded   int
	Failed      int
	RateLimited int
	MeanLatency time.Duration
}

// AdaptiveSizer is a clamped additive-increase, multiplicative-decrease
// state machine over the detector's worker count.
type AdaptiveSizer struct {
	cfg   SizerConfig
	size  int
	state SizerState
}

// NewAdaptiveSizer normalises cfg and starts at cfg.Initial.
func NewAdaptiveSizer(cfg SizerConfig) *AdaptiveSizer {
	if cfg.Min < 1 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.GrowSuccessRate == 0 {
		cfg.GrowSuccessRate = 0.95
	}
	if cfg.ShrinkSuccessRate == 0 {
		cfg.ShrinkSuccessRate = 0.8
	}
	return &AdaptiveSizer{cfg: cfg, size: clamp(cfg.Initial, cfg.Min, cfg.Max), state: SizerHold}
}

// Size is the current worker count.
func (s *AdaptiveSizer) Size() int { return s.size }

// State is the last transition.
func (s *AdaptiveSizer) State() SizerState { return s.state }

// Observe feeds one batch and returns the resulting state.
func (s *AdaptiveSizer) Observe(b BatchStats) SizerState {
	total := b.Succeeded + b.Failed
	if total == 0 {
		s.state = SizerHold
		return s.state
	}
	rate := float64(b.Succeeded) / float64(total)

	next := s.size
	switch {
	case b.RateLimited > 0 || rate < s.cfg.ShrinkSuccessRate ||
		(s.cfg.LatencyHigh > 0 && b.MeanLatency > s.cfg.LatencyHigh):
		next = clamp(s.size/2, s.cfg.Min, s.cfg.Max)
	case rate >= s.cfg.GrowSuccessRate && (s.cfg.LatencyLow == 0 || b.MeanLatency <= s.cfg.LatencyLow):
		next = clamp(s.size+1, s.cfg.Min, s.cfg.Max)
	}

	switch {
	case next > s.size:
		s.state = SizerGrow
	case next < s.size:
		s.state = SizerShrink
	default:
		s.state = SizerHold
	}
	s.size = next
	return s.state
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
