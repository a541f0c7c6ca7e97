package backoff

import "github.com/pulsegrid/relink/config"

// FromConfig builds the exponential strategy described by the retry
// configuration, honoring its jitter bounds.
func FromConfig(cfg config.Retry) Strategy {
	s := NewExponential(cfg.InitialDelay, cfg.MaxDelay, cfg.BackoffMultiplier)
	s.UseJitter = cfg.UseJitter
	s.JitterMin = cfg.JitterMin
	s.JitterMax = cfg.JitterMax
	return s
}
