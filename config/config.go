// Package config loads and validates the annotad settings surface: the
// JSON settings file shared by supervisor and workers, and the separate
// credentials file mapping annotator identities to API keys.
package config

import (
	"fmt"

	"github.com/mindhive/annotad/errors"
)

// NumAnnotators is the size of the fixed annotator identity set.
const NumAnnotators = 5

// Domains returns the fixed annotation domains in canonical order.
func Domains() []string {
	return []string{"urgency", "therapeutic", "intensity", "adjunct", "modality", "redressal"}
}

// AnnotatorIDs returns the fixed annotator identity set.
func AnnotatorIDs() []int {
	ids := make([]int, 0, NumAnnotators)
	for i := 1; i <= NumAnnotators; i++ {
		ids = append(ids, i)
	}
	return ids
}

// Settings is the full on-disk configuration.
type Settings struct {
	Global     GlobalSettings                 `json:"global" mapstructure:"global"`
	Annotators map[string]map[string]PairSpec `json:"annotators" mapstructure:"annotators"`
}

// GlobalSettings holds knobs shared by every worker.
type GlobalSettings struct {
	ModelName              string    `json:"model_name" mapstructure:"model_name"`
	RequestDelaySeconds    float64   `json:"request_delay_seconds" mapstructure:"request_delay_seconds"`
	MaxRetries             int       `json:"max_retries" mapstructure:"max_retries"`
	CrashDetectionMinutes  float64   `json:"crash_detection_minutes" mapstructure:"crash_detection_minutes"`
	ControlCheckIterations int       `json:"control_check_iterations" mapstructure:"control_check_iterations"`
	ControlCheckSeconds    int       `json:"control_check_seconds" mapstructure:"control_check_seconds"`
	MaxConcurrentWorkers   int       `json:"max_concurrent_workers" mapstructure:"max_concurrent_workers"`
	RateLimit              RateLimit `json:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimit holds the per-credential token bucket parameters.
type RateLimit struct {
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	RequestsPerDay    int `json:"requests_per_day" mapstructure:"requests_per_day"`
	BurstSize         int `json:"burst_size" mapstructure:"burst_size"`
}

// PairSpec configures one (annotator, domain) worker.
type PairSpec struct {
	Enabled     bool `json:"enabled" mapstructure:"enabled"`
	TargetCount int  `json:"target_count" mapstructure:"target_count"`
}

// Pair looks up the spec for an (annotator, domain) pair. Unconfigured
// pairs are disabled with a zero target.
func (s *Settings) Pair(annotatorID int, domain string) PairSpec {
	if annotator, ok := s.Annotators[fmt.Sprintf("%d", annotatorID)]; ok {
		if spec, ok := annotator[domain]; ok {
			return spec
		}
	}
	return PairSpec{}
}

// Validate checks the ranges the rest of the system depends on.
func (s *Settings) Validate() error {
	g := s.Global
	if g.ModelName == "" {
		return errors.New("global.model_name must not be empty")
	}
	if g.RequestDelaySeconds < 0.1 || g.RequestDelaySeconds > 60 {
		return errors.Newf("global.request_delay_seconds out of range (0.1..60): %v", g.RequestDelaySeconds)
	}
	if g.MaxRetries < 0 || g.MaxRetries > 10 {
		return errors.Newf("global.max_retries out of range (0..10): %d", g.MaxRetries)
	}
	if g.CrashDetectionMinutes < 1 || g.CrashDetectionMinutes > 60 {
		return errors.Newf("global.crash_detection_minutes out of range (1..60): %v", g.CrashDetectionMinutes)
	}
	if g.ControlCheckIterations < 1 || g.ControlCheckIterations > 100 {
		return errors.Newf("global.control_check_iterations out of range (1..100): %d", g.ControlCheckIterations)
	}
	if g.ControlCheckSeconds < 1 || g.ControlCheckSeconds > 300 {
		return errors.Newf("global.control_check_seconds out of range (1..300): %d", g.ControlCheckSeconds)
	}
	if g.MaxConcurrentWorkers < 1 {
		return errors.Newf("global.max_concurrent_workers must be positive: %d", g.MaxConcurrentWorkers)
	}
	if g.RateLimit.RequestsPerMinute < 1 || g.RateLimit.RequestsPerDay < 1 || g.RateLimit.BurstSize < 1 {
		return errors.New("global.rate_limit values must be positive")
	}

	for annotatorKey, domains := range s.Annotators {
		for domain, spec := range domains {
			if spec.TargetCount < 0 || spec.TargetCount > 100000 {
				return errors.Newf("annotators.%s.%s.target_count out of range (0..100000): %d",
					annotatorKey, domain, spec.TargetCount)
			}
		}
	}
	return nil
}
