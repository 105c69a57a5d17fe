package config

import (
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/mindhive/annotad/errors"
)

// SetDefaults seeds a viper instance with the documented defaults so a
// partial settings file still yields a runnable configuration.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("global.model_name", "gemini-2.0-flash")
	v.SetDefault("global.request_delay_seconds", 6.0)
	v.SetDefault("global.max_retries", 3)
	v.SetDefault("global.crash_detection_minutes", 2.0)
	v.SetDefault("global.control_check_iterations", 5)
	v.SetDefault("global.control_check_seconds", 30)
	v.SetDefault("global.max_concurrent_workers", 30)
	v.SetDefault("global.rate_limit.requests_per_minute", 15)
	v.SetDefault("global.rate_limit.requests_per_day", 1500)
	v.SetDefault("global.rate_limit.burst_size", 5)
}

// Load reads and validates settings from path. Environment variables
// prefixed ANNOTAD_ override file values (dots become underscores, so
// ANNOTAD_GLOBAL_MODEL_NAME overrides global.model_name).
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetEnvPrefix("ANNOTAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read settings file %s", path)
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal settings from %s", path)
	}
	if err := settings.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid settings in %s", path)
	}
	return &settings, nil
}

// WorkerRef identifies one (annotator, domain) pair.
type WorkerRef struct {
	AnnotatorID int
	Domain      string
}

// EnabledWorkers lists every enabled pair in deterministic order
// (annotator ascending, then domain ascending).
func (s *Settings) EnabledWorkers() []WorkerRef {
	var refs []WorkerRef
	for annotatorKey, domains := range s.Annotators {
		id, err := strconv.Atoi(annotatorKey)
		if err != nil {
			continue
		}
		for domain, spec := range domains {
			if spec.Enabled {
				refs = append(refs, WorkerRef{AnnotatorID: id, Domain: domain})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].AnnotatorID != refs[j].AnnotatorID {
			return refs[i].AnnotatorID < refs[j].AnnotatorID
		}
		return refs[i].Domain < refs[j].Domain
	})
	return refs
}

// AllWorkers lists every configured pair, enabled or not, in the same
// deterministic order as EnabledWorkers.
func (s *Settings) AllWorkers() []WorkerRef {
	var refs []WorkerRef
	for annotatorKey, domains := range s.Annotators {
		id, err := strconv.Atoi(annotatorKey)
		if err != nil {
			continue
		}
		for domain := range domains {
			refs = append(refs, WorkerRef{AnnotatorID: id, Domain: domain})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].AnnotatorID != refs[j].AnnotatorID {
			return refs[i].AnnotatorID < refs[j].AnnotatorID
		}
		return refs[i].Domain < refs[j].Domain
	})
	return refs
}
