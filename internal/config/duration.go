package config

import (
	"fmt"
	"strings"
	"time"

	"reposentinel/internal/retry"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Policy builds a retry policy. Fields left empty keep def's values.
func (r RetryConfig) Policy(path string, def retry.Policy) (retry.Policy, error) {
	p := def
	if r.MaxAttempts < 0 {
		return p, fmt.Errorf("%s.max_attempts: must be >= 0", path)
	}
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	var err error
	if p.Base, err = ParseDurationOrDefault(path+".base", r.Base, def.Base); err != nil {
		return p, err
	}
	if p.MaxDelay, err = ParseDurationOrDefault(path+".max_delay", r.MaxDelay, def.MaxDelay); err != nil {
		return p, err
	}
	if r.Jitter != nil {
		if *r.Jitter < 0 || *r.Jitter > 1 {
			return p, fmt.Errorf("%s.jitter: must be within [0, 1]", path)
		}
		p.Jitter = *r.Jitter
	}
	return p, nil
}
