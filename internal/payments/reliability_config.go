package payments

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ReliabilityConfig bundles retry and breaker settings for one downstream
// dependency, loaded from env vars under a shared prefix (e.g. ENROLLMENT).
type ReliabilityConfig struct {
	RetryMaxRetries         int
	RetryInitialDelay       time.Duration
	RetryMaxDelay           time.Duration
	RetryBackoffMultiplier  float64
	RetryJitter             bool
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerOpenDuration     time.Duration
	BreakerCallTimeout      time.Duration
}

// DefaultReliability returns the settings used when a dependency has no env
// overrides.
func DefaultReliability() ReliabilityConfig {
	return ReliabilityConfig{
		RetryMaxRetries:         2,
		RetryInitialDelay:       200 * time.Millisecond,
		RetryMaxDelay:           2 * time.Second,
		RetryBackoffMultiplier:  2,
		RetryJitter:             true,
		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 2,
		BreakerOpenDuration:     30 * time.Second,
		BreakerCallTimeout:      10 * time.Second,
	}
}

// LoadReliabilityConfig reads every setting for a dependency from env. All
// vars are required once the prefix is in use; partially configured
// dependencies fail loudly instead of mixing defaults silently.
func LoadReliabilityConfig(prefix string) (ReliabilityConfig, error) {
	cfg := ReliabilityConfig{}
	var err error

	if cfg.RetryMaxRetries, err = parseRequiredInt(prefix + "_RETRY_MAX_RETRIES"); err != nil {
		return cfg, err
	}
	if cfg.RetryInitialDelay, err = parseRequiredDuration(prefix + "_RETRY_INITIAL_DELAY"); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = parseRequiredDuration(prefix + "_RETRY_MAX_DELAY"); err != nil {
		return cfg, err
	}
	if cfg.RetryBackoffMultiplier, err = parseRequiredFloat(prefix + "_RETRY_BACKOFF_MULTIPLIER"); err != nil {
		return cfg, err
	}
	if cfg.RetryJitter, err = parseRequiredBool(prefix + "_RETRY_JITTER"); err != nil {
		return cfg, err
	}
	if cfg.BreakerFailureThreshold, err = parseRequiredInt(prefix + "_BREAKER_FAILURE_THRESHOLD"); err != nil {
		return cfg, err
	}
	if cfg.BreakerSuccessThreshold, err = parseRequiredInt(prefix + "_BREAKER_SUCCESS_THRESHOLD"); err != nil {
		return cfg, err
	}
	if cfg.BreakerOpenDuration, err = parseRequiredDuration(prefix + "_BREAKER_OPEN_DURATION"); err != nil {
		return cfg, err
	}
	if cfg.BreakerCallTimeout, err = parseRequiredDuration(prefix + "_BREAKER_CALL_TIMEOUT"); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// ReliabilityConfigured reports whether any env override exists for a prefix.
func ReliabilityConfigured(prefix string) bool {
	return strings.TrimSpace(os.Getenv(prefix+"_RETRY_MAX_RETRIES")) != ""
}

// RetryPolicy converts the config into an executable policy.
func (c ReliabilityConfig) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        c.RetryMaxRetries,
		InitialDelay:      c.RetryInitialDelay,
		MaxDelay:          c.RetryMaxDelay,
		BackoffMultiplier: c.RetryBackoffMultiplier,
		Jitter:            c.RetryJitter,
	}
}

// BreakerConfig converts the config into circuit breaker settings.
func (c ReliabilityConfig) BreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: c.BreakerFailureThreshold,
		SuccessThreshold: c.BreakerSuccessThreshold,
		OpenDuration:     c.BreakerOpenDuration,
		CallTimeout:      c.BreakerCallTimeout,
	}
}

func parseRequiredInt(name string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func parseRequiredFloat(name string) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("%s must be > 0", name)
	}
	return val, nil
}

func parseRequiredBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func parseRequiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
