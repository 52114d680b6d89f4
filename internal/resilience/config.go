package resilience

import (
	"time"

	"github.com/sells-group/agroscope-cli/internal/config"
)

// FromBasemapConfig derives the tile-fetch retry and breaker policies.
func FromBasemapConfig(cfg config.BasemapConfig) (RetryConfig, CircuitBreakerConfig) {
	retry := DefaultRetryConfig()
	if cfg.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.RetryAttempts
	}

	breaker := DefaultCircuitBreakerConfig()
	if cfg.BreakerThreshold > 0 {
		breaker.FailureThreshold = cfg.BreakerThreshold
	}
	if cfg.BreakerResetSecs > 0 {
		breaker.ResetTimeout = time.Duration(cfg.BreakerResetSecs) * time.Second
	}
	return retry, breaker
}
