package resilience

import (
	"time"
)

// FromPageTimeout returns the model-call retry configuration with the given
// per-attempt timeout in seconds. Non-positive values keep the default.
func FromPageTimeout(timeoutSecs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if timeoutSecs > 0 {
		cfg.AttemptTimeout = time.Duration(timeoutSecs) * time.Second
	}
	return cfg
}
