package util

import (
	"time"

	"github.com/bakerstreetlabs/awxflow/model"
)

const maxBackoff = 10 * time.Minute

// RetryAfter computes the delay before re-dispatching a step that has just
// finished attempt number `attempt` (1-based).
func RetryAfter(def model.ActionDef, attempt int) time.Duration {
	base := time.Duration(def.RetryAfterSeconds) * time.Second
	var after time.Duration
	switch def.RetryPolicy {
	case model.RETRY_POLICY_BACKOFF:
		after = base
		for i := 1; i < attempt; i++ {
			after *= 2
			if after >= maxBackoff {
				return maxBackoff
			}
		}
	default:
		after = base
	}
	if after > maxBackoff {
		after = maxBackoff
	}
	return after
}
