package model

type RetryPolicy string

const RETRY_POLICY_FIXED RetryPolicy = "FIXED"
const RETRY_POLICY_BACKOFF RetryPolicy = "BACKOFF"

// ActionDef holds per-action execution policy. Actions without an explicit
// definition fall back to the configured default.
type ActionDef struct {
	Name              string      `json:"name"`
	MaxAttempts       int         `json:"max_attempts"`
	RetryAfterSeconds int         `json:"retry_after_seconds"`
	RetryPolicy       RetryPolicy `json:"retry_policy"`
	TimeoutSeconds    int         `json:"timeout_seconds"`
}
