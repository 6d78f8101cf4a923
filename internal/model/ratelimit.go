package model

import "time"

// RateLimitWindow names the bucket that produced a rate-limit decision.
type RateLimitWindow string

const (
	WindowGlobalMinute RateLimitWindow = "global_minute"
	WindowGlobalHour   RateLimitWindow = "global_hour"
	WindowClientMinute RateLimitWindow = "client_minute"
	WindowTokensMinute RateLimitWindow = "tokens_minute"
	WindowTokensHour   RateLimitWindow = "tokens_hour"
)

// RateLimitResult is the decision for a single admission check.
// RetryAfter is only meaningful when Allowed is false.
type RateLimitResult struct {
	Allowed    bool            `json:"allowed"`
	Window     RateLimitWindow `json:"window"`
	Limit      int64           `json:"limit"`
	Remaining  int64           `json:"remaining"`
	ResetAt    time.Time       `json:"reset_at"`
	RetryAfter time.Duration   `json:"retry_after"`
}
