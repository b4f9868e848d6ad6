package model

import "time"

// Usage is one reading of the shared session quota, as reported by the
// usage monitor.
type Usage struct {
	Percent float64   `json:"percent"`
	ResetAt time.Time `json:"reset_at"`
}

// RateGateState is persisted so an active pause survives a restart.
// Timestamps are epoch milliseconds; 0 means unset.
type RateGateState struct {
	Paused           bool   `json:"paused"`
	Warning          bool   `json:"warning"`
	Reason           string `json:"reason,omitempty"`
	PausedAt         int64  `json:"pausedAt"`
	RateLimitResetAt int64  `json:"rateLimitResetAt"`
}
