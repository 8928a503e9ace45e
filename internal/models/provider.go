package models

import "time"

// ProviderState is the breaker's view of one provider.
type ProviderState struct {
	ResetTime   time.Time `json:"resetTime,omitzero"`
	LastFailure time.Time `json:"lastFailure,omitzero"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
	Provider    string    `json:"provider"`
	Failures    int       `json:"failures"`
	RateLimited bool      `json:"rateLimited"`
}

// Blocked reports whether the provider is still cooling down at now.
func (p ProviderState) Blocked(now time.Time) bool {
	return p.RateLimited && now.Before(p.ResetTime)
}
