package models

import "time"

// ProviderCallStats summarizes audited calls for one provider.
type ProviderCallStats struct {
	LastCall      time.Time
	Provider      string
	TotalCalls    int
	SuccessCount  int
	FailedCount   int
	ErrorCount    int
	Records       int64
	AvgDurationMs float64
}

// SuccessRate returns the share of successful calls in percent.
func (s ProviderCallStats) SuccessRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.TotalCalls) * 100
}
