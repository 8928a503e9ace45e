package transport

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Outcome is the classification of one provider response.
type Outcome string

// Response classifications.
const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeTransient   Outcome = "transient"
)

// quotaBodyRe matches 403 bodies that are really quota exhaustion.
var quotaBodyRe = regexp.MustCompile(`(?i)quota|rate[ _-]?limit|too many requests|limit exceeded`)

// Classify maps a response to an outcome. Rate-limited responses also return
// how long the provider asked to be left alone, falling back to defaultRetryAfter.
func Classify(status int, header http.Header, body []byte, now time.Time, defaultRetryAfter time.Duration) (Outcome, time.Duration) {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess, 0
	case status == http.StatusTooManyRequests:
		return OutcomeRateLimited, retryAfter(header, now, defaultRetryAfter)
	case status == http.StatusForbidden && quotaBodyRe.Match(body):
		return OutcomeRateLimited, retryAfter(header, now, defaultRetryAfter)
	default:
		return OutcomeTransient, 0
	}
}

// retryAfter parses a Retry-After header given as delta-seconds or an HTTP date.
func retryAfter(header http.Header, now time.Time, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		return max(at.Sub(now), 0)
	}
	return fallback
}
