// Package classify normalizes delivery failures from any push channel into a
// closed set of categories with a retry verdict.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Category string

const (
	CategoryNetwork            Category = "network"
	CategoryAuthentication     Category = "authentication"
	CategoryInvalidTarget      Category = "invalid_target"
	CategoryRateLimit          Category = "rate_limit"
	CategoryPayloadTooLarge    Category = "payload_too_large"
	CategoryInvalidPayload     Category = "invalid_payload"
	CategoryServiceUnavailable Category = "service_unavailable"
	CategoryQuotaExceeded      Category = "quota_exceeded"
	CategoryInternalError      Category = "internal_error"
	CategoryUnknown            Category = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ClassifiedError is produced fresh for every failure and never mutated.
type ClassifiedError struct {
	Category    Category      `json:"category"`
	ShouldRetry bool          `json:"should_retry"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
	IsTemporary bool          `json:"is_temporary"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description"`
}

// Error lets a ClassifiedError travel through error returns.
func (c ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", c.Category, c.Description)
}

// Retryable reports the retry verdict to the retry executor.
func (c ClassifiedError) Retryable() bool { return c.ShouldRetry }

// RetryAfterHint exposes a provider supplied delay to the retry executor.
func (c ClassifiedError) RetryAfterHint() time.Duration { return c.RetryAfter }

// PermanentForOperation reports whether no target in the same operation can
// succeed once this failure occurs (bad credentials, exhausted quota).
func (c ClassifiedError) PermanentForOperation() bool {
	return c.Category == CategoryAuthentication || c.Category == CategoryQuotaExceeded
}

// ProviderError is what channel adapters return when the provider rejects a
// request. Code is the provider's own reason string.
type ProviderError struct {
	Provider   string
	Code       string
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	if e.StatusCode != 0 {
		b.WriteString(strconv.Itoa(e.StatusCode))
		b.WriteString(" ")
	}
	if e.Code != "" {
		b.WriteString(e.Code)
		b.WriteString(" ")
	}
	b.WriteString(e.Message)
	if e.Err != nil && e.Message == "" {
		b.WriteString(e.Err.Error())
	}
	return strings.TrimSpace(b.String())
}

func (e *ProviderError) Unwrap() error { return e.Err }

// signal is the normalized view of an error that the rules match against.
type signal struct {
	text       string
	code       string
	status     int
	retryAfter time.Duration
	netFailure bool
	err        error
}

type rule struct {
	category Category
	match    func(s signal) bool
}

var (
	networkKeywords = []string{
		"econnrefused", "econnreset", "etimedout", "enotfound", "eai_again",
		"connection refused", "connection reset", "no such host", "network",
		"timeout", "timed out", "socket hang up", "broken pipe", "i/o timeout",
	}
	authCodes    = []int{http.StatusUnauthorized, http.StatusForbidden}
	authKeywords = []string{
		"unauthorized", "authentication", "invalid credentials", "forbidden",
		"invalidprovidertoken", "expiredprovidertoken", "missingprovidertoken",
		"third-party-auth-error", "third_party_auth_error", "sender-id-mismatch",
		"mismatched-credential", "invalid vapid",
	}
	invalidTargetCodes    = []int{http.StatusNotFound, http.StatusGone}
	invalidTargetKeywords = []string{
		"registration-token-not-registered", "invalid-registration-token",
		"baddevicetoken", "unregistered", "devicetokennotfortopic",
		"invalid token", "not registered", "subscription expired",
		"expired subscription", "invalid subscription", "missingdevicetoken",
		"invalid-recipient",
	}
	rateLimitCodes    = []int{http.StatusTooManyRequests}
	rateLimitKeywords = []string{
		"rate limit", "rate-limit", "rate_limit", "too many requests",
		"toomanyrequests", "message-rate-exceeded", "device-message-rate-exceeded",
		"topics-message-rate-exceeded", "throttl",
	}
	payloadTooLargeCodes    = []int{http.StatusRequestEntityTooLarge}
	payloadTooLargeKeywords = []string{
		"payloadtoolarge", "payload too large", "payload-size-limit-exceeded",
		"message too big", "request entity too large",
	}
	invalidPayloadCodes    = []int{http.StatusBadRequest}
	invalidPayloadKeywords = []string{
		"invalid-argument", "invalid_argument", "invalid payload", "invalid-payload",
		"badmessageid", "badpriority", "badexpirationdate", "payloadempty",
		"invalid-apns-credentials", "malformed",
	}
	serviceUnavailableCodes    = []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout}
	serviceUnavailableKeywords = []string{
		"service unavailable", "serviceunavailable", "server-unavailable",
		"unavailable", "shutdown", "circuit breaker is open",
	}
	quotaKeywords = []string{"quota", "quotaexceeded", "quota-exceeded"}
	internalCodes = []int{http.StatusInternalServerError}
	internalKeywords = []string{
		"internal-error", "internal error", "internalservererror", "internal server error",
	}

	retryAfterPattern = regexp.MustCompile(`retry[- ]after[:= ]+(\d+)`)
)

// rules is evaluated in order and the first match wins. Rate limiting sits
// ahead of the payload, availability and internal rules so that a
// "429 rate limited" message always classifies as rate_limit.
var rules = []rule{
	{CategoryNetwork, func(s signal) bool {
		return s.netFailure || containsAny(s.text, networkKeywords)
	}},
	{CategoryAuthentication, func(s signal) bool {
		return hasStatus(s, authCodes) || containsAny(s.text, authKeywords)
	}},
	{CategoryInvalidTarget, func(s signal) bool {
		return hasStatus(s, invalidTargetCodes) || containsAny(s.text, invalidTargetKeywords)
	}},
	{CategoryRateLimit, func(s signal) bool {
		return hasStatus(s, rateLimitCodes) || containsAny(s.text, rateLimitKeywords)
	}},
	{CategoryPayloadTooLarge, func(s signal) bool {
		return hasStatus(s, payloadTooLargeCodes) || containsAny(s.text, payloadTooLargeKeywords)
	}},
	{CategoryInvalidPayload, func(s signal) bool {
		return hasStatus(s, invalidPayloadCodes) || containsAny(s.text, invalidPayloadKeywords)
	}},
	{CategoryServiceUnavailable, func(s signal) bool {
		return hasStatus(s, serviceUnavailableCodes) || containsAny(s.text, serviceUnavailableKeywords)
	}},
	{CategoryQuotaExceeded, func(s signal) bool {
		return containsAny(s.text, quotaKeywords)
	}},
	{CategoryInternalError, func(s signal) bool {
		return hasStatus(s, internalCodes) || containsAny(s.text, internalKeywords)
	}},
}

// Classify maps a raw failure to a ClassifiedError. It is pure and safe for
// concurrent use. A nil error classifies as unknown.
func Classify(err error) ClassifiedError {
	var already ClassifiedError
	if errors.As(err, &already) {
		return already
	}

	s := inspect(err)
	for _, r := range rules {
		if r.match(s) {
			return build(r.category, s)
		}
	}
	return build(CategoryUnknown, s)
}

// Order returns the categories in evaluation order.
func Order() []Category {
	out := make([]Category, 0, len(rules)+1)
	for _, r := range rules {
		out = append(out, r.category)
	}
	return append(out, CategoryUnknown)
}

func inspect(err error) signal {
	s := signal{err: err}
	if err == nil {
		return s
	}
	s.text = strings.ToLower(err.Error())

	var perr *ProviderError
	if errors.As(err, &perr) {
		s.code = strings.ToLower(perr.Code)
		s.status = perr.StatusCode
		s.retryAfter = perr.RetryAfter
		if s.code != "" && !strings.Contains(s.text, s.code) {
			s.text = s.code + " " + s.text
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		s.netFailure = true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.netFailure = true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		s.netFailure = true
	}
	return s
}

func build(category Category, s signal) ClassifiedError {
	c := ClassifiedError{Category: category}
	switch category {
	case CategoryNetwork:
		c.ShouldRetry, c.IsTemporary, c.Severity = true, true, SeverityMedium
		c.Description = "Network error while contacting the push provider"
	case CategoryAuthentication:
		c.Severity = SeverityCritical
		c.Description = "Provider rejected the credentials"
	case CategoryInvalidTarget:
		c.Severity = SeverityLow
		c.Description = "Target is invalid or no longer registered"
	case CategoryRateLimit:
		c.ShouldRetry, c.IsTemporary, c.Severity = true, true, SeverityMedium
		c.Description = "Provider rate limit reached"
		c.RetryAfter = extractRetryAfter(s)
	case CategoryPayloadTooLarge:
		c.Severity = SeverityLow
		c.Description = "Notification payload exceeds the provider size limit"
	case CategoryInvalidPayload:
		c.Severity = SeverityLow
		c.Description = "Notification payload was rejected as invalid"
	case CategoryServiceUnavailable:
		c.ShouldRetry, c.IsTemporary, c.Severity = true, true, SeverityHigh
		c.Description = "Push provider is temporarily unavailable"
	case CategoryQuotaExceeded:
		c.Severity = SeverityHigh
		c.Description = "Provider quota exhausted"
	case CategoryInternalError:
		c.ShouldRetry, c.IsTemporary, c.Severity = true, true, SeverityHigh
		c.Description = "Push provider reported an internal error"
	default:
		c.ShouldRetry, c.IsTemporary, c.Severity = true, true, SeverityMedium
		c.Description = "Unrecognized delivery failure"
	}
	return c
}

func extractRetryAfter(s signal) time.Duration {
	if s.retryAfter > 0 {
		return s.retryAfter
	}
	m := retryAfterPattern.FindStringSubmatch(s.text)
	if len(m) == 2 {
		if secs, err := strconv.Atoi(m[1]); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func hasStatus(s signal, codes []int) bool {
	for _, c := range codes {
		if s.status == c {
			return true
		}
	}
	return false
}

func containsAny(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
