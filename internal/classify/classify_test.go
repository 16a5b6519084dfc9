package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Categories(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      Category
		wantRetry bool
	}{
		{"connection refused", errors.New("dial tcp 10.0.0.1:443: connect: ECONNREFUSED"), CategoryNetwork, true},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), CategoryNetwork, true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("boom")}, CategoryNetwork, true},
		{"unauthorized status", &ProviderError{StatusCode: 401, Message: "nope"}, CategoryAuthentication, false},
		{"apns expired token", &ProviderError{Provider: "apns", Code: "ExpiredProviderToken", StatusCode: 403}, CategoryAuthentication, false},
		{"fcm unregistered", &ProviderError{Provider: "fcm", Code: "registration-token-not-registered"}, CategoryInvalidTarget, false},
		{"web push gone", &ProviderError{Provider: "webpush", StatusCode: 410, Message: "push subscription has unsubscribed or expired"}, CategoryInvalidTarget, false},
		{"apns bad token on 400", &ProviderError{Code: "BadDeviceToken", StatusCode: 400}, CategoryInvalidTarget, false},
		{"too many requests", &ProviderError{StatusCode: 429}, CategoryRateLimit, true},
		{"payload too large", &ProviderError{Code: "PayloadTooLarge", StatusCode: 413}, CategoryPayloadTooLarge, false},
		{"invalid argument", &ProviderError{Code: "invalid-argument", StatusCode: 400}, CategoryInvalidPayload, false},
		{"service unavailable", &ProviderError{StatusCode: 503}, CategoryServiceUnavailable, true},
		{"quota", errors.New("project quota exceeded for today"), CategoryQuotaExceeded, false},
		{"internal", &ProviderError{StatusCode: 500, Message: "oops"}, CategoryInternalError, true},
		{"unknown", errors.New("something odd happened"), CategoryUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.want, got.Category)
			assert.Equal(t, tt.wantRetry, got.ShouldRetry)
			assert.NotEmpty(t, got.Description)
		})
	}
}

func TestClassify_RateLimitWinsOverNumericFallbacks(t *testing.T) {
	got := Classify(errors.New("429 rate limited"))
	assert.Equal(t, CategoryRateLimit, got.Category)
	assert.True(t, got.ShouldRetry)
	assert.True(t, got.IsTemporary)
}

func TestClassify_RetryAfter(t *testing.T) {
	t.Run("from provider error", func(t *testing.T) {
		got := Classify(&ProviderError{StatusCode: 429, RetryAfter: 7 * time.Second})
		assert.Equal(t, 7*time.Second, got.RetryAfter)
	})

	t.Run("from message", func(t *testing.T) {
		got := Classify(errors.New("too many requests, retry after 12"))
		assert.Equal(t, 12*time.Second, got.RetryAfter)
	})
}

func TestClassify_UnknownDefaults(t *testing.T) {
	got := Classify(errors.New("weird"))
	assert.Equal(t, SeverityMedium, got.Severity)
	assert.True(t, got.IsTemporary)
}

func TestClassify_PassesThroughClassifiedError(t *testing.T) {
	orig := ClassifiedError{Category: CategoryQuotaExceeded, Description: "x"}
	got := Classify(fmt.Errorf("wrapped: %w", orig))
	assert.Equal(t, orig, got)
}

func TestOrder_IsStable(t *testing.T) {
	require.Equal(t, []Category{
		CategoryNetwork,
		CategoryAuthentication,
		CategoryInvalidTarget,
		CategoryRateLimit,
		CategoryPayloadTooLarge,
		CategoryInvalidPayload,
		CategoryServiceUnavailable,
		CategoryQuotaExceeded,
		CategoryInternalError,
		CategoryUnknown,
	}, Order())
}

func TestPermanentForOperation(t *testing.T) {
	assert.True(t, Classify(&ProviderError{StatusCode: 401}).PermanentForOperation())
	assert.False(t, Classify(&ProviderError{StatusCode: 410}).PermanentForOperation())
}
