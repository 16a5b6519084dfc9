package provider

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushengine/internal/classify"
)

const iosToken = "a0b1c2d3e4f5a0b1c2d3e4f5a0b1c2d3e4f5a0b1c2d3e4f5a0b1c2d3e4f5a0b1"

func TestTarget_Validate(t *testing.T) {
	sub := &WebSubscription{Endpoint: "https://push.example.com/abc"}

	tests := []struct {
		name    string
		target  Target
		wantErr error
	}{
		{"android token", Target{Platform: Android, Token: "tok"}, nil},
		{"android topic", Target{Platform: Android, Topic: "news"}, nil},
		{"ios tokens", Target{Platform: IOS, Tokens: []string{"a", "b"}}, nil},
		{"web subscription", Target{Platform: Web, Subscription: sub}, nil},
		{"no address", Target{Platform: Android}, ErrInvalidTarget},
		{"two modes", Target{Platform: Android, Token: "tok", Topic: "news"}, ErrAmbiguousTarget},
		{"web with token", Target{Platform: Web, Token: "tok"}, ErrInvalidTarget},
		{"ios topic", Target{Platform: IOS, Topic: "news"}, ErrInvalidTarget},
		{"unknown platform", Target{Platform: "fax", Token: "tok"}, ErrInvalidTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestExpandAndGroup(t *testing.T) {
	targets := Expand([]Target{
		{Platform: Android, Tokens: []string{"a1", "a2"}},
		{Platform: IOS, Token: "i1"},
		{Platform: Android, Topic: "news"},
	})
	require.Len(t, targets, 4)

	groups := GroupByPlatform(targets)
	assert.Len(t, groups[Android], 3)
	assert.Len(t, groups[IOS], 1)
	assert.Empty(t, groups[Web])
}

func TestFromDevice_Web(t *testing.T) {
	target, err := FromDevice(Web, `{"endpoint":"https://push.example.com/x","keys":{"p256dh":"k","auth":"a"}}`)
	require.NoError(t, err)
	require.NotNil(t, target.Subscription)
	assert.Equal(t, "https://push.example.com/x", target.Subscription.Endpoint)
	assert.Equal(t, "k", target.Subscription.Keys.P256dh)

	_, err = FromDevice(Web, "not-json")
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestSet_ForUnconfigured(t *testing.T) {
	a, err := Set{}.For(IOS)
	require.NoError(t, err)
	assert.False(t, a.IsAvailable())

	_, err = a.Send(context.Background(), Payload{}, []Target{{Platform: IOS, Token: "x"}}, false)
	require.Error(t, err)
	assert.Equal(t, classify.CategoryServiceUnavailable, classify.Classify(err).Category)
}

type fakeFCM struct {
	mu       sync.Mutex
	dryRuns  int
	sent     [][]*messaging.Message
	failWith error
	// failFrom fails every call once this many batches were accepted
	failFrom int
	respond  func(m *messaging.Message) *messaging.SendResponse
}

func (f *fakeFCM) SendEach(ctx context.Context, msgs []*messaging.Message) (*messaging.BatchResponse, error) {
	return f.do(msgs)
}

func (f *fakeFCM) SendEachDryRun(ctx context.Context, msgs []*messaging.Message) (*messaging.BatchResponse, error) {
	f.mu.Lock()
	f.dryRuns++
	f.mu.Unlock()
	return f.do(msgs)
}

func (f *fakeFCM) do(msgs []*messaging.Message) (*messaging.BatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil && len(f.sent) >= f.failFrom {
		return nil, f.failWith
	}
	f.sent = append(f.sent, msgs)
	resp := &messaging.BatchResponse{}
	for _, m := range msgs {
		r := f.respond(m)
		if r.Success {
			resp.SuccessCount++
		} else {
			resp.FailureCount++
		}
		resp.Responses = append(resp.Responses, r)
	}
	return resp, nil
}

func TestFCMAdapter_Send(t *testing.T) {
	fake := &fakeFCM{respond: func(m *messaging.Message) *messaging.SendResponse {
		if m.Token == "dead" {
			return &messaging.SendResponse{Error: errors.New("registration-token-not-registered")}
		}
		return &messaging.SendResponse{Success: true, MessageID: "projects/p/messages/" + m.Token + m.Topic}
	}}
	adapter := &FCMAdapter{client: fake}

	results, err := adapter.Send(context.Background(), Payload{Title: "t", Body: "b", Priority: PriorityHigh, Actions: []Action{{ID: "open", Title: "Open"}}}, []Target{
		{Platform: Android, Token: "live"},
		{Platform: Android, Token: "dead"},
		{Platform: Android, Topic: "news"},
	}, false)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.Equal(t, "projects/p/messages/live", results[0].MessageID)

	assert.False(t, results[1].Success)
	assert.Equal(t, classify.CategoryInvalidTarget, results[1].ErrorCategory)
	assert.True(t, results[1].InvalidTarget)
	assert.False(t, results[1].ShouldRetry)

	assert.True(t, results[2].Success)
	assert.Equal(t, "topic:news", results[2].Target)

	msg := fake.sent[0][0]
	assert.Equal(t, "high", msg.Android.Priority)
	assert.Contains(t, msg.Data["actions"], `"open"`)
	assert.Equal(t, "news", fake.sent[0][2].Topic)
}

func TestFCMAdapter_DryRunAndBatching(t *testing.T) {
	fake := &fakeFCM{respond: func(m *messaging.Message) *messaging.SendResponse {
		return &messaging.SendResponse{Success: true, MessageID: "m"}
	}}
	adapter := &FCMAdapter{client: fake}

	targets := make([]Target, 0, fcmMaxBatch+20)
	for i := 0; i < fcmMaxBatch+20; i++ {
		targets = append(targets, Target{Platform: Android, Token: "t"})
	}

	results, err := adapter.Send(context.Background(), Payload{Title: "t", Body: "b"}, targets, true)
	require.NoError(t, err)
	assert.Len(t, results, fcmMaxBatch+20)
	assert.Equal(t, 2, fake.dryRuns)
	assert.Len(t, fake.sent[0], fcmMaxBatch)
	assert.Len(t, fake.sent[1], 20)
}

func TestFCMAdapter_WholeCallFailure(t *testing.T) {
	adapter := &FCMAdapter{client: &fakeFCM{failWith: errors.New("connection reset by peer")}}

	_, err := adapter.Send(context.Background(), Payload{}, []Target{{Platform: Android, Token: "t"}}, false)
	require.Error(t, err)
	assert.Equal(t, classify.CategoryNetwork, classify.Classify(err).Category)
}

func TestFCMAdapter_LaterChunkFailureKeepsDelivered(t *testing.T) {
	fake := &fakeFCM{
		failWith: errors.New("connection reset by peer"),
		failFrom: 1,
		respond: func(m *messaging.Message) *messaging.SendResponse {
			return &messaging.SendResponse{Success: true, MessageID: "m"}
		},
	}
	adapter := &FCMAdapter{client: fake}

	targets := make([]Target, 0, fcmMaxBatch+5)
	for i := 0; i < fcmMaxBatch+5; i++ {
		targets = append(targets, Target{Platform: Android, Token: "t"})
	}

	results, err := adapter.Send(context.Background(), Payload{Title: "t", Body: "b"}, targets, false)
	require.NoError(t, err)
	require.Len(t, results, fcmMaxBatch+5)
	assert.True(t, results[0].Success)
	assert.True(t, results[fcmMaxBatch-1].Success)
	for _, r := range results[fcmMaxBatch:] {
		assert.False(t, r.Success)
		assert.Equal(t, classify.CategoryNetwork, r.ErrorCategory)
		assert.True(t, r.ShouldRetry)
	}
}

type fakeAPNs struct {
	mu     sync.Mutex
	pushed []*apns2.Notification
	reply  func(n *apns2.Notification) (*apns2.Response, error)
}

func (f *fakeAPNs) PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error) {
	f.mu.Lock()
	f.pushed = append(f.pushed, n)
	f.mu.Unlock()
	return f.reply(n)
}

func TestAPNsAdapter_Send(t *testing.T) {
	unregistered := strings.Repeat("b", 64)
	throttled := strings.Repeat("c", 64)

	fake := &fakeAPNs{reply: func(n *apns2.Notification) (*apns2.Response, error) {
		switch n.DeviceToken {
		case unregistered:
			return &apns2.Response{StatusCode: 410, Reason: apns2.ReasonUnregistered}, nil
		case throttled:
			return &apns2.Response{StatusCode: 429, Reason: apns2.ReasonTooManyRequests}, nil
		}
		return &apns2.Response{StatusCode: 200, ApnsID: "apns-id-1"}, nil
	}}
	adapter := &APNsAdapter{client: fake, topic: "com.example.app"}

	results, err := adapter.Send(context.Background(), Payload{Title: "t", Body: "b", Priority: PriorityHigh}, []Target{
		{Platform: IOS, Token: iosToken},
		{Platform: IOS, Token: unregistered},
		{Platform: IOS, Token: throttled},
		{Platform: IOS, Token: "short"},
	}, false)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.True(t, results[0].Success)
	assert.Equal(t, "apns-id-1", results[0].MessageID)
	assert.Equal(t, classify.CategoryInvalidTarget, results[1].ErrorCategory)
	assert.Equal(t, classify.CategoryRateLimit, results[2].ErrorCategory)
	assert.True(t, results[2].ShouldRetry)
	assert.Equal(t, classify.CategoryInvalidTarget, results[3].ErrorCategory)

	assert.Len(t, fake.pushed, 3)
	for _, n := range fake.pushed {
		assert.Equal(t, "com.example.app", n.Topic)
		assert.Equal(t, apns2.PriorityHigh, n.Priority)
	}
}

func TestAPNsAdapter_DryRunDoesNotPush(t *testing.T) {
	fake := &fakeAPNs{reply: func(n *apns2.Notification) (*apns2.Response, error) {
		return nil, errors.New("should not be called")
	}}
	adapter := &APNsAdapter{client: fake, topic: "com.example.app"}

	results, err := adapter.Send(context.Background(), Payload{Title: "t"}, []Target{{Platform: IOS, Token: iosToken}}, true)
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.Empty(t, fake.pushed)
}

func TestWebPushAdapter_Send(t *testing.T) {
	var gotOpts *webpush.Options
	adapter := &WebPushAdapter{
		vapid: VAPIDConfig{PublicKey: "pub", PrivateKey: "priv", Subject: "mailto:ops@example.com"},
		send: func(ctx context.Context, msg []byte, s *webpush.Subscription, o *webpush.Options) (*http.Response, error) {
			gotOpts = o
			switch s.Endpoint {
			case "https://push.example.com/gone":
				return &http.Response{StatusCode: 410, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("expired"))}, nil
			case "https://push.example.com/busy":
				return &http.Response{StatusCode: 429, Header: http.Header{"Retry-After": []string{"30"}}, Body: io.NopCloser(&bytes.Buffer{})}, nil
			}
			return &http.Response{StatusCode: 201, Header: http.Header{"Location": []string{"https://push.example.com/m/1"}}, Body: io.NopCloser(&bytes.Buffer{})}, nil
		},
	}

	sub := func(endpoint string) *WebSubscription {
		return &WebSubscription{Endpoint: endpoint}
	}
	results, err := adapter.Send(context.Background(), Payload{Title: "t", Body: "b"}, []Target{
		{Platform: Web, Subscription: sub("https://push.example.com/ok")},
		{Platform: Web, Subscription: sub("https://push.example.com/gone")},
		{Platform: Web, Subscription: sub("https://push.example.com/busy")},
	}, false)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.Equal(t, "https://push.example.com/m/1", results[0].MessageID)
	assert.Equal(t, classify.CategoryInvalidTarget, results[1].ErrorCategory)
	assert.Equal(t, classify.CategoryRateLimit, results[2].ErrorCategory)
	assert.Equal(t, 30*time.Second, results[2].RetryAfter)

	require.NotNil(t, gotOpts)
	assert.Equal(t, "pub", gotOpts.VAPIDPublicKey)
	assert.Equal(t, webPushTTL, gotOpts.TTL)
}

type flakyAdapter struct {
	calls int
}

func (f *flakyAdapter) Platform() Platform { return Web }
func (f *flakyAdapter) IsAvailable() bool  { return true }
func (f *flakyAdapter) Status() Status     { return Status{Platform: Web, Available: true} }
func (f *flakyAdapter) Send(ctx context.Context, p Payload, targets []Target, dryRun bool) ([]DispatchResult, error) {
	f.calls++
	return nil, errors.New("503 service unavailable")
}

func TestBreaker_OpensAfterRepeatedFailures(t *testing.T) {
	inner := &flakyAdapter{}
	b := WithBreaker(inner, BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 0.5, MinRequests: 2})

	for i := 0; i < 2; i++ {
		_, err := b.Send(context.Background(), Payload{}, nil, false)
		require.Error(t, err)
	}
	assert.False(t, b.IsAvailable())
	assert.Equal(t, "open", b.Status().Details["circuit"])

	_, err := b.Send(context.Background(), Payload{}, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, classify.CategoryServiceUnavailable, classify.Classify(err).Category)
}

func TestThrottled_ContextCancelled(t *testing.T) {
	th := WithThrottle(&flakyAdapter{}, 0.0001, 1)
	_, _ = th.Send(context.Background(), Payload{}, nil, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := th.Send(ctx, Payload{}, nil, false)
	require.Error(t, err)
	assert.Equal(t, classify.CategoryNetwork, classify.Classify(err).Category)
}
