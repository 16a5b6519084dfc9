package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"pushengine/internal/classify"
)

// webPushTTL is how long the push service keeps an undelivered message.
const webPushTTL = 24 * 60 * 60

type webPushSendFunc func(ctx context.Context, message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

// VAPIDConfig identifies this application server to browser push services.
type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// WebPushAdapter delivers to browser push subscriptions.
type WebPushAdapter struct {
	vapid      VAPIDConfig
	httpClient *http.Client
	send       webPushSendFunc
}

func NewWebPushAdapter(vapid VAPIDConfig, timeout time.Duration) Adapter {
	if vapid.PublicKey == "" || vapid.PrivateKey == "" {
		return Unavailable(Web, "vapid keys not configured")
	}
	return &WebPushAdapter{
		vapid:      vapid,
		httpClient: &http.Client{Timeout: timeout},
		send:       webpush.SendNotificationWithContext,
	}
}

func (a *WebPushAdapter) Platform() Platform { return Web }
func (a *WebPushAdapter) IsAvailable() bool  { return a.vapid.PublicKey != "" }

func (a *WebPushAdapter) Status() Status {
	return Status{
		Platform:  Web,
		Available: a.IsAvailable(),
		Details:   map[string]any{"provider": "webpush", "subject": a.vapid.Subject},
	}
}

type webPushMessage struct {
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Image   string            `json:"image,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
	Actions []Action          `json:"actions,omitempty"`
}

func (a *WebPushAdapter) Send(ctx context.Context, p Payload, targets []Target, dryRun bool) ([]DispatchResult, error) {
	message, err := json.Marshal(webPushMessage{
		Title:   p.Title,
		Body:    p.Body,
		Image:   p.ImageURL,
		Data:    p.Data,
		Actions: p.Actions,
	})
	if err != nil {
		return nil, &classify.ProviderError{Provider: "webpush", Code: "invalid-payload", Message: err.Error(), Err: err}
	}

	urgency := webpush.UrgencyNormal
	if p.Priority == PriorityHigh {
		urgency = webpush.UrgencyHigh
	}

	results := make([]DispatchResult, 0, len(targets))
	for _, t := range targets {
		if t.Subscription == nil || t.Subscription.Endpoint == "" {
			results = append(results, Failed(t, &classify.ProviderError{Provider: "webpush", Code: "invalid subscription", StatusCode: 400}))
			continue
		}
		if dryRun {
			results = append(results, Succeeded(t, "dry-run"))
			continue
		}
		results = append(results, a.sendOne(ctx, message, t, urgency))
	}

	slog.Debug("web push batch sent", "targets", len(targets), "dry_run", dryRun)
	return results, nil
}

func (a *WebPushAdapter) sendOne(ctx context.Context, message []byte, t Target, urgency webpush.Urgency) DispatchResult {
	sub := &webpush.Subscription{
		Endpoint: t.Subscription.Endpoint,
		Keys: webpush.Keys{
			P256dh: t.Subscription.Keys.P256dh,
			Auth:   t.Subscription.Keys.Auth,
		},
	}

	resp, err := a.send(ctx, message, sub, &webpush.Options{
		HTTPClient:      a.httpClient,
		Subscriber:      a.vapid.Subject,
		VAPIDPublicKey:  a.vapid.PublicKey,
		VAPIDPrivateKey: a.vapid.PrivateKey,
		TTL:             webPushTTL,
		Urgency:         urgency,
	})
	if err != nil {
		return Failed(t, &classify.ProviderError{Provider: "webpush", Message: err.Error(), Err: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Succeeded(t, resp.Header.Get("Location"))
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return Failed(t, &classify.ProviderError{
		Provider:   "webpush",
		StatusCode: resp.StatusCode,
		Message:    string(body),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	})
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
