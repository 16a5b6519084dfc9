package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"golang.org/x/sync/errgroup"

	"pushengine/internal/classify"
)

// apnsConcurrency bounds in-flight pushes over the shared HTTP/2 connection.
const apnsConcurrency = 16

var apnsTokenPattern = regexp.MustCompile(`^[0-9a-fA-F]{64,200}$`)

type apnsPusher interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// APNsAdapter delivers to ios devices over the APNs HTTP/2 API.
type APNsAdapter struct {
	client     apnsPusher
	topic      string
	production bool
}

// NewAPNsAdapter wraps an apns2 client. topic is the app bundle id.
func NewAPNsAdapter(client *apns2.Client, topic string, production bool) Adapter {
	if client == nil || topic == "" {
		return Unavailable(IOS, "apns not configured")
	}
	return &APNsAdapter{client: client, topic: topic, production: production}
}

func (a *APNsAdapter) Platform() Platform { return IOS }
func (a *APNsAdapter) IsAvailable() bool  { return a.client != nil }

func (a *APNsAdapter) Status() Status {
	env := "development"
	if a.production {
		env = "production"
	}
	return Status{
		Platform:  IOS,
		Available: a.IsAvailable(),
		Details:   map[string]any{"provider": "apns", "topic": a.topic, "environment": env},
	}
}

func (a *APNsAdapter) Send(ctx context.Context, p Payload, targets []Target, dryRun bool) ([]DispatchResult, error) {
	body := a.buildPayload(p)
	priority := apns2.PriorityLow
	if p.Priority == PriorityHigh {
		priority = apns2.PriorityHigh
	}

	results := make([]DispatchResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(apnsConcurrency)

	for i, t := range targets {
		if !apnsTokenPattern.MatchString(t.Token) {
			results[i] = Failed(t, &classify.ProviderError{Provider: "apns", Code: "BadDeviceToken", StatusCode: 400})
			continue
		}
		if dryRun {
			results[i] = Succeeded(t, "dry-run")
			continue
		}

		g.Go(func() error {
			n := &apns2.Notification{
				DeviceToken: t.Token,
				Topic:       a.topic,
				Payload:     body,
				Priority:    priority,
			}
			res, err := a.client.PushWithContext(gctx, n)
			if err != nil {
				results[i] = Failed(t, &classify.ProviderError{Provider: "apns", Message: err.Error(), Err: err})
				return nil
			}
			if res.Sent() {
				results[i] = Succeeded(t, res.ApnsID)
				return nil
			}
			results[i] = Failed(t, &classify.ProviderError{
				Provider:   "apns",
				Code:       res.Reason,
				StatusCode: res.StatusCode,
			})
			return nil
		})
	}

	// Goroutines never return an error; per-target failures live in results.
	_ = g.Wait()

	slog.Debug("apns batch sent", "targets", len(targets), "dry_run", dryRun)
	return results, nil
}

func (a *APNsAdapter) buildPayload(p Payload) *payload.Payload {
	pl := payload.NewPayload().
		AlertTitle(p.Title).
		AlertBody(p.Body).
		Sound("default")

	for k, v := range p.Data {
		pl.Custom(k, v)
	}
	if p.ImageURL != "" {
		pl.MutableContent()
		pl.Custom("image_url", p.ImageURL)
	}
	if len(p.Actions) > 0 {
		if raw, err := json.Marshal(p.Actions); err == nil {
			pl.Custom("actions", string(raw))
		}
		pl.Category("ACTIONABLE")
	}
	return pl
}
