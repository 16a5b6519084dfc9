package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"firebase.google.com/go/v4/messaging"

	"pushengine/internal/classify"
)

// fcmMaxBatch is the SendEach limit.
const fcmMaxBatch = 500

type fcmClient interface {
	SendEach(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
	SendEachDryRun(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
}

// FCMAdapter delivers to android devices and FCM topics.
type FCMAdapter struct {
	client    fcmClient
	projectID string
}

// NewFCMAdapter wraps a Firebase messaging client. A nil client yields an
// adapter that reports itself unavailable.
func NewFCMAdapter(client *messaging.Client, projectID string) Adapter {
	if client == nil {
		return Unavailable(Android, "firebase messaging not configured")
	}
	return &FCMAdapter{client: client, projectID: projectID}
}

func (a *FCMAdapter) Platform() Platform { return Android }
func (a *FCMAdapter) IsAvailable() bool  { return a.client != nil }

func (a *FCMAdapter) Status() Status {
	return Status{
		Platform:  Android,
		Available: a.IsAvailable(),
		Details:   map[string]any{"provider": "fcm", "project_id": a.projectID},
	}
}

func (a *FCMAdapter) Send(ctx context.Context, payload Payload, targets []Target, dryRun bool) ([]DispatchResult, error) {
	results := make([]DispatchResult, 0, len(targets))

	for start := 0; start < len(targets); start += fcmMaxBatch {
		end := start + fcmMaxBatch
		if end > len(targets) {
			end = len(targets)
		}
		chunk := targets[start:end]

		messages := make([]*messaging.Message, 0, len(chunk))
		for _, t := range chunk {
			messages = append(messages, a.buildMessage(payload, t))
		}

		var (
			resp *messaging.BatchResponse
			err  error
		)
		if dryRun {
			resp, err = a.client.SendEachDryRun(ctx, messages)
		} else {
			resp, err = a.client.SendEach(ctx, messages)
		}
		if err != nil {
			perr := &classify.ProviderError{Provider: "fcm", Code: fcmCode(err), Message: err.Error(), Err: err}
			if start == 0 {
				return nil, perr
			}
			// earlier chunks were delivered; only this and later chunks failed
			slog.Warn("fcm batch failed after partial delivery",
				"delivered", start,
				"failed", len(targets)-start,
				"error", err)
			return append(results, FailAll(targets[start:], perr)...), nil
		}

		for i, t := range chunk {
			if i >= len(resp.Responses) || resp.Responses[i] == nil {
				results = append(results, Failed(t, &classify.ProviderError{Provider: "fcm", Message: "missing response"}))
				continue
			}
			r := resp.Responses[i]
			if r.Success {
				results = append(results, Succeeded(t, r.MessageID))
				continue
			}
			results = append(results, Failed(t, &classify.ProviderError{
				Provider: "fcm",
				Code:     fcmCode(r.Error),
				Message:  errText(r.Error),
				Err:      r.Error,
			}))
		}

		slog.Debug("fcm batch sent",
			"success", resp.SuccessCount,
			"failure", resp.FailureCount,
			"dry_run", dryRun)
	}

	return results, nil
}

func (a *FCMAdapter) buildMessage(payload Payload, t Target) *messaging.Message {
	data := make(map[string]string, len(payload.Data)+1)
	for k, v := range payload.Data {
		data[k] = v
	}
	if len(payload.Actions) > 0 {
		if raw, err := json.Marshal(payload.Actions); err == nil {
			data["actions"] = string(raw)
		}
	}

	priority := "normal"
	if payload.Priority == PriorityHigh {
		priority = "high"
	}

	msg := &messaging.Message{
		Notification: &messaging.Notification{
			Title:    payload.Title,
			Body:     payload.Body,
			ImageURL: payload.ImageURL,
		},
		Data:    data,
		Android: &messaging.AndroidConfig{Priority: priority},
	}
	if t.Topic != "" {
		msg.Topic = t.Topic
	} else {
		msg.Token = t.Token
	}
	return msg
}

// fcmCode maps the Firebase error helpers onto reason strings the classifier
// understands.
func fcmCode(err error) string {
	switch {
	case err == nil:
		return ""
	case messaging.IsUnregistered(err):
		return "registration-token-not-registered"
	case messaging.IsSenderIDMismatch(err):
		return "sender-id-mismatch"
	case messaging.IsThirdPartyAuthError(err):
		return "third-party-auth-error"
	case messaging.IsQuotaExceeded(err):
		return "message-rate-exceeded"
	case messaging.IsInvalidArgument(err):
		if strings.Contains(strings.ToLower(err.Error()), "registration token") {
			return "invalid-registration-token"
		}
		return "invalid-argument"
	case messaging.IsUnavailable(err):
		return "server-unavailable"
	case messaging.IsInternal(err):
		return "internal-error"
	}
	return ""
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
