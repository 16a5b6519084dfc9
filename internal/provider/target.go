package provider

import (
	"encoding/json"
	"errors"
	"fmt"
)

// WebSubscription is a browser PushSubscription as serialized by the browser.
type WebSubscription struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
	Keys     struct {
		P256dh string `json:"p256dh" validate:"required"`
		Auth   string `json:"auth" validate:"required"`
	} `json:"keys"`
}

// Target is one addressable destination on one channel. Exactly one of
// Token, Tokens, Topic or Subscription is set.
type Target struct {
	Platform     Platform         `json:"platform"`
	Token        string           `json:"token,omitempty"`
	Tokens       []string         `json:"tokens,omitempty"`
	Topic        string           `json:"topic,omitempty"`
	Subscription *WebSubscription `json:"subscription,omitempty"`
}

var (
	ErrInvalidTarget   = errors.New("invalid target")
	ErrAmbiguousTarget = errors.New("target has more than one addressing mode")
)

// Validate checks the one-addressing-mode invariant and that the mode fits
// the platform.
func (t Target) Validate() error {
	if !t.Platform.Valid() {
		return fmt.Errorf("%w: unknown platform %q", ErrInvalidTarget, t.Platform)
	}

	modes := 0
	if t.Token != "" {
		modes++
	}
	if len(t.Tokens) > 0 {
		modes++
	}
	if t.Topic != "" {
		modes++
	}
	if t.Subscription != nil {
		modes++
	}
	if modes == 0 {
		return fmt.Errorf("%w: no address", ErrInvalidTarget)
	}
	if modes > 1 {
		return ErrAmbiguousTarget
	}

	switch t.Platform {
	case Web:
		if t.Subscription == nil {
			return fmt.Errorf("%w: web targets need a subscription", ErrInvalidTarget)
		}
		if t.Subscription.Endpoint == "" {
			return fmt.Errorf("%w: subscription without endpoint", ErrInvalidTarget)
		}
	case IOS:
		if t.Topic != "" || t.Subscription != nil {
			return fmt.Errorf("%w: ios targets are addressed by device token", ErrInvalidTarget)
		}
	case Android:
		if t.Subscription != nil {
			return fmt.Errorf("%w: android targets cannot carry a web subscription", ErrInvalidTarget)
		}
	}
	return nil
}

// Label identifies the target in results.
func (t Target) Label() string {
	switch {
	case t.Topic != "":
		return "topic:" + t.Topic
	case t.Subscription != nil:
		return t.Subscription.Endpoint
	case t.Token != "":
		return t.Token
	case len(t.Tokens) == 1:
		return t.Tokens[0]
	case len(t.Tokens) > 1:
		return fmt.Sprintf("%s (+%d)", t.Tokens[0], len(t.Tokens)-1)
	}
	return ""
}

// Expand splits multi-token targets so that every returned target addresses
// exactly one destination.
func Expand(targets []Target) []Target {
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		if len(t.Tokens) == 0 {
			out = append(out, t)
			continue
		}
		for _, tok := range t.Tokens {
			out = append(out, Target{Platform: t.Platform, Token: tok})
		}
	}
	return out
}

// GroupByPlatform partitions targets by channel, preserving order.
func GroupByPlatform(targets []Target) map[Platform][]Target {
	groups := make(map[Platform][]Target, len(Platforms))
	for _, t := range targets {
		groups[t.Platform] = append(groups[t.Platform], t)
	}
	return groups
}

// FromDevice builds a target from a device directory record. Web devices
// store their serialized subscription as the token.
func FromDevice(platform Platform, token string) (Target, error) {
	if platform != Web {
		return Target{Platform: platform, Token: token}, nil
	}
	var sub WebSubscription
	if err := json.Unmarshal([]byte(token), &sub); err != nil {
		return Target{}, fmt.Errorf("%w: malformed web subscription: %v", ErrInvalidTarget, err)
	}
	return Target{Platform: Web, Subscription: &sub}, nil
}
