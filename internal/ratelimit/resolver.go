package ratelimit

import (
	"fmt"
	"os"
	"sort"
	"strings"

	limiterpkg "github.com/ulule/limiter/v3"
	"gopkg.in/yaml.v3"
)

// Default tiers in ulule notation.
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
)

// preAuthRate caps one caller IP across all protected routes.
const preAuthRate = "1200-M"

var tierRates = map[string]string{
	TierHigh:   "100-M",
	TierMedium: "300-M",
	TierLow:    "1000-H",
}

// ParseRule turns a tier name or a formatted rate ("100-M", "1000-H") into
// a Rule.
func ParseRule(name, spec string) (Rule, error) {
	formatted := spec
	if f, ok := tierRates[spec]; ok {
		formatted = f
	}
	rate, err := limiterpkg.NewRateFromFormatted(formatted)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to parse rate %q: %w", spec, err)
	}
	if name == "" {
		name = spec
	}
	return Rule{Name: name, Limit: rate.Limit, Window: rate.Period}, nil
}

// Tier returns one of the built-in tiers.
func Tier(name string) Rule {
	r, err := ParseRule(name, name)
	if err != nil {
		panic(err)
	}
	return r
}

type patternRule struct {
	method string
	prefix string
	rule   Rule
}

// Resolver picks the rule for a request: explicit route metadata first, then
// the longest matching endpoint prefix, then the default tier.
type Resolver struct {
	routes   map[string]Rule
	patterns []patternRule
	fallback Rule
	preAuth  Rule
}

func NewResolver() *Resolver {
	r := &Resolver{
		routes:   make(map[string]Rule),
		fallback: Tier(TierMedium),
	}
	r.preAuth, _ = ParseRule("pre_auth", preAuthRate)
	r.AddPattern("POST", "/api/v1/notifications", Tier(TierHigh))
	r.AddPattern("", "/api/v1/jobs", Tier(TierMedium))
	r.AddPattern("", "/api/v1/queues", Tier(TierMedium))
	r.AddPattern("", "/api/v1/webhooks", Tier(TierLow))
	return r
}

// Route attaches a rule to one echo route (method and path template).
func (r *Resolver) Route(method, path string, rule Rule) {
	r.routes[strings.ToUpper(method)+" "+path] = rule
}

// AddPattern registers a prefix rule. An empty method matches any method.
// A later pattern with the same method and prefix replaces the earlier one.
func (r *Resolver) AddPattern(method, prefix string, rule Rule) {
	method = strings.ToUpper(method)
	for i, p := range r.patterns {
		if p.method == method && p.prefix == prefix {
			r.patterns[i].rule = rule
			return
		}
	}
	r.patterns = append(r.patterns, patternRule{method: method, prefix: prefix, rule: rule})
	sort.SliceStable(r.patterns, func(i, j int) bool {
		return len(r.patterns[i].prefix) > len(r.patterns[j].prefix)
	})
}

func (r *Resolver) SetDefault(rule Rule) {
	r.fallback = rule
}

// SetPreAuth replaces the per-IP rule applied before authentication.
func (r *Resolver) SetPreAuth(rule Rule) {
	r.preAuth = rule
}

func (r *Resolver) PreAuth() Rule {
	return r.preAuth
}

func (r *Resolver) Resolve(method, path string) Rule {
	method = strings.ToUpper(method)
	if rule, ok := r.routes[method+" "+path]; ok {
		return rule
	}
	for _, p := range r.patterns {
		if p.method != "" && p.method != method {
			continue
		}
		if strings.HasPrefix(path, p.prefix) {
			return p.rule
		}
	}
	return r.fallback
}

type fileConfig struct {
	Default string `yaml:"default"`
	PreAuth string `yaml:"pre_auth"`
	Rules   []struct {
		Method string `yaml:"method"`
		Prefix string `yaml:"prefix"`
		Rate   string `yaml:"rate"`
	} `yaml:"rules"`
}

// LoadRules applies overrides from a YAML file:
//
//	default: medium
//	pre_auth: 600-M
//	rules:
//	  - method: POST
//	    prefix: /api/v1/notifications
//	    rate: 50-M
func (r *Resolver) LoadRules(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read rate limit config: %w", err)
	}
	return r.applyRules(raw)
}

func (r *Resolver) applyRules(raw []byte) error {
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("failed to parse rate limit config: %w", err)
	}

	if cfg.Default != "" {
		rule, err := ParseRule("default", cfg.Default)
		if err != nil {
			return err
		}
		r.SetDefault(rule)
	}
	if cfg.PreAuth != "" {
		rule, err := ParseRule("pre_auth", cfg.PreAuth)
		if err != nil {
			return err
		}
		r.SetPreAuth(rule)
	}
	for _, entry := range cfg.Rules {
		if entry.Prefix == "" {
			return fmt.Errorf("rate limit rule without prefix")
		}
		rule, err := ParseRule(entry.Prefix, entry.Rate)
		if err != nil {
			return err
		}
		r.AddPattern(entry.Method, entry.Prefix, rule)
	}
	return nil
}
