package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jwjohns/curator/internal/pricing"
	"github.com/jwjohns/curator/internal/ratelimit"
)

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	LogFormat      string `yaml:"log_format"`      // "json" or "console"
	MetricsAddr    string `yaml:"metrics_addr"`    // empty disables the status server
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

// Limit is the capacity policy of one model. Initial values are optional.
type Limit struct {
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	TokensPerMinute   int      `yaml:"tokens_per_minute"`
	InitialRequests   *float64 `yaml:"initial_requests"`
	InitialTokens     *float64 `yaml:"initial_tokens"`
}

func (l Limit) Policy() ratelimit.Policy {
	return ratelimit.Policy{
		RequestsPerMinute: l.RequestsPerMinute,
		TokensPerMinute:   l.TokensPerMinute,
		InitialRequests:   l.InitialRequests,
		InitialTokens:     l.InitialTokens,
	}
}

type Limits struct {
	Default Limit            `yaml:"default"`
	Models  map[string]Limit `yaml:"models"`
}

type Dispatch struct {
	Workers                 int  `yaml:"workers"`
	MaxRetries              *int `yaml:"max_retries"`
	RateLimitCooldownMS     int  `yaml:"rate_limit_cooldown_ms"`
	MinBackoffMS            int  `yaml:"min_backoff_ms"`
	MaxBackoffMS            int  `yaml:"max_backoff_ms"`
	DefaultCompletionTokens int  `yaml:"default_completion_tokens"`
	ProgressIntervalMS      int  `yaml:"progress_interval_ms"`
}

type Upstream struct {
	URL       string `yaml:"url"`
	APIKeyEnv string `yaml:"api_key_env"`
	TimeoutMS int    `yaml:"timeout_ms"`
	MaxConns  int    `yaml:"max_conns"`
}

type Pricing struct {
	File   string                   `yaml:"file"`
	Models map[string]pricing.Price `yaml:"models"`
}

type APIKey struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

// Auth protects the status server. No keys means no authentication.
type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

type Root struct {
	Model         string        `yaml:"model"`
	Observability Observability `yaml:"observability"`
	Limits        Limits        `yaml:"limits"`
	Dispatch      Dispatch      `yaml:"dispatch"`
	Upstream      Upstream      `yaml:"upstream"`
	Pricing       Pricing       `yaml:"pricing"`
	Auth          Auth          `yaml:"auth"`
}

// Retries is the number of extra attempts after a failed call.
func (d Dispatch) Retries() int {
	if d.MaxRetries == nil {
		return 0
	}
	return *d.MaxRetries
}

func (d Dispatch) RateLimitCooldown() time.Duration {
	return time.Duration(d.RateLimitCooldownMS) * time.Millisecond
}

func (d Dispatch) MinBackoff() time.Duration {
	return time.Duration(d.MinBackoffMS) * time.Millisecond
}

func (d Dispatch) MaxBackoff() time.Duration {
	return time.Duration(d.MaxBackoffMS) * time.Millisecond
}

func (d Dispatch) ProgressInterval() time.Duration {
	return time.Duration(d.ProgressIntervalMS) * time.Millisecond
}

func (u Upstream) Timeout() time.Duration {
	return time.Duration(u.TimeoutMS) * time.Millisecond
}

// APIKey reads the key from the configured environment variable.
func (u Upstream) APIKey() string {
	if u.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(u.APIKeyEnv)
}

// PolicyFor resolves the limit of model: an exact entry under limits.models,
// else limits.default.
func (r *Root) PolicyFor(model string) ratelimit.Policy {
	if l, ok := r.Limits.Models[model]; ok {
		return l.Policy()
	}
	return r.Limits.Default.Policy()
}

// Prices merges the price file (if any) with inline prices; inline wins.
func (r *Root) Prices() (*pricing.Table, error) {
	inline := pricing.New(r.Pricing.Models)
	if r.Pricing.File == "" {
		return inline, nil
	}
	fromFile, err := pricing.LoadFile(r.Pricing.File)
	if err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}
	return fromFile.Merge(inline), nil
}

// Validate reports every problem found, joined.
func (r *Root) Validate() error {
	var errs []error

	check := func(name string, l Limit) {
		if l.RequestsPerMinute < 0 || l.TokensPerMinute < 0 {
			errs = append(errs, fmt.Errorf("limits.%s: negative ceiling", name))
		}
		if l.InitialRequests != nil && (*l.InitialRequests < 0 || *l.InitialRequests > float64(l.RequestsPerMinute)) {
			errs = append(errs, fmt.Errorf("limits.%s: initial_requests must be within [0, requests_per_minute]", name))
		}
		if l.InitialTokens != nil && (*l.InitialTokens < 0 || *l.InitialTokens > float64(l.TokensPerMinute)) {
			errs = append(errs, fmt.Errorf("limits.%s: initial_tokens must be within [0, tokens_per_minute]", name))
		}
	}
	check("default", r.Limits.Default)
	for model, l := range r.Limits.Models {
		check("models."+model, l)
	}

	if r.Dispatch.Workers < 1 {
		errs = append(errs, errors.New("dispatch.workers must be at least 1"))
	}
	if r.Dispatch.MaxRetries != nil && *r.Dispatch.MaxRetries < 0 {
		errs = append(errs, errors.New("dispatch.max_retries must not be negative"))
	}
	if r.Dispatch.MaxBackoffMS < r.Dispatch.MinBackoffMS {
		errs = append(errs, errors.New("dispatch.max_backoff_ms must not be below min_backoff_ms"))
	}
	for model, p := range r.Pricing.Models {
		if p.InputCostPerToken < 0 || p.OutputCostPerToken < 0 {
			errs = append(errs, fmt.Errorf("pricing.models.%s: negative price", model))
		}
	}
	return errors.Join(errs...)
}

// Default returns a configuration with every default applied.
func Default() *Root {
	var cfg Root
	cfg.applyDefaults()
	return &cfg
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (r *Root) applyDefaults() {
	if r.Observability.LogLevel == "" {
		r.Observability.LogLevel = "info"
	}
	if r.Observability.LogFormat == "" {
		r.Observability.LogFormat = "json"
	}
	if r.Observability.PrometheusPath == "" {
		r.Observability.PrometheusPath = "/metrics"
	}
	if r.Limits.Default.RequestsPerMinute == 0 {
		r.Limits.Default.RequestsPerMinute = 500
	}
	if r.Limits.Default.TokensPerMinute == 0 {
		r.Limits.Default.TokensPerMinute = 100_000
	}
	if r.Dispatch.Workers == 0 {
		r.Dispatch.Workers = 16
	}
	if r.Dispatch.MaxRetries == nil {
		n := 3
		r.Dispatch.MaxRetries = &n
	}
	if r.Dispatch.RateLimitCooldownMS == 0 {
		r.Dispatch.RateLimitCooldownMS = 10_000
	}
	if r.Dispatch.MinBackoffMS == 0 {
		r.Dispatch.MinBackoffMS = 10
	}
	if r.Dispatch.MaxBackoffMS == 0 {
		r.Dispatch.MaxBackoffMS = 5_000
	}
	if r.Dispatch.DefaultCompletionTokens == 0 {
		r.Dispatch.DefaultCompletionTokens = 1024
	}
	if r.Dispatch.ProgressIntervalMS == 0 {
		r.Dispatch.ProgressIntervalMS = 1_000
	}
	if r.Upstream.URL == "" {
		r.Upstream.URL = "https://api.openai.com/v1/chat/completions"
	}
	if r.Upstream.APIKeyEnv == "" {
		r.Upstream.APIKeyEnv = "OPENAI_API_KEY"
	}
	if r.Upstream.TimeoutMS <= 0 {
		r.Upstream.TimeoutMS = 60_000
	}
	if r.Auth.Header == "" {
		r.Auth.Header = "X-API-Key"
	}
}
