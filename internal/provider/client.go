package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/gateway"
	"github.com/torobias/torobias/internal/metrics"
)

// Client wraps one upstream data provider with a rate limiter, a circuit
// breaker, and a read-through fallback cache. Fetch results are cached so an
// outage can degrade to the last good payload instead of failing the job.
type Client struct {
	name    string
	http    *resty.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	kv      gateway.KV
	ttl     time.Duration
}

// Config describes one provider endpoint.
type Config struct {
	Name       string        `yaml:"name"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	RPS        float64       `yaml:"rps"`
	Burst      int           `yaml:"burst"`
	Timeout    time.Duration `yaml:"-"`
	CacheTTL   time.Duration `yaml:"-"`
	MaxRetries int           `yaml:"max_retries"`
}

// NewClient builds a provider client. kv may be nil to disable the fallback
// cache.
func NewClient(cfg Config, kv gateway.KV) *Client {
	if cfg.RPS <= 0 {
		cfg.RPS = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 6 * time.Hour
	}

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second)
	if cfg.APIKey != "" {
		http.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	settings := gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("provider", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("provider circuit state change")
		},
	}

	return &Client{
		name:    cfg.Name,
		http:    http,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		cb:      gobreaker.NewCircuitBreaker(settings),
		kv:      kv,
		ttl:     cfg.CacheTTL,
	}
}

// Name returns the provider name, used in logs and metrics.
func (c *Client) Name() string { return c.name }

// FetchResult is the payload plus how it was obtained.
type FetchResult struct {
	Body   []byte
	Source factor.Source // SCHEDULED_PULL or FALLBACK_CACHE
}

// Fetch GETs a path, honoring the rate limit and circuit breaker. On
// failure it falls back to the cached copy when one exists; the caller can
// tell from the Source field.
func (c *Client) Fetch(ctx context.Context, path string, params map[string]string) (FetchResult, error) {
	body, err := c.fetchLive(ctx, path, params)
	if err == nil {
		c.cacheStore(ctx, path, params, body)
		metrics.ProviderRequests.WithLabelValues(c.name, "ok").Inc()
		return FetchResult{Body: body, Source: factor.SourceScheduledPull}, nil
	}

	metrics.ProviderRequests.WithLabelValues(c.name, "error").Inc()
	log.Warn().Err(err).Str("provider", c.name).Str("path", path).
		Msg("provider fetch failed; trying fallback cache")

	if cached, ok := c.cacheLoad(ctx, path, params); ok {
		metrics.ProviderRequests.WithLabelValues(c.name, "fallback").Inc()
		return FetchResult{Body: cached, Source: factor.SourceFallbackCache}, nil
	}
	return FetchResult{}, factor.Reject(factor.ReasonProviderTimeout,
		"provider %s: %v (no cached fallback)", c.name, err)
}

func (c *Client) fetchLive(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := c.cb.Execute(func() (interface{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			Get(path)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("provider %s: status %d", c.name, resp.StatusCode())
		}
		return resp.Body(), nil
	})
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}

// cacheKey folds the query params in so per-symbol requests do not collide.
func cacheKey(provider, path string, params map[string]string) string {
	key := fmt.Sprintf("provider:%s:%s", provider, path)
	if len(params) == 0 {
		return key
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		key += ":" + name + "=" + params[name]
	}
	return key
}

func (c *Client) cacheStore(ctx context.Context, path string, params map[string]string, body []byte) {
	if c.kv == nil {
		return
	}
	if err := c.kv.Put(ctx, cacheKey(c.name, path, params), body, c.ttl); err != nil {
		log.Warn().Err(err).Str("provider", c.name).Msg("fallback cache write failed")
	}
}

func (c *Client) cacheLoad(ctx context.Context, path string, params map[string]string) ([]byte, bool) {
	if c.kv == nil {
		return nil, false
	}
	body, err := c.kv.Get(ctx, cacheKey(c.name, path, params))
	if err != nil {
		return nil, false
	}
	return body, true
}

// GetJSON fetches and decodes into out, reporting the data source.
func (c *Client) GetJSON(ctx context.Context, path string, params map[string]string, out interface{}) (factor.Source, error) {
	res, err := c.Fetch(ctx, path, params)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return "", fmt.Errorf("provider %s: decode %s: %w", c.name, path, err)
	}
	return res.Source, nil
}
