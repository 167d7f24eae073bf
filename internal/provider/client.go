// Package provider wraps one external inference provider behind request
// pacing, retries with exponential backoff, and a circuit breaker.
//
// Both providers speak the OpenAI chat-completions surface (Groq natively,
// Gemini through its compatibility endpoint), so a single client type
// covers both; two independent instances carry independent pacing and
// breaker state, and one provider's open breaker never blocks the other.
package provider

import (
	"context"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ChatTransport is the provider call surface. *openai.Client satisfies it;
// tests substitute fakes.
type ChatTransport interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Usage describes one completed transport call for the usage ledger.
type Usage struct {
	Provider     string
	Model        string
	Endpoint     string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostUSD      float64
	LatencyMS    float64
}

// UsageSink receives one Usage per completed transport call. Sinks must not
// block; ledger write failures are the sink's problem, not the caller's.
type UsageSink func(ctx context.Context, u Usage)

// ResultSink observes call outcomes for health reporting.
type ResultSink func(provider string, success bool, latencyMS float64)

// Config configures one provider client.
type Config struct {
	// Name tags records and errors: "groq", "gemini".
	Name string
	// BaseURL is the OpenAI-compatible endpoint root.
	BaseURL string
	APIKey  string
	Model   string

	// RatePerMinute caps request frequency; calls arriving early block
	// until the window opens.
	RatePerMinute int
	// MaxAttempts bounds transport tries per call (including the first).
	MaxAttempts int
	// BaseDelay is the first backoff, doubling per attempt.
	BaseDelay time.Duration
	// BreakerThreshold consecutive failures open the breaker for
	// BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Cost per million tokens, for the usage ledger.
	CostInputPerM  float64
	CostOutputPerM float64
}

func (c *Config) defaults() {
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 30
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
}

// Client is a rate-limited, breaker-protected provider client.
type Client struct {
	cfg       Config
	transport ChatTransport
	pacer     *rate.Limiter
	breaker   *breaker
	usage     UsageSink
	result    ResultSink
	logger    *slog.Logger
	sleep     func(context.Context, time.Duration) error
}

// Option customises a Client.
type Option func(*Client)

// WithTransport replaces the HTTP transport (testing).
func WithTransport(t ChatTransport) Option {
	return func(c *Client) { c.transport = t }
}

// WithUsageSink registers the usage ledger sink.
func WithUsageSink(s UsageSink) Option {
	return func(c *Client) { c.usage = s }
}

// WithResultSink registers the health observer.
func WithResultSink(s ResultSink) Option {
	return func(c *Client) { c.result = s }
}

// WithClock overrides the breaker clock (testing).
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.breaker.now = now }
}

// New creates a provider client.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	c := &Client{
		cfg:       cfg,
		transport: openai.NewClientWithConfig(apiCfg),
		pacer:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1),
		breaker:   newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:    logger,
		sleep:     sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the provider tag.
func (c *Client) Name() string { return c.cfg.Name }

// Model returns the configured model.
func (c *Client) Model() string { return c.cfg.Model }

// BreakerState exposes the breaker for health reporting.
func (c *Client) BreakerState() BreakerState { return c.breaker.State() }

// call runs one chat completion through pacing, breaker, and retry. The
// breaker-open error surfaces immediately and does not consume attempts; a
// transient failure is retried with doubling backoff up to MaxAttempts.
func (c *Client) call(ctx context.Context, endpoint string, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, float64, error) {
	if !c.breaker.Allow() {
		return openai.ChatCompletionResponse{}, 0, &ErrBreakerOpen{Provider: c.cfg.Name}
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		if err := c.pacer.Wait(ctx); err != nil {
			c.breaker.Release()
			return openai.ChatCompletionResponse{}, 0, err
		}

		start := time.Now()
		resp, err := c.transport.CreateChatCompletion(ctx, req)
		latency := float64(time.Since(start)) / float64(time.Millisecond)

		if err == nil {
			c.breaker.RecordSuccess()
			c.recordUsage(ctx, endpoint, resp, latency)
			c.report(true, latency)
			return resp, latency, nil
		}

		c.breaker.RecordFailure()
		c.report(false, latency)
		lastErr = err
		c.logger.Warn("provider: attempt failed",
			"provider", c.cfg.Name,
			"endpoint", endpoint,
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"error", err)

		if ctx.Err() != nil {
			break
		}
		if !c.breaker.Allow() {
			// The breaker tripped mid-call; stop burning attempts.
			break
		}
		if attempt < c.cfg.MaxAttempts {
			wait := c.cfg.BaseDelay * (1 << uint(attempt-1))
			if err := c.sleep(ctx, wait); err != nil {
				break
			}
		}
	}

	return openai.ChatCompletionResponse{}, 0, &ErrCallFailed{
		Provider: c.cfg.Name,
		Attempts: attempts,
		Cause:    lastErr,
	}
}

func (c *Client) recordUsage(ctx context.Context, endpoint string, resp openai.ChatCompletionResponse, latencyMS float64) {
	if c.usage == nil {
		return
	}
	in := resp.Usage.PromptTokens
	out := resp.Usage.CompletionTokens
	total := resp.Usage.TotalTokens
	if total == 0 {
		total = in + out
	}
	c.usage(ctx, Usage{
		Provider:     c.cfg.Name,
		Model:        c.cfg.Model,
		Endpoint:     endpoint,
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  total,
		CostUSD:      float64(in)/1e6*c.cfg.CostInputPerM + float64(out)/1e6*c.cfg.CostOutputPerM,
		LatencyMS:    latencyMS,
	})
}

func (c *Client) report(success bool, latencyMS float64) {
	if c.result != nil {
		c.result(c.cfg.Name, success, latencyMS)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
