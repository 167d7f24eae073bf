package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type fakeTransport struct {
	calls     int
	callTimes []time.Time
	respond   func(n int) (openai.ChatCompletionResponse, error)
}

func (f *fakeTransport) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	f.callTimes = append(f.callTimes, time.Now())
	return f.respond(f.calls)
}

func textResponse(text string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: text}},
		},
		Usage: openai.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(t *testing.T, cfg Config, tr ChatTransport) *Client {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	if cfg.RatePerMinute == 0 {
		cfg.RatePerMinute = 60000 // effectively no pacing unless a test wants it
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Millisecond
	}
	c := New(cfg, testLogger(), WithTransport(tr))
	return c
}

// A transient failure is retried up to MaxAttempts with the transport
// invoked once per attempt, then surfaces as ErrCallFailed wrapping the
// last cause.
func TestCallRetriesThenFails(t *testing.T) {
	cause := errors.New("upstream 503")
	tr := &fakeTransport{respond: func(int) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, cause
	}}
	c := testClient(t, Config{MaxAttempts: 3, BreakerThreshold: 10}, tr)

	_, _, err := c.call(context.Background(), "describe", openai.ChatCompletionRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	var cf *ErrCallFailed
	if !errors.As(err, &cf) {
		t.Fatalf("expected ErrCallFailed, got %T: %v", err, err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause not wrapped: %v", err)
	}
	if tr.calls != 3 {
		t.Fatalf("expected 3 transport calls, got %d", tr.calls)
	}
}

// A success after transient failures returns the response and records no
// failure with the usage sink skipped for the failed attempts.
func TestCallRecoversMidRetry(t *testing.T) {
	tr := &fakeTransport{respond: func(n int) (openai.ChatCompletionResponse, error) {
		if n < 3 {
			return openai.ChatCompletionResponse{}, errors.New("flaky")
		}
		return textResponse("ok"), nil
	}}
	var usages []Usage
	c := testClient(t, Config{MaxAttempts: 3, BreakerThreshold: 10}, tr)
	c.usage = func(_ context.Context, u Usage) { usages = append(usages, u) }

	resp, _, err := c.call(context.Background(), "describe", openai.ChatCompletionRequest{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := resp.Choices[0].Message.Content; got != "ok" {
		t.Fatalf("unexpected content %q", got)
	}
	if len(usages) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(usages))
	}
	if usages[0].TotalTokens != 120 {
		t.Fatalf("unexpected tokens %d", usages[0].TotalTokens)
	}
}

// Cost is token counts scaled by the per-million rates.
func TestUsageCost(t *testing.T) {
	tr := &fakeTransport{respond: func(int) (openai.ChatCompletionResponse, error) {
		return textResponse("ok"), nil
	}}
	var got Usage
	c := testClient(t, Config{CostInputPerM: 1.0, CostOutputPerM: 2.0}, tr)
	c.usage = func(_ context.Context, u Usage) { got = u }

	if _, _, err := c.call(context.Background(), "describe", openai.ChatCompletionRequest{}); err != nil {
		t.Fatalf("call: %v", err)
	}
	want := 100.0/1e6*1.0 + 20.0/1e6*2.0
	if got.CostUSD != want {
		t.Fatalf("cost = %v, want %v", got.CostUSD, want)
	}
}

// Once consecutive failures reach the threshold the breaker opens and the
// next call fails fast with ErrBreakerOpen without touching the transport.
func TestBreakerOpensAndFailsFast(t *testing.T) {
	tr := &fakeTransport{respond: func(int) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, errors.New("down")
	}}
	c := testClient(t, Config{MaxAttempts: 1, BreakerThreshold: 2}, tr)

	for i := 0; i < 2; i++ {
		if _, _, err := c.call(context.Background(), "describe", openai.ChatCompletionRequest{}); err == nil {
			t.Fatal("expected failure")
		}
	}
	if c.BreakerState() != BreakerOpen {
		t.Fatalf("breaker = %v, want open", c.BreakerState())
	}

	before := tr.calls
	_, _, err := c.call(context.Background(), "describe", openai.ChatCompletionRequest{})
	var bo *ErrBreakerOpen
	if !errors.As(err, &bo) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
	if tr.calls != before {
		t.Fatal("transport invoked while breaker open")
	}
}

// After the cooldown one probe is allowed; a probe success closes the
// breaker, a probe failure reopens it.
func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	fail := true
	tr := &fakeTransport{respond: func(int) (openai.ChatCompletionResponse, error) {
		if fail {
			return openai.ChatCompletionResponse{}, errors.New("down")
		}
		return textResponse("ok"), nil
	}}
	c := testClient(t, Config{MaxAttempts: 1, BreakerThreshold: 1, BreakerCooldown: 30 * time.Second}, tr)
	WithClock(clock)(c)

	if _, _, err := c.call(context.Background(), "describe", openai.ChatCompletionRequest{}); err == nil {
		t.Fatal("expected failure")
	}
	if c.BreakerState() != BreakerOpen {
		t.Fatalf("breaker = %v, want open", c.BreakerState())
	}

	// Probe before cooldown is rejected.
	if c.breaker.Allow() {
		t.Fatal("probe allowed before cooldown")
	}

	now = now.Add(31 * time.Second)
	fail = false
	if _, _, err := c.call(context.Background(), "describe", openai.ChatCompletionRequest{}); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if c.BreakerState() != BreakerClosed {
		t.Fatalf("breaker = %v, want closed after probe success", c.BreakerState())
	}
}

// Half-open admits exactly one probe at a time; a second caller is rejected
// until the probe settles.
func TestBreakerSingleProbe(t *testing.T) {
	now := time.Now()
	b := newBreaker(1, time.Second)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("breaker = %v, want open", b.State())
	}

	now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("probe rejected after cooldown")
	}
	if b.Allow() {
		t.Fatal("second probe allowed while the first is in flight")
	}

	// A released slot frees the probe for the next caller.
	b.Release()
	if !b.Allow() {
		t.Fatal("probe rejected after release")
	}

	b.RecordSuccess()
	if b.State() != BreakerClosed || !b.Allow() {
		t.Fatalf("breaker = %v after probe success, want closed", b.State())
	}
}

// Pacing spaces consecutive transport calls by at least the per-minute
// interval. 1200 rpm keeps the test fast at 50ms spacing.
func TestPacingSpacesCalls(t *testing.T) {
	tr := &fakeTransport{respond: func(int) (openai.ChatCompletionResponse, error) {
		return textResponse("ok"), nil
	}}
	c := testClient(t, Config{RatePerMinute: 1200}, tr)

	for i := 0; i < 3; i++ {
		if _, _, err := c.call(context.Background(), "describe", openai.ChatCompletionRequest{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	for i := 1; i < len(tr.callTimes); i++ {
		gap := tr.callTimes[i].Sub(tr.callTimes[i-1])
		if gap < 45*time.Millisecond {
			t.Fatalf("calls %d and %d only %v apart", i-1, i, gap)
		}
	}
}

// A response with no choices or blank content is an error, never an empty
// record.
func TestEmptyResponseRejected(t *testing.T) {
	tr := &fakeTransport{respond: func(int) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, nil
	}}
	c := testClient(t, Config{}, tr)
	resp, _, err := c.call(context.Background(), "describe", openai.ChatCompletionRequest{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := c.firstChoice(resp); err == nil {
		t.Fatal("expected empty-response error")
	}
	var er *ErrEmptyResponse
	if _, ferr := c.firstChoice(resp); !errors.As(ferr, &er) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short passes through", "All quiet.", 200, "All quiet."},
		{"sentence boundary preferred",
			"A van arrived at the gate. The driver unloaded boxes near the side door and then left the area heading north.",
			50, "A van arrived at the gate."},
		{"word boundary fallback",
			strings.Repeat("word ", 50), 52, strings.TrimSpace(strings.Repeat("word ", 10)) + "…"},
		{"multibyte counts runes not bytes",
			"Привет. Сегодня на улице было тихо и спокойно весь день.",
			20, "Привет. Сегодня на…"},
		{"zero limit", "anything", 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Truncate(tc.in, tc.limit)
			if got != tc.want {
				t.Fatalf("Truncate(%q, %d) = %q, want %q", tc.in, tc.limit, got, tc.want)
			}
			if n := len([]rune(got)); n > tc.limit {
				t.Fatalf("result %d runes exceeds limit %d", n, tc.limit)
			}
		})
	}
}

func TestParseTags(t *testing.T) {
	// Prose and code fences around the object are stripped; labels are
	// lowercased and deduplicated.
	text := "Here you go:\n```json\n{\"people\": [\"Person Walking\", \"person walking\"], \"vehicles\": [\" White Van \"], \"objects\": []}\n```"
	tags := ParseTags(text)
	if len(tags.People) != 1 || tags.People[0] != "person walking" {
		t.Fatalf("people = %v", tags.People)
	}
	if len(tags.Vehicles) != 1 || tags.Vehicles[0] != "white van" {
		t.Fatalf("vehicles = %v", tags.Vehicles)
	}
	if tags.Objects == nil || len(tags.Objects) != 0 {
		t.Fatalf("objects = %v", tags.Objects)
	}

	// Garbage degrades to empty tags rather than an error.
	empty := ParseTags("no json here")
	if len(empty.People)+len(empty.Vehicles)+len(empty.Objects) != 0 {
		t.Fatalf("expected empty tags, got %+v", empty)
	}
	if empty.People == nil {
		t.Fatal("empty tags must marshal as [] not null")
	}
}

func TestParseReport(t *testing.T) {
	summary, highlights := ParseReport(`{"summary": "Quiet day overall.", "highlights": ["Van at 09:12", "", "Dog at 14:30", "Extra one", "Another"]}`)
	if summary != "Quiet day overall." {
		t.Fatalf("summary = %q", summary)
	}
	if len(highlights) != 3 {
		t.Fatalf("highlights = %v", highlights)
	}

	// Unparsable response falls back to the raw text as summary.
	summary, highlights = ParseReport("just plain text")
	if summary != "just plain text" || len(highlights) != 0 {
		t.Fatalf("fallback: %q %v", summary, highlights)
	}
}
