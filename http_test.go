package yardwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hazyhaar/yardwatch/internal/provider"
	"github.com/hazyhaar/yardwatch/internal/snapshot"
	"github.com/hazyhaar/yardwatch/internal/store"
)

type staticTransport struct {
	text  string
	calls int
}

func (s *staticTransport) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.calls++
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: s.text}},
		},
	}, nil
}

func testService(t *testing.T, apiKey string) *Service {
	t.Helper()
	return testServiceIn(t, t.TempDir(), apiKey)
}

func testServiceIn(t *testing.T, dir, apiKey string) *Service {
	t.Helper()
	cfg := &Config{DataDir: dir, APIKey: apiKey, Timezone: "UTC"}
	cfg.Describe.Model = "m"
	cfg.Summarize.Model = "m"
	cfg.defaults()
	cfg.loc = time.UTC
	cfg.Describe.apiKey = "x"
	cfg.Summarize.apiKey = "x"

	svc, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func writeServiceSnapshot(t *testing.T, svc *Service, ts time.Time) string {
	t.Helper()
	path := snapshot.PathFor(svc.cfg.SnapshotDir, ts, time.UTC)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("frame"), 0o644); err != nil {
		t.Fatal(err)
	}
	svc.lister.Invalidate()
	return path
}

func doJSON(t *testing.T, h http.Handler, method, target, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// Health is reachable without the key and always reports a status plus the
// schema version.
func TestHealthEndpointOpen(t *testing.T) {
	svc := testService(t, "sekrit")
	writeServiceSnapshot(t, svc, time.Now().UTC())
	h := svc.routes()

	rec := doJSON(t, h, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var report HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Status == "" || report.SchemaVersion != store.SchemaVersion {
		t.Fatalf("report %+v", report)
	}
}

// A configured key gates every data route.
func TestAPIKeyRequired(t *testing.T) {
	svc := testService(t, "sekrit")
	h := svc.routes()

	if rec := doJSON(t, h, http.MethodGet, "/api/descriptions", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/api/descriptions", "wrong", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/api/descriptions", "sekrit", nil); rec.Code != http.StatusOK {
		t.Fatalf("right key: status = %d", rec.Code)
	}
}

// List routes page newest-first.
func TestDescriptionsPaging(t *testing.T) {
	svc := testService(t, "")
	h := svc.routes()
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * 10 * time.Minute)
		rec := store.DescriptionRecord{Timestamp: ts.Format(time.RFC3339), Text: ts.Format("15:04")}
		if err := svc.st.Append(ctx, store.ListDescriptions, ts, rec); err != nil {
			t.Fatal(err)
		}
	}

	rec := doJSON(t, h, http.MethodGet, "/api/descriptions?limit=2&offset=1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Items []store.DescriptionRecord `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Items) != 2 || resp.Items[0].Text != "10:30" || resp.Items[1].Text != "10:20" {
		t.Fatalf("items = %+v", resp.Items)
	}
}

// Custom compare resolves relative paths, calls the comparison provider,
// and persists a record. The describe provider stays untouched.
func TestCompareCustom(t *testing.T) {
	svc := testService(t, "")
	describeTr := &staticTransport{text: "unused"}
	compareTr := &staticTransport{text: "a bike appeared."}
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc.describer = provider.New(provider.Config{Name: "groq", Model: "m", RatePerMinute: 60000},
		discard, provider.WithTransport(describeTr))
	svc.summarizer = provider.New(provider.Config{Name: "gemini", Model: "m", RatePerMinute: 60000},
		discard, provider.WithTransport(compareTr))
	h := svc.routes()

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	a := writeServiceSnapshot(t, svc, base)
	b := writeServiceSnapshot(t, svc, base.Add(2*time.Hour))
	relA, _ := filepath.Rel(svc.cfg.SnapshotDir, a)
	relB, _ := filepath.Rel(svc.cfg.SnapshotDir, b)

	rec := doJSON(t, h, http.MethodPost, "/api/compare/custom", "",
		compareCustomRequest{SnapshotA: relA, SnapshotB: relB})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var out store.ComparisonRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Text != "a bike appeared." || out.SnapshotA != a || out.SnapshotB != b {
		t.Fatalf("record %+v", out)
	}
	if out.Provider != "gemini" {
		t.Fatalf("provider = %q, want gemini", out.Provider)
	}
	if compareTr.calls != 1 || describeTr.calls != 0 {
		t.Fatalf("transport calls: compare = %d, describe = %d", compareTr.calls, describeTr.calls)
	}
	if n, _ := svc.st.Count(context.Background(), store.ListCompareCustom); n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}
}

// A data dir written by another version still starts; the mismatch shows up
// as a degraded health reason.
func TestSchemaMismatchNonFatal(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "schema_version.txt"), []byte("0.0.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	svc := testServiceIn(t, dir, "")
	writeServiceSnapshot(t, svc, time.Now().UTC())
	h := svc.routes()

	rec := doJSON(t, h, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var report HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusDegraded {
		t.Fatalf("status = %q, want degraded", report.Status)
	}
	found := false
	for _, reason := range report.Reasons {
		if strings.Contains(reason, "0.0.1") {
			found = true
		}
	}
	if !found {
		t.Fatalf("reasons = %v, want schema mismatch", report.Reasons)
	}
}

// Path traversal and absolute paths are rejected.
func TestSnapshotPathGuards(t *testing.T) {
	svc := testService(t, "")
	h := svc.routes()

	for _, path := range []string{"../../etc/passwd.jpg", "/etc/passwd.jpg", "", "2026/08/30/notes.txt"} {
		rec := doJSON(t, h, http.MethodPost, "/api/enqueue", "", enqueueRequest{Path: path})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("path %q: status = %d", path, rec.Code)
		}
	}
}

// A valid enqueue is accepted and lands in the queue.
func TestEnqueueAccepted(t *testing.T) {
	svc := testService(t, "")
	h := svc.routes()
	path := writeServiceSnapshot(t, svc, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC))
	rel, _ := filepath.Rel(svc.cfg.SnapshotDir, path)

	rec := doJSON(t, h, http.MethodPost, "/api/enqueue", "", enqueueRequest{Path: rel})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if svc.q.Depth() != 1 {
		t.Fatalf("queue depth = %d, want 1", svc.q.Depth())
	}
}

// Usage summary aggregates records over the requested window.
func TestUsageSummaryEndpoint(t *testing.T) {
	svc := testService(t, "")
	h := svc.routes()
	ctx := context.Background()

	now := time.Now().UTC()
	if err := svc.st.AppendUsage(ctx, store.UsageRecord{
		Timestamp: now.Format(time.RFC3339), Provider: "groq", Model: "m",
		Endpoint: "describe", InputTokens: 100, OutputTokens: 10, TotalTokens: 110, CostUSD: 0.002,
	}); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/usage/summary?days=7", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var summary store.UsageSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Totals.TotalTokens != 110 {
		t.Fatalf("summary %+v", summary)
	}
}
