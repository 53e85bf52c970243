package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/vibereport/internal/audit"
	"github.com/MikeSquared-Agency/vibereport/internal/batcher"
	"github.com/MikeSquared-Agency/vibereport/internal/credit"
	"github.com/MikeSquared-Agency/vibereport/internal/payments"
	"github.com/MikeSquared-Agency/vibereport/internal/store"
	"github.com/MikeSquared-Agency/vibereport/internal/testutil"
	"github.com/MikeSquared-Agency/vibereport/internal/vibe"
)

// noopProcessor satisfies batcher.EventProcessor.
type noopProcessor struct{}

func (n *noopProcessor) Process(_ context.Context, _ audit.Event) {}

// stubGenerator plays back canned chunks and returns their concatenation.
type stubGenerator struct {
	chunks []string
	err    error
}

func (g *stubGenerator) Stream(_ context.Context, _ string, onChunk func(string)) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	var b strings.Builder
	for _, c := range g.chunks {
		if onChunk != nil {
			onChunk(c)
		}
		b.WriteString(c)
	}
	return b.String(), nil
}

// blockingGenerator holds a stream open until released, for concurrency tests.
type blockingGenerator struct {
	started chan struct{}
	release chan struct{}
}

func (g *blockingGenerator) Stream(_ context.Context, _ string, _ func(string)) (string, error) {
	close(g.started)
	<-g.release
	return "done", nil
}

type stubCheckout struct {
	url string
	err error
}

func (c *stubCheckout) CreateSession(_ context.Context, _, _, _ string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return c.url, nil
}

func setupServer(ms store.DataStore, gen Generator, co CheckoutStarter) *Server {
	bat := batcher.New(ms, &noopProcessor{}, batcher.Config{
		FlushInterval:  1 * time.Hour,
		FlushThreshold: 1000,
		BufferMax:      10000,
	})
	ledger := credit.NewLedger(ms, bat)
	return NewServer(ms, ledger, bat, gen, co, nil, Options{
		Port:           8600,
		InitialCredits: 2,
		AppOrigin:      "http://localhost:3000",
	})
}

func TestHealthEndpoint(t *testing.T) {
	srv := setupServer(testutil.NewMockStore(), &stubGenerator{}, &stubCheckout{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["service"] != "vibereport" {
		t.Errorf("expected service vibereport, got %v", body["service"])
	}
}

func TestCreateAccount(t *testing.T) {
	ms := testutil.NewMockStore()
	srv := setupServer(ms, &stubGenerator{}, &stubCheckout{})

	req := httptest.NewRequest("POST", "/api/v1/accounts",
		strings.NewReader(`{"account_id":"u1","display_name":"Alex"}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["account_id"] != "u1" {
		t.Errorf("expected account_id u1, got %v", body["account_id"])
	}
	if body["balance"].(float64) != 2 {
		t.Errorf("expected initial balance 2, got %v", body["balance"])
	}
	if srv.batcher.BufferLen() != 1 {
		t.Errorf("expected 1 buffered audit event, got %d", srv.batcher.BufferLen())
	}
}

func TestCreateAccount_GeneratedID(t *testing.T) {
	srv := setupServer(testutil.NewMockStore(), &stubGenerator{}, &stubCheckout{})

	req := httptest.NewRequest("POST", "/api/v1/accounts",
		strings.NewReader(`{"display_name":"Alex"}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}

	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if id, _ := body["account_id"].(string); !strings.HasPrefix(id, "guest-") {
		t.Errorf("expected a generated guest id, got %q", id)
	}
}

func TestCreateAccount_MissingDisplayName(t *testing.T) {
	srv := setupServer(testutil.NewMockStore(), &stubGenerator{}, &stubCheckout{})

	req := httptest.NewRequest("POST", "/api/v1/accounts", strings.NewReader(`{"account_id":"u1"}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetAccount(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetAccount("u1", 5)
	srv := setupServer(ms, &stubGenerator{}, &stubCheckout{})

	req := httptest.NewRequest("GET", "/api/v1/accounts/u1", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["balance"].(float64) != 5 {
		t.Errorf("expected balance 5, got %v", body["balance"])
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	srv := setupServer(testutil.NewMockStore(), &stubGenerator{}, &stubCheckout{})

	req := httptest.NewRequest("GET", "/api/v1/accounts/nope", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestAnalyze_Success(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetAccount("u1", 3)
	gen := &stubGenerator{chunks: []string{
		"🧩 **Alex**\n",
		"🪶 Social Vibe: 8.0/10 — [Warm Anchor]\n",
		"**Your Reciprocity Style:** 7.0 / 10\n",
		"**Your Social Presence:** 9.0 / 10\n",
	}}
	srv := setupServer(ms, gen, &stubCheckout{})

	req := httptest.NewRequest("POST", "/api/v1/analyze",
		strings.NewReader(`{"account_id":"u1","display_name":"Alex","transcript":"Alex: hi\nJordan: hey"}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event-stream content type, got %s", ct)
	}

	body := w.Body.String()
	if !strings.Contains(body, "event: chunk") {
		t.Error("expected chunk events in stream")
	}
	if !strings.Contains(body, "event: report") {
		t.Errorf("expected a report event, body was: %s", body)
	}
	if !strings.Contains(body, `"Warm Anchor"`) {
		t.Error("expected parsed vibe descriptor in report event")
	}
	if !strings.Contains(body, `"balance":2`) {
		t.Error("expected new balance 2 in report event")
	}

	if got := ms.Balance("u1"); got != 2 {
		t.Errorf("expected balance 2 after consume, got %d", got)
	}
	if len(ms.Analyses) != 1 {
		t.Errorf("expected 1 persisted analysis, got %d", len(ms.Analyses))
	}
}

func TestAnalyze_SyntheticTranscript(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetAccount("u1", 1)
	gen := &stubGenerator{chunks: []string{"🧩 **Alex**\n"}}
	srv := setupServer(ms, gen, &stubCheckout{})

	req := httptest.NewRequest("POST", "/api/v1/analyze",
		strings.NewReader(`{"account_id":"u1","display_name":"Alex","synthetic":true}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "event: report") {
		t.Error("expected a report event for synthetic run")
	}
}

// reportEvent extracts and decodes the final report SSE event from a body.
func reportEvent(t *testing.T, body string) (string, int, vibe.Report) {
	t.Helper()
	idx := strings.Index(body, "event: report\ndata: ")
	if idx < 0 {
		t.Fatalf("no report event in stream: %s", body)
	}
	data := body[idx+len("event: report\ndata: "):]
	if end := strings.Index(data, "\n\n"); end >= 0 {
		data = data[:end]
	}

	var evt struct {
		AnalysisID string      `json:"analysis_id"`
		Balance    int         `json:"balance"`
		Report     vibe.Report `json:"report"`
	}
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		t.Fatalf("unmarshal report event: %v", err)
	}
	return evt.AnalysisID, evt.Balance, evt.Report
}

func TestAnalyze_SyntheticRoundTrip(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetAccount("u1", 2)
	gen := &stubGenerator{chunks: []string{
		"🧩 **Alex**\n🪶 Social Vibe: 8.3/10 — [Warm connector]\n",
		"**Your Reciprocity Style:** 7.5 / 10\n**Your Social Presence:** 9.0 / 10\n\n",
		"🧩 **Jordan**\n🪶 Social Vibe: 6.1/10 — [Dry wit]\n",
		"**Reciprocity Style:** 8.0 / 10\n**Social Presence:** 6.5 / 10\n\n",
		"🧩 **Casey**\n🪶 Social Vibe: 4.0/10 — [Quiet observer]\n",
		"**Reciprocity Style:** 4.0 / 10\n**Social Presence:** 5.0 / 10\n\n",
		"🌐 Group Social Vibe\nScore: 6.8 / 10 — A lively mix\n",
	}}
	srv := setupServer(ms, gen, &stubCheckout{})

	req := httptest.NewRequest("POST", "/api/v1/analyze",
		strings.NewReader(`{"account_id":"u1","display_name":"Alex","synthetic":true}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	analysisID, balance, report := reportEvent(t, w.Body.String())
	if analysisID == "" {
		t.Error("expected an analysis id in the report event")
	}
	if balance != 1 {
		t.Errorf("expected balance 1 after consume, got %d", balance)
	}

	if len(report.People) != 3 {
		t.Fatalf("expected 3 person reports, got %d", len(report.People))
	}
	for i, name := range []string{"Alex", "Jordan", "Casey"} {
		if report.People[i].Name != name {
			t.Errorf("person %d: expected %s, got %s", i, name, report.People[i].Name)
		}
	}
	if !report.People[0].IsCurrentUser {
		t.Error("expected Alex to be the current user")
	}
	if report.People[1].IsCurrentUser || report.People[2].IsCurrentUser {
		t.Error("expected Jordan and Casey to be third parties")
	}
	if !report.GroupMatched || report.Group.Score != 6.8 {
		t.Errorf("expected matched group score 6.8, got %+v", report.Group)
	}
}

func TestAnalyze_EmptyTranscript(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetAccount("u1", 3)
	srv := setupServer(ms, &stubGenerator{}, &stubCheckout{})

	req := httptest.NewRequest("POST", "/api/v1/analyze",
		strings.NewReader(`{"account_id":"u1","transcript":"   "}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAnalyze_AccountNotFound(t *testing.T) {
	srv := setupServer(testutil.NewMockStore(), &stubGenerator{}, &stubCheckout{})

	req := httptest.NewRequest("POST", "/api/v1/analyze",
		strings.NewReader(`{"account_id":"ghost","transcript":"hi"}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestAnalyze_NoCredits(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetAccount("u1", 0)
	srv := setupServer(ms, &stubGenerator{}, &stubCheckout{})

	req := httptest.NewRequest("POST", "/api/v1/analyze",
		strings.NewReader(`{"account_id":"u1","transcript":"hi"}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d", w.Code)
	}
}

func TestAnalyze_GenerationError(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetAccount("u1", 3)
	gen := &stubGenerator{err: errors.New("upstream timeout")}
	srv := setupServer(ms, gen, &stubCheckout{})

	req := httptest.NewRequest("POST", "/api/v1/analyze",
		strings.NewReader(`{"account_id":"u1","transcript":"hi"}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	// Headers are already out, so the failure arrives as an SSE error event.
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "event: error") {
		t.Error("expected an error event in stream")
	}
	if got := ms.Balance("u1"); got != 3 {
		t.Errorf("failed run must not consume a credit, balance went to %d", got)
	}
	if len(ms.Analyses) != 0 {
		t.Errorf("failed run must not persist an analysis, got %d", len(ms.Analyses))
	}
}

func TestAnalyze_ConcurrentSameAccount(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetAccount("u1", 3)
	gen := &blockingGenerator{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	srv := setupServer(ms, gen, &stubCheckout{})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		req := httptest.NewRequest("POST", "/api/v1/analyze",
			strings.NewReader(`{"account_id":"u1","transcript":"hi"}`))
		srv.router.ServeHTTP(httptest.NewRecorder(), req)
	}()

	<-gen.started

	req := httptest.NewRequest("POST", "/api/v1/analyze",
		strings.NewReader(`{"account_id":"u1","transcript":"hi"}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for concurrent analysis, got %d", w.Code)
	}

	close(gen.release)
	<-firstDone
}

func TestListAnalyses(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.Analyses["a1"] = store.Analysis{AnalysisID: "a1", AccountID: "u1"}
	ms.Analyses["a2"] = store.Analysis{AnalysisID: "a2", AccountID: "u2"}
	srv := setupServer(ms, &stubGenerator{}, &stubCheckout{})

	req := httptest.NewRequest("GET", "/api/v1/analyses?account_id=u1", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body []map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if len(body) != 1 {
		t.Errorf("expected 1 analysis, got %d", len(body))
	}
}

func TestListAnalyses_Empty(t *testing.T) {
	srv := setupServer(testutil.NewMockStore(), &stubGenerator{}, &stubCheckout{})

	req := httptest.NewRequest("GET", "/api/v1/analyses", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("expected empty array, got %s", got)
	}
}

func TestGetAnalysis_NotFound(t *testing.T) {
	srv := setupServer(testutil.NewMockStore(), &stubGenerator{}, &stubCheckout{})

	req := httptest.NewRequest("GET", "/api/v1/analyses/nonexistent", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestUsageEndpoint(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.Metrics["u1|2026-08-31"] = map[string]any{
		"account_id":     "u1",
		"analyses_count": 5,
	}
	srv := setupServer(ms, &stubGenerator{}, &stubCheckout{})

	req := httptest.NewRequest("GET", "/api/v1/usage/u1/latest", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestUsageEndpoint_NotFound(t *testing.T) {
	srv := setupServer(testutil.NewMockStore(), &stubGenerator{}, &stubCheckout{})

	req := httptest.NewRequest("GET", "/api/v1/usage/unknown/latest", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestCheckout(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetAccount("u1", 0)
	srv := setupServer(ms, &stubGenerator{}, &stubCheckout{url: "https://checkout.stripe.com/pay/cs_1"})

	req := httptest.NewRequest("POST", "/api/v1/checkout",
		strings.NewReader(`{"account_id":"u1","package":"medium"}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["url"] != "https://checkout.stripe.com/pay/cs_1" {
		t.Errorf("expected checkout url, got %v", body["url"])
	}
}

func TestCheckout_UnknownPackage(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetAccount("u1", 0)
	srv := setupServer(ms, &stubGenerator{}, &stubCheckout{err: payments.ErrUnknownPackage})

	req := httptest.NewRequest("POST", "/api/v1/checkout",
		strings.NewReader(`{"account_id":"u1","package":"jumbo"}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestCheckout_AccountNotFound(t *testing.T) {
	srv := setupServer(testutil.NewMockStore(), &stubGenerator{}, &stubCheckout{})

	req := httptest.NewRequest("POST", "/api/v1/checkout",
		strings.NewReader(`{"account_id":"ghost","package":"small"}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := setupServer(testutil.NewMockStore(), &stubGenerator{}, &stubCheckout{})

	req := httptest.NewRequest("OPTIONS", "/api/v1/analyze", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("expected app origin header, got %q", got)
	}
}
