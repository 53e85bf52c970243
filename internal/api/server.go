package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/vibereport/internal/audit"
	"github.com/MikeSquared-Agency/vibereport/internal/batcher"
	"github.com/MikeSquared-Agency/vibereport/internal/credit"
	"github.com/MikeSquared-Agency/vibereport/internal/payments"
	"github.com/MikeSquared-Agency/vibereport/internal/store"
	"github.com/MikeSquared-Agency/vibereport/internal/vibe"
)

// Generator streams a report generation, forwarding deltas to onChunk.
type Generator interface {
	Stream(ctx context.Context, prompt string, onChunk func(delta string)) (string, error)
}

// CheckoutStarter creates a hosted payment session for a token package.
type CheckoutStarter interface {
	CreateSession(ctx context.Context, accountID, email, pkg string) (string, error)
}

type Server struct {
	store     store.DataStore
	ledger    *credit.Ledger
	batcher   *batcher.Batcher
	generator Generator
	checkout  CheckoutStarter
	router    chi.Router
	port      int

	initialCredits int
	appOrigin      string
	natsPublish    func(subject string, data []byte) error

	mu       sync.Mutex
	inflight map[string]struct{}
}

type Options struct {
	Port           int
	InitialCredits int
	AppOrigin      string
}

func NewServer(s store.DataStore, l *credit.Ledger, b *batcher.Batcher, gen Generator, co CheckoutStarter, webhook http.Handler, opts Options) *Server {
	srv := &Server{
		store:          s,
		ledger:         l,
		batcher:        b,
		generator:      gen,
		checkout:       co,
		port:           opts.Port,
		initialCredits: opts.InitialCredits,
		appOrigin:      opts.AppOrigin,
		inflight:       make(map[string]struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(srv.cors)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Post("/accounts", srv.handleCreateAccount)
		r.Get("/accounts/{accountID}", srv.handleGetAccount)
		r.Post("/analyze", srv.handleAnalyze)
		r.Get("/analyses", srv.handleListAnalyses)
		r.Get("/analyses/{analysisID}", srv.handleGetAnalysis)
		r.Get("/usage/{accountID}/latest", srv.handleGetUsage)
		r.Post("/checkout", srv.handleCheckout)
	})

	if webhook != nil {
		r.Handle("/stripe/webhook", webhook)
	}

	srv.router = r
	return srv
}

// SetNATSPublisher sets the function used to publish analysis notifications.
func (s *Server) SetNATSPublisher(fn func(subject string, data []byte) error) {
	s.natsPublish = fn
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	slog.Info("starting HTTP API", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.appOrigin
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Stripe-Signature")
		if r.Method == http.MethodOptions && r.URL.Path != "/stripe/webhook" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"service":     "vibereport",
		"buffer_size": s.batcher.BufferLen(),
	})
}

type createAccountRequest struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "display_name is required"})
		return
	}
	// No id means an anonymous visitor; mint a guest account.
	if req.AccountID == "" {
		req.AccountID = "guest-" + uuid.New().String()
	}

	account, err := s.store.CreateAccount(r.Context(), req.AccountID, req.DisplayName, s.initialCredits)
	if err != nil {
		slog.Error("create account failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	s.batcher.Add(audit.New(account.AccountID, "api", audit.TypeAccountCreated, map[string]any{
		"display_name": account.DisplayName,
	}))

	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	account, err := s.store.GetAccount(r.Context(), accountID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
		return
	}

	writeJSON(w, http.StatusOK, account)
}

type analyzeRequest struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
	Transcript  string `json:"transcript"`
	Synthetic   bool   `json:"synthetic"`
}

// handleAnalyze runs the full pipeline over SSE: prompt build, streamed
// generation (chunk events), parse, credit consume, persist, then one
// final report event. The credit is only consumed once a report has been
// parsed out of the generation, so a failed run costs nothing.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if req.Synthetic && req.Transcript == "" {
		req.Transcript = vibe.SyntheticTranscript
	}
	if strings.TrimSpace(req.Transcript) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "transcript is required"})
		return
	}

	account, err := s.store.GetAccount(r.Context(), req.AccountID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
		return
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = account.DisplayName
	}

	if account.Balance < 1 {
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "no credits remaining"})
		return
	}

	// One analysis at a time per account.
	if !s.acquire(account.AccountID) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "analysis already in progress"})
		return
	}
	defer s.release(account.AccountID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.batcher.Add(audit.New(account.AccountID, "api", audit.TypeAnalysisStarted, map[string]any{
		"transcript_chars": len(req.Transcript),
	}))

	prompt := vibe.BuildPrompt(displayName, req.Transcript)
	start := time.Now()

	finalText, err := s.generator.Stream(r.Context(), prompt, func(delta string) {
		writeSSE(w, flusher, "chunk", map[string]string{"delta": delta})
	})
	if err != nil {
		slog.Error("generation failed", "account_id", account.AccountID, "error", err)
		s.batcher.Add(audit.New(account.AccountID, "api", audit.TypeAnalysisFailed, map[string]any{
			"error": err.Error(),
		}))
		writeSSE(w, flusher, "error", map[string]string{"error": "generation failed"})
		return
	}

	report := vibe.Parse(finalText, displayName)

	balance, err := s.ledger.Consume(r.Context(), account.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			writeSSE(w, flusher, "error", map[string]string{"error": "no credits remaining"})
			return
		}
		slog.Error("credit consume failed", "account_id", account.AccountID, "error", err)
		writeSSE(w, flusher, "error", map[string]string{"error": "internal error"})
		return
	}

	analysis := store.Analysis{
		AnalysisID:      uuid.New().String(),
		AccountID:       account.AccountID,
		DisplayName:     displayName,
		TranscriptChars: len(req.Transcript),
		Report:          report,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.InsertAnalysis(r.Context(), analysis); err != nil {
		// The credit is spent and the report exists; deliver it anyway.
		slog.Error("failed to persist analysis", "analysis_id", analysis.AnalysisID, "error", err)
	}

	durationMs := time.Since(start).Milliseconds()
	s.batcher.Add(audit.New(account.AccountID, "api", audit.TypeAnalysisCompleted, map[string]any{
		"analysis_id": analysis.AnalysisID,
		"duration_ms": durationMs,
		"people":      len(report.People),
	}))
	s.publish("vibe.analysis.completed", map[string]any{
		"analysis_id": analysis.AnalysisID,
		"account_id":  account.AccountID,
		"people":      len(report.People),
	})

	writeSSE(w, flusher, "report", map[string]any{
		"analysis_id": analysis.AnalysisID,
		"balance":     balance,
		"report":      report,
	})

	slog.Info("analysis complete",
		"analysis_id", analysis.AnalysisID,
		"account_id", account.AccountID,
		"people", len(report.People),
		"duration_ms", durationMs,
	)
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	analyses, err := s.store.QueryAnalyses(r.Context(), accountID, limit)
	if err != nil {
		slog.Error("query analyses failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if analyses == nil {
		analyses = []store.Analysis{}
	}

	writeJSON(w, http.StatusOK, analyses)
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	analysisID := chi.URLParam(r, "analysisID")

	analysis, err := s.store.GetAnalysis(r.Context(), analysisID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "analysis not found"})
		return
	}

	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	m, err := s.store.GetUsageMetrics(r.Context(), accountID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "usage metrics not found"})
		return
	}

	writeJSON(w, http.StatusOK, m)
}

type checkoutRequest struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Package   string `json:"package"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	if _, err := s.store.GetAccount(r.Context(), req.AccountID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
		return
	}

	url, err := s.checkout.CreateSession(r.Context(), req.AccountID, req.Email, req.Package)
	if err != nil {
		if errors.Is(err, payments.ErrUnknownPackage) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("checkout session failed", "account_id", req.AccountID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) acquire(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[accountID]; busy {
		return false
	}
	s.inflight[accountID] = struct{}{}
	return true
}

func (s *Server) release(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, accountID)
}

func (s *Server) publish(subject string, v any) {
	if s.natsPublish == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.natsPublish(subject, data); err != nil {
		slog.Error("failed to publish notification", "subject", subject, "error", err)
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
