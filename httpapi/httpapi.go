// Package httpapi implements C9: the synchronous JSON control plane over
// the C8 singleton (GET status/state, POST suggest/reset/set_policy/brain
// decide), plus the operational surface (healthz/readyz/metrics/config)
// that a deployed binary needs but which the distilled spec takes for
// granted. Handler shape (http.HandlerFunc closures over an Options
// struct, JSON encoding, explicit status codes) follows
// engine/adapters/telemetryhttp/handlers.go.
package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vectune/autotune/brain"
	"github.com/vectune/autotune/internal/brainengine"
	"github.com/vectune/autotune/internal/ratelimit"
	"github.com/vectune/autotune/internal/store"
	"github.com/vectune/autotune/policy"
	"github.com/vectune/autotune/telemetry/logging"
	"github.com/vectune/autotune/telemetry/metrics"
)

// Options configures the mux built by NewMux.
type Options struct {
	Store   *store.Store
	Brain   *brainengine.Engine // optional; nil disables the brain/decide route
	Limiter *ratelimit.Limiter
	Tokens  map[string]struct{} // empty/nil => auth disabled (spec §4.9)
	Metrics metrics.Provider
	Logger  logging.Logger

	// nowFunc is indirected for deterministic rate-limit tests.
	nowFunc func() time.Time
}

func (o Options) now() time.Time {
	if o.nowFunc != nil {
		return o.nowFunc()
	}
	return time.Now()
}

// NewMux builds the full HTTP surface: the five control-plane endpoints
// from spec §4.9, the brain/decide endpoint wiring C5/C6 into the control
// plane, plus SPEC_FULL.md §12's operational endpoints. Every route except
// /metrics is wrapped to record the request-count and latency-histogram
// metrics SPEC_FULL.md §10.2 names on opts.Metrics.
func NewMux(opts Options) *http.ServeMux {
	mux := http.NewServeMux()
	reqMetrics := newRequestMetrics(opts.Metrics)

	route := func(path string, h http.HandlerFunc) {
		mux.HandleFunc(path, reqMetrics.instrument(path, h))
	}

	route("/api/autotuner/status", opts.handleStatus)
	route("/api/autotuner/suggest", opts.authenticated(opts.rateLimited(opts.handleSuggest)))
	route("/api/autotuner/state", opts.handleState)
	route("/api/autotuner/reset", opts.authenticated(opts.rateLimited(opts.handleReset)))
	route("/api/autotuner/set_policy", opts.authenticated(opts.rateLimited(opts.handleSetPolicy)))
	if opts.Brain != nil {
		route("/api/autotuner/brain/decide", opts.authenticated(opts.rateLimited(opts.handleBrainDecide)))
	}

	route("/healthz", opts.handleHealthz)
	route("/readyz", opts.handleReadyz)
	route("/api/autotuner/config", opts.handleConfig)
	if opts.Metrics != nil {
		if h, ok := opts.Metrics.(interface{ MetricsHandler() http.Handler }); ok {
			mux.Handle("/metrics", h.MetricsHandler())
		}
	}

	return mux
}

// requestMetrics bridges SPEC_FULL.md §10.2's HTTP request counter and
// latency histogram onto whatever metrics.Provider the caller supplied;
// nil when none was, in which case instrument is a no-op passthrough.
type requestMetrics struct {
	requests metrics.Counter
	latency  metrics.Histogram
}

func newRequestMetrics(provider metrics.Provider) *requestMetrics {
	if provider == nil {
		return nil
	}
	return &requestMetrics{
		requests: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "autotuner", Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status", Labels: []string{"route", "status"},
		}}),
		latency: provider.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "autotuner", Subsystem: "http", Name: "request_duration_seconds",
			Help: "HTTP request latency by route", Labels: []string{"route"},
		}}),
	}
}

func (m *requestMetrics) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	if m == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		m.requests.Inc(1, route, strconv.Itoa(sw.status))
		m.latency.Observe(time.Since(start).Seconds(), route)
	}
}

// statusWriter captures the status code a handler wrote, defaulting to 200
// the way net/http itself does when WriteHeader is never called.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// authenticated enforces spec §4.9's token auth: unset AUTOTUNER_TOKENS ->
// open; missing header -> 401; present but not a member -> 403.
func (o Options) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(o.Tokens) == 0 {
			next(w, r)
			return
		}
		token := r.Header.Get("X-Autotuner-Token")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing X-Autotuner-Token")
			return
		}
		if _, ok := o.Tokens[token]; !ok {
			writeError(w, http.StatusForbidden, "invalid token")
			return
		}
		next(w, r)
	}
}

// rateLimited enforces spec §4.9's sliding-window limit, keyed by token if
// present else client IP.
func (o Options) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if o.Limiter == nil {
			next(w, r)
			return
		}
		token := r.Header.Get("X-Autotuner-Token")
		key := ratelimit.Identifier(token, clientIP(r))
		if !o.Limiter.Allow(key, o.now()) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (o Options) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	view := o.Store.Status(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history_len": view.HistoryLen,
		"ef_search":   view.LastEfSearch,
		"rerank_k":    view.LastRerankK,
		"policy":      view.Policy,
		"ok":          true,
	})
}

func (o Options) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	view := o.Store.Status(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history_len": view.HistoryLen,
		"last_params": map[string]int{"ef_search": view.LastEfSearch, "rerank_k": view.LastRerankK},
		"file_mtime":  view.FileMtime,
		"last_autosave": view.LastAutosave,
		"policy":      view.Policy,
		"ok":          true,
	})
}

type suggestRequest struct {
	P95Ms      *float64 `json:"p95_ms"`
	RecallAt10 *float64 `json:"recall_at_10"`
	Coverage   *float64 `json:"coverage"`
	TraceID    string   `json:"trace_id,omitempty"`
	TraceURL   string   `json:"trace_url,omitempty"`
}

func (o Options) handleSuggest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req suggestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.P95Ms == nil || req.RecallAt10 == nil || req.Coverage == nil {
		writeError(w, http.StatusBadRequest, "p95_ms, recall_at_10, and coverage are required")
		return
	}

	ef, rk, err := o.Store.Suggest(*req.P95Ms, *req.RecallAt10, *req.Coverage)
	if err != nil {
		// The only error Suggest can surface is *autotune.SafetyFatalError
		// (a coverage-floor violation); spec §4.9 maps it to 500.
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	view := o.Store.Status(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true,
		"next_params": map[string]int{"ef_search": ef, "rerank_k": rk},
		"history_len": view.HistoryLen,
		"policy":      view.Policy,
	})
}

func (o Options) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	clearFile := r.URL.Query().Get("clear_file") == "true"
	o.Store.Reset(clearFile)
	view := o.Store.Status(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"history_len": view.HistoryLen,
		"ef_search":   view.LastEfSearch,
		"rerank_k":    view.LastRerankK,
		"policy":      view.Policy,
	})
}

type setPolicyRequest struct {
	Policy string `json:"policy"`
}

func (o Options) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req setPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !policy.Valid(req.Policy) {
		writeError(w, http.StatusBadRequest, "unknown policy")
		return
	}
	// set_policy exceptions are mapped to 400 rather than leaking internals
	// (spec §4.9); Valid() above already screens the only error SetPolicy
	// can return, but the mapping stays in case that changes.
	if err := o.Store.SetPolicy(req.Policy); err != nil {
		writeError(w, http.StatusBadRequest, "unknown policy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "policy": req.Policy})
}

// brainDecideRequest is POST /api/autotuner/brain/decide's body: a full
// brain.TuningInput plus the routing fields (bucket_id, multi_knob) the
// engine itself needs but TuningInput doesn't carry.
type brainDecideRequest struct {
	P95Ms      *float64 `json:"p95_ms"`
	RecallAt10 *float64 `json:"recall_at_10"`
	QPS        float64  `json:"qps"`
	Params     struct {
		EfSearch   int     `json:"ef_search"`
		RerankK    float64 `json:"rerank_k"`
		CandidateK int     `json:"candidate_k"`
		ThresholdT float64 `json:"threshold_t"`
	} `json:"params"`
	SLO struct {
		P95Ms      float64 `json:"p95_ms"`
		RecallAt10 float64 `json:"recall_at_10"`
	} `json:"slo"`
	Guards struct {
		Cooldown bool `json:"cooldown"`
		Stable   bool `json:"stable"`
	} `json:"guards"`
	NearT           bool `json:"near_t"`
	AdjustmentCount int  `json:"adjustment_count"`
	LastAction      *struct {
		Kind   string  `json:"kind"`
		AgeSec float64 `json:"age_sec"`
	} `json:"last_action,omitempty"`
	Macro struct {
		L float64 `json:"l"`
		R float64 `json:"r"`
	} `json:"macro,omitempty"`
	BucketID  string `json:"bucket_id,omitempty"`
	MultiKnob bool   `json:"multi_knob,omitempty"`
}

func (req brainDecideRequest) toTuningInput() brain.TuningInput {
	in := brain.TuningInput{
		P95Ms:      *req.P95Ms,
		RecallAt10: *req.RecallAt10,
		QPS:        req.QPS,
		Params: brain.Params{
			EfSearch:   req.Params.EfSearch,
			RerankK:    req.Params.RerankK,
			CandidateK: req.Params.CandidateK,
			ThresholdT: req.Params.ThresholdT,
		},
		SLO:             brain.SLO{P95Ms: req.SLO.P95Ms, RecallAt10: req.SLO.RecallAt10},
		Guards:          brain.Guards{Cooldown: req.Guards.Cooldown, Stable: req.Guards.Stable},
		NearT:           req.NearT,
		AdjustmentCount: req.AdjustmentCount,
	}
	if req.LastAction != nil {
		in.LastAction = &brain.LastAction{Kind: brain.ActionKind(req.LastAction.Kind), AgeSec: req.LastAction.AgeSec}
	}
	return in
}

// handleBrainDecide implements the C5/C6 control-plane path SPEC_FULL.md
// §10.2/§12 promise: a caller submits a TuningInput, the engine decides an
// Action and applies it, and the resulting params/counters come back the
// same way handleSuggest reports the C4 Controller's.
func (o Options) handleBrainDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req brainDecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.P95Ms == nil || req.RecallAt10 == nil {
		writeError(w, http.StatusBadRequest, "p95_ms and recall_at_10 are required")
		return
	}

	result := o.Brain.Decide(req.toTuningInput(), req.BucketID, req.MultiKnob, brain.MacroIndicators{L: req.Macro.L, R: req.Macro.R})
	counters := o.Brain.CountersSnapshot()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"action": map[string]interface{}{"kind": result.Action.Kind, "reason": result.Action.Reason, "step": result.Action.Step},
		"params": map[string]interface{}{
			"ef_search":   result.Params.EfSearch,
			"rerank_k":    result.Params.RerankK,
			"candidate_k": result.Params.CandidateK,
			"threshold_t": result.Params.ThresholdT,
		},
		"counters": counters,
	})
}

func (o Options) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (o Options) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if o.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (o Options) handleConfig(w http.ResponseWriter, r *http.Request) {
	view := o.Store.Status(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policy":          view.Policy,
		"valid_policies":  []string{policy.NameLatencyFirst, policy.NameRecallFirst, policy.NameBalanced},
		"auth_enabled":    len(o.Tokens) > 0,
		"rate_limited":    o.Limiter != nil,
	})
}

// ParseTokens splits the comma-separated AUTOTUNER_TOKENS env value into a
// membership set; an empty string yields an empty (disabled-auth) set.
func ParseTokens(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	if raw == "" {
		return out
	}
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			out[tok] = struct{}{}
		}
	}
	return out
}
