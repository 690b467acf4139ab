// Package executor turns one stored request into one HTTP call and a
// structured result. Execute never panics and never returns an error:
// every failure is reported inside the ExecutionResult.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vedsharma/apicli/internal/metrics"
	"github.com/vedsharma/apicli/internal/model"
	"github.com/vedsharma/apicli/internal/script"
	"github.com/vedsharma/apicli/internal/variables"
)

// Transport performs the HTTP round trip.
type Transport interface {
	Do(ctx context.Context, req *http.Request, p *model.Proxy) (*model.Response, error)
}

// Scripts runs pre-request and test scripts.
type Scripts interface {
	RunPreRequest(ctx context.Context, source string, req model.Request, env model.Environment) (model.Request, error)
	RunTest(ctx context.Context, test model.TestScript, req model.Request, env model.Environment, resp script.ResponseContext) model.TestResult
}

// ProxySelector picks the proxy for a call and learns how it went.
type ProxySelector interface {
	Select(ctx context.Context, proxyID, poolID string) *model.Proxy
	Report(ctx context.Context, p *model.Proxy, failed bool, latency time.Duration)
}

// Options tune a single execution.
type Options struct {
	Environment          model.Environment
	ProxyID              string
	ProxyPoolID          string
	SkipPreRequestScript bool
	SkipTests            bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithRateLimit caps calls across every job sharing this executor.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *Executor) {
		if perSecond <= 0 {
			e.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithMetrics records every call on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(e *Executor) { e.metrics = rec }
}

// Executor is safe for concurrent use.
type Executor struct {
	transport Transport
	scripts   Scripts
	proxies   ProxySelector
	limiter   *rate.Limiter
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

// New creates an Executor. scripts and proxies may be nil.
func New(transport Transport, scripts Scripts, proxies ProxySelector, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		transport: transport,
		scripts:   scripts,
		proxies:   proxies,
		logger:    logger.With("component", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute resolves variables, runs the pre-request script, picks a proxy,
// performs the call and runs the request's tests.
func (e *Executor) Execute(ctx context.Context, req model.Request, opts Options) (result model.ExecutionResult) {
	result.StartedAt = time.Now()
	result.ResponseHeaders = map[string]string{}
	result.Method = normalizeMethod(req.Method)
	result.URL = req.URL

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("execute panicked",
				slog.String("request_id", req.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result.Status = 0
			result.Error = errText(fmt.Errorf("internal error: %v", r))
		}
	}()

	env := opts.Environment
	working := variables.ResolveRequest(req, env)

	if !opts.SkipPreRequestScript && e.scripts != nil && strings.TrimSpace(working.PreRequestScript) != "" {
		updated, err := e.scripts.RunPreRequest(ctx, working.PreRequestScript, working, env)
		if err != nil {
			e.logger.Warn("pre-request script failed",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()))
		}
		working = updated
	}
	result.Method = normalizeMethod(working.Method)

	var p *model.Proxy
	if e.proxies != nil {
		p = e.proxies.Select(ctx, opts.ProxyID, opts.ProxyPoolID)
	}
	if p != nil {
		id := p.ID
		result.ProxyID = &id
	}

	httpReq, err := BuildTransportRequest(ctx, working)
	if err != nil {
		result.Error = errText(err)
		return result
	}
	result.URL = httpReq.URL.String()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			result.Error = errText(fmt.Errorf("rate limiter: %w", err))
			return result
		}
	}

	start := time.Now()
	resp, err := e.transport.Do(ctx, httpReq, p)
	elapsed := time.Since(start)
	result.ResponseTime = elapsed.Milliseconds()

	if resp != nil {
		result.Status = resp.StatusCode
		result.StatusText = resp.Status
		result.ResponseBody = resp.Body
		if resp.Headers != nil {
			result.ResponseHeaders = resp.Headers
		}
		result.ResponseSize = responseSize(resp)
	}
	if err != nil {
		// transport failures are data: status 0, message, partial response kept
		result.Status = 0
		result.Error = errText(err)
		e.logger.Debug("transport failed",
			slog.String("url", result.URL),
			slog.String("error", err.Error()))
	}

	if p != nil && e.proxies != nil {
		e.proxies.Report(ctx, p, err != nil, elapsed)
	}
	e.metrics.ObserveRequest(result.Method, result.Status, elapsed)

	if !opts.SkipTests && e.scripts != nil {
		result.TestResults = e.runTests(ctx, working, env, result)
	}

	e.logger.Debug("request executed",
		slog.String("method", result.Method),
		slog.String("url", result.URL),
		slog.Int("status", result.Status),
		slog.Int64("elapsed_ms", result.ResponseTime))
	return result
}

func (e *Executor) runTests(ctx context.Context, req model.Request, env model.Environment, result model.ExecutionResult) []model.TestResult {
	tests := req.EnabledTests()
	if len(tests) == 0 {
		return nil
	}

	rc := script.ResponseContext{
		Status:     result.Status,
		StatusText: result.StatusText,
		Headers:    result.ResponseHeaders,
		Body:       result.ResponseBody,
		TimeMs:     result.ResponseTime,
		Size:       result.ResponseSize,
	}

	out := make([]model.TestResult, 0, len(tests))
	for _, t := range tests {
		tr := e.scripts.RunTest(ctx, t, req, env, rc)
		e.metrics.ObserveTest(tr.Passed)
		out = append(out, tr)
	}
	return out
}

// responseSize prefers a declared Content-Length over the bytes received.
func responseSize(resp *model.Response) int64 {
	if v, ok := headerValue(resp.Headers, "Content-Length"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return int64(len(resp.Body))
}

func headerValue(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func normalizeMethod(m string) string {
	m = strings.ToUpper(strings.TrimSpace(m))
	if m == "" {
		return http.MethodGet
	}
	return m
}

func errText(err error) *string {
	s := err.Error()
	return &s
}
