// Package script runs user-supplied pre-request and test scripts in a Tengo VM.
// Scripts only see the variables injected here and a handful of safe stdlib
// modules: no file I/O, no network, no OS access.
package script

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vedsharma/apicli/internal/model"
)

const (
	// DefaultTimeout bounds a single script run.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxAllocs caps VM object allocations per run.
	DefaultMaxAllocs int64 = 10_000_000

	// DefaultCacheSize is how many compiled programs a Sandbox keeps.
	DefaultCacheSize = 256
)

var safeModules = stdlib.GetModuleMap("text", "fmt", "math", "times", "json", "base64", "hex", "enum")

// Kind classifies a script failure.
type Kind string

const (
	KindCompile   Kind = "compile"
	KindRuntime   Kind = "runtime"
	KindTimeout   Kind = "timeout"
	KindAssertion Kind = "assertion"
)

// Error is returned for every failed script run.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// assertionError is raised from assert() and expect.* to abort the VM.
type assertionError struct {
	msg string
}

func (e *assertionError) Error() string { return e.msg }

// Options configures a Sandbox.
type Options struct {
	Timeout   time.Duration
	MaxAllocs int64
	CacheSize int
}

// Sandbox compiles and runs scripts. The most recently used compiled
// programs are cached by source and cloned per run, so one Sandbox is safe
// for concurrent use.
type Sandbox struct {
	opts     Options
	logger   *slog.Logger
	compiled *lru.Cache[[32]byte, *tengo.Compiled]
}

// New creates a Sandbox. Zero options fall back to the defaults.
func New(opts Options, logger *slog.Logger) *Sandbox {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAllocs <= 0 {
		opts.MaxAllocs = DefaultMaxAllocs
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	// only fails for a non-positive size
	compiled, _ := lru.New[[32]byte, *tengo.Compiled](opts.CacheSize)
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{
		opts:     opts,
		logger:   logger.With("component", "script"),
		compiled: compiled,
	}
}

// globals every script is compiled with; values are replaced per run.
var globalNames = []string{"request", "environment", "response", "assert", "expect"}

func (s *Sandbox) compile(source string) (*tengo.Compiled, error) {
	key := sha256.Sum256([]byte(source))

	if c, ok := s.compiled.Get(key); ok {
		return c.Clone(), nil
	}

	sc := tengo.NewScript([]byte(source))
	sc.SetImports(safeModules)
	sc.SetMaxAllocs(s.opts.MaxAllocs)
	for _, name := range globalNames {
		if err := sc.Add(name, tengo.UndefinedValue); err != nil {
			return nil, err
		}
	}

	c, err := sc.Compile()
	if err != nil {
		return nil, &Error{Kind: KindCompile, Message: firstLine(err.Error())}
	}

	s.compiled.Add(key, c)
	return c.Clone(), nil
}

// run executes source with the given globals under the configured timeout.
func (s *Sandbox) run(ctx context.Context, source string, globals map[string]any) (c *tengo.Compiled, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("panic in script", slog.Any("panic", r))
			c = nil
			err = &Error{Kind: KindRuntime, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	c, err = s.compile(source)
	if err != nil {
		return nil, err
	}
	for name, v := range globals {
		if err := c.Set(name, v); err != nil {
			return nil, &Error{Kind: KindRuntime, Message: fmt.Sprintf("set %s: %v", name, err)}
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	if err := c.RunContext(runCtx); err != nil {
		return nil, classify(err, s.opts.Timeout)
	}
	return c, nil
}

func classify(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: fmt.Sprintf("script exceeded %s", timeout)}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Message: "script cancelled"}
	}
	var ae *assertionError
	if errors.As(err, &ae) {
		return &Error{Kind: KindAssertion, Message: ae.msg}
	}
	msg := strings.TrimPrefix(firstLine(err.Error()), "Runtime Error: ")
	return &Error{Kind: KindRuntime, Message: msg}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

// RunPreRequest runs a pre-request script and returns the request it leaves
// behind in the `request` variable. On any failure the input request is
// returned together with the error.
func (s *Sandbox) RunPreRequest(ctx context.Context, source string, req model.Request, env model.Environment) (model.Request, error) {
	reqMap, err := toGeneric(req)
	if err != nil {
		return req, &Error{Kind: KindRuntime, Message: err.Error()}
	}

	c, err := s.run(ctx, source, map[string]any{
		"request":     reqMap,
		"environment": envMap(env),
		"assert":      assertFunc(),
		"expect":      expectLib(),
	})
	if err != nil {
		return req, err
	}

	out := c.Get("request").Map()
	if out == nil {
		return req, nil
	}
	var updated model.Request
	if err := fromGeneric(out, &updated); err != nil {
		return req, &Error{Kind: KindRuntime, Message: fmt.Sprintf("script left an invalid request: %v", err)}
	}
	updated.ID = req.ID
	updated.CollectionID = req.CollectionID
	updated.PreRequestScript = req.PreRequestScript
	updated.Tests = req.Tests
	return updated, nil
}

// ResponseContext is what a test script sees as `response`.
type ResponseContext struct {
	Status     int
	StatusText string
	Headers    map[string]string
	Body       string
	TimeMs     int64
	Size       int64
}

// RunTest runs a single test script. It never fails: errors become a failed
// TestResult carrying the message.
func (s *Sandbox) RunTest(ctx context.Context, test model.TestScript, req model.Request, env model.Environment, resp ResponseContext) model.TestResult {
	result := model.TestResult{Name: test.Name}
	if result.Name == "" {
		result.Name = "test"
	}

	reqMap, err := toGeneric(req)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	_, err = s.run(ctx, test.Script, map[string]any{
		"request":     reqMap,
		"environment": envMap(env),
		"response":    responseMap(resp),
		"assert":      assertFunc(),
		"expect":      expectLib(),
	})
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			result.Error = se.Message
		} else {
			result.Error = err.Error()
		}
		return result
	}

	result.Passed = true
	return result
}

func envMap(env model.Environment) map[string]any {
	out := make(map[string]any, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

func responseMap(resp ResponseContext) map[string]any {
	headers := make(map[string]any, len(resp.Headers))
	for k, v := range resp.Headers {
		headers[strings.ToLower(k)] = v
	}
	m := map[string]any{
		"status":      int64(resp.Status),
		"status_text": resp.StatusText,
		"headers":     headers,
		"body":        resp.Body,
		"time":        resp.TimeMs,
		"size":        resp.Size,
	}
	var parsed any
	if json.Unmarshal([]byte(resp.Body), &parsed) == nil {
		m["json"] = normalizeNumbers(parsed)
	}
	return m
}

// toGeneric converts a value into the map/slice form Tengo understands.
func toGeneric(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromGeneric(m map[string]any, dst any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
