package model

import (
	"strings"
	"time"
)

// BodyMode selects how a request body is encoded on the wire
type BodyMode string

const (
	BodyNone       BodyMode = "none"
	BodyRaw        BodyMode = "raw"
	BodyFormData   BodyMode = "form-data"
	BodyURLEncoded BodyMode = "urlencoded"
	BodyBinary     BodyMode = "binary"
)

// KeyValue is one entry of an ordered header, query or form list
type KeyValue struct {
	Key     string `json:"key" yaml:"key"`
	Value   string `json:"value" yaml:"value"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Body describes the request payload
type Body struct {
	Mode        BodyMode   `json:"mode" yaml:"mode"`
	Raw         string     `json:"raw,omitempty" yaml:"raw,omitempty"`
	ContentType string     `json:"contentType,omitempty" yaml:"contentType,omitempty"`
	Form        []KeyValue `json:"form,omitempty" yaml:"form,omitempty"`
}

// TestScript is a named script evaluated against a response
type TestScript struct {
	Name    string `json:"name" yaml:"name"`
	Script  string `json:"script" yaml:"script"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Request represents a stored HTTP request definition
type Request struct {
	ID               string       `json:"id" yaml:"id,omitempty"`
	CollectionID     string       `json:"collectionId" yaml:"-"`
	Name             string       `json:"name" yaml:"name"`
	Method           string       `json:"method" yaml:"method"`
	URL              string       `json:"url" yaml:"url"`
	Headers          []KeyValue   `json:"headers" yaml:"headers,omitempty"`
	Params           []KeyValue   `json:"params" yaml:"params,omitempty"`
	Body             Body         `json:"body" yaml:"body,omitempty"`
	PreRequestScript string       `json:"preRequestScript,omitempty" yaml:"preRequestScript,omitempty"`
	Tests            []TestScript `json:"tests" yaml:"tests,omitempty"`
}

// EnabledTests returns the tests that should run for this request
func (r Request) EnabledTests() []TestScript {
	var out []TestScript
	for _, t := range r.Tests {
		if t.Enabled && strings.TrimSpace(t.Script) != "" {
			out = append(out, t)
		}
	}
	return out
}

// Clone returns a deep copy of the request
func (r Request) Clone() Request {
	c := r
	c.Headers = cloneKV(r.Headers)
	c.Params = cloneKV(r.Params)
	c.Body.Form = cloneKV(r.Body.Form)
	if r.Tests != nil {
		c.Tests = make([]TestScript, len(r.Tests))
		copy(c.Tests, r.Tests)
	}
	return c
}

func cloneKV(in []KeyValue) []KeyValue {
	if in == nil {
		return nil
	}
	out := make([]KeyValue, len(in))
	copy(out, in)
	return out
}

// Collection represents a group of saved requests
type Collection struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Variables map[string]string `json:"variables"`
	Requests  []Request         `json:"requests,omitempty"`
}

// Environment maps variable names to values
type Environment map[string]string

// Merge returns a new environment with overrides layered on top of e
func (e Environment) Merge(overrides map[string]string) Environment {
	out := make(Environment, len(e)+len(overrides))
	for k, v := range e {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// ParameterSet maps variable names to candidate values. Keys keeps the
// declaration order, which drives combination order.
type ParameterSet struct {
	ID     string              `json:"id"`
	Name   string              `json:"name"`
	Keys   []string            `json:"keys"`
	Values map[string][]string `json:"values"`
}

// Response represents an HTTP response as seen by the transport
type Response struct {
	StatusCode int               `json:"status_code"`
	Status     string            `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Size       int64             `json:"size"`
	DurationMs int64             `json:"duration_ms"`
}

// TestResult is the outcome of one named check
type TestResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Error  string `json:"error,omitempty"`
}

// ExecutionResult is the structured verdict of one executed request
type ExecutionResult struct {
	Status          int               `json:"status"`
	StatusText      string            `json:"statusText"`
	ResponseTime    int64             `json:"responseTime"`
	ResponseSize    int64             `json:"responseSize"`
	ResponseHeaders map[string]string `json:"responseHeaders"`
	ResponseBody    string            `json:"responseBody"`
	Error           *string           `json:"error"`
	TestResults     []TestResult      `json:"testResults,omitempty"`

	URL     string  `json:"url,omitempty"`
	Method  string  `json:"method,omitempty"`
	ProxyID *string `json:"proxyId,omitempty"`

	StartedAt time.Time `json:"-"`
}

// ErrorText returns the error message or an empty string
func (r ExecutionResult) ErrorText() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}
