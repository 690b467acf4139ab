package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vedsharma/apicli/internal/model"
	"github.com/vedsharma/apicli/internal/proxy"
)

const (
	// DefaultMaxResponseBytes limits response body to 10MB to prevent memory exhaustion
	DefaultMaxResponseBytes = 10 * 1024 * 1024

	// Default timeout for HTTP requests
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRedirects bounds redirect following
	DefaultMaxRedirects = 5
)

var (
	// ErrTooManyRedirects is returned when a response chain exceeds MaxRedirects
	ErrTooManyRedirects = errors.New("too many redirects")

	// ErrResponseTooLarge is returned when a body exceeds MaxResponseBytes
	ErrResponseTooLarge = errors.New("response body exceeds size limit")
)

// Config holds transport limits
type Config struct {
	Timeout            time.Duration
	MaxResponseBytes   int64
	MaxRedirects       int
	InsecureSkipVerify bool
}

// DefaultConfig returns the limits used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Timeout:          DefaultTimeout,
		MaxResponseBytes: DefaultMaxResponseBytes,
		MaxRedirects:     DefaultMaxRedirects,
	}
}

// Client sends requests directly or through a proxy. Transports are cached
// per proxy so connection pools survive across calls.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewClient creates a new HTTP client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = def.MaxResponseBytes
	}
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = def.MaxRedirects
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		logger:     logger.With("component", "http"),
		transports: make(map[string]*http.Transport),
	}
}

// Config returns the effective limits
func (c *Client) Config() Config {
	return c.cfg
}

// Do executes req and returns the response. Non-2xx statuses are not errors.
// When a transport error happens after a response was seen (redirect limit,
// size cap) the partial response is returned alongside the error.
func (c *Client) Do(ctx context.Context, req *http.Request, p *model.Proxy) (*model.Response, error) {
	// Validate URL and check for SSRF risks
	if err := validateURL(req.URL); err != nil {
		return nil, err
	}

	transport, err := c.transport(p)
	if err != nil {
		return nil, err
	}

	maxRedirects := c.cfg.MaxRedirects
	client := &http.Client{
		Transport: transport,
		Timeout:   c.cfg.Timeout,
		CheckRedirect: func(next *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("%w (max %d)", ErrTooManyRedirects, maxRedirects)
			}
			return validateURL(next.URL)
		},
	}

	start := time.Now()
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if resp != nil {
			// CheckRedirect failures hand back the last response with its body closed
			partial := convert(resp, nil, time.Since(start))
			return partial, err
		}
		return nil, err
	}
	defer resp.Body.Close()

	// Read response body with size limit to prevent memory exhaustion
	limit := c.cfg.MaxResponseBytes
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	duration := time.Since(start)

	if readErr != nil {
		return convert(resp, body, duration), fmt.Errorf("read response body: %w", readErr)
	}
	if int64(len(body)) > limit {
		return convert(resp, body[:limit], duration), fmt.Errorf("%w (%d bytes)", ErrResponseTooLarge, limit)
	}

	return convert(resp, body, duration), nil
}

func convert(resp *http.Response, body []byte, duration time.Duration) *model.Response {
	headers := make(map[string]string, len(resp.Header))
	for key, values := range resp.Header {
		headers[key] = strings.Join(values, ", ")
	}

	return &model.Response{
		StatusCode: resp.StatusCode,
		Status:     statusText(resp),
		Headers:    headers,
		Body:       string(body),
		Size:       int64(len(body)),
		DurationMs: duration.Milliseconds(),
	}
}

// statusText strips the numeric code from "200 OK"
func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprintf("%d", resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

func (c *Client) transport(p *model.Proxy) (*http.Transport, error) {
	key := "direct"
	if p != nil {
		key = p.URL().String()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.transports[key]; ok {
		return t, nil
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	t := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   25,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DialContext:           dialer.DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		},
	}

	switch {
	case p == nil:
	case proxy.IsSOCKS(p):
		d, err := proxy.SOCKSDialer(p, dialer.Timeout)
		if err != nil {
			return nil, err
		}
		t.DialContext = d.DialContext
	default:
		t.Proxy = http.ProxyURL(p.URL())
	}

	c.transports[key] = t
	c.logger.Debug("transport created", slog.String("route", redact(key)))
	return t, nil
}

// Close drops idle connections held by every cached transport
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, t := range c.transports {
		t.CloseIdleConnections()
		delete(c.transports, key)
	}
}

func redact(route string) string {
	u, err := url.Parse(route)
	if err != nil || u.User == nil {
		return route
	}
	return u.Redacted()
}

// validateURL checks the URL for potential SSRF vulnerabilities
func validateURL(u *url.URL) error {
	if u == nil {
		return fmt.Errorf("invalid URL: empty")
	}

	// Ensure scheme is http or https
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("unsupported URL scheme: %q (only http and https are allowed)", u.Scheme)
	}

	// Get the hostname (without port)
	hostname := u.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL must have a hostname")
	}

	// Block cloud metadata endpoints (common SSRF targets)
	if isCloudMetadataEndpoint(hostname) {
		return fmt.Errorf("blocked request to cloud metadata endpoint: %s", hostname)
	}

	return nil
}

// isCloudMetadataEndpoint checks if the hostname is a cloud metadata service
func isCloudMetadataEndpoint(hostname string) bool {
	metadataHosts := map[string]bool{
		"169.254.169.254":          true, // AWS, GCP, Azure metadata
		"metadata.google.internal": true, // GCP metadata
		"metadata.goog":            true, // GCP metadata alternative
		"100.100.100.200":          true, // Alibaba Cloud metadata
		"169.254.170.2":            true, // AWS ECS task metadata
	}

	return metadataHosts[strings.ToLower(hostname)]
}
