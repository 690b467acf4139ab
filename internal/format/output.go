package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/fatih/color"

	"github.com/vedsharma/apicli/internal/model"
)

// out is where every Print* function writes
var out io.Writer = color.Output

// SetOutput redirects printing, returning the previous writer
func SetOutput(w io.Writer) io.Writer {
	prev := out
	out = w
	return prev
}

// sanitizeOutput removes or escapes potentially dangerous control characters
// that could manipulate terminal display or execute commands
func sanitizeOutput(s string) string {
	var result strings.Builder
	result.Grow(len(s))

	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			// Allow common whitespace characters
			result.WriteRune(r)
		case r == '\x1b':
			// Escape ANSI escape sequences - replace ESC with visible representation
			result.WriteString("\\x1b")
		case unicode.IsControl(r) && r < 0x20:
			result.WriteString(fmt.Sprintf("\\x%02x", r))
		case r == 0x7F:
			result.WriteString("\\x7f")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}

var (
	successColor   = color.New(color.FgGreen, color.Bold)
	redirectColor  = color.New(color.FgYellow, color.Bold)
	clientErrColor = color.New(color.FgRed, color.Bold)
	serverErrColor = color.New(color.FgRed, color.Bold, color.BgWhite)
	headerKeyColor = color.New(color.FgCyan)
	methodColor    = color.New(color.FgMagenta, color.Bold)
	urlColor       = color.New(color.FgBlue)
	dimColor       = color.New(color.Faint)
)

// sensitive response headers hidden unless secrets are requested
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"x-csrf-token":        true,
}

const redacted = "[REDACTED]"

// RedactHeaders returns a copy of headers with credential-bearing values
// replaced. With show set the input is returned as is.
func RedactHeaders(headers map[string]string, show bool) map[string]string {
	if show || len(headers) == 0 {
		return headers
	}
	outHeaders := make(map[string]string, len(headers))
	for k, v := range headers {
		lk := strings.ToLower(k)
		if sensitiveHeaders[lk] || strings.Contains(lk, "secret") || strings.Contains(lk, "token") {
			v = redacted
		}
		outHeaders[k] = v
	}
	return outHeaders
}

// PrintResult prints the outcome of one executed request
func PrintResult(res model.ExecutionResult, showHeaders, showSecrets bool) {
	printStatusLine(res.Status, res.StatusText, res.Error)
	dimColor.Fprintf(out, "  Time: %dms  Size: %s", res.ResponseTime, byteCount(res.ResponseSize))
	if res.ProxyID != nil {
		dimColor.Fprintf(out, "  Proxy: %s", *res.ProxyID)
	}
	fmt.Fprint(out, "\n\n")

	if showHeaders {
		printHeaders(RedactHeaders(res.ResponseHeaders, showSecrets))
	}
	if res.Status != 0 || res.ResponseBody != "" {
		printBody(res.ResponseBody)
	}
	printTests(res.TestResults)
}

func printStatusLine(status int, text string, errMsg *string) {
	if status == 0 {
		msg := "request failed"
		if errMsg != nil {
			msg = *errMsg
		}
		serverErrColor.Fprintf(out, "ERROR %s\n", sanitizeOutput(msg))
		return
	}
	line := fmt.Sprintf("%d %s", status, text)
	getStatusColor(status).Fprintf(out, "%s\n", sanitizeOutput(strings.TrimSpace(line)))
	if errMsg != nil {
		clientErrColor.Fprintf(out, "  %s\n", sanitizeOutput(*errMsg))
	}
}

func getStatusColor(code int) *color.Color {
	switch {
	case code >= 200 && code < 300:
		return successColor
	case code >= 300 && code < 400:
		return redirectColor
	case code >= 400 && code < 500:
		return clientErrColor
	default:
		return serverErrColor
	}
}

func printHeaders(headers map[string]string) {
	if len(headers) == 0 {
		return
	}

	fmt.Fprintln(out, "Headers:")

	// Sort headers for consistent output
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		headerKeyColor.Fprintf(out, "  %s: ", sanitizeOutput(key))
		fmt.Fprintln(out, sanitizeOutput(headers[key]))
	}
	fmt.Fprintln(out)
}

func printBody(body string) {
	if body == "" {
		dimColor.Fprintln(out, "(empty body)")
		return
	}

	// Try to pretty-print JSON, then sanitize output for terminal safety
	fmt.Fprintln(out, sanitizeOutput(prettyJSON(body)))
}

func prettyJSON(s string) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(s), "", "  "); err != nil {
		return s
	}
	return buf.String()
}

func printTests(tests []model.TestResult) {
	if len(tests) == 0 {
		return
	}
	passed := 0
	fmt.Fprintln(out, "\nTests:")
	for _, t := range tests {
		if t.Passed {
			passed++
			successColor.Fprintf(out, "  ✓ %s\n", sanitizeOutput(t.Name))
			continue
		}
		clientErrColor.Fprintf(out, "  ✗ %s", sanitizeOutput(t.Name))
		if t.Error != "" {
			dimColor.Fprintf(out, " (%s)", sanitizeOutput(t.Error))
		}
		fmt.Fprintln(out)
	}
	dimColor.Fprintf(out, "  %d/%d passed\n", passed, len(tests))
}

func byteCount(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// PrintResultList prints a job's results in a compact format
func PrintResultList(results []model.ScanResult, limit int) {
	if len(results) == 0 {
		dimColor.Fprintln(out, "No results recorded")
		return
	}

	count := len(results)
	if limit > 0 && limit < count {
		count = limit
	}

	for i := 0; i < count; i++ {
		r := results[i]
		dimColor.Fprintf(out, "[%d] ", i+1)
		methodColor.Fprintf(out, "%-7s ", r.Method)
		urlColor.Fprintf(out, "%-60s ", sanitizeOutput(truncate(r.URL, 60)))

		if r.Status == 0 {
			serverErrColor.Fprint(out, "ERR ")
		} else {
			getStatusColor(r.Status).Fprintf(out, "%d ", r.Status)
		}
		dimColor.Fprintf(out, "(%dms) ", r.ResponseTime)
		if r.Passed() {
			successColor.Fprint(out, "PASS")
		} else {
			clientErrColor.Fprint(out, "FAIL")
		}
		if len(r.Parameters) > 0 {
			dimColor.Fprintf(out, " %s", formatParams(r.Parameters))
		}
		fmt.Fprintln(out)
	}

	if limit > 0 && len(results) > limit {
		dimColor.Fprintf(out, "\n... and %d more results\n", len(results)-limit)
	}
}

func formatParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + params[k]
	}
	return sanitizeOutput(strings.Join(parts, " "))
}

// PrintResultDetail prints one stored result in full
func PrintResultDetail(r model.ScanResult, showSecrets bool) {
	fmt.Fprintln(out, "Request:")
	fmt.Fprintln(out, strings.Repeat("-", 40))
	methodColor.Fprintf(out, "%s ", r.Method)
	urlColor.Fprintln(out, sanitizeOutput(r.URL))
	dimColor.Fprintf(out, "ID: %s\n", r.ID)
	dimColor.Fprintf(out, "Request: %s\n", r.RequestID)
	dimColor.Fprintf(out, "Time: %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if len(r.Parameters) > 0 {
		dimColor.Fprintf(out, "Parameters: %s\n", formatParams(r.Parameters))
	}

	fmt.Fprintln(out, "\nResponse:")
	fmt.Fprintln(out, strings.Repeat("-", 40))
	PrintResult(model.ExecutionResult{
		Status:          r.Status,
		StatusText:      r.StatusText,
		ResponseTime:    r.ResponseTime,
		ResponseSize:    r.ResponseSize,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		Error:           r.Error,
		TestResults:     r.TestResults,
		ProxyID:         r.ProxyID,
	}, true, showSecrets)
}

// PrintResultSummary prints pass and fail totals for a set of results
func PrintResultSummary(results []model.ScanResult) {
	passed := 0
	for _, r := range results {
		if r.Passed() {
			passed++
		}
	}
	fmt.Fprint(out, "Results: ")
	successColor.Fprintf(out, "%d passed", passed)
	fmt.Fprint(out, ", ")
	if failed := len(results) - passed; failed > 0 {
		clientErrColor.Fprintf(out, "%d failed", failed)
	} else {
		dimColor.Fprint(out, "0 failed")
	}
	dimColor.Fprintf(out, " (%d total)\n", len(results))
}

func jobStatusColor(s model.JobStatus) *color.Color {
	switch s {
	case model.JobCompleted:
		return successColor
	case model.JobRunning, model.JobPending:
		return redirectColor
	default:
		return clientErrColor
	}
}

// PrintJob prints a job's definition and state
func PrintJob(j model.ScanJob) {
	headerKeyColor.Fprintf(out, "Job: %s\n", sanitizeOutput(j.Name))
	fmt.Fprintln(out, strings.Repeat("-", 40))
	dimColor.Fprintf(out, "ID:          %s\n", j.ID)
	fmt.Fprint(out, "Status:      ")
	jobStatusColor(j.Status).Fprintf(out, "%s", j.Status)
	fmt.Fprintf(out, " (%d%%)\n", j.Progress)
	dimColor.Fprintf(out, "Collection:  %s\n", j.CollectionID)
	if len(j.RequestIDs) > 0 {
		dimColor.Fprintf(out, "Requests:    %d selected\n", len(j.RequestIDs))
	}
	if j.ParameterSetID != "" {
		dimColor.Fprintf(out, "Parameters:  %s\n", j.ParameterSetID)
	}
	if j.ProxyPoolID != "" {
		dimColor.Fprintf(out, "Proxy pool:  %s\n", j.ProxyPoolID)
	}
	dimColor.Fprintf(out, "Concurrency: %d\n", j.Concurrency)
	dimColor.Fprintf(out, "Created:     %s\n", j.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if j.StartedAt != nil {
		dimColor.Fprintf(out, "Started:     %s\n", j.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if j.EndedAt != nil {
		dimColor.Fprintf(out, "Ended:       %s\n", j.EndedAt.Local().Format("2006-01-02 15:04:05"))
		if j.StartedAt != nil {
			dimColor.Fprintf(out, "Duration:    %s\n", j.EndedAt.Sub(*j.StartedAt).Round(time.Millisecond))
		}
	}
	if j.Error != "" {
		clientErrColor.Fprintf(out, "Error:       %s\n", sanitizeOutput(j.Error))
	}
}

// PrintJobList prints jobs one per line
func PrintJobList(jobs []model.ScanJob) {
	if len(jobs) == 0 {
		dimColor.Fprintln(out, "No jobs found")
		return
	}
	for _, j := range jobs {
		dimColor.Fprintf(out, "%s  ", j.ID)
		jobStatusColor(j.Status).Fprintf(out, "%-10s ", j.Status)
		fmt.Fprintf(out, "%3d%%  ", j.Progress)
		fmt.Fprintln(out, sanitizeOutput(j.Name))
	}
}

// PrintProgress rewrites a single progress line in place
func PrintProgress(jobID string, progress, completed, total int) {
	const width = 30
	filled := progress * width / 100
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	fmt.Fprintf(out, "\r%s %3d%% ", bar, progress)
	dimColor.Fprintf(out, "%d/%d requests  %s", completed, total, jobID)
}

// PrintCollectionList prints a list of collections
func PrintCollectionList(collections []model.Collection) {
	if len(collections) == 0 {
		dimColor.Fprintln(out, "No collections found")
		return
	}

	fmt.Fprintln(out, "Collections:")
	for _, col := range collections {
		headerKeyColor.Fprintf(out, "  %s ", sanitizeOutput(col.Name))
		dimColor.Fprintf(out, "(%d requests, %d variables) %s\n", len(col.Requests), len(col.Variables), col.ID)
	}
}

// PrintCollectionRequests prints requests in a collection
func PrintCollectionRequests(col *model.Collection) {
	if len(col.Requests) == 0 {
		dimColor.Fprintf(out, "Collection '%s' is empty\n", sanitizeOutput(col.Name))
		return
	}

	headerKeyColor.Fprintf(out, "Collection: %s\n", sanitizeOutput(col.Name))
	fmt.Fprintln(out, strings.Repeat("-", 40))

	for i, req := range col.Requests {
		dimColor.Fprintf(out, "[%d] ", i+1)
		if req.Name != "" {
			fmt.Fprintf(out, "%s: ", sanitizeOutput(req.Name))
		}
		methodColor.Fprintf(out, "%s ", req.Method)
		urlColor.Fprint(out, sanitizeOutput(req.URL))
		if n := len(req.EnabledTests()); n > 0 {
			dimColor.Fprintf(out, " [%d tests]", n)
		}
		dimColor.Fprintf(out, " %s\n", req.ID)
	}
}

// PrintVariables prints a collection's variables sorted by name
func PrintVariables(col *model.Collection) {
	if len(col.Variables) == 0 {
		dimColor.Fprintf(out, "No variables in '%s'\n", sanitizeOutput(col.Name))
		return
	}

	fmt.Fprintf(out, "Variables (%s):\n", sanitizeOutput(col.Name))
	keys := make([]string, 0, len(col.Variables))
	for k := range col.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		PrintVariable(k, col.Variables[k])
	}
}

// PrintVariable prints a single variable
func PrintVariable(name, value string) {
	headerKeyColor.Fprintf(out, "  %s ", sanitizeOutput(name))
	dimColor.Fprint(out, "= ")
	urlColor.Fprintln(out, sanitizeOutput(value))
}

// PrintParameterSets prints parameter sets with their variant counts
func PrintParameterSets(sets []model.ParameterSet) {
	if len(sets) == 0 {
		dimColor.Fprintln(out, "No parameter sets found")
		return
	}
	for _, s := range sets {
		variants := 1
		for _, k := range s.Keys {
			variants *= len(s.Values[k])
		}
		headerKeyColor.Fprintf(out, "  %s ", sanitizeOutput(s.Name))
		dimColor.Fprintf(out, "(%s; %d variants) %s\n", strings.Join(s.Keys, ", "), variants, s.ID)
	}
}

// PrintProxyList prints proxies with their health counters
func PrintProxyList(proxies []model.Proxy) {
	if len(proxies) == 0 {
		dimColor.Fprintln(out, "No proxies found")
		return
	}
	for _, p := range proxies {
		state := successColor
		if !p.IsActive {
			state = dimColor
		}
		state.Fprintf(out, "  %-7s %-24s ", p.Protocol, sanitizeOutput(p.Address()))
		dimColor.Fprintf(out, "failures=%d latency=%dms %s\n", p.FailureCount, p.LastLatencyMs, p.ID)
	}
}

// PrintProxyPools prints pools with their members in order
func PrintProxyPools(pools []model.ProxyPool) {
	if len(pools) == 0 {
		dimColor.Fprintln(out, "No proxy pools found")
		return
	}
	for _, pool := range pools {
		headerKeyColor.Fprintf(out, "%s ", sanitizeOutput(pool.Name))
		dimColor.Fprintf(out, "(%s, %d/%d active) %s\n", pool.Mode, len(pool.ActiveProxies()), len(pool.Proxies), pool.ID)
		for _, p := range pool.Proxies {
			fmt.Fprintf(out, "    %s\n", sanitizeOutput(p.Address()))
		}
	}
}

// PrintSuccess prints a success message
func PrintSuccess(msg string) {
	successColor.Fprintf(out, "✓ %s\n", msg)
}

// PrintWarning prints a warning message
func PrintWarning(msg string) {
	redirectColor.Fprintf(out, "! %s\n", msg)
}

// PrintError prints an error message
func PrintError(msg string) {
	clientErrColor.Fprintf(out, "✗ %s\n", msg)
}
