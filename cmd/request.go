package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vedsharma/apicli/internal/executor"
	"github.com/vedsharma/apicli/internal/format"
	"github.com/vedsharma/apicli/internal/model"
	"github.com/vedsharma/apicli/internal/storage"
)

// sensitiveHeaders is a list of headers whose literal values are redacted
// before a request is saved to a collection
var sensitiveHeaders = map[string]bool{
	// Standard authentication headers
	"authorization":       true,
	"proxy-authorization": true,

	// Session and token headers
	"cookie":       true,
	"x-api-key":    true,
	"api-key":      true,
	"x-auth-token": true,
	"x-csrf-token": true,
	"x-xsrf-token": true,

	// Cloud credentials
	"x-amz-security-token":     true,
	"x-amz-credential":         true,
	"x-amz-signature":          true,
	"x-goog-iap-jwt-assertion": true,
	"x-ms-token-aad-id-token":  true,

	// Other common auth headers
	"x-access-token":  true,
	"x-refresh-token": true,
	"x-session-token": true,
	"x-secret-key":    true,
	"x-private-key":   true,
}

var (
	headers          []string
	data             string
	formFields       []string
	urlEncoded       bool
	envPairs         []string
	testFiles        []string
	preRequestFile   string
	proxyID          string
	poolRef          string
	useChecks        bool
	showSecrets      bool
	saveToCollection string
	requestName      string
)

func init() {
	for _, method := range []string{"GET", "POST", "PUT", "PATCH", "DELETE"} {
		c := &cobra.Command{
			Use:   strings.ToLower(method) + " <url>",
			Short: fmt.Sprintf("Send a %s request", method),
			Args:  cobra.ExactArgs(1),
			Run:   runRequest(method),
		}
		addRequestFlags(c)
		rootCmd.AddCommand(c)
	}
}

func addRequestFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Add header (can be used multiple times)")
	cmd.Flags().StringVarP(&data, "data", "d", "", "Raw request body (string or @filename)")
	cmd.Flags().StringArrayVarP(&formFields, "form", "F", []string{}, "Form field key=value, sent as multipart (can be used multiple times)")
	cmd.Flags().BoolVar(&urlEncoded, "urlencoded", false, "Send --form fields as application/x-www-form-urlencoded")
	cmd.Flags().StringArrayVarP(&envPairs, "env", "e", []string{}, "Variable key=value for {{key}} placeholders (can be used multiple times)")
	cmd.Flags().StringArrayVar(&testFiles, "test", []string{}, "Test script file to run against the response (can be used multiple times)")
	cmd.Flags().StringVar(&preRequestFile, "pre-request", "", "Pre-request script file")
	cmd.Flags().StringVar(&proxyID, "proxy", "", "Send through this proxy id")
	cmd.Flags().StringVar(&poolRef, "pool", "", "Send through a proxy from this pool (id or name)")
	cmd.Flags().BoolVar(&useChecks, "checks", false, "Run the default checks when no --test is given")
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Show credential-bearing response headers")
	cmd.Flags().StringVarP(&saveToCollection, "collection", "c", "", "Use this collection's variables and save the request to it")
	cmd.Flags().StringVar(&requestName, "name", "", "Name for the saved request")
}

func runRequest(method string) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		a := mustApp(cmd)
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		req, err := buildRequest(method, args[0])
		if err != nil {
			a.fail("Invalid request", err)
		}

		env := model.Environment{}
		var col *model.Collection
		if saveToCollection != "" {
			col, err = a.store.CreateCollection(ctx, saveToCollection)
			if err != nil {
				a.fail("Failed to open collection", err)
			}
			env = env.Merge(col.Variables)
		}
		overrides, err := parseAssignments(envPairs)
		if err != nil {
			a.fail("Invalid --env", err)
		}
		env = env.Merge(overrides)

		opts := executor.Options{Environment: env, ProxyID: proxyID}
		if poolRef != "" {
			opts.ProxyPoolID, err = a.store.Resolve(ctx, storage.KindProxyPool, poolRef)
			if err != nil {
				a.fail("Failed to find proxy pool", err)
			}
		}

		res := a.exec.Execute(ctx, req, opts)
		if len(req.Tests) == 0 && useChecks {
			res.TestResults = executor.DefaultChecks(res, a.cfg.Jobs.ResponseTimeThreshold)
		}

		format.PrintResult(res, verbose, showSecrets)

		if col != nil {
			saveRequestToCollection(ctx, a, col, req)
		}

		if res.Error != nil || anyFailed(res.TestResults) {
			a.Close()
			os.Exit(1)
		}
	}
}

// buildRequest turns the command-line flags into a request definition
func buildRequest(method, url string) (model.Request, error) {
	req := model.Request{
		Name:   requestName,
		Method: method,
		URL:    url,
		Body:   model.Body{Mode: model.BodyNone},
	}
	req.Headers = parseHeaders(headers)

	if data != "" && len(formFields) > 0 {
		return req, fmt.Errorf("--data and --form cannot be combined")
	}

	if data != "" {
		body := data
		if strings.HasPrefix(body, "@") {
			content, err := readBodyFromFile(strings.TrimPrefix(body, "@"))
			if err != nil {
				return req, fmt.Errorf("failed to read file: %w", err)
			}
			body = content
		}
		req.Body = model.Body{Mode: model.BodyRaw, Raw: body}
		if !hasHeader(req.Headers, "Content-Type") && looksLikeJSON(body) {
			req.Body.ContentType = "application/json"
		}
	}

	if len(formFields) > 0 {
		pairs, err := parseFormFields(formFields)
		if err != nil {
			return req, err
		}
		mode := model.BodyFormData
		if urlEncoded {
			mode = model.BodyURLEncoded
		}
		req.Body = model.Body{Mode: mode, Form: pairs}
	}

	if preRequestFile != "" {
		src, err := readBodyFromFile(preRequestFile)
		if err != nil {
			return req, fmt.Errorf("failed to read pre-request script: %w", err)
		}
		req.PreRequestScript = src
	}

	for _, f := range testFiles {
		src, err := readBodyFromFile(f)
		if err != nil {
			return req, fmt.Errorf("failed to read test %s: %w", f, err)
		}
		req.Tests = append(req.Tests, model.TestScript{
			Name:    strings.TrimSuffix(filepath.Base(f), filepath.Ext(f)),
			Script:  src,
			Enabled: true,
		})
	}
	return req, nil
}

func parseHeaders(headerStrings []string) []model.KeyValue {
	var result []model.KeyValue
	for _, h := range headerStrings {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) == 2 {
			result = append(result, model.KeyValue{
				Key:     strings.TrimSpace(parts[0]),
				Value:   strings.TrimSpace(parts[1]),
				Enabled: true,
			})
		}
	}
	return result
}

func parseFormFields(fields []string) ([]model.KeyValue, error) {
	var out []model.KeyValue
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("form field %q is not key=value", f)
		}
		out = append(out, model.KeyValue{Key: k, Value: v, Enabled: true})
	}
	return out, nil
}

// parseAssignments parses key=value pairs; later pairs win
func parseAssignments(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%q is not key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func hasHeader(list []model.KeyValue, name string) bool {
	for _, kv := range list {
		if kv.Enabled && strings.EqualFold(kv.Key, name) {
			return true
		}
	}
	return false
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

func anyFailed(tests []model.TestResult) bool {
	for _, t := range tests {
		if !t.Passed {
			return true
		}
	}
	return false
}

func saveRequestToCollection(ctx context.Context, a *app, col *model.Collection, req model.Request) {
	warnIfSensitiveBody(req.Body.Raw)

	req.CollectionID = col.ID
	req.Headers = filterSensitiveHeaders(req.Headers)
	if err := a.store.SaveRequest(ctx, &req); err != nil {
		format.PrintError(fmt.Sprintf("Failed to save to collection: %v", err))
		return
	}

	format.PrintSuccess(fmt.Sprintf("Saved to collection '%s'", col.Name))
}

// readBodyFromFile reads file content with path validation to prevent directory traversal
func readBodyFromFile(filename string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	absPath, err := filepath.Abs(filename)
	if err != nil {
		return "", fmt.Errorf("invalid file path: %w", err)
	}

	// Clean the path to resolve any .. or . components
	cleanPath := filepath.Clean(absPath)

	// Ensure file is within working directory (prevent path traversal)
	if !strings.HasPrefix(cleanPath, wd+string(filepath.Separator)) && cleanPath != wd {
		return "", fmt.Errorf("access denied: file must be within current directory")
	}

	// Check for symlinks - resolve and verify target is also within working directory
	realPath, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to resolve path: %w", err)
		}
		realPath = cleanPath
	} else if !strings.HasPrefix(realPath, wd+string(filepath.Separator)) && realPath != wd {
		return "", fmt.Errorf("access denied: symlink target must be within current directory")
	}

	content, err := os.ReadFile(realPath)
	if err != nil {
		return "", err
	}

	return string(content), nil
}

// filterSensitiveHeaders returns a copy of headers with literal credential
// values redacted. Values that are a {{variable}} reference are kept, so
// secrets can live in collection variables instead.
func filterSensitiveHeaders(list []model.KeyValue) []model.KeyValue {
	if list == nil {
		return nil
	}

	filtered := make([]model.KeyValue, len(list))
	for i, kv := range list {
		if sensitiveHeaders[strings.ToLower(kv.Key)] && !strings.Contains(kv.Value, "{{") {
			kv.Value = "[REDACTED]"
		}
		filtered[i] = kv
	}
	return filtered
}

// sensitiveBodyPatterns contains patterns that suggest sensitive data in request bodies
var sensitiveBodyPatterns = []string{
	"password", "passwd", "pwd",
	"secret", "token", "api_key", "apikey",
	"private_key", "privatekey",
	"credit_card", "creditcard", "card_number",
	"ssn", "social_security",
	"access_token", "refresh_token",
	"client_secret", "auth",
}

// warnIfSensitiveBody checks if the request body might contain sensitive data and warns the user
func warnIfSensitiveBody(body string) {
	if body == "" {
		return
	}

	lowerBody := strings.ToLower(body)
	for _, pattern := range sensitiveBodyPatterns {
		if strings.Contains(lowerBody, pattern) {
			fmt.Fprintln(os.Stderr, "WARNING: Request body may contain sensitive data (e.g., passwords, tokens). It is stored in the collection as written.")
			fmt.Fprintln(os.Stderr, "         Move secrets into collection variables and reference them as {{name}}.")
			return
		}
	}
}
