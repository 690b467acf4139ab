package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/vedsharma/apicli/internal/model"
)

const (
	contentTypeForm   = "application/x-www-form-urlencoded"
	contentTypeBinary = "application/octet-stream"
)

// BuildTransportRequest turns an already-resolved request into an
// *http.Request: enabled query params appended to the URL, enabled headers,
// a Content-Type derived from the body mode, and the encoded body.
func BuildTransportRequest(ctx context.Context, req model.Request) (*http.Request, error) {
	target := strings.TrimSpace(req.URL)
	if target == "" {
		return nil, fmt.Errorf("request has no URL")
	}
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	target = appendQuery(target, req.Params)

	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, normalizeMethod(req.Method), target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for _, h := range req.Headers {
		if !h.Enabled || strings.TrimSpace(h.Key) == "" {
			continue
		}
		httpReq.Header.Add(h.Key, h.Value)
	}

	switch {
	case contentType == "":
	case req.Body.Mode == model.BodyFormData:
		// the boundary must match the encoded body
		httpReq.Header.Set("Content-Type", contentType)
	case httpReq.Header.Get("Content-Type") == "":
		httpReq.Header.Set("Content-Type", contentType)
	}

	return httpReq, nil
}

// appendQuery adds enabled params after any query already in the URL,
// keeping their declared order.
func appendQuery(target string, params []model.KeyValue) string {
	var pairs []string
	for _, p := range params {
		if !p.Enabled || strings.TrimSpace(p.Key) == "" {
			continue
		}
		pairs = append(pairs, url.QueryEscape(p.Key)+"="+url.QueryEscape(p.Value))
	}
	if len(pairs) == 0 {
		return target
	}

	fragment := ""
	if i := strings.Index(target, "#"); i >= 0 {
		target, fragment = target[:i], target[i:]
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
		if strings.HasSuffix(target, "?") || strings.HasSuffix(target, "&") {
			sep = ""
		}
	}
	return target + sep + strings.Join(pairs, "&") + fragment
}

// encodeBody returns the payload and the Content-Type its mode implies.
func encodeBody(b model.Body) ([]byte, string, error) {
	mode := b.Mode
	if mode == "" && b.Raw != "" {
		mode = model.BodyRaw
	}

	switch mode {
	case model.BodyRaw:
		return []byte(b.Raw), b.ContentType, nil

	case model.BodyBinary:
		ct := b.ContentType
		if ct == "" {
			ct = contentTypeBinary
		}
		return []byte(b.Raw), ct, nil

	case model.BodyURLEncoded:
		var pairs []string
		for _, f := range b.Form {
			if !f.Enabled || f.Key == "" {
				continue
			}
			pairs = append(pairs, url.QueryEscape(f.Key)+"="+url.QueryEscape(f.Value))
		}
		return []byte(strings.Join(pairs, "&")), contentTypeForm, nil

	case model.BodyFormData:
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for _, f := range b.Form {
			if !f.Enabled || f.Key == "" {
				continue
			}
			if err := w.WriteField(f.Key, f.Value); err != nil {
				return nil, "", fmt.Errorf("encode form field %q: %w", f.Key, err)
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("encode form data: %w", err)
		}
		return buf.Bytes(), w.FormDataContentType(), nil

	case model.BodyNone, "":
		return nil, "", nil

	default:
		return nil, "", fmt.Errorf("unsupported body mode %q", b.Mode)
	}
}
