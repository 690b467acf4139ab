package executor

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedsharma/apicli/internal/model"
)

func TestBuildTransportRequest_OnlyEnabledHeaders(t *testing.T) {
	req := model.Request{
		Method: "GET",
		URL:    "https://api.example.com",
		Headers: []model.KeyValue{
			{Key: "A", Value: "1", Enabled: true},
			{Key: "B", Value: "2", Enabled: false},
		},
	}

	httpReq, err := BuildTransportRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.Header{"A": {"1"}}, httpReq.Header)
	assert.Nil(t, httpReq.Body)
}

func TestBuildTransportRequest_QueryAppend(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		params []model.KeyValue
		want   string
	}{
		{
			name: "no params",
			url:  "https://x.test/a",
			want: "https://x.test/a",
		},
		{
			name:   "fresh query",
			url:    "https://x.test/a",
			params: []model.KeyValue{{Key: "b", Value: "2", Enabled: true}, {Key: "a", Value: "1", Enabled: true}},
			want:   "https://x.test/a?b=2&a=1",
		},
		{
			name:   "existing query",
			url:    "https://x.test/a?z=9",
			params: []model.KeyValue{{Key: "k", Value: "v w", Enabled: true}},
			want:   "https://x.test/a?z=9&k=v+w",
		},
		{
			name:   "fragment kept last",
			url:    "https://x.test/a#top",
			params: []model.KeyValue{{Key: "k", Value: "v", Enabled: true}},
			want:   "https://x.test/a?k=v#top",
		},
		{
			name:   "disabled and blank skipped",
			url:    "https://x.test/a",
			params: []model.KeyValue{{Key: "k", Value: "v", Enabled: false}, {Key: " ", Value: "v", Enabled: true}},
			want:   "https://x.test/a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, appendQuery(tt.url, tt.params))
		})
	}
}

func TestBuildTransportRequest_DefaultsSchemeAndMethod(t *testing.T) {
	httpReq, err := BuildTransportRequest(context.Background(), model.Request{URL: "localhost:8080/ping"})
	require.NoError(t, err)
	assert.Equal(t, "GET", httpReq.Method)
	assert.Equal(t, "http://localhost:8080/ping", httpReq.URL.String())

	_, err = BuildTransportRequest(context.Background(), model.Request{URL: "  "})
	assert.Error(t, err)
}

func TestBuildTransportRequest_BodyModes(t *testing.T) {
	tests := []struct {
		name   string
		body   model.Body
		wantCT string
		want   string
	}{
		{
			name:   "raw with declared type",
			body:   model.Body{Mode: model.BodyRaw, Raw: `{"a":1}`, ContentType: "application/json"},
			wantCT: "application/json",
			want:   `{"a":1}`,
		},
		{
			name: "raw without type",
			body: model.Body{Mode: model.BodyRaw, Raw: "plain"},
			want: "plain",
		},
		{
			name:   "binary",
			body:   model.Body{Mode: model.BodyBinary, Raw: "\x00\x01"},
			wantCT: "application/octet-stream",
			want:   "\x00\x01",
		},
		{
			name:   "urlencoded",
			body:   model.Body{Mode: model.BodyURLEncoded, Form: []model.KeyValue{{Key: "a", Value: "1 2", Enabled: true}, {Key: "b", Value: "3", Enabled: true}}},
			wantCT: "application/x-www-form-urlencoded",
			want:   "a=1+2&b=3",
		},
		{
			name: "none",
			body: model.Body{Mode: model.BodyNone, Raw: "ignored"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			httpReq, err := BuildTransportRequest(context.Background(), model.Request{Method: "POST", URL: "https://x.test", Body: tt.body})
			require.NoError(t, err)
			assert.Equal(t, tt.wantCT, httpReq.Header.Get("Content-Type"))

			if tt.want == "" {
				assert.Nil(t, httpReq.Body)
				return
			}
			got, err := io.ReadAll(httpReq.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestBuildTransportRequest_UnknownBodyMode(t *testing.T) {
	_, err := BuildTransportRequest(context.Background(), model.Request{URL: "https://x.test", Body: model.Body{Mode: "graphql"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graphql")
}
