package model

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"
)

// LevelTrace is a custom log level for detailed HTTP traffic.
const LevelTrace = slog.Level(-8)

// HTTPClient returns a client whose requests are dumped at LevelTrace.
// When apiKeyHeader is set and the request lacks it, the header is filled
// with apiKey. apiKey is redacted from dumps either way.
func HTTPClient(timeout time.Duration, name, apiKeyHeader, apiKey string) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &loggingTransport{
			base:   http.DefaultTransport,
			name:   name,
			header: apiKeyHeader,
			apiKey: apiKey,
		},
	}
}

type loggingTransport struct {
	base   http.RoundTripper
	name   string
	header string
	apiKey string
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// A custom http.Client bypasses some SDKs' own key injection.
	if t.header != "" && t.apiKey != "" && req.Header.Get(t.header) == "" {
		req = req.Clone(req.Context())
		req.Header.Set(t.header, t.apiKey)
	}

	if !slog.Default().Enabled(req.Context(), LevelTrace) {
		return t.base.RoundTrip(req)
	}

	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		slog.Debug("Failed to dump request", "provider", t.name, "error", err)
	} else {
		slog.Log(req.Context(), LevelTrace, "Provider request", "provider", t.name, "url", req.URL.String(), "dump", redact(string(reqDump), t.apiKey))
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	// Streaming bodies are not dumped so they are not consumed here.
	isStream := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") ||
		strings.Contains(req.URL.Query().Get("alt"), "sse")

	respDump, err := httputil.DumpResponse(resp, !isStream)
	if err != nil {
		slog.Debug("Failed to dump response", "provider", t.name, "error", err)
	} else {
		slog.Log(req.Context(), LevelTrace, "Provider response", "provider", t.name, "isStream", isStream, "dump", string(respDump))
	}

	return resp, nil
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "<redacted>")
}
