package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/time/rate"
)

// InputParam is the query string key that carries a GET-encoded request.
const InputParam = "input"

type HTTPConfig struct {
	URL string
	// Client performs the requests. The default client transparently
	// decompresses gzip replies.
	Client *http.Client
	// Limiter, when set, throttles outbound calls.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

func DefaultHTTPConfig(host string) HTTPConfig {
	return HTTPConfig{
		URL: host,
		Client: &http.Client{
			Transport: gzhttp.Transport(http.DefaultTransport),
		},
		Logger: slog.Default(),
	}
}

// HTTPTransport sends queries as GET requests, so they can be cached by
// intermediaries, and mutations as POST requests. It cannot subscribe.
type HTTPTransport struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Client == nil {
		cfg.Client = DefaultHTTPConfig(cfg.URL).Client
	}

	return &HTTPTransport{
		cfg:    cfg,
		client: cfg.Client,
		logger: cfg.Logger,
	}
}

func (t *HTTPTransport) Query(ctx context.Context, _ ID, req *Request) (*Response, error) {
	payload, err := req.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	// The payload is escaped once more on top of the query string encoding;
	// servers unescape the parameter after parsing the query.
	query := u.Query()
	query.Set(InputParam, url.QueryEscape(string(payload)))
	u.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return t.do(ctx, httpReq)
}

func (t *HTTPTransport) Mutate(ctx context.Context, _ ID, req *Request) (*Response, error) {
	payload, err := req.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	return t.do(ctx, httpReq)
}

func (t *HTTPTransport) do(ctx context.Context, req *http.Request) (*Response, error) {
	if t.cfg.Limiter != nil {
		if err := t.cfg.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to issue request: %w", err)
	}
	defer cleanlyCloseBody(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	decoded := usable(Decode(body))
	if decoded == nil {
		t.logger.Error("malformed response",
			slog.String("method", req.Method),
			slog.Int("status", resp.StatusCode),
		)
	}

	return decoded, nil
}

// cleanlyCloseBody drains the body so the connection can be reused.
func cleanlyCloseBody(body io.ReadCloser) {
	if body == nil {
		return
	}

	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
