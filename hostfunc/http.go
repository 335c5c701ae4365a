package hostfunc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
)

var ErrHTTPDisabled = errors.New("http not enabled")

type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
}

// FetchRequest is the subset of a fetch() call the sandbox forwards.
type FetchRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type FetchResponse struct {
	Status     int               `json:"status"`
	StatusText string            `json:"status_text"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// HTTP performs outbound requests restricted to an allowlist of hosts.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &HTTP{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				if !isHostAllowed(cfg.AllowedHosts, req.URL.Hostname()) {
					return fmt.Errorf("redirect to host not allowed: %s", req.URL.Hostname())
				}
				return nil
			},
		},
	}
}

// Enabled reports whether any host is allowed.
func (h *HTTP) Enabled() bool {
	return len(h.cfg.AllowedHosts) > 0
}

// Fetch performs req after checking method, URL and host.
func (h *HTTP) Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
	default:
		return FetchResponse{}, fmt.Errorf("unsupported method: %s", method)
	}

	if req.URL == "" {
		return FetchResponse{}, fmt.Errorf("url required")
	}
	if len(req.URL) > h.cfg.MaxURLLength {
		return FetchResponse{}, fmt.Errorf("url exceeds max length")
	}
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return FetchResponse{}, fmt.Errorf("invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return FetchResponse{}, fmt.Errorf("scheme must be http or https")
	}
	if !h.Enabled() {
		return FetchResponse{}, ErrHTTPDisabled
	}
	host := parsed.Hostname()
	if !h.isHostAllowed(host) {
		return FetchResponse{}, fmt.Errorf("host not allowed: %s", host)
	}

	var body io.Reader
	if req.Body != "" {
		if int64(len(req.Body)) > h.cfg.MaxBodySize {
			return FetchResponse{}, fmt.Errorf("request body exceeds max size")
		}
		body = bytes.NewBufferString(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return FetchResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return FetchResponse{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize))
	if err != nil {
		return FetchResponse{}, fmt.Errorf("failed to read response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return FetchResponse{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    headers,
		Body:       string(respBody),
	}, nil
}

// Request is the registry form of Fetch.
func (h *HTTP) Request(ctx context.Context, args map[string]any) (any, error) {
	req := FetchRequest{}
	req.Method, _ = args["method"].(string)
	req.URL, _ = args["url"].(string)
	req.Body, _ = args["body"].(string)
	if headers, ok := args["headers"].(map[string]any); ok {
		req.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			if vs, ok := v.(string); ok {
				req.Headers[k] = vs
			}
		}
	}
	resp, err := h.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":  resp.Status,
		"body":    resp.Body,
		"headers": resp.Headers,
	}, nil
}

func (h *HTTP) isHostAllowed(host string) bool {
	return isHostAllowed(h.cfg.AllowedHosts, host)
}

// IP literals match only the same address; names match exactly or as a
// parent domain.
func isHostAllowed(allowed []string, host string) bool {
	hostIP, hostErr := netip.ParseAddr(host)
	for _, a := range allowed {
		if ip, err := netip.ParseAddr(a); err == nil {
			if hostErr == nil && ip.Unmap() == hostIP.Unmap() {
				return true
			}
			continue
		}
		if hostErr == nil {
			continue
		}
		host = strings.ToLower(host)
		a = strings.ToLower(a)
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}
