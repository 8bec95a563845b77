// Package http implements the outbound HTTP safety connector: URL/host
// confinement against SSRF and private-range egress, header scrubbing,
// and a streaming size cap (§4.6).
package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/agentguard/mcp-gateway/internal/gatewayerr"
	"github.com/agentguard/mcp-gateway/internal/registry"
	"github.com/agentguard/mcp-gateway/internal/schema"
)

const userAgent = "mcp-gateway/1.0 (+web.fetch)"

var scrubbedHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"x-api-key":     true,
	"api-key":       true,
}

var privateRangePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^10\.`),
	regexp.MustCompile(`^172\.(1[6-9]|2\d|3[01])\.`),
	regexp.MustCompile(`^192\.168\.`),
	regexp.MustCompile(`^169\.254\.`),
}

var loopbackLiterals = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"0.0.0.0":   true,
	"::1":       true,
}

// Config is the connector's static configuration.
type Config struct {
	AllowedDomains  []string
	DeniedDomains   []string
	MaxResponseBytes int64
	TimeoutMs        int64
}

// Connector exposes web.fetch.
type Connector struct {
	cfg    Config
	client *http.Client
}

// New builds a Connector with a client whose timeout matches cfg.TimeoutMs.
func New(cfg Config) *Connector {
	return &Connector{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		},
	}
}

// Tools returns web.fetch for registration.
func (c *Connector) Tools() []*registry.Tool {
	s := schema.New().
		Field("url", &schema.Field{Kind: schema.KindString}).
		Field("headers", &schema.Field{Kind: schema.KindObject, Properties: map[string]*schema.Property{}},
			schema.Optional)

	return []*registry.Tool{
		{
			Name:        "web.fetch",
			Description: "Fetch a URL confined to the configured domain allowlist.",
			InputSchema: s,
			Handler:     c.fetch,
		},
	}
}

// gateURL applies the URL gating algorithm from §4.6, returning the
// parsed URL or a security_error.
func (c *Connector) gateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.SecurityError, "invalid URL", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, gatewayerr.New(gatewayerr.SecurityError, "scheme must be http or https")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, gatewayerr.New(gatewayerr.SecurityError, "URL has no hostname")
	}
	if loopbackLiterals[host] {
		return nil, gatewayerr.New(gatewayerr.SecurityError, fmt.Sprintf("hostname %q is a loopback address", host))
	}
	for _, pat := range privateRangePatterns {
		if pat.MatchString(host) {
			return nil, gatewayerr.New(gatewayerr.SecurityError, fmt.Sprintf("hostname %q is in a private address range", host))
		}
	}
	for _, denied := range c.cfg.DeniedDomains {
		if domainMatches(host, denied, false) {
			return nil, gatewayerr.New(gatewayerr.SecurityError, fmt.Sprintf("hostname %q matches denied_domains entry %q", host, denied))
		}
	}

	if len(c.cfg.AllowedDomains) == 0 {
		return nil, gatewayerr.New(gatewayerr.SecurityError, "no allowed_domains configured")
	}
	for _, allowed := range c.cfg.AllowedDomains {
		if domainMatches(host, allowed, true) {
			return u, nil
		}
	}
	return nil, gatewayerr.New(gatewayerr.SecurityError, fmt.Sprintf("hostname %q does not match allowed_domains", host))
}

// domainMatches implements both the deny-suffix rule (segment-boundary
// suffix match) and the allow rule (plain "foo.com" matches itself and
// subdomains; "*.foo" matches foo and any subdomain of foo).
func domainMatches(host, pattern string, allowWildcard bool) bool {
	if allowWildcard && strings.HasPrefix(pattern, "*.") {
		base := strings.TrimPrefix(pattern, "*.")
		return host == base || strings.HasSuffix(host, "."+base)
	}
	if host == pattern {
		return true
	}
	return strings.HasSuffix(host, "."+pattern)
}

var allowedResponseHeaders = []string{"content-type", "content-length", "last-modified", "etag"}

// applyHeaders sets caller-supplied headers on req, dropping any that match
// scrubbedHeaders so a caller cannot forward gateway-held credentials to an
// arbitrary remote host, then stamps the gateway's own User-Agent.
func applyHeaders(req *http.Request, headers map[string]any) {
	for k, v := range headers {
		if scrubbedHeaders[strings.ToLower(k)] {
			continue
		}
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}
	req.Header.Set("User-Agent", userAgent)
}

func (c *Connector) fetch(ctx context.Context, args map[string]any) (any, error) {
	raw, _ := args["url"].(string)
	headers, _ := args["headers"].(map[string]any)

	target, err := c.gateURL(raw)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConnectorError, "failed to build request", err)
	}
	applyHeaders(req, headers)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, gatewayerr.New(gatewayerr.Timeout, "request deadline exceeded")
		}
		return nil, gatewayerr.Wrap(gatewayerr.ConnectorError, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.ContentLength > 0 && c.cfg.MaxResponseBytes > 0 && resp.ContentLength > c.cfg.MaxResponseBytes {
		return nil, gatewayerr.New(gatewayerr.MaxBytesExceeded, "declared content-length exceeds max_response_bytes")
	}

	limit := c.cfg.MaxResponseBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, truncated, err := readLimited(resp.Body, limit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, gatewayerr.New(gatewayerr.Timeout, "response read deadline exceeded")
		}
		return nil, gatewayerr.Wrap(gatewayerr.ConnectorError, "failed reading response body", err)
	}
	if truncated {
		return nil, gatewayerr.New(gatewayerr.MaxBytesExceeded, "response body exceeds max_response_bytes")
	}

	respHeaders := map[string]string{}
	for _, h := range allowedResponseHeaders {
		if v := resp.Header.Get(h); v != "" {
			respHeaders[h] = v
		}
	}

	return map[string]any{
		"url":        resp.Request.URL.String(),
		"status":     resp.StatusCode,
		"statusText": resp.Status,
		"headers":    respHeaders,
		"body":       string(body),
		"size":       len(body),
	}, nil
}

// readLimited reads up to limit+1 bytes, reporting truncated when the cap
// was crossed so the caller can abort rather than buffer an unbounded body.
func readLimited(r io.Reader, limit int64) ([]byte, bool, error) {
	lr := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
