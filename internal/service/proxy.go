// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"gemini-proxy-go/internal/client"
	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/metrics"
	"gemini-proxy-go/internal/model"
	"gemini-proxy-go/internal/rewrite"
)

// allowedUpstreamHosts restricts which hosts the proxy will forward to.
var allowedUpstreamHosts = map[string]bool{
	"generativelanguage.googleapis.com": true,
}

// headerAllowList decides which request headers are forwarded upstream.
// A header is forwarded iff its name matches an exact rule (canonical form)
// or one of the patterns (matched against the lower-cased name). Everything
// else is silently dropped.
type headerAllowList struct {
	exact    map[string]bool
	patterns []*regexp.Regexp
}

func newHeaderAllowList(cfg config.ProxyConfig) (*headerAllowList, error) {
	al := &headerAllowList{exact: make(map[string]bool, len(cfg.ForwardHeaders))}
	for _, name := range cfg.ForwardHeaders {
		al.exact[http.CanonicalHeaderKey(name)] = true
	}
	for _, p := range cfg.ForwardHeaderPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile forward header pattern %q: %w", p, err)
		}
		al.patterns = append(al.patterns, re)
	}
	return al, nil
}

func (al *headerAllowList) matches(name string) bool {
	if al.exact[http.CanonicalHeaderKey(name)] {
		return true
	}
	lower := strings.ToLower(name)
	for _, re := range al.patterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client    *client.GenLangClient
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	baseURL   *url.URL
	allowList *headerAllowList
}

// NewProxyService creates a ProxyService. The metrics parameter is optional;
// pass nil to disable rewrite-outcome recording.
func NewProxyService(c *client.GenLangClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	al, err := newHeaderAllowList(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	return &ProxyService{
		client:    c,
		cfg:       cfg,
		logger:    logger.With("component", "proxy_service"),
		metrics:   m,
		baseURL:   u,
		allowList: al,
	}, nil
}

// NewProxyServiceForTest creates a ProxyService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewProxyServiceForTest(c *client.GenLangClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	al, err := newHeaderAllowList(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	return &ProxyService{
		client:    c,
		cfg:       cfg,
		logger:    logger.With("component", "proxy_service"),
		baseURL:   u,
		allowList: al,
	}, nil
}

func (s *ProxyService) recordRewrite(outcome string) {
	if s.metrics != nil {
		s.metrics.BodyRewrites.WithLabelValues(outcome).Inc()
	}
}

// Forward sends a ProxyRequest to the upstream Generative Language API and
// returns the response. The caller is responsible for closing the response body.
//
// The pipeline is: rewrite the URL (strip the routing key, keep everything
// else in original order), filter request headers through the allow-list,
// transform the body when eligible, then dispatch upstream.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawPath, pr.RawQuery)
	header := s.filterRequestHeaders(pr.Header)
	body := s.outgoingBody(pr)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	return resp, nil
}

// buildUpstreamURL resolves the incoming path against the upstream origin and
// re-attaches the query string minus the reserved routing key. The raw query
// is edited pair-by-pair so that parameter order and duplicate keys are
// preserved exactly as the client sent them. RawPath carries the original
// percent-encoding so an encoded segment (e.g. %2F) is not re-encoded as a
// path separator.
func (s *ProxyService) buildUpstreamURL(path, rawPath, rawQuery string) string {
	u := *s.baseURL
	u.Path = path
	u.RawPath = rawPath
	u.RawQuery = stripQueryKey(rawQuery, s.cfg.Proxy.RoutingKey)
	return u.String()
}

// stripQueryKey removes every pair whose key equals reserved from an encoded
// query string, leaving the remaining pairs untouched and in order. Removing
// an absent key is a no-op.
func stripQueryKey(rawQuery, reserved string) string {
	if rawQuery == "" || reserved == "" {
		return rawQuery
	}
	pairs := strings.Split(rawQuery, "&")
	kept := pairs[:0]
	for _, pair := range pairs {
		key := pair
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key = pair[:i]
		}
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		if key == reserved {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

// filterRequestHeaders copies only allow-listed headers into the outgoing set.
// A header matching more than one rule is still set exactly once.
func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if s.allowList.matches(key) {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}

// outgoingBody returns the body to send upstream. POST bodies are rewritten
// when the safety-off flag is enabled; anything else is passed through as the
// original stream without buffering.
//
// The incoming stream is consumed at most once: either it is handed to the
// upstream request directly, or it is fully drained here for the rewrite.
func (s *ProxyService) outgoingBody(pr *model.ProxyRequest) io.Reader {
	if pr.Body == nil {
		return nil
	}
	if pr.Method != http.MethodPost || !s.cfg.Rewrite.ForceSafetyOff {
		return pr.Body
	}

	raw, err := io.ReadAll(pr.Body)
	if err != nil {
		s.logger.Warn("reading request body", "err", err)
		return bytes.NewReader(raw)
	}

	out, err := rewrite.ForceSafetyOff(raw)
	if err != nil {
		// Not JSON: forward the original text untouched.
		s.logger.Info("body rewrite skipped", "err", err)
		s.recordRewrite("fallback")
		return bytes.NewReader(raw)
	}
	s.recordRewrite("rewritten")
	return bytes.NewReader(out)
}
