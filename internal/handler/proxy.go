package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"gemini-proxy-go/internal/cors"
	"gemini-proxy-go/internal/model"
	"gemini-proxy-go/internal/service"
)

// keyPattern matches key query parameter values in URLs embedded in error messages.
var keyPattern = regexp.MustCompile(`(?i)([?&]key=)[^&\s"]+`)

// ProxyHandler forwards API requests to the upstream Generative Language API.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the upstream API and streams the response back.
// CORS preflight requests are answered immediately and never reach the upstream.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodOptions {
		return Preflight(c)
	}

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Response headers: the permissive CORS set goes on first, then every
	// upstream header is overlaid. On a key collision the upstream value
	// replaces the default, so upstream can narrow the CORS policy.
	out := c.Response().Header()
	cors.Apply(out)
	for key, vals := range resp.Header {
		out.Del(key)
		for _, v := range vals {
			out.Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If io.Copy fails
	// mid-stream the status code has already been sent, so the client
	// receives a truncated response with the original status.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// Preflight answers a CORS preflight probe: status 200, empty body, exactly
// the fixed CORS header set.
func Preflight(c echo.Context) error {
	cors.Apply(c.Response().Header())
	return c.NoContent(http.StatusOK)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	cors.Apply(c.Response().Header())

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// sanitizeError redacts API keys from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return keyPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
