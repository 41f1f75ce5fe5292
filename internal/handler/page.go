package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"gemini-proxy-go/internal/cors"
)

// indexHTML is the static informational page served at the root path.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Gemini Proxy</title>
</head>
<body>
<h1>Gemini Proxy</h1>
<p>This service forwards requests to the Google Generative Language API.</p>
<p>Send API requests to the same paths you would use against
<code>generativelanguage.googleapis.com</code>, supplying your own
<code>x-goog-api-key</code> header or <code>key</code> query parameter.</p>
</body>
</html>
`

// PageHandler serves the static informational page at the root path.
type PageHandler struct{}

// NewPageHandler creates a PageHandler.
func NewPageHandler() *PageHandler {
	return &PageHandler{}
}

// Index serves the informational HTML page with the CORS header set attached.
// Preflight probes on the root path are short-circuited like everywhere else;
// no upstream call is ever made from here.
func (h *PageHandler) Index(c echo.Context) error {
	if c.Request().Method == http.MethodOptions {
		return Preflight(c)
	}
	cors.Apply(c.Response().Header())
	return c.HTML(http.StatusOK, indexHTML)
}
