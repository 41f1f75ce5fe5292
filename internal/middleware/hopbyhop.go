package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers
// from incoming requests before any handler sees them. No response headers
// are added here: preflight responses must carry exactly the CORS set, and
// everything else mirrors the upstream.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}
			return next(c)
		}
	}
}
