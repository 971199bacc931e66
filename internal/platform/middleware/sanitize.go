package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

const maxHeaderValueSize = 8192

var (
	// Logged only: search values reach SQL as bind parameters.
	sqlPatterns = regexp.MustCompile(`(?i)('+\s*;\s*DROP\b|UNION\s+SELECT\b|'\s+OR\s+1\s*=\s*1)`)

	// Event handlers only count inside markup, so continuation tokens and
	// token values such as "code=..." pass.
	scriptPatterns = regexp.MustCompile(`(?i)(<script|javascript\s*:|<[^>]*\bon\w+\s*=)`)
)

// Sanitize rejects requests carrying path traversal, null bytes, header
// injection or script injection with 400 and an invalid OperationOutcome.
func Sanitize(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path, rawPath := req.URL.Path, req.URL.RawPath
			if rawPath == "" {
				rawPath = path
			}

			if containsPathTraversal(path) || containsPathTraversal(rawPath) {
				return rejected(c, "path traversal detected")
			}
			if containsNullByte(path) || containsNullByte(rawPath) {
				return rejected(c, "null byte in request path")
			}

			for name, values := range req.Header {
				for _, v := range values {
					if len(v) > maxHeaderValueSize {
						return rejected(c, "header value exceeds maximum size: "+name)
					}
					if strings.ContainsAny(v, "\r\n") {
						return rejected(c, "header injection detected: "+name)
					}
				}
			}

			for key, values := range req.URL.Query() {
				if containsNullByte(key) || scriptPatterns.MatchString(key) {
					return rejected(c, "invalid query parameter name")
				}
				for _, v := range values {
					if containsNullByte(v) {
						return rejected(c, "null byte in query parameter "+key)
					}
					if scriptPatterns.MatchString(v) {
						return rejected(c, "script injection detected in query parameter "+key)
					}
					if sqlPatterns.MatchString(v) {
						logger.Warn().Str("param", key).Str("path", path).Str("remote_ip", c.RealIP()).
							Msg("sql injection pattern in query parameter")
					}
				}
			}
			return next(c)
		}
	}
}

func containsPathTraversal(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(s, "..") || strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func containsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}

func rejected(c echo.Context, diagnostics string) error {
	return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(diagnostics))
}
