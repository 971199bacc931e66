package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// RequestTimeout bounds each request with a context deadline. A handler still
// running at the deadline gets a 504 timeout OperationOutcome. Handlers must
// observe the request context; search stores pass it to every query.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return c.JSON(http.StatusGatewayTimeout, fhir.NewOperationOutcome(
					fhir.IssueSeverityError,
					fhir.IssueTypeTimeout,
					"request processing exceeded the allowed time limit",
				))
			}
			return err
		}
	}
}
