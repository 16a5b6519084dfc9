package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// RequestKey prefers the project resolved by the auth middleware and falls
// back to the caller IP. The endpoint signature is always part of the key.
func RequestKey(c echo.Context) Key {
	endpoint := c.Request().Method + " " + c.Path()
	if projectID, ok := c.Get("project_id").(string); ok && projectID != "" {
		return Key{Type: KeyPerProject, Identifiers: []string{projectID, endpoint}}
	}
	return Key{Type: KeyPerIP, Identifiers: []string{c.RealIP(), endpoint}}
}

// Middleware enforces the resolved rule and sets the X-RateLimit headers.
func Middleware(l *Limiter, r *Resolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rule := r.Resolve(c.Request().Method, c.Path())
			return enforce(c, l, RequestKey(c), rule, next)
		}
	}
}

// IPMiddleware counts every request from one caller IP against rule,
// whatever the endpoint. It runs ahead of authentication so rejected
// tokens still use up budget.
func IPMiddleware(l *Limiter, rule Rule) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return enforce(c, l, Key{Type: KeyPerIP, Identifiers: []string{c.RealIP()}}, rule, next)
		}
	}
}

func enforce(c echo.Context, l *Limiter, key Key, rule Rule, next echo.HandlerFunc) error {
	decision, err := l.Check(c.Request().Context(), key, rule)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "rate limit error",
		})
	}

	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

	if !decision.Allowed {
		wait := decision.RetryAfter(l.now())
		h.Set("Retry-After", strconv.Itoa(int(wait.Seconds())))
		return c.JSON(http.StatusTooManyRequests, map[string]string{
			"error": "rate limit exceeded",
		})
	}

	return next(c)
}
