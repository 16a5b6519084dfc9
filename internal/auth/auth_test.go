package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, secret, header string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	e := echo.New()
	var seen string
	e.GET("/p", func(c echo.Context) error {
		seen = ProjectID(c)
		return c.NoContent(http.StatusOK)
	}, JWTMiddleware(secret))

	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec, seen
}

func TestJWTMiddleware(t *testing.T) {
	token, err := GenerateToken("s3cret", "proj-1", time.Hour)
	require.NoError(t, err)

	rec, project := serve(t, "s3cret", "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "proj-1", project)
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	good, err := GenerateToken("s3cret", "proj-1", time.Hour)
	require.NoError(t, err)
	expired, err := GenerateToken("s3cret", "proj-1", -time.Minute)
	require.NoError(t, err)
	noProject, err := GenerateToken("s3cret", "", time.Hour)
	require.NoError(t, err)

	tests := map[string]string{
		"missing header": "",
		"not bearer":     "Token " + good,
		"wrong secret":   "Bearer " + good + "x",
		"expired":        "Bearer " + expired,
		"no project":     "Bearer " + noProject,
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			rec, project := serve(t, "s3cret", header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, project)
		})
	}
}

func TestValidator(t *testing.T) {
	type req struct {
		Platform string `validate:"required,platform"`
	}
	v := NewValidator()
	assert.NoError(t, v.Validate(req{Platform: "ios"}))
	assert.Error(t, v.Validate(req{Platform: "blackberry"}))
}
