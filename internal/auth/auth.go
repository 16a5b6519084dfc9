package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// ContextKey is where the middleware stores the authenticated project id.
const ContextKey = "project_id"

type Claims struct {
	ProjectID string `json:"project_id"`
	jwt.RegisteredClaims
}

// GenerateToken issues a project token valid for ttl.
func GenerateToken(secret, projectID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		ProjectID: projectID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   projectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.ProjectID == "" {
		claims.ProjectID = claims.Subject
	}
	if claims.ProjectID == "" {
		return nil, errors.New("token has no project")
	}
	return claims, nil
}

// JWTMiddleware requires a bearer token and stores its project id in the
// echo context.
func JWTMiddleware(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Authorization header is required"})
			}

			tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || tokenString == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token format"})
			}

			claims, err := parseToken(secret, tokenString)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
			}

			c.Set(ContextKey, claims.ProjectID)
			return next(c)
		}
	}
}

// ProjectID returns the authenticated project, or "" on public routes.
func ProjectID(c echo.Context) string {
	id, _ := c.Get(ContextKey).(string)
	return id
}
