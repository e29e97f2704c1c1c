package token

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// CookieName is the session cookie checked when no bearer header is present.
	CookieName = "auth_token"
	// ContextKeyUserID is the gin context key holding the authenticated user id.
	ContextKeyUserID = "authUserID"
)

// FromRequest extracts the raw credential from the Authorization header
// or the auth_token cookie. Returns "" when neither is present.
func FromRequest(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if cookie, err := c.Cookie(CookieName); err == nil {
		return cookie
	}
	return ""
}

// RequireAuth returns a middleware that verifies the session token and
// stores the user id in the gin context. Requests without a valid token
// are rejected with 401.
func RequireAuth(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := v.Verify(FromRequest(c))
		if err != nil {
			abortUnauthorized(c, err)
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Next()
	}
}

// UserID returns the authenticated user id from the gin context.
func UserID(c *gin.Context) string {
	id, _ := c.Get(ContextKeyUserID)
	s, _ := id.(string)
	return s
}

func abortUnauthorized(c *gin.Context, err error) {
	var expired *ExpiredError
	if errors.As(err, &expired) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":     "session_expired",
			"message":   "Session expired. Please sign in again.",
			"expiredAt": expired.ExpiredAt.UnixMilli(),
			"now":       expired.Now.UnixMilli(),
		})
		return
	}

	code := "unauthorized"
	message := "Authentication failed."
	switch {
	case errors.Is(err, ErrMissingToken):
		code, message = "missing_token", "Include 'Authorization: Bearer <token>' or the auth_token cookie."
	case errors.Is(err, ErrMalformed):
		code, message = "malformed_token", "The session token is malformed."
	case errors.Is(err, ErrVerificationFailed):
		code, message = "verification_failed", "The session token could not be verified."
	case errors.Is(err, ErrInvalidSignature):
		code, message = "invalid_signature", "The session token signature is invalid."
	}

	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   code,
		"message": message,
	})
}
