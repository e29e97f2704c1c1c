// Package validation provides input validation helpers for the API.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). Chat bodies
// are small; anything bigger is garbage or abuse.
const MaxRequestSize = 64 << 10

// MaxMessageLength is the maximum chat message length in characters.
const MaxMessageLength = 500

// chatIDRegex validates chat identifiers.
var chatIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidChatID checks if a string is a well-formed chat identifier
func IsValidChatID(id string) bool {
	return chatIDRegex.MatchString(id)
}

// MessageLength counts a message's length in characters (not bytes)
func MessageLength(s string) int {
	return utf8.RuneCountInString(s)
}

// TrimMessage normalizes a chat message for emptiness checks
func TrimMessage(s string) string {
	return strings.TrimSpace(s)
}
