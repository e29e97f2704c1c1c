package chat

import (
	"encoding/json"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/avelou/heartline/internal/validation"
)

// Rejection reasons, returned verbatim in the "error" field so clients
// can branch on them.
const (
	reasonEmptyBody      = "EmptyBody"
	reasonInvalidType    = "InvalidType"
	reasonInvalidChatID  = "InvalidChatIdFormat"
	reasonEmptyMessage   = "EmptyMessage"
	reasonMessageTooLong = "MessageTooLong"
)

// rawTurnRequest decodes both fields as raw JSON so a wrong type is
// distinguishable from a missing field.
type rawTurnRequest struct {
	Message json.RawMessage `json:"message"`
	ChatID  json.RawMessage `json:"chatId"`
}

// validateRequest parses and checks the turn request body. On success
// it returns the trimmed message and chat id with an empty reason; on
// failure the reason names the first check that failed.
func validateRequest(c *gin.Context) (message, chatID, reason string) {
	var raw rawTurnRequest
	if err := c.ShouldBindJSON(&raw); err != nil {
		return "", "", reasonEmptyBody
	}
	if raw.Message == nil || raw.ChatID == nil {
		return "", "", reasonEmptyBody
	}

	var msgStr, chatStr string
	if err := json.Unmarshal(raw.Message, &msgStr); err != nil {
		return "", "", reasonInvalidType
	}
	if err := json.Unmarshal(raw.ChatID, &chatStr); err != nil {
		return "", "", reasonInvalidType
	}

	if !isValidChatID(chatStr) {
		return "", "", reasonInvalidChatID
	}

	msgStr = validation.TrimMessage(msgStr)
	if msgStr == "" {
		return "", "", reasonEmptyMessage
	}
	if validation.MessageLength(msgStr) > validation.MaxMessageLength {
		return "", "", reasonMessageTooLong
	}

	return msgStr, chatStr, ""
}

func isValidChatID(id string) bool {
	return validation.IsValidChatID(id)
}

// reasonMessage maps a rejection reason to its human-readable detail.
func reasonMessage(reason string) string {
	switch reason {
	case reasonEmptyBody:
		return "Request body must include message and chatId."
	case reasonInvalidType:
		return "message and chatId must be strings."
	case reasonInvalidChatID:
		return "chatId must be 1-64 characters of letters, digits, hyphen, or underscore."
	case reasonEmptyMessage:
		return "Message must not be empty."
	case reasonMessageTooLong:
		return "Message exceeds the " + strconv.Itoa(validation.MaxMessageLength) + " character limit."
	default:
		return "Invalid request."
	}
}

func queryInt(c *gin.Context, key string) (int, bool) {
	v := c.Query(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
