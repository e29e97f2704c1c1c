package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidChatID(t *testing.T) {
	valid := []string{"c1", "chat-1", "chat_abc", "A", strings.Repeat("x", 64)}
	for _, id := range valid {
		assert.True(t, IsValidChatID(id), id)
	}

	invalid := []string{"", "chat 1", "chat!", "chat/1", strings.Repeat("x", 65), "café"}
	for _, id := range invalid {
		assert.False(t, IsValidChatID(id), id)
	}
}

func TestMessageLength_CountsRunesNotBytes(t *testing.T) {
	assert.Equal(t, 5, MessageLength("héllo"))
	assert.Equal(t, 3, MessageLength("日本語"))
	assert.Equal(t, 0, MessageLength(""))
}

func TestTrimMessage(t *testing.T) {
	assert.Equal(t, "hi", TrimMessage("  hi\n"))
	assert.Equal(t, "", TrimMessage(" \t\n "))
}
