package completion

import (
	"fmt"
	"strings"
)

// defaultPersona is the static framing sent with every completion when
// no persona text is configured.
const defaultPersona = "You are a warm, attentive companion. Keep replies short, " +
	"conversational, and in character. Never mention that you are an AI model."

// SystemPrompt composes the system instruction from static persona
// framing plus the dynamic facts the persona should know about the user.
func SystemPrompt(persona, displayName string, streak int) string {
	if strings.TrimSpace(persona) == "" {
		persona = defaultPersona
	}

	var b strings.Builder
	b.WriteString(persona)
	if displayName != "" {
		fmt.Fprintf(&b, "\n\nThe user's name is %s.", displayName)
	}
	if streak > 1 {
		fmt.Fprintf(&b, " They have chatted with you %d days in a row.", streak)
	}
	return b.String()
}
