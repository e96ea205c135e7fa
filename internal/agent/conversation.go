package agent

import (
	"github.com/codeYAY/SPACE/internal/llm"
	"github.com/codeYAY/SPACE/pkg/models"
)

// DefaultHistoryLimit is how many persisted messages seed a conversation.
const DefaultHistoryLimit = 5

// BuildHistory turns persisted messages, newest first, into the opening
// conversation in chronological order. A non-empty brief is appended as a
// final user message.
func BuildHistory(newestFirst []models.Message, brief string) []llm.Message {
	out := make([]llm.Message, 0, len(newestFirst)+1)
	for i := len(newestFirst) - 1; i >= 0; i-- {
		m := newestFirst[i]
		role := llm.RoleUser
		if m.Role == models.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Text: m.Content})
	}
	if brief != "" {
		out = append(out, llm.Message{Role: llm.RoleUser, Text: brief})
	}
	return out
}
