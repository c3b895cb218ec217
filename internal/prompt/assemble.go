// Package prompt turns a distilled context and user input into the message
// sequence handed to the model boundary.
package prompt

import (
	"fmt"
	"strings"

	"github.com/loomstudio/canvas-engine/pkg/types"
)

// defaultDirective substitutes for an empty user turn when context exists;
// most model back-ends reject empty user messages.
const defaultDirective = "Proceed with the task using the context provided."

// Assemble produces the ordered message list for one invocation: a single
// system message embedding the context items, followed by one user message.
// Pure formatting; missing inputs degrade instead of failing.
func Assemble(systemPrompt string, rc types.ReasoningContext, userInput string) []types.Message {
	var messages []types.Message

	system := buildSystem(systemPrompt, rc)
	if system != "" {
		messages = append(messages, types.Message{Role: types.MessageRoleSystem, Content: system})
	}

	user := strings.TrimSpace(userInput)
	if user == "" && len(rc.Items) > 0 {
		user = defaultDirective
	}
	if user != "" {
		messages = append(messages, types.Message{Role: types.MessageRoleUser, Content: user})
	}

	return messages
}

func buildSystem(systemPrompt string, rc types.ReasoningContext) string {
	var b strings.Builder

	if systemPrompt != "" {
		b.WriteString(systemPrompt)
	}

	if len(rc.Items) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("<canvas_context>\n")
		for _, it := range rc.Items {
			fmt.Fprintf(&b, "[%s|importance %d] %s\n", it.Role, it.Importance, it.Content)
		}
		b.WriteString("</canvas_context>")
	}

	return b.String()
}
