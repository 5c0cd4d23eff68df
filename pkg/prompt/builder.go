package prompt

import (
	"fmt"
	"strings"

	"studychat-be/pkg/llm"
)

// Builder flattens a transcript into a single completion prompt. It is a
// pure transform: no model or session state is retained between calls, so
// the persisted messages stay the only source of truth for history.
type Builder struct {
	SystemInstruction string
	ContextWindow     int
}

func NewBuilder(systemInstruction string, contextWindow int) *Builder {
	return &Builder{
		SystemInstruction: systemInstruction,
		ContextWindow:     contextWindow,
	}
}

// Build renders the system instruction, an audience-level annotation and the
// most recent transcript turns with "User: "/"Assistant: " prefixes, closing
// with a bare "Assistant:" cue for the model.
func (b *Builder) Build(transcript []llm.Message, level string) string {
	lines := make([]string, 0, len(transcript)+2)
	lines = append(lines, strings.TrimSpace(b.SystemInstruction))
	lines = append(lines, fmt.Sprintf("(Audience level: %s)", level))

	turns := transcript
	if b.ContextWindow > 0 && len(turns) > b.ContextWindow {
		turns = turns[len(turns)-b.ContextWindow:]
	}
	for _, m := range turns {
		if m.Role == "user" {
			lines = append(lines, "User: "+m.Content)
		} else {
			lines = append(lines, "Assistant: "+m.Content)
		}
	}

	return strings.Join(lines, "\n") + "\nAssistant:"
}
