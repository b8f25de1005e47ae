package promptmapper

import (
	"context"
	"strings"
)

// DeveloperInstructions concatenates every system message's text (in
// order, separated by a blank line) and trims the result. It returns
// ("", false) when there is no system content. Developer instructions are
// delivered at thread open/resume, never at every turn.
func DeveloperInstructions(messages []Message) (string, bool) {
	var chunks []string
	for _, m := range messages {
		if m.Role != RoleSystem {
			continue
		}
		if text := concatenateText(m.Content); text != "" {
			chunks = append(chunks, text)
		}
	}
	joined := strings.TrimSpace(strings.Join(chunks, "\n\n"))
	if joined == "" {
		return "", false
	}
	return joined, true
}

func concatenateText(parts []Part) string {
	var b strings.Builder
	for _, part := range parts {
		if tp, ok := part.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// ResumeThreadID scans assistant messages from last to first, reading
// ProviderID's ThreadIDField off the message or any of its parts.
// The flat field is preferred; decodeThreadID-style "thread.id"
// nesting does not arise here because ProviderMetadata's value is
// already a flat map by construction.
func ResumeThreadID(messages []Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != RoleAssistant {
			continue
		}
		if id, ok := threadIDFrom(m.ProviderMetadata); ok {
			return id, true
		}
		for _, part := range m.Content {
			var meta ProviderMetadata
			switch p := part.(type) {
			case ToolCallPart:
				meta = p.ProviderMetadata
			case ToolResultPart:
				meta = p.ProviderMetadata
			}
			if id, ok := threadIDFrom(meta); ok {
				return id, true
			}
		}
	}
	return "", false
}

func threadIDFrom(meta ProviderMetadata) (string, bool) {
	if meta == nil {
		return "", false
	}
	fields, ok := meta[ProviderID]
	if !ok {
		return "", false
	}
	id, ok := fields[ThreadIDField].(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// MapTurnInput maps messages to the sidecar's turn-input vocabulary.
// When resume is false (fresh thread), every user message's content is
// walked in order: text parts accumulate into a running buffer, flushed
// to one text item before each non-text part, so adjacent text parts
// collapse into a single item while preserving ordering around images.
// When resume is true, only the last user message's content is mapped,
// each part independently (no accumulation).
func MapTurnInput(ctx context.Context, messages []Message, resume bool, resolver *FileResolver) ([]TurnInputItem, error) {
	if resume {
		last := lastUserMessage(messages)
		if last == nil {
			return nil, nil
		}
		return mapPartsIndependently(ctx, last.Content, resolver)
	}
	return mapFreshThread(ctx, messages, resolver)
}

func lastUserMessage(messages []Message) *Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return &messages[i]
		}
	}
	return nil
}

func mapFreshThread(ctx context.Context, messages []Message, resolver *FileResolver) ([]TurnInputItem, error) {
	var items []TurnInputItem
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			items = append(items, TurnInputItem{Type: "text", Text: buf.String()})
			buf.Reset()
		}
	}

	for _, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		for _, part := range m.Content {
			switch p := part.(type) {
			case TextPart:
				buf.WriteString(p.Text)
			case FilePart:
				flush()
				item, err := resolver.Resolve(ctx, p)
				if err != nil {
					return nil, err
				}
				if item != nil {
					items = append(items, *item)
				}
			}
		}
	}
	flush()
	return items, nil
}

func mapPartsIndependently(ctx context.Context, parts []Part, resolver *FileResolver) ([]TurnInputItem, error) {
	var items []TurnInputItem
	for _, part := range parts {
		switch p := part.(type) {
		case TextPart:
			items = append(items, TurnInputItem{Type: "text", Text: p.Text})
		case FilePart:
			item, err := resolver.Resolve(ctx, p)
			if err != nil {
				return nil, err
			}
			if item != nil {
				items = append(items, *item)
			}
		}
	}
	return items, nil
}

// FindToolResult locates the ToolResultPart for callID among messages'
// tool-role entries, used by the orchestrator's cross-call continuation
// branch to answer a parked tool call.
func FindToolResult(messages []Message, callID string) (ToolResultPart, bool) {
	for _, m := range messages {
		if m.Role != RoleTool {
			continue
		}
		for _, part := range m.Content {
			if tr, ok := part.(ToolResultPart); ok && tr.ToolCallID == callID {
				return tr, true
			}
		}
	}
	return ToolResultPart{}, false
}
