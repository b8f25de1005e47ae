package orchestrator

import (
	"context"
	"io"
	"strings"

	"github.com/codex-bridge/codexrpc/eventmapper"
)

// ContentBlock is one entry in a Result's Content list: either a folded
// text/reasoning block (deltas concatenated in arrival order) or a
// pass-through tool-call/tool-result part. A text block sits where its
// text-start first appeared; reasoning blocks and tool parts sit in the
// order each became complete.
type ContentBlock struct {
	Type       string // "text", "reasoning", "tool-call", "tool-result"
	ID         string
	Text       string
	ToolCall   *eventmapper.ToolCall
	ToolResult *eventmapper.ToolResult
}

// Result is Generate's non-streaming return value, folded from a drained
// Stream: text concatenated by id in order of first appearance, tool
// calls and results retained as pass-through blocks.
type Result struct {
	Content      []ContentBlock
	FinishReason string
	Usage        eventmapper.Usage
	ThreadID     string
	Warnings     []string
}

func drain(ctx context.Context, stream *eventmapper.Stream) (*Result, error) {
	res := &Result{}
	texts := make(map[string]*strings.Builder)
	textIdx := make(map[string]int)
	reasonings := make(map[string]*strings.Builder)

	for {
		part, err := stream.Recv(ctx)
		if err != nil {
			if err == io.EOF {
				return res, nil
			}
			return nil, err
		}

		switch p := part.(type) {
		case eventmapper.TextStart:
			texts[p.ID] = &strings.Builder{}
			textIdx[p.ID] = len(res.Content)
			res.Content = append(res.Content, ContentBlock{Type: "text", ID: p.ID})
		case eventmapper.TextDelta:
			if b, ok := texts[p.ID]; ok {
				b.WriteString(p.Delta)
			}
		case eventmapper.TextEnd:
			if b, ok := texts[p.ID]; ok {
				res.Content[textIdx[p.ID]].Text = b.String()
				delete(texts, p.ID)
				delete(textIdx, p.ID)
			}
		case eventmapper.ReasoningStart:
			reasonings[p.ID] = &strings.Builder{}
		case eventmapper.ReasoningDelta:
			if b, ok := reasonings[p.ID]; ok {
				b.WriteString(p.Delta)
			}
		case eventmapper.ReasoningEnd:
			if b, ok := reasonings[p.ID]; ok {
				res.Content = append(res.Content, ContentBlock{Type: "reasoning", ID: p.ID, Text: b.String()})
				delete(reasonings, p.ID)
			}
		case eventmapper.ToolCall:
			tc := p
			res.Content = append(res.Content, ContentBlock{Type: "tool-call", ID: tc.CallID, ToolCall: &tc})
		case eventmapper.ToolResult:
			if p.Preliminary {
				continue
			}
			tr := p
			res.Content = append(res.Content, ContentBlock{Type: "tool-result", ID: tr.CallID, ToolResult: &tr})
		case eventmapper.Finish:
			res.FinishReason = p.Reason
			res.Usage = p.Usage
			res.ThreadID = p.ThreadID
		case eventmapper.ErrorPart:
			return nil, p.Cause
		}
	}
}
