package ingest

import (
	"github.com/kalambet/sessiond/internal/parser"
	"github.com/kalambet/sessiond/internal/storage"
)

// ContentFrom converts parsed content into the delta ApplyContent consumes.
func ContentFrom(pc parser.ParsedConversation) storage.Content {
	c := storage.Content{EpochBoundaries: pc.EpochBoundaries}
	for _, m := range pc.Messages {
		c.Messages = append(c.Messages, MessageFrom(m))
	}
	for _, r := range pc.ToolResults {
		c.ToolResults = append(c.ToolResults, storage.ToolResult{ToolUseID: r.ToolUseID, Content: r.Content, IsError: r.IsError})
	}
	return c
}

// MessageFrom converts one parsed message, keeping its relative epoch.
func MessageFrom(m parser.Message) storage.Message {
	out := storage.Message{
		Epoch:        m.Epoch,
		Role:         m.Role,
		Kind:         m.Kind,
		Content:      m.Content,
		Thinking:     m.Thinking,
		Model:        m.Model,
		ExternalID:   m.ExternalID,
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
		EmittedAt:    m.EmittedAt,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, storage.ToolCall{ToolUseID: tc.ToolUseID, Name: tc.Name, Input: tc.Input})
	}
	out.FileTouches = TouchesFrom(m.FileTouches)
	return out
}

func TouchesFrom(touches []parser.FileTouch) []storage.FileTouch {
	var out []storage.FileTouch
	for _, t := range touches {
		out = append(out, storage.FileTouch{Path: t.Path, Action: t.Action, TouchedAt: t.At})
	}
	return out
}
