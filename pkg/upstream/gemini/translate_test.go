package gemini

import (
	"reflect"
	"testing"

	"github.com/pfeil-dev/pfeil/pkg/api"
)

func TestRoundTripTextOnly(t *testing.T) {
	messages := []api.Message{
		{Role: api.RoleUser, Parts: []api.Part{api.TextPart("Hello")}},
		{Role: api.RoleAssistant, Parts: []api.Part{api.TextPart("Hi there")}},
		{Role: api.RoleUser, Parts: []api.Part{api.TextPart("How are you?")}},
	}

	got := FromUpstream(ToUpstream(messages))
	if !reflect.DeepEqual(messages, got) {
		t.Fatalf("text-only round trip mismatch:\nwant %+v\ngot  %+v", messages, got)
	}
}

func TestRoundTripToolParts(t *testing.T) {
	args := map[string]any{"query": "weather", "limit": float64(3)}
	messages := []api.Message{
		{Role: api.RoleAssistant, Parts: []api.Part{api.ToolUsePart("toolu_abc", "search", args)}},
		{Role: api.RoleUser, Parts: []api.Part{api.ToolResultPart("toolu_abc", "search", "sunny")}},
	}

	got := FromUpstream(ToUpstream(messages))
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}

	tu := got[0].Parts[0].ToolUse
	if tu == nil || tu.Name != "search" || !reflect.DeepEqual(tu.Args, args) {
		t.Fatalf("tool use did not round trip name/args: %+v", tu)
	}

	tr := got[1].Parts[0].ToolResult
	if tr == nil || tr.Name != "search" || tr.Content != "sunny" || tr.IsError {
		t.Fatalf("tool result did not round trip: %+v", tr)
	}
}

func TestRoleMapping(t *testing.T) {
	contents := ToUpstream([]api.Message{
		{Role: api.RoleUser, Parts: []api.Part{api.TextPart("u")}},
		{Role: api.RoleAssistant, Parts: []api.Part{api.TextPart("a")}},
	})
	if contents[0].Role != "user" || contents[1].Role != "model" {
		t.Fatalf("role mapping wrong: %s, %s", contents[0].Role, contents[1].Role)
	}
}

func TestSystemMessagesExcludedFromContents(t *testing.T) {
	messages := []api.Message{
		{Role: api.RoleSystem, Parts: []api.Part{api.TextPart("be terse")}},
		{Role: api.RoleUser, Parts: []api.Part{api.TextPart("hi")}},
	}
	contents := ToUpstream(messages)
	if len(contents) != 1 || contents[0].Role != "user" {
		t.Fatalf("system message leaked into contents: %+v", contents)
	}
	if got := SystemTextOf(messages); got != "be terse" {
		t.Fatalf("system text mismatch: %q", got)
	}
}

func TestSystemInstructionShape(t *testing.T) {
	si := NewSystemInstruction("rules")
	if si == nil || len(si.Parts) != 1 || si.Parts[0].Text != "rules" {
		t.Fatalf("expected single-part system instruction, got %+v", si)
	}
	if NewSystemInstruction("") != nil {
		t.Fatal("empty system text should yield nil instruction")
	}
}

func TestUnknownPartFallsBackToText(t *testing.T) {
	messages := []api.Message{
		{Role: api.RoleUser, Parts: []api.Part{{Type: "thumbnail"}}},
	}
	contents := ToUpstream(messages)
	if contents[0].Parts[0].Text == "" {
		t.Fatal("unknown part should serialize to a best-effort text fallback")
	}
}

func TestTextOfCollapsesSinglePart(t *testing.T) {
	text, ok := TextOf(Content{Role: "model", Parts: []ContentPart{{Text: "plain"}}})
	if !ok || text != "plain" {
		t.Fatalf("single text part should collapse: %q %v", text, ok)
	}
	if _, ok := TextOf(Content{Parts: []ContentPart{{Text: "a"}, {Text: "b"}}}); ok {
		t.Fatal("multi-part content must not collapse")
	}
}
