package gemini

import (
	"testing"

	"github.com/pfeil-dev/pfeil/pkg/api"
)

func TestParseLineTextDelta(t *testing.T) {
	ev, ok := ParseLine(`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Hello! "}]}}]}`)
	if !ok || ev.Type != api.EventTextDelta || ev.Delta != "Hello! " {
		t.Fatalf("unexpected event: %+v ok=%v", ev, ok)
	}
}

func TestParseLineReducedRelayShape(t *testing.T) {
	ev, ok := ParseLine(`data: {"text":"How are you?"}`)
	if !ok || ev.Type != api.EventTextDelta || ev.Delta != "How are you?" {
		t.Fatalf("unexpected event: %+v ok=%v", ev, ok)
	}
}

func TestParseLineDoneSentinel(t *testing.T) {
	ev, ok := ParseLine("data: [DONE]")
	if !ok || ev.Type != api.EventStreamEnd {
		t.Fatalf("sentinel not recognized: %+v ok=%v", ev, ok)
	}
}

func TestParseLineSkipsNonDataLines(t *testing.T) {
	for _, line := range []string{"", ": comment", "event: ping", "id: 7", "random noise"} {
		if _, ok := ParseLine(line); ok {
			t.Fatalf("line %q should be skipped", line)
		}
	}
}

func TestParseLineSkipsMalformedJSON(t *testing.T) {
	if _, ok := ParseLine(`data: {"candidates":[`); ok {
		t.Fatal("malformed payload should be skipped, not abort the stream")
	}
}

func TestParseLineToolCall(t *testing.T) {
	ev, ok := ParseLine(`data: {"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"search","args":{"q":"go"}}}]}}]}`)
	if !ok || ev.Type != api.EventToolCallDelta {
		t.Fatalf("unexpected event: %+v ok=%v", ev, ok)
	}
	if ev.ToolCall == nil || ev.ToolCall.Name != "search" || ev.ToolCall.Args["q"] != "go" {
		t.Fatalf("tool call payload wrong: %+v", ev.ToolCall)
	}
	if ev.ToolCall.ID == "" {
		t.Fatal("tool call should carry a generated id")
	}
}

func TestParseLineUpstreamError(t *testing.T) {
	ev, ok := ParseLine(`data: {"error":{"code":503,"message":"overloaded"}}`)
	if !ok || ev.Type != api.EventError || ev.Err == nil {
		t.Fatalf("unexpected event: %+v ok=%v", ev, ok)
	}
}

func TestParseLineFinishChunkCarriesUsage(t *testing.T) {
	ev, ok := ParseLine(`data: {"candidates":[{"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"totalTokenCount":15}}`)
	if !ok || ev.Type != api.EventStreamEnd {
		t.Fatalf("unexpected event: %+v ok=%v", ev, ok)
	}
	if ev.Usage == nil || ev.Usage.TotalTokens != 15 || ev.Usage.InputTokens != 10 {
		t.Fatalf("usage not carried: %+v", ev.Usage)
	}
}

func TestParseLineCRLF(t *testing.T) {
	ev, ok := ParseLine("data: {\"text\":\"x\"}\r")
	if !ok || ev.Delta != "x" {
		t.Fatalf("CRLF line not handled: %+v ok=%v", ev, ok)
	}
}
