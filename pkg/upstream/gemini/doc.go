// Package gemini translates between the gateway's canonical message format
// and the Google-style generative API wire format, parses its SSE stream
// into normalized events, and issues streaming requests against it.
//
// Translation is pure and stateless: toUpstream maps assistant→model and
// user→user, with text, tool invocations, and tool results mapped to text,
// functionCall, and functionResponse parts; fromUpstream reverses the three
// mappings. Stream parsing is line-at-a-time and never aborts the stream
// over a single malformed payload.
package gemini
