package toolguard

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// truncationMarker is appended when tool output exceeds the size bound.
const truncationMarker = "\n[output truncated]"

// roleMarker matches line-leading role-marker tokens that could smuggle a
// fake turn boundary back into the conversation.
var roleMarker = regexp.MustCompile(`(?i)^\s*(human|assistant|system|user|model)\s*:\s*`)

// SanitizeOutput strips line-leading role markers from tool output and
// truncates overlong output with an explicit marker.
func (r *Registry) SanitizeOutput(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = roleMarker.ReplaceAllString(line, "")
	}
	out := strings.Join(lines, "\n")

	if len(out) > r.cfg.MaxOutputBytes {
		// Back up to a rune boundary so the cut never leaves an invalid
		// UTF-8 tail in front of the marker.
		cut := r.cfg.MaxOutputBytes
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + truncationMarker
	}
	return out
}
