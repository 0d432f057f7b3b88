// Package toolguard hardens tool declarations before they go upstream and
// validates tool-call traffic coming back, closing hallucination and
// prompt-injection vectors.
//
// Four layers: schema hardening (undeclared properties rejected), a
// per-registration trace signature for call correlation, an allow-list
// system-prompt fragment enumerating the registered tools, and idempotent
// namespace prefixing to avoid collisions with backend built-ins.
package toolguard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pfeil-dev/pfeil/pkg/api"
)

// Config tunes the hardener.
type Config struct {
	// Namespace is prepended to every tool name ("<ns>__<name>").
	Namespace string
	// StrictMode forces the reject action for every invalid call,
	// regardless of the tool's own recovery hint.
	StrictMode bool
	// MaxRetries bounds how often a retry recovery may be recommended
	// for the same tool within one registry.
	MaxRetries int
	// MaxOutputBytes truncates sanitized tool output; 0 uses the default.
	MaxOutputBytes int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Namespace: "pfeil", MaxRetries: 2, MaxOutputBytes: 64 << 10}
}

// Hardened is a tool declaration after hardening: namespaced name, strict
// schema, and a trace signature. Immutable once registered for a request.
type Hardened struct {
	Name           string
	OriginalName   string
	Description    string
	Schema         map[string]any
	TraceSignature string
}

// Registry holds the hardened declarations for one request.
type Registry struct {
	cfg     Config
	tools   map[string]*Hardened // keyed by namespaced name
	order   []string
	retries map[string]int
}

// NewRegistry creates an empty per-request registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 64 << 10
	}
	return &Registry{
		cfg:     cfg,
		tools:   make(map[string]*Hardened),
		retries: make(map[string]int),
	}
}

// Register hardens and records one caller-supplied declaration. The result
// is derived deterministically apart from the trace signature. Registering
// the same name twice replaces the earlier declaration.
func (r *Registry) Register(t api.Tool) Hardened {
	name := r.NamespacedName(t.Name)
	h := &Hardened{
		Name:           name,
		OriginalName:   strings.TrimPrefix(name, r.cfg.Namespace+"__"),
		Description:    t.Description,
		Schema:         HardenSchema(t.InputSchema),
		TraceSignature: newTraceSignature(),
	}
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = h
	return *h
}

// Declarations returns the hardened declarations in registration order.
func (r *Registry) Declarations() []Hardened {
	out := make([]Hardened, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.tools[name])
	}
	return out
}

// NamespacedName prefixes the configured namespace. Prefixing is
// idempotent: a name already carrying the namespace is left unchanged.
func (r *Registry) NamespacedName(name string) string {
	if r.cfg.Namespace == "" {
		return name
	}
	prefix := r.cfg.Namespace + "__"
	if strings.HasPrefix(name, prefix) {
		return name
	}
	return prefix + name
}

// CallerName maps a model-issued tool name back to the name the caller
// declared. The namespace exists between gateway and backend only; callers
// dispatch on their own names.
func (r *Registry) CallerName(name string) (string, bool) {
	h, ok := r.resolve(name)
	if !ok {
		return "", false
	}
	return h.OriginalName, true
}

// AllowListPrompt synthesizes the system-prompt fragment enumerating
// exactly the registered tool names and forbidding invented ones.
func (r *Registry) AllowListPrompt() string {
	if len(r.order) == 0 {
		return ""
	}
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("You may only call the following tools: ")
	b.WriteString(strings.Join(names, ", "))
	b.WriteString(". Never call a tool that is not in this list, and never invent tool names.")
	return b.String()
}

// HardenSchema deep-copies a JSON Schema and forces every object level to
// reject properties that are not explicitly declared.
func HardenSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "additionalProperties": false}
	}
	out := hardenValue(schema).(map[string]any)
	return out
}

func hardenValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val)+1)
		for k, inner := range val {
			out[k] = hardenValue(inner)
		}
		if isObjectSchema(out) {
			out["additionalProperties"] = false
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = hardenValue(inner)
		}
		return out
	default:
		return v
	}
}

func isObjectSchema(m map[string]any) bool {
	if t, ok := m["type"].(string); ok && t == "object" {
		return true
	}
	_, hasProps := m["properties"]
	return hasProps
}

// newTraceSignature builds the per-registration trace token: a timestamp
// plus a random suffix. Used for call correlation and audit, never for
// authorization.
func newTraceSignature() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
