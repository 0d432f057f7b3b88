package toolguard

import (
	"fmt"
)

// Action is the recommended recovery for an invalid tool call.
type Action string

const (
	// ActionReject drops the call outright.
	ActionReject Action = "reject"
	// ActionRetry asks the model to reissue the call, up to the
	// configured retry bound.
	ActionRetry Action = "retry"
)

// Result is the structured outcome of validating one tool call.
type Result struct {
	Valid  bool
	Tool   string
	Errors []string
	Action Action
}

// ValidateCall checks a model-issued tool call against the registered
// declarations: the tool must resolve (raw or namespace-prefixed name),
// required fields must be present, undeclared fields are rejected, and
// primitive types must match. StrictMode forces reject regardless of the
// recovery hint; otherwise retry is recommended up to the configured bound.
func (r *Registry) ValidateCall(name string, args map[string]any) Result {
	h, ok := r.resolve(name)
	if !ok {
		// A tool name the request never declared: hallucinated or
		// injected. Never retried.
		return Result{
			Tool:   name,
			Errors: []string{fmt.Sprintf("tool %q is not registered for this request", name)},
			Action: ActionReject,
		}
	}

	var errs []string
	props, _ := h.Schema["properties"].(map[string]any)

	if required, ok := h.Schema["required"].([]any); ok {
		for _, f := range required {
			field, _ := f.(string)
			if field == "" {
				continue
			}
			if _, present := args[field]; !present {
				errs = append(errs, fmt.Sprintf("missing required field %q", field))
			}
		}
	}

	for field, value := range args {
		decl, declared := props[field]
		if !declared {
			errs = append(errs, fmt.Sprintf("field %q is not declared in the tool schema", field))
			continue
		}
		if declSchema, ok := decl.(map[string]any); ok {
			if want, ok := declSchema["type"].(string); ok {
				if msg := checkPrimitiveType(field, want, value); msg != "" {
					errs = append(errs, msg)
				}
			}
		}
	}

	if len(errs) == 0 {
		return Result{Valid: true, Tool: h.Name}
	}
	return Result{Tool: h.Name, Errors: errs, Action: r.recoveryAction(h.Name)}
}

// resolve tries both the raw and the namespace-prefixed name.
func (r *Registry) resolve(name string) (*Hardened, bool) {
	if h, ok := r.tools[name]; ok {
		return h, true
	}
	if h, ok := r.tools[r.NamespacedName(name)]; ok {
		return h, true
	}
	return nil, false
}

// recoveryAction recommends retry until the per-tool bound is spent, unless
// strict mode forces reject.
func (r *Registry) recoveryAction(tool string) Action {
	if r.cfg.StrictMode {
		return ActionReject
	}
	if r.retries[tool] >= r.cfg.MaxRetries {
		return ActionReject
	}
	r.retries[tool]++
	return ActionRetry
}

// checkPrimitiveType validates one value against a JSON Schema type name.
// Containers are only checked for shape, not element types.
func checkPrimitiveType(field, want string, value any) string {
	ok := true
	switch want {
	case "string":
		_, ok = value.(string)
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
		default:
			ok = false
		}
	case "integer":
		switch v := value.(type) {
		case int, int64:
		case float64:
			ok = v == float64(int64(v))
		default:
			ok = false
		}
	case "boolean":
		_, ok = value.(bool)
	case "array":
		_, ok = value.([]any)
	case "object":
		_, ok = value.(map[string]any)
	}
	if !ok {
		return fmt.Sprintf("field %q must be of type %s", field, want)
	}
	return ""
}
