// Package session defines the canonical session state shared with external
// orchestration tooling. The gateway does not discover or parse session
// files itself; an external injector builds a CanonicalSession and prepends
// its rendered form as a system message on each request.
package session

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pfeil-dev/pfeil/pkg/api"
)

// StepStatus tracks progress of a single plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepDone       StepStatus = "done"
)

// Step is one entry of the session plan.
type Step struct {
	Description string
	Status      StepStatus
}

// CanonicalSession is the normalized session state handed to the gateway.
type CanonicalSession struct {
	Goal          string
	Plan          []Step
	ModifiedFiles []string
	Variables     map[string]string
}

// SystemText renders the session into the deterministic text block the
// injector prepends as a system message. Variables are sorted by key so
// the rendering is stable across runs.
func (s *CanonicalSession) SystemText() string {
	var b strings.Builder

	b.WriteString("## Session Context\n")
	if s.Goal != "" {
		fmt.Fprintf(&b, "\nGoal: %s\n", s.Goal)
	}

	if len(s.Plan) > 0 {
		b.WriteString("\nPlan:\n")
		for i, step := range s.Plan {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, step.Status, step.Description)
		}
	}

	if len(s.ModifiedFiles) > 0 {
		b.WriteString("\nModified files:\n")
		for _, f := range s.ModifiedFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	if len(s.Variables) > 0 {
		keys := make([]string, 0, len(s.Variables))
		for k := range s.Variables {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("\nVariables:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s = %s\n", k, s.Variables[k])
		}
	}

	return b.String()
}

// Message wraps the rendered session as a canonical system message,
// ready to prepend to a request's message list.
func (s *CanonicalSession) Message() api.Message {
	return api.Message{
		Role: api.RoleSystem,
		Parts: []api.Part{
			{Type: api.PartText, Text: s.SystemText()},
		},
	}
}
