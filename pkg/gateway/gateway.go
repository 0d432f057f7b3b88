// Package gateway orchestrates the proxy pipeline: account selection,
// credential refresh, tool hardening, translation, and resilient upstream
// streaming. It owns no wire format of its own; callers hand it canonical
// messages and receive canonical stream events.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/pfeil-dev/pfeil/pkg/accounts"
	"github.com/pfeil-dev/pfeil/pkg/api"
	"github.com/pfeil-dev/pfeil/pkg/credstore"
	"github.com/pfeil-dev/pfeil/pkg/debug"
	"github.com/pfeil-dev/pfeil/pkg/oauth"
	"github.com/pfeil-dev/pfeil/pkg/observability"
	"github.com/pfeil-dev/pfeil/pkg/storage"
	"github.com/pfeil-dev/pfeil/pkg/stream"
	"github.com/pfeil-dev/pfeil/pkg/toolguard"
	"github.com/pfeil-dev/pfeil/pkg/upstream/gemini"
)

// Config tunes the pipeline.
type Config struct {
	Stream stream.Config
	Tools  toolguard.Config
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Stream: stream.DefaultConfig(),
		Tools:  toolguard.DefaultConfig(),
	}
}

// Request is one proxied generation request in canonical form.
type Request struct {
	Messages    []api.Message
	Tools       []api.Tool
	MaxTokens   int
	Temperature *float64
	TopP        *float64
}

// Gateway wires the pipeline components together.
type Gateway struct {
	pool   *accounts.Pool
	auth   *oauth.Authenticator
	creds  *credstore.Store
	client *gemini.Client
	ledger storage.Ledger
	cfg    Config
}

// New creates a gateway. The ledger may be nil when usage persistence is
// disabled; every other dependency is required.
func New(pool *accounts.Pool, auth *oauth.Authenticator, creds *credstore.Store, client *gemini.Client, ledger storage.Ledger, cfg Config) *Gateway {
	return &Gateway{
		pool:   pool,
		auth:   auth,
		creds:  creds,
		client: client,
		ledger: ledger,
		cfg:    cfg,
	}
}

// Execute runs the full pipeline and returns the normalized event sequence.
// A non-nil error means the request never reached the upstream; once the
// channel is returned, failures arrive as error events.
func (g *Gateway) Execute(ctx context.Context, req *Request) (<-chan api.StreamEvent, error) {
	if err := api.ValidateMessages(req.Messages); err != nil {
		return nil, err
	}

	acc, err := g.selectAccount()
	if err != nil {
		return nil, err
	}
	observability.AccountSelectionsTotal.WithLabelValues(string(acc.Tier)).Inc()
	debug.Log("accounts", "selected account", "email", acc.Email, "tier", string(acc.Tier))

	// Harden the caller's tool declarations and sanitize tool results
	// before anything is translated.
	registry := toolguard.NewRegistry(g.cfg.Tools)
	var toolBlocks []gemini.ToolBlock
	if len(req.Tools) > 0 {
		decls := make([]gemini.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			h := registry.Register(t)
			decls = append(decls, gemini.FunctionDeclaration{
				Name:        h.Name,
				Description: h.Description,
				Parameters:  h.Schema,
			})
		}
		toolBlocks = []gemini.ToolBlock{{FunctionDeclarations: decls}}
	}
	messages := sanitizeToolResults(registry, req.Messages)

	systemText := gemini.SystemTextOf(messages)
	if prompt := registry.AllowListPrompt(); prompt != "" {
		if systemText != "" {
			systemText += "\n\n"
		}
		systemText += prompt
	}

	upReq := &gemini.GenerateRequest{
		Contents:          gemini.ToUpstream(messages),
		SystemInstruction: gemini.NewSystemInstruction(systemText),
		Tools:             toolBlocks,
	}
	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil {
		upReq.GenerationConfig = &gemini.GenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
		}
	}

	attempt, err := g.client.StreamAttempt(upReq, g.tokenFunc(acc.Email))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	events := stream.Consume(ctx, attempt, gemini.ParseLine, g.cfg.Stream)
	return g.postProcess(ctx, acc.Email, registry, events, start), nil
}

// selectAccount picks an account with both daily and minute budget left.
// The pool filters both windows, so a nil result is terminal.
func (g *Gateway) selectAccount() (*accounts.Account, error) {
	acc := g.pool.Select()
	if acc == nil {
		observability.AccountsExhaustedTotal.Inc()
		return nil, api.NewExhaustedError()
	}
	return acc, nil
}

// tokenFunc builds the per-attempt token supplier: load the stored
// credential, refresh it when inside the buffer, return the access token.
func (g *Gateway) tokenFunc(email string) gemini.TokenFunc {
	return func(ctx context.Context) (string, error) {
		cred, ok, err := g.creds.Load(email)
		if err != nil {
			return "", api.NewStorageError("loading credential", err)
		}
		if !ok {
			return "", api.NewAuthError(0, fmt.Sprintf("no credential stored for %s", email), nil)
		}
		cred, err = g.auth.ValidCredential(ctx, cred)
		if err != nil {
			return "", err
		}
		return cred.AccessToken, nil
	}
}

// postProcess validates tool-call events against the hardened registry and
// records usage when the stream ends. Invalid tool calls are swallowed, not
// forwarded; the upstream text that accompanied them still flows through.
func (g *Gateway) postProcess(ctx context.Context, email string, registry *toolguard.Registry, in <-chan api.StreamEvent, start time.Time) <-chan api.StreamEvent {
	out := make(chan api.StreamEvent, cap(in))

	go func() {
		defer close(out)
		model := g.client.Model()

		for ev := range in {
			switch ev.Type {
			case api.EventToolCallDelta:
				if ev.ToolCall == nil {
					continue
				}
				res := registry.ValidateCall(ev.ToolCall.Name, ev.ToolCall.Args)
				if !res.Valid {
					observability.ToolValidationsTotal.WithLabelValues(ev.ToolCall.Name, string(res.Action)).Inc()
					debug.Log("toolguard", "dropping invalid tool call",
						"tool", ev.ToolCall.Name, "action", string(res.Action), "errors", fmt.Sprint(res.Errors))
					continue
				}
				observability.ToolValidationsTotal.WithLabelValues(res.Tool, "valid").Inc()

				// The caller dispatches on the names it declared, so the
				// namespace prefix never leaves the gateway.
				if orig, ok := registry.CallerName(ev.ToolCall.Name); ok {
					tc := *ev.ToolCall
					tc.Name = orig
					ev.ToolCall = &tc
				}

			case api.EventStreamEnd:
				observability.UpstreamRequestsTotal.WithLabelValues(model, "ok").Inc()
				observability.UpstreamLatency.WithLabelValues(model).Observe(time.Since(start).Seconds())
				g.recordUsage(ctx, email, ev.Usage)

			case api.EventError:
				observability.UpstreamRequestsTotal.WithLabelValues(model, "error").Inc()
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// recordUsage flushes one completed request into the pool counters and the
// ledger. Ledger failures are logged, never surfaced to the caller; the
// response already succeeded.
func (g *Gateway) recordUsage(ctx context.Context, email string, usage *api.Usage) {
	total := 0
	in, outTokens := 0, 0
	if usage != nil {
		total = usage.TotalTokens
		in = usage.InputTokens
		outTokens = usage.OutputTokens
		observability.UpstreamTokensTotal.WithLabelValues(g.client.Model(), "input").Add(float64(in))
		observability.UpstreamTokensTotal.WithLabelValues(g.client.Model(), "output").Add(float64(outTokens))
	}
	g.pool.RecordUsage(email, total)

	if g.ledger == nil {
		return
	}
	if err := g.ledger.RecordUse(ctx, email, in, outTokens, time.Now()); err != nil {
		debug.Log("accounts", "ledger write failed", "email", email, "error", err.Error())
	}
}

// sanitizeToolResults runs tool-result content through the output sanitizer
// so role markers injected by a tool cannot masquerade as conversation turns.
func sanitizeToolResults(registry *toolguard.Registry, messages []api.Message) []api.Message {
	out := make([]api.Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if len(m.Parts) == 0 {
			continue
		}
		parts := make([]api.Part, len(m.Parts))
		copy(parts, m.Parts)
		for j, p := range parts {
			if p.Type != api.PartToolResult || p.ToolResult == nil {
				continue
			}
			tr := *p.ToolResult
			tr.Content = registry.SanitizeOutput(tr.Content)
			parts[j].ToolResult = &tr
		}
		out[i].Parts = parts
	}
	return out
}
