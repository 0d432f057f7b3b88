// Command mock-backend runs a deterministic Google-style generative API
// server for development and conformance testing. Responses are selected
// by the last user message, so failure modes can be exercised on demand:
//
//	"call the tool" - emits a functionCall for the first declared tool
//	"fail once"     - 503 on the first attempt, success afterwards
//	"stall"         - opens the stream and never sends data
//	anything else   - streams a canned text reply
//
// Configuration:
//
//	MOCK_PORT - Listen port (default: 9090)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1beta/models/{action}", handleGenerate)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// --- Request types (the subset the gateway sends) ---

type generateRequest struct {
	Contents []content  `json:"contents"`
	Tools    []toolList `json:"tools,omitempty"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type toolList struct {
	FunctionDeclarations []funcDecl `json:"functionDeclarations,omitempty"`
}

type funcDecl struct {
	Name string `json:"name"`
}

// failOnce tracks the 503-then-success scenario across requests.
var failOnce atomic.Bool

func handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":{"code":400,"message":"bad request"}}`, http.StatusBadRequest)
		return
	}

	prompt := lastUserText(req.Contents)
	slog.Info("generate request",
		"action", r.PathValue("action"),
		"prompt", truncate(prompt, 80),
		"auth", r.Header.Get("Authorization") != "",
	)

	switch {
	case strings.Contains(prompt, "fail once"):
		if failOnce.CompareAndSwap(false, true) {
			http.Error(w, `{"error":{"code":503,"message":"transient"}}`, http.StatusServiceUnavailable)
			return
		}
		failOnce.Store(false)
		streamText(w, "recovered after a retry")

	case strings.Contains(prompt, "stall"):
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flush(w)
		<-r.Context().Done()

	case strings.Contains(prompt, "call the tool") && len(req.Tools) > 0 && len(req.Tools[0].FunctionDeclarations) > 0:
		streamToolCall(w, req.Tools[0].FunctionDeclarations[0].Name)

	default:
		streamText(w, "This is a canned reply from the mock backend. ", "It streams in two chunks.")
	}
}

func streamText(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	total := 0
	for _, c := range chunks {
		total += len(c)
		payload, _ := json.Marshal(map[string]string{"text": c})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flush(w)
		time.Sleep(20 * time.Millisecond)
	}
	fmt.Fprintf(w, "data: %s\n\n", usageChunk(12, total/4+1))
	fmt.Fprint(w, "data: [DONE]\n\n")
	flush(w)
}

func streamToolCall(w http.ResponseWriter, name string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	chunk := map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{
				"role": "model",
				"parts": []any{map[string]any{
					"functionCall": map[string]any{
						"name": name,
						"args": map[string]any{"query": "mock"},
					},
				}},
			},
		}},
	}
	payload, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	fmt.Fprintf(w, "data: %s\n\n", usageChunk(12, 8))
	fmt.Fprint(w, "data: [DONE]\n\n")
	flush(w)
}

func usageChunk(in, out int) []byte {
	payload, _ := json.Marshal(map[string]any{
		"candidates": []any{map[string]any{"finishReason": "STOP"}},
		"usageMetadata": map[string]int{
			"promptTokenCount":     in,
			"candidatesTokenCount": out,
			"totalTokenCount":      in + out,
		},
	})
	return payload
}

func lastUserText(contents []content) string {
	for i := len(contents) - 1; i >= 0; i-- {
		if contents[i].Role != "user" {
			continue
		}
		for _, p := range contents[i].Parts {
			if p.Text != "" {
				return p.Text
			}
		}
	}
	return ""
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
