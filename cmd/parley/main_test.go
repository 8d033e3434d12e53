package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRun_Version(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "text", args: []string{"version"}, want: "go_version:"},
		{name: "json short flag", args: []string{"-o", "json", "version"}, want: `"go_version"`},
		{name: "json long flag after command", args: []string{"version", "--output=json"}, want: `"go_version"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if err := run(context.Background(), &stdout, &stderr, tt.args); err != nil {
				t.Fatalf("run(%v): %v", tt.args, err)
			}
			if !strings.Contains(stdout.String(), tt.want) {
				t.Errorf("output = %q, want it to contain %q", stdout.String(), tt.want)
			}
		})
	}
}

func TestRun_VersionJSONDecodes(t *testing.T) {
	var stdout bytes.Buffer
	if err := run(context.Background(), &stdout, &bytes.Buffer{}, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v", err)
	}
	if info["version"] == "" {
		t.Errorf("version field empty: %v", info)
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"--help"}, {"-h"}} {
		var stdout bytes.Buffer
		if err := run(context.Background(), &stdout, &bytes.Buffer{}, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		out := stdout.String()
		if !strings.Contains(out, "Commands:") || !strings.Contains(out, "--config") {
			t.Errorf("run(%v) usage = %q", args, out)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "unknown command", args: []string{"dance"}, want: "unknown command"},
		{name: "bad output format", args: []string{"-o", "xml", "version"}, want: "unknown output format"},
		{name: "unknown flag", args: []string{"--bogus"}, want: "bogus"},
		{name: "ask without message", args: []string{"ask"}, want: "usage"},
		{name: "missing explicit config", args: []string{"-c", "/nonexistent/parley.yaml", "serve"}, want: "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) err = %v, want containing %q", tt.args, err, tt.want)
			}
		})
	}
}

// fakeOllama answers every chat request with reply as the model's
// message content.
func fakeOllama(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model":   "m",
			"message": map[string]string{"role": "assistant", "content": reply},
			"done":    true,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, ollamaURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := fmt.Sprintf(`
log_level: error
models:
  default: m
  ollama_url: %s
  available:
    - name: m
      context_window: 1000
agents:
  - id: coordinator
    system_prompt: You coordinate.
  - id: researcher
    system_prompt: You research.
`, ollamaURL)
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunAsk_PrintsEnvelopes(t *testing.T) {
	srv := fakeOllama(t, `{"action":"CHAT_RESPONSE","content":"pong"}`)
	cfgPath := writeConfig(t, srv.URL)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-c", cfgPath, "ask", "--agent", "researcher", "ping"})
	if err != nil {
		t.Fatalf("ask: %v (stderr: %s)", err, stderr.String())
	}

	out := stdout.String()
	for _, want := range []string{
		"[researcher] session_created",
		"[researcher] system_prompt",
		"[researcher] agent_response CHAT_RESPONSE: pong",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunAsk_JSONOutput(t *testing.T) {
	srv := fakeOllama(t, `{"action":"CHAT_RESPONSE","content":"pong"}`)
	cfgPath := writeConfig(t, srv.URL)

	var stdout bytes.Buffer
	err := run(context.Background(), &stdout, &bytes.Buffer{}, []string{"-c", cfgPath, "-o", "json", "ask", "ping"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected several envelopes, got %q", stdout.String())
	}
	var last map[string]any
	for _, line := range lines {
		var env map[string]any
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			t.Fatalf("line %q is not JSON: %v", line, err)
		}
		if env["agentId"] != "coordinator" {
			t.Errorf("agentId = %v, want coordinator (first agent is the default)", env["agentId"])
		}
		if env["type"] == "agent_response" {
			last = env
		}
	}
	if last == nil || last["content"] != "pong" {
		t.Errorf("agent_response envelope = %v", last)
	}
}

func TestRunAsk_UnknownAgent(t *testing.T) {
	srv := fakeOllama(t, `{"action":"CHAT_RESPONSE","content":"pong"}`)
	cfgPath := writeConfig(t, srv.URL)

	err := run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, []string{"-c", cfgPath, "ask", "-a", "nobody", "hi"})
	if err == nil || !strings.Contains(err.Error(), "unknown agent") {
		t.Errorf("err = %v, want unknown agent", err)
	}
}

func TestRunAsk_FailedTurn(t *testing.T) {
	srv := fakeOllama(t, "this is not an action")
	cfgPath := writeConfig(t, srv.URL)

	var stdout bytes.Buffer
	err := run(context.Background(), &stdout, &bytes.Buffer{}, []string{"-c", cfgPath, "ask", "hi"})
	if err == nil || !strings.Contains(err.Error(), "turn failed") {
		t.Errorf("err = %v, want turn failed", err)
	}
	if !strings.Contains(stdout.String(), "agent_response") {
		t.Errorf("the error response should still be printed:\n%s", stdout.String())
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRunServe_StartsAndStops(t *testing.T) {
	srv := fakeOllama(t, `{"action":"CHAT_RESPONSE","content":"pong"}`)
	port := freePort(t)
	dataDir := t.TempDir()

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	cfg := fmt.Sprintf(`
log_level: error
data_dir: %s
listen:
  address: 127.0.0.1
  port: %d
models:
  default: m
  ollama_url: %s
  available:
    - name: m
agents:
  - id: coordinator
`, dataDir, port, srv.URL)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, io.Discard, io.Discard, []string{"-c", cfgPath, "serve"})
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := http.Post(base+"/v1/chat", "application/json", strings.NewReader(`{"agentId":"coordinator","content":"ping"}`))
	if err != nil {
		t.Fatalf("POST /v1/chat: %v", err)
	}
	var chat map[string]any
	json.NewDecoder(resp.Body).Decode(&chat)
	resp.Body.Close()
	if chat["content"] != "pong" {
		t.Errorf("chat response = %v", chat)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "parley_sessions_active 1") {
		t.Errorf("metrics missing live session gauge:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v, want nil on shutdown", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}

	if _, err := os.Stat(filepath.Join(dataDir, "parley.db")); err != nil {
		t.Errorf("transcript database not created: %v", err)
	}
}
