package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentrelay/internal/agent"
	"agentrelay/internal/agent/agenttest"
	"agentrelay/internal/config"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantPrompt string
		wantErr    bool
	}{
		{"prompt flag", []string{"-prompt", "count to five"}, "count to five", false},
		{"positional prompt", []string{"-mode", "fresh", "fix", "the", "tests"}, "fix the tests", false},
		{"flag wins over args", []string{"-prompt", "a", "b"}, "a", false},
		{"missing prompt", []string{"-model", "m"}, "", true},
		{"unknown flag", []string{"-bogus"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := parseFlags(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && o.prompt != tt.wantPrompt {
				t.Errorf("prompt = %q, want %q", o.prompt, tt.wantPrompt)
			}
		})
	}
}

func TestParseFlags_PromptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.md")
	if err := os.WriteFile(path, []byte("  Migrate the config loader.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	o, err := parseFlags([]string{"-prompt-file", path})
	if err != nil {
		t.Fatal(err)
	}
	if o.prompt != "Migrate the config loader." {
		t.Errorf("prompt = %q", o.prompt)
	}

	if _, err := parseFlags([]string{"-prompt-file", filepath.Join(t.TempDir(), "nope")}); err == nil {
		t.Error("expected error for missing prompt file")
	}
}

func TestOverrides(t *testing.T) {
	o, err := parseFlags([]string{
		"-max-iterations", "3", "-promise", "DONE", "-timeout", "30s",
		"-model", "gpt-5", "-mode", "fresh", "-workdir", "/tmp/w", "-store", "memory",
		"-agent-arg", "--sandbox", "-agent-arg", "off", "-streaming",
		"go",
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg := o.overrides()
	if cfg.Loop.MaxIterations != 3 || cfg.Loop.CompletionPromise != "DONE" || cfg.Loop.Timeout != 30*time.Second {
		t.Errorf("loop = %+v", cfg.Loop)
	}
	if cfg.Model != "gpt-5" || cfg.Loop.Mode != "fresh" || cfg.Store.Kind != "memory" || !cfg.Streaming {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Agent.WorkDir != "/tmp/w" || len(cfg.Agent.Args) != 2 || cfg.Agent.Args[0] != "--sandbox" {
		t.Errorf("agent = %+v", cfg.Agent)
	}
}

func scripted(tr *agenttest.Transport) transportFactory {
	return func(config.AgentConfig, *slog.Logger) agent.Transport { return tr }
}

func TestRun_ExitCodes(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name     string
		ctx      context.Context
		replies  []agenttest.Reply
		args     []string
		wantCode int
		wantErr  bool
		wantOut  string
	}{
		{
			name:     "completed",
			ctx:      context.Background(),
			replies:  []agenttest.Reply{{Text: "working"}, {Text: "all done COMPLETE"}},
			wantCode: 0,
		},
		{
			name:     "budget exhausted",
			ctx:      context.Background(),
			replies:  []agenttest.Reply{{Text: "still going"}},
			args:     []string{"-max-iterations", "2"},
			wantCode: 2,
			wantErr:  true,
			wantOut:  "Last response:\nstill going",
		},
		{
			name:     "remote failure",
			ctx:      context.Background(),
			replies:  []agenttest.Reply{{Err: "rate limited"}},
			wantCode: 1,
			wantErr:  true,
		},
		{
			name:     "interrupted",
			ctx:      cancelled,
			replies:  []agenttest.Reply{{Text: "COMPLETE"}},
			wantCode: exitCancelled,
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"-store", "memory", "-timeout", "5s"}, tt.args...)
			o, err := parseFlags(append(args, "do the task"))
			if err != nil {
				t.Fatal(err)
			}
			var stdout, stderr bytes.Buffer
			tr := agenttest.New(tt.replies...)
			code, err := run(tt.ctx, o, &stdout, &stderr, scripted(tr))
			if (err != nil) != tt.wantErr {
				t.Fatalf("run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if code != tt.wantCode {
				t.Errorf("exit code = %d, want %d", code, tt.wantCode)
			}
			if tt.wantOut != "" && !strings.Contains(stdout.String(), tt.wantOut) {
				t.Errorf("stdout missing %q:\n%s", tt.wantOut, stdout.String())
			}
			if tr.Started() {
				t.Error("transport still running after run")
			}
		})
	}
}

func TestRun_JSONSummary(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	o, err := parseFlags([]string{"-store", "memory", "-json", "-promise", "DONE", "go"})
	if err != nil {
		t.Fatal(err)
	}
	var stdout, stderr bytes.Buffer
	tr := agenttest.New(agenttest.Reply{Text: "DONE"})
	code, err := run(context.Background(), o, &stdout, &stderr, scripted(tr))
	if err != nil || code != 0 {
		t.Fatalf("run() = %d, %v", code, err)
	}

	var summary struct {
		State      string `json:"state"`
		Iterations int    `json:"iterations"`
		Response   string `json:"response"`
		SessionID  string `json:"session_id"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &summary); err != nil {
		t.Fatalf("stdout is not a JSON summary: %v\n%s", err, stdout.String())
	}
	if summary.State != "completed" || summary.Iterations != 1 || summary.Response != "DONE" || summary.SessionID == "" {
		t.Errorf("summary = %+v", summary)
	}
	if !strings.Contains(stderr.String(), "DONE") {
		t.Errorf("transcript not on stderr:\n%s", stderr.String())
	}
}
