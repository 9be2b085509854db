// Package process implements agent.Transport by running an agent CLI once
// per exchange and decoding its stream-json output.
package process

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"agentrelay/internal/agent"
	"agentrelay/internal/event"
	ptyrunner "agentrelay/internal/pty"
)

// DefaultBinary is the agent CLI looked up on PATH.
const DefaultBinary = "agent"

// ErrNotStarted is returned by Send before Start or after Stop.
var ErrNotStarted = errors.New("process transport not started")

// maxLine bounds a single stream-json line.
const maxLine = 4 << 20

// CommandFactory builds an *exec.Cmd for the given context, working directory,
// and arguments. Tests can inject a factory that invokes a helper process.
type CommandFactory func(ctx context.Context, workDir string, args ...string) *exec.Cmd

// Transport runs one agent process per exchange. Remote chat IDs reported by
// the agent are remembered per session so later exchanges resume the same
// conversation.
type Transport struct {
	binary  string
	args    []string
	factory CommandFactory
	pty     ptyrunner.Runner
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	chats   map[string]string
	tmpDir  string
}

var _ agent.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithBinary overrides the agent binary.
func WithBinary(path string) Option {
	return func(t *Transport) {
		if path != "" {
			t.binary = path
		}
	}
}

// WithArgs appends extra arguments before the prompt on every invocation.
func WithArgs(args ...string) Option {
	return func(t *Transport) { t.args = append(t.args, args...) }
}

// WithCommandFactory injects a custom command factory (used in tests).
func WithCommandFactory(f CommandFactory) Option {
	return func(t *Transport) { t.factory = f }
}

// WithPTY runs the agent attached to a pseudo-terminal from r.
func WithPTY(r ptyrunner.Runner) Option {
	return func(t *Transport) { t.pty = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// New returns a stopped transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		binary: DefaultBinary,
		logger: slog.Default(),
		chats:  make(map[string]string),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start checks that the agent binary is available and prepares the
// directory for generated tool-provider configs.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}
	if t.factory == nil {
		path, err := exec.LookPath(t.binary)
		if err != nil {
			return fmt.Errorf("agent binary %q: %w", t.binary, err)
		}
		binary := path
		t.factory = func(ctx context.Context, workDir string, args ...string) *exec.Cmd {
			cmd := exec.CommandContext(ctx, binary, args...)
			cmd.Dir = workDir
			return cmd
		}
	}
	dir, err := os.MkdirTemp("", "agentrelay-")
	if err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	t.tmpDir = dir
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.started = true
	return nil
}

// Stop kills running agent processes and waits for them to exit or ctx to
// end.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	t.cancel()
	dir := t.tmpDir
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return os.RemoveAll(dir)
}

// ChatID returns the remote chat ID recorded for a session.
func (t *Transport) ChatID(sessionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.chats[sessionID]
	return id, ok
}

// Send implements agent.Transport. The process is started before Send
// returns; its output is decoded in the background.
func (t *Transport) Send(ctx context.Context, req agent.Request, sink agent.Sink) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return ErrNotStarted
	}
	chatID := t.chats[req.SessionID]
	base := t.ctx
	dir := t.tmpDir
	t.mu.Unlock()

	mcpPath, err := writeMCPConfig(dir, req)
	if err != nil {
		return err
	}

	prompt := req.Prompt
	if chatID == "" && len(req.History) > 0 {
		prompt = replayHistory(req.History, req.Prompt)
	}
	args := t.buildArgs(req.Config, chatID, mcpPath, prompt)

	ectx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(base, cancel)
	cmd := t.factory(ectx, req.Config.WorkingDirectory, args...)

	out, stderr, err := t.start(cmd)
	if err != nil {
		stopAfter()
		cancel()
		return fmt.Errorf("start agent: %w", err)
	}
	t.logger.Debug("agent started", "session", req.SessionID, "exchange", req.ExchangeID, "resume", chatID != "", "pid", cmd.Process.Pid)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		defer stopAfter()
		t.exchange(ectx, cmd, out, stderr, req, sink)
	}()
	return nil
}

func (t *Transport) buildArgs(cfg agent.Config, chatID, mcpPath, prompt string) []string {
	args := []string{"--print", "--force", "--output-format", "stream-json"}
	if cfg.Model != "" {
		args = append([]string{"--model", cfg.Model}, args...)
	}
	if cfg.Streaming {
		args = append(args, "--stream-partial-output")
	}
	if chatID != "" {
		args = append(args, "--resume", chatID)
	}
	if mcpPath != "" {
		args = append(args, "--mcp-config", mcpPath)
	}
	args = append(args, t.args...)
	return append(args, prompt)
}

// start launches cmd and returns its combined output stream. Without a PTY,
// stderr is captured separately.
func (t *Transport) start(cmd *exec.Cmd) (io.ReadCloser, *bytes.Buffer, error) {
	if t.pty != nil {
		rwc, err := t.pty.Start(cmd, ptyrunner.DefaultSize)
		if err != nil {
			return nil, nil, err
		}
		return rwc, nil, nil
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return stdout, &stderr, nil
}

func (t *Transport) exchange(ctx context.Context, cmd *exec.Cmd, out io.ReadCloser, stderr *bytes.Buffer, req agent.Request, sink agent.Sink) {
	var dec *decoder
	dec = newDecoder(req.Config.Streaming, func(typ event.Type, data event.Data) {
		// Record the chat before the terminal event so the next exchange
		// can resume it.
		if typ.Terminal() {
			t.rememberChat(req.SessionID, dec.chatID)
		}
		sink(event.Event{Type: typ, SessionID: req.SessionID, ExchangeID: req.ExchangeID, Data: data})
	})

	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	var noise []string
	for sc.Scan() {
		if !dec.line(sc.Bytes()) {
			line := strings.TrimSpace(sc.Text())
			if line != "" {
				noise = append(noise, line)
				t.logger.Debug("agent output", "session", req.SessionID, "line", line)
			}
		}
	}
	scanErr := sc.Err()
	if t.pty != nil && ptyrunner.IsClosed(scanErr) {
		scanErr = nil
	}
	if scanErr != nil && cmd.Process != nil {
		// Nobody reads the rest of the stream; an agent still writing
		// would block on the pipe forever.
		_ = cmd.Process.Kill()
		_, _ = io.Copy(io.Discard, out)
	}
	if t.pty != nil {
		out.Close()
	}
	waitErr := cmd.Wait()

	switch {
	case dec.done:
	case ctx.Err() != nil:
		dec.fail(fmt.Sprintf("agent cancelled: %v", ctx.Err()))
	case scanErr != nil:
		dec.fail(fmt.Sprintf("read agent output: %v", scanErr))
	case waitErr != nil:
		detail := strings.Join(noise, "\n")
		if stderr != nil && stderr.Len() > 0 {
			detail = strings.TrimSpace(stderr.String())
		}
		dec.fail(failureMessage(waitErr, detail))
	default:
		dec.fail("agent exited without a result")
	}
	t.logger.Debug("agent exited", "session", req.SessionID, "exchange", req.ExchangeID, "err", waitErr)
}

func (t *Transport) rememberChat(sessionID, chatID string) {
	if chatID == "" {
		return
	}
	t.mu.Lock()
	t.chats[sessionID] = chatID
	t.mu.Unlock()
}

func failureMessage(err error, detail string) string {
	msg := fmt.Sprintf("agent failed: %v", err)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg = fmt.Sprintf("agent exited with code %d", exitErr.ExitCode())
	}
	if detail != "" {
		msg += ": " + detail
	}
	return msg
}

// replayHistory folds a persisted conversation into the prompt for agents
// that have no remote record of it.
func replayHistory(history []agent.Message, prompt string) string {
	var b strings.Builder
	b.WriteString("Conversation so far:\n\n")
	for _, m := range history {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", m.Role, m.Content)
	}
	b.WriteString("Continue the conversation. New message:\n\n")
	b.WriteString(prompt)
	return b.String()
}

type mcpServer struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Tools   []string `json:"tools,omitempty"`
}

// writeMCPConfig writes the session's tool providers as an MCP config file
// and returns its path, or "" when the session declares none.
func writeMCPConfig(dir string, req agent.Request) (string, error) {
	if len(req.Config.ToolProviders) == 0 {
		return "", nil
	}
	servers := make(map[string]mcpServer, len(req.Config.ToolProviders))
	for name, p := range req.Config.ToolProviders {
		servers[name] = mcpServer{Command: p.Command, Args: p.Args, Tools: p.Tools}
	}
	data, err := json.MarshalIndent(map[string]any{"mcpServers": servers}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode tool providers: %w", err)
	}
	path := filepath.Join(dir, req.SessionID+".mcp.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write tool providers: %w", err)
	}
	return path, nil
}
