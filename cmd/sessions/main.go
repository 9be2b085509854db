// Command sessions inspects and continues persisted agent sessions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"agentrelay/internal/agent"
	"agentrelay/internal/client"
	"agentrelay/internal/config"
	"agentrelay/internal/event"
	"agentrelay/internal/ralph"
	"agentrelay/internal/session"
)

const usage = `Usage: sessions [flags] <command> [args]

Commands:
  list                 list live and persisted sessions (-json, -state)
  show <id>            print a persisted session's history
  send <id> <prompt>   resume a session, send a prompt and print the reply
  delete <id>          erase a persisted session

Flags:
`

// clientFactory builds the client the commands operate on. The returned
// function releases its resources.
type clientFactory func(ctx context.Context, cfg *config.Config) (*client.Client, func() error, error)

func newClient(ctx context.Context, cfg *config.Config) (*client.Client, func() error, error) {
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	st, closeStore, err := config.OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	c := client.New(config.NewTransport(cfg.Agent, logger), st, client.WithLogger(logger))
	return c, closeStore, nil
}

type app struct {
	out     io.Writer
	styles  ralph.RalphStyles
	timeout time.Duration
	create  bool
	model   string
	asJSON  bool
	state   *session.State
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, factory clientFactory) error {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML config file")
	storeKind := fs.String("store", "", "session store: file, memory or redis")
	storeDir := fs.String("dir", "", "directory of the file store")
	a := &app{out: stdout, styles: ralph.DefaultStyles()}
	fs.DurationVar(&a.timeout, "timeout", 0, "how long send waits for the reply (default: loop timeout)")
	fs.BoolVar(&a.create, "create", false, "send: create the session if it does not exist")
	fs.StringVar(&a.model, "model", "", "send -create: model for the new session")
	fs.BoolVar(&a.asJSON, "json", false, "list: print sessions as JSON")
	stateFilter := fs.String("state", "", "list: only sessions in this state (created, active, idle, erroring, destroyed)")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("a command is required")
	}
	if *stateFilter != "" {
		st, err := session.ParseState(*stateFilter)
		if err != nil {
			return err
		}
		a.state = &st
	}

	cfg, err := config.Resolve(*configPath)
	if err != nil {
		return err
	}
	cfg.Merge(&config.Config{Model: a.model, Store: config.StoreConfig{Kind: *storeKind, Dir: *storeDir}})

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	handler, nargs := a.command(cmd)
	if handler == nil {
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	if len(rest) < nargs {
		return fmt.Errorf("%s: expected %d argument(s)", cmd, nargs)
	}

	c, release, err := factory(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop(context.WithoutCancel(ctx))

	return handler(ctx, c, cfg, rest)
}

type handlerFunc func(ctx context.Context, c *client.Client, cfg *config.Config, args []string) error

func (a *app) command(name string) (handlerFunc, int) {
	switch name {
	case "list", "ls":
		return a.list, 0
	case "show":
		return a.show, 1
	case "send":
		return a.send, 2
	case "delete", "rm":
		return a.delete, 1
	default:
		return nil, 0
	}
}

func (a *app) list(ctx context.Context, c *client.Client, _ *config.Config, _ []string) error {
	all, err := c.ListSessions(ctx)
	if err != nil {
		return err
	}
	infos := make([]client.SessionInfo, 0, len(all))
	for _, info := range all {
		if a.state == nil || info.State == *a.state {
			infos = append(infos, info)
		}
	}
	if a.asJSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(a.out, a.styles.Muted.Render("no sessions"))
		return nil
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(a.styles.Muted).
		Headers("ID", "MODEL", "MESSAGES", "STATE", "UPDATED")
	for _, info := range infos {
		updated := ""
		if !info.UpdatedAt.IsZero() {
			updated = info.UpdatedAt.Local().Format(time.DateTime)
		}
		t.Row(info.ID, info.Model, fmt.Sprint(info.Messages), info.State.String(), updated)
	}
	fmt.Fprintln(a.out, t.Render())
	return nil
}

func (a *app) show(ctx context.Context, c *client.Client, _ *config.Config, args []string) error {
	s, err := c.ResumeSession(ctx, args[0])
	if err != nil {
		return err
	}
	defer s.Discard()

	cfg := s.Config()
	fmt.Fprintf(a.out, "%s %s\n", a.styles.Title.Render(s.ID()), a.styles.Muted.Render(cfg.Model))
	if cfg.WorkingDirectory != "" {
		fmt.Fprintf(a.out, "%s\n", a.styles.Muted.Render("workdir: "+cfg.WorkingDirectory))
	}
	for _, m := range s.History() {
		a.printMessage(m)
	}
	return nil
}

func (a *app) printMessage(m agent.Message) {
	role := a.styles.Subtitle.Render(string(m.Role))
	if m.Role == agent.RoleAssistant {
		role = a.styles.Success.Render(string(m.Role))
	}
	stamp := ""
	if !m.Timestamp.IsZero() {
		stamp = " " + a.styles.Duration.Render(m.Timestamp.Local().Format(time.DateTime))
	}
	fmt.Fprintf(a.out, "\n%s%s\n%s\n", role, stamp, m.Content)
}

func (a *app) send(ctx context.Context, c *client.Client, cfg *config.Config, args []string) error {
	id, prompt := args[0], strings.Join(args[1:], " ")
	s, err := c.ResumeSession(ctx, id)
	if errors.Is(err, session.ErrNotFound) && a.create {
		s, err = c.CreateSession(ctx, client.SessionConfig{SessionID: id, Config: cfg.SessionConfig()})
	}
	if err != nil {
		return err
	}

	unsubscribe := s.On(event.HandlerFunc(func(e event.Event) {
		switch e.Type {
		case event.TypeToolExecutionStart:
			fmt.Fprintf(a.out, "%s\n", a.styles.ToolName.Render(ralph.IconTool+" "+e.Data.ToolName))
		case event.TypeAssistantDelta:
			fmt.Fprint(a.out, e.Data.DeltaContent)
		}
	}))
	timeout := a.timeout
	if timeout == 0 {
		timeout = cfg.Loop.Timeout
	}
	msg, err := s.SendAndWait(ctx, session.MessageOptions{Prompt: prompt}, timeout)
	unsubscribe()
	if err != nil {
		// Keep whatever history was recorded.
		return errors.Join(err, s.Destroy(context.WithoutCancel(ctx)))
	}
	if msg != nil {
		if s.Config().Streaming {
			fmt.Fprintln(a.out)
		} else {
			fmt.Fprintln(a.out, msg.Data.Content)
		}
	}
	return s.Destroy(ctx)
}

func (a *app) delete(ctx context.Context, c *client.Client, _ *config.Config, args []string) error {
	if err := c.DeleteSession(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s deleted %s\n", a.styles.Success.Render(ralph.IconSuccess), args[0])
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, newClient)
	stop()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "sessions: %v\n", err)
		os.Exit(1)
	}
}
