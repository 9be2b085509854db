package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentrelay/internal/agent"
	"agentrelay/internal/client"
	"agentrelay/internal/config"
	"agentrelay/internal/ralph"
	"agentrelay/internal/ralph/tui"
	"agentrelay/internal/trace"
)

// exitCancelled is returned when the run is interrupted.
const exitCancelled = 5

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ", ") }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// options holds the parsed CLI configuration for a ralph run.
type options struct {
	configPath    string
	prompt        string
	promptFile    string
	maxIterations int
	promise       string
	timeout       time.Duration
	model         string
	mode          string
	workdir       string
	store         string
	agentArgs     stringSlice
	streaming     bool
	pty           bool
	useTUI        bool
	jsonOut       bool
	verbose       bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("ralph", flag.ContinueOnError)

	fs.StringVar(&o.configPath, "config", "", "YAML config file")
	fs.StringVar(&o.prompt, "prompt", "", "task prompt (or pass it as arguments)")
	fs.StringVar(&o.promptFile, "prompt-file", "", "read the task prompt from a file")
	fs.IntVar(&o.maxIterations, "max-iterations", 0, "iteration budget (default 10, 50 in fresh mode)")
	fs.StringVar(&o.promise, "promise", "", `completion marker to look for (default "COMPLETE")`)
	fs.DurationVar(&o.timeout, "timeout", 0, "per-iteration timeout (default 5m)")
	fs.StringVar(&o.model, "model", "", "agent model")
	fs.StringVar(&o.mode, "mode", "", "continue: one session, feed responses back; fresh: new session per iteration")
	fs.StringVar(&o.workdir, "workdir", "", "working directory for the agent")
	fs.StringVar(&o.store, "store", "", "session store: file, memory or redis")
	fs.Var(&o.agentArgs, "agent-arg", "extra argument for the agent CLI (repeatable)")
	fs.BoolVar(&o.streaming, "streaming", false, "stream partial responses")
	fs.BoolVar(&o.pty, "pty", false, "run the agent under a pseudo-terminal")
	fs.BoolVar(&o.useTUI, "tui", false, "show a live terminal UI")
	fs.BoolVar(&o.jsonOut, "json", false, "print the run summary as JSON on stdout; the transcript goes to stderr")
	fs.BoolVar(&o.verbose, "verbose", false, "enable detailed logging")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ralph [flags] [prompt...]\n\n")
		fmt.Fprintf(os.Stderr, "Ralph repeatedly sends a task to an agent until the response contains\n")
		fmt.Fprintf(os.Stderr, "the completion marker or the iteration budget runs out.\n\n")
		fmt.Fprintf(os.Stderr, "Exit codes: 0 completed, 1 failed, 2 budget exhausted, 5 interrupted.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.prompt == "" && fs.NArg() > 0 {
		o.prompt = strings.Join(fs.Args(), " ")
	}
	if o.prompt == "" && o.promptFile != "" {
		data, err := os.ReadFile(o.promptFile)
		if err != nil {
			return o, fmt.Errorf("prompt file: %w", err)
		}
		o.prompt = strings.TrimSpace(string(data))
	}
	if o.prompt == "" {
		fs.Usage()
		return o, errors.New("a prompt is required")
	}
	return o, nil
}

// overrides returns the flag values as a config layer.
func (o options) overrides() *config.Config {
	return &config.Config{
		Model:     o.model,
		Streaming: o.streaming,
		Agent: config.AgentConfig{
			Args:    o.agentArgs,
			PTY:     o.pty,
			WorkDir: o.workdir,
		},
		Store: config.StoreConfig{Kind: o.store},
		Loop: config.LoopConfig{
			MaxIterations:     o.maxIterations,
			CompletionPromise: o.promise,
			Timeout:           o.timeout,
			Mode:              o.mode,
		},
	}
}

// transportFactory builds the agent transport for a run.
type transportFactory func(cfg config.AgentConfig, logger *slog.Logger) agent.Transport

func newTransport(cfg config.AgentConfig, logger *slog.Logger) agent.Transport {
	return config.NewTransport(cfg, logger)
}

func run(ctx context.Context, o options, stdout, stderr io.Writer, newTransport transportFactory) (int, error) {
	cfg, err := config.Resolve(o.configPath)
	if err != nil {
		return 1, err
	}
	cfg.Merge(o.overrides())
	if o.verbose {
		cfg.LogLevel = "debug"
	}

	logOut := stderr
	if o.useTUI && !o.verbose {
		logOut = io.Discard
	}
	logger, err := cfg.Logger(logOut)
	if err != nil {
		return 1, err
	}
	rc, err := cfg.RalphConfig()
	if err != nil {
		return 1, err
	}

	st, closeStore, err := config.OpenStore(ctx, cfg.Store)
	if err != nil {
		return 1, err
	}
	defer closeStore()

	tp, err := trace.NewProvider(ctx, cfg.Trace)
	if err != nil {
		return 1, err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("trace shutdown", "err", err)
		}
	}()

	c := client.New(newTransport(cfg.Agent, logger), st, client.WithLogger(logger))

	var observers []ralph.Observer
	if tp.Enabled() {
		observers = append(observers, ralph.NewTracingObserver(tp))
	}

	var res *ralph.Result
	if o.useTUI {
		res, err = tui.Run(ctx, func(obs ralph.Observer) *ralph.Loop {
			return ralph.New(c, rc, ralph.WithObserver(ralph.NewMultiObserver(append(observers, obs)...)))
		}, o.prompt)
	} else {
		transcript := stdout
		if o.jsonOut {
			transcript = stderr
		}
		logObs := ralph.NewLogObserver(transcript)
		logObs.ShowDeltas = cfg.Streaming
		observers = append(observers, logObs)
		loop := ralph.New(c, rc, ralph.WithObserver(ralph.NewMultiObserver(observers...)))
		res, err = loop.Run(ctx, o.prompt)
	}

	if o.jsonOut && res != nil {
		if encErr := json.NewEncoder(stdout).Encode(res); encErr != nil {
			logger.Warn("encode summary", "err", encErr)
		}
	}

	var budget *ralph.IterationBudgetExceededError
	switch {
	case err == nil:
		return res.State.ExitCode(), nil
	case errors.As(err, &budget):
		if budget.LastResponse != "" && !o.jsonOut {
			fmt.Fprintf(stdout, "\nLast response:\n%s\n", budget.LastResponse)
		}
		return res.State.ExitCode(), err
	case errors.Is(err, context.Canceled):
		return exitCancelled, err
	default:
		if res != nil {
			return res.State.ExitCode(), err
		}
		return 1, err
	}
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code, err := run(ctx, o, os.Stdout, os.Stderr, newTransport)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
	}
	os.Exit(code)
}
