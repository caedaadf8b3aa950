package root

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/martinemde/trustee/agentloop"
	"github.com/martinemde/trustee/checkpoint"
	"github.com/martinemde/trustee/config"
	"github.com/martinemde/trustee/coretools"
	"github.com/martinemde/trustee/unifiedllm"
)

// sessionOverrides are command line settings applied over the config file.
type sessionOverrides struct {
	model         string
	mode          string
	maxIterations int
	stream        bool
	readOnly      bool
}

func (o *sessionOverrides) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.model, "model", "m", "", "Model to use (overrides the config file)")
	cmd.Flags().StringVar(&o.mode, "mode", "", "Session mode: auto, interactive or agentic")
	cmd.Flags().IntVar(&o.maxIterations, "max-iterations", 0, "Maximum planning iterations")
	cmd.Flags().BoolVar(&o.stream, "stream", false, "Stream assistant output")
	cmd.Flags().BoolVar(&o.readOnly, "read-only", false, "Only register tools that do not modify the workspace")
}

func (o *sessionOverrides) apply(cfg *config.Config) {
	if o.model != "" {
		cfg.Provider.Model = o.model
	}
	if o.mode != "" {
		cfg.Session.Mode = o.mode
	}
	if o.maxIterations > 0 {
		cfg.Session.MaxIterations = o.maxIterations
	}
	if o.stream {
		cfg.Session.Streaming = true
	}
	if o.readOnly {
		cfg.Tools.ReadOnly = true
	}
}

// agentRuntime is everything a session needs, built from the config.
type agentRuntime struct {
	cfg       *config.Config
	session   agentloop.SessionConfig
	provider  *unifiedllm.Client
	registry  *agentloop.ToolRegistry
	lifecycle agentloop.Lifecycle
	store     *checkpoint.Manager
}

func loadConfig(flags *rootFlags, overrides *sessionOverrides) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if overrides != nil {
		overrides.apply(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*checkpoint.Manager, error) {
	return checkpoint.New(cfg.CheckpointDir(),
		checkpoint.WithKeep(cfg.Checkpoint.Keep),
		checkpoint.WithLogger(slog.Default()),
	)
}

func newAgentRuntime(cmd *cobra.Command, flags *rootFlags, overrides *sessionOverrides) (*agentRuntime, error) {
	cfg, err := loadConfig(flags, overrides)
	if err != nil {
		return nil, err
	}
	sc, err := cfg.SessionConfig()
	if err != nil {
		return nil, err
	}
	sc.Input = stdinInput(cmd.InOrStdin(), cmd.ErrOrStderr())

	adapter, err := cfg.NewProvider()
	if err != nil {
		return nil, err
	}
	provider := unifiedllm.NewClient(
		unifiedllm.WithProvider(cfg.ProviderName(), adapter),
		unifiedllm.WithDefaultProvider(cfg.ProviderName()),
		unifiedllm.WithMiddleware(unifiedllm.LoggingMiddleware(slog.Default())),
		unifiedllm.WithStreamMiddleware(unifiedllm.StreamLoggingMiddleware(slog.Default())),
	)

	ws, err := coretools.NewWorkspace(cfg.WorkingDir(), cfg.Tools.Confine)
	if err != nil {
		return nil, err
	}
	registry := agentloop.NewToolRegistry()
	if err := coretools.Register(registry, ws, cfg.ToolOptions()); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	return &agentRuntime{
		cfg:       cfg,
		session:   sc,
		provider:  provider,
		registry:  registry,
		lifecycle: cfg.NewLifecycle(provider),
		store:     store,
	}, nil
}

func (r *agentRuntime) Close() {
	if err := r.provider.Close(); err != nil {
		slog.Warn("Failed to close provider", "error", err)
	}
	if err := r.store.Close(); err != nil {
		slog.Warn("Failed to close checkpoint store", "error", err)
	}
}

func (r *agentRuntime) newSession(opts ...agentloop.SessionOption) *agentloop.Session {
	opts = append([]agentloop.SessionOption{
		agentloop.WithCheckpointStore(r.store),
		agentloop.WithLogger(slog.Default()),
	}, opts...)
	return agentloop.NewSession(r.provider, r.lifecycle, r.registry, &r.session, opts...)
}

// drive runs fn while printing the session's events, then reports the
// outcome.
func drive(cmd *cobra.Command, sess *agentloop.Session, fn func(context.Context) (*agentloop.Result, error)) error {
	var wg sync.WaitGroup
	wg.Go(func() {
		printEvents(sess.Events(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	})

	result, err := fn(cmd.Context())
	sess.Close()
	wg.Wait()

	return report(cmd.ErrOrStderr(), result, err)
}

func report(w io.Writer, result *agentloop.Result, err error) error {
	if result == nil {
		if err == nil {
			err = errors.New("session produced no result")
		}
		fmt.Fprintln(w, "Error:", err)
		return RuntimeError{Code: ExitCode(err), Err: err}
	}

	state := result.State
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		fmt.Fprintf(w, "\nSession %s interrupted at iteration %d.\nResume with: trustee resume --session %s\n", result.SessionID, state.Iteration, result.SessionID)
		return RuntimeError{Code: ExitInterrupted, Err: err}
	case err != nil || state.Step == agentloop.StepFailed:
		if err == nil {
			err = errors.New(state.Error)
		}
		fmt.Fprintf(w, "\nSession %s failed: %s\n", result.SessionID, state.Error)
		return RuntimeError{Code: ExitFailed, Err: err}
	case state.Outcome == agentloop.OutcomeMaxIterationsReached:
		fmt.Fprintf(w, "\nSession %s stopped after reaching the iteration limit (%d iterations). Resume is not possible; start a new run to continue.\n", result.SessionID, state.Iteration)
	default:
		fmt.Fprintf(w, "\nSession %s completed in %d iterations (%d provider calls, %d tokens).\n", result.SessionID, state.Iteration, state.APICallCount, result.Usage.TotalTokens)
	}
	return nil
}

// printEvents writes assistant output to out and tool activity to errOut
// until events is closed.
func printEvents(events <-chan agentloop.SessionEvent, out, errOut io.Writer) {
	streamed := false
	for ev := range events {
		switch ev.Kind {
		case agentloop.EventAssistantTextDelta:
			if delta, _ := ev.Data["delta"].(string); delta != "" {
				fmt.Fprint(out, delta)
				streamed = true
			}
		case agentloop.EventAssistantMessage:
			if streamed {
				fmt.Fprintln(out)
				streamed = false
				continue
			}
			if text, _ := ev.Data["text"].(string); strings.TrimSpace(text) != "" {
				fmt.Fprintln(out, text)
			}
		case agentloop.EventToolCallStart:
			fmt.Fprintf(errOut, "[tool] %v\n", ev.Data["tool_name"])
		case agentloop.EventToolCallEnd:
			if ok, _ := ev.Data["success"].(bool); !ok {
				fmt.Fprintf(errOut, "[tool] %v failed\n", ev.Data["tool_name"])
			}
		case agentloop.EventProviderRetry:
			fmt.Fprintf(errOut, "[retry] %v\n", ev.Data["error"])
		case agentloop.EventWarning, agentloop.EventLoopDetection:
			fmt.Fprintf(errOut, "[warning] %v\n", ev.Data["message"])
		}
	}
}

// stdinInput reads interactive replies one line at a time. End of input
// or an empty line ends the session.
func stdinInput(in io.Reader, prompt io.Writer) agentloop.InputFunc {
	lines := make(chan string)
	errs := make(chan error, 1)
	var once sync.Once
	start := func() {
		go func() {
			scanner := bufio.NewScanner(in)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			if err := scanner.Err(); err != nil {
				errs <- err
			}
			close(lines)
		}()
	}

	return func(ctx context.Context, _ string) (string, error) {
		once.Do(start)
		fmt.Fprint(prompt, "> ")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errs:
					return "", err
				default:
					return "", io.EOF
				}
			}
			return line, nil
		}
	}
}
