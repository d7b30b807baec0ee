// Package main provides the CLI entry point for kitchenerd, the governed
// cognitive dispatch kernel: a supervisor/executor/gateway pipeline over
// Anthropic and OpenAI, backed by a hash-chained ledger and a signal
// memory plane.
//
// # Basic Usage
//
// Run one turn against a standing session:
//
//	kitchenerd turn --config kitchener.yaml --session SES-abc12345 "what's on my plate today"
//
// Verify a ledger stream's hash chain:
//
//	kitchenerd verify --config kitchener.yaml hot
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kitchener-systems/kitchener/internal/budget"
	"github.com/kitchener-systems/kitchener/internal/config"
	"github.com/kitchener-systems/kitchener/internal/contract"
	"github.com/kitchener-systems/kitchener/internal/executor"
	"github.com/kitchener-systems/kitchener/internal/gateway"
	"github.com/kitchener-systems/kitchener/internal/ledger"
	"github.com/kitchener-systems/kitchener/internal/memory"
	"github.com/kitchener-systems/kitchener/internal/metrics"
	"github.com/kitchener-systems/kitchener/internal/provider"
	"github.com/kitchener-systems/kitchener/internal/qualitygate"
	"github.com/kitchener-systems/kitchener/internal/runtimectx"
	"github.com/kitchener-systems/kitchener/internal/session"
	"github.com/kitchener-systems/kitchener/internal/supervisor"
	"github.com/kitchener-systems/kitchener/internal/tooldispatch"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

var configPath string

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "kitchenerd",
		Short:        "kitchenerd - governed cognitive dispatch kernel",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "kitchener.yaml", "path to YAML/JSON5 configuration file")
	rootCmd.AddCommand(
		buildTurnCmd(),
		buildVerifyCmd(),
		buildConsolidateCmd(),
	)
	return rootCmd
}

// kernel bundles every collaborator one process needs, built once from a
// loaded Config and torn down together.
type kernel struct {
	rtctx      *runtimectx.Context
	sessions   *session.Manager
	supervisor *supervisor.Supervisor
	tracerProv *sdktrace.TracerProvider
}

func (k *kernel) Close() error {
	if err := k.tracerProv.Shutdown(context.Background()); err != nil {
		slog.Warn("tracer provider shutdown failed", "error", err)
	}
	return k.rtctx.Streams.Close()
}

// buildKernel loads cfg from configPath and wires every tier: ledger
// streams, budgeter, contract loader, tool registry, provider adapters,
// gateway, executor, memory, session manager, and supervisor.
func buildKernel() (*kernel, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("kitchenerd: load config: %w", err)
	}

	streams, err := openStreams(cfg.Paths.LedgerDir)
	if err != nil {
		return nil, err
	}

	rec := metrics.New(prometheus.NewRegistry())
	streams.Hot.SetMetrics(rec)
	streams.HO1.SetMetrics(rec)
	streams.HO2.SetMetrics(rec)
	streams.Signals.SetMetrics(rec)
	streams.Overlays.SetMetrics(rec)

	budgeter := budget.New(budget.Mode(cfg.Budget.BudgetMode), streams.Hot)
	budgeter.SetMetrics(rec)

	loader := contract.NewLoader(cfg.Paths.ContractsDir)

	tools := tooldispatch.New()
	tools.SetMetrics(rec)
	for _, h := range builtinTools() {
		if err := tools.Register(h); err != nil {
			return nil, fmt.Errorf("kitchenerd: register tool: %w", err)
		}
	}

	gw, err := buildGateway(cfg, budgeter, streams.Hot)
	if err != nil {
		return nil, err
	}

	exec := executor.New(loader, gw, tools, budgeter, streams.HO1)
	exec.SetMetrics(rec)

	mem := memory.New(streams.Signals, streams.Overlays, memory.GateConfig{
		CountThreshold:   cfg.Memory.GateCountThreshold,
		SessionThreshold: cfg.Memory.GateSessionThreshold,
		WindowHours:      cfg.Memory.GateWindowHours,
		DecayHalfLife:    cfg.Memory.DecayHalfLifeHours,
		SalienceMin:      cfg.Memory.SalienceMin,
	})

	sessions := session.New(streams.HO2)

	supCfg := supervisor.Config{
		AgentClass:            cfg.Agent.AgentClass,
		ClassifyContractID:    cfg.Agent.ClassifyContractID,
		SynthesizeContractID:  cfg.Agent.SynthesizeContractID,
		ConsolidateContractID: cfg.Agent.ConsolidateContractID,
		ToolsAllowed:          cfg.Agent.ToolsAllowed,
		SynthesizeDomainTags:  cfg.Agent.SynthesizeDomainTags,
		SessionTokenLimit:     cfg.Budget.SessionTokenLimit,
		ClassifyBudget:        cfg.Budget.ClassifyBudget,
		SynthesizeBudget:      cfg.Budget.SynthesizeBudget,
		ConsolidationBudget:   cfg.Budget.ConsolidationBudget,
		TurnLimit:             cfg.Budget.TurnLimit,
		FollowupMinRemain:     cfg.Budget.FollowupMinRemaining,
		MaxRetries:            cfg.Agent.MaxRetries,
		AttentionBudgetChars:  cfg.Agent.AttentionBudgetChars,
		GateWindowHours:       cfg.Memory.GateWindowHours,
	}
	sup := supervisor.New(sessions, exec, mem, budgeter, streams.HO2, qualitygate.Criteria{
		RequiredKey:  "response_text",
		MinLength:    1,
		ErrorMarkers: []string{"[Error:"},
	}, supCfg)

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	tracer := tp.Tracer("kitchenerd")

	rtctx := runtimectx.New(streams, budgeter, rec, tracer)
	return &kernel{rtctx: rtctx, sessions: sessions, supervisor: sup, tracerProv: tp}, nil
}

func openStreams(dir string) (runtimectx.Streams, error) {
	open := func(name string) (*ledger.Stream, error) {
		return ledger.Open(filepath.Join(dir, name, name+".jsonl"))
	}
	hot, err := open("hot")
	if err != nil {
		return runtimectx.Streams{}, err
	}
	ho1, err := open("ho1")
	if err != nil {
		return runtimectx.Streams{}, err
	}
	ho2, err := open("ho2")
	if err != nil {
		return runtimectx.Streams{}, err
	}
	signals, err := open("signals")
	if err != nil {
		return runtimectx.Streams{}, err
	}
	overlays, err := open("overlays")
	if err != nil {
		return runtimectx.Streams{}, err
	}
	return runtimectx.Streams{Hot: hot, HO1: ho1, HO2: ho2, Signals: signals, Overlays: overlays}, nil
}

// buildGateway registers every configured provider and wires the
// domain-tag routing table from cfg.Gateway.
func buildGateway(cfg *config.Config, budgeter *budget.Budgeter, events *ledger.Stream) (*gateway.Gateway, error) {
	routes := make(map[string]gateway.Route, len(cfg.Gateway.DomainTagRoutes))
	for tag, r := range cfg.Gateway.DomainTagRoutes {
		routes[tag] = gateway.Route{ProviderID: r.ProviderID, ModelID: r.ModelID}
	}
	gw := gateway.New(gateway.Config{DomainTagRoutes: routes, DefaultProvider: cfg.Gateway.DefaultProvider}, budgeter, events)

	if cfg.Providers.Anthropic.APIKey != "" {
		p, err := provider.NewAnthropicProvider(provider.AnthropicConfig{
			APIKey:       cfg.Providers.Anthropic.APIKey,
			BaseURL:      cfg.Providers.Anthropic.BaseURL,
			DefaultModel: cfg.Providers.Anthropic.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("kitchenerd: anthropic provider: %w", err)
		}
		gw.RegisterProvider(p)
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		p, err := provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey:       cfg.Providers.OpenAI.APIKey,
			BaseURL:      cfg.Providers.OpenAI.BaseURL,
			DefaultModel: cfg.Providers.OpenAI.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("kitchenerd: openai provider: %w", err)
		}
		gw.RegisterProvider(p)
	}
	return gw, nil
}

// buildTurnCmd creates the "turn" command: run one Kitchener-loop turn
// against a session and print the response.
func buildTurnCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "turn [message]",
		Short: "Run one turn of the Kitchener loop",
		Long: `Run one turn of the Kitchener loop: classify the message, retrieve active
memory biases, dispatch a synthesize work order, verify it against the
quality gate, and print the response.

With no message argument, reads one line from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := buildKernel()
			if err != nil {
				return err
			}
			defer k.Close()

			if sessionID == "" {
				sessionID, err = k.supervisor.StartSession()
				if err != nil {
					return fmt.Errorf("kitchenerd: start session: %w", err)
				}
			} else {
				k.supervisor.OpenBudgetScope(sessionID)
			}

			message, err := resolveMessage(cmd, args)
			if err != nil {
				return err
			}

			result, err := k.supervisor.HandleTurn(cmd.Context(), sessionID, message)
			if err != nil {
				return fmt.Errorf("kitchenerd: handle turn: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, result.Response)
			if len(result.ConsolidationCandidates) > 0 {
				slog.Info("consolidation candidates ready", "session_id", sessionID, "candidates", result.ConsolidationCandidates)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "existing session ID (starts a new session if empty)")
	return cmd
}

func resolveMessage(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("kitchenerd: read stdin: %w", err)
		}
		return "", fmt.Errorf("kitchenerd: no message provided on argv or stdin")
	}
	return scanner.Text(), nil
}

// buildConsolidateCmd creates the "consolidate" command: run out-of-band
// consolidation for one or more signal IDs against a session.
func buildConsolidateCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "consolidate [signal_id...]",
		Short: "Run consolidation for the given signal IDs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return fmt.Errorf("kitchenerd: --session is required")
			}
			k, err := buildKernel()
			if err != nil {
				return err
			}
			defer k.Close()
			k.supervisor.OpenBudgetScope(sessionID)

			results := k.supervisor.RunConsolidation(cmd.Context(), sessionID, args)
			out := cmd.OutOrStdout()
			for _, r := range results {
				switch {
				case r.Err != nil:
					fmt.Fprintf(out, "%s: error: %v\n", r.SignalID, r.Err)
				case r.Skipped:
					fmt.Fprintf(out, "%s: skipped (gate not crossed)\n", r.SignalID)
				default:
					fmt.Fprintf(out, "%s: consolidated -> %s\n", r.SignalID, r.ArtifactID)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID the signals were accumulated under")
	return cmd
}

// buildVerifyCmd creates the "verify" command: check a ledger stream's
// hash chain for breaks.
func buildVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <stream>",
		Short: "Verify a ledger stream's hash chain",
		Long: `Verify a ledger stream's hash chain (one of hot, ho1, ho2, signals,
overlays) by recomputing each entry's hash and comparing it against the
next entry's recorded prev_hash.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("kitchenerd: load config: %w", err)
			}
			name := args[0]
			path := filepath.Join(cfg.Paths.LedgerDir, name, name+".jsonl")
			stream, err := ledger.Open(path)
			if err != nil {
				return fmt.Errorf("kitchenerd: open stream %q: %w", name, err)
			}
			defer stream.Close()

			breaks, err := stream.VerifyChain()
			if err != nil {
				return fmt.Errorf("kitchenerd: verify chain: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(breaks) == 0 {
				fmt.Fprintf(out, "%s: chain intact\n", name)
				return nil
			}
			for _, b := range breaks {
				fmt.Fprintf(out, "%s: break at line %d (entry %s): expected prev_hash %s, found %s\n",
					name, b.Line, b.EntryID, b.Expected, b.Found)
			}
			return fmt.Errorf("kitchenerd: %d chain break(s) in %s", len(breaks), name)
		},
	}
	return cmd
}
