// Command substratd is the Substrat daemon entrypoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/substrat/substrat/internal/dconfig"
	"github.com/substrat/substrat/internal/dlog"
	"github.com/substrat/substrat/internal/inbox"
	"github.com/substrat/substrat/internal/inspector"
	"github.com/substrat/substrat/internal/multiplexer"
	"github.com/substrat/substrat/internal/orchestrator"
	"github.com/substrat/substrat/internal/provider"
	"github.com/substrat/substrat/internal/router"
	"github.com/substrat/substrat/internal/scheduler"
	"github.com/substrat/substrat/internal/sessionstore"
	"github.com/substrat/substrat/internal/tree"
	"github.com/substrat/substrat/internal/wire"
)

var (
	flagRoot          string
	flagMaxSlots      int
	flagProvider      string
	flagModel         string
	flagCLICmd        string
	flagHTTPURL       string
	flagInspectorAddr string
)

var rootCmd = &cobra.Command{
	Use:   "substratd",
	Short: "Substrat agent-orchestration daemon",
	Long: `substratd is the background daemon that keeps a hierarchy of LLM
agents alive across a fixed slot budget, routes messages between them, and
recovers their state from an append-only event log after a restart.`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", "", "daemon root directory (default ~/.substrat)")
	rootCmd.PersistentFlags().IntVar(&flagMaxSlots, "max-slots", 0, "multiplexer slot budget (0 = use config/default)")
	rootCmd.PersistentFlags().StringVar(&flagProvider, "provider", "", "default provider for spawned agents")
	rootCmd.PersistentFlags().StringVar(&flagModel, "model", "", "default model for spawned agents")
	rootCmd.PersistentFlags().StringVar(&flagCLICmd, "cli-command", "", "CLI agent binary to register as the \"cli\" provider (unset disables it)")
	rootCmd.PersistentFlags().StringVar(&flagHTTPURL, "http-endpoint", "", "HTTP agent endpoint to register as the \"http\" provider (unset disables it)")
	rootCmd.PersistentFlags().StringVar(&flagInspectorAddr, "inspector-addr", "", "loopback address (e.g. 127.0.0.1:9797) for the optional debug inspector websocket; unset disables it")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "substratd: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := dconfig.Load(flagRoot)
	if err != nil {
		return err
	}
	if flagMaxSlots > 0 {
		cfg.MaxSlots = flagMaxSlots
	}
	if flagProvider != "" {
		cfg.DefaultProvider = flagProvider
	}
	if flagModel != "" {
		cfg.DefaultModel = flagModel
	}
	if err := cfg.Save(); err != nil {
		return err
	}

	if dlog.EnabledFromEnv() {
		path, err := dlog.Init(cfg.Root)
		if err != nil {
			return err
		}
		defer dlog.Close()
		fmt.Fprintf(os.Stderr, "substratd: debug log at %s\n", path)
	}

	providers := buildProviders()

	store := sessionstore.NewStore(cfg.Root)
	mux := multiplexer.New(cfg.MaxSlots, store)
	sched := scheduler.New(store, providers, mux)
	agentTree := tree.New()
	r := router.New(agentTree)
	boxes := inbox.NewRegistry()

	orch := orchestrator.New(cfg.Root, store, sched, agentTree, r, boxes, cfg.DefaultProvider, cfg.DefaultModel)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	dlog.Event("substratd", "recovery complete", "agents", agentTree.Len())

	if err := writePIDFile(cfg.PIDPath()); err != nil {
		return err
	}
	defer os.Remove(cfg.PIDPath())

	srv := wire.New(orch)
	if flagInspectorAddr != "" {
		hub := inspector.NewHub()
		srv.SetTap(tapAdapter{hub: hub})
		go func() {
			if err := hub.Serve(ctx, flagInspectorAddr); err != nil && ctx.Err() == nil {
				dlog.Event("substratd", "inspector stopped", "err", err.Error())
			}
		}()
		fmt.Fprintf(os.Stderr, "substratd: inspector listening on ws://%s/stream\n", flagInspectorAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		dlog.Event("substratd", "shutdown signal received")
		cancel()
		_ = srv.Close()
	}()

	fmt.Fprintf(os.Stderr, "substratd: listening on %s\n", cfg.SocketPath())
	if err := srv.Serve(ctx, cfg.SocketPath()); err != nil {
		return err
	}
	return nil
}

func buildProviders() *provider.Registry {
	list := []provider.AgentProvider{provider.NewMockProvider()}
	if flagCLICmd != "" {
		list = append(list, provider.NewCLIProvider(flagCLICmd, nil, "--resume", ""))
	}
	if flagHTTPURL != "" {
		list = append(list, provider.NewHTTPProvider(flagHTTPURL))
	}
	return provider.NewRegistry(list...)
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// tapAdapter bridges wire.Tap to inspector.Hub. It lives here rather than in
// either package because wire and inspector deliberately don't depend on
// each other: the wire protocol's tap hook is an optional byproduct, not
// part of its contract.
type tapAdapter struct {
	hub *inspector.Hub
}

func (a tapAdapter) Publish(ev wire.InspectorEvent) {
	a.hub.Publish(inspector.Event{
		Direction: ev.Direction,
		Method:    ev.Method,
		ID:        ev.ID,
		Payload:   ev.Payload,
		At:        time.Now(),
	})
}
