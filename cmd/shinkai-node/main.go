// Command shinkai-node runs a single Shinkai node: boots storage,
// identity, VectorFS, the job pipeline, and the TCP transport, then
// blocks until an interrupt signal requests a graceful shutdown.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shinkailabs/shinkai-node/pkg/config"
	"github.com/shinkailabs/shinkai-node/pkg/jobexec"
	"github.com/shinkailabs/shinkai-node/pkg/jobstore"
	"github.com/shinkailabs/shinkai-node/pkg/log"
	"github.com/shinkailabs/shinkai-node/pkg/node"
	"github.com/spf13/cobra"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:   "shinkai-node",
		Short: "Run a Shinkai network node",
		RunE:  runNode,
	}
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(config.ExitConfigError))
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: true})

	cfg, err := config.Load()
	if err != nil {
		if le, ok := err.(*config.LoadError); ok {
			log.Logger.Error().Err(le.Err).Msg("configuration error")
			os.Exit(int(le.Exit))
		}
		return err
	}

	log.Logger.Info().Str("node_name", cfg.NodeName).Str("listen", cfg.ListenAddress).Msg("starting shinkai-node")

	// A default, no-op inference router and agent resolver: wiring a real
	// LLM provider is out of scope (spec Non-goals name prompt templates
	// and model parameters explicitly).
	router := stubInferenceRouter{}
	resolveAgent := func(agentID string) (jobexec.Agent, error) {
		return jobexec.Agent{AgentID: agentID, Kind: "default"}, nil
	}

	n, err := node.New(cfg, router, resolveAgent)
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to assemble node")
		os.Exit(int(config.ExitDatabaseError))
	}

	if err := n.Start(); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Logger.Info().Msg("shutting down")
	if err := n.Stop(); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// stubInferenceRouter answers every job with a placeholder response;
// the real inference chain router is out of the spec's scope.
type stubInferenceRouter struct{}

func (stubInferenceRouter) Route(job *jobstore.Job, agent jobexec.Agent, rawMessage string, prevContext map[string]string) (jobexec.ChainResult, error) {
	return jobexec.ChainResult{
		Response:            "no inference provider configured",
		NewExecutionContext: prevContext,
	}, nil
}
