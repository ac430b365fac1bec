package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/spendgate/internal/config"
	"github.com/mattjoyce/spendgate/internal/engine"
	"github.com/mattjoyce/spendgate/internal/log"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "spendgate",
		Short: "Spendgate - safe mutation engine for ad platform changes",
		Long: `Spendgate queues proposed ad platform changes and applies them under a
shared hourly rate limit, randomized delays, a budget velocity cap and an
append-only audit trail.`,
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file path (defaults and environment only when empty)")

	root.AddCommand(
		newStartCmd(g),
		newSubmitCmd(g),
		newListCmd(g),
		newShowCmd(g),
		newCancelCmd(g),
		newHistoryCmd(g),
		newReclaimCmd(g),
		newWatchCmd(g),
		newConfigCmd(g),
		newVersionCmd(),
	)
	return root
}

func (g *globalFlags) load() (*config.Config, error) {
	return config.Load(g.configPath)
}

// openEngine builds an intake-only engine for one-shot commands. Engine logs
// are kept to warnings so command output stays readable.
func (g *globalFlags) openEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	log.Setup("warn", cfg.Service.LogFormat)
	return engine.New(ctx, cfg, engine.Options{})
}
