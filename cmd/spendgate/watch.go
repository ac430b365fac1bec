package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/spendgate/internal/tui/watch"
)

func newWatchCmd(g *globalFlags) *cobra.Command {
	var apiURL, apiKey string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of change requests over the HTTP API",
		Long: `Follow a running engine's event stream in a terminal dashboard.
The API address and key default to the api section of the config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" || apiKey == "" {
				cfg, err := g.load()
				if err != nil {
					return err
				}
				if apiURL == "" {
					apiURL = "http://" + cfg.API.Listen
				}
				if apiKey == "" {
					apiKey = cfg.API.Auth.APIKey
				}
			}
			if apiKey == "" {
				return fmt.Errorf("an API key with events:ro scope is required (--api-key or api.auth.api_key)")
			}

			p := tea.NewProgram(watch.New(cmd.Context(), apiURL, apiKey), tea.WithContext(cmd.Context()))
			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "", "engine API base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "bearer token")
	return cmd
}
