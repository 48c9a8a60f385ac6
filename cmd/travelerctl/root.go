package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitabwire/traveler/internal/stage"
)

const defaultServer = "http://localhost:8080"

type commandContext struct {
	stagesFile string
	server     string
	actor      string
	timeout    time.Duration
}

func (c *commandContext) table() (*stage.Table, error) {
	return stage.Load(c.stagesFile)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "travelerctl",
		Short:         "Operate the traveler stage engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	server := os.Getenv("TRAVELER_URL")
	if server == "" {
		server = defaultServer
	}
	rootCmd.PersistentFlags().StringVar(&ctx.stagesFile, "stages", os.Getenv("TRAVELER_STAGES_FILE"), "Stage table file (defaults to the built-in table)")
	rootCmd.PersistentFlags().StringVar(&ctx.server, "server", server, "Base URL of the traveler API")
	rootCmd.PersistentFlags().StringVar(&ctx.actor, "actor", os.Getenv("USER"), "Actor recorded on transfers")
	rootCmd.PersistentFlags().DurationVar(&ctx.timeout, "timeout", 10*time.Second, "HTTP request timeout")

	rootCmd.AddCommand(newStagesCommand(ctx))
	rootCmd.AddCommand(newCheckCommand(ctx))
	rootCmd.AddCommand(newTransferCommand(ctx))

	return rootCmd
}
