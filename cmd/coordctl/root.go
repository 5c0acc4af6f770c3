package main

import (
	"github.com/spf13/cobra"
)

type cli struct {
	wire       wireFunc
	configFile string
}

// withServices wires the coordinator for one command and releases it after.
func (c *cli) withServices(cmd *cobra.Command, run func(*services) error) error {
	svc, err := c.wire(cmd.Context(), c.configFile)
	if err != nil {
		return err
	}
	defer func() { _ = svc.close() }()
	return run(svc)
}

func newRootCmd(wire wireFunc) *cobra.Command {
	c := &cli{wire: wire}
	rootCmd := &cobra.Command{
		Use:          "coordctl",
		Short:        "Operate the conversation coordinator",
		Long:         "coordctl inspects actor state, clears pending deliveries, closes bridges, sends artifacts and manages one-time task markers.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&c.configFile, "config", "", "TOML file with settings (env variables otherwise)")

	rootCmd.AddCommand(
		newStateCmd(c),
		newPendingCmd(c),
		newBridgeCmd(c),
		newTaskCmd(c),
		newArtifactCmd(c),
	)
	return rootCmd
}
