package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// rootOptions holds the global flags.
type rootOptions struct {
	node   string
	format string
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "tremor",
		Short: "tremor - fault injection control plane",
		Long: `tremor schedules fault injection tasks across a cluster of nodes.
Each task is owned by exactly one node at a time; ownership moves with
partition migration and is suspended while the cluster lacks quorum.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			for _, f := range validFormats {
				if f == opts.format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.format, validFormats)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.node, "node", "127.0.0.1:7700", "address of the node to talk to")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (text|json)")

	cmd.AddCommand(newNodeCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newTaskCommand(opts))
	cmd.AddCommand(newClusterCommand(opts))
	cmd.AddCommand(newMaintenanceCommand(opts))
	return cmd
}
