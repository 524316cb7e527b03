package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/config"
)

const redacted = "********"

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with node configuration",
	}

	var path string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the node configuration, then print it",
		Long: `Load the configuration exactly as 'tremor node' would and print the
result with derived defaults filled in. Secrets are redacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(path)
			var bootErr *cluster.BootstrapError
			if errors.As(err, &bootErr) {
				return fmt.Errorf("invalid %s: %s", bootErr.Field, bootErr.Reason)
			}
			if err != nil {
				return err
			}

			cfg.Cluster.ValidationToken = redacted
			if cfg.Store.DSN != "" {
				cfg.Store.DSN = redacted
			}
			for i := range cfg.Endpoints {
				for k := range cfg.Endpoints[i].Credentials {
					cfg.Endpoints[i].Credentials[k] = redacted
				}
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	validate.Flags().StringVarP(&path, "config", "c", "", "path to the YAML configuration file")
	cmd.AddCommand(validate)
	return cmd
}
