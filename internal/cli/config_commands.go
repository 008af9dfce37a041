package cli

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-upload/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  `Create, show and locate the rescale-upload configuration file.`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

// configPath returns --config or the default location.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

func newConfigInitCmd() *cobra.Command {
	var endpoint string
	var maxConcurrent int
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file",
		Long: `Write a configuration file with the given endpoint and concurrency.
The endpoint may be left out and supplied later with --endpoint or
RESCALE_UPLOAD_ENDPOINT. An existing file is kept unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("configuration already exists at %s (use --force to overwrite)", path)
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("endpoint") {
				cfg.Endpoint = endpoint
			}
			if cmd.Flags().Changed("max-concurrent") {
				cfg.MaxConcurrent = maxConcurrent
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Endpoint != "" {
				if err := cfg.ValidateForUpload(); err != nil {
					return err
				}
			}

			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "Upload endpoint URL")
	cmd.Flags().IntVarP(&maxConcurrent, "max-concurrent", "m", 0, "Maximum concurrent uploads")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long:  `Show the configuration after the file and environment overrides are applied.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "endpoint:       %s\n", cfg.Endpoint)
			fmt.Fprintf(out, "max_concurrent: %d\n", cfg.MaxConcurrent)
			printMap(out, "headers", cfg.Headers, true)
			printMap(out, "fields", cfg.Fields, false)
			fmt.Fprintf(out, "proxy.mode:     %s\n", cfg.Proxy.Mode)
			if cfg.Proxy.Host != "" {
				fmt.Fprintf(out, "proxy.host:     %s:%d\n", cfg.Proxy.Host, cfg.Proxy.Port)
			}
			if cfg.Proxy.User != "" {
				fmt.Fprintf(out, "proxy.user:     %s\n", cfg.Proxy.User)
			}
			if cfg.Proxy.NoProxy != "" {
				fmt.Fprintf(out, "proxy.no_proxy: %s\n", cfg.Proxy.NoProxy)
			}
			return nil
		},
	}
}

func printMap(out io.Writer, name string, values map[string]string, mask bool) {
	if len(values) == 0 {
		return
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(out, "%s:\n", name)
	for _, k := range keys {
		v := values[k]
		if mask && v != "" {
			v = "********"
		}
		fmt.Fprintf(out, "  %s = %s\n", k, v)
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
