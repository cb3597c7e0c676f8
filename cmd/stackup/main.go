package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(codeFor(err))
	}
}

func buildRoot() *cobra.Command {
	cmd := command{}

	root := &cobra.Command{
		Use:   "stackup",
		Short: "Declarative service stack manager",
		Long: `Stackup starts, supervises and stops a declared stack of services with
named persistence volumes and host port reservations.

Examples:
  stackup up --config=stack.toml
  stackup status --config=stack.toml
  stackup serve --config=stack.toml --up   # supervising daemon + HTTP API
  stackup down --api-url=http://localhost:8080/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		createUpCommand(cmd),
		createDownCommand(cmd),
		createStatusCommand(cmd),
		createLogsCommand(cmd),
		createVolumeCommand(cmd),
		createServeCommand(cmd),
	)
	return root
}

func addAPIFlags(c *cobra.Command, url *string, timeout *time.Duration) {
	c.Flags().StringVar(url, "api-url", "", "remote daemon URL (e.g. http://host:8080/api)")
	c.Flags().DurationVar(timeout, "api-timeout", 10*time.Second, "request timeout")
}

func createUpCommand(cmd command) *cobra.Command {
	flags := &UpFlags{}
	c := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start the stack or named services",
		RunE: func(_ *cobra.Command, args []string) error {
			return cmd.Up(*flags, args)
		},
	}
	c.Flags().StringVar(&flags.ConfigPath, "config", "stack.toml", "path to stack file")
	c.Flags().BoolVar(&flags.UseOSEnv, "use-os-env", false, "include the OS environment")
	c.Flags().StringArrayVar(&flags.EnvKVs, "env", nil, "extra KEY=VALUE environment entries")
	c.Flags().StringArrayVar(&flags.EnvFiles, "env-file", nil, "extra .env files")
	addAPIFlags(c, &flags.APIUrl, &flags.APITimeout)
	return c
}

func createDownCommand(cmd command) *cobra.Command {
	flags := &DownFlags{}
	c := &cobra.Command{
		Use:   "down [service...]",
		Short: "Stop the stack or named services",
		RunE: func(_ *cobra.Command, args []string) error {
			return cmd.Down(*flags, args)
		},
	}
	c.Flags().StringVar(&flags.ConfigPath, "config", "stack.toml", "path to stack file")
	c.Flags().DurationVar(&flags.Wait, "wait", 5*time.Second, "grace period before force kill")
	c.Flags().BoolVar(&flags.Remove, "remove", false, "also remove the stopped instances (daemon mode)")
	addAPIFlags(c, &flags.APIUrl, &flags.APITimeout)
	return c
}

func createStatusCommand(cmd command) *cobra.Command {
	flags := &StatusFlags{}
	c := &cobra.Command{
		Use:   "status [service...]",
		Short: "Show service states",
		RunE: func(_ *cobra.Command, args []string) error {
			return cmd.Status(*flags, args)
		},
	}
	c.Flags().StringVar(&flags.ConfigPath, "config", "stack.toml", "path to stack file")
	c.Flags().BoolVar(&flags.JSON, "json", false, "emit JSON instead of a table")
	addAPIFlags(c, &flags.APIUrl, &flags.APITimeout)
	return c
}

func createLogsCommand(cmd command) *cobra.Command {
	flags := &LogsFlags{}
	c := &cobra.Command{
		Use:   "logs <service>",
		Short: "Print a service's captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return cmd.Logs(*flags, args[0])
		},
	}
	c.Flags().StringVar(&flags.ConfigPath, "config", "stack.toml", "path to stack file")
	c.Flags().BoolVar(&flags.Stderr, "stderr", false, "show stderr capture instead of stdout")
	c.Flags().IntVar(&flags.TailLines, "tail", 0, "show only the last N lines")
	return c
}

func createVolumeCommand(cmd command) *cobra.Command {
	flags := &VolumeFlags{}
	vol := &cobra.Command{
		Use:   "volume",
		Short: "Manage persistence volumes",
	}
	vol.PersistentFlags().StringVar(&flags.ConfigPath, "config", "stack.toml", "path to stack file")
	vol.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "remote daemon URL")
	vol.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	vol.AddCommand(
		&cobra.Command{
			Use:   "ls",
			Short: "List declared volumes",
			RunE: func(_ *cobra.Command, _ []string) error {
				return cmd.VolumeList(*flags)
			},
		},
		&cobra.Command{
			Use:   "rm <name>",
			Short: "Remove an unclaimed volume and its data",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return cmd.VolumeRemove(*flags, args[0])
			},
		},
	)
	return vol
}

func createServeCommand(cmd command) *cobra.Command {
	flags := &ServeFlags{}
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervising daemon with the HTTP API",
		RunE: func(_ *cobra.Command, _ []string) error {
			return cmd.Serve(*flags)
		},
	}
	c.Flags().StringVar(&flags.ConfigPath, "config", "stack.toml", "path to stack file")
	c.Flags().StringVar(&flags.Listen, "listen", "", "API listen address (default from [server] or :8080)")
	c.Flags().StringVar(&flags.BasePath, "base-path", "", "API base path (default from [server] or /api)")
	c.Flags().StringVar(&flags.MetricsAddr, "metrics-listen", "", "serve /metrics on a separate address as well")
	c.Flags().BoolVar(&flags.UpAll, "up", false, "start every service after the daemon boots")
	return c
}
