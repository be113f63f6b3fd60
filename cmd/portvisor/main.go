package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/portvisor/internal/manager"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// buildRoot creates the command tree writing to out and errOut.
func buildRoot(out, errOut io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := &command{flags: globalFlags, out: out, errOut: errOut}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.SetErr(errOut)
	root.AddCommand(
		createStatusCommand(c),
		createActionCommand(c, manager.ActionStart, "Start a service, or all of them"),
		createActionCommand(c, manager.ActionStop, "Stop a service, or all of them"),
		createActionCommand(c, manager.ActionRestart, "Restart a service, or all of them"),
		createCheckCommand(c),
		createServeCommand(c),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "portvisor",
		Short: "Port-aware supervisor for local services",
		Long: `Portvisor starts, stops and inspects a fixed set of local services,
each bound to its own TCP port. A port already held by someone else is
reported, never fought over.

Examples:
  portvisor status
  portvisor start all
  portvisor restart BranchSeeker
  portvisor check lendsight
  portvisor --api-url http://127.0.0.1:9090/api start all
  portvisor serve --listen 127.0.0.1:9090`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default ./portvisor.toml when present)")
	pf.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.LogFormat, "log-format", "", "log format: text or json")
	pf.DurationVar(&flags.Timeout, "timeout", 0, "overall deadline for the command (0 = none)")
	pf.StringVar(&flags.APIURL, "api-url", os.Getenv("PORTVISOR_API_URL"), "drive a running daemon at this URL, e.g. http://127.0.0.1:9090/api")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate to trust for an https --api-url")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification for an https --api-url")
	return root
}

func createStatusCommand(c *command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which services are listening on their ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func createActionCommand(c *command, action manager.Action, short string) *cobra.Command {
	f := &ActionFlags{}
	cmd := &cobra.Command{
		Use:   string(action) + " <name|all>",
		Short: short,
		Long: short + `.

"all" applies to every registered service in parallel; one failure does not
stop the others. The exit status is non-zero when any service missed the
requested state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Act(cmd.Context(), action, args[0], *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print results as JSON")
	return cmd
}

func createCheckCommand(c *command) *cobra.Command {
	f := &CheckFlags{}
	cmd := &cobra.Command{
		Use:   "check [name|all]",
		Short: "Show where each required configuration key resolves from",
		Long: `Resolve required keys without launching anything. The source of each
key is printed, never its value.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := TargetAll
			if len(args) == 1 {
				target = args[0]
			}
			return c.Check(target, *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print results as JSON")
	return cmd
}

func createServeCommand(c *command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and /metrics",
		Long: `Run portvisor as a long-lived daemon. Services launched through the API
are children of the daemon and their output is rotated.

Examples:
  portvisor serve
  portvisor serve --listen 127.0.0.1:9191 --base-path /v1
  portvisor serve --daemonize`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (overrides [server].listen)")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "API base path (overrides [server].base_path)")
	cmd.Flags().BoolVar(&f.KeepRunning, "keep-running", false, "leave launched services running on shutdown")
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run in the background")
	return cmd
}
