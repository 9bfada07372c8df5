package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/botvisr"
	"github.com/loykin/botvisr/pkg/client"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand writing to out
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := newCommand(globalFlags, out)

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStartCommand(c),
		createStopCommand(c),
		createStatusCommand(c),
		createFailCommand(c),
		createTelemetryCommand(c),
		createSessionsCommand(c),
		createLogsCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "botvisr",
		Short: "Supervisor for autonomous game-playing bots",
		Long: `Botvisr runs bot processes, classifies and stores their output as
sessions, and streams status and log events over HTTP and WebSocket.

Examples:
  botvisr serve --config botvisr.toml   # Start daemon
  botvisr start miner
  botvisr status
  botvisr logs --bot miner --follow`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	pf.StringVar(&flags.APIUrl, "api-url", client.DefaultConfig().BaseURL, "daemon API URL")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification for https API URLs")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate for https API URLs")
	pf.BoolVar(&flags.JSON, "json", false, "print JSON instead of text")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the botvisr daemon",
		Long: `Start the botvisr daemon. Bots, storage and the API are configured
in a TOML file; BOTVISR_* environment variables override its keys.

Examples:
  botvisr serve botvisr.toml
  botvisr serve --config botvisr.toml --daemonize --pidfile botvisr.pid --logfile botvisr.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file when daemonized")
	return cmd
}

func runServe(ctx context.Context, flags *ServeFlags) error {
	if flags.ConfigPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=botvisr.toml or provide as argument")
	}
	cfg, err := botvisr.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := botvisr.NewDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start <bot>...",
		Short: "Start bots",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), args)
		},
	}
}

func createStopCommand(c *command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop <bot>...",
		Short: "Stop bots",
		Long: `Stop bots. A graceful stop sends SIGTERM and kills the process group
after the configured grace period; --force kills immediately.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), args, *f)
		},
	}
	cmd.Flags().BoolVar(&f.Force, "force", false, "kill without a grace period")
	return cmd
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status [bot]...",
		Short: "Show bot status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), args)
		},
	}
}

func createFailCommand(c *command) *cobra.Command {
	f := &FailFlags{}
	cmd := &cobra.Command{
		Use:   "fail <bot>",
		Short: "Report an external fault; the bot is killed and marked error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Fail(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().StringVar(&f.Reason, "reason", "", "fault reason")
	return cmd
}

func createTelemetryCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "telemetry <bot>",
		Short: "Show the last reported position and inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Telemetry(cmd.Context(), args[0])
		},
	}
}

func createSessionsCommand(c *command) *cobra.Command {
	f := &SessionsFlags{}
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Sessions(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Bot, "bot", "", "only sessions of this bot")
	return cmd
}

func createLogsCommand(c *command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs [session]",
		Short: "Print the log entries of a session",
		Long: `Print the classified log entries of a session in sequence order.

Examples:
  botvisr logs 3f0c...              # one session
  botvisr logs --bot miner          # active (or latest) session of a bot
  botvisr logs --bot miner --follow # keep streaming until the bot stops`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(cmd.Context(), args, *f)
		},
	}
	cmd.Flags().StringVar(&f.Bot, "bot", "", "use the active or latest session of this bot")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "skip this many entries")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "print at most this many entries (0 = all)")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "stream new entries while the bot runs")
	return cmd
}
