package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/renkaru/servisr"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(command{out: os.Stdout})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the root command and all subcommands.
func buildRoot(c command) *cobra.Command {
	serveFlags := &ServeFlags{}
	serviceFlags := &ServiceFlags{}
	statusFlags := &StatusFlags{}
	listFlags := &ListFlags{}
	routeFlags := &RouteFlags{}
	usageFlags := &UsageFlags{}
	templateFlags := &TemplateFlags{}

	root := createRootCommand(serveFlags)
	root.AddCommand(
		createServeCommand(serveFlags),
		createStartCommand(c, serviceFlags),
		createStopCommand(c, serviceFlags),
		createRestartCommand(c, serviceFlags),
		createStatusCommand(c, statusFlags),
		createPortsCommand(c, listFlags),
		createProvidersCommand(c, listFlags),
		createRouteCommand(c, routeFlags),
		createUsageCommand(c, usageFlags),
		createTemplateCommand(c, templateFlags),
	)
	return root
}

// createRootCommand creates the root command with the persistent config
// flag shared by serve.
func createRootCommand(serveFlags *ServeFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "servisr",
		Short: "Model-serving process supervisor with fallback routing",
		Long: `Servisr supervises long-lived model-serving processes: it leases ports
from a machine-wide ledger, waits for each engine to finish loading,
restarts crashed or unhealthy children and routes requests through a
prioritized provider chain with automatic fallback.

Examples:
  servisr serve servisr.toml        # Run the daemon
  servisr status                    # Show all services
  servisr start --key=ja-en         # Start a registered service
  servisr route --text="hello" --source=en --target=ja`,
	}

	root.PersistentFlags().StringVar(&serveFlags.ConfigPath, "config", "", "path to TOML config file")

	return root
}

// createServeCommand creates the serve subcommand.
func createServeCommand(serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [servisr.toml]",
		Short: "Run the servisr daemon",
		Long: `Run the daemon: supervise the configured services, monitor their
health, keep the shared port ledger fresh and serve the HTTP API.
The config file is re-applied when it changes on disk.

Examples:
  servisr serve servisr.toml
  servisr serve --config=servisr.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCommand(serveFlags, args)
		},
	}
	return cmd
}

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required: use --config=servisr.toml or pass it as an argument")
	}

	cfg, err := servisr.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, err := servisr.NewApp(cfg)
	if err != nil {
		return err
	}
	if err := app.Start(context.Background()); err != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		app.Shutdown(shutCtx)
		cancel()
		return err
	}

	if err := servisr.WatchConfig(configPath, func(next *servisr.Config) {
		if err := app.ApplyConfig(next); err != nil {
			fmt.Printf("Warning: config reload not applied: %v\n", err)
		}
	}); err != nil {
		fmt.Printf("Warning: config watch unavailable: %v\n", err)
	}

	if cfg.Server.Enabled {
		fmt.Printf("servisr API on http://%s%s\n", cfg.Server.Listen, cfg.Server.BasePath)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	app.Shutdown(ctx)
	return nil
}

// createStartCommand creates the start subcommand.
func createStartCommand(c command, flags *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a registered service",
		Long: `Start an already registered service and wait for its engine to load.
Services are registered through the daemon's config file or the API.

Examples:
  servisr start --key=ja-en
  servisr start --key=ja-en --api-url=http://remote:8099`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Key, "key", "", "service key (required)")
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8099)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 5*time.Minute, "request timeout; covers the engine load")

	if err := cmd.MarkFlagRequired("key"); err != nil {
		panic(err)
	}
	return cmd
}

// createStopCommand creates the stop subcommand.
func createStopCommand(c command, flags *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a service",
		Long: `Stop a service's child process. The registration is kept, so the
service can be started again later.

Examples:
  servisr stop --key=ja-en
  servisr stop --key=ja-en --api-url=http://remote:8099`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Key, "key", "", "service key (required)")
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8099)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", time.Minute, "request timeout")

	if err := cmd.MarkFlagRequired("key"); err != nil {
		panic(err)
	}
	return cmd
}

// createRestartCommand creates the restart subcommand.
func createRestartCommand(c command, flags *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart a service",
		Long: `Stop a service's child and immediately start a fresh one, waiting
for the new engine to load.

Examples:
  servisr restart --key=ja-en`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Key, "key", "", "service key (required)")
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8099)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 5*time.Minute, "request timeout; covers the engine load")

	if err := cmd.MarkFlagRequired("key"); err != nil {
		panic(err)
	}
	return cmd
}

// createStatusCommand creates the status subcommand.
func createStatusCommand(c command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Long: `Show the status of supervised services.

Examples:
  servisr status                    # Show all services
  servisr status --key=ja-en        # Show one service
  servisr status --api-url=http://remote:8099`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Key, "key", "", "service key (optional)")
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8099)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

// createPortsCommand creates the ports subcommand.
func createPortsCommand(c command, flags *ListFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List the shared port ledger",
		Long: `List the active claims in the machine-wide port ledger, including
claims held by other daemons sharing the ledger file.

Examples:
  servisr ports`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Ports(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8099)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

// createProvidersCommand creates the providers subcommand.
func createProvidersCommand(c command, flags *ListFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Show fallback chain availability",
		Long: `Show each provider in the fallback chain with its availability,
failure count and cooldown deadline.

Examples:
  servisr providers`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Providers(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8099)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

// createRouteCommand creates the route subcommand.
func createRouteCommand(c command, flags *RouteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Send a request through the fallback chain",
		Long: `Send one request through the provider chain and print the result
with its attempt trail. Exits non-zero when every provider fails.

Examples:
  servisr route --text="hello world" --source=en --target=ja
  servisr route --text="hello" --request-id=req-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Route(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Text, "text", "", "text to process (required)")
	cmd.Flags().StringVar(&flags.SourceLang, "source", "", "source language code")
	cmd.Flags().StringVar(&flags.TargetLang, "target", "", "target language code")
	cmd.Flags().StringVar(&flags.RequestID, "request-id", "", "request id (generated when empty)")
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8099)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 2*time.Minute, "request timeout")

	if err := cmd.MarkFlagRequired("text"); err != nil {
		panic(err)
	}
	return cmd
}

// createUsageCommand creates the usage subcommand.
func createUsageCommand(c command, flags *UsageFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show resource usage of supervised children",
		Long: `Show CPU and memory samples collected for supervised children.
Requires usage sampling to be enabled in the daemon config.

Examples:
  servisr usage                     # Latest sample per service
  servisr usage --key=ja-en         # Latest sample for one service
  servisr usage --key=ja-en --history`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Usage(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Key, "key", "", "service key (optional)")
	cmd.Flags().BoolVar(&flags.History, "history", false, "print the sample history instead of the latest")
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8099)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

// createTemplateCommand creates the template subcommand.
func createTemplateCommand(c command, flags *TemplateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Generate a service config snippet",
		Long: `Generate a [[services]] TOML snippet for a common model-server shape,
ready to append to servisr.toml.

Supported types:
  ctranslate2  - CTranslate2 translation server (one model per pair)
  nllb         - NLLB multilingual translation server
  http         - generic HTTP model server
  simple       - bare child with only the readiness contract

Examples:
  servisr template --type=ctranslate2 --key=ja-en
  servisr template --type=nllb --output=./nllb.toml --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Template(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Type, "type", "", "template type (required)")
	cmd.Flags().StringVar(&flags.Key, "key", "", "service key (defaults to type-sample)")
	cmd.Flags().StringVar(&flags.Output, "output", "", "write to a file instead of stdout")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing output file")

	if err := cmd.MarkFlagRequired("type"); err != nil {
		panic(err)
	}
	return cmd
}
