package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/testcompose/pkg/discovery"
	"github.com/artpar/testcompose/pkg/environment"
)

// shutdownTimeout bounds teardown after a signal.
const shutdownTimeout = 2 * time.Minute

// cli carries state shared by the subcommands.
type cli struct {
	configPath string
	logLevel   string
	logFormat  string
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "testcompose",
		Short: "Run compose environments for integration tests",
		Long: `testcompose starts the services of a compose manifest on free host ports,
waits until they accept connections and publishes where each service can be
reached. The environment is torn down when the command is interrupted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to CLI config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&c.logFormat, "log-format", "", "Log format (text, json)")

	root.AddCommand(c.newUpCmd())
	root.AddCommand(c.newSubstituteCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func (c *cli) setup(stderr io.Writer) error {
	cfg, err := LoadConfig(c.configPath)
	if err != nil {
		return &CommandError{Op: "load config", Err: err, ExitCode: ExitConfigError}
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.logFormat != "" {
		cfg.Log.Format = c.logFormat
	}
	c.logger = SetupLogger(cfg, stderr)
	return nil
}

// =============================================================================
// up
// =============================================================================

func (c *cli) newUpCmd() *cobra.Command {
	var descriptorPath, outputPath string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the environment and print its discovery table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.up(ctx, descriptorPath, outputPath, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&descriptorPath, "descriptor", "d", "testcompose.yaml", "Path to the environment descriptor")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write discovery JSON to this file instead of stdout")
	return cmd
}

func (c *cli) up(ctx context.Context, descriptorPath, outputPath string, stdout io.Writer) error {
	desc, err := environment.LoadDescriptor(descriptorPath)
	if err != nil {
		return &CommandError{Op: "load descriptor", Err: err, ExitCode: ExitConfigError}
	}

	scope := environment.NewScope(c.logger)
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := scope.Teardown(teardownCtx); err != nil {
			c.logger.Error("teardown failed", "error", err)
		}
	}()

	env, err := environment.New(scope, *desc,
		environment.WithLogger(c.logger),
		environment.WithSink(environment.LogSink(c.logger)),
	)
	if err != nil {
		return &CommandError{Op: "create environment", Err: err, ExitCode: ExitConfigError}
	}

	d, err := env.Initialize(ctx)
	if err != nil {
		return &CommandError{Op: "start environment", Err: err, ExitCode: ExitEnvironmentError}
	}

	if err := writeDiscovery(d, outputPath, stdout); err != nil {
		return &CommandError{Op: "write discovery", Err: err, ExitCode: ExitEnvironmentError}
	}

	c.logger.Info("environment running, interrupt to stop", "project", env.Project())
	<-ctx.Done()
	return nil
}

func writeDiscovery(d *discovery.Discovery, path string, stdout io.Writer) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if path == "" {
		_, err = stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// =============================================================================
// substitute
// =============================================================================

func (c *cli) newSubstituteCmd() *cobra.Command {
	var discoveryPath string

	cmd := &cobra.Command{
		Use:   "substitute TEMPLATE...",
		Short: "Expand $(service) and $(service:port) placeholders from a discovery file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(discoveryPath)
			if err != nil {
				return &CommandError{Op: "read discovery", Err: err, ExitCode: ExitConfigError}
			}

			var d discovery.Discovery
			if err := json.Unmarshal(data, &d); err != nil {
				return &CommandError{Op: "parse discovery", Err: err, ExitCode: ExitConfigError}
			}

			for _, template := range args {
				fmt.Fprintln(cmd.OutOrStdout(), d.Substitute(template))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&discoveryPath, "discovery", "discovery.json", "Discovery file written by up")
	return cmd
}

// =============================================================================
// version
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "testcompose %s (built %s)\n", Version, BuildTime)
		},
	}
}
