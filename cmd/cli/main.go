package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	config "github.com/cochaviz/accelhost/config"
	"github.com/cochaviz/accelhost/internal/configuration"
	"github.com/cochaviz/accelhost/internal/logging"
	"github.com/cochaviz/accelhost/internal/params"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	app := &cli{
		v:        configuration.New(),
		levelVar: &levelVar,
		logger:   logging.NewCLI(os.Stderr, &levelVar),
	}
	slog.SetDefault(app.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(app)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			app.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		app.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// cli carries what the root command resolves before a subcommand runs.
type cli struct {
	v        *viper.Viper
	levelVar *slog.LevelVar
	logger   *slog.Logger
	cfg      configuration.Config
}

func newRootCommand(app *cli) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "accelhost",
		Short:         "Provision hosts for FPGA accelerators and drive their configure/process/stop API",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Configuration file (default ./accelhost.yaml or ~/.config/accelhost/accelhost.yaml)")
	flags.String("log-level", "info", "Set log verbosity (debug, info, warning, error)")
	flags.String("log-format", "cli", "Log format (cli, json)")
	flags.String("provider", "", "Host provider (libvirt, memory)")
	flags.String("instance-id", "", "Attach to an existing instance")
	flags.String("endpoint", "", "Attach to an accelerator at this URL")
	bindFlag(app.v, "log.level", flags.Lookup("log-level"))
	bindFlag(app.v, "log.format", flags.Lookup("log-format"))
	bindFlag(app.v, "host.provider", flags.Lookup("provider"))
	bindFlag(app.v, "host.instance_id", flags.Lookup("instance-id"))
	bindFlag(app.v, "host.endpoint", flags.Lookup("endpoint"))

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations["skip-config"] == "true" {
			return nil
		}
		cfg, err := configuration.Load(app.v, configPath)
		if err != nil {
			return err
		}
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return err
		}
		app.levelVar.Set(level)
		if cfg.Log.Format == "json" {
			app.logger = logging.NewJSON(os.Stderr, app.levelVar)
			slog.SetDefault(app.logger)
		}
		app.cfg = cfg
		if cfg.File != "" {
			app.logger.Debug("configuration loaded", "file", cfg.File)
		}
		return nil
	}

	root.AddCommand(
		newStartCommand(app),
		newProcessCommand(app),
		newStopCommand(app),
		newListCommand(app),
		newBatchCommand(app),
		newEmulatorCommand(app),
		newConfigCommand(app),
	)
	return root
}

func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

func newStartCommand(app *cli) *cobra.Command {
	var datafile string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Provision or attach a host and configure its accelerator",
		Long: "Provision or attach a host and configure its accelerator. The host keeps running " +
			"after the command returns; pass the printed instance id to later commands.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := app.logger.With("command", "start")
			started, err := config.Start(cmd.Context(), app.cfg, datafile, cmdLogger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "instance_id: %s\n", started.Host.InstanceID)
			fmt.Fprintf(out, "endpoint: %s\n", started.Host.EndpointURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&datafile, "datafile", "", "File uploaded with the configuration request")
	return cmd
}

func newProcessCommand(app *cli) *cobra.Command {
	var (
		opts      config.ProcessOptions
		rawParams string
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one process request and write its result file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := app.logger.With("command", "process")
			overrides, err := parseParameters(rawParams)
			if err != nil {
				return err
			}
			opts.Parameters = overrides
			result, err := config.Process(cmd.Context(), app.cfg, opts, cmdLogger)
			if err != nil {
				return err
			}
			return printTree(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&opts.In, "in", "", "Input file")
	cmd.Flags().StringVar(&opts.Out, "out", "", "Result file")
	cmd.Flags().StringVar(&opts.Datafile, "datafile", "", "Configure with this file before processing")
	cmd.Flags().StringVar(&rawParams, "parameters", "", "Parameter overrides as a JSON literal or file")
	return cmd
}

func newStopCommand(app *cli) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the accelerator and its host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := app.logger.With("command", "stop")
			result, err := config.Stop(cmd.Context(), app.cfg, mode, cmdLogger)
			if err != nil {
				return err
			}
			if result != nil {
				return printTree(cmd.OutOrStdout(), result)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Stop mode (term, stop, keep); defaults to host.stop_mode or term")
	return cmd
}

func newListCommand(app *cli) *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances of the configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := app.logger.With("command", "list")
			descriptors, err := config.List(cmd.Context(), app.cfg, prefix, cmdLogger)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tNAME\tSTATUS\tPUBLIC\tPRIVATE")
			for _, d := range descriptors {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.InstanceID, d.Name, d.Status, d.PublicAddr, d.PrivateAddr)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Instance name prefix")
	return cmd
}

func newBatchCommand(app *cli) *cobra.Command {
	var (
		opts      config.BatchOptions
		rawParams string
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Process many files over a pool of accelerators",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := app.logger.With("command", "batch")
			overrides, err := parseParameters(rawParams)
			if err != nil {
				return err
			}
			opts.Parameters = overrides
			report, err := config.Batch(cmd.Context(), app.cfg, opts, cmdLogger)
			if err != nil {
				return err
			}
			for _, result := range report.Results {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", result.Index, jobName(opts, result.Index))
			}
			return report.Err()
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&opts.In, "in", nil, "Input files")
	flags.StringSliceVar(&opts.Out, "out", nil, "Result files, one per input")
	flags.StringVar(&opts.Datafile, "datafile", "", "File uploaded with the configuration request")
	flags.StringVar(&rawParams, "parameters", "", "Parameter overrides as a JSON literal or file")
	flags.DurationVar(&opts.Timeout, "timeout", 0, "Bound for the whole batch, zero waits forever")
	flags.BoolVar(&opts.Unordered, "unordered", false, "Report results as they complete")
	flags.Int("workers", 1, "Number of accelerators")
	bindFlag(app.v, "pool.workers", flags.Lookup("workers"))
	return cmd
}

func jobName(opts config.BatchOptions, index int) string {
	switch {
	case index < len(opts.Out):
		return opts.Out[index]
	case index < len(opts.In):
		return opts.In[index]
	default:
		return ""
	}
}

func newEmulatorCommand(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emulator",
		Short: "Local stand-in for the accelerator web service",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the accelerator API and Prometheus metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := app.logger.With("command", "emulator.serve")
			err := config.ServeEmulator(cmd.Context(), app.cfg, cmdLogger)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	serve.Flags().String("addr", "", "Listen address")
	serve.Flags().Float64("rate-limit", 0, "Requests per second, zero disables limiting")
	bindFlag(app.v, "emulator.addr", serve.Flags().Lookup("addr"))
	bindFlag(app.v, "emulator.rate_limit", serve.Flags().Lookup("rate-limit"))

	cmd.AddCommand(serve)
	return cmd
}

func newConfigCommand(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and initialize the configuration",
	}

	var output string
	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write the default configuration",
		Annotations: map[string]string{"skip-config": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" || output == "-" {
				return configuration.WriteDefault(cmd.OutOrStdout())
			}
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("%s already exists", output)
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create %s: %w", output, err)
			}
			if err := configuration.WriteDefault(f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			app.logger.Info("configuration written", "file", output)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", "", "Destination file, stdout when empty")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			file := app.cfg.File
			if file == "" {
				file = "(defaults and environment)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", file)
			return nil
		},
	}

	cmd.AddCommand(initCmd, validate)
	return cmd
}

// parseParameters reads per-call overrides from a JSON literal or file.
func parseParameters(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	tree, err := params.Load(raw)
	if err != nil {
		return nil, err
	}
	return tree, nil
}

func printTree(w io.Writer, tree params.Tree) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(tree)
}
