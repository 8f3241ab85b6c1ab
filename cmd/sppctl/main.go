// Command sppctl talks to a Bluetooth Classic serial (SPP) peer from the
// terminal: scan for devices, connect to one, or serve one incoming peer.
// Lines typed on stdin are sent to the peer; everything the peer sends is
// printed.
//
// Prerequisites on Linux: bluetoothd running, system D-Bus access, and a
// BlueZ agent for pairing (e.g. bluetoothctl in another terminal).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"btserial/internal/config"
	"btserial/internal/logging"
)

var (
	flagConfig   string
	flagAdapter  string
	flagLogLevel string
	flagTimeout  time.Duration
	flagYes      bool
	flagName     string
	flagOnce     bool
)

// app carries what every subcommand needs.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	console *console
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "sppctl",
		Short: "Bluetooth Classic serial (SPP) client and server",
		Long: `sppctl scans for Bluetooth Classic devices, connects to their Serial Port
Profile service, or publishes one itself. Once linked, stdin lines are sent to
the peer and received bytes are printed.

Configuration is read from ` + config.Path() + ` when present.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", config.Path(), "configuration file")
	pf.StringVar(&flagAdapter, "adapter", "", "Bluetooth adapter to use (default: first found)")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.DurationVar(&flagTimeout, "timeout", 0, "inquiry duration (default from config)")
	pf.BoolVarP(&flagYes, "yes", "y", false, "answer yes to every prompt, e.g. powering the adapter on")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby devices",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, _ []string) error { return withApp(cmd, runScan) },
	}
	connectCmd := &cobra.Command{
		Use:   "connect [address]",
		Short: "Connect to a device, choosing from a scan when no address is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				addr := ""
				if len(args) == 1 {
					addr = args[0]
				}
				return runConnect(ctx, a, addr)
			})
		},
	}
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Publish an SPP service and talk to whoever connects",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, _ []string) error { return withApp(cmd, runServe) },
	}
	serveCmd.Flags().StringVar(&flagName, "name", "", "service name (default from config)")
	serveCmd.Flags().BoolVar(&flagOnce, "once", false, "exit after the first peer disconnects")

	rootCmd.AddCommand(scanCmd, connectCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func withApp(cmd *cobra.Command, run func(context.Context, *app) error) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagAdapter != "" {
		cfg.Adapter = flagAdapter
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagTimeout > 0 {
		cfg.InquiryDuration = config.Duration(flagTimeout)
	}
	if cmd.Flags().Changed("name") {
		cfg.ServiceName = flagName
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, log: log, console: newConsole(os.Stdin, os.Stdout, flagYes)}
	if err := run(ctx, a); err != nil {
		fmt.Fprintln(os.Stderr, styleError.Render("error: "+err.Error()))
		return err
	}
	return nil
}
