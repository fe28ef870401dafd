package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"govsido/host/config"
	"govsido/host/logging"
	"govsido/host/vsido"
	"govsido/protocol"
)

var (
	// Global flags
	cfgFile     string
	deviceFlag  string
	baudFlag    int
	driverFlag  string
	logLevel    string
	metricsAddr string

	// Shared state set during PersistentPreRun
	cfg           config.Config
	logger        = zerolog.Nop()
	logCloser     io.Closer
	metricsServer *http.Server
)

// rootCmd is the base command for vsido-host.
var rootCmd = &cobra.Command{
	Use:   "vsido-host",
	Short: "Drive a V-Sido CONNECT board over a serial port",
	Long: `vsido-host talks to a V-Sido CONNECT robot controller. It sends servo,
IO, IK and walk commands, reads back board state, watches raw traffic and can
emulate a board for testing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgFile != "" {
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return err
			}
		} else {
			cfg = config.Default()
		}

		// Override config with flags
		flags := cmd.Flags()
		if flags.Changed("device") {
			cfg.Serial.Device = deviceFlag
		}
		if flags.Changed("baud") {
			cfg.Serial.Baud = baudFlag
		}
		if flags.Changed("driver") {
			cfg.Serial.Driver = driverFlag
		}
		if flags.Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if flags.Changed("metrics-addr") {
			cfg.Metrics.Addr = metricsAddr
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, logCloser, err = logging.New(cfg.Log, cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		if cfg.Metrics.Addr != "" {
			startMetrics(cfg.Metrics.Addr)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return shutdown()
	},
}

func startMetrics(addr string) {
	protocol.RegisterMetrics(nil)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func(srv *http.Server) {
		logger.Info().Str("addr", addr).Msg("metrics exporter listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics exporter stopped")
		}
	}(metricsServer)
}

func shutdown() error {
	if metricsServer != nil {
		_ = metricsServer.Close()
		metricsServer = nil
	}
	if logCloser != nil {
		err := logCloser.Close()
		logCloser = nil
		return err
	}
	return nil
}

// clientConfig builds the connection settings, letting adjust tweak the
// options before the connection is made
func clientConfig(adjust func(*vsido.Options)) (vsido.Config, error) {
	clientCfg, err := cfg.ClientConfig()
	if err != nil {
		return vsido.Config{}, err
	}
	clientCfg.Logger = &logger
	if adjust != nil {
		adjust(&clientCfg.Options)
	}
	return clientCfg, nil
}

func connect(cmd *cobra.Command, adjust func(*vsido.Options)) (*vsido.Client, error) {
	clientCfg, err := clientConfig(adjust)
	if err != nil {
		return nil, err
	}
	client, err := vsido.Connect(cmd.Context(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", clientCfg.Serial.Device, err)
	}
	version, _ := client.FirmwareVersion()
	logger.Info().
		Str("device", clientCfg.Serial.Device).
		Str("conn", client.Transport().ID()).
		Uint8("firmware", version).
		Msg("connected")
	return client, nil
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "TOML config file (defaults are used when empty)")
	rootCmd.PersistentFlags().StringVar(&deviceFlag, "device", "", "serial device path (default \"/dev/ttyUSB0\")")
	rootCmd.PersistentFlags().IntVar(&baudFlag, "baud", 0, "baud rate (default 115200)")
	rootCmd.PersistentFlags().StringVar(&driverFlag, "driver", "", "serial driver: tarm or bugst (default \"tarm\")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9105")
}
