package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/isapi-bridge/internal/config"
	"github.com/isapi-bridge/pkg/isapi"
	"github.com/isapi-bridge/pkg/logger"
)

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "isapi-bridge",
		Short:         "Bridge an ISAPI video recorder to MQTT and NATS",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a TOML config file")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newRunCmd(&configFile),
		newInfoCmd(&configFile),
		newEventsCmd(&configFile),
	)
	return root
}

// loadConfig resolves the configuration for cmd with its flags on top
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	return config.Load(path, cmd.Flags())
}

func newLogger(cfg *config.Config) *logger.Logger {
	level, _ := logger.ParseLevel(cfg.Logging.Level)
	return logger.New(os.Stderr, level, cfg.Logging.Format)
}

func newClient(cfg *config.Config, log *logger.Logger, metrics *isapi.Metrics) (*isapi.Client, error) {
	return isapi.NewClient(cfg.Endpoint(), cfg.Credentials(),
		isapi.WithTimeout(cfg.Device.Timeout.Std()),
		isapi.WithLogger(log.Module("isapi").Logger),
		isapi.WithMetrics(metrics),
	)
}

func newMonitor(cfg *config.Config, client *isapi.Client, log *logger.Logger) *isapi.Monitor {
	return isapi.NewMonitor(client,
		isapi.WithPolicy(cfg.ReconnectPolicy()),
		isapi.WithQueueSize(cfg.Monitor.QueueSize),
		isapi.WithIdleTimeout(cfg.Monitor.IdleTimeout.Std()),
		isapi.WithMonitorLogger(log.Module("monitor").Logger),
	)
}
