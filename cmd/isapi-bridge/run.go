package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/isapi-bridge/internal/bridge"
	"github.com/isapi-bridge/internal/config"
	"github.com/isapi-bridge/pkg/isapi"
	"github.com/isapi-bridge/pkg/logger"
)

func newRunCmd(configFile *string) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge",
		Long: `Discovers the device inventory, streams its alerts and publishes both to the ` +
			`configured MQTT broker and NATS server. With --watch the bridge restarts when the config file changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configFile)
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			log.Info("Starting isapi-bridge", "device", cfg.Endpoint(), "config", *configFile)
			log.Debug(cfg.String())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics := isapi.NewMetrics(registry)

			if cfg.Metrics.Listen != "" {
				shutdown := serveMetrics(cfg.Metrics.Listen, registry, log)
				defer shutdown()
			}

			reloads := make(chan *config.Config, 1)
			if watch && *configFile != "" {
				watcher := config.NewWatcher(*configFile, func(path string) (*config.Config, error) {
					return config.Load(path, cmd.Flags())
				}, log.Module("config").Logger)
				watcher.OnReload(func(next *config.Config) {
					select {
					case reloads <- next:
					default:
						// a newer reload is already pending
						select {
						case <-reloads:
						default:
						}
						reloads <- next
					}
				})
				if err := watcher.Start(ctx); err != nil {
					return err
				}
				defer watcher.Stop()
			}

			for {
				runCtx, cancel := context.WithCancel(ctx)
				done := make(chan error, 1)
				go func(cfg *config.Config) { done <- runBridge(runCtx, cfg, log, metrics) }(cfg)

				select {
				case err := <-done:
					cancel()
					return err
				case next := <-reloads:
					cancel()
					if err := <-done; err != nil {
						return err
					}
					if level, err := logger.ParseLevel(next.Logging.Level); err == nil {
						log.SetLevel(level)
					}
					log.Info("Configuration changed, restarting bridge", "device", next.Endpoint())
					cfg = next
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Restart the bridge when the config file changes")
	return cmd
}

// runBridge runs one bridge generation until ctx is cancelled
func runBridge(ctx context.Context, cfg *config.Config, log *logger.Logger, metrics *isapi.Metrics) error {
	client, err := newClient(cfg, log, metrics)
	if err != nil {
		return err
	}
	monitor := newMonitor(cfg, client, log)

	b := bridge.New(client, monitor,
		bridge.WithRefresh(cfg.Bridge.Refresh.Std()),
		bridge.WithRetryDelay(cfg.Monitor.LongDelay.Std()),
		bridge.WithDoorbells(cfg.Bridge.Doorbells),
		bridge.WithLogger(log.Module("bridge").Logger),
	)

	sinks, err := dialSinks(cfg, log)
	if err != nil {
		return err
	}
	for _, sink := range sinks {
		unsubscribe := bridge.Attach(b.Bus(), sink, log.Module("sink").Logger)
		defer sink.Close()
		defer unsubscribe()
	}
	if len(sinks) == 0 {
		log.Warn("No MQTT broker or NATS server configured, events are only logged")
		b.Bus().SubscribeAlerts(func(ev bridge.AlertEvent) {
			log.Info("Alert", "eventType", ev.EventType, "state", ev.EventState, "channel", ev.Channel())
		})
	}

	return b.Run(ctx)
}

func dialSinks(cfg *config.Config, log *logger.Logger) ([]bridge.Sink, error) {
	var sinks []bridge.Sink

	if cfg.MQTT.Broker != "" {
		sink, err := bridge.DialMQTT(bridge.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Prefix:   cfg.MQTT.TopicPrefix,
		}, log.Module("mqtt").Logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	if cfg.NATS.URL != "" {
		sink, err := bridge.DialNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log.Module("nats").Logger)
		if err != nil {
			for _, s := range sinks {
				s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	return sinks, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, log *logger.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
