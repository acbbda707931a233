package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/isapi-bridge/pkg/isapi"
)

func newEventsCmd(configFile *string) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream device alerts to stdout as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configFile)
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			client, err := newClient(cfg, log, nil)
			if err != nil {
				return err
			}
			monitor := newMonitor(cfg, client, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			var (
				mu        sync.Mutex
				delivered int
				writeErr  error
			)
			enc := json.NewEncoder(cmd.OutOrStdout())

			monitor.Start(ctx, func(ev isapi.Event) {
				mu.Lock()
				defer mu.Unlock()

				if count > 0 && delivered >= count {
					return
				}
				if err := enc.Encode(ev); err != nil {
					writeErr = err
					cancel()
					return
				}
				delivered++
				if count > 0 && delivered >= count {
					cancel()
				}
			})

			<-ctx.Done()
			monitor.Stop()

			mu.Lock()
			defer mu.Unlock()
			return writeErr
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many events (0 = run until interrupted)")
	return cmd
}
