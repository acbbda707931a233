// Package bridge connects an ISAPI device to external systems. It keeps the
// device inventory fresh, runs the alert monitor once the device has been
// reached and fans both out to sinks over an in-process bus.
package bridge

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/isapi-bridge/pkg/isapi"
)

// DefaultRefresh is the inventory refresh interval
const DefaultRefresh = 12 * time.Hour

// Bridge owns the refresh loop and the alert monitor for one device
type Bridge struct {
	client    *isapi.Client
	monitor   *isapi.Monitor
	bus       *Bus
	inventory Inventory

	refresh    time.Duration
	retryDelay time.Duration
	doorbells  []string
	logger     *slog.Logger
}

// Option configures a Bridge
type Option func(*Bridge)

// WithRefresh sets the inventory refresh interval
func WithRefresh(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.refresh = d
		}
	}
}

// WithRetryDelay sets how long to wait between attempts to reach the device
// at startup
func WithRetryDelay(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.retryDelay = d
		}
	}
}

// WithDoorbells names the channels published as doorbells
func WithDoorbells(names []string) Option {
	return func(b *Bridge) {
		b.doorbells = names
	}
}

// WithBus publishes onto an existing bus
func WithBus(bus *Bus) Option {
	return func(b *Bridge) {
		if bus != nil {
			b.bus = bus
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a bridge for client. monitor must stream through the same client.
func New(client *isapi.Client, monitor *isapi.Monitor, opts ...Option) *Bridge {
	b := &Bridge{
		client:     client,
		monitor:    monitor,
		bus:        NewBus(),
		refresh:    DefaultRefresh,
		retryDelay: isapi.DefaultLongDelay,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bus returns the bus events are published on
func (b *Bridge) Bus() *Bus {
	return b.bus
}

// Inventory returns the last published inventory
func (b *Bridge) Inventory() (isapi.DeviceInfo, []isapi.ChannelDescriptor) {
	return b.inventory.Snapshot()
}

// Refresh runs discovery and publishes the inventory when it changed
func (b *Bridge) Refresh(ctx context.Context) error {
	info, err := b.client.GetSystemInfo(ctx)
	if err != nil {
		return err
	}
	channels, err := b.client.GetCameras(ctx)
	if err != nil {
		return err
	}

	change, changed, err := b.inventory.Apply(info, MarkDoorbells(channels, b.doorbells))
	if err != nil {
		return err
	}
	if !changed {
		b.logger.Debug("Inventory unchanged", "channels", len(channels))
		return nil
	}

	b.logger.Info("Inventory updated",
		"device", info.DeviceName, "model", info.Model, "channels", len(channels),
		"added", change.Added, "removed", change.Removed, "updated", change.Updated)
	b.bus.PublishInventory(change)
	return nil
}

// Run reaches the device, starts the alert monitor and refreshes the
// inventory until ctx is cancelled. Alerts are not streamed before the first
// successful discovery.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		err := b.Refresh(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}

		b.logger.Warn("Device unreachable, retrying", "error", err, "delay", b.retryDelay)
		timer := time.NewTimer(b.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	b.monitor.Start(ctx, b.bus.PublishAlert)
	defer b.monitor.Stop()

	ticker := time.NewTicker(b.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.Refresh(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("Inventory refresh failed", "error", err)
			}
		}
	}
}
