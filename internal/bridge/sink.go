package bridge

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// Sink forwards bridge events to an external system
type Sink interface {
	Name() string
	PublishAlert(AlertEvent) error
	PublishInventory(InventoryChanged) error
	Close()
}

// Attach subscribes sink to the bus. Publish failures are logged and the
// event is skipped. The returned func unsubscribes.
func Attach(bus *Bus, sink Sink, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("sink", sink.Name())

	unsubAlerts := bus.SubscribeAlerts(func(ev AlertEvent) {
		if err := sink.PublishAlert(ev); err != nil {
			logger.Warn("Failed to publish alert", "eventType", ev.EventType, "channel", ev.Channel(), "error", err)
		}
	})
	unsubInventory := bus.SubscribeInventory(func(change InventoryChanged) {
		if err := sink.PublishInventory(change); err != nil {
			logger.Warn("Failed to publish inventory", "error", err)
		}
	})

	return func() {
		unsubAlerts()
		unsubInventory()
	}
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// topicSegment makes a value safe as one MQTT topic level or NATS token
func topicSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '.', '+', '#', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}
