package bridge

import (
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// natsPublisher is the part of *nats.Conn the sink uses
type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes alerts to {prefix}.events.{channel}.{eventType} and
// inventory changes to {prefix}.inventory
type NATSSink struct {
	conn   natsPublisher
	prefix string
	close  func()
}

// DialNATS connects to url. The connection reconnects forever; publishes
// while disconnected are buffered by the client.
func DialNATS(url, prefix string, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	conn, err := nats.Connect(url,
		nats.Name("isapi-bridge"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to NATS", "url", url)

	sink := NewNATSSink(conn, prefix)
	sink.close = func() { _ = conn.Drain() }
	return sink, nil
}

// NewNATSSink wraps an established connection
func NewNATSSink(conn natsPublisher, prefix string) *NATSSink {
	return &NATSSink{conn: conn, prefix: prefix}
}

// Name implements Sink
func (s *NATSSink) Name() string { return "nats" }

// PublishAlert implements Sink
func (s *NATSSink) PublishAlert(ev AlertEvent) error {
	data, err := encode(ev.Event)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.prefix+".events."+topicSegment(ev.Channel())+"."+topicSegment(ev.EventType), data)
}

// PublishInventory implements Sink
func (s *NATSSink) PublishInventory(change InventoryChanged) error {
	data, err := encode(change)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.prefix+".inventory", data)
}

// Close implements Sink
func (s *NATSSink) Close() {
	if s.close != nil {
		s.close()
	}
}
