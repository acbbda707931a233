package bridge

import (
	"github.com/kelindar/event"

	"github.com/isapi-bridge/pkg/isapi"
)

// Event type constants for kelindar/event
const (
	TypeAlert uint32 = iota + 1
	TypeInventoryChanged
)

// AlertEvent carries one device alert onto the bus
type AlertEvent struct {
	isapi.Event
}

// Type implements event.Event
func (e AlertEvent) Type() uint32 { return TypeAlert }

// Type implements event.Event
func (e InventoryChanged) Type() uint32 { return TypeInventoryChanged }

// Bus fans bridge events out to subscribers. Each subscriber is served by its
// own goroutine, so a slow sink does not hold up the others.
type Bus struct {
	dispatcher *event.Dispatcher
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// PublishAlert publishes a device alert
func (b *Bus) PublishAlert(ev isapi.Event) {
	event.Publish(b.dispatcher, AlertEvent{Event: ev})
}

// PublishInventory publishes an inventory change
func (b *Bus) PublishInventory(change InventoryChanged) {
	event.Publish(b.dispatcher, change)
}

// SubscribeAlerts registers handler for alerts and returns its unsubscribe func
func (b *Bus) SubscribeAlerts(handler func(AlertEvent)) func() {
	return event.Subscribe(b.dispatcher, handler)
}

// SubscribeInventory registers handler for inventory changes
func (b *Bus) SubscribeInventory(handler func(InventoryChanged)) func() {
	return event.Subscribe(b.dispatcher, handler)
}
