package isapi

import (
	"fmt"
	"time"
)

// EventRoot is the root element of every alertStream document
const EventRoot = "EventNotificationAlert"

// Event states reported by the device
const (
	EventStateActive   = "active"
	EventStateInactive = "inactive"
)

// Event is one normalized EventNotificationAlert. The core forwards it as-is
// and attaches no meaning to the event type.
type Event struct {
	// ID identifies this delivery; a redelivered alert gets a new ID
	ID string `mapstructure:"-" json:"id"`

	EventType        string `mapstructure:"eventType" json:"eventType"`
	EventState       string `mapstructure:"eventState" json:"eventState"`
	EventDescription string `mapstructure:"eventDescription" json:"eventDescription,omitempty"`
	ChannelID        string `mapstructure:"channelID" json:"channelID,omitempty"`
	DynChannelID     string `mapstructure:"dynChannelID" json:"dynChannelID,omitempty"`
	DateTime         string `mapstructure:"dateTime" json:"dateTime,omitempty"`
	IPAddress        string `mapstructure:"ipAddress" json:"ipAddress,omitempty"`
	MACAddress       string `mapstructure:"macAddress" json:"macAddress,omitempty"`
	ActivePostCount  int    `mapstructure:"activePostCount" json:"activePostCount,omitempty"`

	// Timestamp is DateTime parsed; nil when the device sent no usable time
	Timestamp *time.Time `mapstructure:"-" json:"timestamp,omitempty"`

	// Fields is the full decoded document
	Fields Map `mapstructure:"-" json:"fields,omitempty"`
}

// Active reports whether the event state is "active"
func (e Event) Active() bool {
	return e.EventState == EventStateActive
}

// Channel returns the channel identifier, falling back to the dynamic
// channel id used by some NVR firmwares.
func (e Event) Channel() string {
	if e.ChannelID != "" {
		return e.ChannelID
	}
	return e.DynChannelID
}

// NormalizeEvent builds an Event from a decoded alertStream document
func NormalizeEvent(doc Map) (Event, error) {
	body, ok := doc.Sub(EventRoot)
	if !ok {
		return Event{}, fmt.Errorf("%w: unexpected event root %q", ErrProtocol, doc.Root())
	}

	var ev Event
	if err := decodeInto(map[string]any(body), &ev); err != nil {
		return Event{}, err
	}
	if ev.EventType == "" {
		return Event{}, fmt.Errorf("%w: event without eventType", ErrProtocol)
	}

	if ts := parseEventTime(ev.DateTime); !ts.IsZero() {
		ev.Timestamp = &ts
	}
	ev.Fields = doc
	return ev, nil
}

var eventTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z0700",
}

func parseEventTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range eventTimeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
