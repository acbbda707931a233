package bridge

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isapi-bridge/pkg/isapi"
)

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeToken struct {
	mqtt.Token
	err error
}

func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }

type fakeMQTT struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeMQTT) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return fakeToken{err: f.err}
}

type fakeNATS struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: subject, payload: data})
	return nil
}

func (f *fakeNATS) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func testAlert() AlertEvent {
	return AlertEvent{Event: isapi.Event{
		ID:         "id-1",
		EventType:  "VMD",
		EventState: isapi.EventStateActive,
		ChannelID:  "3",
	}}
}

// TestMQTTSink tests topics, retention and payloads
func TestMQTTSink(t *testing.T) {
	client := &fakeMQTT{}
	sink := NewMQTTSink(client, "isapi")
	assert.Equal(t, "mqtt", sink.Name())

	require.NoError(t, sink.PublishAlert(testAlert()))
	require.NoError(t, sink.PublishInventory(InventoryChanged{Device: testDevice, Added: []string{"1"}}))

	require.Len(t, client.msgs, 2)
	assert.Equal(t, "isapi/events/3/VMD", client.msgs[0].topic)
	assert.False(t, client.msgs[0].retained)

	var ev isapi.Event
	require.NoError(t, json.Unmarshal(client.msgs[0].payload, &ev))
	assert.Equal(t, "VMD", ev.EventType)
	assert.True(t, ev.Active())

	assert.Equal(t, "isapi/inventory", client.msgs[1].topic)
	assert.True(t, client.msgs[1].retained)

	client.err = errors.New("not connected")
	assert.Error(t, sink.PublishAlert(testAlert()))
	sink.Close()
}

// TestNATSSink tests subjects and payloads
func TestNATSSink(t *testing.T) {
	conn := &fakeNATS{}
	sink := NewNATSSink(conn, "isapi")
	assert.Equal(t, "nats", sink.Name())

	alert := testAlert()
	alert.ChannelID = ""
	alert.EventType = "line detection"
	require.NoError(t, sink.PublishAlert(alert))
	require.NoError(t, sink.PublishInventory(InventoryChanged{Device: testDevice}))

	msgs := conn.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "isapi.events.unknown.line_detection", msgs[0].topic)
	assert.Equal(t, "isapi.inventory", msgs[1].topic)

	var change InventoryChanged
	require.NoError(t, json.Unmarshal(msgs[1].payload, &change))
	assert.Equal(t, "DS-7608NI-I2/8P", change.Device.Model)
	sink.Close()
}

// TestTopicSegment tests wildcard and separator replacement
func TestTopicSegment(t *testing.T) {
	tests := map[string]string{
		"VMD":       "VMD",
		"":          "unknown",
		"a/b":       "a_b",
		"a.b":       "a_b",
		"#+*>":      "____",
		" front  ":  "front",
		"door bell": "door_bell",
	}
	for in, expected := range tests {
		assert.Equal(t, expected, topicSegment(in), in)
	}
}

// TestAttach tests sinks receive bus events until unsubscribed
func TestAttach(t *testing.T) {
	bus := NewBus()
	conn := &fakeNATS{}
	unsubscribe := Attach(bus, NewNATSSink(conn, "isapi"), nil)

	bus.PublishAlert(testAlert().Event)
	bus.PublishInventory(InventoryChanged{Device: testDevice})

	require.Eventually(t, func() bool { return len(conn.messages()) == 2 }, time.Second, 10*time.Millisecond)

	unsubscribe()
	bus.PublishAlert(testAlert().Event)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, conn.messages(), 2)
}
