package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isapi-bridge/pkg/isapi"
	"github.com/isapi-bridge/pkg/isapi/isapitest"
)

func deviceArgs(device *isapitest.Device) []string {
	return []string{
		"--host", strings.TrimPrefix(device.URL(), "http://"),
		"--username", "admin",
		"--password", "hik12345",
		"--log-level", "error",
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := root.ExecuteContext(ctx)
	return out.String(), err
}

// TestInfoCommand tests device and channel output
func TestInfoCommand(t *testing.T) {
	device := isapitest.New(t, "admin", "hik12345")
	device.SetDocument(isapi.DeviceInfoPath, isapitest.DeviceInfoXML)
	device.SetDocument(isapi.VideoInputChannelsPath, isapitest.VideoInputChannelsXML(
		isapitest.Channel{ID: "1", Name: "Front door", ResDesc: "1920*1080P"},
	))
	device.SetDocument(isapi.CapabilitiesPath("1"), isapitest.CapabilitiesXML("1", true))

	out, err := execute(t, append([]string{"info"}, deviceArgs(device)...)...)
	require.NoError(t, err)

	var parsed infoOutput
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, "DS-7608NI-I2/8P", parsed.Device.Model)
	require.Len(t, parsed.Channels, 1)
	assert.Equal(t, "Front door", parsed.Channels[0].Name)
}

// TestInfoCommandMissingHost tests config validation errors surface
func TestInfoCommandMissingHost(t *testing.T) {
	t.Setenv("ISAPI_BRIDGE_DEVICE_HOST", "")
	_, err := execute(t, "info", "--username", "admin")
	assert.Error(t, err)
}

// TestEventsCommand tests alerts are printed as JSON lines up to --count
func TestEventsCommand(t *testing.T) {
	device := isapitest.New(t, "admin", "hik12345")

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := execute(t, append([]string{"events", "--count", "2"}, deviceArgs(device)...)...)
		done <- result{out, err}
	}()

	stream := device.NextStream(t, 3*time.Second)
	require.NoError(t, stream.Send(isapitest.EventXML("VMD", "active", "1")))
	require.NoError(t, stream.Send(isapitest.EventXML("videoloss", "inactive", "2")))
	// extra events may race the shutdown; none of them may be printed
	_ = stream.Send(isapitest.EventXML("linedetection", "active", "3"))
	_ = stream.Send(isapitest.EventXML("shelteralarm", "active", "4"))

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("events command did not exit")
	}
	require.NoError(t, res.err)
	out := res.out

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)

	var ev isapi.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, "VMD", ev.EventType)
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ev))
	assert.Equal(t, "videoloss", ev.EventType)
}
