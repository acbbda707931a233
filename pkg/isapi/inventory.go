package isapi

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// ISAPI resources used by discovery and the event stream
const (
	DeviceInfoPath         = "/ISAPI/System/deviceInfo"
	VideoInputChannelsPath = "/ISAPI/System/Video/inputs/channels"
	InputProxyChannelsPath = "/ISAPI/ContentMgmt/InputProxy/channels"
	StreamingProxyChannels = "/ISAPI/ContentMgmt/StreamingProxy/channels"
	AlertStreamPath        = "/ISAPI/Event/notification/alertStream"
)

const (
	noVideo                 = "NO VIDEO"
	videoInputChannelList   = "VideoInputChannelList"
	videoInputChannel       = "VideoInputChannel"
	inputProxyChannelList   = "InputProxyChannelList"
	inputProxyChannel       = "InputProxyChannel"
	streamingChannelElement = "StreamingChannel"
)

// Channel source models
const (
	SourceVideoInput = videoInputChannel
	SourceInputProxy = inputProxyChannel
)

// DeviceInfo is the typed view of /ISAPI/System/deviceInfo
type DeviceInfo struct {
	DeviceName           string `mapstructure:"deviceName" json:"deviceName"`
	DeviceID             string `mapstructure:"deviceID" json:"deviceID"`
	Model                string `mapstructure:"model" json:"model"`
	SerialNumber         string `mapstructure:"serialNumber" json:"serialNumber"`
	MACAddress           string `mapstructure:"macAddress" json:"macAddress"`
	FirmwareVersion      string `mapstructure:"firmwareVersion" json:"firmwareVersion"`
	FirmwareReleasedDate string `mapstructure:"firmwareReleasedDate" json:"firmwareReleasedDate,omitempty"`
	DeviceType           string `mapstructure:"deviceType" json:"deviceType,omitempty"`
}

// Capabilities is the subset of a streaming channel's capabilities the bridge
// publishes
type Capabilities struct {
	AudioEnabled bool    `json:"audioEnabled"`
	MaxWidth     int     `json:"maxWidth,omitempty"`
	MaxHeight    int     `json:"maxHeight,omitempty"`
	MaxFrameRate float64 `json:"maxFrameRate,omitempty"` // frames per second
	MaxBitrate   int     `json:"maxBitrate,omitempty"`   // kbps
}

// ChannelDescriptor describes one online video channel. Descriptors are built
// fresh on every discovery call; only ID is stable across calls.
type ChannelDescriptor struct {
	ID           string       `mapstructure:"id" json:"id"`
	Name         string       `mapstructure:"name" json:"name"`
	ResDesc      string       `mapstructure:"resDesc" json:"resDesc,omitempty"`
	Online       bool         `mapstructure:"-" json:"online"`
	SourceModel  string       `mapstructure:"-" json:"sourceModel"`
	Doorbell     bool         `mapstructure:"-" json:"doorbell,omitempty"`
	Capabilities Capabilities `mapstructure:"-" json:"capabilities"`
}

// capabilityDocument mirrors the parts of StreamingChannel capabilities we read
type capabilityDocument struct {
	Video struct {
		Width        int `mapstructure:"videoResolutionWidth"`
		Height       int `mapstructure:"videoResolutionHeight"`
		MaxFrameRate int `mapstructure:"maxFrameRate"`
		VBRUpperCap  any `mapstructure:"vbrUpperCap"`
		ConstantRate any `mapstructure:"constantBitRate"`
	} `mapstructure:"Video"`
	Audio struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"Audio"`
}

// GetSystemInfo reads the device identity
func (c *Client) GetSystemInfo(ctx context.Context) (DeviceInfo, error) {
	doc, err := c.Fetch(ctx, DeviceInfoPath)
	if err != nil {
		return DeviceInfo{}, err
	}

	body, ok := doc.Sub("DeviceInfo")
	if !ok {
		return DeviceInfo{}, fmt.Errorf("%w: %s returned %q, want DeviceInfo", ErrProtocol, DeviceInfoPath, doc.Root())
	}

	var info DeviceInfo
	if err := decodeInto(map[string]any(body), &info); err != nil {
		return DeviceInfo{}, err
	}
	return info, nil
}

// GetCameras lists the online channels with their capabilities. NVRs expose
// analog and IP inputs under /System/Video/inputs; hybrid and IP-only models
// only under /ContentMgmt/InputProxy. Channels reporting "NO VIDEO" are
// offline and never returned.
func (c *Client) GetCameras(ctx context.Context) ([]ChannelDescriptor, error) {
	doc, err := c.Fetch(ctx, VideoInputChannelsPath)
	if err != nil {
		return nil, err
	}

	source := SourceVideoInput
	entries := doc.List(videoInputChannelList + "." + videoInputChannel)
	if !doc.Has(videoInputChannelList) {
		c.logger.Debug("Channel list root absent, trying input proxy", "root", doc.Root())

		doc, err = c.Fetch(ctx, InputProxyChannelsPath)
		if err != nil {
			return nil, err
		}
		if !doc.Has(inputProxyChannelList) {
			return nil, fmt.Errorf("%w: %s returned %q, want %s", ErrProtocol, InputProxyChannelsPath, doc.Root(), inputProxyChannelList)
		}
		source = SourceInputProxy
		entries = doc.List(inputProxyChannelList + "." + inputProxyChannel)
	}

	channels := make([]ChannelDescriptor, 0, len(entries))
	for _, entry := range entries {
		var ch ChannelDescriptor
		if err := decodeInto(entry, &ch); err != nil {
			return nil, err
		}
		ch.SourceModel = source
		ch.Online = ch.ResDesc != noVideo
		if !ch.Online {
			c.logger.Debug("Skipping offline channel", "channel", ch.ID, "name", ch.Name)
			continue
		}

		ch.Capabilities, err = c.GetCapabilities(ctx, ch.ID)
		if err != nil {
			return nil, fmt.Errorf("channel %s capabilities: %w", ch.ID, err)
		}
		channels = append(channels, ch)
	}

	return channels, nil
}

// GetCapabilities reads the main stream capabilities of a channel
func (c *Client) GetCapabilities(ctx context.Context, channelID string) (Capabilities, error) {
	doc, err := c.Fetch(ctx, CapabilitiesPath(channelID))
	if err != nil {
		return Capabilities{}, err
	}

	body, ok := doc.Sub(streamingChannelElement)
	if !ok {
		return Capabilities{}, fmt.Errorf("%w: capabilities for channel %s returned %q", ErrProtocol, channelID, doc.Root())
	}

	var raw capabilityDocument
	if err := decodeInto(map[string]any(body), &raw); err != nil {
		return Capabilities{}, err
	}

	caps := Capabilities{
		AudioEnabled: raw.Audio.Enabled,
		MaxWidth:     raw.Video.Width,
		MaxHeight:    raw.Video.Height,
		MaxFrameRate: float64(raw.Video.MaxFrameRate) / 100,
		MaxBitrate:   upperBound(raw.Video.VBRUpperCap),
	}
	if caps.MaxBitrate == 0 {
		caps.MaxBitrate = upperBound(raw.Video.ConstantRate)
	}
	return caps, nil
}

// CapabilitiesPath is the main-stream capabilities resource of a channel.
// Stream ids are the channel id followed by the stream number.
func CapabilitiesPath(channelID string) string {
	return fmt.Sprintf("%s/%s01/capabilities", StreamingProxyChannels, channelID)
}

// upperBound reads a capability range. The device reports either a bare
// value or an element whose max attribute carries the limit.
func upperBound(v any) int {
	if fields, ok := asFields(v); ok {
		if limit, err := strconv.Atoi(strings.TrimSpace(textOf(fields["max"]))); err == nil {
			return limit
		}
	}
	n, err := strconv.Atoi(strings.TrimSpace(textOf(v)))
	if err != nil {
		return 0
	}
	return n
}
