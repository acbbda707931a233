package bridge

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/r3labs/diff"

	"github.com/isapi-bridge/pkg/isapi"
)

// InventoryChanged is published when a refresh finds a different inventory.
// Channels is the full current list; Added, Removed and Updated name channel
// ids.
type InventoryChanged struct {
	Device    isapi.DeviceInfo          `json:"device"`
	Channels  []isapi.ChannelDescriptor `json:"channels"`
	Initial   bool                      `json:"initial,omitempty"`
	Added     []string                  `json:"added,omitempty"`
	Removed   []string                  `json:"removed,omitempty"`
	Updated   []string                  `json:"updated,omitempty"`
	Changes   diff.Changelog            `json:"changes,omitempty"`
	Refreshed time.Time                 `json:"refreshed"`
}

type deviceRecord struct {
	Name     string `diff:"name"`
	Model    string `diff:"model"`
	Firmware string `diff:"firmware"`
}

type channelRecord struct {
	Name         string  `diff:"name"`
	ResDesc      string  `diff:"resDesc"`
	SourceModel  string  `diff:"sourceModel"`
	Doorbell     bool    `diff:"doorbell"`
	AudioEnabled bool    `diff:"audioEnabled"`
	MaxWidth     int     `diff:"maxWidth"`
	MaxHeight    int     `diff:"maxHeight"`
	MaxFrameRate float64 `diff:"maxFrameRate"`
	MaxBitrate   int     `diff:"maxBitrate"`
}

type inventoryRecord struct {
	Device   deviceRecord             `diff:"device"`
	Channels map[string]channelRecord `diff:"channels"`
}

func newInventoryRecord(info isapi.DeviceInfo, channels []isapi.ChannelDescriptor) inventoryRecord {
	rec := inventoryRecord{
		Device: deviceRecord{
			Name:     info.DeviceName,
			Model:    info.Model,
			Firmware: info.FirmwareVersion,
		},
		Channels: make(map[string]channelRecord, len(channels)),
	}
	for _, ch := range channels {
		rec.Channels[ch.ID] = channelRecord{
			Name:         ch.Name,
			ResDesc:      ch.ResDesc,
			SourceModel:  ch.SourceModel,
			Doorbell:     ch.Doorbell,
			AudioEnabled: ch.Capabilities.AudioEnabled,
			MaxWidth:     ch.Capabilities.MaxWidth,
			MaxHeight:    ch.Capabilities.MaxHeight,
			MaxFrameRate: ch.Capabilities.MaxFrameRate,
			MaxBitrate:   ch.Capabilities.MaxBitrate,
		}
	}
	return rec
}

// Inventory holds the last published device inventory
type Inventory struct {
	mu       sync.RWMutex
	device   isapi.DeviceInfo
	channels []isapi.ChannelDescriptor
	record   *inventoryRecord
}

// Snapshot returns the last applied inventory
func (inv *Inventory) Snapshot() (isapi.DeviceInfo, []isapi.ChannelDescriptor) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.device, append([]isapi.ChannelDescriptor(nil), inv.channels...)
}

// Apply replaces the inventory and reports what changed. changed is false
// when the new inventory is identical to the previous one.
func (inv *Inventory) Apply(info isapi.DeviceInfo, channels []isapi.ChannelDescriptor) (change InventoryChanged, changed bool, err error) {
	next := newInventoryRecord(info, channels)

	inv.mu.Lock()
	defer inv.mu.Unlock()

	change = InventoryChanged{
		Device:    info,
		Channels:  append([]isapi.ChannelDescriptor(nil), channels...),
		Refreshed: time.Now(),
	}

	if inv.record == nil {
		change.Initial = true
		for id := range next.Channels {
			change.Added = append(change.Added, id)
		}
		sort.Strings(change.Added)
	} else {
		changelog, err := diff.Diff(*inv.record, next)
		if err != nil {
			return InventoryChanged{}, false, fmt.Errorf("diffing inventory: %w", err)
		}
		if len(changelog) == 0 {
			return change, false, nil
		}
		change.Changes = changelog
		change.Added, change.Removed, change.Updated = classify(changelog, *inv.record, next)
	}

	inv.device = info
	inv.channels = change.Channels
	inv.record = &next
	return change, true, nil
}

// classify groups changelog entries by channel id
func classify(changelog diff.Changelog, prev, next inventoryRecord) (added, removed, updated []string) {
	seen := make(map[string]bool)
	for _, c := range changelog {
		if len(c.Path) < 2 || c.Path[0] != "channels" {
			continue
		}
		id := c.Path[1]
		if seen[id] {
			continue
		}
		seen[id] = true

		_, before := prev.Channels[id]
		_, after := next.Channels[id]
		switch {
		case !before && after:
			added = append(added, id)
		case before && !after:
			removed = append(removed, id)
		default:
			updated = append(updated, id)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(updated)
	return added, removed, updated
}

// MarkDoorbells flags channels whose name matches one of names, ignoring case.
// The descriptors are copied.
func MarkDoorbells(channels []isapi.ChannelDescriptor, names []string) []isapi.ChannelDescriptor {
	out := make([]isapi.ChannelDescriptor, len(channels))
	for i, ch := range channels {
		ch.Doorbell = false
		for _, name := range names {
			if strings.EqualFold(strings.TrimSpace(name), ch.Name) {
				ch.Doorbell = true
				break
			}
		}
		out[i] = ch
	}
	return out
}
