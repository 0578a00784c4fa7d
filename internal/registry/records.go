package registry

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/muurk/netaudio/internal/protocol"
)

// ChannelRecord is one audio channel of a device.
type ChannelRecord struct {
	Index     uint16             `json:"index"`
	Name      string             `json:"name"`
	Direction protocol.Direction `json:"direction"`

	// Set on receive channels the device reported as subscribed.
	TxChannel string `json:"tx_channel,omitempty"`
	TxDevice  string `json:"tx_device,omitempty"`
}

// Address is a device's control endpoint.
type Address struct {
	IP   net.IP `json:"ip"`
	Port uint16 `json:"port"`
}

// String returns host:port.
func (a Address) String() string {
	if a.IP == nil {
		return ""
	}
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// Equal reports whether two addresses point at the same endpoint.
func (a Address) Equal(b Address) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// Capabilities are informational properties collected from announcements and
// channel queries.
type Capabilities struct {
	TxChannels    int               `json:"tx_channels"`
	RxChannels    int               `json:"rx_channels"`
	SampleRate    int               `json:"sample_rate,omitempty"`
	Encoding      int               `json:"encoding,omitempty"` // PCM bit depth
	LatencyNS     int64             `json:"latency_ns,omitempty"`
	Manufacturer  string            `json:"manufacturer,omitempty"`
	Model         string            `json:"model,omitempty"`
	RouterVersion string            `json:"router_version,omitempty"`
	RouterInfo    string            `json:"router_info,omitempty"`
	Firmware      protocol.Firmware `json:"-"`
}

// DeviceRecord is a point-in-time copy of a fully known device.
type DeviceRecord struct {
	Identity     string          `json:"identity"`
	DisplayName  string          `json:"display_name"`
	Address      Address         `json:"address"`
	Channels     []ChannelRecord `json:"channels"`
	LastSeen     time.Time       `json:"last_seen"`
	Capabilities Capabilities    `json:"capabilities"`
}

// Channel returns the channel with the given direction and index.
func (d DeviceRecord) Channel(dir protocol.Direction, index uint16) (ChannelRecord, bool) {
	for _, ch := range d.Channels {
		if ch.Direction == dir && ch.Index == index {
			return ch, true
		}
	}
	return ChannelRecord{}, false
}

// ChannelsFor returns the channels of one direction in index order.
func (d DeviceRecord) ChannelsFor(dir protocol.Direction) []ChannelRecord {
	var out []ChannelRecord
	for _, ch := range d.Channels {
		if ch.Direction == dir {
			out = append(out, ch)
		}
	}
	return out
}

// Description returns a one-line human-readable summary.
func (d DeviceRecord) Description() string {
	desc := d.DisplayName
	if model := strings.TrimSpace(d.Capabilities.Manufacturer + " " + d.Capabilities.Model); model != "" {
		desc += " (" + model + ")"
	}
	return fmt.Sprintf("%s at %s, %d tx / %d rx channels", desc, d.Address,
		d.Capabilities.TxChannels, d.Capabilities.RxChannels)
}

func (d DeviceRecord) clone() DeviceRecord {
	d.Channels = append([]ChannelRecord(nil), d.Channels...)
	d.Address.IP = append(net.IP(nil), d.Address.IP...)
	return d
}
