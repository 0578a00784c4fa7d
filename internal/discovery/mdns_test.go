package discovery

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/muurk/netaudio/internal/protocol"
)

func TestEntryToEvent(t *testing.T) {
	tests := []struct {
		name         string
		service      protocol.ServiceType
		entry        *zeroconf.ServiceEntry
		wantErr      bool
		wantIdentity string
		wantChannel  string
		wantIP       string
		wantPort     uint16
	}{
		{
			name:    "control service",
			service: protocol.ServiceControl,
			entry: &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "AVIO-USB"},
				HostName:      "AVIO-USB.local.",
				Port:          4440,
				TTL:           120,
				AddrIPv4:      []net.IP{net.ParseIP("192.168.1.20")},
				Text:          []string{"router_vers=4.4.1.3"},
			},
			wantIdentity: "AVIO-USB",
			wantIP:       "192.168.1.20",
			wantPort:     4440,
		},
		{
			name:    "escaped channel instance",
			service: protocol.ServiceChannel,
			entry: &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: `Out\ 1\@Stage\ Box`},
				Port:          4455,
				TTL:           120,
				AddrIPv6:      []net.IP{net.ParseIP("fe80::1")},
				Text:          []string{"id=1", "rate=48000"},
			},
			wantIdentity: "Stage Box",
			wantChannel:  "Out 1",
			wantIP:       "fe80::1",
			wantPort:     4455,
		},
		{
			name:    "channel without device",
			service: protocol.ServiceChannel,
			entry: &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "Out 1"},
				TTL:           120,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := entryToEvent(tt.service, tt.entry, time.Now())
			if tt.wantErr {
				if !errors.Is(err, protocol.ErrMalformedRecord) {
					t.Errorf("entryToEvent() error = %v, want ErrMalformedRecord", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("entryToEvent() error = %v", err)
			}
			if ev.Identity != tt.wantIdentity {
				t.Errorf("Identity = %q, want %q", ev.Identity, tt.wantIdentity)
			}
			if ev.Record.Channel != tt.wantChannel {
				t.Errorf("Channel = %q, want %q", ev.Record.Channel, tt.wantChannel)
			}
			if ip := ev.IP(); ip == nil || ip.String() != tt.wantIP {
				t.Errorf("IP() = %v, want %s", ip, tt.wantIP)
			}
			if ev.Record.Port != tt.wantPort {
				t.Errorf("Port = %d, want %d", ev.Record.Port, tt.wantPort)
			}
		})
	}
}

func TestNewScanner(t *testing.T) {
	scanner := NewScanner()
	if scanner.Timeout != DefaultScanTimeout {
		t.Errorf("scanner.Timeout = %v, want %v", scanner.Timeout, DefaultScanTimeout)
	}
}

func TestEventIPFallsBackToSource(t *testing.T) {
	ev := NewEvent(protocol.ServiceRecord{Service: protocol.ServiceData, Identity: "AVIO", TTL: 120},
		&net.UDPAddr{IP: net.ParseIP("10.0.0.7"), Port: 5353}, time.Now())
	if ip := ev.IP(); ip.String() != "10.0.0.7" {
		t.Errorf("IP() = %v, want 10.0.0.7", ip)
	}
}
