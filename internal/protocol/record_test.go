package protocol

import (
	"errors"
	"net"
	"testing"

	"github.com/miekg/dns"
)

func TestDecodeServiceRecords(t *testing.T) {
	tests := []struct {
		name    string
		record  ServiceRecord
		wantErr bool
		verify  func(t *testing.T, rec ServiceRecord)
	}{
		{
			name: "control service",
			record: ServiceRecord{
				Service:  ServiceControl,
				Instance: "AVIO-USB",
				Identity: "AVIO-USB",
				Port:     4440,
				Addrs:    []net.IP{net.ParseIP("192.168.1.20")},
				Fields:   map[string]string{"router_vers": "4.4.1.3", "router_info": "Brooklyn_II"},
				TTL:      120,
			},
			verify: func(t *testing.T, rec ServiceRecord) {
				if rec.Identity != "AVIO-USB" {
					t.Errorf("identity = %q, want AVIO-USB", rec.Identity)
				}
				if rec.Port != 4440 {
					t.Errorf("port = %d, want 4440", rec.Port)
				}
				if len(rec.Addrs) != 1 || !rec.Addrs[0].Equal(net.ParseIP("192.168.1.20")) {
					t.Errorf("addrs = %v", rec.Addrs)
				}
				if rec.Fields["router_vers"] != "4.4.1.3" {
					t.Errorf("router_vers = %q", rec.Fields["router_vers"])
				}
				if !rec.Resolved || rec.Goodbye() {
					t.Errorf("resolved = %v, goodbye = %v", rec.Resolved, rec.Goodbye())
				}
			},
		},
		{
			name: "channel service with spaces and at sign",
			record: ServiceRecord{
				Service:  ServiceChannel,
				Instance: "Out 1@Stage Box",
				Port:     4455,
				Fields:   map[string]string{"id": "1", "rate": "48000", "en": "24", "latency_ns": "1000000", "txtvers": "2", "vendor_x": "kept"},
				TTL:      120,
			},
			verify: func(t *testing.T, rec ServiceRecord) {
				if rec.Identity != "Stage Box" || rec.Channel != "Out 1" {
					t.Errorf("identity/channel = %q/%q", rec.Identity, rec.Channel)
				}
				if !rec.HasChannelID || rec.ChannelID != 1 {
					t.Errorf("channel id = %d (%v), want 1", rec.ChannelID, rec.HasChannelID)
				}
				if rec.Fields["vendor_x"] != "kept" {
					t.Error("unknown TXT key was dropped")
				}
			},
		},
		{
			name: "goodbye",
			record: ServiceRecord{
				Service:  ServiceData,
				Instance: "AVIO-USB",
				Fields:   map[string]string{"mf": "Audinate", "model": "DAI2"},
				TTL:      0,
			},
			verify: func(t *testing.T, rec ServiceRecord) {
				if !rec.Goodbye() {
					t.Error("TTL 0 record is not a goodbye")
				}
			},
		},
		{
			name: "unsupported txtvers",
			record: ServiceRecord{
				Service:  ServiceChannel,
				Instance: "01@AVIO",
				Fields:   map[string]string{"txtvers": "9"},
				TTL:      120,
			},
			wantErr: true,
		},
		{
			name: "non-numeric channel id",
			record: ServiceRecord{
				Service:  ServiceChannel,
				Instance: "01@AVIO",
				Fields:   map[string]string{"id": "one"},
				TTL:      120,
			},
			wantErr: true,
		},
		{
			name: "channel instance without device",
			record: ServiceRecord{
				Service:  ServiceChannel,
				Instance: "01",
				TTL:      120,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packet, err := EncodeAnnouncement(tt.record)
			if err != nil {
				t.Fatalf("EncodeAnnouncement() error: %v", err)
			}
			recs, err := DecodeServiceRecords(packet)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedRecord) {
					t.Errorf("DecodeServiceRecords() error = %v, want ErrMalformedRecord", err)
				}
				if len(recs) != 0 {
					t.Errorf("got %d records, want none", len(recs))
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeServiceRecords() error: %v", err)
			}
			if len(recs) != 1 {
				t.Fatalf("got %d records, want 1", len(recs))
			}
			if recs[0].Service != tt.record.Service {
				t.Errorf("service = %s, want %s", recs[0].Service, tt.record.Service)
			}
			tt.verify(t, recs[0])
		})
	}
}

func TestDecodeServiceRecordsMixedPacket(t *testing.T) {
	name := "01@AVIO._netaudio-chan._udp.local."
	msg := new(dns.Msg)
	msg.Response = true
	msg.Answer = []dns.RR{
		&dns.PTR{Hdr: dns.RR_Header{Name: "_netaudio-chan._udp.local.", Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 120}, Ptr: EscapeLabel("01@AVIO") + "._netaudio-chan._udp.local."},
		&dns.PTR{Hdr: dns.RR_Header{Name: "_netaudio-chan._udp.local.", Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 120}, Ptr: EscapeLabel("bad") + "._netaudio-chan._udp.local."},
		&dns.PTR{Hdr: dns.RR_Header{Name: "_http._tcp.local.", Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 120}, Ptr: "printer._http._tcp.local."},
	}
	packet, err := msg.Pack()
	if err != nil {
		t.Fatalf("Pack() error: %v", err)
	}

	recs, err := DecodeServiceRecords(packet)
	if !errors.Is(err, ErrMalformedRecord) {
		t.Errorf("error = %v, want ErrMalformedRecord for the bad instance", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Resolved {
		t.Error("PTR-only record reported as resolved")
	}
	if recs[0].InstanceName() != EscapeLabel("01@AVIO")+"._netaudio-chan._udp.local." {
		t.Errorf("instance name = %q, unescaped %q", recs[0].InstanceName(), name)
	}
}

func TestDecodeServiceRecordsIgnoresQueries(t *testing.T) {
	packet, err := EncodeQuery()
	if err != nil {
		t.Fatalf("EncodeQuery() error: %v", err)
	}
	recs, err := DecodeServiceRecords(packet)
	if err != nil || len(recs) != 0 {
		t.Errorf("DecodeServiceRecords(query) = %d records, %v", len(recs), err)
	}

	var msg dns.Msg
	if err := msg.Unpack(packet); err != nil {
		t.Fatalf("Unpack() error: %v", err)
	}
	if len(msg.Question) != len(ServiceTypes) {
		t.Errorf("query has %d questions, want %d", len(msg.Question), len(ServiceTypes))
	}
}

func TestDecodeServiceRecordsTruncated(t *testing.T) {
	packet, err := EncodeAnnouncement(ServiceRecord{Service: ServiceControl, Instance: "AVIO", Port: 4440, TTL: 120})
	if err != nil {
		t.Fatalf("EncodeAnnouncement() error: %v", err)
	}
	if _, err := DecodeServiceRecords(packet[:len(packet)/2]); !errors.Is(err, ErrMalformedRecord) {
		t.Errorf("truncated packet error = %v, want ErrMalformedRecord", err)
	}
}

func TestEscapeLabelRoundTrip(t *testing.T) {
	for _, label := range []string{"plain", "with space", "a.b@c", `back\slash`, "tab\there"} {
		got, rest, ok := splitFirstLabel(EscapeLabel(label) + ".local.")
		if !ok || got != label || rest != "local." {
			t.Errorf("splitFirstLabel(EscapeLabel(%q)) = %q, %q, %v", label, got, rest, ok)
		}
	}
}

func TestParseServiceType(t *testing.T) {
	tests := []struct {
		in   string
		want ServiceType
	}{
		{in: "arc", want: ServiceControl},
		{in: "_netaudio-chan._udp", want: ServiceChannel},
		{in: "_netaudio-cmc._udp.local.", want: ServiceData},
		{in: "DBC", want: ServiceBroadcast},
	}
	for _, tt := range tests {
		got, err := ParseServiceType(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseServiceType(%q) = %s, %v, want %s", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseServiceType("_http._tcp"); err == nil {
		t.Error("ParseServiceType(_http._tcp) succeeded")
	}
}
