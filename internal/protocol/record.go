package protocol

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// ErrMalformedRecord reports an announcement record that cannot be used.
var ErrMalformedRecord = errors.New("malformed service record")

// ServiceType is one of the services a netaudio device advertises over mDNS.
type ServiceType int

const (
	ServiceUnknown   ServiceType = iota
	ServiceControl               // _netaudio-arc._udp: control endpoint
	ServiceChannel               // _netaudio-chan._udp: one transmit channel
	ServiceData                  // _netaudio-cmc._udp: device metadata
	ServiceBroadcast             // _netaudio-dbc._udp: informational only
)

// ServiceTypes lists every service type in query order.
var ServiceTypes = []ServiceType{ServiceControl, ServiceChannel, ServiceData, ServiceBroadcast}

const mdnsDomain = "local."

var serviceNames = map[ServiceType]string{
	ServiceControl:   "_netaudio-arc._udp",
	ServiceChannel:   "_netaudio-chan._udp",
	ServiceData:      "_netaudio-cmc._udp",
	ServiceBroadcast: "_netaudio-dbc._udp",
}

// Service returns the DNS-SD service name without domain, e.g. "_netaudio-arc._udp".
func (s ServiceType) Service() string {
	return serviceNames[s]
}

// Domain returns the fully qualified browse name, e.g. "_netaudio-arc._udp.local.".
func (s ServiceType) Domain() string {
	if name, ok := serviceNames[s]; ok {
		return name + "." + mdnsDomain
	}
	return ""
}

// String returns the short service name (arc, chan, cmc, dbc)
func (s ServiceType) String() string {
	switch s {
	case ServiceControl:
		return "arc"
	case ServiceChannel:
		return "chan"
	case ServiceData:
		return "cmc"
	case ServiceBroadcast:
		return "dbc"
	default:
		return "unknown"
	}
}

// ParseServiceType accepts a short name ("arc") or a service name with or
// without domain.
func ParseServiceType(s string) (ServiceType, error) {
	name := strings.ToLower(strings.TrimSuffix(strings.TrimSuffix(s, "."), ".local"))
	for _, t := range ServiceTypes {
		if name == t.String() || name == t.Service() {
			return t, nil
		}
	}
	return ServiceUnknown, fmt.Errorf("unknown service type %q", s)
}

func serviceFromDomain(name string) ServiceType {
	name = strings.ToLower(dns.Fqdn(name))
	for _, t := range ServiceTypes {
		if name == t.Domain() {
			return t
		}
	}
	return ServiceUnknown
}

// ServiceRecord is one advertised service instance assembled from the PTR,
// SRV, TXT and address records of a single mDNS packet.
type ServiceRecord struct {
	Service  ServiceType
	Instance string // Unescaped instance label
	Identity string // Device name
	Channel  string // Channel name, ServiceChannel only

	ChannelID    uint16 // From TXT "id", ServiceChannel only
	HasChannelID bool

	Host   string
	Port   uint16
	Addrs  []net.IP
	Fields map[string]string
	TTL    uint32

	// Resolved is false when the packet carried only a PTR for the instance.
	Resolved bool
}

// Goodbye reports whether the record withdraws the service.
func (r ServiceRecord) Goodbye() bool {
	return r.TTL == 0
}

// InstanceName returns the escaped, fully qualified instance name.
func (r ServiceRecord) InstanceName() string {
	return EscapeLabel(r.Instance) + "." + r.Service.Domain()
}

type partialRecord struct {
	service  ServiceType
	instance string
	ttl      uint32
	hasTTL   bool
	srv      *dns.SRV
	txt      *dns.TXT
}

// DecodeServiceRecords parses an mDNS response and returns one record per
// netaudio service instance it describes. Queries and packets without netaudio
// records return no records and no error.
//
// A packet that cannot be unpacked yields an error wrapping
// ErrMalformedRecord. Individual unusable records are skipped and reported
// through the joined error while the rest are still returned.
func DecodeServiceRecords(packet []byte) ([]ServiceRecord, error) {
	var msg dns.Msg
	if err := msg.Unpack(packet); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if !msg.Response {
		return nil, nil
	}

	rrs := make([]dns.RR, 0, len(msg.Answer)+len(msg.Ns)+len(msg.Extra))
	rrs = append(rrs, msg.Answer...)
	rrs = append(rrs, msg.Ns...)
	rrs = append(rrs, msg.Extra...)

	partials := make(map[string]*partialRecord)
	var order []string
	addrs := make(map[string][]net.IP)

	lookup := func(fqdn string) *partialRecord {
		key := strings.ToLower(fqdn)
		if p, ok := partials[key]; ok {
			return p
		}
		label, rest, ok := splitFirstLabel(fqdn)
		if !ok {
			return nil
		}
		service := serviceFromDomain(rest)
		if service == ServiceUnknown {
			return nil
		}
		p := &partialRecord{service: service, instance: label}
		partials[key] = p
		order = append(order, key)
		return p
	}

	for _, rr := range rrs {
		switch r := rr.(type) {
		case *dns.PTR:
			if serviceFromDomain(r.Hdr.Name) == ServiceUnknown {
				continue
			}
			if p := lookup(r.Ptr); p != nil {
				p.ttl, p.hasTTL = r.Hdr.Ttl, true
			}
		case *dns.SRV:
			if p := lookup(r.Hdr.Name); p != nil {
				p.srv = r
			}
		case *dns.TXT:
			if p := lookup(r.Hdr.Name); p != nil {
				p.txt = r
			}
		case *dns.A:
			host := strings.ToLower(r.Hdr.Name)
			addrs[host] = append(addrs[host], r.A)
		case *dns.AAAA:
			host := strings.ToLower(r.Hdr.Name)
			addrs[host] = append(addrs[host], r.AAAA)
		}
	}

	var records []ServiceRecord
	var errs []error
	for _, key := range order {
		rec, err := buildRecord(partials[key], addrs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}
	return records, errors.Join(errs...)
}

func buildRecord(p *partialRecord, addrs map[string][]net.IP) (ServiceRecord, error) {
	var txt []string
	ttl := p.ttl
	if p.txt != nil {
		txt = p.txt.Txt
		if !p.hasTTL && p.srv == nil {
			ttl = p.txt.Hdr.Ttl
		}
	}
	if p.srv != nil && !p.hasTTL {
		ttl = p.srv.Hdr.Ttl
	}

	rec, err := NewServiceRecord(p.service, p.instance, ttl, txt)
	if err != nil {
		return rec, err
	}
	if p.srv != nil {
		rec.Resolved = true
		rec.Host = p.srv.Target
		rec.Port = p.srv.Port
		rec.Addrs = addrs[strings.ToLower(p.srv.Target)]
	}
	return rec, nil
}

// NewServiceRecord assembles a record from an unescaped instance label and
// raw TXT strings, applying the same validation as DecodeServiceRecords.
// Host, Port, Addrs and Resolved are left for the caller.
func NewServiceRecord(service ServiceType, instance string, ttl uint32, txt []string) (ServiceRecord, error) {
	rec := ServiceRecord{
		Service:  service,
		Instance: instance,
		Identity: instance,
		Fields:   ParseTXT(txt),
		TTL:      ttl,
	}

	if service == ServiceChannel {
		at := strings.IndexByte(instance, '@')
		if at <= 0 || at == len(instance)-1 {
			return rec, fmt.Errorf("%w: channel instance %q is not <channel>@<device>", ErrMalformedRecord, instance)
		}
		rec.Channel, rec.Identity = instance[:at], instance[at+1:]
	}

	if v, ok := rec.Fields["txtvers"]; ok && v != "1" && v != "2" {
		return rec, fmt.Errorf("%w: %s %q has unsupported txtvers %q", ErrMalformedRecord, service, instance, v)
	}
	if v, ok := rec.Fields["id"]; ok && service == ServiceChannel {
		id, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return rec, fmt.Errorf("%w: channel %q has non-numeric id %q", ErrMalformedRecord, instance, v)
		}
		rec.ChannelID, rec.HasChannelID = uint16(id), true
	}
	return rec, nil
}

// ParseTXT turns DNS-SD TXT strings into a key/value map. Keys are
// case-insensitive and stored lower-case; a key without '=' maps to "".
func ParseTXT(txt []string) map[string]string {
	fields := make(map[string]string, len(txt))
	for _, s := range txt {
		if s == "" {
			continue
		}
		k, v, _ := strings.Cut(s, "=")
		k = strings.ToLower(k)
		if _, dup := fields[k]; dup {
			continue
		}
		fields[k] = v
	}
	return fields
}

// EncodeQuery builds a multicast PTR query for the given service types, or
// for every netaudio service when none are given.
func EncodeQuery(services ...ServiceType) ([]byte, error) {
	if len(services) == 0 {
		services = ServiceTypes
	}
	msg := new(dns.Msg)
	for _, s := range services {
		msg.Question = append(msg.Question, dns.Question{Name: s.Domain(), Qtype: dns.TypePTR, Qclass: dns.ClassINET})
	}
	return msg.Pack()
}

// EncodeInstanceQuery asks for the SRV and TXT records of one instance.
func EncodeInstanceQuery(rec ServiceRecord) ([]byte, error) {
	name := rec.InstanceName()
	msg := new(dns.Msg)
	msg.Question = []dns.Question{
		{Name: name, Qtype: dns.TypeSRV, Qclass: dns.ClassINET},
		{Name: name, Qtype: dns.TypeTXT, Qclass: dns.ClassINET},
	}
	return msg.Pack()
}

// EncodeAnnouncement builds an unsolicited mDNS response advertising rec.
// A TTL of zero produces a goodbye.
func EncodeAnnouncement(rec ServiceRecord) ([]byte, error) {
	if rec.Service == ServiceUnknown {
		return nil, fmt.Errorf("%w: unknown service type", ErrMalformedRecord)
	}
	name := rec.InstanceName()
	host := dns.Fqdn(rec.Host)
	if rec.Host == "" {
		id := rec.Identity
		if id == "" {
			id = rec.Instance[strings.IndexByte(rec.Instance, '@')+1:]
		}
		host = EscapeLabel(id) + "." + mdnsDomain
	}

	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true
	msg.Answer = append(msg.Answer, &dns.PTR{
		Hdr: dns.RR_Header{Name: rec.Service.Domain(), Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: rec.TTL},
		Ptr: name,
	})
	msg.Extra = append(msg.Extra, &dns.SRV{
		Hdr:    dns.RR_Header{Name: name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: rec.TTL},
		Port:   rec.Port,
		Target: host,
	})

	txt := make([]string, 0, len(rec.Fields))
	for k, v := range rec.Fields {
		txt = append(txt, k+"="+v)
	}
	if len(txt) == 0 {
		txt = append(txt, "")
	}
	msg.Extra = append(msg.Extra, &dns.TXT{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: rec.TTL},
		Txt: txt,
	})

	for _, ip := range rec.Addrs {
		if v4 := ip.To4(); v4 != nil {
			msg.Extra = append(msg.Extra, &dns.A{
				Hdr: dns.RR_Header{Name: host, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: rec.TTL},
				A:   v4,
			})
			continue
		}
		msg.Extra = append(msg.Extra, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: host, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: rec.TTL},
			AAAA: ip,
		})
	}
	return msg.Pack()
}

// splitFirstLabel splits an escaped domain name into its unescaped first
// label and the remaining name.
func splitFirstLabel(name string) (string, string, bool) {
	var sb strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '\\' && i+3 < len(name) && isDigit(name[i+1]) && isDigit(name[i+2]) && isDigit(name[i+3]):
			n := int(name[i+1]-'0')*100 + int(name[i+2]-'0')*10 + int(name[i+3]-'0')
			if n > 255 {
				return "", "", false
			}
			sb.WriteByte(byte(n))
			i += 3
		case c == '\\' && i+1 < len(name):
			sb.WriteByte(name[i+1])
			i++
		case c == '.':
			if sb.Len() == 0 {
				return "", "", false
			}
			return sb.String(), name[i+1:], true
		default:
			sb.WriteByte(c)
		}
	}
	return "", "", false
}

// UnescapeLabel reverses EscapeLabel. Input without escapes is returned as-is.
func UnescapeLabel(label string) string {
	if !strings.ContainsRune(label, '\\') {
		return label
	}
	out, _, ok := splitFirstLabel(label + ".")
	if !ok {
		return label
	}
	return out
}

// EscapeLabel escapes a single DNS label in presentation format.
func EscapeLabel(label string) string {
	var sb strings.Builder
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case strings.IndexByte(`.\()"; @`, c) >= 0:
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case c < 0x20 || c > 0x7e:
			fmt.Fprintf(&sb, "\\%03d", c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
