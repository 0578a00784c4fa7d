package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/netaudio"
	"github.com/muurk/netaudio/internal/config"
	"github.com/muurk/netaudio/internal/discovery"
	"github.com/muurk/netaudio/internal/protocol"
	"github.com/muurk/netaudio/internal/server"
	"github.com/muurk/netaudio/internal/ui"
)

// Command flags
var (
	discoverWait time.Duration
	browse       bool
	scanServices []string
	serveHost    string
	servePort    int
	certPath     string
	keyPath      string
)

func init() {
	rootCmd.PersistentFlags().DurationVar(&discoverWait, "timeout", 5*time.Second, "How long to wait for devices to be discovered")
	rootCmd.PersistentFlags().BoolVar(&browse, "browse", false, "Discover with a one-shot DNS-SD browse instead of the multicast listener")

	scanCmd.Flags().StringSliceVar(&scanServices, "service", nil, "Service to browse: arc, chan, cmc or dbc (repeatable, default all)")

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Address to listen on (default all interfaces)")
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&certPath, "cert", "", "TLS certificate file (serves HTTPS together with --key)")
	serveCmd.Flags().StringVar(&keyPath, "key", "", "TLS private key file")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(unsubscribeCmd)
	rootCmd.AddCommand(nicknameCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// report prints a failure box in table mode and returns errReported so main
// does not print it again.
func report(title string, err error) error {
	if outputFormat == "json" || errors.Is(err, context.Canceled) {
		return err
	}
	ui.NewPrinter(nil).PrintError(title, err)
	return errReported
}

func newManager() (*netaudio.Manager, error) {
	m, err := netaudio.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}
	return m, nil
}

func newScanner() *discovery.Scanner {
	s := discovery.NewScanner()
	s.Timeout = discoverWait
	s.Interfaces = cfg.Discovery.Interfaces
	return s
}

// discover fills the manager's registry. With names it returns as soon as
// all of them are known; otherwise it waits the whole --timeout.
func discover(ctx context.Context, m *netaudio.Manager, want ...string) error {
	if browse {
		return ui.RunWithProgress(ctx, "Browsing for devices", discoverWait, func(ctx context.Context) error {
			found, err := newScanner().Scan(ctx)
			if err != nil {
				return err
			}
			for _, ev := range found {
				m.Observe(ev)
			}
			return nil
		})
	}

	if err := m.StartDiscovery(ctx); err != nil {
		return err
	}
	return ui.RunWithProgress(ctx, "Listening for devices", discoverWait, func(ctx context.Context) error {
		return waitForDevices(ctx, m, want)
	})
}

func waitForDevices(ctx context.Context, m *netaudio.Manager, want []string) error {
	deadline := time.NewTimer(discoverWait)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if len(want) > 0 && allKnown(m, want) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-ticker.C:
		}
	}
}

func allKnown(m *netaudio.Manager, names []string) bool {
	for _, name := range names {
		if _, ok := m.FindDevice(name); !ok {
			return false
		}
	}
	return true
}

// scanCmd dumps raw service records
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Browse for netaudio service records",
	Long: `Browse for netaudio services with DNS-SD and print every service record
found, including TXT metadata. Unlike 'list', records are shown as
announced, before they are merged into devices.`,
	Example: `  # Browse all services for 5 seconds (default)
  netaudio-ctl scan

  # Only channel adverts, for 10 seconds
  netaudio-ctl scan --service chan --timeout 10s`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

// scanRecord is the JSON form of one scan result.
type scanRecord struct {
	Service  string            `json:"service"`
	Instance string            `json:"instance"`
	Identity string            `json:"identity"`
	Host     string            `json:"host,omitempty"`
	Address  string            `json:"address,omitempty"`
	TTL      uint32            `json:"ttl"`
	Fields   map[string]string `json:"fields,omitempty"`
}

func toScanRecord(ev discovery.AdvertisementEvent) scanRecord {
	rec := scanRecord{
		Service:  ev.Service.String(),
		Instance: ev.Record.Instance,
		Identity: ev.Identity,
		Host:     ev.Record.Host,
		TTL:      ev.Record.TTL,
		Fields:   ev.Fields,
	}
	if ip := ev.IP(); ip != nil {
		rec.Address = net.JoinHostPort(ip.String(), strconv.Itoa(int(ev.Record.Port)))
	}
	return rec
}

func formatFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + fields[k]
	}
	return strings.Join(parts, " ")
}

func runScan(cmd *cobra.Command, _ []string) error {
	services := make([]protocol.ServiceType, 0, len(scanServices))
	for _, name := range scanServices {
		svc, err := protocol.ParseServiceType(name)
		if err != nil {
			return err
		}
		services = append(services, svc)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	var found []discovery.AdvertisementEvent
	err := ui.RunWithProgress(ctx, "Browsing for netaudio services", discoverWait, func(ctx context.Context) error {
		var err error
		found, err = newScanner().Scan(ctx, services...)
		return err
	})
	if err != nil {
		return report("Scan failed", err)
	}

	records := make([]scanRecord, len(found))
	for i, ev := range found {
		records[i] = toScanRecord(ev)
	}
	if outputFormat == "json" {
		return printJSON(records)
	}

	if len(records) == 0 {
		fmt.Println("No netaudio services found.")
		fmt.Println("\nTroubleshooting:")
		fmt.Println("  - Check that this host is on the same network segment as the devices")
		fmt.Println("  - Check that multicast (UDP 5353) is not blocked by a firewall")
		fmt.Println("  - Try a longer --timeout")
		return nil
	}

	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = []string{r.Service, r.Instance, r.Address, strconv.Itoa(int(r.TTL)), formatFields(r.Fields)}
	}
	fmt.Println(ui.RenderTable([]string{"Service", "Instance", "Address", "TTL", "TXT"}, rows))
	fmt.Printf("%d records\n", len(records))
	return nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered devices",
	Long: `Listen for device announcements for --timeout and list every device that
announced its control, data and channel services.`,
	Example: `  netaudio-ctl list
  netaudio-ctl list --timeout 10s --format json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func runList(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := discover(ctx, m); err != nil {
		return report("Discovery failed", err)
	}

	devices := m.ListDeviceDescriptions()
	if outputFormat == "json" {
		return printJSON(devices)
	}
	if len(devices) == 0 {
		fmt.Println("No devices found. Try a longer --timeout or --browse.")
		return nil
	}
	fmt.Println(ui.RenderDeviceTable(devices, time.Now()))
	fmt.Println(ui.Summary(devices))
	return nil
}

var channelsCmd = &cobra.Command{
	Use:   "channels <device>",
	Short: "Query a device's channels",
	Long: `Ask a device for its transmit and receive channels over the control
protocol. Receive channels show the transmitter channel they are subscribed to.`,
	Example: `  netaudio-ctl channels Stage-Box`,
	Args:    cobra.ExactArgs(1),
	RunE:    runChannels,
}

func runChannels(cmd *cobra.Command, args []string) error {
	identity := args[0]
	ctx, stop := signalContext(cmd)
	defer stop()

	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := discover(ctx, m, identity); err != nil {
		return report("Discovery failed", err)
	}

	channels, err := m.QueryChannels(ctx, identity)
	if err != nil {
		return report("Channel query failed", err)
	}
	if outputFormat == "json" {
		return printJSON(channels)
	}

	device, ok := m.FindDevice(identity)
	if !ok {
		device = netaudio.DeviceRecord{Identity: identity, DisplayName: identity}
	}
	device.Channels = channels
	printer := ui.NewPrinter(nil)
	printer.PrintHeader("Channels", "netaudio-ctl channels",
		ui.Param{Key: "Device", Value: device.DisplayName},
		ui.Param{Key: "Address", Value: device.Address.String()},
	)
	printer.Println(ui.RenderChannelTable(device))
	return nil
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <receiver> <rx-channel> <transmitter> <tx-channel>",
	Short: "Route a transmitter channel to a receiver channel",
	Long: `Subscribe a receive channel to a transmit channel. Channels may be given
by name or by number. The request is sent to the receiving device.`,
	Example: `  # Route Stage-Box channel 01 to Desk receive channel 2
  netaudio-ctl subscribe Desk 2 Stage-Box 01

  # Channel names with spaces need quoting
  netaudio-ctl subscribe Desk "In 1" Stage-Box "Vocal Mic"`,
	Args: cobra.ExactArgs(4),
	RunE: runSubscribe,
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	receiver, rxRef, transmitter, txRef := args[0], args[1], args[2], args[3]
	ctx, stop := signalContext(cmd)
	defer stop()

	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Close()

	printer := ui.NewPrinter(nil)
	if outputFormat != "json" {
		printer.PrintHeader("Subscribe", "netaudio-ctl subscribe",
			ui.Param{Key: "Receiver", Value: rxRef + "@" + receiver},
			ui.Param{Key: "Source", Value: txRef + "@" + transmitter},
		)
	}

	if err := discover(ctx, m, receiver, transmitter); err != nil {
		return report("Discovery failed", err)
	}

	rxChannel, err := m.ReceiveChannel(ctx, receiver, rxRef)
	if err != nil {
		return report("Subscribe failed", err)
	}
	if err := m.MakeSubscription(ctx, receiver, rxChannel, transmitter, txRef); err != nil {
		return report("Subscribe failed", err)
	}

	key := netaudio.SubscriptionKey{Receiver: receiver, Channel: rxChannel}
	if outputFormat == "json" {
		return printJSON(netaudio.Subscription{Key: key, State: m.Subscription(key)})
	}
	printer.PrintSuccess("Subscription bound",
		ui.Param{Key: "Receive", Value: key.String()},
		ui.Param{Key: "Source", Value: txRef + "@" + transmitter},
	)
	printer.Println(ui.RenderSubscriptionTable(m.Subscriptions()))
	return nil
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe <receiver> <rx-channel>",
	Short: "Remove the source of a receiver channel",
	Example: `  netaudio-ctl unsubscribe Desk 2`,
	Args:    cobra.ExactArgs(2),
	RunE:    runUnsubscribe,
}

func runUnsubscribe(cmd *cobra.Command, args []string) error {
	receiver, rxRef := args[0], args[1]
	ctx, stop := signalContext(cmd)
	defer stop()

	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := discover(ctx, m, receiver); err != nil {
		return report("Discovery failed", err)
	}

	rxChannel, err := m.ReceiveChannel(ctx, receiver, rxRef)
	if err != nil {
		return report("Unsubscribe failed", err)
	}
	if err := m.ClearSubscription(ctx, receiver, rxChannel); err != nil {
		return report("Unsubscribe failed", err)
	}

	key := netaudio.SubscriptionKey{Receiver: receiver, Channel: rxChannel}
	if outputFormat == "json" {
		return printJSON(netaudio.Subscription{Key: key, State: m.Subscription(key)})
	}
	ui.NewPrinter(nil).PrintSuccess("Subscription cleared", ui.Param{Key: "Receive", Value: key.String()})
	return nil
}

var nicknameCmd = &cobra.Command{
	Use:   "nickname <device> [name]",
	Short: "Set the local display name of a device",
	Long: `Store a display name for a device in the config file. The name is only
used by this tool; the device itself is not renamed. Without a name the
current nickname is printed; an empty name ("") clears it.`,
	Example: `  netaudio-ctl nickname AVIO-USB-123 "Stage Left"
  netaudio-ctl nickname AVIO-USB-123 ""`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		identity := args[0]
		if len(args) == 1 {
			if outputFormat == "json" {
				return printJSON(map[string]string{"device": identity, "nickname": cfg.Nickname(identity)})
			}
			fmt.Println(cfg.Nickname(identity))
			return nil
		}

		path := configPath
		if path == "" {
			var err error
			if path, err = config.GetConfigPath(); err != nil {
				return err
			}
		}
		cfg.SetDeviceNickname(identity, args[1])
		if err := cfg.Save(path); err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(map[string]string{"device": identity, "nickname": args[1]})
		}
		ui.NewPrinter(nil).PrintSuccess("Nickname saved",
			ui.Param{Key: "Device", Value: identity},
			ui.Param{Key: "Nickname", Value: args[1]},
			ui.Param{Key: "Config", Value: path},
		)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Show a live table of devices",
	Long: `Listen for devices and show them in a live table, with device and
subscription events listed below it. Press q to quit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		m, err := newManager()
		if err != nil {
			return err
		}
		defer m.Close()

		if err := m.StartDiscovery(ctx); err != nil {
			return err
		}
		return ui.RunWatch(ctx, m, m.Events())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve devices, subscriptions and events over HTTP",
	Long: `Run discovery continuously and expose the results over HTTP:

  GET /devices        discovered devices (JSON)
  GET /subscriptions  subscription states (JSON)
  GET /events         websocket stream of device and subscription events
  GET /metrics        Prometheus metrics

The server stops on SIGINT or SIGTERM.`,
	Example: `  netaudio-ctl serve --port 8080
  netaudio-ctl serve --cert cert.pem --key key.pem --log-level info`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		m, err := newManager()
		if err != nil {
			return err
		}
		defer m.Close()

		srv, err := server.New(&server.Config{
			Host:     serveHost,
			Port:     servePort,
			CertPath: certPath,
			KeyPath:  keyPath,
		}, m)
		if err != nil {
			return err
		}
		if err := m.StartDiscovery(ctx); err != nil {
			return err
		}
		return srv.Start(ctx)
	},
}
