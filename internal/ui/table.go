package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/muurk/netaudio/internal/control"
	"github.com/muurk/netaudio/internal/protocol"
	"github.com/muurk/netaudio/internal/registry"
)

// DeviceColumns are the column titles of DeviceRows.
var DeviceColumns = []string{"Name", "Display", "Address", "TX", "RX", "Model", "Last seen"}

// DeviceRows formats devices one row each, in the given order.
func DeviceRows(devices []registry.DeviceRecord, now time.Time) [][]string {
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, []string{
			d.Identity,
			d.DisplayName,
			d.Address.String(),
			strconv.Itoa(len(d.ChannelsFor(protocol.Transmit))),
			strconv.Itoa(len(d.ChannelsFor(protocol.Receive))),
			strings.TrimSpace(d.Capabilities.Manufacturer + " " + d.Capabilities.Model),
			age(now, d.LastSeen),
		})
	}
	return rows
}

func age(now, then time.Time) string {
	if then.IsZero() {
		return "-"
	}
	d := now.Sub(then)
	if d < time.Second {
		return "now"
	}
	return d.Round(time.Second).String() + " ago"
}

// RenderDeviceTable renders devices as a static table.
func RenderDeviceTable(devices []registry.DeviceRecord, now time.Time) string {
	return renderTable(DeviceColumns, DeviceRows(devices, now), nil)
}

// RenderChannelTable renders a device's channels; receive channels show
// their current source.
func RenderChannelTable(d registry.DeviceRecord) string {
	var rows [][]string
	for _, ch := range d.Channels {
		source := ""
		if ch.Direction == protocol.Receive && ch.TxDevice != "" {
			source = ch.TxChannel + "@" + ch.TxDevice
		}
		rows = append(rows, []string{ch.Direction.String(), strconv.Itoa(int(ch.Index)), ch.Name, source})
	}
	return renderTable([]string{"Dir", "#", "Name", "Source"}, rows, nil)
}

// RenderSubscriptionTable renders subscription states with coloured state names.
func RenderSubscriptionTable(subs []control.Subscription) string {
	rows := make([][]string, 0, len(subs))
	for _, s := range subs {
		source := ""
		if s.State.Transmitter != "" {
			source = s.State.TxChannel + "@" + s.State.Transmitter
		}
		rows = append(rows, []string{s.Key.String(), s.State.Kind.String(), source, s.State.Reason})
	}
	return renderTable([]string{"Receive", "State", "Source", "Reason"}, rows, func(row, col int) (lipgloss.Style, bool) {
		if col != 1 {
			return lipgloss.Style{}, false
		}
		return StateStyle(rows[row][1]).Padding(0, 1), true
	})
}

func renderTable(headers []string, rows [][]string, cell func(row, col int) (lipgloss.Style, bool)) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(PrimaryColor)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			if cell != nil {
				if s, ok := cell(row, col); ok {
					return s
				}
			}
			return TableCellStyle
		})
	return t.String()
}

// Summary is a one-line count of devices and channels.
func Summary(devices []registry.DeviceRecord) string {
	var tx, rx int
	for _, d := range devices {
		tx += len(d.ChannelsFor(protocol.Transmit))
		rx += len(d.ChannelsFor(protocol.Receive))
	}
	return fmt.Sprintf("%d devices, %d transmit and %d receive channels", len(devices), tx, rx)
}

// RenderTable renders rows under headers in the standard table style.
func RenderTable(headers []string, rows [][]string) string {
	return renderTable(headers, rows, nil)
}
