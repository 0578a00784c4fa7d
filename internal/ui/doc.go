// Package ui provides terminal UI components for the netaudio-ctl CLI.
//
// Most commands print once and exit: a Header naming the command, a table
// (RenderDeviceTable, RenderChannelTable, RenderSubscriptionTable) and a
// Result box. Failures from the control package are shown with their short
// message and troubleshooting hint.
//
// Two components run a Bubble Tea program:
//
//   - RunWithProgress shows a bar while a timed operation such as a scan
//     runs. Without a terminal it just runs the operation.
//   - RunWatch shows the live device table, refreshed every second and on
//     every bus event, with the latest events listed below it.
//
// # Logging Integration
//
// This package expects logging to be controlled via the NETAUDIO_LOG_LEVEL
// environment variable or --log-level. When unset, zap logging is silent so
// the UI output stays clean.
package ui
