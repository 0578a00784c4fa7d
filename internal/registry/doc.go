// Package registry keeps the live map of netaudio devices built from
// discovery announcements.
//
// A device appears in snapshots only after its control, channel and data
// services have all been seen (a channel query can stand in for the channel
// service). Each advertisement replaces the sub-record it describes; events
// older than the newest one for the same sub-record are dropped, so the
// result does not depend on delivery order. Devices silent for longer than
// the expiry window are evicted on the next read and a DeviceLost event is
// published on the bus.
package registry
