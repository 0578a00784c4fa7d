// Package control implements the netaudio control protocol client.
//
// A Conn owns one transport connection to one device's control port. It
// allocates 16-bit sequence ids, matches responses to requests by id only,
// forwards unsolicited notifications and fails every waiting request with
// ErrTypeConnectionLost when the transport closes.
//
// A Client keeps one Conn per device identity, opened lazily, and exposes
// channel queries and subscription changes:
//
//	client := control.NewClient(reg, control.Options{Bus: bus})
//	defer client.Close()
//
//	if err := client.MakeSubscription(ctx, "Desk", 2, "Stage-Box", "01"); err != nil {
//	    fmt.Println(control.ShortMessage(err))
//	}
//
// Subscription requests always go to the receiving device. Each receive
// channel (Key) moves through Unbound, Pending, Bound and Failed; a timed-out
// request is sent once more, explicit rejections are not. When the registry
// reports a device lost, every Pending or Bound key involving it becomes
// Failed with reason "device-lost".
//
// # Error Handling
//
// All operations return *ControlError values. Use errors.Is with the
// sentinels (ErrTimedOut, ErrDeviceNotFound, ...) or the Is* helpers, and
// ShortMessage or Hint for user-facing output.
package control
