// Package server exposes a running netaudio manager over HTTP.
//
// # Endpoints
//
//	GET /devices        JSON snapshot of every complete device
//	GET /subscriptions  JSON list of subscription states
//	GET /metrics        Prometheus metrics
//	GET /events         websocket stream of bus events
//
// # Event Stream
//
// Each websocket client gets a session id. The first frame has type
// "session" and carries the device snapshot; every later frame is one bus
// event:
//
//	{"type":"device-lost","data":{"identity":"Desk","reason":"expired",...},"timestamp":"..."}
//
// Clients that fall more than a few hundred events behind lose events
// rather than slowing discovery down. The server pings every 54 seconds
// and drops clients that do not answer within a minute.
//
// # Usage Example
//
//	srv, err := server.New(&server.Config{Port: 8080}, manager)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Start blocks until ctx is done or a shutdown signal arrives
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Setting CertPath and KeyPath serves HTTPS instead.
//
// # Graceful Shutdown
//
// On SIGINT, SIGTERM or context cancellation the server:
//  1. Stops accepting new connections
//  2. Sends a close frame to every event stream
//  3. Waits for in-flight requests to complete
package server
