// Package logging provides structured logging for netaudio.
//
// This package wraps a process-wide zap logger with convenience functions.
// Logging is silent unless a level is passed to Initialize or set through
// NETAUDIO_LOG_LEVEL, so the library never writes to a consumer's terminal
// uninvited.
//
// # Log Levels
//
//   - Debug: packet hex dumps, undecodable records, discarded responses
//   - Info: devices added or lost, subscription state changes
//   - Warn: socket errors, re-binds, dropped connections
//   - Error: startup failures
//
// # Structured Logging
//
//	logging.Info("Subscription bound",
//	    zap.String("receiver", "AVIO-USB"),
//	    zap.Uint16("rx_channel", 2),
//	)
//
// Components take a child logger with Named so output can be filtered:
//
//	log := logging.Named("control")
//
// # Configuration
//
//	if err := logging.Initialize(cfg.LogLevel); err != nil {
//	    return err
//	}
//	defer logging.Sync()
//
// # Thread Safety
//
// All logging functions are safe for concurrent use once Initialize has
// returned.
package logging
