// Package protocol implements the netaudio wire formats.
//
// Two formats are covered: the binary control protocol spoken on a device's
// control port, and the mDNS service records devices use to announce
// themselves. Nothing in this package performs I/O.
//
// # Control Messages
//
// Every control message starts with a 10-byte big-endian header:
//   - Protocol ID: 0x2830
//   - Length: 2 bytes, total message size including the header
//   - Sequence: 2 bytes, chosen by the client (0 is reserved for notifications)
//   - Opcode: 2 bytes
//   - Flags: 2 bytes, zero on requests and the result status on responses
//
// Strings inside bodies are referenced by absolute offsets from the start of
// the message and are NUL-terminated.
//
// # Usage Example - Stream Decoding
//
//	var dec protocol.Decoder
//	dec.Write(chunk)
//	for {
//	    msg, err := dec.Next()
//	    if errors.Is(err, protocol.ErrNeedMoreBytes) {
//	        break
//	    }
//	    if err != nil {
//	        continue // decoder has resynchronised
//	    }
//	    handle(msg)
//	}
//
// # Usage Example - Construction
//
//	msg, err := protocol.BuildSubscribe(protocol.Firmware4_4_1_3, 2, "01", "AVIO-USB")
//	if err != nil {
//	    return err
//	}
//	msg.Sequence = seq
//	conn.Write(protocol.Encode(msg))
//
// # Subscription Dialects
//
// Subscription bodies differ between firmware releases. 4.4.1.3 uses opcode
// 0x3410 and a 266-byte fixed part; 4.2.1.3 uses opcode 0x3010 and a 322-byte
// fixed part. Both are followed by the tx channel and tx device names.
//
// # Service Records
//
// DecodeServiceRecords turns an mDNS response into ServiceRecords for the
// _netaudio-arc, _netaudio-chan, _netaudio-cmc and _netaudio-dbc services.
// Unknown TXT keys are kept; a TTL of zero marks a goodbye.
//
// # Error Handling
//
// Errors wrap one of ErrNeedMoreBytes, ErrMalformedMessage, ErrMalformedRecord
// or ErrInvalidName, so callers can use errors.Is.
//
// # Thread Safety
//
// All functions are stateless and safe for concurrent use. A Decoder is not.
package protocol
