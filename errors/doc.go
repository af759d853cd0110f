// Package errors classifies failures into three classes so callers can decide
// between retrying, dropping the offending input, or stopping an endpoint:
//
//   - Transient: timeouts, lost connections, a broker that is not connected yet.
//   - Invalid: configuration mismatches, over-long lines, duplicate names.
//   - Fatal: device I/O failure, unusable configuration, unsupported platform.
//
// How the router maps its failure modes onto these classes:
//
//   - A discovered device with no matching configuration entry is Invalid
//     (ErrNoDeviceMatch); it is logged and the device ignored.
//   - A full outbound queue is not an error value at all; the message is
//     dropped and counted.
//   - A TCP or WebSocket client failing is Transient for that connection only.
//   - A serial read or write failure is Fatal for that endpoint only; its
//     Run method returns and the rest of the process continues.
//   - A shutdown request is not an error; Run returns nil.
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// and classification survives errors.Is / errors.As chains:
//
//	err := errors.WrapFatal(ioErr, "serial", "readLoop", "read device")
//	if errors.IsFatal(err) {
//	    // endpoint stops
//	}
package errors
