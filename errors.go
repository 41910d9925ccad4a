package vbustool

import (
	"errors"
	"fmt"
)

// Error taxonomy, following the teacher's flat sentinel-error idiom
// (errors.go). Protocol layers (isotp, uds, xcp) wrap these with
// errors.Is-compatible detail where useful. uds.NegativeResponse and
// xcp.Error are separate struct error types matched with errors.As;
// they do not wrap any of these sentinels.
var (
	// ErrInvalidArgument is returned for length/range violations detected
	// before any I/O takes place (e.g. message > 4095 bytes).
	ErrInvalidArgument = errors.New("vbustool: invalid argument")

	// ErrBusError is returned when the underlying driver refuses a send
	// or signals a hardware fault.
	ErrBusError = errors.New("vbustool: bus error")

	// ErrTimeout is returned when N_Bs expires, no flow control arrives,
	// or no response is seen within a probe delay.
	ErrTimeout = errors.New("vbustool: timeout")

	// ErrProtocolError is returned for malformed PCI bytes, a wrong CF
	// sequence number, an unknown frame type, or an unexpected FC flow
	// status.
	ErrProtocolError = errors.New("vbustool: protocol error")

	// ErrPeerOverflow is returned when a flow-control frame reports
	// FS=Overflow; the transmit is aborted without sending further CFs.
	ErrPeerOverflow = errors.New("vbustool: peer reported overflow")

	// ErrMessageTooLong is returned by ISO-TP encoding when the payload
	// exceeds 4095 bytes. It wraps ErrInvalidArgument.
	ErrMessageTooLong = fmt.Errorf("%w: message exceeds 4095 bytes", ErrInvalidArgument)
)
