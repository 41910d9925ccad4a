package xcp

import (
	"fmt"
	"time"

	vbustool "github.com/cansecio/vbustool"
)

// DumpState is a state in the memory dump state machine.
type DumpState int

const (
	DumpDisconnected DumpState = iota
	DumpConnected
	DumpMtaSet
	DumpUploading
	DumpDone
	DumpError
	DumpTimeout
)

func (s DumpState) String() string {
	switch s {
	case DumpDisconnected:
		return "Disconnected"
	case DumpConnected:
		return "Connected"
	case DumpMtaSet:
		return "MtaSet"
	case DumpUploading:
		return "Uploading"
	case DumpDone:
		return "Done"
	case DumpError:
		return "Error"
	case DumpTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("DumpState(%d)", int(s))
	}
}

// MaxSegmentSize is the largest chunk a single Short Upload can
// return: one CAN payload worth, fixed at 7 bytes (one Short Upload
// response byte is the indicator, leaving 7 data bytes).
const MaxSegmentSize = 7

// IdleTimeout bounds how long the dump waits without forward progress
// before aborting. It resets to this value on every accepted reply.
const IdleTimeout = 3 * time.Second

// DumpContext is the single mutable state record the memory dump
// orchestrator owns and threads explicitly through each step, in
// place of the package-level counters (byte_counter, bytes_left,
// dump_complete, idle_timeout) a callback-based design would use.
type DumpContext struct {
	State         DumpState
	StartAddress  uint32
	TotalLength   int
	BytesEmitted  int
	Data          []byte
	Err           error
}

// BytesRemaining returns the unambiguous remaining-byte count,
// derived from total length and bytes emitted so far rather than
// tracked as a second, independently-updated counter.
func (ctx *DumpContext) BytesRemaining() int {
	return ctx.TotalLength - ctx.BytesEmitted
}

// Dump runs the full Connect -> SetMta -> repeated ShortUpload state
// machine against slave, reading length bytes starting at
// startAddress, and returns the final DumpContext. The dump aborts to
// DumpTimeout if IdleTimeout elapses without an accepted reply, and to
// DumpError on any 0xFE response.
func Dump(slave *Slave, startAddress uint32, length int) *DumpContext {
	ctx := &DumpContext{State: DumpDisconnected, StartAddress: startAddress, TotalLength: length, Data: make([]byte, 0, length)}

	idleDeadline := time.Now().Add(IdleTimeout)
	checkDeadline := func() bool {
		if time.Now().After(idleDeadline) {
			ctx.State = DumpTimeout
			ctx.Err = vbustool.ErrTimeout
			return false
		}
		return true
	}

	if _, err := slave.Connect(IdleTimeout); err != nil {
		ctx.State = DumpTimeout
		var xcpErr *Error
		if asXCPError(err, &xcpErr) {
			ctx.State = DumpError
		}
		ctx.Err = err
		return ctx
	}
	ctx.State = DumpConnected
	idleDeadline = time.Now().Add(IdleTimeout)

	if !checkDeadline() {
		return ctx
	}
	if err := slave.SetMta(IdleTimeout, startAddress); err != nil {
		ctx.State = DumpTimeout
		var xcpErr *Error
		if asXCPError(err, &xcpErr) {
			ctx.State = DumpError
		}
		ctx.Err = err
		return ctx
	}
	ctx.State = DumpMtaSet
	idleDeadline = time.Now().Add(IdleTimeout)

	ctx.State = DumpUploading
	for ctx.BytesRemaining() > 0 {
		if !checkDeadline() {
			return ctx
		}
		n := MaxSegmentSize
		if ctx.BytesRemaining() < n {
			n = ctx.BytesRemaining()
		}
		chunk, err := slave.ShortUpload(IdleTimeout, uint8(n))
		if err != nil {
			var xcpErr *Error
			if asXCPError(err, &xcpErr) {
				ctx.State = DumpError
				ctx.Err = xcpErr
				return ctx
			}
			ctx.State = DumpTimeout
			ctx.Err = err
			return ctx
		}
		if len(chunk) > n {
			chunk = chunk[:n]
		}
		ctx.Data = append(ctx.Data, chunk...)
		ctx.BytesEmitted += len(chunk)
		idleDeadline = time.Now().Add(IdleTimeout)
	}

	ctx.State = DumpDone
	return ctx
}

func asXCPError(err error, target **Error) bool {
	if xcpErr, ok := err.(*Error); ok {
		*target = xcpErr
		return true
	}
	return false
}
