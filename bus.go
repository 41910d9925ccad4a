package vbustool

import (
	"fmt"
	"time"
)

// Filter narrows the set of frames a Bus delivers to Recv/listeners to
// those whose arbitration ID matches (id & mask) == (can_id & mask).
type Filter struct {
	CANID    uint32
	Mask     uint32
	Extended bool
}

// FrameListener is a pure function of a received frame. Implementations
// must not block: they run on the dispatcher goroutine and must not
// perform blocking bus operations (see Dispatcher).
type FrameListener interface {
	Handle(frame Frame)
}

// FrameListenerFunc adapts a plain function to a FrameListener.
type FrameListenerFunc func(frame Frame)

func (f FrameListenerFunc) Handle(frame Frame) { f(frame) }

// Bus is the minimal contract the rest of this toolkit needs from a CAN
// driver: send a frame, pull the next received frame with a timeout,
// install arbitration-ID filters, and connect/disconnect the
// underlying transport. Implementations live under pkg/can/*.
//
// Recv is safe to call from a single consumer only; concurrent callers
// that need independent reception should each use their own Dispatcher
// subscription instead.
type Bus interface {
	Connect() error
	Disconnect() error
	Send(frame Frame) error
	Recv(timeout time.Duration) (Frame, error)
	SetFilters(filters []Filter) error
}

// ErrNoFrame is returned by Recv when no frame arrived within the
// requested timeout.
var ErrNoFrame = fmt.Errorf("%w: no frame received", ErrTimeout)

// NewBusFunc constructs a Bus for a given channel name (e.g. "can0",
// or a host:port for a virtual bus).
type NewBusFunc func(channel string) (Bus, error)

var busRegistry = make(map[string]NewBusFunc)

// RegisterInterface registers a new Bus constructor under a name, to be
// called from an init() function of the interface's package.
func RegisterInterface(name string, newBus NewBusFunc) {
	busRegistry[name] = newBus
}

// NewBus looks up a registered interface by name and constructs a Bus
// bound to the given channel.
func NewBus(interfaceName, channel string) (Bus, error) {
	newBus, ok := busRegistry[interfaceName]
	if !ok {
		return nil, fmt.Errorf("vbustool: unsupported interface %q", interfaceName)
	}
	return newBus(channel)
}
