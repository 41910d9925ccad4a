// Package socketcan is a Linux SocketCAN Bus adapter built on top of
// github.com/brutella/can. It is the concrete "bus driver" collaborator
// the rest of this toolkit treats as external: this wrapper only
// translates frames and adds the blocking Recv the protocol layers
// need, it does not elaborate on raw socket options beyond what
// brutella/can exposes.
package socketcan

import (
	"fmt"
	"sync"
	"time"

	sockcan "github.com/brutella/can"
	"golang.org/x/sys/unix"

	vbustool "github.com/cansecio/vbustool"
)

func init() {
	vbustool.RegisterInterface("socketcan", NewBus)
}

// Bus is a vbustool.Bus backed by a real Linux SocketCAN interface.
type Bus struct {
	channel string
	bus     *sockcan.Bus

	mu      sync.Mutex
	filters []vbustool.Filter
	rx      chan vbustool.Frame
}

// NewBus constructs a Bus bound to the named SocketCAN interface (e.g.
// "can0", "vcan0"). The connection is not established until Connect.
func NewBus(channel string) (vbustool.Bus, error) {
	raw, err := sockcan.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vbustool.ErrBusError, err)
	}
	return &Bus{channel: channel, bus: raw, rx: make(chan vbustool.Frame, 256)}, nil
}

// Connect starts the background publish loop and installs the
// software-side frame handler that feeds Recv.
func (b *Bus) Connect() error {
	b.bus.Subscribe(b)
	go func() {
		_ = b.bus.ConnectAndPublish()
	}()
	return nil
}

// Disconnect tears down the SocketCAN connection.
func (b *Bus) Disconnect() error {
	if err := b.bus.Disconnect(); err != nil {
		return fmt.Errorf("%w: %v", vbustool.ErrBusError, err)
	}
	return nil
}

// Send transmits frame immediately.
func (b *Bus) Send(frame vbustool.Frame) error {
	if len(frame.Data) > 8 {
		return fmt.Errorf("%w: frame data length %d exceeds 8 bytes", vbustool.ErrInvalidArgument, len(frame.Data))
	}
	var data [8]byte
	copy(data[:], frame.Data)
	err := b.bus.Publish(sockcan.Frame{
		ID:     frame.ArbitrationID,
		Length: uint8(len(frame.Data)),
		Flags:  frame.Flags,
		Data:   data,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", vbustool.ErrBusError, err)
	}
	return nil
}

// Recv blocks until a frame matching the current filters arrives or
// timeout elapses. Safe to call from a single consumer only.
func (b *Bus) Recv(timeout time.Duration) (vbustool.Frame, error) {
	select {
	case frame := <-b.rx:
		return frame, nil
	case <-time.After(timeout):
		return vbustool.Frame{}, vbustool.ErrNoFrame
	}
}

// SetFilters narrows which frames Recv delivers. A nil slice clears
// filters. brutella/can does not expose kernel-level CAN filter
// installation, so filtering happens in Handle instead.
func (b *Bus) SetFilters(filters []vbustool.Filter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = filters
	return nil
}

// Handle implements brutella/can's frame handler, converting and
// filtering frames before they reach Recv. The kernel encodes the
// extended/RTR/error bits inside the raw CAN ID (linux/can.h's
// CAN_EFF_FLAG etc.); golang.org/x/sys/unix exposes the same constants
// so the arbitration ID can be unmasked without hand-copying them.
func (b *Bus) Handle(frame sockcan.Frame) {
	rawID := frame.ID
	flags := frame.Flags
	mask := uint32(unix.CAN_SFF_MASK)
	if rawID&unix.CAN_EFF_FLAG != 0 {
		mask = unix.CAN_EFF_MASK
		flags |= vbustool.FlagExtended
	}
	if rawID&unix.CAN_RTR_FLAG != 0 {
		flags |= vbustool.FlagRemote
	}
	if rawID&unix.CAN_ERR_FLAG != 0 {
		flags |= vbustool.FlagError
	}
	f := vbustool.Frame{ArbitrationID: rawID & mask, Data: frame.Data[:frame.Length], Flags: flags}

	b.mu.Lock()
	filters := b.filters
	b.mu.Unlock()

	if !matchesFilters(f.ArbitrationID, filters) {
		return
	}
	select {
	case b.rx <- f:
	default:
		// Drop rather than block brutella/can's publish loop.
	}
}

func matchesFilters(id uint32, filters []vbustool.Filter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if id&f.Mask == f.CANID&f.Mask {
			return true
		}
	}
	return false
}
