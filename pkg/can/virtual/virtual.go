// Package virtual is an in-process CAN bus broker used for testing.
// Unlike the teacher's TCP-based virtual bus (which talked to a
// separate broker process), every "virtual" channel here is collapsed
// to a same-process fan-out so a scanner, a UDS client, and a mock ECU
// can all run inside one test binary without a network dependency.
package virtual

import (
	"sync"
	"time"

	vbustool "github.com/cansecio/vbustool"
)

func init() {
	vbustool.RegisterInterface("virtual", NewBus)
}

// broker fans frames out to every peer subscribed to one channel name.
type broker struct {
	mu    sync.Mutex
	peers map[*Bus]struct{}
}

func (b *broker) publish(from *Bus, frame vbustool.Frame) {
	b.mu.Lock()
	peers := make([]*Bus, 0, len(b.peers))
	for peer := range b.peers {
		if peer == from && !peer.receiveOwn {
			continue
		}
		peers = append(peers, peer)
	}
	b.mu.Unlock()
	for _, peer := range peers {
		peer.deliver(frame)
	}
}

func (b *broker) join(bus *Bus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[bus] = struct{}{}
}

func (b *broker) leave(bus *Bus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, bus)
}

var (
	brokersMu sync.Mutex
	brokers   = make(map[string]*broker)
)

func brokerFor(channel string) *broker {
	brokersMu.Lock()
	defer brokersMu.Unlock()
	b, ok := brokers[channel]
	if !ok {
		b = &broker{peers: make(map[*Bus]struct{})}
		brokers[channel] = b
	}
	return b
}

// Bus is a vbustool.Bus backed by an in-process broker. Every Bus
// constructed with the same channel name observes every other's sends,
// which is what lets tests stand up a "mock ECU" goroutine alongside
// the code under test.
type Bus struct {
	channel    string
	broker     *broker
	receiveOwn bool

	mu        sync.Mutex
	filters   []vbustool.Filter
	connected bool
	rx        chan vbustool.Frame
}

// NewBus constructs a Bus bound to a named in-process channel. Two
// Bus values built with the same channel name exchange frames.
func NewBus(channel string) (vbustool.Bus, error) {
	return &Bus{channel: channel, broker: brokerFor(channel), rx: make(chan vbustool.Frame, 256)}, nil
}

// SetReceiveOwn controls whether this bus observes its own sends, for
// tests that want to assert on outgoing traffic directly.
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}

func (b *Bus) Connect() error {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.broker.join(b)
	return nil
}

func (b *Bus) Disconnect() error {
	b.broker.leave(b)
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

func (b *Bus) Send(frame vbustool.Frame) error {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return vbustool.ErrBusError
	}
	b.broker.publish(b, frame)
	return nil
}

func (b *Bus) Recv(timeout time.Duration) (vbustool.Frame, error) {
	select {
	case frame := <-b.rx:
		return frame, nil
	case <-time.After(timeout):
		return vbustool.Frame{}, vbustool.ErrNoFrame
	}
}

func (b *Bus) SetFilters(filters []vbustool.Filter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = filters
	return nil
}

func (b *Bus) deliver(frame vbustool.Frame) {
	b.mu.Lock()
	filters := b.filters
	b.mu.Unlock()
	if !matchesFilters(frame.ArbitrationID, filters) {
		return
	}
	select {
	case b.rx <- frame:
	default:
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
