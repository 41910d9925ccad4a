package vbustool

import (
	"log/slog"
	"sync"
	"time"
)

// dispatcherPollInterval bounds how long a single Recv call inside the
// dispatcher loop blocks for, so Stop can observe the stop signal
// promptly instead of waiting out a long caller-supplied timeout.
const dispatcherPollInterval = 100 * time.Millisecond

// shutdownWindow is the bounded grace period Stop waits for the
// dispatcher goroutine to drain and exit.
const shutdownWindow = 500 * time.Millisecond

// Dispatcher drains Bus.Recv in a background goroutine and fans each
// frame out to an ordered list of listeners, mirroring the teacher's
// BusManager subscriber fan-out but keyed by registration order rather
// than by arbitration ID, since callers here install a single sole
// listener per scan iteration (see pkg/scanner) as often as they
// install a fixed set.
type Dispatcher struct {
	bus    Bus
	logger *slog.Logger

	mu        sync.Mutex
	listeners []FrameListener
	running   bool
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// NewDispatcher wraps bus with a background listener fan-out.
func NewDispatcher(bus Bus) *Dispatcher {
	return &Dispatcher{bus: bus, logger: slog.Default()}
}

// SetListener replaces the listener list with a single listener.
func (d *Dispatcher) SetListener(listener FrameListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = []FrameListener{listener}
}

// AddListener appends a listener to the list.
func (d *Dispatcher) AddListener(listener FrameListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, listener)
}

// ClearListeners removes every registered listener.
func (d *Dispatcher) ClearListeners() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = nil
}

// Start launches the background receive loop. Safe to call once; a
// second call is a no-op while already running.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stopChan = make(chan struct{})
	d.doneChan = make(chan struct{})
	d.mu.Unlock()

	go d.run()
}

func (d *Dispatcher) run() {
	defer close(d.doneChan)
	for {
		select {
		case <-d.stopChan:
			return
		default:
		}
		frame, err := d.bus.Recv(dispatcherPollInterval)
		if err != nil {
			continue
		}
		d.mu.Lock()
		listeners := make([]FrameListener, len(d.listeners))
		copy(listeners, d.listeners)
		d.mu.Unlock()
		for _, listener := range listeners {
			listener.Handle(frame)
		}
	}
}

// Stop signals the dispatcher to exit and waits up to shutdownWindow
// for it to drain gracefully.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	stopChan := d.stopChan
	doneChan := d.doneChan
	d.mu.Unlock()

	close(stopChan)
	select {
	case <-doneChan:
	case <-time.After(shutdownWindow):
		d.logger.Warn("dispatcher did not drain within shutdown window")
	}
}
