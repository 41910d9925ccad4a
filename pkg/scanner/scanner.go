// Package scanner drives brute-force arbitration-ID and payload
// sweeps, grounded on the teacher's dispatcher fan-out (one listener
// per bus, swapped between iterations) generalized to the sweep
// shapes a diagnostics scanner needs rather than a single CANopen
// subscriber table.
package scanner

import (
	"time"

	vbustool "github.com/cansecio/vbustool"
)

// MessageDelay is the pause after each bruteforce probe, matching the
// fixed per-message delay of the reference scanner.
const MessageDelay = 100 * time.Millisecond

// DelayStep is the polling granularity used by the Cartesian-product
// sweep to remain promptly cancellable.
const DelayStep = 20 * time.Millisecond

// Classifier reports whether a received frame should be treated as
// interesting (e.g. blacklisted, or a positive probe response).
type Classifier func(frame vbustool.Frame) bool

// AutoBlacklist drains bus for duration, returning the set of
// arbitration IDs for which classifier returns true. It never mutates
// classifier and reports no partial results on a classifier panic.
func AutoBlacklist(bus vbustool.Bus, duration time.Duration, classifier Classifier) map[uint32]struct{} {
	blacklist := make(map[uint32]struct{})
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		frame, err := bus.Recv(100 * time.Millisecond)
		if err != nil {
			continue
		}
		if classifier(frame) {
			blacklist[frame.ArbitrationID] = struct{}{}
		}
	}
	return blacklist
}

// StopFlag is a cooperative, concurrency-safe stop signal consulted
// between bruteforce iterations.
type StopFlag struct{ stop chan struct{} }

// NewStopFlag returns a StopFlag in the running state.
func NewStopFlag() *StopFlag { return &StopFlag{stop: make(chan struct{})} }

// Stop requests the running bruteforce to halt before its next
// iteration. Safe to call more than once.
func (f *StopFlag) Stop() {
	select {
	case <-f.stop:
	default:
		close(f.stop)
	}
}

// Stopped reports whether Stop has been called.
func (f *StopFlag) Stopped() bool {
	select {
	case <-f.stop:
		return true
	default:
		return false
	}
}

// CallbackFactory builds a per-iteration listener, given the varying
// value for that iteration (an arbitration ID, a byte value, or a
// slice of byte values for the Cartesian-product sweep).
type CallbackFactory func(value any) vbustool.FrameListener

// Dispatcher is the subset of Dispatcher a scanner sweep needs: swap
// the sole listener once per iteration.
type Dispatcher interface {
	SetListener(listener vbustool.FrameListener)
	ClearListeners()
}

// BruteforceArbitrationID sends data under each arbitration ID in
// [minID, maxID], installing callbackFactory(id) as the sole listener
// before each send and pausing MessageDelay afterward. Standard
// framing is used for ids ≤ 0x7FF, extended otherwise. onComplete, if
// non-nil, fires once with a human-readable summary after the sweep
// finishes or is stopped.
func BruteforceArbitrationID(bus vbustool.Bus, dispatcher Dispatcher, data []byte, callbackFactory CallbackFactory, minID, maxID uint32, stop *StopFlag, onComplete func(string)) error {
	if minID > maxID {
		if onComplete != nil {
			onComplete("invalid range: min > max")
		}
		return nil
	}
	for id := minID; id <= maxID; id++ {
		dispatcher.SetListener(callbackFactory(id))
		frame, err := vbustool.NewFrame(id, data)
		if err != nil {
			return err
		}
		if err := bus.Send(frame); err != nil {
			return err
		}
		time.Sleep(MessageDelay)
		if stop != nil && stop.Stopped() {
			dispatcher.ClearListeners()
			if onComplete != nil {
				onComplete("bruteforce of range stopped")
			}
			return nil
		}
	}
	dispatcher.ClearListeners()
	if onComplete != nil {
		onComplete("bruteforce of range completed")
	}
	return nil
}

// BruteforceData mutates data[index] across [minValue, maxValue],
// sending the mutated payload under arbID and installing
// callbackFactory(value) as the sole listener before each send.
func BruteforceData(bus vbustool.Bus, dispatcher Dispatcher, arbID uint32, data []byte, index int, callbackFactory CallbackFactory, minValue, maxValue uint8, stop *StopFlag, onComplete func()) error {
	for value := int(minValue); value <= int(maxValue); value++ {
		dispatcher.SetListener(callbackFactory(uint8(value)))
		mutated := append([]byte(nil), data...)
		mutated[index] = uint8(value)
		frame, err := vbustool.NewFrame(arbID, mutated)
		if err != nil {
			return err
		}
		if err := bus.Send(frame); err != nil {
			return err
		}
		time.Sleep(MessageDelay)
		if stop != nil && stop.Stopped() {
			dispatcher.ClearListeners()
			if onComplete != nil {
				onComplete()
			}
			return nil
		}
	}
	dispatcher.ClearListeners()
	if onComplete != nil {
		onComplete()
	}
	return nil
}

// BruteforceDataNew sweeps the Cartesian product of byte values across
// every index in indices, preserving lexicographic order over index
// position (the first index varies slowest), sending one frame per
// combination.
func BruteforceDataNew(bus vbustool.Bus, dispatcher Dispatcher, arbID uint32, data []byte, indices []int, callbackFactory CallbackFactory, minValue, maxValue uint8, stop *StopFlag, onDone func(string)) error {
	mutated := append([]byte(nil), data...)
	for _, idx := range indices {
		mutated[idx] = 0
	}

	var sendErr error
	var walk func(depth int) bool
	walk = func(depth int) bool {
		if depth >= len(indices) {
			values := make([]uint8, len(indices))
			for i, idx := range indices {
				values[i] = mutated[idx]
			}
			dispatcher.SetListener(callbackFactory(values))
			frame, err := vbustool.NewFrame(arbID, mutated)
			if err != nil {
				sendErr = err
				return false
			}
			if err := bus.Send(frame); err != nil {
				sendErr = err
				return false
			}
			remaining := 5 * DelayStep
			for remaining > 0 {
				time.Sleep(DelayStep)
				remaining -= DelayStep
				if stop != nil && stop.Stopped() {
					break
				}
			}
			if stop != nil && stop.Stopped() {
				dispatcher.ClearListeners()
				return false
			}
			return true
		}
		for v := int(minValue); v <= int(maxValue); v++ {
			mutated[indices[depth]] = uint8(v)
			if !walk(depth + 1) {
				return false
			}
		}
		return true
	}
	walk(0)
	if sendErr != nil {
		return sendErr
	}
	if onDone != nil {
		onDone("scan finished")
	}
	return nil
}
