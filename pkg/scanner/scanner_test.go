package scanner

import (
	"sync"
	"testing"
	"time"

	vbustool "github.com/cansecio/vbustool"
	"github.com/cansecio/vbustool/pkg/can/virtual"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	current vbustool.FrameListener
	cleared bool
}

func (d *fakeDispatcher) SetListener(l vbustool.FrameListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = l
}

func (d *fakeDispatcher) ClearListeners() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = nil
	d.cleared = true
}

func TestAutoBlacklist(t *testing.T) {
	channel := t.Name()
	busA, err := virtual.NewBus(channel)
	require.NoError(t, err)
	busB, err := virtual.NewBus(channel)
	require.NoError(t, err)
	require.NoError(t, busA.Connect())
	require.NoError(t, busB.Connect())
	t.Cleanup(func() { _ = busA.Disconnect(); _ = busB.Disconnect() })

	go func() {
		f, _ := vbustool.NewFrame(0x123, []byte{1})
		_ = busA.Send(f)
	}()

	blacklist := AutoBlacklist(busB, 150*time.Millisecond, func(frame vbustool.Frame) bool { return true })
	_, found := blacklist[0x123]
	assert.True(t, found)
}

func TestBruteforceArbitrationIDStop(t *testing.T) {
	channel := t.Name()
	bus, err := virtual.NewBus(channel)
	require.NoError(t, err)
	require.NoError(t, bus.Connect())
	t.Cleanup(func() { _ = bus.Disconnect() })

	dispatcher := &fakeDispatcher{}
	stop := NewStopFlag()

	var visited []uint32
	var mu sync.Mutex
	factory := func(v any) vbustool.FrameListener {
		mu.Lock()
		visited = append(visited, v.(uint32))
		mu.Unlock()
		if v.(uint32) == 0x05 {
			stop.Stop()
		}
		return vbustool.FrameListenerFunc(func(vbustool.Frame) {})
	}

	var completeMsg string
	onComplete := func(msg string) { completeMsg = msg }

	require.NoError(t, BruteforceArbitrationID(bus, dispatcher, []byte{0x10}, factory, 0x00, 0x0A, stop, onComplete))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5}, visited)
	assert.Equal(t, "bruteforce of range stopped", completeMsg)
	assert.True(t, dispatcher.cleared)
}

func TestBruteforceDataNewCartesianOrder(t *testing.T) {
	channel := t.Name()
	bus, err := virtual.NewBus(channel)
	require.NoError(t, err)
	require.NoError(t, bus.Connect())
	t.Cleanup(func() { _ = bus.Disconnect() })

	dispatcher := &fakeDispatcher{}
	var combos [][]uint8
	var mu sync.Mutex
	factory := func(v any) vbustool.FrameListener {
		mu.Lock()
		combos = append(combos, v.([]uint8))
		mu.Unlock()
		return vbustool.FrameListenerFunc(func(vbustool.Frame) {})
	}

	data := make([]byte, 8)
	require.NoError(t, BruteforceDataNew(bus, dispatcher, 0x100, data, []int{0, 1}, factory, 0, 1, nil, nil))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, combos, 4)
	assert.Equal(t, []uint8{0, 0}, combos[0])
	assert.Equal(t, []uint8{0, 1}, combos[1])
	assert.Equal(t, []uint8{1, 0}, combos[2])
	assert.Equal(t, []uint8{1, 1}, combos[3])
}
