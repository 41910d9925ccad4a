package virtual

import (
	"testing"
	"time"

	vbustool "github.com/cansecio/vbustool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustConnect(t *testing.T, channel string) *Bus {
	t.Helper()
	raw, err := NewBus(channel)
	require.NoError(t, err)
	bus := raw.(*Bus)
	require.NoError(t, bus.Connect())
	t.Cleanup(func() { _ = bus.Disconnect() })
	return bus
}

func TestSendAndRecv(t *testing.T) {
	channel := t.Name()
	a := mustConnect(t, channel)
	b := mustConnect(t, channel)

	for i := 0; i < 10; i++ {
		frame, err := vbustool.NewFrame(0x111, []byte{byte(i)})
		require.NoError(t, err)
		require.NoError(t, a.Send(frame))
	}
	for i := 0; i < 10; i++ {
		frame, err := b.Recv(time.Second)
		require.NoError(t, err)
		assert.EqualValues(t, 0x111, frame.ArbitrationID)
		assert.Equal(t, byte(i), frame.Data[0])
	}
}

func TestRecvTimeout(t *testing.T) {
	channel := t.Name()
	b := mustConnect(t, channel)
	_, err := b.Recv(10 * time.Millisecond)
	assert.ErrorIs(t, err, vbustool.ErrNoFrame)
}

func TestReceiveOwn(t *testing.T) {
	channel := t.Name()
	a := mustConnect(t, channel)

	frame, err := vbustool.NewFrame(0x111, []byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, a.Send(frame))
	_, err = a.Recv(10 * time.Millisecond)
	assert.ErrorIs(t, err, vbustool.ErrNoFrame)

	a.SetReceiveOwn(true)
	require.NoError(t, a.Send(frame))
	got, err := a.Recv(time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 0x111, got.ArbitrationID)
}

func TestFilters(t *testing.T) {
	channel := t.Name()
	a := mustConnect(t, channel)
	b := mustConnect(t, channel)
	require.NoError(t, b.SetFilters([]vbustool.Filter{{CANID: 0x200, Mask: 0x7FF}}))

	unmatched, _ := vbustool.NewFrame(0x100, []byte{1})
	matched, _ := vbustool.NewFrame(0x200, []byte{2})
	require.NoError(t, a.Send(unmatched))
	require.NoError(t, a.Send(matched))

	got, err := b.Recv(time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 0x200, got.ArbitrationID)

	_, err = b.Recv(20 * time.Millisecond)
	assert.ErrorIs(t, err, vbustool.ErrNoFrame)
}
