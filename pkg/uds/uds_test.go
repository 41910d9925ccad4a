package uds

import (
	"testing"
	"time"

	vbustool "github.com/cansecio/vbustool"
	"github.com/cansecio/vbustool/pkg/can/virtual"
	"github.com/cansecio/vbustool/pkg/isotp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockECU runs a UDS request/response loop on its own goroutine,
// computing each response with handler, until stop is closed.
func mockECU(t *testing.T, bus vbustool.Bus, requestID, responseID uint32, handler func(request []byte) []byte, stop <-chan struct{}) {
	t.Helper()
	socket := isotp.NewSocket(bus, requestID, responseID)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			request, err := socket.Indication(isotp.IndicationOptions{WaitWindow: 50 * time.Millisecond, TrimPadding: true})
			if err != nil {
				continue
			}
			response := handler(request)
			if response == nil {
				continue
			}
			_ = socket.SendResponse(response)
		}
	}()
}

func connectedPair(t *testing.T, channel string) (client, ecu vbustool.Bus) {
	t.Helper()
	a, err := virtual.NewBus(channel)
	require.NoError(t, err)
	b, err := virtual.NewBus(channel)
	require.NoError(t, err)
	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())
	t.Cleanup(func() { _ = a.Disconnect(); _ = b.Disconnect() })
	return a, b
}

func TestDiscoverUDS(t *testing.T) {
	clientBus, ecuBus := connectedPair(t, t.Name())
	stop := make(chan struct{})
	defer close(stop)

	mockECU(t, ecuBus, 0x300E, 0x300F, func(request []byte) []byte {
		return []byte{PositiveResponseSID(request[0]), request[1]}
	}, stop)

	pairs := Discover(clientBus, DiscoveryOptions{MinID: 0x3009, MaxID: 0x3013, ProbeDelay: 60 * time.Millisecond, Verify: true})
	require.Len(t, pairs, 1)
	assert.EqualValues(t, 0x300E, pairs[0].RequestID)
	assert.EqualValues(t, 0x300F, pairs[0].ResponseID)
}

func TestDiscoverUDSIdempotent(t *testing.T) {
	clientBus, ecuBus := connectedPair(t, t.Name())
	stop := make(chan struct{})
	defer close(stop)

	mockECU(t, ecuBus, 0x300E, 0x300F, func(request []byte) []byte {
		return []byte{PositiveResponseSID(request[0]), request[1]}
	}, stop)

	opts := DiscoveryOptions{MinID: 0x3009, MaxID: 0x3013, ProbeDelay: 60 * time.Millisecond, Verify: true}
	first := Discover(clientBus, opts)
	second := Discover(clientBus, opts)
	assert.Equal(t, first, second)
}

func TestServiceDiscovery(t *testing.T) {
	clientBus, ecuBus := connectedPair(t, t.Name())
	stop := make(chan struct{})
	defer close(stop)

	mockECU(t, ecuBus, 0x300E, 0x300F, func(request []byte) []byte {
		switch request[0] {
		case SIDDiagnosticSessionControl, SIDEcuReset:
			return []byte{PositiveResponseSID(request[0]), request[1]}
		default:
			return []byte{SIDNegativeResponse, request[0], byte(NRCServiceNotSupported)}
		}
	}, stop)

	socket := isotp.NewSocket(clientBus, 0x300E, 0x300F)
	supported := ServiceDiscovery(socket, ServiceDiscoveryOptions{MinSID: 0x09, MaxSID: 0x13, ProbeDelay: 60 * time.Millisecond})
	assert.Equal(t, []uint8{SIDDiagnosticSessionControl, SIDEcuReset}, supported)
}

func TestEcuReset(t *testing.T) {
	clientBus, ecuBus := connectedPair(t, t.Name())
	stop := make(chan struct{})
	defer close(stop)

	mockECU(t, ecuBus, 0x7E0, 0x7E8, func(request []byte) []byte {
		if request[0] != SIDEcuReset {
			return nil
		}
		if request[1] == 0x00 {
			return []byte{SIDNegativeResponse, SIDEcuReset, byte(NRCSubFunctionNotSupported)}
		}
		return []byte{PositiveResponseSID(SIDEcuReset), request[1]}
	}, stop)

	client := NewClient(isotp.NewSocket(clientBus, 0x7E0, 0x7E8))

	response, err := client.EcuReset(0x01)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, response)

	_, err = client.EcuReset(0x00)
	var negResp *NegativeResponse
	require.ErrorAs(t, err, &negResp)
	assert.Equal(t, NRCSubFunctionNotSupported, negResp.NRC)
}

func TestSecurityAccessHandshake(t *testing.T) {
	clientBus, ecuBus := connectedPair(t, t.Name())
	stop := make(chan struct{})
	defer close(stop)

	const correctKey = 0x99
	mockECU(t, ecuBus, 0x7E0, 0x7E8, func(request []byte) []byte {
		if request[0] != SIDSecurityAccess {
			return nil
		}
		level := request[1]
		if level%2 == 1 {
			return []byte{PositiveResponseSID(SIDSecurityAccess), level, 0xAB, 0xCD}
		}
		if request[2] == correctKey {
			return []byte{PositiveResponseSID(SIDSecurityAccess), level}
		}
		return []byte{SIDNegativeResponse, SIDSecurityAccess, byte(NRCInvalidKey)}
	}, stop)

	client := NewClient(isotp.NewSocket(clientBus, 0x7E0, 0x7E8))

	seedResponse, err := client.RequestSeed(1, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xAB, 0xCD}, seedResponse)

	keyResponse, err := client.SendKey(SendKeyLevel(1), []byte{correctKey})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02}, keyResponse)

	_, err = client.RequestSeed(2, nil)
	assert.ErrorIs(t, err, vbustool.ErrInvalidArgument)
}

func TestResponsePendingRetry(t *testing.T) {
	clientBus, ecuBus := connectedPair(t, t.Name())
	stop := make(chan struct{})
	defer close(stop)

	// The ECU answers the one request with two responsePending replies
	// before the final positive response.
	ecuSocket := isotp.NewSocket(ecuBus, 0x7E0, 0x7E8)
	mockECU(t, ecuBus, 0x7E0, 0x7E8, func(request []byte) []byte {
		for i := 0; i < 2; i++ {
			_ = ecuSocket.SendResponse([]byte{SIDNegativeResponse, request[0], byte(NRCResponsePending)})
		}
		return []byte{PositiveResponseSID(request[0]), 0x01}
	}, stop)

	client := NewClient(isotp.NewSocket(clientBus, 0x7E0, 0x7E8))
	response, err := client.DiagnosticSessionControl(0x01)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, response)
}

func TestDumpDIDs(t *testing.T) {
	clientBus, ecuBus := connectedPair(t, t.Name())
	stop := make(chan struct{})
	defer close(stop)

	mockECU(t, ecuBus, 0x7E0, 0x7E8, func(request []byte) []byte {
		if request[0] != SIDReadDataByIdentifier {
			return nil
		}
		did := uint16(request[1])<<8 | uint16(request[2])
		if did == 0xF190 {
			return []byte{PositiveResponseSID(SIDReadDataByIdentifier), request[1], request[2], 'V', 'I', 'N'}
		}
		return []byte{SIDNegativeResponse, SIDReadDataByIdentifier, byte(NRCRequestOutOfRange)}
	}, stop)

	client := NewClient(isotp.NewSocket(clientBus, 0x7E0, 0x7E8)).WithWaitWindow(60 * time.Millisecond).WithResponsePendingRetries(1)
	records := client.DumpDIDs(0xF18E, 0xF192)
	require.Len(t, records, 1)
	assert.EqualValues(t, 0xF190, records[0].DID)
	assert.Equal(t, []byte{'V', 'I', 'N'}, records[0].Payload)
}
