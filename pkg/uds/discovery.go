package uds

import (
	"time"

	"github.com/sirupsen/logrus"

	vbustool "github.com/cansecio/vbustool"
	"github.com/cansecio/vbustool/pkg/isotp"
	"github.com/cansecio/vbustool/pkg/scanner"
)

var discoveryLog = logrus.WithField("layer", "uds-discovery")

// ChannelPair is a confirmed (request, response) arbitration ID pair
// discovered by Discover.
type ChannelPair struct {
	RequestID  uint32
	ResponseID uint32
}

// DiscoveryOptions configures Discover.
type DiscoveryOptions struct {
	MinID, MaxID          uint32
	Blacklist             map[uint32]struct{}
	AutoBlacklistDuration time.Duration
	ProbeDelay            time.Duration
	Verify                bool
}

// probeSF builds the single-frame Diagnostic Session Control probe
// (SID 0x10, sub-function 0x01) used to provoke any ECU listening on
// a given arbitration id into responding.
func probeSF() []byte {
	frames, _ := isotp.GetFramesFromMessage([]byte{SIDDiagnosticSessionControl, 0x01}, nil)
	return frames[0]
}

// probe sends the session-control probe under id and returns the
// first response arbitration id seen within delay that did not come
// from id itself, or ok=false if none arrived.
func probe(bus vbustool.Bus, id uint32, delay time.Duration) (responseID uint32, ok bool) {
	frame, err := vbustool.NewFrame(id, probeSF())
	if err != nil {
		return 0, false
	}
	if err := bus.Send(frame); err != nil {
		return 0, false
	}
	deadline := time.Now().Add(delay)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, false
		}
		frame, err := bus.Recv(remaining)
		if err != nil {
			return 0, false
		}
		if frame.ArbitrationID != id {
			return frame.ArbitrationID, true
		}
	}
}

// Discover sweeps [opts.MinID, opts.MaxID] for ECUs that answer the
// Diagnostic Session Control probe, returning confirmed
// (request, response) pairs in ascending request-id order.
func Discover(bus vbustool.Bus, opts DiscoveryOptions) []ChannelPair {
	blacklist := make(map[uint32]struct{}, len(opts.Blacklist))
	for id := range opts.Blacklist {
		blacklist[id] = struct{}{}
	}
	if opts.AutoBlacklistDuration > 0 {
		for id := range scanner.AutoBlacklist(bus, opts.AutoBlacklistDuration, func(vbustool.Frame) bool { return true }) {
			blacklist[id] = struct{}{}
		}
	}

	probeDelay := opts.ProbeDelay
	if probeDelay == 0 {
		probeDelay = 100 * time.Millisecond
	}

	var pairs []ChannelPair
	for id := opts.MinID; id <= opts.MaxID; id++ {
		if _, skip := blacklist[id]; skip {
			continue
		}
		responseID, ok := probe(bus, id, probeDelay)
		if !ok {
			continue
		}
		if opts.Verify {
			time.Sleep(20 * time.Millisecond)
			secondResponseID, ok := probe(bus, id, probeDelay)
			if !ok || secondResponseID != responseID {
				continue
			}
		}
		discoveryLog.Debugf("[x%x] responded on x%x", id, responseID)
		pairs = append(pairs, ChannelPair{RequestID: id, ResponseID: responseID})
	}
	return pairs
}

// ServiceDiscoveryOptions configures ServiceDiscovery.
type ServiceDiscoveryOptions struct {
	MinSID, MaxSID uint8
	ProbeDelay     time.Duration
}

// classify sends request on socket and reports whether the SID it
// addresses exists, per the positive/serviceNotSupported/other-NRC
// rule in the UDS discovery algorithm.
func classify(socket *isotp.Socket, request []byte, probeDelay time.Duration) bool {
	if err := socket.SendRequest(request); err != nil {
		return false
	}
	response, err := socket.Indication(isotp.IndicationOptions{WaitWindow: probeDelay, TrimPadding: true})
	if err != nil {
		return false
	}
	sid, nrc, isNegative := DecodeNegativeResponse(response)
	if !isNegative {
		return true
	}
	if nrc == NRCServiceNotSupported {
		return false
	}
	_ = sid
	return true
}

// ServiceDiscovery sweeps [opts.MinSID, opts.MaxSID] over the channel
// addressed by socket, returning the SIDs classified as supported in
// ascending order.
func ServiceDiscovery(socket *isotp.Socket, opts ServiceDiscoveryOptions) []uint8 {
	probeDelay := opts.ProbeDelay
	if probeDelay == 0 {
		probeDelay = isotp.NBsTimeout
	}
	var supported []uint8
	for sid := int(opts.MinSID); sid <= int(opts.MaxSID); sid++ {
		if classify(socket, []byte{uint8(sid), 0x01}, probeDelay) {
			supported = append(supported, uint8(sid))
		}
	}
	return supported
}

// SubFunctionDiscoveryOptions configures SubFunctionDiscovery.
type SubFunctionDiscoveryOptions struct {
	SID              uint8
	ExtendedSession  uint8
	ProbeDelay       time.Duration
}

// SubFunctionDiscovery sweeps sub-function values 0..0xFF for sid,
// first entering the caller-requested extended diagnostic session (0
// to skip), and returns the sub-functions classified as supported in
// ascending order.
func SubFunctionDiscovery(socket *isotp.Socket, opts SubFunctionDiscoveryOptions) []uint8 {
	probeDelay := opts.ProbeDelay
	if probeDelay == 0 {
		probeDelay = isotp.NBsTimeout
	}
	if opts.ExtendedSession != 0 {
		client := NewClient(socket)
		_, _ = client.DiagnosticSessionControl(opts.ExtendedSession)
	}
	var supported []uint8
	for sub := 0; sub <= 0xFF; sub++ {
		if classify(socket, []byte{opts.SID, uint8(sub)}, probeDelay) {
			supported = append(supported, uint8(sub))
		}
	}
	return supported
}
