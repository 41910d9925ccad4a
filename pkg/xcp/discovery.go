package xcp

import (
	"time"

	vbustool "github.com/cansecio/vbustool"
)

// ArbitrationIDHit is one positive or ambiguous result from
// DiscoverArbitrationIDs.
type ArbitrationIDHit struct {
	ArbitrationID uint32
	ResponseID    uint32
	BadReply      bool // response first byte was 0xFE: ECU speaks XCP but rejected Connect
}

// DiscoverArbitrationIDs brute-forces the Connect command across
// [minID, maxID], treating any response whose first byte is 0xFF (and
// carries a non-empty payload) as a positive hit, and any 0xFE
// response as a "bad reply" hit.
func DiscoverArbitrationIDs(bus vbustool.Bus, minID, maxID uint32, probeDelay time.Duration) []ArbitrationIDHit {
	var hits []ArbitrationIDHit
	for id := minID; id <= maxID; id++ {
		frame, err := vbustool.NewFrame(id, []byte{CmdConnect})
		if err != nil {
			continue
		}
		if err := bus.Send(frame); err != nil {
			continue
		}
		response, err := bus.Recv(probeDelay)
		if err != nil {
			continue
		}
		if len(response.Data) == 0 {
			continue
		}
		switch response.Data[0] {
		case ResponsePositive:
			if len(response.Data) > 1 {
				hits = append(hits, ArbitrationIDHit{ArbitrationID: id, ResponseID: response.ArbitrationID})
			}
		case ResponseError:
			hits = append(hits, ArbitrationIDHit{ArbitrationID: id, ResponseID: response.ArbitrationID, BadReply: true})
		}
	}
	return hits
}

// CommandDiscoveryResult records whether a command code elicited a
// response that wasn't a 0xFE error.
type CommandDiscoveryResult struct {
	Code      uint8
	Name      string
	Supported bool
	TimedOut  bool
}

// DiscoverCommands connects to the slave addressed by cmdID/resID,
// then probes every known command code, classifying it as supported
// when the response's first byte is not 0xFE. A missing response
// within connectTimeout (≤ 3s per-probe recommended) is reported as a
// timeout, not a failure.
func DiscoverCommands(bus vbustool.Bus, cmdID, resID uint32, connectTimeout time.Duration) []CommandDiscoveryResult {
	slave := NewSlave(bus, cmdID, resID)
	var results []CommandDiscoveryResult
	for _, entry := range CommandNames {
		if _, err := slave.Connect(connectTimeout); err != nil {
			results = append(results, CommandDiscoveryResult{Code: entry.Code, Name: entry.Name, TimedOut: true})
			continue
		}
		data, err := slave.request(connectTimeout, entry.Code)
		if err != nil {
			results = append(results, CommandDiscoveryResult{Code: entry.Code, Name: entry.Name, TimedOut: true})
			continue
		}
		supported := len(data) == 0 || data[0] != ResponseError
		results = append(results, CommandDiscoveryResult{Code: entry.Code, Name: entry.Name, Supported: supported})
	}
	return results
}
