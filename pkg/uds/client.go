package uds

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	vbustool "github.com/cansecio/vbustool"
	"github.com/cansecio/vbustool/pkg/isotp"
)

// DefaultResponsePendingRetries bounds how many consecutive 0x78
// (responsePending) replies RawRequest will wait through before
// giving up with a timeout. The source this toolkit is grounded on
// leaves this bound implicit; this toolkit makes it an explicit,
// overridable default.
const DefaultResponsePendingRetries = 10

// Client drives one UDS request/response conversation over an isotp
// Socket. It holds no session state of its own: current session type
// and unlocked security level are the caller's responsibility, per
// the stateless-protocol-layer design this toolkit follows.
type Client struct {
	socket                 *isotp.Socket
	responsePendingRetries int
	waitWindow             time.Duration
	log                    *logrus.Entry
}

// NewClient builds a Client over socket, using
// DefaultResponsePendingRetries and isotp.NBsTimeout as the
// per-response wait window.
func NewClient(socket *isotp.Socket) *Client {
	return &Client{socket: socket, responsePendingRetries: DefaultResponsePendingRetries, waitWindow: isotp.NBsTimeout, log: logrus.WithField("layer", "uds")}
}

// WithResponsePendingRetries overrides the 0x78 retry bound.
func (c *Client) WithResponsePendingRetries(n int) *Client {
	c.responsePendingRetries = n
	return c
}

// WithWaitWindow overrides the per-response wait window.
func (c *Client) WithWaitWindow(d time.Duration) *Client {
	c.waitWindow = d
	return c
}

// RawRequest sends request verbatim and returns the first response
// that is not a responsePending (0x78) negative response. A negative
// response with any other NRC is returned as a *NegativeResponse
// error. Exceeding responsePendingRetries surfaces a timeout.
func (c *Client) RawRequest(request []byte) ([]byte, error) {
	if len(request) > 0 {
		c.log.Debugf("[TX] %s", ServiceName(request[0]))
	}
	if err := c.socket.SendRequest(request); err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		response, err := c.socket.Indication(isotp.IndicationOptions{WaitWindow: c.waitWindow, TrimPadding: true})
		if err != nil {
			return nil, err
		}
		sid, nrc, isNegative := DecodeNegativeResponse(response)
		if !isNegative {
			c.log.Debugf("[RX] positive response to %s", ServiceName(request[0]))
			return response, nil
		}
		if nrc == NRCResponsePending {
			c.log.Debugf("[RX] %s responsePending, attempt %d/%d", ServiceName(sid), attempt+1, c.responsePendingRetries)
			if attempt >= c.responsePendingRetries {
				return nil, fmt.Errorf("%w: exceeded %d responsePending retries", vbustool.ErrTimeout, c.responsePendingRetries)
			}
			continue
		}
		c.log.Warnf("[RX] %s negative response, NRC %s", ServiceName(sid), nrc)
		return nil, &NegativeResponse{SID: sid, NRC: nrc}
	}
}

// DiagnosticSessionControl requests sessionType, returning the
// response bytes following the positive-response SID (or an error).
func (c *Client) DiagnosticSessionControl(sessionType uint8) ([]byte, error) {
	response, err := c.RawRequest([]byte{SIDDiagnosticSessionControl, sessionType})
	if err != nil {
		return nil, err
	}
	return response[1:], nil
}

// EcuReset requests resetType (0x00 is invalid per the standard and
// is rejected by compliant servers with subFunctionNotSupported).
func (c *Client) EcuReset(resetType uint8) ([]byte, error) {
	response, err := c.RawRequest([]byte{SIDEcuReset, resetType})
	if err != nil {
		return nil, err
	}
	return response[1:], nil
}

// TesterPresent sends one TesterPresent (0x3E) request at sub-function
// 0x00, or 0x80 to suppress the positive response (fire-and-forget,
// no response awaited).
func (c *Client) TesterPresent(suppressResponse bool) error {
	subFunction := uint8(0x00)
	if suppressResponse {
		subFunction = SuppressPositiveResponseBit
		return c.socket.SendRequest([]byte{SIDTesterPresent, subFunction})
	}
	_, err := c.RawRequest([]byte{SIDTesterPresent, subFunction})
	return err
}

// KeepAlive repeats TesterPresent every interval until stop is
// closed, or for duration if duration > 0. Intended to be run in its
// own goroutine.
func (c *Client) KeepAlive(interval, duration time.Duration, suppressResponse bool, stop <-chan struct{}) {
	var deadline time.Time
	if duration > 0 {
		deadline = time.Now().Add(duration)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = c.TesterPresent(suppressResponse)
			if !deadline.IsZero() && time.Now().After(deadline) {
				return
			}
		}
	}
}

// RequestSeed issues a SecurityAccess (0x27) request-seed sub-function
// for level. level must be odd (even levels are request-side send-key
// values, rejected here before any I/O per the invalid-argument
// policy). dataRecord is appended verbatim (server-specific).
func (c *Client) RequestSeed(level uint8, dataRecord []byte) ([]byte, error) {
	if level%2 == 0 {
		return nil, fmt.Errorf("%w: security access request-seed level %d must be odd", vbustool.ErrInvalidArgument, level)
	}
	request := append([]byte{SIDSecurityAccess, level}, dataRecord...)
	response, err := c.RawRequest(request)
	if err != nil {
		return nil, err
	}
	return response[1:], nil
}

// SendKeyLevel returns the send-key sub-function value that pairs
// with a request-seed level.
func SendKeyLevel(requestSeedLevel uint8) uint8 { return requestSeedLevel + 1 }

// SendKey issues a SecurityAccess (0x27) send-key sub-function for
// level with key.
func (c *Client) SendKey(level uint8, key []byte) ([]byte, error) {
	request := append([]byte{SIDSecurityAccess, level}, key...)
	response, err := c.RawRequest(request)
	if err != nil {
		return nil, err
	}
	return response[1:], nil
}

// ReadDataByIdentifier issues a ReadDataByIdentifier (0x22) request
// for did, returning the payload bytes following the DID.
func (c *Client) ReadDataByIdentifier(did uint16) ([]byte, error) {
	response, err := c.RawRequest([]byte{SIDReadDataByIdentifier, byte(did >> 8), byte(did)})
	if err != nil {
		return nil, err
	}
	if len(response) < 3 {
		return nil, fmt.Errorf("%w: ReadDataByIdentifier response shorter than DID echo", vbustool.ErrProtocolError)
	}
	return response[3:], nil
}

// DIDRecord is one positive ReadDataByIdentifier result.
type DIDRecord struct {
	DID     uint16
	Payload []byte
}

// DumpDIDs sweeps [minDID, maxDID] with ReadDataByIdentifier,
// recording a DIDRecord for every positive response and silently
// skipping negative responses (including responsePending exhaustion
// and timeouts on identifiers the ECU ignores outright).
func (c *Client) DumpDIDs(minDID, maxDID uint16) []DIDRecord {
	var records []DIDRecord
	for did := uint32(minDID); did <= uint32(maxDID); did++ {
		payload, err := c.ReadDataByIdentifier(uint16(did))
		if err != nil {
			continue
		}
		records = append(records, DIDRecord{DID: uint16(did), Payload: payload})
	}
	return records
}
