// Package uds implements a UDS (ISO-14229) client over an isotp
// Socket: request/response framing, the 0x78 responsePending retry
// loop, and the discovery algorithms (uds_discovery, service
// discovery, sub-function discovery) a diagnostics scanner uses to
// find ECUs without prior knowledge of their arbitration IDs.
package uds

import "fmt"

// Service identifiers (SIDs), the subset the toolkit names explicitly.
const (
	SIDDiagnosticSessionControl     uint8 = 0x10
	SIDEcuReset                     uint8 = 0x11
	SIDClearDiagnosticInformation   uint8 = 0x14
	SIDReadDtcInformation           uint8 = 0x19
	SIDReadDataByIdentifier         uint8 = 0x22
	SIDReadMemoryByAddress          uint8 = 0x23
	SIDSecurityAccess               uint8 = 0x27
	SIDCommunicationControl         uint8 = 0x28
	SIDWriteDataByIdentifier        uint8 = 0x2E
	SIDInputOutputControlByIdentifier uint8 = 0x2F
	SIDRoutineControl               uint8 = 0x31
	SIDRequestDownload              uint8 = 0x34
	SIDRequestUpload                uint8 = 0x35
	SIDTransferData                 uint8 = 0x36
	SIDRequestTransferExit          uint8 = 0x37
	SIDTesterPresent                uint8 = 0x3E
	SIDNegativeResponse             uint8 = 0x7F
)

// serviceNames maps SIDs to their catalog name, for diagnostics/logging.
var serviceNames = map[uint8]string{
	SIDDiagnosticSessionControl:       "DiagnosticSessionControl",
	SIDEcuReset:                       "EcuReset",
	SIDClearDiagnosticInformation:     "ClearDiagnosticInformation",
	SIDReadDtcInformation:             "ReadDtcInformation",
	SIDReadDataByIdentifier:           "ReadDataByIdentifier",
	SIDReadMemoryByAddress:            "ReadMemoryByAddress",
	SIDSecurityAccess:                 "SecurityAccess",
	SIDCommunicationControl:           "CommunicationControl",
	SIDWriteDataByIdentifier:          "WriteDataByIdentifier",
	SIDInputOutputControlByIdentifier: "InputOutputControlByIdentifier",
	SIDRoutineControl:                 "RoutineControl",
	SIDRequestDownload:                "RequestDownload",
	SIDRequestUpload:                  "RequestUpload",
	SIDTransferData:                   "TransferData",
	SIDRequestTransferExit:            "RequestTransferExit",
	SIDTesterPresent:                  "TesterPresent",
	SIDNegativeResponse:               "NegativeResponse",
}

// ServiceName returns the catalog name for sid, or a hex fallback for
// an unrecognized service.
func ServiceName(sid uint8) string {
	if name, ok := serviceNames[sid]; ok {
		return name
	}
	return fmt.Sprintf("SID(0x%02X)", sid)
}

// NRC is a UDS negative response code.
type NRC uint8

const (
	NRCGeneralReject                  NRC = 0x10
	NRCServiceNotSupported            NRC = 0x11
	NRCSubFunctionNotSupported        NRC = 0x12
	NRCIncorrectMessageLength         NRC = 0x13
	NRCBusy                           NRC = 0x21
	NRCConditionsNotCorrect           NRC = 0x22
	NRCRequestOutOfRange              NRC = 0x31
	NRCSecurityAccessDenied           NRC = 0x33
	NRCInvalidKey                     NRC = 0x35
	NRCExceededNumberOfAttempts       NRC = 0x36
	NRCRequiredTimeDelayNotExpired    NRC = 0x37
	NRCResponsePending                NRC = 0x78
)

var nrcNames = map[NRC]string{
	NRCGeneralReject:               "generalReject",
	NRCServiceNotSupported:         "serviceNotSupported",
	NRCSubFunctionNotSupported:     "subFunctionNotSupported",
	NRCIncorrectMessageLength:      "incorrectMessageLength",
	NRCBusy:                        "busy",
	NRCConditionsNotCorrect:        "conditionsNotCorrect",
	NRCRequestOutOfRange:           "requestOutOfRange",
	NRCSecurityAccessDenied:        "securityAccessDenied",
	NRCInvalidKey:                  "invalidKey",
	NRCExceededNumberOfAttempts:    "exceededNumberOfAttempts",
	NRCRequiredTimeDelayNotExpired: "requiredTimeDelayNotExpired",
	NRCResponsePending:             "responsePending",
}

func (n NRC) String() string {
	if name, ok := nrcNames[n]; ok {
		return name
	}
	return fmt.Sprintf("NRC(0x%02X)", uint8(n))
}

// NegativeResponse is returned when the server answers a request with
// a [0x7F, SID, NRC] frame whose NRC is not responsePending (that one
// is handled internally as a retry, never surfaced to the caller).
type NegativeResponse struct {
	SID uint8
	NRC NRC
}

func (e *NegativeResponse) Error() string {
	return fmt.Sprintf("uds: %s rejected: %s", ServiceName(e.SID), e.NRC)
}

// PositiveResponseSID returns the SID with the positive-response bit
// (0x40) set.
func PositiveResponseSID(sid uint8) uint8 { return sid | 0x40 }

// IsPositiveResponse reports whether response is well-formed and its
// first byte equals the positive-response form of sid.
func IsPositiveResponse(sid uint8, response []byte) bool {
	return len(response) >= 1 && response[0] == PositiveResponseSID(sid)
}

// DecodeNegativeResponse extracts the (SID, NRC) pair from a
// well-formed [0x7F, SID, NRC] frame.
func DecodeNegativeResponse(response []byte) (sid uint8, nrc NRC, ok bool) {
	if len(response) < 3 || response[0] != SIDNegativeResponse {
		return 0, 0, false
	}
	return response[1], NRC(response[2]), true
}

// SuppressPositiveResponseBit, when set in a sub-function byte,
// requests the server not to send a positive response.
const SuppressPositiveResponseBit uint8 = 0x80
