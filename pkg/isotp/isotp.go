// Package isotp implements ISO-15765-2 (ISO-TP), the multi-frame
// messaging protocol that lets a CAN frame's 8-byte payload carry
// messages of up to 4095 bytes. It underlies UDS and is used here the
// same way the teacher's pkg/sdo client segments object dictionary
// transfers over raw CAN: a state machine driven by Bus.Recv rather
// than an event callback.
package isotp

import (
	"fmt"
	"time"

	vbustool "github.com/cansecio/vbustool"
)

// Per-frame size limits, fixed by the protocol.
const (
	MaxSFLength      = 7
	MaxFFLength      = 6
	MaxCFLength      = 7
	MaxFrameLength   = 8
	MaxMessageLength = 4095
)

// PCI nibble values (top 4 bits of the first payload byte).
const (
	FrameTypeSF = 0
	FrameTypeFF = 1
	FrameTypeCF = 2
	FrameTypeFC = 3
)

// FlowStatus is the 4-bit flow status carried by a flow control frame.
type FlowStatus uint8

const (
	FlowStatusContinue FlowStatus = 0
	FlowStatusWait     FlowStatus = 1
	FlowStatusOverflow FlowStatus = 2
)

func (fs FlowStatus) String() string {
	switch fs {
	case FlowStatusContinue:
		return "CTS"
	case FlowStatusWait:
		return "WAIT"
	case FlowStatusOverflow:
		return "OVFLW"
	default:
		return fmt.Sprintf("FS(%d)", fs)
	}
}

// NBsTimeout is the default time to wait for a flow control frame
// while transmitting, or for any frame while receiving.
const NBsTimeout = 1500 * time.Millisecond

// DefaultPadding is the byte value used to pad frames shorter than 8
// bytes when padding is enabled.
const DefaultPadding byte = 0x00

// DecodeSF extracts the single-frame data length and payload from a
// raw CAN frame payload.
func DecodeSF(frame []byte) (dataLength int, data []byte, ok bool) {
	if len(frame) < 1 {
		return 0, nil, false
	}
	return int(frame[0] & 0xF), frame[1:], true
}

// DecodeFF extracts the announced total message length and the
// leading data bytes from a first-frame payload.
func DecodeFF(frame []byte) (messageLength int, data []byte, ok bool) {
	if len(frame) < 2 {
		return 0, nil, false
	}
	length := (int(frame[0]&0xF) << 8) | int(frame[1])
	return length, frame[2:], true
}

// DecodeCF extracts the sequence number and data bytes from a
// consecutive-frame payload.
func DecodeCF(frame []byte) (sequenceNumber int, data []byte, ok bool) {
	if len(frame) < 1 {
		return 0, nil, false
	}
	return int(frame[0] & 0xF), frame[1:], true
}

// DecodeFC extracts flow status, block size and STmin from a flow
// control frame payload.
func DecodeFC(frame []byte) (fs FlowStatus, blockSize uint8, stMin uint8, ok bool) {
	if len(frame) < 3 {
		return 0, 0, 0, false
	}
	return FlowStatus(frame[0] & 0xF), frame[1], frame[2], true
}

// EncodeFC builds a flow control frame payload.
func EncodeFC(fs FlowStatus, blockSize uint8, stMin uint8) []byte {
	return []byte{(FrameTypeFC << 4) | byte(fs), blockSize, stMin, 0, 0, 0, 0, 0}
}

// normalizeSTmin rounds the microsecond-range (0xF1-0xF9) and reserved
// STmin ranges up to one millisecond, per ISO-15765-2.
func normalizeSTmin(stMin uint8) time.Duration {
	if stMin > 0x7F {
		return time.Millisecond
	}
	return time.Duration(stMin) * time.Millisecond
}

// GetFramesFromMessage splits message into the raw CAN frame payloads
// needed to transmit it over ISO-TP, applying padding when enabled.
// A nil padding disables padding (frames shrink to their natural
// length); a non-nil padding pads every frame, including the last CF,
// out to 8 bytes.
func GetFramesFromMessage(message []byte, padding *byte) ([][]byte, error) {
	if len(message) == 0 {
		return nil, fmt.Errorf("%w: message length 0", vbustool.ErrInvalidArgument)
	}
	if len(message) > MaxMessageLength {
		return nil, fmt.Errorf("%w: message length %d exceeds %d bytes", vbustool.ErrMessageTooLong, len(message), MaxMessageLength)
	}

	padValue := DefaultPadding
	paddingEnabled := padding != nil
	if paddingEnabled {
		padValue = *padding
	}

	var frames [][]byte
	messageLength := len(message)

	if messageLength <= MaxSFLength {
		var frame []byte
		if paddingEnabled {
			frame = make([]byte, MaxFrameLength)
			for i := range frame {
				frame[i] = padValue
			}
		} else {
			frame = make([]byte, messageLength+1)
		}
		frame[0] = (FrameTypeSF << 4) | byte(messageLength)
		copy(frame[1:], message)
		return append(frames, frame), nil
	}

	frame := make([]byte, MaxFrameLength)
	frame[0] = (FrameTypeFF << 4) | byte((messageLength>>8)&0xF)
	frame[1] = byte(messageLength & 0xFF)
	copy(frame[2:], message[:MaxFFLength])
	frames = append(frames, frame)

	bytesCopied := MaxFFLength
	bytesLeft := messageLength - bytesCopied
	sn := 0
	for bytesLeft > 0 {
		sn = (sn + 1) % 16
		chunk := MaxCFLength
		if bytesLeft < chunk {
			chunk = bytesLeft
		}
		var cf []byte
		if !paddingEnabled && bytesLeft < MaxCFLength {
			cf = make([]byte, bytesLeft+1)
		} else {
			cf = make([]byte, MaxFrameLength)
			for i := range cf {
				cf[i] = padValue
			}
		}
		cf[0] = (FrameTypeCF << 4) | byte(sn)
		copy(cf[1:], message[bytesCopied:bytesCopied+chunk])
		bytesCopied += chunk
		bytesLeft -= chunk
		frames = append(frames, cf)
	}
	return frames, nil
}
