package isotp

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	vbustool "github.com/cansecio/vbustool"
	"github.com/cansecio/vbustool/internal/fifo"
)

// Socket binds a pair of arbitration IDs (request and response) to a
// Bus and drives the ISO-TP send/receive state machines over it. It
// plays the role the teacher's SDO client plays for object dictionary
// transfers: one struct per logical conversation, reused across many
// request/response exchanges.
type Socket struct {
	bus        vbustool.Bus
	requestID  uint32
	responseID uint32
	padding    *byte
	extended   bool
	log        *logrus.Entry
}

// NewSocket builds a Socket addressing requestID/responseID on bus.
// Frames are padded to 8 bytes with 0x00 by default; use WithPadding
// to change or disable this.
func NewSocket(bus vbustool.Bus, requestID, responseID uint32) *Socket {
	pad := DefaultPadding
	log := logrus.WithFields(logrus.Fields{"req": fmt.Sprintf("x%x", requestID), "resp": fmt.Sprintf("x%x", responseID)})
	return &Socket{bus: bus, requestID: requestID, responseID: responseID, padding: &pad, log: log}
}

// WithPadding sets the padding byte, or disables padding if pad is nil.
func (s *Socket) WithPadding(pad *byte) *Socket {
	s.padding = pad
	return s
}

// WithExtended marks both arbitration IDs as 29-bit extended IDs.
func (s *Socket) WithExtended(extended bool) *Socket {
	s.extended = extended
	return s
}

// SetFilterSingleArbitrationID restricts bus reception to frames
// matching exactly arbitrationID.
func (s *Socket) SetFilterSingleArbitrationID(arbitrationID uint32) error {
	return s.bus.SetFilters([]vbustool.Filter{{CANID: arbitrationID, Mask: vbustool.MaxExtendedArbitrationID, Extended: s.extended}})
}

// ClearFilters removes any previously installed filter.
func (s *Socket) ClearFilters() error {
	return s.bus.SetFilters(nil)
}

func (s *Socket) send(arbitrationID uint32, data []byte) error {
	frame, err := vbustool.NewFrame(arbitrationID, data)
	if err != nil {
		return err
	}
	if s.extended {
		frame.Flags |= vbustool.FlagExtended
	}
	s.log.Debugf("[TX][x%x] % x", arbitrationID, data)
	return s.bus.Send(frame)
}

// SendRequest segments message and transmits it as a request, waiting
// on flow control from the response arbitration ID when more than one
// frame is needed.
func (s *Socket) SendRequest(message []byte) error {
	frames, err := GetFramesFromMessage(message, s.padding)
	if err != nil {
		return err
	}
	return s.transmit(frames, s.requestID, s.responseID)
}

// SendResponse segments message and transmits it as a response,
// waiting on flow control from the request arbitration ID.
func (s *Socket) SendResponse(message []byte) error {
	frames, err := GetFramesFromMessage(message, s.padding)
	if err != nil {
		return err
	}
	return s.transmit(frames, s.responseID, s.requestID)
}

// transmit sends frames on arbitrationID, pausing after each flow
// controlled block to wait for a flow control frame on
// flowControlArbitrationID.
func (s *Socket) transmit(frames [][]byte, arbitrationID, flowControlArbitrationID uint32) error {
	if len(frames) == 0 {
		return nil
	}
	if len(frames) == 1 {
		return s.send(arbitrationID, frames[0])
	}

	if err := s.send(arbitrationID, frames[0]); err != nil {
		return err
	}
	framesLeft := len(frames) - 1
	frameIndex := 1

	for framesLeft > 0 {
		blockSize, stMin, err := s.awaitFlowControl(flowControlArbitrationID)
		if err != nil {
			return err
		}
		framesLeftInBlock := int(blockSize)
		if framesLeft < framesLeftInBlock || blockSize == 0 {
			framesLeftInBlock = framesLeft
		}
		for framesLeftInBlock > 0 {
			if err := s.send(arbitrationID, frames[frameIndex]); err != nil {
				return err
			}
			frameIndex++
			framesLeftInBlock--
			framesLeft--
			if framesLeftInBlock > 0 {
				time.Sleep(stMin)
			}
		}
	}
	return nil
}

// awaitFlowControl blocks until a CTS flow control frame arrives on
// flowControlArbitrationID, returning the block size and normalized
// STmin to use for the next block. A WAIT status is retried silently;
// OVFLW aborts with ErrPeerOverflow.
func (s *Socket) awaitFlowControl(flowControlArbitrationID uint32) (blockSize uint8, stMin time.Duration, err error) {
	for {
		frame, err := s.bus.Recv(NBsTimeout)
		if err != nil {
			s.log.Warnf("[RX][x%x] flow control timeout", flowControlArbitrationID)
			return 0, 0, fmt.Errorf("%w: waiting for flow control", vbustool.ErrTimeout)
		}
		if frame.ArbitrationID != flowControlArbitrationID {
			continue
		}
		fs, bs, st, ok := DecodeFC(frame.Data)
		if !ok {
			return 0, 0, fmt.Errorf("%w: malformed flow control frame", vbustool.ErrProtocolError)
		}
		s.log.Debugf("[RX][x%x] flow control %v bs=%d stmin=%#x", flowControlArbitrationID, fs, bs, st)
		switch fs {
		case FlowStatusWait:
			continue
		case FlowStatusContinue:
			return bs, normalizeSTmin(st), nil
		case FlowStatusOverflow:
			s.log.Warnf("[RX][x%x] peer reported overflow", flowControlArbitrationID)
			return 0, 0, vbustool.ErrPeerOverflow
		default:
			return 0, 0, fmt.Errorf("%w: unexpected flow status %v", vbustool.ErrProtocolError, fs)
		}
	}
}

// IndicationOptions configures Indication's behavior.
type IndicationOptions struct {
	// WaitWindow bounds the whole receive; zero means NBsTimeout.
	WaitWindow time.Duration
	// TrimPadding removes trailing padding bytes beyond the declared
	// message length.
	TrimPadding bool
	// FirstFrameOnly responds to a first frame with an immediate
	// OVFLW flow control and returns only the first frame's payload,
	// simulating a receiver that cannot accept a multi-frame message.
	FirstFrameOnly bool
}

// Indication receives one full ISO-TP message addressed to either the
// request or response arbitration ID, sending flow control as needed
// and returning the reassembled payload.
func (s *Socket) Indication(opts IndicationOptions) ([]byte, error) {
	waitWindow := opts.WaitWindow
	if waitWindow == 0 {
		waitWindow = NBsTimeout
	}
	deadline := time.Now().Add(waitWindow)

	// reassembly is a circular buffer sized for the largest ISO-TP
	// message rather than a slice grown frame by frame, so a
	// misbehaving sender claiming MaxMessageLength in its first frame
	// cannot force repeated reallocation.
	reassembly := fifo.NewFifo(MaxMessageLength + 1)
	messageLength := 0
	sn := 0

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: no complete message within wait window", vbustool.ErrTimeout)
		}
		frame, err := s.bus.Recv(remaining)
		if err != nil {
			return nil, fmt.Errorf("%w: no complete message within wait window", vbustool.ErrTimeout)
		}

		var flowControlID uint32
		switch frame.ArbitrationID {
		case s.requestID:
			flowControlID = s.responseID
		case s.responseID:
			flowControlID = s.requestID
		default:
			continue
		}
		if len(frame.Data) == 0 {
			continue
		}

		frameType := (frame.Data[0] >> 4) & 0xF
		switch frameType {
		case FrameTypeSF:
			dl, data, ok := DecodeSF(frame.Data)
			if !ok {
				return nil, fmt.Errorf("%w: malformed single frame", vbustool.ErrProtocolError)
			}
			if opts.TrimPadding && dl <= len(data) {
				data = data[:dl]
			}
			s.log.Debugf("[RX][x%x] single frame, %d bytes", frame.ArbitrationID, dl)
			return data, nil

		case FrameTypeFF:
			length, data, ok := DecodeFF(frame.Data)
			if !ok {
				return nil, fmt.Errorf("%w: malformed first frame", vbustool.ErrProtocolError)
			}
			messageLength = length
			reassembly.Reset()
			reassembly.Write(data)
			s.log.Debugf("[RX][x%x] first frame, message length %d", frame.ArbitrationID, length)

			if opts.FirstFrameOnly {
				s.log.Warnf("[TX][x%x] simulating overflow after first frame", flowControlID)
				if err := s.send(flowControlID, EncodeFC(FlowStatusOverflow, 0, 0)); err != nil {
					return nil, err
				}
				return drainFifo(reassembly), nil
			}
			sn = 0
			if err := s.send(flowControlID, EncodeFC(FlowStatusContinue, 0, 0)); err != nil {
				return nil, err
			}

		case FrameTypeCF:
			newSN, data, ok := DecodeCF(frame.Data)
			if !ok {
				return nil, fmt.Errorf("%w: malformed consecutive frame", vbustool.ErrProtocolError)
			}
			if (sn+1)%16 != newSN {
				s.log.Warnf("[RX][x%x] out-of-sequence consecutive frame, want %d got %d", frame.ArbitrationID, (sn+1)%16, newSN)
				return nil, fmt.Errorf("%w: out-of-sequence consecutive frame, want %d got %d", vbustool.ErrProtocolError, (sn+1)%16, newSN)
			}
			sn = newSN
			reassembly.Write(data)
			if reassembly.GetOccupied() >= messageLength {
				message := drainFifo(reassembly)
				if opts.TrimPadding && messageLength <= len(message) {
					message = message[:messageLength]
				}
				s.log.Debugf("[RX][x%x] message complete, %d bytes", frame.ArbitrationID, len(message))
				return message, nil
			}

		default:
			return nil, fmt.Errorf("%w: unknown frame type %d", vbustool.ErrProtocolError, frameType)
		}
	}
}

// drainFifo reads the whole of f into a freshly allocated slice.
func drainFifo(f *fifo.Fifo) []byte {
	out := make([]byte, f.GetOccupied())
	f.Read(out)
	return out
}
