package xcp

import (
	"fmt"
	"time"

	vbustool "github.com/cansecio/vbustool"
)

// ByteOrder is the slave's declared address/data byte order, carried
// in bit 0 of the Connect response's COMM_MODE_BASIC byte.
type ByteOrder int

const (
	ByteOrderLSBFirst ByteOrder = iota
	ByteOrderMSBFirst
)

func (o ByteOrder) String() string {
	if o == ByteOrderMSBFirst {
		return "MSB-first"
	}
	return "LSB-first"
}

// ConnectResponse is the decoded positive reply to Connect.
type ConnectResponse struct {
	ResourceProtection uint8
	ByteOrder          ByteOrder
	AddressGranularity uint8
	SlaveBlockMode     bool
	MaxCTO             uint8
	MaxDTO             uint16
	ProtocolVersion    uint8
	TransportVersion   uint8
}

// decodeConnectResponse parses the 7-byte payload following the 0xFF
// indicator byte of a Connect response.
func decodeConnectResponse(data []byte) (ConnectResponse, error) {
	if len(data) != 7 {
		return ConnectResponse{}, fmt.Errorf("xcp: connect response length %d, want 7", len(data))
	}
	commModeBasic := data[1]
	order := ByteOrderLSBFirst
	if commModeBasic&0x01 != 0 {
		order = ByteOrderMSBFirst
	}
	addressGranularityCode := (commModeBasic >> 1) & 0x03
	return ConnectResponse{
		ResourceProtection: data[0],
		ByteOrder:          order,
		AddressGranularity: 1 << addressGranularityCode,
		SlaveBlockMode:     commModeBasic&0x40 != 0,
		MaxCTO:             data[2],
		MaxDTO:             uint16(data[4])*16 + uint16(data[3]),
		ProtocolVersion:    data[5],
		TransportVersion:   data[6],
	}, nil
}

// CommModeInfoResponse is the decoded positive reply to
// GetCommModeInfo.
type CommModeInfoResponse struct {
	MasterBlockMode bool
	InterleavedMode bool
	MaxBS           uint8
	MinST           uint8
	QueueSize       uint8
	DriverVersion   uint8
}

func decodeCommModeInfoResponse(data []byte) (CommModeInfoResponse, error) {
	if len(data) != 6 {
		return CommModeInfoResponse{}, fmt.Errorf("xcp: comm mode info response length %d, want 6", len(data))
	}
	optional := data[1]
	return CommModeInfoResponse{
		MasterBlockMode: optional&0x01 != 0,
		InterleavedMode: optional&0x02 != 0,
		MaxBS:           data[3],
		MinST:           data[4],
		QueueSize:       data[5],
	}, nil
}

// Slave is one XCP conversation: a pair of arbitration IDs (commands
// go out on cmdID, responses arrive on resID) on a raw CAN bus. XCP
// frames are not ISO-TP segmented, so Slave talks to the Bus directly.
type Slave struct {
	bus   vbustool.Bus
	cmdID uint32
	resID uint32
	// ConnectInfo is populated by Connect on success.
	ConnectInfo ConnectResponse
}

// NewSlave builds a Slave addressing cmdID (master->slave) and resID
// (slave->master) on bus.
func NewSlave(bus vbustool.Bus, cmdID, resID uint32) *Slave {
	return &Slave{bus: bus, cmdID: cmdID, resID: resID}
}

// request sends command+args on cmdID and returns the first frame
// seen on resID within timeout.
func (s *Slave) request(timeout time.Duration, command uint8, args ...byte) ([]byte, error) {
	payload := append([]byte{command}, args...)
	frame, err := vbustool.NewFrame(s.cmdID, payload)
	if err != nil {
		return nil, err
	}
	if err := s.bus.Send(frame); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, vbustool.ErrTimeout
		}
		response, err := s.bus.Recv(remaining)
		if err != nil {
			return nil, vbustool.ErrTimeout
		}
		if response.ArbitrationID != s.resID {
			continue
		}
		return response.Data, nil
	}
}

// Connect issues the Connect command and, on a positive reply, stores
// the decoded slave capabilities in s.ConnectInfo.
func (s *Slave) Connect(timeout time.Duration) (ConnectResponse, error) {
	data, err := s.request(timeout, CmdConnect)
	if err != nil {
		return ConnectResponse{}, err
	}
	payload, err := DecodeResponse(data)
	if err != nil {
		return ConnectResponse{}, err
	}
	info, err := decodeConnectResponse(payload)
	if err != nil {
		return ConnectResponse{}, err
	}
	s.ConnectInfo = info
	return info, nil
}

// GetCommModeInfo issues the GetCommModeInfo command.
func (s *Slave) GetCommModeInfo(timeout time.Duration) (CommModeInfoResponse, error) {
	data, err := s.request(timeout, CmdGetCommModeInfo)
	if err != nil {
		return CommModeInfoResponse{}, err
	}
	payload, err := DecodeResponse(data)
	if err != nil {
		return CommModeInfoResponse{}, err
	}
	return decodeCommModeInfoResponse(payload)
}

// addressBytes lays out address as 4 bytes in the slave's declared
// byte order: LSB-first slaves get the natural big-endian order
// reversed (least significant byte first) on the wire, MSB-first
// slaves get natural big-endian order.
func addressBytes(address uint32, order ByteOrder) [4]byte {
	var b [4]byte
	b[0] = byte(address)
	b[1] = byte(address >> 8)
	b[2] = byte(address >> 16)
	b[3] = byte(address >> 24)
	if order == ByteOrderMSBFirst {
		b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	}
	return b
}

// SetMta issues Set MTA (Memory Transfer Address) for address, using
// the byte order from the most recent Connect.
func (s *Slave) SetMta(timeout time.Duration, address uint32) error {
	addr := addressBytes(address, s.ConnectInfo.ByteOrder)
	data, err := s.request(timeout, CmdSetMta, 0x00, 0x00, 0x00, addr[0], addr[1], addr[2], addr[3])
	if err != nil {
		return err
	}
	_, err = DecodeResponse(data)
	return err
}

// ShortUpload issues a Short Upload for n bytes (n ≤ 7), returning the
// payload bytes actually returned.
func (s *Slave) ShortUpload(timeout time.Duration, n uint8) ([]byte, error) {
	data, err := s.request(timeout, CmdShortUpload, n)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(data)
}

// Disconnect issues the Disconnect command.
func (s *Slave) Disconnect(timeout time.Duration) error {
	data, err := s.request(timeout, CmdDisconnect)
	if err != nil {
		return err
	}
	_, err = DecodeResponse(data)
	return err
}
