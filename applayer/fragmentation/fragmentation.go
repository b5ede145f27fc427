// Package fragmentation implements the Fragmented Data Block Transport
// application-layer protocol used by the FUOTA server to set up, feed
// and tear down a fragmentation session on a LoRaWAN end-device.
package fragmentation

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// CID defines the command identifier.
type CID byte

// DefaultFPort defines the default fPort value for Fragmented Data Block Transport.
const DefaultFPort uint8 = 201

// Available command identifiers.
const (
	FragSessionSetupReq  CID = 0x02
	FragSessionSetupAns  CID = 0x02
	FragSessionDeleteReq CID = 0x03
	FragSessionDeleteAns CID = 0x03
	DataFragment         CID = 0x08
)

// Errors.
var (
	ErrNoPayloadForCID = errors.New("fragmentation: no payload for given CID")
)

// map[uplink]...
var commandPayloadRegistry = map[bool]map[CID]func() CommandPayload{
	true: {
		FragSessionSetupAns:  func() CommandPayload { return &FragSessionSetupAnsPayload{} },
		FragSessionDeleteAns: func() CommandPayload { return &FragSessionDeleteAnsPayload{} },
	},
	false: {
		FragSessionSetupReq:  func() CommandPayload { return &FragSessionSetupReqPayload{} },
		FragSessionDeleteReq: func() CommandPayload { return &FragSessionDeleteReqPayload{} },
		DataFragment:         func() CommandPayload { return &DataFragmentPayload{} },
	},
}

// GetCommandPayload returns a new CommandPayload for the given CID.
func GetCommandPayload(uplink bool, c CID) (CommandPayload, error) {
	v, ok := commandPayloadRegistry[uplink][c]
	if !ok {
		return nil, ErrNoPayloadForCID
	}
	return v(), nil
}

// CommandPayload defines the interface that a command payload must implement.
type CommandPayload interface {
	MarshalBinary() (data []byte, err error)
	UnmarshalBinary(data []byte) error
	Size() int
}

// Command defines the Command structure.
type Command struct {
	CID     CID
	Payload CommandPayload
}

// MarshalBinary encodes the command to a slice of bytes.
func (c Command) MarshalBinary() ([]byte, error) {
	b := []byte{byte(c.CID)}

	if c.Payload != nil {
		p, err := c.Payload.MarshalBinary()
		if err != nil {
			return nil, err
		}
		b = append(b, p...)
	}

	return b, nil
}

// UnmarshalBinary decodes a slice of bytes into a command.
func (c *Command) UnmarshalBinary(uplink bool, data []byte) error {
	if len(data) == 0 {
		return errors.New("fragmentation: at least 1 byte is expected")
	}

	c.CID = CID(data[0])

	p, err := GetCommandPayload(uplink, c.CID)
	if err != nil {
		if err == ErrNoPayloadForCID {
			return nil
		}
		return err
	}

	c.Payload = p
	if err := c.Payload.UnmarshalBinary(data[1:]); err != nil {
		return err
	}

	return nil
}

// Size returns the size of the command in bytes.
func (c Command) Size() int {
	if c.Payload != nil {
		return c.Payload.Size() + 1
	}
	return 1
}

// Commands defines a slice of commands.
type Commands []Command

// MarshalBinary encodes the commands to a slice of bytes.
func (c Commands) MarshalBinary() ([]byte, error) {
	var out []byte

	for _, cmd := range c {
		b, err := cmd.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// UnmarshalBinary decodes a slice of bytes into a slice of commands.
func (c *Commands) UnmarshalBinary(uplink bool, data []byte) error {
	var i int

	for i < len(data) {
		var cmd Command
		if err := cmd.UnmarshalBinary(uplink, data[i:]); err != nil {
			return err
		}
		i += cmd.Size()
		*c = append(*c, cmd)
	}

	return nil
}

// FragSessionSetupReqPayload implements the FragSessionSetupReq payload.
//
// The FragSession byte packs FragIndex (SessionId) and GroupMask using the
// layout ((FragIndex&0x03)<<2)|(GroupMask&0x03) rather than the 4-bit
// GroupMask / 2-bit FragIndex split used by the official Fragmented Data
// Block Transport recommendation. This is preserved from the reference
// implementation this server was ported from; see DESIGN.md.
type FragSessionSetupReqPayload struct {
	FragSession FragSessionSetupReqPayloadFragSession
	NbFrag      uint16
	FragSize    uint8
	Control     uint8
	Padding     uint8
	Descriptor  [4]byte
}

// FragSessionSetupReqPayloadFragSession implements the FragSessionSetupReq payload FragSession field.
type FragSessionSetupReqPayloadFragSession struct {
	FragIndex uint8
	GroupMask uint8
}

// Size returns the payload size in number of bytes.
func (p FragSessionSetupReqPayload) Size() int {
	return 10
}

// MarshalBinary encodes the payload to a slice of bytes.
func (p FragSessionSetupReqPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, p.Size())

	b[0] = ((p.FragSession.FragIndex & 0x03) << 2) | (p.FragSession.GroupMask & 0x03)
	binary.LittleEndian.PutUint16(b[1:3], p.NbFrag)
	b[3] = p.FragSize
	b[4] = p.Control
	b[5] = p.Padding
	copy(b[6:10], p.Descriptor[:])

	return b, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *FragSessionSetupReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) < p.Size() {
		return fmt.Errorf("fragmentation: %d bytes are expected", p.Size())
	}

	p.FragSession.GroupMask = data[0] & 0x03
	p.FragSession.FragIndex = (data[0] >> 2) & 0x03
	p.NbFrag = binary.LittleEndian.Uint16(data[1:3])
	p.FragSize = data[3]
	p.Control = data[4]
	p.Padding = data[5]
	copy(p.Descriptor[:], data[6:10])

	return nil
}

// FragSessionSetupAnsPayload implements the FragSessionSetupAns payload.
type FragSessionSetupAnsPayload struct {
	StatusBitMask FragSessionSetupAnsPayloadStatusBitMask
}

// FragSessionSetupAnsPayloadStatusBitMask implements the FragSessionSetupAns payload StatusBitMask field.
type FragSessionSetupAnsPayloadStatusBitMask struct {
	FragIndex                    uint8
	WrongDescriptor              bool
	FragSessionIndexNotSupported bool
	NotEnoughMemory              bool
	EncodingNotSupported         bool
}

// Size returns the payload size in bytes.
func (p FragSessionSetupAnsPayload) Size() int {
	return 1
}

// MarshalBinary encodes the payload to a slice of bytes.
func (p FragSessionSetupAnsPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, p.Size())

	if p.StatusBitMask.EncodingNotSupported {
		b[0] |= 0x01
	}
	if p.StatusBitMask.NotEnoughMemory {
		b[0] |= 0x02
	}
	if p.StatusBitMask.FragSessionIndexNotSupported {
		b[0] |= 0x04
	}
	if p.StatusBitMask.WrongDescriptor {
		b[0] |= 0x08
	}
	b[0] |= (p.StatusBitMask.FragIndex & 0x03) << 6

	return b, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *FragSessionSetupAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) < p.Size() {
		return fmt.Errorf("fragmentation: %d byte is expected", p.Size())
	}

	p.StatusBitMask.EncodingNotSupported = data[0]&0x01 != 0
	p.StatusBitMask.NotEnoughMemory = data[0]&0x02 != 0
	p.StatusBitMask.FragSessionIndexNotSupported = data[0]&0x04 != 0
	p.StatusBitMask.WrongDescriptor = data[0]&0x08 != 0
	p.StatusBitMask.FragIndex = (data[0] >> 6) & 0x03

	return nil
}

// Fatal returns true when one of the device-reported status bits that
// must abort the FUOTA session is set.
func (p FragSessionSetupAnsPayload) Fatal() bool {
	m := p.StatusBitMask
	return m.EncodingNotSupported || m.NotEnoughMemory || m.FragSessionIndexNotSupported || m.WrongDescriptor
}

// FragSessionDeleteReqPayload implements the FragSessionDeleteReq payload.
type FragSessionDeleteReqPayload struct {
	Param FragSessionDeleteReqPayloadParam
}

// FragSessionDeleteReqPayloadParam implements the FragSessionDeleteReq payload Param field.
type FragSessionDeleteReqPayloadParam struct {
	FragIndex uint8
}

// Size returns the payload size in bytes.
func (p FragSessionDeleteReqPayload) Size() int {
	return 1
}

// MarshalBinary encodes the payload to a slice of bytes.
func (p FragSessionDeleteReqPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, p.Size())
	b[0] = p.Param.FragIndex & 0x03
	return b, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *FragSessionDeleteReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) < p.Size() {
		return fmt.Errorf("fragmentation: %d byte is expected", p.Size())
	}
	p.Param.FragIndex = data[0] & 0x03
	return nil
}

// FragSessionDeleteAnsPayload implements the FragSessionDeleteAns payload.
type FragSessionDeleteAnsPayload struct {
	Status FragSessionDeleteAnsPayloadStatus
}

// FragSessionDeleteAnsPayloadStatus implements the FragSessionDeleteAns payload Status field.
type FragSessionDeleteAnsPayloadStatus struct {
	FragIndex           uint8
	SessionDoesNotExist bool
}

// Size returns the size of the payload in bytes.
func (p FragSessionDeleteAnsPayload) Size() int {
	return 1
}

// MarshalBinary encodes the payload to a slice of bytes.
func (p FragSessionDeleteAnsPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, p.Size())
	b[0] = p.Status.FragIndex & 0x03
	if p.Status.SessionDoesNotExist {
		b[0] |= 0x04
	}
	return b, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *FragSessionDeleteAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) < p.Size() {
		return fmt.Errorf("fragmentation: %d byte is expected", p.Size())
	}

	p.Status.FragIndex = data[0] & 0x03
	p.Status.SessionDoesNotExist = data[0]&0x04 != 0

	return nil
}

// DataFragmentPayload implements the DataFragment payload.
//
// Unlike every other multi-byte field in this package, IndexAndN is
// written big-endian (high byte first) on the wire. This asymmetry comes
// from the reference implementation and is preserved; see DESIGN.md.
type DataFragmentPayload struct {
	IndexAndN DataFragmentPayloadIndexAndN
	Payload   []byte
}

// DataFragmentPayloadIndexAndN implements the DataFragment payload IndexAndN field.
type DataFragmentPayloadIndexAndN struct {
	SessionId uint8
	N         uint16
}

// Size returns the payload size in bytes.
func (p DataFragmentPayload) Size() int {
	return 2 + len(p.Payload)
}

// MarshalBinary encodes the given payload to a slice of bytes.
func (p DataFragmentPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, p.Size())

	index := (uint16(p.IndexAndN.SessionId&0x03) << 14) | (p.IndexAndN.N & 0x3fff)
	b[0] = byte(index >> 8)
	b[1] = byte(index)
	copy(b[2:], p.Payload)

	return b, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *DataFragmentPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return errors.New("fragmentation: 2 bytes are expected")
	}

	index := uint16(data[0])<<8 | uint16(data[1])
	p.IndexAndN.SessionId = uint8(index >> 14)
	p.IndexAndN.N = index & 0x3fff
	p.Payload = make([]byte, len(data[2:]))
	copy(p.Payload, data[2:])

	return nil
}
