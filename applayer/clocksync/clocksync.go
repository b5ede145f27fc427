// Package clocksync implements the Application Layer Clock
// Synchronization application-layer protocol: a device-initiated
// request/response exchange that lets the server hand a device the
// current GPS-epoch time.
package clocksync

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// CID defines the command identifier.
type CID byte

// DefaultFPort defines the default fPort value for Clock Synchronization.
const DefaultFPort uint8 = 202

// Available command identifiers.
const (
	AppTimeReq CID = 0x01
	AppTimeAns CID = 0x01
)

// map[uplink]...
var commandPayloadRegistry = map[bool]map[CID]func() CommandPayload{
	true: {
		AppTimeReq: func() CommandPayload { return &AppTimeReqPayload{} },
	},
	false: {
		AppTimeAns: func() CommandPayload { return &AppTimeAnsPayload{} },
	},
}

// ErrNoPayloadForCID is returned when no payload is registered for a CID.
var ErrNoPayloadForCID = errors.New("clocksync: no payload for given CID")

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
		return errors.New("clocksync: at least 1 byte is expected")
	}

	c.CID = CID(data[0])

	if len(data) > 1 {
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
	}

	return nil
}

// AppTimeReqPayload implements the AppTimeReq payload, sent by the
// device on DefaultFPort to request a time correction.
type AppTimeReqPayload struct {
	DeviceTime uint32
	Param      AppTimeReqPayloadParam
}

// AppTimeReqPayloadParam implements the AppTimeReq Param field.
type AppTimeReqPayloadParam struct {
	AnsRequired bool
	TokenReq    uint8
}

// MarshalBinary encodes the payload to a slice of bytes.
func (p AppTimeReqPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, 5)

	binary.LittleEndian.PutUint32(b[0:4], p.DeviceTime)
	b[4] = p.Param.TokenReq & 0x0f
	if p.Param.AnsRequired {
		b[4] |= 1 << 4
	}

	return b, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *AppTimeReqPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 5 {
		return errors.New("clocksync: exactly 5 bytes are expected")
	}

	p.DeviceTime = binary.LittleEndian.Uint32(data[0:4])
	p.Param.TokenReq = data[4] & 0x0f
	p.Param.AnsRequired = data[4]&(1<<4) != 0

	return nil
}

// AppTimeAnsPayload implements the AppTimeAns payload, the server's
// reply carrying the time correction and an echo of the request token.
type AppTimeAnsPayload struct {
	TimeCorrection uint32
	Param          AppTimeAnsPayloadParam
}

// AppTimeAnsPayloadParam implements the AppTimeAns payload Param field.
type AppTimeAnsPayloadParam struct {
	TokenAns uint8
}

// MarshalBinary encodes the payload to a slice of bytes.
func (p AppTimeAnsPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, 5)

	binary.LittleEndian.PutUint32(b[0:4], p.TimeCorrection)
	b[4] = p.Param.TokenAns & 0x0f

	return b, nil
}

// UnmarshalBinary decodes the payload from a slice of bytes.
func (p *AppTimeAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 5 {
		return fmt.Errorf("clocksync: exactly 5 bytes are expected")
	}

	p.TimeCorrection = binary.LittleEndian.Uint32(data[0:4])
	p.Param.TokenAns = data[4] & 0x0f

	return nil
}
