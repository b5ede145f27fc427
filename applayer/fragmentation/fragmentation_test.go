package fragmentation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFragmentation(t *testing.T) {
	tests := []struct {
		Name                   string
		Command                Command
		Bytes                  []byte
		Uplink                 bool
		ExpectedUnmarshalError error
	}{
		{
			Name: "FragSessionSetupReq",
			Command: Command{
				CID: FragSessionSetupReq,
				Payload: &FragSessionSetupReqPayload{
					FragSession: FragSessionSetupReqPayloadFragSession{
						FragIndex: 1,
						GroupMask: 2,
					},
					NbFrag:   300,
					FragSize: 20,
					Padding:  15,
				},
			},
			Bytes: []byte{0x02, 0x06, 0x2c, 0x01, 0x14, 0x00, 0x0f, 0x00, 0x00, 0x00, 0x00},
		},
		{
			Name:                   "FragSessionSetupReq invalid bytes",
			Bytes:                  []byte{0x02, 0x06, 0x2c, 0x01, 0x14, 0x00, 0x0f, 0x00, 0x00, 0x00},
			ExpectedUnmarshalError: errors.New("fragmentation: 10 bytes are expected"),
		},
		{
			Name:   "FragSessionSetupAns",
			Uplink: true,
			Command: Command{
				CID: FragSessionSetupAns,
				Payload: &FragSessionSetupAnsPayload{
					StatusBitMask: FragSessionSetupAnsPayloadStatusBitMask{
						FragIndex:                    3,
						WrongDescriptor:              true,
						FragSessionIndexNotSupported: true,
						NotEnoughMemory:              true,
						EncodingNotSupported:         true,
					},
				},
			},
			Bytes: []byte{0x02, 0xcf},
		},
		{
			Name:                   "FragSessionSetupAns invalid bytes",
			Uplink:                 true,
			Bytes:                  []byte{0x02},
			ExpectedUnmarshalError: errors.New("fragmentation: 1 byte is expected"),
		},
		{
			Name: "FragSessionDeleteReq",
			Command: Command{
				CID: FragSessionDeleteReq,
				Payload: &FragSessionDeleteReqPayload{
					Param: FragSessionDeleteReqPayloadParam{
						FragIndex: 3,
					},
				},
			},
			Bytes: []byte{0x03, 0x03},
		},
		{
			Name:                   "FragSessionDeleteReq invalid bytes",
			Bytes:                  []byte{0x03},
			ExpectedUnmarshalError: errors.New("fragmentation: 1 byte is expected"),
		},
		{
			Name:   "FragSessionDeleteAns",
			Uplink: true,
			Command: Command{
				CID: FragSessionDeleteAns,
				Payload: &FragSessionDeleteAnsPayload{
					Status: FragSessionDeleteAnsPayloadStatus{
						FragIndex:           3,
						SessionDoesNotExist: true,
					},
				},
			},
			Bytes: []byte{0x03, 0x07},
		},
		{
			Name: "DataFragment",
			Command: Command{
				CID: DataFragment,
				Payload: &DataFragmentPayload{
					IndexAndN: DataFragmentPayloadIndexAndN{
						SessionId: 2,
						N:         1000,
					},
					Payload: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
				},
			},
			Bytes: []byte{0x08, 0x83, 0xe8, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		},
		{
			Name:                   "DataFragment invalid bytes",
			Bytes:                  []byte{0x08, 0x01},
			ExpectedUnmarshalError: errors.New("fragmentation: 2 bytes are expected"),
		},
	}

	for _, tst := range tests {
		t.Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)

			if tst.ExpectedUnmarshalError != nil {
				var cmd Command
				err := cmd.UnmarshalBinary(tst.Uplink, tst.Bytes)
				assert.Equal(tst.ExpectedUnmarshalError, err)
				return
			}

			cmds := Commands{tst.Command}
			b, err := cmds.MarshalBinary()
			assert.NoError(err)
			assert.Equal(tst.Bytes, b)

			cmds = Commands{}
			assert.NoError(cmds.UnmarshalBinary(tst.Uplink, tst.Bytes))
			assert.Len(cmds, 1)
			assert.Equal(tst.Command, cmds[0])
		})
	}
}

func TestFragSessionSetupAnsFatal(t *testing.T) {
	assert := require.New(t)

	assert.False(FragSessionSetupAnsPayload{}.Fatal())
	assert.True(FragSessionSetupAnsPayload{
		StatusBitMask: FragSessionSetupAnsPayloadStatusBitMask{EncodingNotSupported: true},
	}.Fatal())
	assert.True(FragSessionSetupAnsPayload{
		StatusBitMask: FragSessionSetupAnsPayloadStatusBitMask{NotEnoughMemory: true},
	}.Fatal())
	assert.True(FragSessionSetupAnsPayload{
		StatusBitMask: FragSessionSetupAnsPayloadStatusBitMask{FragSessionIndexNotSupported: true},
	}.Fatal())
	assert.True(FragSessionSetupAnsPayload{
		StatusBitMask: FragSessionSetupAnsPayloadStatusBitMask{WrongDescriptor: true},
	}.Fatal())
}
