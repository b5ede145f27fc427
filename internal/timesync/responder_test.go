package timesync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-fuota-server/applayer/clocksync"
	"github.com/brocaar/chirpstack-fuota-server/internal/chirpstack"
)

type fakeTransport struct {
	unicast [][]byte
}

func (t *fakeTransport) EnqueueUnicast(_ context.Context, _ string, _ uint8, data []byte) error {
	t.unicast = append(t.unicast, data)
	return nil
}

func (t *fakeTransport) EnqueueMulticast(_ context.Context, _ string, _ uint8, data []byte) error {
	return nil
}

func (t *fakeTransport) FlushDeviceQueue(_ context.Context, _ string) error { return nil }

type fakeUplink struct {
	events []chirpstack.UplinkEvent
	i      int
}

func (u *fakeUplink) Subscribe(string) error { return nil }

func (u *fakeUplink) WaitForMessage(ctx context.Context) (chirpstack.UplinkEvent, error) {
	if u.i >= len(u.events) {
		<-ctx.Done()
		return chirpstack.UplinkEvent{}, ctx.Err()
	}
	ev := u.events[u.i]
	u.i++
	return ev, nil
}

func (u *fakeUplink) Close() {}

// TestResponderAnswersAppTimeReq checks a request with B5 = 0x15
// (AnsRequired=1, TokenReq=5) at t = GPS_EPOCH + 100 yields
// 01 64 00 00 00 05.
func TestResponderAnswersAppTimeReq(t *testing.T) {
	assert := require.New(t)

	req := clocksync.Command{
		CID: clocksync.AppTimeReq,
		Payload: &clocksync.AppTimeReqPayload{
			Param: clocksync.AppTimeReqPayloadParam{AnsRequired: true, TokenReq: 5},
		},
	}
	b, err := req.MarshalBinary()
	assert.NoError(err)

	transport := &fakeTransport{}
	uplink := &fakeUplink{events: []chirpstack.UplinkEvent{{DevEUI: "dev", Data: b}}}

	r := NewResponder(Config{DevEUI: "dev", LoRaPort: 202}, transport, uplink)
	r.now = func() time.Time { return gpsEpoch.Add(100 * time.Second) }

	sent, err := r.RunOnce(context.Background())
	assert.NoError(err)
	assert.True(sent)
	assert.Equal([]byte{0x01, 0x64, 0x00, 0x00, 0x00, 0x05}, transport.unicast[0])
}

func TestResponderSkipsNonMatchingDevice(t *testing.T) {
	assert := require.New(t)

	transport := &fakeTransport{}
	uplink := &fakeUplink{events: []chirpstack.UplinkEvent{{DevEUI: "other", Data: []byte{0x01}}}}

	r := NewResponder(Config{DevEUI: "dev"}, transport, uplink)

	sent, err := r.RunOnce(context.Background())
	assert.NoError(err)
	assert.False(sent)
	assert.Empty(transport.unicast)
}

func TestResponderSkipsWhenAnsNotRequired(t *testing.T) {
	assert := require.New(t)

	req := clocksync.Command{
		CID: clocksync.AppTimeReq,
		Payload: &clocksync.AppTimeReqPayload{
			Param: clocksync.AppTimeReqPayloadParam{AnsRequired: false, TokenReq: 2},
		},
	}
	b, err := req.MarshalBinary()
	assert.NoError(err)

	transport := &fakeTransport{}
	uplink := &fakeUplink{events: []chirpstack.UplinkEvent{{DevEUI: "dev", Data: b}}}

	r := NewResponder(Config{DevEUI: "dev"}, transport, uplink)

	sent, err := r.RunOnce(context.Background())
	assert.NoError(err)
	assert.False(sent)
}

func TestResponderRunStopsAfterN(t *testing.T) {
	assert := require.New(t)

	mkReq := func(token uint8) []byte {
		cmd := clocksync.Command{
			CID: clocksync.AppTimeReq,
			Payload: &clocksync.AppTimeReqPayload{
				Param: clocksync.AppTimeReqPayloadParam{AnsRequired: true, TokenReq: token},
			},
		}
		b, err := cmd.MarshalBinary()
		assert.NoError(err)
		return b
	}

	transport := &fakeTransport{}
	uplink := &fakeUplink{events: []chirpstack.UplinkEvent{
		{DevEUI: "dev", Data: mkReq(1)},
		{DevEUI: "dev", Data: mkReq(2)},
		{DevEUI: "dev", Data: mkReq(3)},
	}}

	r := NewResponder(Config{DevEUI: "dev"}, transport, uplink)
	err := r.Run(context.Background(), 2)
	assert.NoError(err)
	assert.Len(transport.unicast, 2)
}
