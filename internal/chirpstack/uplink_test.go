package chirpstack

import (
	"context"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
)

// fakeMessage is a minimal mqtt.Message for exercising the default
// publish handler without a broker.
type fakeMessage struct {
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return "application/1/device/0102030405060708/event/up" }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

var _ mqtt.Message = fakeMessage{}

func TestMQTTUplinkSourceHandleAndWait(t *testing.T) {
	assert := require.New(t)

	s := &MQTTUplinkSource{mbox: make(chan UplinkEvent, 1)}

	s.handle(nil, fakeMessage{payload: []byte(`{"devEui":"0102030405060708","fPort":201,"fCnt":3,"data":"AQID"}`)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := s.WaitForMessage(ctx)
	assert.NoError(err)
	assert.Equal("0102030405060708", ev.DevEUI)
	assert.Equal(uint8(201), ev.FPort)
	assert.Equal([]byte{1, 2, 3}, ev.Data)
}

func TestMQTTUplinkSourceMailboxNewestWins(t *testing.T) {
	assert := require.New(t)

	s := &MQTTUplinkSource{mbox: make(chan UplinkEvent, 1)}

	s.handle(nil, fakeMessage{payload: []byte(`{"devEui":"first"}`)})
	s.handle(nil, fakeMessage{payload: []byte(`{"devEui":"second"}`)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := s.WaitForMessage(ctx)
	assert.NoError(err)
	assert.Equal("second", ev.DevEUI)
}

func TestMQTTUplinkSourceWaitForMessageContextCanceled(t *testing.T) {
	assert := require.New(t)

	s := &MQTTUplinkSource{mbox: make(chan UplinkEvent, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.WaitForMessage(ctx)
	assert.Error(err)
}
