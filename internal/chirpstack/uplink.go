package chirpstack

import (
	"context"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// UplinkEvent is a decoded "application up" event received from a
// device, carrying exactly the fields the state machines need out of
// the broker's JSON payload.
type UplinkEvent struct {
	DevEUI string `json:"devEui"`
	FPort  uint8  `json:"fPort"`
	FCnt   uint32 `json:"fCnt"`
	Data   []byte `json:"data"`
}

// UplinkSource abstracts C3: a blocking, single-message-at-a-time
// subscription to a device application's uplink stream.
type UplinkSource interface {
	Subscribe(applicationID string) error
	WaitForMessage(ctx context.Context) (UplinkEvent, error)
	Close()
}

// uplinkTopic matches the reference implementation's subscription
// pattern: application/<id>/device/+/event/up.
const uplinkTopic = "application/%s/device/+/event/up"

// MQTTUplinkSource is the concrete, paho-backed UplinkSource. Unlike the
// reference implementation's busy-wait polling loop, messages are
// delivered to WaitForMessage over a single-slot buffered channel so a
// caller blocks on the broker instead of spinning.
type MQTTUplinkSource struct {
	client mqtt.Client
	mbox   chan UplinkEvent
}

// NewMQTTUplinkSource connects to the broker at server:mqttPort.
func NewMQTTUplinkSource(server string, mqttPort int) (*MQTTUplinkSource, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", server, mqttPort)).
		SetAutoReconnect(true).
		SetCleanSession(true)

	s := &MQTTUplinkSource{
		mbox: make(chan UplinkEvent, 1),
	}

	opts.SetDefaultPublishHandler(s.handle)
	s.client = mqtt.NewClient(opts)

	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "chirpstack: mqtt connect error")
	}

	return s, nil
}

// Subscribe subscribes to applicationID's uplink topic.
func (s *MQTTUplinkSource) Subscribe(applicationID string) error {
	topic := fmt.Sprintf(uplinkTopic, applicationID)

	token := s.client.Subscribe(topic, 0, s.handle)
	if token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "chirpstack: mqtt subscribe error")
	}

	logrus.WithField("topic", topic).Info("chirpstack: subscribed to uplink topic")
	return nil
}

func (s *MQTTUplinkSource) handle(_ mqtt.Client, msg mqtt.Message) {
	var ev UplinkEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		logrus.WithError(err).Error("chirpstack: decode uplink event error")
		return
	}

	// A single-slot, last-write-wins mailbox: drain a stale unconsumed
	// value before storing the new one, so the newest uplink always
	// replaces an older one nobody picked up yet.
	select {
	case <-s.mbox:
	default:
	}
	s.mbox <- ev
}

// WaitForMessage blocks until an uplink event is available or ctx is
// done. This replaces the reference implementation's sleep-and-poll
// loop with a proper blocking receive.
func (s *MQTTUplinkSource) WaitForMessage(ctx context.Context) (UplinkEvent, error) {
	select {
	case ev := <-s.mbox:
		return ev, nil
	case <-ctx.Done():
		return UplinkEvent{}, ctx.Err()
	}
}

// Close disconnects from the broker.
func (s *MQTTUplinkSource) Close() {
	s.client.Disconnect(250)
}
