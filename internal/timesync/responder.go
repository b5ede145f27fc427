// Package timesync implements the clock-sync responder: an independent
// loop that answers device-initiated Application Layer Clock
// Synchronization requests with the current GPS-epoch time.
package timesync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-fuota-server/applayer/clocksync"
	"github.com/brocaar/chirpstack-fuota-server/internal/chirpstack"
)

// gpsEpoch is the reference instant for TimeCorrection (1980-01-06T00:00:00Z).
var gpsEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// State names the responder's current phase.
type State string

// The two states of the clock-sync loop.
const (
	StateWait    State = "WAIT"
	StateProcess State = "PROCESS"
)

// Config holds the per-run parameters of the responder.
type Config struct {
	DevEUI   string
	LoRaPort uint8

	Multicast        bool
	MulticastGroupID string
}

// Responder drives the WAIT/PROCESS loop: it blocks on the uplink
// source, and on a matching AppTimeReq replies with AppTimeAns carrying
// the current GPS-epoch offset and an echo of the request's token.
type Responder struct {
	cfg       Config
	transport chirpstack.DownlinkTransport
	uplink    chirpstack.UplinkSource

	state State
	now   func() time.Time
}

// NewResponder constructs a Responder that reads the current time from
// time.Now.
func NewResponder(cfg Config, transport chirpstack.DownlinkTransport, uplink chirpstack.UplinkSource) *Responder {
	return &Responder{
		cfg:       cfg,
		transport: transport,
		uplink:    uplink,
		state:     StateWait,
		now:       time.Now,
	}
}

// State returns the responder's current state.
func (r *Responder) State() State { return r.state }

// RunOnce services a single request/response cycle: it waits for the
// next matching uplink, and if it carries an AppTimeReq, replies. It
// reports whether an AppTimeAns was actually transmitted. Uplinks from
// other devices, with another opcode, or that fail to decode are skipped,
// returning to WAIT; only decode failures are logged.
func (r *Responder) RunOnce(ctx context.Context) (bool, error) {
	r.state = StateWait

	ev, err := r.uplink.WaitForMessage(ctx)
	if err != nil {
		return false, errors.Wrap(err, "timesync: wait for message error")
	}
	if ev.DevEUI != r.cfg.DevEUI {
		return false, nil
	}

	r.state = StateProcess
	defer func() { r.state = StateWait }()

	var cmd clocksync.Command
	if err := cmd.UnmarshalBinary(true, ev.Data); err != nil {
		logrus.WithError(err).Warn("timesync: decode uplink error")
		return false, nil
	}
	// Reference implementation checks (opcode == AppTimeReq) & (len(data) == 6)
	// with a bitwise AND; both operands are single-bit conditions, so it acts
	// as a logical AND. Here the length is enforced by the payload decode
	// and the type assertion below, and the opcode by this comparison.
	if cmd.CID != clocksync.AppTimeReq {
		return false, nil
	}

	req, ok := cmd.Payload.(*clocksync.AppTimeReqPayload)
	if !ok {
		return false, nil
	}

	if !req.Param.AnsRequired {
		logrus.WithField("dev_eui", ev.DevEUI).Debug("timesync: AppTimeReq did not request an answer")
		return false, nil
	}

	seconds := uint32(r.now().Sub(gpsEpoch).Round(time.Second).Seconds())

	ans := clocksync.Command{
		CID: clocksync.AppTimeAns,
		Payload: &clocksync.AppTimeAnsPayload{
			TimeCorrection: seconds,
			Param:          clocksync.AppTimeAnsPayloadParam{TokenAns: req.Param.TokenReq},
		},
	}

	b, err := ans.MarshalBinary()
	if err != nil {
		return false, errors.Wrap(err, "timesync: encode answer error")
	}

	if r.cfg.Multicast {
		err = r.transport.EnqueueMulticast(ctx, r.cfg.MulticastGroupID, r.cfg.LoRaPort, b)
	} else {
		err = r.transport.EnqueueUnicast(ctx, r.cfg.DevEUI, r.cfg.LoRaPort, b)
	}
	if err != nil {
		return false, errors.Wrap(err, "timesync: send answer error")
	}

	logrus.WithFields(logrus.Fields{
		"dev_eui":         ev.DevEUI,
		"time_correction": seconds,
		"token":           req.Param.TokenReq,
	}).Info("timesync: sent AppTimeAns")

	return true, nil
}

// Run services requests in a loop until ctx is done or n AppTimeAns
// replies have been transmitted (the --number flag), whichever comes
// first. n <= 0 means unbounded.
func (r *Responder) Run(ctx context.Context, n int) error {
	count := 0
	for {
		if n > 0 && count >= n {
			return nil
		}

		sent, err := r.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		if sent {
			count++
		}
	}
}
