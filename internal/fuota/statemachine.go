// Package fuota implements the session-lifecycle state machine that
// drives a device through fragmentation-session setup, fragment
// transfer and teardown.
package fuota

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-fuota-server/applayer/firmwaremanagement"
	"github.com/brocaar/chirpstack-fuota-server/applayer/fragmentation"
	"github.com/brocaar/chirpstack-fuota-server/internal/chirpstack"
)

// State names the point the machine has reached. It is carried on a
// terminal Error for diagnostics.
type State string

// States, in the order the machine visits them.
const (
	StatePrepareFragments     State = "PREPARE_FRAGMENTS"
	StateCheckVersion         State = "CHECK_VERSION"
	StateFragSessionSetup     State = "FRAG_SESSION_SETUP"
	StateFragSessionSetupAns  State = "FRAG_SESSION_SETUP_ANS"
	StateFragSessionTransfer  State = "FRAG_SESSION_TRANSFER"
	StateFragSessionDelete    State = "FRAG_SESSION_DELETE"
	StateFragSessionDeleteAns State = "FRAG_SESSION_DELETE_ANS"
	StateDone                 State = "DONE"
)

// Kind classifies a terminal error per the error taxonomy.
type Kind int

// Error kinds and their exit-code mapping, see Error.ExitCode.
const (
	KindConfig Kind = iota
	KindInput
	KindTransport
	KindProtocol
	KindDevice
	KindTimeout
)

// Error is the error type returned by Run. ExitCode maps it onto the
// driver's process exit status.
type Error struct {
	Kind  Kind
	State State
	Err   error
}

func (e *Error) Error() string {
	return e.State.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ExitCode maps the error's Kind onto the FUOTA driver's exit status:
// 0 clean shutdown, 1 missing credentials, 2 setup-answer error bits,
// 3 unrecoverable transport/protocol/input/timeout error.
func (e *Error) ExitCode() int {
	switch e.Kind {
	case KindConfig:
		return 1
	case KindDevice:
		return 2
	default:
		return 3
	}
}

func (s State) String() string { return string(s) }

// maxSpuriousMessages bounds how many malformed or wrong-opcode uplinks
// from the target device FRAG_SESSION_SETUP_ANS tolerates before failing
// the session. Uplinks from other devices are not counted, and
// FRAG_SESSION_DELETE_ANS keeps waiting without a bound.
const maxSpuriousMessages = 8

// Config holds the per-run session parameters.
type Config struct {
	SessionId  uint8
	GroupMask  uint8
	FragSize   int
	Redundancy int
	DevEUI     string
	LoRaPort   uint8

	Multicast        bool
	MulticastGroupID string
}

// Machine drives one FUOTA session to completion or to a terminal
// Error. A Machine is single-use: construct a new one per session.
type Machine struct {
	cfg       Config
	transport chirpstack.DownlinkTransport
	uplink    chirpstack.UplinkSource
	image     []byte

	state      State
	fragmenter *fragmentation.Fragmenter
}

// NewMachine constructs a Machine for image over transport/uplink.
func NewMachine(cfg Config, transport chirpstack.DownlinkTransport, uplink chirpstack.UplinkSource, image []byte) *Machine {
	return &Machine{
		cfg:       cfg,
		transport: transport,
		uplink:    uplink,
		image:     image,
	}
}

// State returns the last state the machine entered.
func (m *Machine) State() State { return m.state }

func (m *Machine) fail(kind Kind, err error) *Error {
	return &Error{Kind: kind, State: m.state, Err: err}
}

// Run drives the machine from PREPARE_FRAGMENTS to DONE. codedSidecar,
// if non-nil, receives the concatenation of uncoded then coded
// fragments for diagnostics.
func (m *Machine) Run(ctx context.Context, codedSidecar io.Writer) error {
	m.state = StatePrepareFragments
	if err := m.prepareFragments(codedSidecar); err != nil {
		return err
	}

	// CHECK_VERSION sends a best-effort PackageVersionReq query. No
	// answer is awaited: the state advances unconditionally regardless
	// of whether the query was sent or answered.
	m.state = StateCheckVersion
	if err := m.queryVersion(ctx); err != nil {
		logrus.WithError(err).Warn("fuota: package-version query error, advancing anyway")
	}

	m.state = StateFragSessionSetup
	if err := m.sendSetup(ctx); err != nil {
		return err
	}

	m.state = StateFragSessionSetupAns
	if err := m.awaitSetupAns(ctx); err != nil {
		return err
	}

	m.state = StateFragSessionTransfer
	if err := m.transferFragments(ctx); err != nil {
		return err
	}

	m.state = StateFragSessionDelete
	if err := m.sendDelete(ctx); err != nil {
		return err
	}

	m.state = StateFragSessionDeleteAns
	if err := m.awaitDeleteAns(ctx); err != nil {
		return err
	}

	m.state = StateDone
	logrus.Info("fuota: session complete")
	return nil
}

func (m *Machine) prepareFragments(codedSidecar io.Writer) error {
	f, err := fragmentation.NewFragmenter(m.image, m.cfg.FragSize)
	if err != nil {
		return m.fail(KindInput, err)
	}
	m.fragmenter = f

	if codedSidecar != nil {
		if _, err := f.WriteTo(codedSidecar); err != nil {
			return m.fail(KindInput, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"num_fragments": f.NumFragments(),
		"padding":       f.Padding(),
		"n_total":       2 * f.NumFragments(),
	}).Info("fuota: fragments prepared")

	return nil
}

func (m *Machine) queryVersion(ctx context.Context) error {
	cmd := firmwaremanagement.Command{CID: firmwaremanagement.PackageVersionReq}

	b, err := cmd.MarshalBinary()
	if err != nil {
		return err
	}

	return m.enqueue(ctx, firmwaremanagement.DefaultFPort, b)
}

func (m *Machine) enqueue(ctx context.Context, port uint8, data []byte) error {
	if m.cfg.Multicast {
		return m.transport.EnqueueMulticast(ctx, m.cfg.MulticastGroupID, port, data)
	}
	return m.transport.EnqueueUnicast(ctx, m.cfg.DevEUI, port, data)
}

func (m *Machine) sendSetup(ctx context.Context) error {
	nTotal := 2 * m.fragmenter.NumFragments()

	cmd := fragmentation.Command{
		CID: fragmentation.FragSessionSetupReq,
		Payload: &fragmentation.FragSessionSetupReqPayload{
			FragSession: fragmentation.FragSessionSetupReqPayloadFragSession{
				FragIndex: m.cfg.SessionId,
				GroupMask: m.cfg.GroupMask,
			},
			NbFrag:   uint16(nTotal),
			FragSize: uint8(m.cfg.FragSize),
			Padding:  uint8(m.fragmenter.Padding()),
		},
	}

	b, err := cmd.MarshalBinary()
	if err != nil {
		return m.fail(KindProtocol, err)
	}

	if err := m.enqueue(ctx, m.cfg.LoRaPort, b); err != nil {
		return m.fail(KindTransport, errors.Wrap(err, "fuota: send setup error"))
	}

	return nil
}

func (m *Machine) awaitSetupAns(ctx context.Context) error {
	spurious := 0
	for {
		ev, err := m.uplink.WaitForMessage(ctx)
		if err != nil {
			return m.fail(KindTimeout, errors.Wrap(err, "fuota: wait for setup-answer error"))
		}
		if ev.DevEUI != m.cfg.DevEUI {
			continue
		}

		var cmd fragmentation.Command
		if err := cmd.UnmarshalBinary(true, ev.Data); err != nil || cmd.CID != fragmentation.FragSessionSetupAns {
			spurious++
			logrus.WithField("dev_eui", ev.DevEUI).Warn("fuota: spurious uplink while awaiting setup-answer")
			if spurious >= maxSpuriousMessages {
				return m.fail(KindProtocol, errors.New("fuota: too many spurious uplinks awaiting setup-answer"))
			}
			continue
		}

		ans := cmd.Payload.(*fragmentation.FragSessionSetupAnsPayload)
		if ans.Fatal() {
			return m.fail(KindDevice, errors.Errorf("fuota: setup-answer reported error status: %+v", ans.StatusBitMask))
		}

		return nil
	}
}

func (m *Machine) transferFragments(ctx context.Context) error {
	fragments := m.fragmenter.Fragments()

	for i, payload := range fragments {
		n := uint16(i + 1)

		cmd := fragmentation.Command{
			CID: fragmentation.DataFragment,
			Payload: &fragmentation.DataFragmentPayload{
				IndexAndN: fragmentation.DataFragmentPayloadIndexAndN{
					SessionId: m.cfg.SessionId,
					N:         n,
				},
				Payload: payload,
			},
		}

		b, err := cmd.MarshalBinary()
		if err != nil {
			return m.fail(KindProtocol, err)
		}

		if err := m.enqueue(ctx, m.cfg.LoRaPort, b); err != nil {
			return m.fail(KindTransport, errors.Wrapf(err, "fuota: send data fragment %d error", n))
		}
	}

	logrus.WithField("count", len(fragments)).Info("fuota: fragment transfer complete")
	return nil
}

func (m *Machine) sendDelete(ctx context.Context) error {
	cmd := fragmentation.Command{
		CID: fragmentation.FragSessionDeleteReq,
		Payload: &fragmentation.FragSessionDeleteReqPayload{
			Param: fragmentation.FragSessionDeleteReqPayloadParam{FragIndex: m.cfg.SessionId},
		},
	}

	b, err := cmd.MarshalBinary()
	if err != nil {
		return m.fail(KindProtocol, err)
	}

	if err := m.enqueue(ctx, m.cfg.LoRaPort, b); err != nil {
		return m.fail(KindTransport, errors.Wrap(err, "fuota: send delete error"))
	}

	return nil
}

func (m *Machine) awaitDeleteAns(ctx context.Context) error {
	for {
		ev, err := m.uplink.WaitForMessage(ctx)
		if err != nil {
			return m.fail(KindTimeout, errors.Wrap(err, "fuota: wait for delete-answer error"))
		}
		if ev.DevEUI != m.cfg.DevEUI {
			continue
		}

		var cmd fragmentation.Command
		if err := cmd.UnmarshalBinary(true, ev.Data); err != nil || cmd.CID != fragmentation.FragSessionDeleteAns {
			logrus.WithField("dev_eui", ev.DevEUI).Warn("fuota: unexpected uplink while awaiting delete-answer, re-entering state")
			continue
		}

		ans := cmd.Payload.(*fragmentation.FragSessionDeleteAnsPayload)
		if ans.Status.SessionDoesNotExist {
			logrus.Warn("fuota: delete-answer reports session does not exist")
		}

		return nil
	}
}
