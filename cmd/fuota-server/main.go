// Command fuota-server drives a single firmware-update session against
// one LoRaWAN end-device (or multicast group): it fragments and
// forward-error-encodes an input image, then runs the session state
// machine through setup, transfer and teardown.
package main

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/brocaar/chirpstack-fuota-server/internal/chirpstack"
	"github.com/brocaar/chirpstack-fuota-server/internal/config"
	"github.com/brocaar/chirpstack-fuota-server/internal/fuota"
	"github.com/brocaar/chirpstack-fuota-server/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := config.RegisterFUOTA(flag.CommandLine)
	flag.Parse()

	closer, err := logging.Setup(flags.Log, flags.Terminal)
	if err != nil {
		logrus.WithError(err).Error("fuota-server: set up logging error")
		return 1
	}
	defer closer.Close()

	creds, err := config.LoadCredentials()
	if err != nil {
		logrus.WithError(err).Error("fuota-server: load credentials error")
		return 1
	}

	image, err := os.ReadFile(flags.Input)
	if err != nil {
		logrus.WithError(err).Error("fuota-server: read input image error")
		return 3
	}

	client, err := chirpstack.Dial(creds.Server, flags.GRPCPort, creds.APIToken)
	if err != nil {
		logrus.WithError(err).Error("fuota-server: dial control plane error")
		return 3
	}
	defer client.Close()

	ctx := context.Background()

	bootstrap, err := client.Bootstrap(ctx)
	if err != nil {
		logrus.WithError(err).Error("fuota-server: bootstrap control plane error")
		return 3
	}
	logrus.WithField("bootstrap", bootstrap).Info("fuota-server: discovered control-plane objects")

	if err := client.FlushDeviceQueue(ctx, flags.DevEUI); err != nil {
		logrus.WithError(err).Error("fuota-server: flush device queue error")
		return 3
	}

	uplink, err := chirpstack.NewMQTTUplinkSource(creds.Server, flags.MQTTPort)
	if err != nil {
		logrus.WithError(err).Error("fuota-server: connect to uplink broker error")
		return 3
	}
	defer uplink.Close()

	if err := uplink.Subscribe(bootstrap.ApplicationID); err != nil {
		logrus.WithError(err).Error("fuota-server: subscribe to uplink topic error")
		return 3
	}

	cfg := fuota.Config{
		SessionId:        uint8(flags.Session),
		GroupMask:        uint8(flags.Group),
		FragSize:         flags.Length,
		Redundancy:       flags.Redundancy,
		DevEUI:           flags.DevEUI,
		LoRaPort:         uint8(flags.LoRaPort),
		Multicast:        flags.Multi,
		MulticastGroupID: bootstrap.MulticastGroupID,
	}

	var sidecar io.Writer
	if f, err := os.Create(flags.Input + "_coded.bin"); err != nil {
		logrus.WithError(err).Warn("fuota-server: create coded sidecar file error, continuing without it")
	} else {
		defer f.Close()
		sidecar = f
	}

	m := fuota.NewMachine(cfg, client, uplink, image)
	if err := m.Run(ctx, sidecar); err != nil {
		var fe *fuota.Error
		if errors.As(err, &fe) {
			logrus.WithFields(logrus.Fields{
				"state": fe.State,
				"kind":  fe.Kind,
			}).Error("fuota-server: session failed")
			return fe.ExitCode()
		}
		logrus.WithError(err).Error("fuota-server: session failed")
		return 3
	}

	return 0
}
