// Command clocksync-server runs the clock-sync responder loop: it
// answers device-initiated Application Layer Clock Synchronization
// requests with the current GPS-epoch time.
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/brocaar/chirpstack-fuota-server/internal/chirpstack"
	"github.com/brocaar/chirpstack-fuota-server/internal/config"
	"github.com/brocaar/chirpstack-fuota-server/internal/logging"
	"github.com/brocaar/chirpstack-fuota-server/internal/timesync"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := config.RegisterClockSync(flag.CommandLine)
	flag.Parse()

	closer, err := logging.Setup(flags.Log, flags.Terminal)
	if err != nil {
		logrus.WithError(err).Error("clocksync-server: set up logging error")
		return 1
	}
	defer closer.Close()

	creds, err := config.LoadCredentials()
	if err != nil {
		logrus.WithError(err).Error("clocksync-server: load credentials error")
		return 1
	}

	client, err := chirpstack.Dial(creds.Server, flags.GRPCPort, creds.APIToken)
	if err != nil {
		logrus.WithError(err).Error("clocksync-server: dial control plane error")
		return 3
	}
	defer client.Close()

	ctx := context.Background()

	bootstrap, err := client.Bootstrap(ctx)
	if err != nil {
		logrus.WithError(err).Error("clocksync-server: bootstrap control plane error")
		return 3
	}

	uplink, err := chirpstack.NewMQTTUplinkSource(creds.Server, flags.MQTTPort)
	if err != nil {
		logrus.WithError(err).Error("clocksync-server: connect to uplink broker error")
		return 3
	}
	defer uplink.Close()

	if err := uplink.Subscribe(bootstrap.ApplicationID); err != nil {
		logrus.WithError(err).Error("clocksync-server: subscribe to uplink topic error")
		return 3
	}

	cfg := timesync.Config{
		DevEUI:           flags.DevEUI,
		LoRaPort:         uint8(flags.LoRaPort),
		Multicast:        flags.Multi,
		MulticastGroupID: bootstrap.MulticastGroupID,
	}

	r := timesync.NewResponder(cfg, client, uplink)
	if err := r.Run(ctx, flags.Number); err != nil {
		logrus.WithError(err).Error("clocksync-server: responder loop failed")
		return 3
	}

	return 0
}
