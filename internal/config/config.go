// Package config loads the environment-provided credentials and the
// per-binary CLI flag tables shared by the FUOTA driver and the
// clock-sync responder.
package config

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Credentials holds the network-server connection details, sourced
// exclusively from the environment. Missing either value is a fatal
// Config error checked before any network activity.
type Credentials struct {
	Server   string
	APIToken string
}

// LoadCredentials reads SERVER and API_TOKEN from the environment.
func LoadCredentials() (Credentials, error) {
	server, ok := os.LookupEnv("SERVER")
	if !ok || server == "" {
		return Credentials{}, errors.New("config: SERVER environment variable must be set")
	}

	token, ok := os.LookupEnv("API_TOKEN")
	if !ok || token == "" {
		return Credentials{}, errors.New("config: API_TOKEN environment variable must be set")
	}

	return Credentials{Server: server, APIToken: token}, nil
}

// CommonFlags are shared between the FUOTA driver and the clock-sync
// responder.
type CommonFlags struct {
	LoRaPort int
	MQTTPort int
	GRPCPort int
	Group    int
	DevEUI   string
	Multi    bool
	Terminal bool
	Log      string
}

// RegisterCommon registers the flags shared by both binaries onto fs.
// defaultLoRaPort lets each binary pick its own fPort default (201 for
// FUOTA, 202 for clock-sync).
func RegisterCommon(fs *pflag.FlagSet, defaultLoRaPort int) *CommonFlags {
	f := &CommonFlags{}

	fs.IntVarP(&f.LoRaPort, "lora-port", "", defaultLoRaPort, "LoRaWAN port")
	fs.IntVarP(&f.MQTTPort, "mqtt-port", "", 8583, "MQTT port")
	fs.IntVarP(&f.GRPCPort, "grpc-port", "", 8580, "gRPC port")
	fs.IntVarP(&f.Group, "group", "g", 0, "multicast group used")
	fs.StringVarP(&f.DevEUI, "deveui", "d", "", "device EUI (16 hex chars)")
	fs.BoolVarP(&f.Multi, "multi", "", false, "use multicast instead of a unicast (default)")
	fs.BoolVarP(&f.Terminal, "terminal", "t", false, "redirect the output of the logger to the terminal")
	fs.StringVarP(&f.Log, "log", "l", ".", "output path for the logging information")

	return f
}

// FUOTAFlags holds the FUOTA driver's flag table.
type FUOTAFlags struct {
	*CommonFlags
	Input      string
	Session    int
	Length     int
	Redundancy int
}

// RegisterFUOTA registers the full FUOTA driver flag table.
func RegisterFUOTA(fs *pflag.FlagSet) *FUOTAFlags {
	f := &FUOTAFlags{CommonFlags: RegisterCommon(fs, 201)}

	fs.StringVarP(&f.Input, "input", "i", "files/Input.bin", "input file")
	fs.IntVarP(&f.Session, "session", "s", 0, "fragmentation session ID")
	fs.IntVarP(&f.Length, "length", "", 20, "fragment size in bytes")
	fs.IntVarP(&f.Redundancy, "redundancy", "r", 5, "fragment redundancy")

	return f
}

// ClockSyncFlags holds the clock-sync responder's flag table.
type ClockSyncFlags struct {
	*CommonFlags
	Number int
}

// RegisterClockSync registers the clock-sync responder flag table.
func RegisterClockSync(fs *pflag.FlagSet) *ClockSyncFlags {
	f := &ClockSyncFlags{CommonFlags: RegisterCommon(fs, 202)}

	fs.IntVarP(&f.Number, "number", "n", 7, "number of AppTimeAns replies to send before exiting (<= 0: unlimited)")

	return f
}
