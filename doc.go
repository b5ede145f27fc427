/*

Package chirpstackfuota is the root of a Firmware-Update-Over-The-Air
(FUOTA) server for LoRaWAN end-devices, plus an Application Layer Clock
Synchronization responder.

It drives a ChirpStack network server over gRPC to enqueue downlink
frames, subscribes to device uplinks over MQTT, and runs two
independent state machines:

  - cmd/fuota-server fragments a firmware image, XOR-encodes redundancy
    fragments, and pushes them through the Fragmented Data Block
    Transport setup/transfer/delete handshake (package
    applayer/fragmentation, driven by internal/fuota).
  - cmd/clocksync-server answers AppTimeReq uplinks with the current
    GPS-epoch time (package applayer/clocksync, driven by
    internal/timesync).

See DESIGN.md for the rationale behind individual package choices.

*/
package chirpstackfuota
