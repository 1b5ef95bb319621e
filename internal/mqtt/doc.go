// Package mqtt is the device's broker session: an MQTT v5 client
// (Eclipse Paho's low-level [paho] package) layered on the network link
// from the transport package.
//
// The session is driven by the control loop rather than by its own
// goroutine. [Session.EnsureConnected] performs the handshake with a
// fresh random client identifier, subscribes to the device's command
// and forecast topics, and publishes the boot announcement. It repeats
// all three on every reconnect. Inbound messages are queued by the
// client's reader goroutine and delivered only from [Session.Poll], so
// command handling never runs concurrently with the control cycle.
//
// Topic layout for a device id:
//
//	devices/<id>/commands           inbound commands
//	devices/<id>/forecast           inbound forecast (logged only)
//	devices/<id>/data               telemetry, acks, boot announcement
//	devices/<id>/data_for_telegram  on-demand snapshots
package mqtt
