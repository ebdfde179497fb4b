// Package broker publishes normalized packets to an MQTT topic and exposes
// the connection state as an event stream instead of callbacks.
package broker
