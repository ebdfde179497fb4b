// Package config loads the gateway configuration.
//
// Sources, lowest precedence first: built-in defaults, an optional YAML file,
// and the process environment (SERIAL_PORT, SQLITE_DB, MQTT_BROKER, ...).
// Command-line flags are applied by the caller, which then re-runs
// DefaultAndValidate. Broker and cloud sinks are disabled when their
// host/URL is empty.
package config
