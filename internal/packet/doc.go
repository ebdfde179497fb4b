package packet

// Package packet defines the telemetry Packet shared by every stage of the
// gateway, the canonical batch id rules, and the defaulted storage Record.
