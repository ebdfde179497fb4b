// Package framer recognizes telemetry packets in the receiver's serial
// output.
//
// Two encodings are supported:
//   - structured lines, either prefixed with "JSON:" or starting with '{',
//     decoded as a single JSON record;
//   - delimited blocks opened by "=== Received Data ===" and closed by a run
//     of twenty '=' characters, decoded line by line.
//
// Structured lines always take priority. A structured line that fails to
// decode is dropped and never considered for block framing.
package framer
