// Package store is the durable sink: a single SQLite table of samples keyed
// by canonical batch id.
//
// Optional packet fields are defaulted here and nowhere earlier, so the
// broker and cloud sinks still see exactly what the node reported. The
// gateway loop is the only writer; the status API may read concurrently.
package store
