// Package web is the optional HTTP listener: JSON status, recent log lines,
// Prometheus metrics and a health probe. It is read-only.
package web
