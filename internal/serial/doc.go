package serial

// Package serial opens the receiver's USB serial device and turns its byte
// stream into text lines with a bounded read timeout.
//
// Open is Linux-only (termios via golang.org/x/sys/unix); other platforms get
// a stub that always fails.
