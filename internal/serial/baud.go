package serial

import (
	"slices"
	"strconv"
	"strings"
)

// SupportedBauds lists the rates Open accepts, ascending.
var SupportedBauds = []int{4800, 9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}

// SupportedBaud reports whether Open can configure baud.
func SupportedBaud(baud int) bool {
	return slices.Contains(SupportedBauds, baud)
}

// SupportedBaudList is SupportedBauds as "4800, 9600, ...".
func SupportedBaudList() string {
	parts := make([]string, len(SupportedBauds))
	for i, b := range SupportedBauds {
		parts[i] = strconv.Itoa(b)
	}
	return strings.Join(parts, ", ")
}
