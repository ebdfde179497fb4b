package framer

import (
	"encoding/json"
	"fmt"
	"strings"

	"airguard-gateway/internal/errs"
	"airguard-gateway/internal/packet"
)

const (
	// BeginMarker opens a delimited block.
	BeginMarker = "=== Received Data ==="
	// EndMarker closes a delimited block (20 '=').
	EndMarker = "===================="

	// JSONSentinel prefixes structured lines emitted by newer receiver firmware.
	JSONSentinel = "JSON:"
)

// State is the block state machine's position: Idle until a begin marker,
// Capturing until the end marker.
type State int

const (
	Idle State = iota
	Capturing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	default:
		return "unknown"
	}
}

// Framer turns a stream of text lines into packets.
//
// Each line is first offered to the structured fast path (sentinel or '{'
// prefix). Lines claimed by the fast path never reach the block state
// machine, even when they fail to decode.
//
// Framer is not safe for concurrent use.
type Framer struct {
	state State
	buf   []string
}

// New returns a Framer in the Idle state.
func New() *Framer {
	return &Framer{state: Idle}
}

// State returns the current block state.
func (f *Framer) State() State { return f.state }

// Buffered returns the number of lines held for the block in progress.
func (f *Framer) Buffered() int { return len(f.buf) }

// Feed consumes one line. It returns ok=true with a packet when the line
// completes one. A Parse or Validation error means a line or block was
// dropped; the framer stays usable.
func (f *Framer) Feed(line string) (p packet.Packet, ok bool, err error) {
	if isStructured(line) {
		p, err = parseStructured(line)
		if err != nil {
			return packet.Packet{}, false, err
		}
		return p, true, nil
	}

	switch {
	case line == BeginMarker:
		// A begin marker always starts a fresh block, discarding any
		// partial capture.
		f.state = Capturing
		f.buf = append(f.buf[:0], line)
		return packet.Packet{}, false, nil
	case f.state != Capturing:
		return packet.Packet{}, false, nil
	}

	f.buf = append(f.buf, line)
	if line != EndMarker {
		return packet.Packet{}, false, nil
	}

	block := f.buf
	f.state = Idle
	defer func() { f.buf = f.buf[:0] }()

	p, err = ParseBlock(block)
	if err != nil {
		return packet.Packet{}, false, err
	}
	return p, true, nil
}

// Reset drops any partial block.
func (f *Framer) Reset() {
	f.state = Idle
	f.buf = f.buf[:0]
}

func isStructured(line string) bool {
	return strings.HasPrefix(line, JSONSentinel) || strings.HasPrefix(line, "{")
}

// structuredRecord mirrors the fast-path wire fields. Every field is a
// pointer so missing keys are distinguishable from zero values.
type structuredRecord struct {
	BatchID   *string `json:"batchId"`
	SessionMs *int64  `json:"sessionMs"`
	Samples   *int64  `json:"samples"`

	DateYMD *int64 `json:"dateYMD"`
	TimeHMS *int64 `json:"timeHMS"`
	Msec    *int64 `json:"msec"`

	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
	Alt *float64 `json:"alt"`

	GPSFix *int64 `json:"gpsFix"`
	Sats   *int64 `json:"sats"`

	AX *float64 `json:"ax"`
	AY *float64 `json:"ay"`
	AZ *float64 `json:"az"`
	GX *float64 `json:"gx"`
	GY *float64 `json:"gy"`
	GZ *float64 `json:"gz"`

	TempC *float64 `json:"tempC"`
}

func parseStructured(line string) (packet.Packet, error) {
	body := strings.TrimSpace(strings.TrimPrefix(line, JSONSentinel))

	var rec structuredRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return packet.Packet{}, errs.New(errs.Parse, "framer", "structured", err)
	}

	var missing []string
	if rec.BatchID == nil {
		missing = append(missing, "batchId")
	}
	if rec.SessionMs == nil {
		missing = append(missing, "sessionMs")
	}
	if rec.Samples == nil {
		missing = append(missing, "samples")
	}
	if len(missing) > 0 {
		return packet.Packet{}, errs.Newf(errs.Validation, "framer", "structured", "missing required fields: %s", strings.Join(missing, ", "))
	}

	return packet.Packet{
		BatchID:     *rec.BatchID,
		SessionMs:   *rec.SessionMs,
		SampleCount: *rec.Samples,
		DateYMD:     rec.DateYMD,
		TimeHMS:     rec.TimeHMS,
		Msec:        rec.Msec,
		Lat:         rec.Lat,
		Lon:         rec.Lon,
		Alt:         rec.Alt,
		GPSFix:      rec.GPSFix,
		Sats:        rec.Sats,
		AX:          rec.AX,
		AY:          rec.AY,
		AZ:          rec.AZ,
		GX:          rec.GX,
		GY:          rec.GY,
		GZ:          rec.GZ,
		TempC:       rec.TempC,
	}, nil
}

// describeMissing is used in validation warnings for blocks.
func describeMissing(batchOK, durOK, samplesOK bool) string {
	var missing []string
	if !batchOK {
		missing = append(missing, "batchId")
	}
	if !durOK {
		missing = append(missing, "sessionMs")
	}
	if !samplesOK {
		missing = append(missing, "samples")
	}
	return fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", "))
}
