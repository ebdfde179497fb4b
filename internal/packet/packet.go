package packet

import (
	"strings"
	"time"
)

// Packet is one telemetry record from the sensing node.
//
// BatchID, SessionMs and SampleCount are always present on a Packet that
// left the framer. Optional fields are nil when the node never reported
// them; defaults are only substituted by WithDefaults at the storage
// boundary so broker and cloud payloads stay as-received.
//
// A Packet is treated as immutable once normalized.
type Packet struct {
	BatchID     string `json:"batchId"`
	SessionMs   int64  `json:"sessionMs"`
	SampleCount int64  `json:"samples"`

	DateYMD *int64 `json:"dateYMD,omitempty"`
	TimeHMS *int64 `json:"timeHMS,omitempty"`
	Msec    *int64 `json:"msec,omitempty"`

	Lat *float64 `json:"lat,omitempty"`
	Lon *float64 `json:"lon,omitempty"`
	Alt *float64 `json:"alt,omitempty"`

	GPSFix *int64 `json:"gpsFix,omitempty"`
	Sats   *int64 `json:"sats,omitempty"`

	AX *float64 `json:"ax,omitempty"`
	AY *float64 `json:"ay,omitempty"`
	AZ *float64 `json:"az,omitempty"`
	GX *float64 `json:"gx,omitempty"`
	GY *float64 `json:"gy,omitempty"`
	GZ *float64 `json:"gz,omitempty"`

	TempC *float64 `json:"tempC,omitempty"`

	// ReceivedTS is stamped once by the normalizer (UTC).
	ReceivedTS time.Time `json:"receivedTs"`
}

// Record is the fully-defaulted row shape written by the store.
type Record struct {
	BatchID     string
	SessionMs   int64
	SampleCount int64
	DateYMD     int64
	TimeHMS     int64
	Msec        int64
	Lat         float64
	Lon         float64
	Alt         float64
	GPSFix      int64
	Sats        int64
	AX          float64
	AY          float64
	AZ          float64
	GX          float64
	GY          float64
	GZ          float64
	TempC       float64
	ReceivedTS  time.Time
}

// WithDefaults maps unset optional fields to their schema defaults (0 / 0.0).
func WithDefaults(p Packet) Record {
	return Record{
		BatchID:     p.BatchID,
		SessionMs:   p.SessionMs,
		SampleCount: p.SampleCount,
		DateYMD:     intOr(p.DateYMD),
		TimeHMS:     intOr(p.TimeHMS),
		Msec:        intOr(p.Msec),
		Lat:         floatOr(p.Lat),
		Lon:         floatOr(p.Lon),
		Alt:         floatOr(p.Alt),
		GPSFix:      intOr(p.GPSFix),
		Sats:        intOr(p.Sats),
		AX:          floatOr(p.AX),
		AY:          floatOr(p.AY),
		AZ:          floatOr(p.AZ),
		GX:          floatOr(p.GX),
		GY:          floatOr(p.GY),
		GZ:          floatOr(p.GZ),
		TempC:       floatOr(p.TempC),
		ReceivedTS:  p.ReceivedTS,
	}
}

// CanonicalBatchID strips any leading 0x/0X prefixes and uppercases the rest.
// Applying it to an already canonical id returns the id unchanged.
func CanonicalBatchID(id string) string {
	id = strings.TrimSpace(id)
	for len(id) >= 2 && id[0] == '0' && (id[1] == 'x' || id[1] == 'X') {
		id = id[2:]
	}
	return strings.ToUpper(id)
}

// ValidBatchID reports whether id is a non-empty canonical hex string.
func ValidBatchID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func Int(v int64) *int64 { return &v }

func Float(v float64) *float64 { return &v }

func intOr(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func floatOr(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
