package framer

import (
	"regexp"
	"strconv"
	"strings"

	"airguard-gateway/internal/errs"
	"airguard-gateway/internal/packet"
)

// Block line grammar:
//
//	Batch: 0x<hex> | Duration: <int> ms | Samples: <int>
//	GPS Fix: <int>, Sats: <int> | Date: <int> | Time: <int>.<int>
//	Lat: <float>  Lon: <float>  Alt: <float> m
//	Accel [m/s^2] X: <float>  Y: <float>  Z: <float>
//	Gyro  [rad/s] X: <float>  Y: <float>  Z: <float>
//	Temp: <float> °C
//
// Lines are matched independently, so their order inside a block does not
// matter. A line that matches no category is ignored.
const num = `([-+]?[0-9]*\.?[0-9]+)`

var (
	reBatch    = regexp.MustCompile(`Batch:\s*(?:0[xX])?([0-9A-Fa-f]+)`)
	reDuration = regexp.MustCompile(`Duration:\s*(\d+)`)
	reSamples  = regexp.MustCompile(`Samples:\s*(\d+)`)

	reFix  = regexp.MustCompile(`GPS Fix:\s*(\d+)`)
	reSats = regexp.MustCompile(`Sats:\s*(\d+)`)
	reDate = regexp.MustCompile(`Date:\s*(\d+)`)
	reTime = regexp.MustCompile(`Time:\s*(\d+)(?:\.(\d+))?`)

	reLat = regexp.MustCompile(`Lat:\s*` + num)
	reLon = regexp.MustCompile(`Lon:\s*` + num)
	reAlt = regexp.MustCompile(`Alt:\s*` + num)

	reXYZ = regexp.MustCompile(`X:\s*` + num + `\s+Y:\s*` + num + `\s+Z:\s*` + num)

	reTemp = regexp.MustCompile(`Temp:\s*` + num)
)

type category int

const (
	catNone category = iota
	catBatch
	catGPS
	catPosition
	catAccel
	catGyro
	catTemp
)

func classify(line string) category {
	switch {
	case strings.Contains(line, "Batch:"):
		return catBatch
	case strings.Contains(line, "GPS Fix:"):
		return catGPS
	case strings.Contains(line, "Lat:"):
		return catPosition
	case strings.Contains(line, "Accel"):
		return catAccel
	case strings.Contains(line, "Gyro"):
		return catGyro
	case strings.Contains(line, "Temp:"):
		return catTemp
	default:
		return catNone
	}
}

// ParseBlock extracts a packet from the lines of one delimited block,
// markers included. It returns a Validation error when any of batch id,
// duration or sample count is missing.
func ParseBlock(lines []string) (packet.Packet, error) {
	var (
		p         packet.Packet
		batchOK   bool
		durOK     bool
		samplesOK bool
	)

	for _, raw := range lines {
		line := strings.TrimSpace(raw)

		switch classify(line) {
		case catBatch:
			if m := reBatch.FindStringSubmatch(line); m != nil {
				p.BatchID = strings.ToUpper(m[1])
				batchOK = true
			}
			if v, ok := matchInt(reDuration, line); ok {
				p.SessionMs = v
				durOK = true
			}
			if v, ok := matchInt(reSamples, line); ok {
				p.SampleCount = v
				samplesOK = true
			}

		case catGPS:
			setInt(&p.GPSFix, reFix, line)
			setInt(&p.Sats, reSats, line)
			setInt(&p.DateYMD, reDate, line)
			if m := reTime.FindStringSubmatch(line); m != nil {
				if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
					p.TimeHMS = packet.Int(v)
				}
				if m[2] != "" {
					if v, err := strconv.ParseInt(m[2], 10, 64); err == nil {
						p.Msec = packet.Int(v)
					}
				}
			}

		case catPosition:
			setFloat(&p.Lat, reLat, line)
			setFloat(&p.Lon, reLon, line)
			setFloat(&p.Alt, reAlt, line)

		case catAccel:
			setTriplet(&p.AX, &p.AY, &p.AZ, line)

		case catGyro:
			setTriplet(&p.GX, &p.GY, &p.GZ, line)

		case catTemp:
			setFloat(&p.TempC, reTemp, line)
		}
	}

	if !batchOK || !durOK || !samplesOK {
		return packet.Packet{}, errs.Newf(errs.Validation, "framer", "block", "%s", describeMissing(batchOK, durOK, samplesOK))
	}
	return p, nil
}

func matchInt(re *regexp.Regexp, line string) (int64, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func matchFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func setInt(dst **int64, re *regexp.Regexp, line string) {
	if v, ok := matchInt(re, line); ok {
		*dst = packet.Int(v)
	}
}

func setFloat(dst **float64, re *regexp.Regexp, line string) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return
	}
	if v, ok := matchFloat(m[1]); ok {
		*dst = packet.Float(v)
	}
}

func setTriplet(x, y, z **float64, line string) {
	m := reXYZ.FindStringSubmatch(line)
	if m == nil {
		return
	}
	for i, dst := range []**float64{x, y, z} {
		if v, ok := matchFloat(m[i+1]); ok {
			*dst = packet.Float(v)
		}
	}
}
