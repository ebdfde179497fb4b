// Package normalize canonicalizes framed packets and stamps their
// ingestion time.
package normalize

import (
	"time"

	"airguard-gateway/internal/errs"
	"airguard-gateway/internal/packet"
)

// Normalizer canonicalizes packets and stamps them with its clock.
type Normalizer struct {
	now func() time.Time
}

// New returns a Normalizer. A nil clock uses time.Now.
func New(now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{now: now}
}

// Normalize returns a copy of p with a canonical batch id and ReceivedTS set
// to the current UTC instant. Optional fields are left exactly as framed.
func (n *Normalizer) Normalize(p packet.Packet) (packet.Packet, error) {
	id := packet.CanonicalBatchID(p.BatchID)
	if !packet.ValidBatchID(id) {
		return packet.Packet{}, errs.Newf(errs.Validation, "normalize", "batch_id", "invalid batch id %q", p.BatchID)
	}
	out := p
	out.BatchID = id
	out.ReceivedTS = n.now().UTC()
	return out, nil
}
