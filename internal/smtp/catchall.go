package smtp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/crestwell/leadpipe/internal/pipeline"
)

// CatchallOutcome is the result of probing a domain with an address
// that cannot exist.
type CatchallOutcome struct {
	Status    pipeline.CatchallStatus
	Localpart string
	SMTPCode  int
	MXHost    string
}

// RandomLocalpart returns a probe localpart nobody would provision:
// a fixed marker, random hex, and the current epoch second.
func RandomLocalpart(now time.Time) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively fatal elsewhere; epoch
		// alone still gives a non-colliding unknown address.
		return fmt.Sprintf("_ca_%d", now.Unix())
	}
	return fmt.Sprintf("_ca_%s%d", hex.EncodeToString(b[:]), now.Unix())
}

// CheckCatchall probes domain via mxHost with a random unknown
// localpart. Acceptance means the domain accepts anything, so RCPT 2xx
// for real addresses there proves nothing on its own.
func CheckCatchall(ctx context.Context, prober *Prober, domain, mxHost string, now time.Time) (CatchallOutcome, error) {
	localpart := RandomLocalpart(now)
	out := CatchallOutcome{Localpart: localpart, MXHost: mxHost}

	res, err := prober.Probe(ctx, mxHost, localpart+"@"+domain)
	if err != nil {
		out.Status = pipeline.CatchallError
		return out, err
	}
	out.SMTPCode = res.Code

	switch res.Class {
	case ProbeAccepted:
		out.Status = pipeline.CatchallYes
	case ProbeHardFail:
		out.Status = pipeline.CatchallNo
	case ProbeTempFail:
		out.Status = pipeline.CatchallTempfail
	default:
		out.Status = pipeline.CatchallError
	}
	return out, nil
}
