package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"time"

	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/clock"
	"github.com/crestwell/leadpipe/internal/metrics"
	"github.com/crestwell/leadpipe/internal/mx"
	"github.com/crestwell/leadpipe/internal/pipeline"
)

// ProbeClass is the coarse outcome of one RCPT probe.
type ProbeClass string

// Probe outcome classes.
const (
	ProbeAccepted ProbeClass = "accepted"
	ProbeHardFail ProbeClass = "hardfail"
	ProbeTempFail ProbeClass = "tempfail"
	ProbeError    ProbeClass = "error"
)

// ProbeResult is the terminal state of one probe dialog.
type ProbeResult struct {
	Class    ProbeClass
	Code     int
	Message  string
	MXHost   string
	TLS      bool
	Duration time.Duration
}

// ProberConfig is the probe identity and timing surface. HELODomain and
// MailFrom must belong to the operator and carry matching PTR and SPF.
type ProberConfig struct {
	HELODomain     string
	MailFrom       string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	Port           int
}

// Prober runs the minimal verification dialog: EHLO, opportunistic
// STARTTLS, MAIL FROM, RCPT TO, QUIT. DATA is never sent. Exactly one
// behavior observation is recorded per dialog.
type Prober struct {
	cfg    ProberConfig
	dialer Dialer
	guard  *HostGuard
	sink   mx.BehaviorSink
	clock  clock.Clock
	log    *zap.Logger
}

// NewProber builds a Prober. Nil dependencies get safe defaults.
func NewProber(cfg ProberConfig, dialer Dialer, guard *HostGuard, sink mx.BehaviorSink, clk clock.Clock, log *zap.Logger) *Prober {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 20 * time.Second
	}
	if cfg.Port <= 0 {
		cfg.Port = 25
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if sink == nil {
		sink = mx.NopSink{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{cfg: cfg, dialer: dialer, guard: guard, sink: sink, clock: clk, log: log}
}

// Probe asks mxHost whether rcpt is deliverable. The error is non-nil
// only when no SMTP dialog completed; every completed dialog yields a
// classified result.
func (p *Prober) Probe(ctx context.Context, mxHost, rcpt string) (ProbeResult, error) {
	if !p.guard.Allowed(mxHost) {
		return ProbeResult{}, pipeline.Errorf(pipeline.KindValidation,
			"exchanger %s is outside the probe allowlist", mxHost)
	}

	start := time.Now()
	provider := mx.ClassifyProvider(mxHost)
	result := ProbeResult{MXHost: mxHost}

	defer func() {
		result.Duration = time.Since(start)
		metrics.ObserveProbe(string(result.Class), result.Duration)
	}()

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	addr := net.JoinHostPort(mxHost, fmt.Sprintf("%d", p.cfg.Port))
	conn, err := p.dialer.DialContext(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		result.Class = ProbeError
		p.record(provider, mxHost, "connect_failed", 0)
		return result, pipeline.NewError(pipeline.KindTransientNetwork,
			"connecting to "+mxHost, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			p.log.Debug("closing probe connection", zap.Error(cerr))
		}
	}()

	// One deadline covers the whole dialog so a slow banner cannot
	// stretch the probe past its budget.
	if err := conn.SetDeadline(time.Now().Add(p.cfg.CommandTimeout)); err != nil {
		result.Class = ProbeError
		p.record(provider, mxHost, "connect_failed", 0)
		return result, pipeline.NewError(pipeline.KindInternal, "setting probe deadline", err)
	}

	client, err := smtp.NewClient(conn, mxHost)
	if err != nil {
		result.Class, result.Code, result.Message = classifyDialogErr(err, false)
		p.record(provider, mxHost, eventFor(result.Class), result.Code)
		return result, nil
	}
	defer p.quit(client)

	if err := client.Hello(p.cfg.HELODomain); err != nil {
		result.Class, result.Code, result.Message = classifyDialogErr(err, false)
		p.record(provider, mxHost, eventFor(result.Class), result.Code)
		return result, nil
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: mxHost}); err != nil {
			// Failed opportunistic TLS leaves the channel unusable.
			result.Class, result.Code, result.Message = ProbeError, 0, err.Error()
			p.record(provider, mxHost, "starttls_failed", 0)
			return result, nil
		}
		result.TLS = true
	}

	if err := client.Mail(p.cfg.MailFrom); err != nil {
		result.Class, result.Code, result.Message = classifyDialogErr(err, false)
		p.record(provider, mxHost, eventFor(result.Class), result.Code)
		return result, nil
	}

	err = client.Rcpt(rcpt)
	result.Class, result.Code, result.Message = classifyDialogErr(err, true)
	p.record(provider, mxHost, eventFor(result.Class), result.Code)
	return result, nil
}

// classifyDialogErr maps an SMTP reply to a probe class. A 5xx is a
// mailbox verdict only at the RCPT stage; earlier in the dialog it means
// the probe itself was rejected.
func classifyDialogErr(err error, rcptStage bool) (ProbeClass, int, string) {
	if err == nil {
		return ProbeAccepted, 250, ""
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch {
		// net/smtp only treats 25x as success, but some servers answer
		// RCPT with other 2xx codes. Any 2xx is an acceptance.
		case tpErr.Code >= 200 && tpErr.Code < 300 && rcptStage:
			return ProbeAccepted, tpErr.Code, tpErr.Msg
		case tpErr.Code >= 500 && tpErr.Code < 600:
			if rcptStage {
				return ProbeHardFail, tpErr.Code, tpErr.Msg
			}
			return ProbeError, tpErr.Code, tpErr.Msg
		case tpErr.Code >= 400 && tpErr.Code < 500:
			return ProbeTempFail, tpErr.Code, tpErr.Msg
		default:
			return ProbeError, tpErr.Code, tpErr.Msg
		}
	}
	return ProbeError, 0, err.Error()
}

func eventFor(class ProbeClass) string {
	switch class {
	case ProbeAccepted:
		return "accepted"
	case ProbeHardFail:
		return "hardfail"
	case ProbeTempFail:
		return "tempfail"
	default:
		return "error"
	}
}

func (p *Prober) record(provider mx.Provider, host, event string, code int) {
	p.sink.Record(mx.Observation{
		MXHost:   host,
		Provider: provider,
		Event:    event,
		SMTPCode: code,
	})
}

// quit closes the dialog politely but never waits long for it.
func (p *Prober) quit(client *smtp.Client) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Quit()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = client.Close()
	}
}
