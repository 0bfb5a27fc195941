// Package events publishes run-lifecycle notifications for downstream
// consumers (CRM sync, exports). Publishing is best effort: a failed
// publish is logged, never surfaced as a pipeline failure.
package events

import (
	"context"
	"time"

	"github.com/crestwell/leadpipe/internal/pipeline"
)

// Event kinds published over the run lifecycle.
const (
	KindRunStarted   = "run.started"
	KindRunFinished  = "run.finished"
	KindDomainDone   = "domain.done"
	KindEmailVerdict = "email.verdict"
)

// Event is the JSON payload published for every notification.
type Event struct {
	Kind      string            `json:"kind"`
	TenantID  string            `json:"tenant_id"`
	RunID     string            `json:"run_id,omitempty"`
	Domain    string            `json:"domain,omitempty"`
	Email     string            `json:"email,omitempty"`
	Status    string            `json:"status,omitempty"`
	Progress  pipeline.Progress `json:"progress,omitempty"`
	At        time.Time         `json:"at"`
}

// Publisher delivers events to an external system.
type Publisher interface {
	Publish(ctx context.Context, ev Event) (string, error)
}

// Nop discards events. Used when no provider is configured.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) (string, error) {
	return "", nil
}
