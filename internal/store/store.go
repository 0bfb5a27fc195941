// Package store persists every pipeline entity in the relational
// database. Verification results and domain resolutions are append-only
// journals; the newest row per key is authoritative.
package store

import (
	"context"
	"time"

	"github.com/crestwell/leadpipe/internal/mx"
	"github.com/crestwell/leadpipe/internal/pipeline"
)

// RunStore manages run lifecycle rows.
type RunStore interface {
	CreateRun(ctx context.Context, run *pipeline.Run) error
	GetRun(ctx context.Context, tenantID, runID string) (*pipeline.Run, error)
	ListRuns(ctx context.Context, tenantID string, limit int) ([]*pipeline.Run, error)
	// UpdateRunStatus moves a run through its lifecycle. Transitions
	// out of a terminal status are silently refused.
	UpdateRunStatus(ctx context.Context, runID string, status pipeline.RunStatus, errText string) error
	// ApplyProgress atomically increments the run's counters.
	ApplyProgress(ctx context.Context, runID string, d pipeline.ProgressDelta) error
	// MarkDomainDone records one domain's completion exactly once and
	// bumps domains_completed (and domains_failed when failed) in the
	// same write. Returns false when the domain was already marked, so
	// a redelivered completion marker never double-counts.
	MarkDomainDone(ctx context.Context, runID, domain string, failed bool) (bool, error)
}

// CompanyStore manages companies and their chosen domains.
type CompanyStore interface {
	// UpsertCompany inserts or refreshes by (tenant_id, supplied_domain)
	// and fills in the row ID.
	UpsertCompany(ctx context.Context, c *pipeline.Company) error
	GetCompanyByDomain(ctx context.Context, tenantID, suppliedDomain string) (*pipeline.Company, error)
	SetOfficialDomain(ctx context.Context, companyID, domain, source string, confidence int) error
	// CountCompaniesSince supports the rolling activity budget.
	CountCompaniesSince(ctx context.Context, tenantID string, since time.Time) (int, error)
}

// SourceStore records fetched pages whose HTML lives in blob storage.
type SourceStore interface {
	InsertSource(ctx context.Context, s *pipeline.Source) error
}

// PersonStore manages extracted people.
type PersonStore interface {
	// UpsertPerson inserts or refreshes by (tenant_id, company_id,
	// lower(full)) and fills in the row ID.
	UpsertPerson(ctx context.Context, p *pipeline.Person) error
	ListPeopleForCompany(ctx context.Context, tenantID, companyID string) ([]*pipeline.Person, error)
}

// EmailStore manages candidate and published addresses.
type EmailStore interface {
	// UpsertEmail inserts or refreshes by (tenant_id, email) and fills
	// in the row ID. A published sighting upgrades a generated row.
	UpsertEmail(ctx context.Context, e *pipeline.Email) error
	ListEmailsForCompany(ctx context.Context, tenantID, companyID string) ([]*pipeline.Email, error)
	// DeleteInvalidGenerated removes generated (never published)
	// candidates whose latest verdict is invalid, and reports how many
	// rows went away.
	DeleteInvalidGenerated(ctx context.Context, tenantID, companyID string) (int, error)
}

// VerificationStore is the append-only probe journal.
type VerificationStore interface {
	// AppendResult inserts the evidence row. A row whose ID already
	// exists is left untouched and reported with inserted == false;
	// callers derive deterministic IDs from the job so a redelivered
	// job cannot journal the same verdict twice.
	AppendResult(ctx context.Context, r *pipeline.VerificationResult) (inserted bool, err error)
	// LatestResult returns the newest row for an email, by effective
	// time then insertion order, or pipeline.ErrNotFound.
	LatestResult(ctx context.Context, tenantID, emailID string) (*pipeline.VerificationResult, error)
}

// ResolutionStore is the append-only MX resolution journal; the newest
// row per domain carries the cached catch-all verdict.
type ResolutionStore interface {
	InsertResolution(ctx context.Context, r *pipeline.DomainResolution) error
	LatestResolution(ctx context.Context, tenantID, domain string) (*pipeline.DomainResolution, error)
	// SetCatchall stamps the catch-all verdict onto a resolution row.
	SetCatchall(ctx context.Context, resolutionID string, status pipeline.CatchallStatus, localpart string, smtpCode int, checkedAt time.Time) error
}

// SuppressionStore manages the do-not-contact list.
type SuppressionStore interface {
	AddSuppression(ctx context.Context, s *pipeline.Suppression) error
	// IsSuppressed matches on the exact address or its whole domain.
	IsSuppressed(ctx context.Context, tenantID, email, domain string) (bool, error)
}

// BehaviorStore accumulates per-exchanger SMTP behavior counts.
type BehaviorStore interface {
	RecordBehavior(ctx context.Context, obs mx.Observation) error
}

// Store is the combined persistence surface.
type Store interface {
	RunStore
	CompanyStore
	SourceStore
	PersonStore
	EmailStore
	VerificationStore
	ResolutionStore
	SuppressionStore
	BehaviorStore
}
