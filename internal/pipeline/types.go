// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

// Run status values persisted in the runs table. Terminal states are
// irreversible.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Mode selects which stages a run executes.
type Mode string

// Recognized run modes.
const (
	ModeFull          Mode = "full"
	ModeAutodiscovery Mode = "autodiscovery"
	ModeGenerate      Mode = "generate"
	ModeVerify        Mode = "verify"
)

// Includes reports whether the mode runs the named stage.
func (m Mode) Includes(stage Stage) bool {
	switch m {
	case ModeFull, "":
		return true
	case ModeAutodiscovery:
		return stage == StageAutodiscovery
	case ModeGenerate:
		return stage == StageGenerate
	case ModeVerify:
		return stage == StageVerify
	default:
		return false
	}
}

// Stage names one step of the per-domain chain.
type Stage string

// Pipeline stages in dependency order.
const (
	StageAutodiscovery Stage = "autodiscovery"
	StageGenerate      Stage = "generate"
	StageVerify        Stage = "verify"
)

// RunOptions captures per-run configuration requested by the client.
type RunOptions struct {
	Mode           Mode `json:"mode"`
	SkipCrawl      bool `json:"skip_crawl"`
	SkipVerify     bool `json:"skip_verify"`
	AIEnabled      bool `json:"ai_enabled"`
	ForceDiscovery bool `json:"force_discovery"`
	CompanyLimit   int  `json:"company_limit"`
}

// Progress tracks per-run counters. Stored as typed columns, never as an
// opaque JSON blob.
type Progress struct {
	DomainsTotal     int `json:"domains_total"`
	DomainsCompleted int `json:"domains_completed"`
	DomainsFailed    int `json:"domains_failed"`
	EmailsFound      int `json:"emails_found"`
	EmailsVerified   int `json:"emails_verified"`
	ValidCount       int `json:"valid_count"`
	RiskyCount       int `json:"risky_count"`
	InvalidCount     int `json:"invalid_count"`
	UnknownCount     int `json:"unknown_count"`
}

// ProgressDelta is an atomic increment applied to a run's counters.
type ProgressDelta struct {
	DomainsCompleted int
	DomainsFailed    int
	EmailsFound      int
	EmailsVerified   int
	ValidCount       int
	RiskyCount       int
	InvalidCount     int
	UnknownCount     int
}

// Run represents one user-requested batch of domains.
type Run struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Status     RunStatus  `json:"status"`
	Domains    []string   `json:"domains"`
	Options    RunOptions `json:"options"`
	Progress   Progress   `json:"progress"`
	ErrorText  string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Company is one organization under a tenant.
type Company struct {
	ID                 string            `json:"id"`
	TenantID           string            `json:"tenant_id"`
	RunID              string            `json:"run_id,omitempty"`
	Name               string            `json:"name"`
	SuppliedDomain     string            `json:"supplied_domain"`
	OfficialDomain     string            `json:"official_domain,omitempty"`
	OfficialConfidence int               `json:"official_confidence"`
	OfficialSource     string            `json:"official_source,omitempty"`
	Attrs              map[string]string `json:"attrs,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// Source is one successfully fetched page; the raw HTML lives in blob
// storage and the row keeps the URI.
type Source struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	CompanyID string    `json:"company_id"`
	URL       string    `json:"url"`
	BlobURI   string    `json:"blob_uri"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Person is one extracted individual.
type Person struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	CompanyID  string    `json:"company_id"`
	First      string    `json:"first"`
	Last       string    `json:"last"`
	Full       string    `json:"full"`
	Title      string    `json:"title,omitempty"`
	TitleNorm  string    `json:"title_norm,omitempty"`
	RoleFamily string    `json:"role_family,omitempty"`
	Seniority  string    `json:"seniority,omitempty"`
	SourceURL  string    `json:"source_url,omitempty"`
	ICPScore   int       `json:"icp_score"`
	CreatedAt  time.Time `json:"created_at"`
}

// Email is a candidate or published address, unique per (tenant, email).
// PersonID is a weak reference: the email row outlives the person.
type Email struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	CompanyID   string    `json:"company_id"`
	PersonID    string    `json:"person_id,omitempty"`
	Email       string    `json:"email"`
	IsPublished bool      `json:"is_published"`
	SourceURL   string    `json:"source_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// VerifyStatus is the canonical four-value verdict attached to an email.
type VerifyStatus string

// Canonical verification verdicts.
const (
	VerifyValid     VerifyStatus = "valid"
	VerifyRisky     VerifyStatus = "risky_catch_all"
	VerifyInvalid   VerifyStatus = "invalid"
	VerifyUnknown   VerifyStatus = "unknown_timeout"
	VerifyStatusNil VerifyStatus = ""
)

// Conclusive reports whether no further probing is warranted for this
// verdict. Only temp-fail shaped outcomes are re-probed.
func (s VerifyStatus) Conclusive() bool {
	return s == VerifyValid || s == VerifyRisky || s == VerifyInvalid
}

// VerificationResult is one append-only probe outcome for an email.
type VerificationResult struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"tenant_id"`
	EmailID        string       `json:"email_id"`
	MXHost         string       `json:"mx_host,omitempty"`
	SMTPCode       int          `json:"smtp_code,omitempty"`
	SMTPReason     string       `json:"smtp_reason,omitempty"`
	CheckedAt      time.Time    `json:"checked_at"`
	FallbackStatus string       `json:"fallback_status,omitempty"`
	FallbackAt     *time.Time   `json:"fallback_at,omitempty"`
	VerifyStatus   VerifyStatus `json:"verify_status"`
	VerifyReason   string       `json:"verify_reason"`
	VerifiedMX     string       `json:"verified_mx,omitempty"`
	VerifiedAt     *time.Time   `json:"verified_at,omitempty"`
}

// EffectiveAt is the timestamp used by the latest-per-email ordering.
func (r VerificationResult) EffectiveAt() time.Time {
	if r.VerifiedAt != nil {
		return *r.VerifiedAt
	}
	return r.CheckedAt
}

// CatchallStatus is the per-domain catch-all verdict.
type CatchallStatus string

// Catch-all verdicts cached on domain resolutions.
const (
	CatchallYes      CatchallStatus = "catch_all"
	CatchallNo       CatchallStatus = "not_catch_all"
	CatchallTempfail CatchallStatus = "tempfail"
	CatchallNoMX     CatchallStatus = "no_mx"
	CatchallError    CatchallStatus = "error"
	CatchallUnknown  CatchallStatus = ""
)

// DomainResolution is an append-only audit row; the most recent row per
// domain is authoritative and carries the cached catch-all verdict.
type DomainResolution struct {
	ID                 string         `json:"id"`
	TenantID           string         `json:"tenant_id"`
	CompanyID          string         `json:"company_id,omitempty"`
	ChosenDomain       string         `json:"chosen_domain"`
	Method             string         `json:"method"`
	Confidence         int            `json:"confidence"`
	MXHosts            []string       `json:"mx_hosts"`
	LowestMX           string         `json:"lowest_mx,omitempty"`
	CatchallStatus     CatchallStatus `json:"catch_all_status,omitempty"`
	CatchallCheckedAt  *time.Time     `json:"catch_all_checked_at,omitempty"`
	CatchallLocalpart  string         `json:"catch_all_localpart,omitempty"`
	CatchallSMTPCode   int            `json:"catch_all_smtp_code,omitempty"`
	ResolvedAt         time.Time      `json:"resolved_at"`
}

// Suppression excludes an email or a whole domain from verification and
// export. At least one of Email/Domain is set.
type Suppression struct {
	TenantID string    `json:"tenant_id"`
	Email    string    `json:"email,omitempty"`
	Domain   string    `json:"domain,omitempty"`
	Reason   string    `json:"reason"`
	Source   string    `json:"source"`
	AddedAt  time.Time `json:"added_at"`
}

// Candidate is the extractor output contract: a possible person and/or
// published address found on a page.
type Candidate struct {
	First      string  `json:"first,omitempty"`
	Last       string  `json:"last,omitempty"`
	Full       string  `json:"full,omitempty"`
	Title      string  `json:"title,omitempty"`
	Email      string  `json:"email,omitempty"`
	SourceURL  string  `json:"source_url"`
	Confidence float64 `json:"confidence"`
}
