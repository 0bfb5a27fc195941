package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/crestwell/leadpipe/internal/mx"
	"github.com/crestwell/leadpipe/internal/pipeline"
)

//go:embed schema.sql
var schemaSQL string

// Querier is the subset of pgxpool.Pool the Postgres store needs.
// pgxmock satisfies it in tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store over a pgx pool.
type Postgres struct {
	db Querier
}

// NewPostgres returns a Store backed by the given pool or mock.
func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent so
// it is safe to run on every startup.
func Migrate(ctx context.Context, db Querier) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

const runColumns = `id, tenant_id, status, domains, options,
	domains_total, domains_completed, domains_failed, emails_found, emails_verified,
	valid_count, risky_count, invalid_count, unknown_count,
	error_text, created_at, started_at, finished_at`

const createRunSQL = `
INSERT INTO runs (id, tenant_id, status, domains, options, domains_total)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING created_at`

// CreateRun implements RunStore.
func (p *Postgres) CreateRun(ctx context.Context, run *pipeline.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = pipeline.RunStatusQueued
	}
	opts, err := json.Marshal(run.Options)
	if err != nil {
		return fmt.Errorf("encoding run options: %w", err)
	}
	domains := run.Domains
	if domains == nil {
		domains = []string{}
	}
	err = p.db.QueryRow(ctx, createRunSQL,
		run.ID, run.TenantID, run.Status, domains, opts, len(domains),
	).Scan(&run.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating run %s: %w", run.ID, err)
	}
	run.Progress.DomainsTotal = len(domains)
	return nil
}

// GetRun implements RunStore.
func (p *Postgres) GetRun(ctx context.Context, tenantID, runID string) (*pipeline.Run, error) {
	row := p.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id = $1 AND id = $2`, tenantID, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrNotFound
		}
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns implements RunStore.
func (p *Postgres) ListRuns(ctx context.Context, tenantID string, limit int) ([]*pipeline.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []*pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return out, nil
}

const updateRunStatusSQL = `
UPDATE runs SET
    status = $2,
    error_text = CASE WHEN $3 <> '' THEN $3 ELSE error_text END,
    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
    finished_at = CASE WHEN $2 IN ('succeeded', 'failed', 'cancelled') THEN now() ELSE finished_at END
WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'cancelled')`

// UpdateRunStatus implements RunStore. Rows already in a terminal status
// are left untouched and no error is returned.
func (p *Postgres) UpdateRunStatus(ctx context.Context, runID string, status pipeline.RunStatus, errText string) error {
	if _, err := p.db.Exec(ctx, updateRunStatusSQL, runID, status, errText); err != nil {
		return fmt.Errorf("updating run %s status: %w", runID, err)
	}
	return nil
}

const applyProgressSQL = `
UPDATE runs SET
    domains_completed = domains_completed + $2,
    domains_failed = domains_failed + $3,
    emails_found = emails_found + $4,
    emails_verified = emails_verified + $5,
    valid_count = valid_count + $6,
    risky_count = risky_count + $7,
    invalid_count = invalid_count + $8,
    unknown_count = unknown_count + $9
WHERE id = $1`

// ApplyProgress implements RunStore.
func (p *Postgres) ApplyProgress(ctx context.Context, runID string, d pipeline.ProgressDelta) error {
	tag, err := p.db.Exec(ctx, applyProgressSQL, runID,
		d.DomainsCompleted, d.DomainsFailed, d.EmailsFound, d.EmailsVerified,
		d.ValidCount, d.RiskyCount, d.InvalidCount, d.UnknownCount)
	if err != nil {
		return fmt.Errorf("applying progress to run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// The marker insert and the counter bump ride one statement, so a
// redelivered completion can never increment twice and a crash can
// never mark without counting.
const markDomainDoneSQL = `
WITH marked AS (
    INSERT INTO run_domains_done (run_id, domain, failed)
    VALUES ($1, $2, $3)
    ON CONFLICT DO NOTHING
    RETURNING 1
)
UPDATE runs SET
    domains_completed = domains_completed + 1,
    domains_failed = domains_failed + CASE WHEN $3 THEN 1 ELSE 0 END
WHERE id = $1 AND EXISTS (SELECT 1 FROM marked)`

// MarkDomainDone implements RunStore.
func (p *Postgres) MarkDomainDone(ctx context.Context, runID, domain string, failed bool) (bool, error) {
	tag, err := p.db.Exec(ctx, markDomainDoneSQL, runID, domain, failed)
	if err != nil {
		return false, fmt.Errorf("marking domain %s done for run %s: %w", domain, runID, err)
	}
	return tag.RowsAffected() > 0, nil
}

const companyColumns = `id, tenant_id, run_id, name, supplied_domain,
	official_domain, official_confidence, official_source, attrs, created_at`

const upsertCompanySQL = `
INSERT INTO companies (id, tenant_id, run_id, name, supplied_domain, attrs)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (tenant_id, supplied_domain) DO UPDATE SET
    run_id = COALESCE(EXCLUDED.run_id, companies.run_id),
    name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE companies.name END,
    attrs = companies.attrs || EXCLUDED.attrs
RETURNING id, created_at`

// UpsertCompany implements CompanyStore.
func (p *Postgres) UpsertCompany(ctx context.Context, c *pipeline.Company) error {
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	attrs, err := json.Marshal(orEmptyAttrs(c.Attrs))
	if err != nil {
		return fmt.Errorf("encoding company attrs: %w", err)
	}
	err = p.db.QueryRow(ctx, upsertCompanySQL,
		id, c.TenantID, nullStr(c.RunID), c.Name, c.SuppliedDomain, attrs,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting company %s: %w", c.SuppliedDomain, err)
	}
	return nil
}

// GetCompanyByDomain implements CompanyStore.
func (p *Postgres) GetCompanyByDomain(ctx context.Context, tenantID, suppliedDomain string) (*pipeline.Company, error) {
	row := p.db.QueryRow(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE tenant_id = $1 AND supplied_domain = $2`,
		tenantID, suppliedDomain)
	c, err := scanCompany(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrNotFound
		}
		return nil, fmt.Errorf("loading company %s: %w", suppliedDomain, err)
	}
	return c, nil
}

const setOfficialDomainSQL = `
UPDATE companies SET official_domain = $2, official_source = $3, official_confidence = $4
WHERE id = $1`

// SetOfficialDomain implements CompanyStore.
func (p *Postgres) SetOfficialDomain(ctx context.Context, companyID, domain, source string, confidence int) error {
	tag, err := p.db.Exec(ctx, setOfficialDomainSQL, companyID, domain, source, confidence)
	if err != nil {
		return fmt.Errorf("setting official domain for company %s: %w", companyID, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// CountCompaniesSince implements CompanyStore.
func (p *Postgres) CountCompaniesSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRow(ctx,
		`SELECT count(*) FROM companies WHERE tenant_id = $1 AND created_at >= $2`,
		tenantID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting companies: %w", err)
	}
	return n, nil
}

const insertSourceSQL = `
INSERT INTO sources (id, tenant_id, company_id, url, blob_uri, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6)`

// InsertSource implements SourceStore.
func (p *Postgres) InsertSource(ctx context.Context, s *pipeline.Source) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, err := p.db.Exec(ctx, insertSourceSQL,
		s.ID, s.TenantID, s.CompanyID, s.URL, s.BlobURI, s.FetchedAt); err != nil {
		return fmt.Errorf("inserting source %s: %w", s.URL, err)
	}
	return nil
}

const personColumns = `id, tenant_id, company_id, first_name, last_name, full_name,
	title, title_norm, role_family, seniority, source_url, icp_score, created_at`

const upsertPersonSQL = `
INSERT INTO people (id, tenant_id, company_id, first_name, last_name, full_name,
	title, title_norm, role_family, seniority, source_url, icp_score)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (tenant_id, company_id, lower(full_name)) DO UPDATE SET
    title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE people.title END,
    title_norm = CASE WHEN EXCLUDED.title_norm <> '' THEN EXCLUDED.title_norm ELSE people.title_norm END,
    role_family = CASE WHEN EXCLUDED.role_family <> '' THEN EXCLUDED.role_family ELSE people.role_family END,
    seniority = CASE WHEN EXCLUDED.seniority <> '' THEN EXCLUDED.seniority ELSE people.seniority END,
    source_url = CASE WHEN EXCLUDED.source_url <> '' THEN EXCLUDED.source_url ELSE people.source_url END,
    icp_score = GREATEST(people.icp_score, EXCLUDED.icp_score)
RETURNING id, created_at`

// UpsertPerson implements PersonStore.
func (p *Postgres) UpsertPerson(ctx context.Context, person *pipeline.Person) error {
	id := person.ID
	if id == "" {
		id = uuid.NewString()
	}
	err := p.db.QueryRow(ctx, upsertPersonSQL,
		id, person.TenantID, person.CompanyID, person.First, person.Last, person.Full,
		person.Title, person.TitleNorm, person.RoleFamily, person.Seniority,
		person.SourceURL, person.ICPScore,
	).Scan(&person.ID, &person.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting person %q: %w", person.Full, err)
	}
	return nil
}

// ListPeopleForCompany implements PersonStore.
func (p *Postgres) ListPeopleForCompany(ctx context.Context, tenantID, companyID string) ([]*pipeline.Person, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+personColumns+` FROM people WHERE tenant_id = $1 AND company_id = $2 ORDER BY created_at, id`,
		tenantID, companyID)
	if err != nil {
		return nil, fmt.Errorf("listing people: %w", err)
	}
	defer rows.Close()

	var out []*pipeline.Person
	for rows.Next() {
		var person pipeline.Person
		if err := rows.Scan(
			&person.ID, &person.TenantID, &person.CompanyID,
			&person.First, &person.Last, &person.Full,
			&person.Title, &person.TitleNorm, &person.RoleFamily, &person.Seniority,
			&person.SourceURL, &person.ICPScore, &person.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning person: %w", err)
		}
		out = append(out, &person)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating people: %w", err)
	}
	return out, nil
}

const emailColumns = `id, tenant_id, company_id, person_id, email, is_published, source_url, created_at`

const upsertEmailSQL = `
INSERT INTO emails (id, tenant_id, company_id, person_id, email, is_published, source_url)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tenant_id, email) DO UPDATE SET
    is_published = emails.is_published OR EXCLUDED.is_published,
    person_id = COALESCE(emails.person_id, EXCLUDED.person_id),
    source_url = CASE WHEN EXCLUDED.is_published AND EXCLUDED.source_url <> ''
                 THEN EXCLUDED.source_url ELSE emails.source_url END
RETURNING id, is_published, created_at`

// UpsertEmail implements EmailStore.
func (p *Postgres) UpsertEmail(ctx context.Context, e *pipeline.Email) error {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	err := p.db.QueryRow(ctx, upsertEmailSQL,
		id, e.TenantID, e.CompanyID, nullStr(e.PersonID), e.Email, e.IsPublished, e.SourceURL,
	).Scan(&e.ID, &e.IsPublished, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting email %s: %w", e.Email, err)
	}
	return nil
}

// ListEmailsForCompany implements EmailStore.
func (p *Postgres) ListEmailsForCompany(ctx context.Context, tenantID, companyID string) ([]*pipeline.Email, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE tenant_id = $1 AND company_id = $2 ORDER BY created_at, id`,
		tenantID, companyID)
	if err != nil {
		return nil, fmt.Errorf("listing emails: %w", err)
	}
	defer rows.Close()

	var out []*pipeline.Email
	for rows.Next() {
		var (
			e        pipeline.Email
			personID *string
		)
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.CompanyID, &personID,
			&e.Email, &e.IsPublished, &e.SourceURL, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning email: %w", err)
		}
		if personID != nil {
			e.PersonID = *personID
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating emails: %w", err)
	}
	return out, nil
}

const deleteInvalidGeneratedSQL = `
DELETE FROM emails e
WHERE e.tenant_id = $1 AND e.company_id = $2 AND NOT e.is_published
  AND (
      SELECT vr.verify_status FROM verification_results vr
      WHERE vr.email_id = e.id
      ORDER BY COALESCE(vr.verified_at, vr.checked_at) DESC, vr.seq DESC
      LIMIT 1
  ) = 'invalid'`

// DeleteInvalidGenerated implements EmailStore. Verification rows go
// away with the email via ON DELETE CASCADE.
func (p *Postgres) DeleteInvalidGenerated(ctx context.Context, tenantID, companyID string) (int, error) {
	tag, err := p.db.Exec(ctx, deleteInvalidGeneratedSQL, tenantID, companyID)
	if err != nil {
		return 0, fmt.Errorf("deleting invalid candidates: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const verificationColumns = `id, tenant_id, email_id, mx_host, smtp_code, smtp_reason,
	checked_at, fallback_status, fallback_at, verify_status, verify_reason, verified_mx, verified_at`

const appendResultSQL = `
INSERT INTO verification_results (id, tenant_id, email_id, mx_host, smtp_code, smtp_reason,
	checked_at, fallback_status, fallback_at, verify_status, verify_reason, verified_mx, verified_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO NOTHING`

// AppendResult implements VerificationStore.
func (p *Postgres) AppendResult(ctx context.Context, r *pipeline.VerificationResult) (bool, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	tag, err := p.db.Exec(ctx, appendResultSQL,
		r.ID, r.TenantID, r.EmailID, r.MXHost, r.SMTPCode, r.SMTPReason,
		r.CheckedAt, r.FallbackStatus, r.FallbackAt,
		r.VerifyStatus, r.VerifyReason, r.VerifiedMX, r.VerifiedAt,
	)
	if err != nil {
		return false, fmt.Errorf("appending verification for email %s: %w", r.EmailID, err)
	}
	return tag.RowsAffected() > 0, nil
}

const latestResultSQL = `
SELECT ` + verificationColumns + ` FROM verification_results
WHERE tenant_id = $1 AND email_id = $2
ORDER BY COALESCE(verified_at, checked_at) DESC, seq DESC
LIMIT 1`

// LatestResult implements VerificationStore.
func (p *Postgres) LatestResult(ctx context.Context, tenantID, emailID string) (*pipeline.VerificationResult, error) {
	var r pipeline.VerificationResult
	err := p.db.QueryRow(ctx, latestResultSQL, tenantID, emailID).Scan(
		&r.ID, &r.TenantID, &r.EmailID, &r.MXHost, &r.SMTPCode, &r.SMTPReason,
		&r.CheckedAt, &r.FallbackStatus, &r.FallbackAt,
		&r.VerifyStatus, &r.VerifyReason, &r.VerifiedMX, &r.VerifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrNotFound
		}
		return nil, fmt.Errorf("loading latest verification for email %s: %w", emailID, err)
	}
	return &r, nil
}

const resolutionColumns = `id, tenant_id, company_id, chosen_domain, method, confidence,
	mx_hosts, lowest_mx, catch_all_status, catch_all_checked_at, catch_all_localpart,
	catch_all_smtp_code, resolved_at`

const insertResolutionSQL = `
INSERT INTO domain_resolutions (id, tenant_id, company_id, chosen_domain, method, confidence,
	mx_hosts, lowest_mx, catch_all_status, catch_all_checked_at, catch_all_localpart,
	catch_all_smtp_code, resolved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// InsertResolution implements ResolutionStore.
func (p *Postgres) InsertResolution(ctx context.Context, r *pipeline.DomainResolution) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	hosts := r.MXHosts
	if hosts == nil {
		hosts = []string{}
	}
	if _, err := p.db.Exec(ctx, insertResolutionSQL,
		r.ID, r.TenantID, nullStr(r.CompanyID), r.ChosenDomain, r.Method, r.Confidence,
		hosts, r.LowestMX, r.CatchallStatus, r.CatchallCheckedAt, r.CatchallLocalpart,
		r.CatchallSMTPCode, r.ResolvedAt,
	); err != nil {
		return fmt.Errorf("inserting resolution for %s: %w", r.ChosenDomain, err)
	}
	return nil
}

const latestResolutionSQL = `
SELECT ` + resolutionColumns + ` FROM domain_resolutions
WHERE tenant_id = $1 AND chosen_domain = $2
ORDER BY resolved_at DESC, seq DESC
LIMIT 1`

// LatestResolution implements ResolutionStore.
func (p *Postgres) LatestResolution(ctx context.Context, tenantID, domain string) (*pipeline.DomainResolution, error) {
	var (
		r         pipeline.DomainResolution
		companyID *string
	)
	err := p.db.QueryRow(ctx, latestResolutionSQL, tenantID, domain).Scan(
		&r.ID, &r.TenantID, &companyID, &r.ChosenDomain, &r.Method, &r.Confidence,
		&r.MXHosts, &r.LowestMX, &r.CatchallStatus, &r.CatchallCheckedAt,
		&r.CatchallLocalpart, &r.CatchallSMTPCode, &r.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrNotFound
		}
		return nil, fmt.Errorf("loading latest resolution for %s: %w", domain, err)
	}
	if companyID != nil {
		r.CompanyID = *companyID
	}
	return &r, nil
}

const setCatchallSQL = `
UPDATE domain_resolutions SET
    catch_all_status = $2,
    catch_all_localpart = $3,
    catch_all_smtp_code = $4,
    catch_all_checked_at = $5
WHERE id = $1`

// SetCatchall implements ResolutionStore.
func (p *Postgres) SetCatchall(ctx context.Context, resolutionID string, status pipeline.CatchallStatus, localpart string, smtpCode int, checkedAt time.Time) error {
	tag, err := p.db.Exec(ctx, setCatchallSQL, resolutionID, status, localpart, smtpCode, checkedAt)
	if err != nil {
		return fmt.Errorf("stamping catch-all on resolution %s: %w", resolutionID, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

const addSuppressionSQL = `
INSERT INTO suppressions (tenant_id, email, domain, reason, source, added_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (tenant_id, email, domain) DO UPDATE SET
    reason = EXCLUDED.reason,
    source = EXCLUDED.source`

// AddSuppression implements SuppressionStore.
func (p *Postgres) AddSuppression(ctx context.Context, s *pipeline.Suppression) error {
	if s.Email == "" && s.Domain == "" {
		return pipeline.Errorf(pipeline.KindValidation, "suppression needs an email or a domain")
	}
	addedAt := s.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now().UTC()
	}
	if _, err := p.db.Exec(ctx, addSuppressionSQL,
		s.TenantID, s.Email, s.Domain, s.Reason, s.Source, addedAt); err != nil {
		return fmt.Errorf("adding suppression: %w", err)
	}
	return nil
}

const isSuppressedSQL = `
SELECT EXISTS (
    SELECT 1 FROM suppressions
    WHERE tenant_id = $1
      AND ((email <> '' AND email = $2) OR (domain <> '' AND domain = $3))
)`

// IsSuppressed implements SuppressionStore.
func (p *Postgres) IsSuppressed(ctx context.Context, tenantID, email, domain string) (bool, error) {
	var suppressed bool
	err := p.db.QueryRow(ctx, isSuppressedSQL, tenantID, email, domain).Scan(&suppressed)
	if err != nil {
		return false, fmt.Errorf("checking suppression: %w", err)
	}
	return suppressed, nil
}

const recordBehaviorSQL = `
INSERT INTO mx_behavior (mx_host, provider, event, smtp_code, observations, last_observed)
VALUES ($1, $2, $3, $4, 1, now())
ON CONFLICT (mx_host, event, smtp_code) DO UPDATE SET
    observations = mx_behavior.observations + 1,
    provider = EXCLUDED.provider,
    last_observed = now()`

// RecordBehavior implements BehaviorStore.
func (p *Postgres) RecordBehavior(ctx context.Context, obs mx.Observation) error {
	if _, err := p.db.Exec(ctx, recordBehaviorSQL,
		obs.MXHost, obs.Provider, obs.Event, obs.SMTPCode); err != nil {
		return fmt.Errorf("recording behavior for %s: %w", obs.MXHost, err)
	}
	return nil
}

func scanRun(row pgx.Row) (*pipeline.Run, error) {
	var (
		run  pipeline.Run
		opts []byte
	)
	err := row.Scan(
		&run.ID, &run.TenantID, &run.Status, &run.Domains, &opts,
		&run.Progress.DomainsTotal, &run.Progress.DomainsCompleted, &run.Progress.DomainsFailed,
		&run.Progress.EmailsFound, &run.Progress.EmailsVerified,
		&run.Progress.ValidCount, &run.Progress.RiskyCount,
		&run.Progress.InvalidCount, &run.Progress.UnknownCount,
		&run.ErrorText, &run.CreatedAt, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &run.Options); err != nil {
			return nil, fmt.Errorf("decoding run options: %w", err)
		}
	}
	return &run, nil
}

func scanCompany(row pgx.Row) (*pipeline.Company, error) {
	var (
		c     pipeline.Company
		runID *string
		attrs []byte
	)
	err := row.Scan(
		&c.ID, &c.TenantID, &runID, &c.Name, &c.SuppliedDomain,
		&c.OfficialDomain, &c.OfficialConfidence, &c.OfficialSource, &attrs, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if runID != nil {
		c.RunID = *runID
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &c.Attrs); err != nil {
			return nil, fmt.Errorf("decoding company attrs: %w", err)
		}
	}
	return &c, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orEmptyAttrs(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
