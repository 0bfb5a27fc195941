package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crestwell/leadpipe/internal/clock"
	"github.com/crestwell/leadpipe/internal/mx"
	"github.com/crestwell/leadpipe/internal/pipeline"
)

// Memory is an in-process Store with the same upsert and latest-row
// semantics as Postgres. It backs orchestrator and handler tests.
type Memory struct {
	clk clock.Clock

	mu           sync.Mutex
	runs         map[string]*pipeline.Run
	domainsDone  map[domainDoneKey]bool
	companies    map[string]*pipeline.Company
	sources      []*pipeline.Source
	people       map[string]*pipeline.Person
	emails       map[string]*pipeline.Email
	results      []*pipeline.VerificationResult
	resolutions  []*pipeline.DomainResolution
	suppressions []*pipeline.Suppression
	behavior     map[behaviorKey]int64
}

type domainDoneKey struct {
	runID  string
	domain string
}

type behaviorKey struct {
	mxHost   string
	event    string
	smtpCode int
}

// NewMemory returns an empty in-process Store.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Memory{
		clk:         clk,
		runs:        make(map[string]*pipeline.Run),
		domainsDone: make(map[domainDoneKey]bool),
		companies:   make(map[string]*pipeline.Company),
		people:      make(map[string]*pipeline.Person),
		emails:      make(map[string]*pipeline.Email),
		behavior:    make(map[behaviorKey]int64),
	}
}

// CreateRun implements RunStore.
func (m *Memory) CreateRun(_ context.Context, run *pipeline.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = pipeline.RunStatusQueued
	}
	run.CreatedAt = m.clk.Now()
	run.Progress.DomainsTotal = len(run.Domains)
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

// GetRun implements RunStore.
func (m *Memory) GetRun(_ context.Context, tenantID, runID string) (*pipeline.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.TenantID != tenantID {
		return nil, pipeline.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// ListRuns implements RunStore.
func (m *Memory) ListRuns(_ context.Context, tenantID string, limit int) ([]*pipeline.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*pipeline.Run
	for _, run := range m.runs {
		if run.TenantID != tenantID {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateRunStatus implements RunStore.
func (m *Memory) UpdateRunStatus(_ context.Context, runID string, status pipeline.RunStatus, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status.Terminal() {
		return nil
	}
	run.Status = status
	if errText != "" {
		run.ErrorText = errText
	}
	now := m.clk.Now()
	if status == pipeline.RunStatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if status.Terminal() {
		run.FinishedAt = &now
	}
	return nil
}

// ApplyProgress implements RunStore.
func (m *Memory) ApplyProgress(_ context.Context, runID string, d pipeline.ProgressDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return pipeline.ErrNotFound
	}
	run.Progress.DomainsCompleted += d.DomainsCompleted
	run.Progress.DomainsFailed += d.DomainsFailed
	run.Progress.EmailsFound += d.EmailsFound
	run.Progress.EmailsVerified += d.EmailsVerified
	run.Progress.ValidCount += d.ValidCount
	run.Progress.RiskyCount += d.RiskyCount
	run.Progress.InvalidCount += d.InvalidCount
	run.Progress.UnknownCount += d.UnknownCount
	return nil
}

// MarkDomainDone implements RunStore.
func (m *Memory) MarkDomainDone(_ context.Context, runID, domain string, failed bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return false, pipeline.ErrNotFound
	}
	key := domainDoneKey{runID: runID, domain: domain}
	if m.domainsDone[key] {
		return false, nil
	}
	m.domainsDone[key] = true
	run.Progress.DomainsCompleted++
	if failed {
		run.Progress.DomainsFailed++
	}
	return true, nil
}

// UpsertCompany implements CompanyStore.
func (m *Memory) UpsertCompany(_ context.Context, c *pipeline.Company) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.companies {
		if existing.TenantID == c.TenantID && existing.SuppliedDomain == c.SuppliedDomain {
			if c.RunID != "" {
				existing.RunID = c.RunID
			}
			if c.Name != "" {
				existing.Name = c.Name
			}
			for k, v := range c.Attrs {
				if existing.Attrs == nil {
					existing.Attrs = make(map[string]string)
				}
				existing.Attrs[k] = v
			}
			c.ID = existing.ID
			c.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = m.clk.Now()
	cp := *c
	m.companies[c.ID] = &cp
	return nil
}

// GetCompanyByDomain implements CompanyStore.
func (m *Memory) GetCompanyByDomain(_ context.Context, tenantID, suppliedDomain string) (*pipeline.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.companies {
		if c.TenantID == tenantID && c.SuppliedDomain == suppliedDomain {
			cp := *c
			return &cp, nil
		}
	}
	return nil, pipeline.ErrNotFound
}

// SetOfficialDomain implements CompanyStore.
func (m *Memory) SetOfficialDomain(_ context.Context, companyID, domain, source string, confidence int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.companies[companyID]
	if !ok {
		return pipeline.ErrNotFound
	}
	c.OfficialDomain = domain
	c.OfficialSource = source
	c.OfficialConfidence = confidence
	return nil
}

// CountCompaniesSince implements CompanyStore.
func (m *Memory) CountCompaniesSince(_ context.Context, tenantID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.companies {
		if c.TenantID == tenantID && !c.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// InsertSource implements SourceStore.
func (m *Memory) InsertSource(_ context.Context, s *pipeline.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	cp := *s
	m.sources = append(m.sources, &cp)
	return nil
}

// Sources returns the recorded source rows, oldest first.
func (m *Memory) Sources() []*pipeline.Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*pipeline.Source, len(m.sources))
	for i, s := range m.sources {
		cp := *s
		out[i] = &cp
	}
	return out
}

// UpsertPerson implements PersonStore.
func (m *Memory) UpsertPerson(_ context.Context, p *pipeline.Person) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.people {
		if existing.TenantID == p.TenantID && existing.CompanyID == p.CompanyID &&
			strings.EqualFold(existing.Full, p.Full) {
			if p.Title != "" {
				existing.Title = p.Title
			}
			if p.TitleNorm != "" {
				existing.TitleNorm = p.TitleNorm
			}
			if p.RoleFamily != "" {
				existing.RoleFamily = p.RoleFamily
			}
			if p.Seniority != "" {
				existing.Seniority = p.Seniority
			}
			if p.SourceURL != "" {
				existing.SourceURL = p.SourceURL
			}
			if p.ICPScore > existing.ICPScore {
				existing.ICPScore = p.ICPScore
			}
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = m.clk.Now()
	cp := *p
	m.people[p.ID] = &cp
	return nil
}

// ListPeopleForCompany implements PersonStore.
func (m *Memory) ListPeopleForCompany(_ context.Context, tenantID, companyID string) ([]*pipeline.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*pipeline.Person
	for _, p := range m.people {
		if p.TenantID == tenantID && p.CompanyID == companyID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpsertEmail implements EmailStore.
func (m *Memory) UpsertEmail(_ context.Context, e *pipeline.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.emails {
		if existing.TenantID == e.TenantID && existing.Email == e.Email {
			if e.IsPublished && !existing.IsPublished {
				existing.IsPublished = true
				if e.SourceURL != "" {
					existing.SourceURL = e.SourceURL
				}
			}
			if existing.PersonID == "" {
				existing.PersonID = e.PersonID
			}
			e.ID = existing.ID
			e.IsPublished = existing.IsPublished
			e.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = m.clk.Now()
	cp := *e
	m.emails[e.ID] = &cp
	return nil
}

// ListEmailsForCompany implements EmailStore.
func (m *Memory) ListEmailsForCompany(_ context.Context, tenantID, companyID string) ([]*pipeline.Email, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*pipeline.Email
	for _, e := range m.emails {
		if e.TenantID == tenantID && e.CompanyID == companyID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteInvalidGenerated implements EmailStore.
func (m *Memory) DeleteInvalidGenerated(_ context.Context, tenantID, companyID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, e := range m.emails {
		if e.TenantID != tenantID || e.CompanyID != companyID || e.IsPublished {
			continue
		}
		latest := m.latestResultLocked(tenantID, id)
		if latest == nil || latest.VerifyStatus != pipeline.VerifyInvalid {
			continue
		}
		delete(m.emails, id)
		kept := m.results[:0]
		for _, r := range m.results {
			if r.EmailID != id {
				kept = append(kept, r)
			}
		}
		m.results = kept
		deleted++
	}
	return deleted, nil
}

// AppendResult implements VerificationStore.
func (m *Memory) AppendResult(_ context.Context, r *pipeline.VerificationResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	} else {
		for _, existing := range m.results {
			if existing.ID == r.ID {
				return false, nil
			}
		}
	}
	cp := *r
	m.results = append(m.results, &cp)
	return true, nil
}

// LatestResult implements VerificationStore.
func (m *Memory) LatestResult(_ context.Context, tenantID, emailID string) (*pipeline.VerificationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.latestResultLocked(tenantID, emailID)
	if r == nil {
		return nil, pipeline.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// latestResultLocked scans append order so ties on effective time
// resolve to the most recently inserted row.
func (m *Memory) latestResultLocked(tenantID, emailID string) *pipeline.VerificationResult {
	var best *pipeline.VerificationResult
	for _, r := range m.results {
		if r.TenantID != tenantID || r.EmailID != emailID {
			continue
		}
		if best == nil || !r.EffectiveAt().Before(best.EffectiveAt()) {
			best = r
		}
	}
	return best
}

// InsertResolution implements ResolutionStore.
func (m *Memory) InsertResolution(_ context.Context, r *pipeline.DomainResolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	cp := *r
	m.resolutions = append(m.resolutions, &cp)
	return nil
}

// LatestResolution implements ResolutionStore.
func (m *Memory) LatestResolution(_ context.Context, tenantID, domain string) (*pipeline.DomainResolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *pipeline.DomainResolution
	for _, r := range m.resolutions {
		if r.TenantID != tenantID || r.ChosenDomain != domain {
			continue
		}
		if best == nil || !r.ResolvedAt.Before(best.ResolvedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, pipeline.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// SetCatchall implements ResolutionStore.
func (m *Memory) SetCatchall(_ context.Context, resolutionID string, status pipeline.CatchallStatus, localpart string, smtpCode int, checkedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.resolutions {
		if r.ID == resolutionID {
			r.CatchallStatus = status
			r.CatchallLocalpart = localpart
			r.CatchallSMTPCode = smtpCode
			at := checkedAt
			r.CatchallCheckedAt = &at
			return nil
		}
	}
	return pipeline.ErrNotFound
}

// AddSuppression implements SuppressionStore.
func (m *Memory) AddSuppression(_ context.Context, s *pipeline.Suppression) error {
	if s.Email == "" && s.Domain == "" {
		return pipeline.Errorf(pipeline.KindValidation, "suppression needs an email or a domain")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.AddedAt.IsZero() {
		s.AddedAt = m.clk.Now()
	}
	for _, existing := range m.suppressions {
		if existing.TenantID == s.TenantID && existing.Email == s.Email && existing.Domain == s.Domain {
			existing.Reason = s.Reason
			existing.Source = s.Source
			return nil
		}
	}
	cp := *s
	m.suppressions = append(m.suppressions, &cp)
	return nil
}

// IsSuppressed implements SuppressionStore.
func (m *Memory) IsSuppressed(_ context.Context, tenantID, email, domain string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.suppressions {
		if s.TenantID != tenantID {
			continue
		}
		if s.Email != "" && s.Email == email {
			return true, nil
		}
		if s.Domain != "" && s.Domain == domain {
			return true, nil
		}
	}
	return false, nil
}

// RecordBehavior implements BehaviorStore.
func (m *Memory) RecordBehavior(_ context.Context, obs mx.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behavior[behaviorKey{obs.MXHost, obs.Event, obs.SMTPCode}]++
	return nil
}

// BehaviorCount returns how many times an observation has been recorded.
func (m *Memory) BehaviorCount(mxHost, event string, smtpCode int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.behavior[behaviorKey{mxHost, event, smtpCode}]
}
