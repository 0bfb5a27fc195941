package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/blob"
	"github.com/crestwell/leadpipe/internal/extract"
	"github.com/crestwell/leadpipe/internal/pipeline"
	"github.com/crestwell/leadpipe/internal/queue"
)

// HandleAutodiscovery crawls a domain's seed paths, snapshots usable
// pages to blob storage, extracts people and published addresses, and
// chains to the next stage. Individual page failures never fail the
// domain; only storage errors bubble up for retry.
func (o *Orchestrator) HandleAutodiscovery(ctx context.Context, job *queue.Job) error {
	var p domainPayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return err
	}

	maxPages := o.deps.Config.Crawl.MaxPagesPerDomain
	if maxPages <= 0 {
		maxPages = 10
	}

	frontier := make([]string, 0, len(extract.SeedPaths))
	for _, seed := range extract.SeedPaths {
		frontier = append(frontier, "https://"+p.Domain+seed)
	}

	seen := make(map[string]struct{}, len(frontier))
	fetched := 0
	emailsFound := 0
	for i := 0; i < len(frontier) && fetched < maxPages; i++ {
		pageURL := frontier[i]
		if _, dup := seen[pageURL]; dup {
			continue
		}
		seen[pageURL] = struct{}{}

		res, err := o.deps.Fetcher.Get(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			o.log.Debug("seed fetch failed",
				zap.String("url", pageURL), zap.Error(err))
			continue
		}
		if !res.Outcome.Usable() {
			o.log.Debug("seed not usable",
				zap.String("url", pageURL), zap.String("outcome", string(res.Outcome)))
			continue
		}
		fetched++

		objectPath := blob.PagePath(job.TenantID, job.RunID, p.Domain, pageURL)
		uri, err := o.deps.Blob.PutObject(ctx, objectPath, "text/html", bytes.NewReader(res.Body))
		if err != nil {
			return fmt.Errorf("storing page snapshot %s: %w", pageURL, err)
		}
		if err := o.deps.Store.InsertSource(ctx, &pipeline.Source{
			TenantID:  job.TenantID,
			CompanyID: p.CompanyID,
			URL:       pageURL,
			BlobURI:   uri,
			FetchedAt: res.FetchedAt,
		}); err != nil {
			return fmt.Errorf("recording source %s: %w", pageURL, err)
		}

		candidates, err := o.deps.Extractor.Extract(pageURL, res.Body)
		if err != nil {
			o.log.Warn("extraction failed", zap.String("url", pageURL), zap.Error(err))
			continue
		}
		n, err := o.persistCandidates(ctx, job, p, candidates)
		if err != nil {
			return err
		}
		emailsFound += n

		if o.deps.Config.Crawl.MaxDepth > 1 {
			frontier = append(frontier, peopleLinks(pageURL, res.Body)...)
		}
	}

	if emailsFound > 0 {
		if err := o.deps.Store.ApplyProgress(ctx, job.RunID, pipeline.ProgressDelta{EmailsFound: emailsFound}); err != nil {
			return fmt.Errorf("recording found emails: %w", err)
		}
	}
	o.log.Info("autodiscovery done",
		zap.String("domain", p.Domain),
		zap.Int("pages", fetched),
		zap.Int("published_emails", emailsFound))
	return o.nextStage(ctx, job, pipeline.StageAutodiscovery, p)
}

// persistCandidates upserts people and same-domain published addresses
// and reports how many new published emails were seen.
func (o *Orchestrator) persistCandidates(ctx context.Context, job *queue.Job, p domainPayload, candidates []pipeline.Candidate) (int, error) {
	found := 0
	for _, c := range candidates {
		var personID string
		if c.Full != "" {
			first, last := c.First, c.Last
			if first == "" && last == "" {
				first, last = extract.SplitName(c.Full)
			}
			person := &pipeline.Person{
				TenantID:  job.TenantID,
				CompanyID: p.CompanyID,
				First:     first,
				Last:      last,
				Full:      c.Full,
				Title:     c.Title,
				SourceURL: c.SourceURL,
			}
			if err := o.deps.Store.UpsertPerson(ctx, person); err != nil {
				return found, fmt.Errorf("upserting person %q: %w", c.Full, err)
			}
			personID = person.ID
		}

		if c.Email == "" {
			continue
		}
		_, emailDomain, full, err := pipeline.NormalizeEmail(c.Email)
		if err != nil || emailDomain != p.Domain {
			continue
		}
		email := &pipeline.Email{
			TenantID:    job.TenantID,
			CompanyID:   p.CompanyID,
			PersonID:    personID,
			Email:       full,
			IsPublished: true,
			SourceURL:   c.SourceURL,
		}
		if err := o.deps.Store.UpsertEmail(ctx, email); err != nil {
			return found, fmt.Errorf("upserting email %s: %w", full, err)
		}
		found++
	}
	return found, nil
}

// peopleLinks pulls same-host links that classify as team, about, or
// contact pages, for depth-2 crawling.
func peopleLinks(pageURL string, body []byte) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var out []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") {
			return
		}
		ref, err := base.Parse(href)
		if err != nil || ref.Host != base.Host {
			return
		}
		switch extract.ClassifyPage(ref.Path) {
		case extract.PageTeam, extract.PageAbout, extract.PageContact:
			ref.Fragment = ""
			ref.RawQuery = ""
			out = append(out, ref.String())
		}
	})
	return out
}
