package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/permute"
	"github.com/crestwell/leadpipe/internal/pipeline"
	"github.com/crestwell/leadpipe/internal/queue"
)

// HandleGenerate infers the company's naming pattern from published
// addresses and permutes candidates for every person who has none.
func (o *Orchestrator) HandleGenerate(ctx context.Context, job *queue.Job) error {
	var p domainPayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return err
	}

	people, err := o.deps.Store.ListPeopleForCompany(ctx, job.TenantID, p.CompanyID)
	if err != nil {
		return fmt.Errorf("listing people: %w", err)
	}
	existing, err := o.deps.Store.ListEmailsForCompany(ctx, job.TenantID, p.CompanyID)
	if err != nil {
		return fmt.Errorf("listing emails: %w", err)
	}

	personByID := make(map[string]*pipeline.Person, len(people))
	for _, person := range people {
		personByID[person.ID] = person
	}

	known := make(map[string]struct{}, len(existing))
	covered := make(map[string]struct{})
	var samples []permute.Sample
	for _, e := range existing {
		known[e.Email] = struct{}{}
		if e.PersonID == "" {
			continue
		}
		covered[e.PersonID] = struct{}{}
		if !e.IsPublished {
			continue
		}
		person, ok := personByID[e.PersonID]
		if !ok {
			continue
		}
		local, _, found := strings.Cut(e.Email, "@")
		if !found {
			continue
		}
		samples = append(samples, permute.Sample{
			Localpart: local,
			First:     person.First,
			Last:      person.Last,
		})
	}

	preferred, inferred := permute.InferPattern(samples)
	if inferred {
		o.log.Info("naming pattern inferred",
			zap.String("domain", p.Domain), zap.String("pattern", string(preferred)))
	}

	generated := 0
	for _, person := range people {
		if _, has := covered[person.ID]; has {
			continue
		}
		for _, cand := range permute.Generate(person.First, person.Last, p.Domain, preferred, o.deps.Config.Generate.MaxPermutations) {
			if _, dup := known[cand.Email]; dup {
				continue
			}
			known[cand.Email] = struct{}{}
			email := &pipeline.Email{
				TenantID:  job.TenantID,
				CompanyID: p.CompanyID,
				PersonID:  person.ID,
				Email:     cand.Email,
			}
			if err := o.deps.Store.UpsertEmail(ctx, email); err != nil {
				return fmt.Errorf("upserting candidate %s: %w", cand.Email, err)
			}
			generated++
		}
	}

	if generated > 0 {
		if err := o.deps.Store.ApplyProgress(ctx, job.RunID, pipeline.ProgressDelta{EmailsFound: generated}); err != nil {
			return fmt.Errorf("recording generated emails: %w", err)
		}
	}
	o.log.Info("generation done",
		zap.String("domain", p.Domain),
		zap.Int("people", len(people)),
		zap.Int("candidates", generated))
	return o.nextStage(ctx, job, pipeline.StageGenerate, p)
}
