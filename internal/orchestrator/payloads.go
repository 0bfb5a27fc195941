package orchestrator

import (
	"encoding/json"

	"github.com/crestwell/leadpipe/internal/pipeline"
)

// domainPayload rides on every per-domain stage job.
type domainPayload struct {
	Domain    string `json:"domain"`
	CompanyID string `json:"company_id"`
}

// probePayload rides on per-email probe jobs. The catch-all status is
// captured at fan-out so every probe classifies against the same
// snapshot.
type probePayload struct {
	EmailID   string                  `json:"email_id"`
	Email     string                  `json:"email"`
	Domain    string                  `json:"domain"`
	CompanyID string                  `json:"company_id"`
	MXHost    string                  `json:"mx_host"`
	Catchall  pipeline.CatchallStatus `json:"catchall"`
}

func encodePayload(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindInternal, "encoding job payload", err)
	}
	return body, nil
}

func decodePayload(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return pipeline.NewError(pipeline.KindValidation, "decoding job payload", err)
	}
	return nil
}
