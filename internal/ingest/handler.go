package ingest

import (
	"context"
	"encoding/json"
	"time"

	"invoiceflow/internal/jobs"
	"invoiceflow/internal/models"
	"invoiceflow/internal/pipeline"
)

// JobHandler adapts the engine to the orchestrator's EMAIL_FETCH job type.
func (e *Engine) JobHandler() jobs.Handler {
	return func(ctx context.Context, job *models.Job, progress func(models.Progress)) (any, error) {
		var payload models.FetchPayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return nil, &pipeline.ValidationError{Field: "payload", Reason: err.Error()}
			}
		}

		opts := Options{
			VendorEmails:        payload.VendorEmails,
			AttachmentTypesOnly: payload.AttachmentTypesOnly,
			ForceSync:           payload.ForceSync,
		}
		if payload.FromDate != "" {
			from, err := parseDate(payload.FromDate)
			if err != nil {
				return nil, &pipeline.ValidationError{
					Field:  "fromDate",
					Reason: "expected YYYY-MM-DD or RFC3339",
				}
			}
			opts.FromDate = from
		}

		run := *e
		run.Progress = progress
		return run.Run(ctx, job.UserID, opts)
	}
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
