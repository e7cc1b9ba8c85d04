package dispatch

import (
	"context"
	"encoding/json"

	"invoiceflow/internal/jobs"
	"invoiceflow/internal/models"
	"invoiceflow/internal/pipeline"
)

// SyncHandler adapts the dispatcher to the VENDOR_SYNC job type.
func (d *Dispatcher) SyncHandler() jobs.Handler {
	return func(ctx context.Context, job *models.Job, progress func(models.Progress)) (any, error) {
		var payload models.VendorSyncPayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return nil, &pipeline.ValidationError{Field: "payload", Reason: err.Error()}
			}
		}

		result, err := d.DispatchPending(ctx, job.UserID, payload.VendorName)
		if err != nil {
			return nil, err
		}

		progress(dispatchProgress(result))
		return result, nil
	}
}

// RetryHandler adapts the dispatcher to the OCR_RETRY and MANUAL_RETRY job
// types.
func (d *Dispatcher) RetryHandler() jobs.Handler {
	return func(ctx context.Context, job *models.Job, progress func(models.Progress)) (any, error) {
		var payload models.RetryPayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return nil, &pipeline.ValidationError{Field: "payload", Reason: err.Error()}
			}
		}

		result, err := d.DispatchRetry(ctx, job.UserID, payload.VendorName, payload.DriveFileIDs)
		if err != nil {
			return nil, err
		}

		progress(dispatchProgress(result))
		return result, nil
	}
}

func dispatchProgress(result *models.DispatchResult) models.Progress {
	p := models.Progress{Total: result.TotalDocuments}
	for _, r := range result.Results {
		if r.Status == "queued" {
			p.Completed += r.InvoiceCount
		} else {
			p.Failed += r.InvoiceCount
		}
	}
	return p
}
