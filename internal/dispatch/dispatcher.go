// Package dispatch groups pending documents by vendor and fans each group
// out to the external OCR engine. Vendors fail independently: one rejected
// batch never blocks the others, and the per-vendor outcomes are returned to
// the caller rather than thrown.
package dispatch

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"invoiceflow/internal/metrics"
	"invoiceflow/internal/models"
	"invoiceflow/internal/pipeline"
)

// Invoice is one file reference inside a vendor batch.
type Invoice struct {
	DriveFileID string `json:"drive_file_id"`
	FileName    string `json:"file_name"`
}

// Batch is the unit of work sent to the OCR engine for one vendor.
type Batch struct {
	UserID          string    `json:"user_id"`
	VendorName      string    `json:"vendor_name"`
	VendorFolderID  string    `json:"vendor_folder_id"`
	InvoiceFolderID string    `json:"invoice_folder_id"`
	RefreshToken    string    `json:"refresh_token"`
	Invoices        []Invoice `json:"invoices"`
}

// Engine queues a vendor batch with the OCR service.
type Engine interface {
	SubmitVendorBatch(ctx context.Context, batch Batch) error
}

// DocumentState is one document's pipeline status as the OCR engine sees it.
type DocumentState struct {
	DriveFileID string     `json:"drive_file_id"`
	VendorName  string     `json:"vendor_name"`
	Status      string     `json:"status"`
	Indexed     bool       `json:"indexed"`
	IndexedAt   *time.Time `json:"indexed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// StateReader reads per-document status back from the OCR engine.
type StateReader interface {
	DocumentStates(ctx context.Context, userID, vendor, status string) ([]DocumentState, error)
}

// DocumentStore is the slice of the store the dispatcher needs.
type DocumentStore interface {
	GetCredential(ctx context.Context, userID, provider string) (*models.Credential, error)
	ListDocumentsByStatus(ctx context.Context, userID string, status models.DocumentStatus) ([]models.Document, error)
	SelectRetryDocuments(ctx context.Context, userID, vendorName string, driveFileIDs []string) ([]models.Document, error)
	SetDocumentsStatus(ctx context.Context, ids []int64, status models.DocumentStatus) error
	AppendDocumentError(ctx context.Context, id int64, docErr models.DocumentError) error
	ApplyPipelineState(ctx context.Context, userID, driveFileID string, state models.PipelineState) (bool, error)
}

type Dispatcher struct {
	Store    DocumentStore
	OCR      Engine
	Provider string
	Workers  int
	Log      *zap.Logger

	// States, when set, lets retries fold the engine's current view into
	// the ledger before selecting documents.
	States StateReader
}

// DispatchPending fans out every PENDING document for the user, grouped by
// vendor. A non-empty vendorName restricts the run to that one vendor.
func (d *Dispatcher) DispatchPending(ctx context.Context, userID, vendorName string) (*models.DispatchResult, error) {
	docs, err := d.Store.ListDocumentsByStatus(ctx, userID, models.DocumentPending)
	if err != nil {
		return nil, err
	}

	if vendorName != "" {
		filtered := docs[:0]
		for _, doc := range docs {
			if doc.VendorName == vendorName {
				filtered = append(filtered, doc)
			}
		}
		docs = filtered
	}

	return d.dispatch(ctx, userID, docs)
}

// DispatchRetry re-queues the FAILED and PENDING documents matching the
// optional selectors, resetting their status first so the state machine
// observes the explicit retry transition.
func (d *Dispatcher) DispatchRetry(
	ctx context.Context,
	userID, vendorName string,
	driveFileIDs []string,
) (*models.DispatchResult, error) {

	d.foldEngineState(ctx, userID, vendorName)

	docs, err := d.Store.SelectRetryDocuments(ctx, userID, vendorName, driveFileIDs)
	if err != nil {
		return nil, err
	}

	if len(docs) > 0 {
		ids := make([]int64, len(docs))
		for i, doc := range docs {
			ids[i] = doc.ID
		}
		if err := d.Store.SetDocumentsStatus(ctx, ids, models.DocumentPending); err != nil {
			return nil, err
		}
	}

	return d.dispatch(ctx, userID, docs)
}

// foldEngineState pulls the engine's per-document outcomes into the ledger so
// a retry selects against current status, not the status from dispatch time.
// Best effort: errors are logged, never propagated.
func (d *Dispatcher) foldEngineState(ctx context.Context, userID, vendorName string) {
	if d.States == nil {
		return
	}

	states, err := d.States.DocumentStates(ctx, userID, vendorName, "")
	if err != nil {
		d.Log.Warn("engine state read failed",
			zap.String("user_id", userID), zap.Error(err))
		return
	}

	for _, st := range states {
		status := models.DocumentStatus(st.Status)
		if status != models.DocumentCompleted && status != models.DocumentFailed {
			continue
		}
		update := models.PipelineState{
			Status:    status,
			Indexed:   st.Indexed,
			IndexedAt: st.IndexedAt,
			Error:     st.Error,
		}
		if _, err := d.Store.ApplyPipelineState(ctx, userID, st.DriveFileID, update); err != nil {
			d.Log.Warn("engine state fold failed",
				zap.String("user_id", userID),
				zap.String("drive_file_id", st.DriveFileID),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) dispatch(
	ctx context.Context,
	userID string,
	docs []models.Document,
) (*models.DispatchResult, error) {

	result := &models.DispatchResult{
		TotalDocuments: len(docs),
		Results:        []models.VendorResult{},
	}
	if len(docs) == 0 {
		return result, nil
	}

	cred, err := d.Store.GetCredential(ctx, userID, d.Provider)
	if err != nil {
		return nil, err
	}
	if !cred.Usable() {
		return nil, &pipeline.CredentialError{
			UserID: userID,
			Reason: "mail account is not connected",
		}
	}

	groups := map[string][]models.Document{}
	for _, doc := range docs {
		groups[doc.VendorName] = append(groups[doc.VendorName], doc)
	}

	vendors := make([]string, 0, len(groups))
	for v := range groups {
		vendors = append(vendors, v)
	}
	sort.Strings(vendors)

	results := make([]models.VendorResult, len(vendors))

	workers := d.Workers
	if workers <= 0 {
		workers = 4
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, vendor := range vendors {
		g.Go(func() error {
			results[i] = d.dispatchVendor(gctx, cred, vendor, groups[vendor])
			return nil // vendor failures are recorded, never propagated
		})
	}
	_ = g.Wait()

	for _, r := range results {
		result.Results = append(result.Results, r)
		if r.Status == "queued" {
			result.VendorsProcessed++
		} else {
			result.VendorsFailed++
		}
	}

	return result, nil
}

func (d *Dispatcher) dispatchVendor(
	ctx context.Context,
	cred *models.Credential,
	vendor string,
	docs []models.Document,
) models.VendorResult {

	batch := Batch{
		UserID:          cred.UserID,
		VendorName:      vendor,
		VendorFolderID:  docs[0].VendorFolderID,
		InvoiceFolderID: docs[0].InvoiceFolderID,
		RefreshToken:    cred.RefreshToken,
	}
	ids := make([]int64, len(docs))
	for i, doc := range docs {
		batch.Invoices = append(batch.Invoices, Invoice{
			DriveFileID: doc.DriveFileID,
			FileName:    doc.FileName,
		})
		ids[i] = doc.ID
	}

	if err := d.OCR.SubmitVendorBatch(ctx, batch); err != nil {
		metrics.VendorDispatchFailures.Inc()
		d.Log.Warn("vendor batch dispatch failed",
			zap.String("user_id", cred.UserID),
			zap.String("vendor", vendor),
			zap.Int("invoices", len(docs)),
			zap.Error(err),
		)

		docErr := models.DocumentError{
			Phase:     "dispatch",
			Message:   err.Error(),
			Retryable: pipeline.Retryable(err),
			Timestamp: time.Now(),
		}
		for _, id := range ids {
			if dbErr := d.Store.AppendDocumentError(ctx, id, docErr); dbErr != nil {
				d.Log.Error("failed to record document error",
					zap.Int64("document_id", id), zap.Error(dbErr))
			}
		}

		return models.VendorResult{
			Vendor:       vendor,
			Status:       "failed",
			InvoiceCount: len(docs),
			Error:        err.Error(),
		}
	}

	metrics.VendorDispatches.Inc()

	if err := d.Store.SetDocumentsStatus(ctx, ids, models.DocumentProcessing); err != nil {
		d.Log.Error("failed to mark documents processing",
			zap.String("vendor", vendor), zap.Error(err))
	}

	return models.VendorResult{
		Vendor:       vendor,
		Status:       "queued",
		InvoiceCount: len(docs),
	}
}
