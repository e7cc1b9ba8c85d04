package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"invoiceflow/internal/metrics"
	"invoiceflow/internal/models"
	"invoiceflow/internal/pipeline"
)

const invoicesFolderName = "invoices"

// Options are the caller-supplied knobs for one ingestion run.
type Options struct {
	FromDate            time.Time
	VendorEmails        []string
	AttachmentTypesOnly bool
	ForceSync           bool
}

// Engine runs one incremental ingestion pass for a user.
type Engine struct {
	Source     MailSource
	Blobs      BlobStore
	Ledger     Ledger
	Classifier *Classifier
	Provider   string
	RootFolder string
	Log        *zap.Logger

	// Progress, when set, receives counter snapshots while the run is
	// under way so the owning job can expose partial progress.
	Progress func(models.Progress)
}

type vendorFolders struct {
	vendor   *Folder
	invoices *Folder
}

// Run executes the ingestion algorithm: resolve the watermark, scan the mail
// source, dedup + upload + record each attachment, then advance the
// watermark. Per-attachment failures are logged and counted but never abort
// the run; only a mail source failure does.
func (e *Engine) Run(ctx context.Context, userID string, opts Options) (*models.FetchResult, error) {
	started := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(started).Seconds())
	}()

	cred, err := e.Ledger.GetCredential(ctx, userID, e.Provider)
	if err != nil {
		return nil, err
	}
	if !cred.Usable() {
		return nil, &pipeline.CredentialError{
			UserID: userID,
			Reason: "mail account is not connected",
		}
	}

	since := opts.FromDate
	if !opts.ForceSync && cred.LastSyncedAt != nil {
		since = *cred.LastSyncedAt
	}

	messages, err := e.Source.Search(ctx, userID, Query{
		After:             since,
		Senders:           opts.VendorEmails,
		AttachmentsOnly:   true,
		DocumentTypesOnly: opts.AttachmentTypesOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("mail source search: %w", err)
	}

	result := &models.FetchResult{TotalMessagesScanned: len(messages)}
	progress := models.Progress{}
	for _, m := range messages {
		progress.Total += len(m.Attachments)
	}
	e.report(progress)

	folders := map[string]*vendorFolders{}
	vendorsSeen := map[string]bool{}
	var root *Folder

	for _, msg := range messages {
		for _, att := range msg.Attachments {
			outcome, vendor, err := e.ingestAttachment(ctx, userID, msg, att, folders, &root)
			switch {
			case err != nil:
				progress.Failed++
				result.FilesFailed++
				metrics.IngestFailures.Inc()
				e.Log.Warn("attachment ingest failed",
					zap.String("user_id", userID),
					zap.String("message_id", msg.ID),
					zap.String("file_name", att.FileName),
					zap.Error(err),
				)
			case outcome == outcomeSkipped:
				progress.Skipped++
				result.FilesSkipped++
				metrics.DuplicatesSkipped.Inc()
			default:
				progress.Completed++
				result.FilesUploaded++
				vendorsSeen[vendor] = true
				metrics.DocumentsIngested.Inc()
			}
			e.report(progress)
		}
	}

	// Advance even when nothing matched so the next run skips this window.
	moved, err := e.Ledger.AdvanceWatermark(ctx, userID, e.Provider, cred.LastSyncedAt, started)
	if err != nil {
		return nil, fmt.Errorf("advance watermark: %w", err)
	}
	if !moved {
		e.Log.Warn("watermark already advanced by a concurrent run",
			zap.String("user_id", userID))
	}

	for v := range vendorsSeen {
		result.VendorsDetected = append(result.VendorsDetected, v)
	}
	sort.Strings(result.VendorsDetected)

	return result, nil
}

type attachmentOutcome int

const (
	outcomeUploaded attachmentOutcome = iota
	outcomeSkipped
)

func (e *Engine) ingestAttachment(
	ctx context.Context,
	userID string,
	msg Message,
	att AttachmentRef,
	folders map[string]*vendorFolders,
	root **Folder,
) (attachmentOutcome, string, error) {

	data, err := e.Source.Attachment(ctx, userID, msg.ID, att.ID)
	if err != nil {
		return 0, "", fmt.Errorf("fetch attachment: %w", err)
	}

	sum := sha256.Sum256(data)
	fingerprint := hex.EncodeToString(sum[:])

	existing, err := e.Ledger.FindDocumentByFingerprint(ctx, userID, msg.ID, fingerprint)
	if err != nil {
		return 0, "", fmt.Errorf("dedup lookup: %w", err)
	}
	if existing != nil {
		return outcomeSkipped, existing.VendorName, nil
	}

	vendor := SanitizeFolderName(e.Classifier.Classify(msg.From, msg.Subject))

	vf, err := e.ensureVendorFolders(ctx, userID, vendor, folders, root)
	if err != nil {
		return 0, "", err
	}

	file, err := e.Blobs.Upload(ctx, userID, vf.invoices.ID, att.FileName, att.MimeType, data)
	if err != nil {
		return 0, "", fmt.Errorf("upload %q: %w", att.FileName, err)
	}

	inserted, err := e.Ledger.InsertDocument(ctx, &models.Document{
		UserID:          userID,
		DriveFileID:     file.ID,
		FileName:        att.FileName,
		VendorName:      vendor,
		VendorFolderID:  vf.vendor.ID,
		InvoiceFolderID: vf.invoices.ID,
		SourceMessageID: msg.ID,
		ContentHash:     fingerprint,
		Status:          models.DocumentPending,
	})
	if err != nil {
		return 0, "", fmt.Errorf("record document: %w", err)
	}
	if !inserted {
		// A concurrent run beat us to the unique index. Same outcome as
		// dedup for the caller; logged for audit.
		e.Log.Warn("duplicate document insert raced",
			zap.String("user_id", userID),
			zap.String("message_id", msg.ID),
			zap.String("content_hash", fingerprint),
		)
		return outcomeSkipped, vendor, nil
	}

	return outcomeUploaded, vendor, nil
}

// ensureVendorFolders resolves the root -> vendor -> invoices hierarchy,
// caching per vendor for the duration of the run.
func (e *Engine) ensureVendorFolders(
	ctx context.Context,
	userID, vendor string,
	folders map[string]*vendorFolders,
	root **Folder,
) (*vendorFolders, error) {

	if vf, ok := folders[vendor]; ok {
		return vf, nil
	}

	if *root == nil {
		r, err := e.Blobs.EnsureFolder(ctx, userID, e.RootFolder, "")
		if err != nil {
			return nil, fmt.Errorf("ensure root folder: %w", err)
		}
		*root = r
	}

	vendorFolder, err := e.Blobs.EnsureFolder(ctx, userID, vendor, (*root).ID)
	if err != nil {
		return nil, fmt.Errorf("ensure vendor folder %q: %w", vendor, err)
	}

	invoicesFolder, err := e.Blobs.EnsureFolder(ctx, userID, invoicesFolderName, vendorFolder.ID)
	if err != nil {
		return nil, fmt.Errorf("ensure invoices folder for %q: %w", vendor, err)
	}

	vf := &vendorFolders{vendor: vendorFolder, invoices: invoicesFolder}
	folders[vendor] = vf
	return vf, nil
}

func (e *Engine) report(p models.Progress) {
	if e.Progress != nil {
		e.Progress(p)
	}
}
