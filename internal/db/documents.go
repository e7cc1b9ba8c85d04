package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"invoiceflow/internal/models"
	"invoiceflow/internal/pipeline"
)

const documentColumns = `
	id, user_id, drive_file_id, file_name, vendor_name, vendor_folder_id,
	invoice_folder_id, source_message_id, content_hash, status, errors,
	indexed, indexed_at, ocr_completed_at, created_at, updated_at`

func scanDocument(row pgx.Row) (*models.Document, error) {
	var d models.Document
	var errsRaw []byte

	err := row.Scan(
		&d.ID, &d.UserID, &d.DriveFileID, &d.FileName, &d.VendorName,
		&d.VendorFolderID, &d.InvoiceFolderID, &d.SourceMessageID,
		&d.ContentHash, &d.Status, &errsRaw, &d.Indexed, &d.IndexedAt,
		&d.OCRCompletedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(errsRaw) > 0 {
		if err := json.Unmarshal(errsRaw, &d.Errors); err != nil {
			return nil, err
		}
	}

	return &d, nil
}

// FindDocumentByFingerprint returns the document matching the dedup tuple, or
// nil when none exists.
func (s *Store) FindDocumentByFingerprint(
	ctx context.Context,
	userID, sourceMessageID, contentHash string,
) (*models.Document, error) {

	row := s.Pool.QueryRow(ctx,
		`SELECT `+documentColumns+`
		 FROM documents
		 WHERE user_id=$1 AND source_message_id=$2 AND content_hash=$3`,
		userID, sourceMessageID, contentHash,
	)

	d, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// InsertDocument creates the row, relying on the dedup unique index to absorb
// the race where two runs ingest the same attachment concurrently. Returns
// false when the row already existed.
func (s *Store) InsertDocument(ctx context.Context, d *models.Document) (bool, error) {
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO documents
		 (user_id, drive_file_id, file_name, vendor_name, vendor_folder_id,
		  invoice_folder_id, source_message_id, content_hash, status,
		  created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())
		 ON CONFLICT (user_id, source_message_id, content_hash) DO NOTHING
		 RETURNING id, created_at, updated_at`,
		d.UserID, d.DriveFileID, d.FileName, d.VendorName, d.VendorFolderID,
		d.InvoiceFolderID, d.SourceMessageID, d.ContentHash, d.Status,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListDocumentsByStatus(
	ctx context.Context,
	userID string,
	status models.DocumentStatus,
) ([]models.Document, error) {

	rows, err := s.Pool.Query(ctx,
		`SELECT `+documentColumns+`
		 FROM documents
		 WHERE user_id=$1 AND status=$2
		 ORDER BY created_at`,
		userID, status,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectDocuments(rows)
}

// SelectRetryDocuments returns the FAILED and PENDING documents matching the
// optional vendor / file-id selectors.
func (s *Store) SelectRetryDocuments(
	ctx context.Context,
	userID, vendorName string,
	driveFileIDs []string,
) ([]models.Document, error) {

	query := `SELECT ` + documentColumns + `
	 FROM documents
	 WHERE user_id=$1 AND status IN ('FAILED','PENDING')`
	args := []any{userID}

	if vendorName != "" {
		args = append(args, vendorName)
		query += ` AND vendor_name=$2`
	}
	if len(driveFileIDs) > 0 {
		args = append(args, driveFileIDs)
		switch len(args) {
		case 2:
			query += ` AND drive_file_id = ANY($2)`
		case 3:
			query += ` AND drive_file_id = ANY($3)`
		}
	}
	query += ` ORDER BY created_at`

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectDocuments(rows)
}

func collectDocuments(rows pgx.Rows) ([]models.Document, error) {
	var docs []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// SetDocumentsStatus writes only the status and timestamp fields so that
// concurrent pipeline callbacks touching other columns are not clobbered.
func (s *Store) SetDocumentsStatus(
	ctx context.Context,
	ids []int64,
	status models.DocumentStatus,
) error {

	_, err := s.Pool.Exec(ctx,
		`UPDATE documents
		 SET status=$1,
		     updated_at=NOW()
		 WHERE id = ANY($2)`,
		status, ids,
	)
	return err
}

func (s *Store) AppendDocumentError(
	ctx context.Context,
	id int64,
	docErr models.DocumentError,
) error {

	raw, err := json.Marshal(docErr)
	if err != nil {
		return err
	}

	_, err = s.Pool.Exec(ctx,
		`UPDATE documents
		 SET errors = errors || $1::jsonb,
		     updated_at=NOW()
		 WHERE id=$2`,
		raw, id,
	)
	return err
}

// ApplyPipelineState records the downstream engine's outcome for one
// document: status, the indexing flags, and the failure trail when the engine
// reports an error. Targeted fields only, so concurrent ingest writes are not
// clobbered. Returns false when no document matches.
func (s *Store) ApplyPipelineState(
	ctx context.Context,
	userID, driveFileID string,
	state models.PipelineState,
) (bool, error) {

	trail := []byte(`[]`)
	if state.Error != "" {
		raw, err := json.Marshal([]models.DocumentError{{
			Phase:     "ocr",
			Message:   state.Error,
			Retryable: true,
			Timestamp: time.Now(),
		}})
		if err != nil {
			return false, err
		}
		trail = raw
	}

	tag, err := s.Pool.Exec(ctx,
		`UPDATE documents
		 SET status=$1,
		     indexed=$2,
		     indexed_at=COALESCE($3, indexed_at),
		     ocr_completed_at=COALESCE($4, ocr_completed_at),
		     errors = errors || $5::jsonb,
		     updated_at=NOW()
		 WHERE user_id=$6 AND drive_file_id=$7`,
		state.Status, state.Indexed, state.IndexedAt, state.OCRCompletedAt,
		trail, userID, driveFileID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// VendorFolderID resolves the Drive folder holding the vendor's documents.
func (s *Store) VendorFolderID(ctx context.Context, userID, vendorName string) (string, error) {
	var folderID string
	err := s.Pool.QueryRow(ctx,
		`SELECT vendor_folder_id
		 FROM documents
		 WHERE user_id=$1 AND vendor_name=$2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, vendorName,
	).Scan(&folderID)

	if errors.Is(err, pgx.ErrNoRows) {
		return "", &pipeline.NotFoundError{Kind: "vendor", ID: vendorName}
	}
	if err != nil {
		return "", err
	}
	return folderID, nil
}

// DocumentSummary aggregates status counts, the indexed breakdown and a
// capped list of recent documents for the polling facade.
func (s *Store) DocumentSummary(
	ctx context.Context,
	userID string,
	recentLimit int,
) (*models.DocumentSummary, error) {

	summary := &models.DocumentSummary{ByStatus: map[string]int{}}

	rows, err := s.Pool.Query(ctx,
		`SELECT status, COUNT(*), COUNT(*) FILTER (WHERE indexed)
		 FROM documents
		 WHERE user_id=$1
		 GROUP BY status`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count, indexed int
		if err := rows.Scan(&status, &count, &indexed); err != nil {
			return nil, err
		}
		summary.ByStatus[status] = count
		summary.Total += count
		summary.Indexed += indexed
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	summary.PendingIndex = summary.Total - summary.Indexed

	recent, err := s.Pool.Query(ctx,
		`SELECT `+documentColumns+`
		 FROM documents
		 WHERE user_id=$1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, recentLimit,
	)
	if err != nil {
		return nil, err
	}
	defer recent.Close()

	summary.Recent, err = collectDocuments(recent)
	if err != nil {
		return nil, err
	}

	return summary, nil
}
