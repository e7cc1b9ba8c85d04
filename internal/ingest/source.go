// Package ingest implements the incremental mail ingestion run: it scans a
// mail source past the stored watermark, deduplicates attachments by content
// fingerprint, files them into vendor folders in blob storage and records
// them in the document ledger.
package ingest

import (
	"context"
	"time"

	"invoiceflow/internal/models"
)

// Query narrows a mail source search.
type Query struct {
	After           time.Time
	Senders         []string
	AttachmentsOnly bool

	// DocumentTypesOnly restricts the search to document-shaped
	// attachments (pdf, images, office formats).
	DocumentTypesOnly bool
}

type AttachmentRef struct {
	ID       string
	FileName string
	MimeType string
	Size     int64
}

type Message struct {
	ID          string
	From        string
	Subject     string
	Received    time.Time
	Attachments []AttachmentRef
}

// MailSource is the read-only mail dependency.
type MailSource interface {
	Search(ctx context.Context, userID string, q Query) ([]Message, error)
	Attachment(ctx context.Context, userID, messageID, attachmentID string) ([]byte, error)
}

type Folder struct {
	ID   string
	Name string
}

type File struct {
	ID           string
	Name         string
	ViewLink     string
	DownloadLink string
}

// BlobStore is the storage dependency: folder-if-absent plus upload.
type BlobStore interface {
	EnsureFolder(ctx context.Context, userID, name, parentID string) (*Folder, error)
	Upload(ctx context.Context, userID, folderID, name, mimeType string, data []byte) (*File, error)
}

// Ledger is the slice of the store the engine needs.
type Ledger interface {
	GetCredential(ctx context.Context, userID, provider string) (*models.Credential, error)
	AdvanceWatermark(ctx context.Context, userID, provider string, old *time.Time, next time.Time) (bool, error)
	FindDocumentByFingerprint(ctx context.Context, userID, sourceMessageID, contentHash string) (*models.Document, error)
	InsertDocument(ctx context.Context, d *models.Document) (bool, error)
}
