package models

import "time"

type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "PENDING"
	DocumentProcessing DocumentStatus = "PROCESSING"
	DocumentCompleted  DocumentStatus = "COMPLETED"
	DocumentFailed     DocumentStatus = "FAILED"
)

// DocumentError records one pipeline failure against a document.
type DocumentError struct {
	Phase     string    `json:"phase"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

// Document is one ingested attachment. The tuple
// (UserID, SourceMessageID, ContentHash) is unique: re-ingesting the same
// bytes from the same message returns the existing row.
type Document struct {
	ID              int64           `json:"id"`
	UserID          string          `json:"user_id"`
	DriveFileID     string          `json:"drive_file_id"`
	FileName        string          `json:"file_name"`
	VendorName      string          `json:"vendor_name"`
	VendorFolderID  string          `json:"vendor_folder_id"`
	InvoiceFolderID string          `json:"invoice_folder_id"`
	SourceMessageID string          `json:"source_message_id"`
	ContentHash     string          `json:"content_hash"`
	Status          DocumentStatus  `json:"status"`
	Errors          []DocumentError `json:"errors,omitempty"`
	Indexed         bool            `json:"indexed"`
	IndexedAt       *time.Time      `json:"indexed_at,omitempty"`
	OCRCompletedAt  *time.Time      `json:"ocr_completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// PipelineState is the downstream engine's outcome report for one document:
// the terminal status plus the indexing flags it carries.
type PipelineState struct {
	Status         DocumentStatus `json:"status"`
	Indexed        bool           `json:"indexed"`
	IndexedAt      *time.Time     `json:"indexed_at,omitempty"`
	OCRCompletedAt *time.Time     `json:"ocr_completed_at,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// DocumentSummary is the aggregate view returned by the status endpoint.
type DocumentSummary struct {
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	Indexed      int            `json:"indexed"`
	PendingIndex int            `json:"pending_index"`
	Recent       []Document     `json:"recent"`
}
