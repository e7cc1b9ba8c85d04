package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type JobStatus string

const (
	JobPending      JobStatus = "PENDING"
	JobProcessing   JobStatus = "PROCESSING"
	JobCompleted    JobStatus = "COMPLETED"
	JobFailed       JobStatus = "FAILED"
	JobRetryPending JobStatus = "RETRY_PENDING"
)

type JobType string

const (
	JobEmailFetch  JobType = "EMAIL_FETCH"
	JobVendorSync  JobType = "VENDOR_SYNC"
	JobOCRRetry    JobType = "OCR_RETRY"
	JobManualRetry JobType = "MANUAL_RETRY"
)

const DefaultMaxRetries = 3

// JobError is the stored failure of a job run. Retryable gates manual retry.
type JobError struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Progress carries incremental counters against a known total, written while
// the job is PROCESSING so partial progress is observable before completion.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Job is one orchestrated unit of background work. Payload and Result are
// stored as JSON and decoded into the typed struct matching Type.
type Job struct {
	ID          string          `json:"job_id"`
	UserID      string          `json:"user_id"`
	Type        JobType         `json:"job_type"`
	Status      JobStatus       `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *JobError       `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Progress    Progress        `json:"progress"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Retryable reports whether a manual retry is currently permitted.
func (j *Job) Retryable() bool {
	return j.Status == JobFailed &&
		j.Error != nil && j.Error.Retryable &&
		j.RetryCount < j.MaxRetries
}

// Terminal reports whether no further automatic transition will occur.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobCompleted:
		return true
	case JobFailed:
		return !j.Retryable()
	}
	return false
}

// NewJobID builds the deterministic id <type>_<user>_<unixmilli> used for
// debugging and log correlation.
func NewJobID(jobType JobType, userID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%d",
		strings.ToLower(string(jobType)), userID, at.UnixMilli())
}

// FetchPayload is the EMAIL_FETCH job input.
type FetchPayload struct {
	FromDate            string   `json:"from_date,omitempty"`
	VendorEmails        []string `json:"vendor_emails,omitempty"`
	AttachmentTypesOnly bool     `json:"attachment_types_only,omitempty"`
	ForceSync           bool     `json:"force_sync,omitempty"`
}

// FetchResult is the EMAIL_FETCH job output.
type FetchResult struct {
	TotalMessagesScanned int      `json:"total_messages_scanned"`
	FilesUploaded        int      `json:"files_uploaded"`
	FilesSkipped         int      `json:"files_skipped"`
	FilesFailed          int      `json:"files_failed"`
	VendorsDetected      []string `json:"vendors_detected"`
}

// VendorSyncPayload is the VENDOR_SYNC job input. An empty VendorName means
// dispatch every vendor with pending documents.
type VendorSyncPayload struct {
	VendorName string `json:"vendor_name,omitempty"`
}

// RetryPayload is the OCR_RETRY / MANUAL_RETRY job input. Empty selectors
// mean all failed documents for the user.
type RetryPayload struct {
	VendorName   string   `json:"vendor_name,omitempty"`
	DriveFileIDs []string `json:"drive_file_ids,omitempty"`
}

// VendorResult is one vendor's outcome inside a DispatchResult.
type VendorResult struct {
	Vendor       string `json:"vendor"`
	Status       string `json:"status"` // queued | failed
	InvoiceCount int    `json:"invoice_count"`
	Error        string `json:"error,omitempty"`
}

// DispatchResult is the VENDOR_SYNC / retry job output.
type DispatchResult struct {
	TotalDocuments   int            `json:"total_documents"`
	VendorsProcessed int            `json:"vendors_processed"`
	VendorsFailed    int            `json:"vendors_failed"`
	Results          []VendorResult `json:"results"`
}
