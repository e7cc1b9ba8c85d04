package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"invoiceflow/internal/db"
	"invoiceflow/internal/models"
	"invoiceflow/internal/pipeline"
)

const recentDocumentsCap = 25

// StatusStore is the read side the facade projects from.
type StatusStore interface {
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, userID string, filter db.JobFilter) ([]models.Job, error)
	ListRetryableJobs(ctx context.Context, userID string) ([]models.Job, error)
	DocumentSummary(ctx context.Context, userID string, recentLimit int) (*models.DocumentSummary, error)
	ApplyPipelineState(ctx context.Context, userID, driveFileID string, state models.PipelineState) (bool, error)
	VendorFolderID(ctx context.Context, userID, vendorName string) (string, error)
	GetCredential(ctx context.Context, userID, provider string) (*models.Credential, error)
	UpsertCredential(ctx context.Context, cred *models.Credential) error
	DisconnectCredential(ctx context.Context, userID, provider string) error
}

// JobService is the orchestrator surface the handlers call.
type JobService interface {
	Submit(ctx context.Context, userID string, jobType models.JobType, payload any) (*models.Job, error)
	Retry(ctx context.Context, jobID string) (*models.Job, error)
}

// PipelineReader optionally augments the document summary with the OCR
// engine's view. May be nil.
type PipelineReader interface {
	SummaryCounts(ctx context.Context, userID string) (map[string]int, error)
}

// SummaryReader fetches the per-vendor aggregate the downstream pipeline
// writes into blob storage. May be nil.
type SummaryReader interface {
	ReadVendorSummary(ctx context.Context, userID, vendorFolderID string) ([]byte, error)
}

type Handler struct {
	Store     StatusStore
	Jobs      JobService
	Pipeline  PipelineReader
	Summaries SummaryReader
	Provider  string
	Log       *zap.Logger

	summaryFlight singleflight.Group
}

// Routes registers all endpoints on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /fetch", h.SubmitFetch)
	mux.HandleFunc("GET /jobs/{jobId}", h.GetJob)
	mux.HandleFunc("POST /jobs/{jobId}/retry", h.RetryJob)
	mux.HandleFunc("GET /users/{userId}/jobs", h.ListJobs)
	mux.HandleFunc("GET /users/{userId}/jobs/retryable", h.ListRetryableJobs)
	mux.HandleFunc("GET /users/{userId}/documents/status", h.DocumentStatus)
	mux.HandleFunc("GET /users/{userId}/vendors/{vendor}/summary", h.VendorSummary)
	mux.HandleFunc("POST /documents/process", h.ProcessDocuments)
	mux.HandleFunc("POST /documents/retry", h.RetryDocuments)
	mux.HandleFunc("POST /documents/callback", h.PipelineCallback)
	mux.HandleFunc("GET /users/{userId}/credential", h.GetCredential)
	mux.HandleFunc("POST /users/{userId}/credential", h.ConnectCredential)
	mux.HandleFunc("POST /users/{userId}/credential/disconnect", h.DisconnectCredential)

	return mux
}

type fetchRequest struct {
	UserID              string   `json:"userId"`
	FromDate            string   `json:"fromDate,omitempty"`
	VendorEmails        []string `json:"vendorEmails,omitempty"`
	AttachmentTypesOnly bool     `json:"attachmentTypesOnly,omitempty"`
	ForceSync           bool     `json:"forceSync,omitempty"`
}

type submitResponse struct {
	JobID          string `json:"jobId"`
	Status         string `json:"status"`
	StatusEndpoint string `json:"statusEndpoint"`
}

// SubmitFetch accepts an ingestion request, creates the EMAIL_FETCH job and
// answers 202 with the endpoint to poll.
func (h *Handler) SubmitFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, &pipeline.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if req.UserID == "" {
		writeError(w, h.Log, &pipeline.ValidationError{Field: "userId", Reason: "must not be empty"})
		return
	}
	if req.FromDate != "" {
		if _, err := parseDate(req.FromDate); err != nil {
			writeError(w, h.Log, &pipeline.ValidationError{
				Field:  "fromDate",
				Reason: "expected YYYY-MM-DD or RFC3339",
			})
			return
		}
	}

	job, err := h.Jobs.Submit(r.Context(), req.UserID, models.JobEmailFetch, models.FetchPayload{
		FromDate:            req.FromDate,
		VendorEmails:        req.VendorEmails,
		AttachmentTypesOnly: req.AttachmentTypesOnly,
		ForceSync:           req.ForceSync,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:          job.ID,
		Status:         string(job.Status),
		StatusEndpoint: "/jobs/" + job.ID,
	})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.GetJob(r.Context(), r.PathValue("jobId"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Jobs.Retry(r.Context(), r.PathValue("jobId"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:          job.ID,
		Status:         string(job.Status),
		StatusEndpoint: "/jobs/" + job.ID,
	})
}

type jobListResponse struct {
	Jobs      []models.Job `json:"jobs"`
	Retryable []string     `json:"retryable"`
	Limit     int          `json:"limit"`
	Offset    int          `json:"offset"`
}

// ListJobs returns the user's jobs, filtered and paginated, plus the ids of
// the jobs currently eligible for retry.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")

	filter := db.JobFilter{
		Status: models.JobStatus(r.URL.Query().Get("status")),
		Type:   models.JobType(r.URL.Query().Get("jobType")),
	}
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	filter.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	jobs, err := h.Store.ListJobs(r.Context(), userID, filter)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	retryable, err := h.Store.ListRetryableJobs(r.Context(), userID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	retryableIDs := make([]string, 0, len(retryable))
	for _, j := range retryable {
		retryableIDs = append(retryableIDs, j.ID)
	}

	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, jobListResponse{
		Jobs:      jobs,
		Retryable: retryableIDs,
		Limit:     filter.Limit,
		Offset:    filter.Offset,
	})
}

func (h *Handler) ListRetryableJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Store.ListRetryableJobs(r.Context(), r.PathValue("userId"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type documentStatusResponse struct {
	*models.DocumentSummary
	Pipeline map[string]int `json:"pipeline,omitempty"`
}

// DocumentStatus aggregates ledger counts for polling clients. Concurrent
// requests for the same user share one store query.
func (h *Handler) DocumentStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")

	v, err, _ := h.summaryFlight.Do(userID, func() (any, error) {
		// Detached from the caller: collapsed followers must not inherit
		// the first poller's cancellation.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return h.Store.DocumentSummary(ctx, userID, recentDocumentsCap)
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	summary := v.(*models.DocumentSummary)

	resp := documentStatusResponse{DocumentSummary: summary}
	if h.Pipeline != nil {
		if counts, err := h.Pipeline.SummaryCounts(r.Context(), userID); err == nil {
			resp.Pipeline = counts
		} else {
			h.Log.Warn("pipeline summary unavailable",
				zap.String("user_id", userID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// VendorSummary serves the aggregate the downstream pipeline wrote for one
// vendor, read back from blob storage.
func (h *Handler) VendorSummary(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	vendor := r.PathValue("vendor")

	if h.Summaries == nil {
		writeError(w, h.Log, &pipeline.NotFoundError{Kind: "vendor summary", ID: vendor})
		return
	}

	folderID, err := h.Store.VendorFolderID(r.Context(), userID, vendor)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	raw, err := h.Summaries.ReadVendorSummary(r.Context(), userID, folderID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if raw == nil {
		writeError(w, h.Log, &pipeline.NotFoundError{Kind: "vendor summary", ID: vendor})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

type pipelineCallbackRequest struct {
	UserID         string     `json:"userId"`
	DriveFileID    string     `json:"driveFileId"`
	Status         string     `json:"status"`
	Indexed        bool       `json:"indexed,omitempty"`
	IndexedAt      *time.Time `json:"indexedAt,omitempty"`
	OCRCompletedAt *time.Time `json:"ocrCompletedAt,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// PipelineCallback records the OCR engine's terminal outcome for one
// document. This is how documents leave PROCESSING: the engine posts here
// when it finishes or gives up.
func (h *Handler) PipelineCallback(w http.ResponseWriter, r *http.Request) {
	var req pipelineCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, &pipeline.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if req.UserID == "" {
		writeError(w, h.Log, &pipeline.ValidationError{Field: "userId", Reason: "must not be empty"})
		return
	}
	if req.DriveFileID == "" {
		writeError(w, h.Log, &pipeline.ValidationError{Field: "driveFileId", Reason: "must not be empty"})
		return
	}
	status := models.DocumentStatus(req.Status)
	if status != models.DocumentCompleted && status != models.DocumentFailed {
		writeError(w, h.Log, &pipeline.ValidationError{
			Field:  "status",
			Reason: "must be COMPLETED or FAILED",
		})
		return
	}

	found, err := h.Store.ApplyPipelineState(r.Context(), req.UserID, req.DriveFileID, models.PipelineState{
		Status:         status,
		Indexed:        req.Indexed,
		IndexedAt:      req.IndexedAt,
		OCRCompletedAt: req.OCRCompletedAt,
		Error:          req.Error,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if !found {
		writeError(w, h.Log, &pipeline.NotFoundError{Kind: "document", ID: req.DriveFileID})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type processRequest struct {
	UserID string `json:"userId"`
}

// ProcessDocuments submits a VENDOR_SYNC job that fans pending documents out
// to the OCR engine.
func (h *Handler) ProcessDocuments(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, &pipeline.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if req.UserID == "" {
		writeError(w, h.Log, &pipeline.ValidationError{Field: "userId", Reason: "must not be empty"})
		return
	}

	job, err := h.Jobs.Submit(r.Context(), req.UserID, models.JobVendorSync, models.VendorSyncPayload{})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:          job.ID,
		Status:         string(job.Status),
		StatusEndpoint: "/jobs/" + job.ID,
	})
}

type retryDocumentsRequest struct {
	UserID       string   `json:"userId"`
	VendorName   string   `json:"vendorName,omitempty"`
	DriveFileIDs []string `json:"driveFileIds,omitempty"`
}

// RetryDocuments submits a MANUAL_RETRY job re-dispatching the failed and
// pending subset matching the selectors.
func (h *Handler) RetryDocuments(w http.ResponseWriter, r *http.Request) {
	var req retryDocumentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, &pipeline.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if req.UserID == "" {
		writeError(w, h.Log, &pipeline.ValidationError{Field: "userId", Reason: "must not be empty"})
		return
	}

	job, err := h.Jobs.Submit(r.Context(), req.UserID, models.JobManualRetry, models.RetryPayload{
		VendorName:   req.VendorName,
		DriveFileIDs: req.DriveFileIDs,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:          job.ID,
		Status:         string(job.Status),
		StatusEndpoint: "/jobs/" + job.ID,
	})
}

func (h *Handler) GetCredential(w http.ResponseWriter, r *http.Request) {
	cred, err := h.Store.GetCredential(r.Context(), r.PathValue("userId"), h.Provider)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

type connectCredentialRequest struct {
	Email        string `json:"email"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken"`
}

// ConnectCredential stores the tokens obtained from the OAuth exchange and
// marks the account connected.
func (h *Handler) ConnectCredential(w http.ResponseWriter, r *http.Request) {
	var req connectCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, &pipeline.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if req.RefreshToken == "" {
		writeError(w, h.Log, &pipeline.ValidationError{
			Field:  "refreshToken",
			Reason: "must not be empty",
		})
		return
	}

	cred := &models.Credential{
		UserID:       r.PathValue("userId"),
		Provider:     h.Provider,
		Email:        req.Email,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		Status:       models.CredentialConnected,
	}
	if err := h.Store.UpsertCredential(r.Context(), cred); err != nil {
		writeError(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (h *Handler) DisconnectCredential(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if err := h.Store.DisconnectCredential(r.Context(), userID, h.Provider); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// parseDate accepts the two formats clients send.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
