// Package ocr is the HTTP client for the external OCR/indexing engine. The
// service queues vendor batches with it and reads document status back from
// it; OCR itself happens elsewhere.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"invoiceflow/internal/dispatch"
	"invoiceflow/internal/pipeline"
)

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type batchResponse struct {
	Status  string         `json:"status"` // queued | rejected
	Summary map[string]any `json:"summary,omitempty"`
	Message string         `json:"message,omitempty"`
}

// SubmitVendorBatch queues one vendor's invoices with the OCR engine. This is
// fan-out only: completion is reported asynchronously into the document
// ledger.
func (c *Client) SubmitVendorBatch(ctx context.Context, batch dispatch.Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/vendor-batch", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return pipeline.Transient("ocr vendor-batch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return pipeline.Transient("ocr vendor-batch",
			fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ocr vendor-batch: status %d", resp.StatusCode)
	}

	var parsed batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("ocr vendor-batch: decode response: %w", err)
	}
	if parsed.Status == "rejected" {
		return fmt.Errorf("ocr vendor-batch rejected: %s", parsed.Message)
	}

	c.log.Info("vendor batch queued",
		zap.String("user_id", batch.UserID),
		zap.String("vendor", batch.VendorName),
		zap.Int("invoices", len(batch.Invoices)),
	)
	return nil
}

// DocumentStates reads per-document status from the engine, optionally
// filtered by vendor and status.
func (c *Client) DocumentStates(ctx context.Context, userID, vendor, status string) ([]dispatch.DocumentState, error) {
	q := url.Values{"userId": {userID}}
	if vendor != "" {
		q.Set("vendor", vendor)
	}
	if status != "" {
		q.Set("status", status)
	}

	var states []dispatch.DocumentState
	if err := c.getJSON(ctx, "/documents?"+q.Encode(), &states); err != nil {
		return nil, err
	}
	return states, nil
}

// SummaryCounts reads the engine's aggregate counts for a user.
func (c *Client) SummaryCounts(ctx context.Context, userID string) (map[string]int, error) {
	q := url.Values{"userId": {userID}}

	var counts map[string]int
	if err := c.getJSON(ctx, "/documents/summary?"+q.Encode(), &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return pipeline.Transient("ocr query", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return pipeline.Transient("ocr query", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ocr query: status %d: %s", resp.StatusCode, body)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
