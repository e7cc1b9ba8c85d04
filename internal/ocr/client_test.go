package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"invoiceflow/internal/dispatch"
	"invoiceflow/internal/pipeline"
)

func testBatch() dispatch.Batch {
	return dispatch.Batch{
		UserID:          "u1",
		VendorName:      "Amazon",
		VendorFolderID:  "vf1",
		InvoiceFolderID: "if1",
		RefreshToken:    "refresh",
		Invoices: []dispatch.Invoice{
			{DriveFileID: "f1", FileName: "a.pdf"},
		},
	}
}

func TestSubmitVendorBatchQueued(t *testing.T) {
	var got dispatch.Batch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/vendor-batch", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "queued"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zap.NewNop())

	err := c.SubmitVendorBatch(context.Background(), testBatch())
	require.NoError(t, err)
	assert.Equal(t, "Amazon", got.VendorName)
	assert.Len(t, got.Invoices, 1)
}

func TestSubmitVendorBatchRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "rejected",
			"message": "unsupported vendor",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zap.NewNop())

	err := c.SubmitVendorBatch(context.Background(), testBatch())
	require.Error(t, err)
	assert.False(t, pipeline.Retryable(err), "a rejection is not transient")
	assert.Contains(t, err.Error(), "unsupported vendor")
}

func TestSubmitVendorBatchServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zap.NewNop())

	err := c.SubmitVendorBatch(context.Background(), testBatch())
	require.Error(t, err)
	assert.True(t, pipeline.Retryable(err))
}

func TestSummaryCounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/documents/summary", r.URL.Path)
		require.Equal(t, "u1", r.URL.Query().Get("userId"))
		_ = json.NewEncoder(w).Encode(map[string]int{"extracted": 4, "indexed": 3})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zap.NewNop())

	counts, err := c.SummaryCounts(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, counts["extracted"])
}

func TestDocumentStates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/documents", r.URL.Path)
		require.Equal(t, "Amazon", r.URL.Query().Get("vendor"))
		_ = json.NewEncoder(w).Encode([]dispatch.DocumentState{
			{DriveFileID: "f1", VendorName: "Amazon", Status: "COMPLETED", Indexed: true},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zap.NewNop())

	states, err := c.DocumentStates(context.Background(), "u1", "Amazon", "")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.True(t, states[0].Indexed)
}
