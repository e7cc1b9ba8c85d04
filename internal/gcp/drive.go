package gcp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"invoiceflow/internal/ingest"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"

	// Large batch uploads get a generous bound so a hung transfer fails
	// the job instead of leaking the goroutine.
	uploadTimeout = 2 * time.Minute
	driveTimeout  = 30 * time.Second

	// SummaryFileName is the per-vendor aggregate the downstream pipeline
	// writes next to the invoices.
	SummaryFileName = "summary.json"
)

// DriveStore implements ingest.BlobStore against the Drive API with a stable
// root -> vendor -> invoices folder hierarchy.
type DriveStore struct {
	Auth *Auth
	Log  *zap.Logger
}

func NewDriveStore(auth *Auth, log *zap.Logger) *DriveStore {
	return &DriveStore{Auth: auth, Log: log}
}

func (d *DriveStore) service(ctx context.Context, userID string) (*drive.Service, error) {
	ts, err := d.Auth.TokenSource(ctx, userID)
	if err != nil {
		return nil, err
	}

	svc, err := drive.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create drive client: %w", err)
	}
	return svc, nil
}

// EnsureFolder finds a folder by name under the parent, creating it when
// absent. An empty parentID means the Drive root.
func (d *DriveStore) EnsureFolder(ctx context.Context, userID, name, parentID string) (*ingest.Folder, error) {
	svc, err := d.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, driveTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"name = '%s' and mimeType = '%s' and trashed = false",
		escapeQuery(name), folderMimeType,
	)
	if parentID != "" {
		query += fmt.Sprintf(" and '%s' in parents", escapeQuery(parentID))
	}

	var list *drive.FileList
	err = retryDrive(callCtx, func() error {
		var callErr error
		list, callErr = svc.Files.List().
			Q(query).
			Fields("files(id, name)").
			PageSize(1).
			Context(callCtx).
			Do()
		return callErr
	})
	if err != nil {
		return nil, classify("drive list folders", err)
	}

	if len(list.Files) > 0 {
		return &ingest.Folder{ID: list.Files[0].Id, Name: list.Files[0].Name}, nil
	}

	meta := &drive.File{Name: name, MimeType: folderMimeType}
	if parentID != "" {
		meta.Parents = []string{parentID}
	}

	var created *drive.File
	err = retryDrive(callCtx, func() error {
		var callErr error
		created, callErr = svc.Files.Create(meta).
			Fields("id, name").
			Context(callCtx).
			Do()
		return callErr
	})
	if err != nil {
		return nil, classify("drive create folder", err)
	}

	return &ingest.Folder{ID: created.Id, Name: created.Name}, nil
}

// Upload stores the file bytes in the folder and returns the id plus the
// view and download links.
func (d *DriveStore) Upload(
	ctx context.Context,
	userID, folderID, name, mimeType string,
	data []byte,
) (*ingest.File, error) {

	svc, err := d.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	meta := &drive.File{
		Name:    name,
		Parents: []string{folderID},
	}

	var created *drive.File
	err = retryDrive(callCtx, func() error {
		var callErr error
		created, callErr = svc.Files.Create(meta).
			Media(bytes.NewReader(data), googleapi.ContentType(mimeType)).
			Fields("id, name, webViewLink, webContentLink").
			Context(callCtx).
			Do()
		return callErr
	})
	if err != nil {
		return nil, classify("drive upload", err)
	}

	return &ingest.File{
		ID:           created.Id,
		Name:         created.Name,
		ViewLink:     created.WebViewLink,
		DownloadLink: created.WebContentLink,
	}, nil
}

// ReadVendorSummary reads back the aggregate summary file the downstream
// pipeline leaves in a vendor folder. Returns nil when no summary exists yet.
func (d *DriveStore) ReadVendorSummary(ctx context.Context, userID, vendorFolderID string) ([]byte, error) {
	svc, err := d.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, driveTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"name = '%s' and '%s' in parents and trashed = false",
		SummaryFileName, escapeQuery(vendorFolderID),
	)

	var list *drive.FileList
	err = retryDrive(callCtx, func() error {
		var callErr error
		list, callErr = svc.Files.List().
			Q(query).
			Fields("files(id)").
			PageSize(1).
			Context(callCtx).
			Do()
		return callErr
	})
	if err != nil {
		return nil, classify("drive list summary", err)
	}
	if len(list.Files) == 0 {
		return nil, nil
	}

	resp, err := svc.Files.Get(list.Files[0].Id).Context(callCtx).Download()
	if err != nil {
		return nil, classify("drive download summary", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func retryDrive(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code != 429 && gerr.Code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// escapeQuery escapes a value for a Drive query string literal. Backslashes
// first, or the quote escapes get double-escaped.
func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", `\'`)
}
