package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"invoiceflow/internal/models"
	"invoiceflow/internal/pipeline"
)

type fakeLedger struct {
	cred      *models.Credential
	docs      map[string]*models.Document
	watermark *time.Time
	raceSkip  bool
}

func newFakeLedger(lastSynced *time.Time) *fakeLedger {
	return &fakeLedger{
		cred: &models.Credential{
			UserID:       "u1",
			Provider:     "google",
			Email:        "u1@example.com",
			RefreshToken: "refresh",
			Status:       models.CredentialConnected,
			LastSyncedAt: lastSynced,
		},
		docs:      map[string]*models.Document{},
		watermark: lastSynced,
	}
}

func docKey(userID, msgID, hash string) string {
	return userID + "|" + msgID + "|" + hash
}

func (l *fakeLedger) GetCredential(_ context.Context, userID, provider string) (*models.Credential, error) {
	if l.cred == nil {
		return nil, &pipeline.NotFoundError{Kind: "credential", ID: userID}
	}
	return l.cred, nil
}

func (l *fakeLedger) AdvanceWatermark(_ context.Context, _, _ string, old *time.Time, next time.Time) (bool, error) {
	switch {
	case old == nil && l.watermark == nil:
	case old != nil && l.watermark != nil && old.Equal(*l.watermark):
	default:
		return false, nil
	}
	l.watermark = &next
	return true, nil
}

func (l *fakeLedger) FindDocumentByFingerprint(_ context.Context, userID, msgID, hash string) (*models.Document, error) {
	return l.docs[docKey(userID, msgID, hash)], nil
}

func (l *fakeLedger) InsertDocument(_ context.Context, d *models.Document) (bool, error) {
	if l.raceSkip {
		return false, nil
	}
	key := docKey(d.UserID, d.SourceMessageID, d.ContentHash)
	if _, ok := l.docs[key]; ok {
		return false, nil
	}
	d.ID = int64(len(l.docs) + 1)
	l.docs[key] = d
	return true, nil
}

type fakeSource struct {
	messages    []Message
	attachments map[string][]byte
	searchErr   error
	fetchErr    map[string]error
	lastQuery   Query
}

func (s *fakeSource) Search(_ context.Context, _ string, q Query) ([]Message, error) {
	s.lastQuery = q
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.messages, nil
}

func (s *fakeSource) Attachment(_ context.Context, _, msgID, attID string) ([]byte, error) {
	if err := s.fetchErr[attID]; err != nil {
		return nil, err
	}
	return s.attachments[msgID+"|"+attID], nil
}

type fakeBlobs struct {
	uploads    int
	folders    int
	failUpload map[string]error
}

func (b *fakeBlobs) EnsureFolder(_ context.Context, _, name, parentID string) (*Folder, error) {
	b.folders++
	return &Folder{ID: "folder-" + name, Name: name}, nil
}

func (b *fakeBlobs) Upload(_ context.Context, _, folderID, name, _ string, _ []byte) (*File, error) {
	if err := b.failUpload[name]; err != nil {
		return nil, err
	}
	b.uploads++
	return &File{
		ID:           fmt.Sprintf("drive-%d", b.uploads),
		Name:         name,
		ViewLink:     "https://view/" + name,
		DownloadLink: "https://dl/" + name,
	}, nil
}

func newEngine(ledger *fakeLedger, source *fakeSource, blobs *fakeBlobs) *Engine {
	return &Engine{
		Source:     source,
		Blobs:      blobs,
		Ledger:     ledger,
		Classifier: NewClassifier(nil),
		Provider:   "google",
		RootFolder: "Invoices",
		Log:        zap.NewNop(),
	}
}

func pdfMessage(id, from string, attID string) Message {
	return Message{
		ID:   id,
		From: from,
		Attachments: []AttachmentRef{
			{ID: attID, FileName: attID + ".pdf", MimeType: "application/pdf"},
		},
	}
}

func TestRunUploadsAndDedups(t *testing.T) {
	ledger := newFakeLedger(nil)
	source := &fakeSource{
		messages: []Message{
			pdfMessage("m1", "billing@amazon.com", "a1"),
			pdfMessage("m2", "invoices@acme.io", "a2"),
		},
		attachments: map[string][]byte{
			"m1|a1": []byte("invoice one"),
			"m2|a2": []byte("invoice two"),
		},
	}
	blobs := &fakeBlobs{}
	engine := newEngine(ledger, source, blobs)

	result, err := engine.Run(context.Background(), "u1", Options{FromDate: time.Now().Add(-time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalMessagesScanned)
	assert.Equal(t, 2, result.FilesUploaded)
	assert.Equal(t, 0, result.FilesSkipped)
	assert.Equal(t, []string{"Acme", "Amazon"}, result.VendorsDetected)
	assert.Len(t, ledger.docs, 2)

	// Re-running against the same source state creates nothing new.
	result, err = engine.Run(context.Background(), "u1", Options{ForceSync: true, FromDate: time.Now().Add(-time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, 0, result.FilesUploaded)
	assert.Equal(t, 2, result.FilesSkipped)
	assert.Len(t, ledger.docs, 2)
}

func TestRunPartialDuplicate(t *testing.T) {
	ledger := newFakeLedger(nil)
	source := &fakeSource{
		messages: []Message{
			pdfMessage("m1", "billing@amazon.com", "a1"),
		},
		attachments: map[string][]byte{
			"m1|a1": []byte("already ingested"),
		},
	}
	blobs := &fakeBlobs{}
	engine := newEngine(ledger, source, blobs)

	_, err := engine.Run(context.Background(), "u1", Options{FromDate: time.Now().Add(-time.Hour)})
	require.NoError(t, err)

	// Second fetch returns the old message again plus a new one.
	source.messages = append(source.messages, pdfMessage("m2", "billing@amazon.com", "a2"))
	source.attachments["m2|a2"] = []byte("new invoice")

	result, err := engine.Run(context.Background(), "u1", Options{ForceSync: true, FromDate: time.Now().Add(-time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalMessagesScanned)
	assert.Equal(t, 1, result.FilesUploaded)
	assert.Equal(t, 1, result.FilesSkipped)
	assert.Len(t, ledger.docs, 2)
}

func TestRunNewDocumentState(t *testing.T) {
	ledger := newFakeLedger(nil)
	source := &fakeSource{
		messages:    []Message{pdfMessage("m1", "billing@uber.com", "a1")},
		attachments: map[string][]byte{"m1|a1": []byte("receipt")},
	}
	engine := newEngine(ledger, source, &fakeBlobs{})

	_, err := engine.Run(context.Background(), "u1", Options{})
	require.NoError(t, err)

	require.Len(t, ledger.docs, 1)
	for _, doc := range ledger.docs {
		assert.Equal(t, models.DocumentPending, doc.Status)
		assert.Equal(t, "Uber", doc.VendorName)
		assert.Equal(t, "m1", doc.SourceMessageID)
		assert.Equal(t, "drive-1", doc.DriveFileID)
		assert.Equal(t, "folder-Uber", doc.VendorFolderID)
		assert.Equal(t, "folder-invoices", doc.InvoiceFolderID)
		assert.NotEmpty(t, doc.ContentHash)
	}
}

func TestRunWatermarkAdvancesOnEmptyRun(t *testing.T) {
	old := time.Now().Add(-24 * time.Hour)
	ledger := newFakeLedger(&old)
	source := &fakeSource{}
	engine := newEngine(ledger, source, &fakeBlobs{})

	before := time.Now()
	result, err := engine.Run(context.Background(), "u1", Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, result.TotalMessagesScanned)
	require.NotNil(t, ledger.watermark)
	assert.True(t, ledger.watermark.After(old), "watermark must strictly advance")
	assert.False(t, ledger.watermark.Before(before.Add(-time.Second)))
}

func TestRunUsesStoredWatermarkUnlessForced(t *testing.T) {
	stored := time.Now().Add(-2 * time.Hour)
	requested := time.Now().Add(-240 * time.Hour)

	ledger := newFakeLedger(&stored)
	source := &fakeSource{}
	engine := newEngine(ledger, source, &fakeBlobs{})

	_, err := engine.Run(context.Background(), "u1", Options{FromDate: requested})
	require.NoError(t, err)
	assert.True(t, source.lastQuery.After.Equal(stored), "non-forced run scans from the watermark")

	_, err = engine.Run(context.Background(), "u1", Options{FromDate: requested, ForceSync: true})
	require.NoError(t, err)
	assert.True(t, source.lastQuery.After.Equal(requested), "forced run scans from the requested date")
}

func TestRunAttachmentFailureDoesNotAbort(t *testing.T) {
	ledger := newFakeLedger(nil)
	source := &fakeSource{
		messages: []Message{
			pdfMessage("m1", "billing@amazon.com", "a1"),
			pdfMessage("m2", "billing@amazon.com", "a2"),
		},
		attachments: map[string][]byte{
			"m1|a1": []byte("ok"),
			"m2|a2": []byte("broken"),
		},
	}
	blobs := &fakeBlobs{failUpload: map[string]error{"a2.pdf": errors.New("quota exceeded")}}
	engine := newEngine(ledger, source, blobs)

	result, err := engine.Run(context.Background(), "u1", Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.FilesUploaded)
	assert.Equal(t, 1, result.FilesFailed)
	assert.NotNil(t, ledger.watermark, "watermark still advances after partial failure")
}

func TestRunMailSourceFailureAborts(t *testing.T) {
	ledger := newFakeLedger(nil)
	source := &fakeSource{searchErr: pipeline.Transient("gmail list messages", errors.New("rate limited"))}
	engine := newEngine(ledger, source, &fakeBlobs{})

	_, err := engine.Run(context.Background(), "u1", Options{})
	require.Error(t, err)
	assert.True(t, pipeline.Retryable(err))
	assert.Nil(t, ledger.watermark, "aborted run must not advance the watermark")
}

func TestRunRequiresConnectedCredential(t *testing.T) {
	ledger := newFakeLedger(nil)
	ledger.cred.Status = models.CredentialDisconnected

	engine := newEngine(ledger, &fakeSource{}, &fakeBlobs{})

	_, err := engine.Run(context.Background(), "u1", Options{})
	require.Error(t, err)

	var credErr *pipeline.CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.False(t, pipeline.Retryable(err))
}

func TestRunInsertRaceCountsAsSkipped(t *testing.T) {
	ledger := newFakeLedger(nil)
	ledger.raceSkip = true
	source := &fakeSource{
		messages:    []Message{pdfMessage("m1", "billing@amazon.com", "a1")},
		attachments: map[string][]byte{"m1|a1": []byte("raced")},
	}
	engine := newEngine(ledger, source, &fakeBlobs{})

	result, err := engine.Run(context.Background(), "u1", Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, result.FilesUploaded)
	assert.Equal(t, 1, result.FilesSkipped)
	assert.Equal(t, 0, result.FilesFailed)
}
