package gcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"invoiceflow/internal/ingest"
	"invoiceflow/internal/pipeline"
)

const (
	gmailUser        = "me"
	searchPageSize   = 100
	gmailCallTimeout = 30 * time.Second
)

// GmailSource implements ingest.MailSource against the Gmail API.
type GmailSource struct {
	Auth    *Auth
	Limiter *rate.Limiter
	Log     *zap.Logger
}

func NewGmailSource(auth *Auth, callsPerSecond int, log *zap.Logger) *GmailSource {
	if callsPerSecond <= 0 {
		callsPerSecond = 10
	}
	return &GmailSource{
		Auth:    auth,
		Limiter: rate.NewLimiter(rate.Limit(callsPerSecond), callsPerSecond),
		Log:     log,
	}
}

func (g *GmailSource) service(ctx context.Context, userID string) (*gmail.Service, error) {
	ts, err := g.Auth.TokenSource(ctx, userID)
	if err != nil {
		return nil, err
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, pipeline.Transient("create gmail client", err)
	}
	return svc, nil
}

// Search lists messages matching the query and, for each, resolves headers
// and attachment references. Message order is whatever Gmail returns.
func (g *GmailSource) Search(ctx context.Context, userID string, q ingest.Query) ([]ingest.Message, error) {
	svc, err := g.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	query := buildQuery(q)
	g.Log.Debug("gmail search", zap.String("user_id", userID), zap.String("query", query))

	var ids []string
	pageToken := ""
	for {
		var page *gmail.ListMessagesResponse
		err := g.call(ctx, func() error {
			var callErr error
			page, callErr = svc.Users.Messages.List(gmailUser).
				Q(query).
				MaxResults(searchPageSize).
				PageToken(pageToken).
				Context(ctx).
				Do()
			return callErr
		})
		if err != nil {
			return nil, classify("gmail list messages", err)
		}

		for _, m := range page.Messages {
			ids = append(ids, m.Id)
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	messages := make([]ingest.Message, 0, len(ids))
	for _, id := range ids {
		var full *gmail.Message
		err := g.call(ctx, func() error {
			var callErr error
			full, callErr = svc.Users.Messages.Get(gmailUser, id).
				Format("full").
				Context(ctx).
				Do()
			return callErr
		})
		if err != nil {
			return nil, classify("gmail get message", err)
		}
		messages = append(messages, toMessage(full))
	}

	return messages, nil
}

// Attachment fetches and decodes one attachment body.
func (g *GmailSource) Attachment(ctx context.Context, userID, messageID, attachmentID string) ([]byte, error) {
	svc, err := g.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	var body *gmail.MessagePartBody
	err = g.call(ctx, func() error {
		var callErr error
		body, callErr = svc.Users.Messages.Attachments.
			Get(gmailUser, messageID, attachmentID).
			Context(ctx).
			Do()
		return callErr
	})
	if err != nil {
		return nil, classify("gmail get attachment", err)
	}

	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(body.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment body: %w", err)
	}
	return data, nil
}

// call applies the shared rate limit and retries transient responses with
// exponential backoff, bounded per call.
func (g *GmailSource) call(ctx context.Context, op func() error) error {
	if err := g.Limiter.Wait(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, gmailCallTimeout)
	defer cancel()

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
	}, backoff.WithContext(b, callCtx))
}

func buildQuery(q ingest.Query) string {
	var parts []string

	if q.AttachmentsOnly {
		parts = append(parts, "has:attachment")
	}
	if !q.After.IsZero() {
		parts = append(parts, fmt.Sprintf("after:%d", q.After.Unix()))
	}
	if len(q.Senders) > 0 {
		parts = append(parts, fmt.Sprintf("from:(%s)", strings.Join(q.Senders, " OR ")))
	}
	if q.DocumentTypesOnly {
		parts = append(parts, "(filename:pdf OR filename:png OR filename:jpg OR filename:jpeg)")
	}

	return strings.Join(parts, " ")
}

func toMessage(m *gmail.Message) ingest.Message {
	msg := ingest.Message{
		ID:       m.Id,
		Received: time.UnixMilli(m.InternalDate),
	}

	if m.Payload == nil {
		return msg
	}
	for _, h := range m.Payload.Headers {
		switch h.Name {
		case "From":
			msg.From = h.Value
		case "Subject":
			msg.Subject = h.Value
		}
	}

	collectAttachments(m.Payload.Parts, &msg)
	return msg
}

// collectAttachments walks the MIME tree; attachment parts carry a filename
// and a body attachment id.
func collectAttachments(parts []*gmail.MessagePart, msg *ingest.Message) {
	for _, p := range parts {
		if p.Filename != "" && p.Body != nil && p.Body.AttachmentId != "" {
			msg.Attachments = append(msg.Attachments, ingest.AttachmentRef{
				ID:       p.Body.AttachmentId,
				FileName: p.Filename,
				MimeType: p.MimeType,
				Size:     p.Body.Size,
			})
		}
		collectAttachments(p.Parts, msg)
	}
}

// classify folds API failures into the shared taxonomy: rate limits and
// server errors are transient, everything else keeps its shape for the
// validation/credential checks upstream.
func classify(op string, err error) error {
	if gerr, ok := err.(*googleapi.Error); ok {
		if gerr.Code == 429 || gerr.Code >= 500 {
			return pipeline.Transient(op, err)
		}
		// 4xx responses (bad grant, revoked scope, malformed query) are
		// not retryable and keep their shape for upstream checks.
		return fmt.Errorf("%s: %w", op, err)
	}
	return pipeline.Transient(op, err)
}
