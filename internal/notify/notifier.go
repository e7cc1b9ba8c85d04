// Package notify emails the user when a job fails permanently, so a broken
// credential or an exhausted retry budget does not go unnoticed between
// polls.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"invoiceflow/internal/models"
)

var failureTemplate = template.Must(template.New("failure").Parse(`
<p>Your {{.JobType}} job <code>{{.JobID}}</code> could not be completed.</p>
<p><strong>Reason:</strong> {{.Reason}}</p>
{{if .Retryable}}<p>You can retry this job from the dashboard.</p>
{{else}}<p>Please re-connect your mail account and try again.</p>{{end}}
`))

type Notifier struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Log      *zap.Logger
}

// Enabled reports whether SMTP is configured. When it is not, failure
// notifications are silently skipped.
func (n *Notifier) Enabled() bool {
	return n != nil && n.Host != ""
}

// JobFailed sends the permanent-failure notice for the job to the address
// stored on the user's credential.
func (n *Notifier) JobFailed(ctx context.Context, to string, job *models.Job) error {
	if !n.Enabled() || to == "" {
		return nil
	}

	reason := "unknown error"
	retryable := false
	if job.Error != nil {
		reason = job.Error.Message
		retryable = job.Error.Retryable && job.RetryCount < job.MaxRetries
	}

	var body bytes.Buffer
	err := failureTemplate.Execute(&body, map[string]any{
		"JobType":   string(job.Type),
		"JobID":     job.ID,
		"Reason":    reason,
		"Retryable": retryable,
	})
	if err != nil {
		return fmt.Errorf("template execution error: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", fmt.Sprintf("Invoice sync failed (%s)", job.Type))
	m.SetBody("text/html", body.String())

	d := gomail.NewDialer(n.Host, n.Port, n.Username, n.Password)

	operation := func() error {
		if err := d.DialAndSend(m); err != nil {
			return fmt.Errorf("smtp send error: %w", err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		n.Log.Warn("failure notification not delivered",
			zap.String("job_id", job.ID),
			zap.String("to", to),
			zap.Error(err),
		)
		return err
	}

	n.Log.Info("failure notification sent",
		zap.String("job_id", job.ID),
		zap.String("to", to),
	)
	return nil
}
