// Package automation notifies the external workflow engine when a course draft
// with pending sections exists.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/TobiSchelling/CourseForge/internal/config"
	"github.com/TobiSchelling/CourseForge/internal/logger"
)

// Event is the payload sent to the workflow engine.
type Event struct {
	ProposalID int64 `json:"proposalId"`
	CourseID   int64 `json:"courseId"`
}

// Notifier posts events to a webhook. A zero URL makes it a no-op.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	log    *logger.Logger
}

// New creates a notifier from config. The shared secret is read from the
// environment variable named by cfg.SecretEnv.
func New(cfg config.Automation, log *logger.Logger) *Notifier {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	secret := ""
	if cfg.SecretEnv != "" {
		secret = strings.TrimSpace(os.Getenv(cfg.SecretEnv))
	}
	return &Notifier{
		url:    strings.TrimSpace(cfg.WebhookURL),
		secret: secret,
		client: &http.Client{Timeout: timeout},
		log:    log.With("service", "AutomationNotifier"),
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// CourseDrafted fires the notification. Failures are returned to the caller
// and never retried here.
func (n *Notifier) CourseDrafted(ctx context.Context, ev Event) error {
	if !n.Enabled() {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set("Authorization", "Bearer "+n.secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("automation webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("automation webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	n.log.Info("Automation notified", "proposal_id", ev.ProposalID, "course_id", ev.CourseID)
	return nil
}
