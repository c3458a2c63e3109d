// Package notify publishes run transitions to external endpoints.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/izavyalov-dev/chunkrun/state"
)

// RunUpdate is the JSON body posted for every run transition.
type RunUpdate struct {
	EnsembleID string    `json:"ensemble_id"`
	Run        state.Run `json:"run"`
	SentAt     time.Time `json:"sent_at"`
}

// webhookTimeout bounds a single delivery attempt.
const webhookTimeout = 5 * time.Second

// Webhook posts run updates to a single URL.
type Webhook struct {
	url    string
	client *http.Client
	now    func() time.Time
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		url: url,
		client: &http.Client{
			Timeout: webhookTimeout,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (w *Webhook) ReportRun(ctx context.Context, ensembleID string, run state.Run) error {
	return w.post(ctx, RunUpdate{EnsembleID: ensembleID, Run: run, SentAt: w.now()})
}

func (w *Webhook) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
