package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nicktill/tinypal/pkg/sdk/event"
)

// UploadGroupSize is how many events go into one POST.
const UploadGroupSize = 50

// UploadPath is the collector endpoint that accepts event groups.
const UploadPath = "/pubexperiments"

// Outcome is the collector's verdict on one uploaded event. EventID is the
// event's index in the slice passed to Upload.
type Outcome struct {
	EventID      int64  `json:"eventId"`
	Status       bool   `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Succeeded reports whether the event was accepted.
func (o Outcome) Succeeded() bool {
	return o.Status
}

// Uploader is the HTTP alternative to the socket client: it posts events in
// groups and reports per-event outcomes. It is not used by the pipeline's
// flush loop.
type Uploader struct {
	endpoint  string
	apiKey    string
	groupSize int
	client    *http.Client
}

// NewUploader creates an uploader for the collector at serverURL.
func NewUploader(serverURL, apiKey string) (*Uploader, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	return &Uploader{
		endpoint:  strings.TrimRight(serverURL, "/") + UploadPath,
		apiKey:    apiKey,
		groupSize: UploadGroupSize,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// Upload posts events in groups of UploadGroupSize and stops at the first
// group that fails. It returns the outcomes gathered so far, with event ids
// offset to index into events.
func (u *Uploader) Upload(ctx context.Context, events []event.Event) ([]Outcome, error) {
	if len(events) == 0 {
		return nil, nil
	}

	var outcomes []Outcome
	for start := 0; start < len(events); start += u.groupSize {
		end := min(start+u.groupSize, len(events))

		group, err := u.post(ctx, events[start:end])
		if err != nil {
			return outcomes, fmt.Errorf("failed to upload events %d-%d: %w", start, end-1, err)
		}
		for _, o := range group {
			o.EventID += int64(start)
			outcomes = append(outcomes, o)
		}
	}
	return outcomes, nil
}

func (u *Uploader) post(ctx context.Context, events []event.Event) ([]Outcome, error) {
	jsonData, err := event.MarshalBatch(events)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if u.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.apiKey)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var outcomes []Outcome
	if err := json.NewDecoder(resp.Body).Decode(&outcomes); err != nil {
		return nil, fmt.Errorf("failed to decode outcomes: %w", err)
	}
	return outcomes, nil
}

// MarkUploaded calls mark with the index of every event the collector accepted.
func MarkUploaded(outcomes []Outcome, mark func(index int)) int {
	marked := 0
	for _, o := range outcomes {
		if o.Succeeded() {
			mark(int(o.EventID))
			marked++
		}
	}
	return marked
}
