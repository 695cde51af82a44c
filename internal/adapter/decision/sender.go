package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/flagbridge/flagbridge/internal/adapter/hits"
)

// hitSender delivers hit batches to the decision platform's events endpoint.
type hitSender struct {
	httpClient *http.Client
	url        string
	apiKey     string
}

var _ hits.Sender = (*hitSender)(nil)

func newHitSender(httpClient *http.Client, baseURL, envID, apiKey string) *hitSender {
	return &hitSender{
		httpClient: httpClient,
		url:        fmt.Sprintf("%s/v2/%s/events", baseURL, envID),
		apiKey:     apiKey,
	}
}

func (s *hitSender) SendBatch(ctx context.Context, batch []hits.Hit) error {
	payload, err := json.Marshal(struct {
		Hits []hits.Hit `json:"hits"`
	}{Hits: batch})
	if err != nil {
		return fmt.Errorf("marshal hit batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build events request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("events request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{code: resp.StatusCode, body: string(body)}
	}
	return nil
}
