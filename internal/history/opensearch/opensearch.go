package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/indexkeeper/internal/history"
)

// Sink sends run events to OpenSearch via HTTP.
// It constructs URL as: baseURL + "/" + index + "/_doc" and POSTs JSON body.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

// document flattens the event so that dashboards can aggregate on
// counters without nested field mappings.
type document struct {
	Type        history.EventType `json:"type"`
	OccurredAt  time.Time         `json:"occurred_at"`
	RunID       string            `json:"run_id"`
	Status      string            `json:"status"`
	Trigger     string            `json:"trigger"`
	ClientRef   string            `json:"client_ref,omitempty"`
	SourceURI   string            `json:"source_uri"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
	Scanned     int64             `json:"files_scanned"`
	Added       int64             `json:"files_added"`
	Updated     int64             `json:"files_updated"`
	Skipped     int64             `json:"files_skipped"`
	Failed      int64             `json:"files_failed"`
	Errors      []string          `json:"errors,omitempty"`
}

func toDocument(e history.Event) document {
	r := e.Run
	d := document{
		Type: e.Type, OccurredAt: e.OccurredAt, RunID: r.ID, Status: string(r.Status), Trigger: string(r.Trigger),
		ClientRef: r.ClientRef, SourceURI: r.SourceURI, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
		Scanned: r.Counters.Scanned, Added: r.Counters.Added, Updated: r.Counters.Updated,
		Skipped: r.Counters.Skipped, Failed: r.Counters.Failed,
	}
	if r.CompletedAt != nil {
		d.DurationMs = r.CompletedAt.Sub(r.StartedAt).Milliseconds()
	}
	for _, ed := range r.Errors {
		d.Errors = append(d.Errors, ed.Message)
	}
	return d
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	b, err := json.Marshal(toDocument(e))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
