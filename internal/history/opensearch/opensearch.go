package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/portvisor/internal/history"
)

const sendTimeout = 5 * time.Second

// errBodyLimit caps how much of a rejected response ends up in the error.
const errBodyLimit = 512

// Sink indexes each lifecycle event as one document in an OpenSearch index.
type Sink struct {
	client *http.Client
	docURL string
}

// New returns a Sink posting to <baseURL>/<index>/_doc.
func New(baseURL, index string) *Sink {
	return &Sink{
		client: &http.Client{Timeout: sendTimeout},
		docURL: strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(index) + "/_doc",
	}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("opensearch: encode %s event for %s: %w", e.Type, e.Service, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.docURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("opensearch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch: index %s event for %s: %w", e.Type, e.Service, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	return fmt.Errorf("opensearch: index %s event for %s: status %d: %s",
		e.Type, e.Service, resp.StatusCode, strings.TrimSpace(string(msg)))
}
