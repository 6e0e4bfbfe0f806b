package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/awarddata/linkage-platform/pkg/errors"
)

// Payload is the result of one enrichment fetch. Body is the raw response;
// the identifier and name fields are populated when the source exposes them,
// so the orchestrator can re-run matching on fresh data.
type Payload struct {
	SubjectID   string
	Body        []byte
	Name        string
	PrimaryID   string
	SecondaryID string
}

// Fetcher is the external enrichment collaborator: given a subject ID it
// returns that subject's current payload from one source. Rate limiting is
// the orchestrator's job; authentication is the implementation's.
type Fetcher interface {
	Fetch(ctx context.Context, subjectID string) (*Payload, error)
}

// HTTPFetcher fetches subjects from a JSON-over-HTTP enrichment API at
// GET {baseURL}/{subjectID}.
type HTTPFetcher struct {
	source  string
	baseURL string
	client  *http.Client
}

func NewHTTPFetcher(source, baseURL string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		source:  source,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, subjectID string) (*Payload, error) {
	url := fmt.Sprintf("%s/%s", f.baseURL, subjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building fetch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", errors.ErrTransientFetch, f.source, subjectID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response for %s: %v",
			errors.ErrTransientFetch, f.source, subjectID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %d for %s",
			errors.ErrTransientFetch, f.source, resp.StatusCode, subjectID)
	}

	payload := &Payload{SubjectID: subjectID, Body: body}

	// Best effort: lift the fields the matcher cares about when the source
	// speaks the common shape.
	var fields struct {
		Name        string `json:"name"`
		PrimaryID   string `json:"primary_id"`
		SecondaryID string `json:"secondary_id"`
	}
	if err := json.Unmarshal(body, &fields); err == nil {
		payload.Name = fields.Name
		payload.PrimaryID = fields.PrimaryID
		payload.SecondaryID = fields.SecondaryID
	}
	return payload, nil
}
