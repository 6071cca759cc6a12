package feature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// SourceTracker labels links confirmed by an issue tracker.
const SourceTracker = "tracker"

const (
	defaultTrackerTimeout = 10 * time.Second
	maxTrackerBody        = 1 << 20
	maxMessageParam       = 512
)

// ErrTrackerStatus is returned for non-2xx tracker responses.
var ErrTrackerStatus = errors.New("unexpected tracker status")

// Candidate is a feature proposed by a tracker.
type Candidate struct {
	FeatureID  string  `json:"id"`
	Confidence float64 `json:"confidence"`
	Title      string  `json:"title,omitempty"`
}

// Tracker looks up the features associated with a commit.
type Tracker interface {
	Lookup(ctx context.Context, message string, id model.CommitID) ([]Candidate, error)
}

// TrackerLinker links commits through a Tracker. Without a tracker it
// produces no links.
type TrackerLinker struct {
	Tracker Tracker
}

// Link implements Linker.
func (l *TrackerLinker) Link(ctx context.Context, commit model.Commit) ([]model.FeatureLink, error) {
	if l == nil || l.Tracker == nil {
		return nil, nil
	}

	candidates, err := l.Tracker.Lookup(ctx, commit.Message, commit.ID)
	if err != nil {
		return nil, err
	}

	links := make([]model.FeatureLink, 0, len(candidates))

	for _, c := range candidates {
		if c.FeatureID == "" {
			continue
		}

		links = append(links, model.FeatureLink{
			Commit:     commit.ID,
			FeatureID:  c.FeatureID,
			Confidence: c.Confidence,
			Source:     SourceTracker,
			Detail:     c.Title,
		})
	}

	return links, nil
}

// HTTPTracker queries a REST endpoint:
//
//	GET {BaseURL}/tickets?commit={id}&message={subject}
//	Authorization: Bearer {Token}
//
// answering {"tickets": [{"id": "...", "confidence": 0.7, "title": "..."}]}.
type HTTPTracker struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPTracker returns a tracker client for baseURL.
func NewHTTPTracker(baseURL, token string) *HTTPTracker {
	return &HTTPTracker{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: defaultTrackerTimeout},
	}
}

type ticketsResponse struct {
	Tickets []Candidate `json:"tickets"`
}

// Lookup implements Tracker.
func (t *HTTPTracker) Lookup(ctx context.Context, message string, id model.CommitID) ([]Candidate, error) {
	subject, _, _ := strings.Cut(message, "\n")
	if len(subject) > maxMessageParam {
		subject = subject[:maxMessageParam]
	}

	query := url.Values{"commit": {string(id)}, "message": {subject}}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL+"/tickets?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build tracker request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s", ErrTrackerStatus, resp.Status)
	}

	var body ticketsResponse

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTrackerBody)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode tracker response: %w", err)
	}

	return body.Tickets, nil
}
