package feature

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/google/go-github/v57/github"
	"golang.org/x/time/rate"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// SourceGitHub is the registry name of the GitHub linker.
const SourceGitHub = "github"

// Sources of links confirmed on GitHub.
const (
	SourceGitHubIssue = "github-issue"
	SourceGitHubPR    = "github-pr"
)

var issueRef = regexp.MustCompile(`(?:^|[\s(\[,])#(\d+)\b`)

// GitHubLinker confirms #N references in commit messages against the
// issues and pull requests of one repository.
type GitHubLinker struct {
	client  *github.Client
	limiter *rate.Limiter
	owner   string
	repo    string
}

// NewGitHubLinker creates a linker for owner/repo making at most perSecond
// API calls per second. An empty token uses anonymous access.
func NewGitHubLinker(owner, repo, token string, perSecond float64) *GitHubLinker {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}

	return &GitHubLinker{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		owner:   owner,
		repo:    repo,
	}
}

// WithClient replaces the API client, e.g. to point it at GitHub Enterprise.
func (l *GitHubLinker) WithClient(client *github.Client) *GitHubLinker {
	l.client = client

	return l
}

// Link implements Linker. References that do not resolve are dropped.
func (l *GitHubLinker) Link(ctx context.Context, commit model.Commit) ([]model.FeatureLink, error) {
	var links []model.FeatureLink

	seen := make(map[int]bool)

	for _, m := range issueRef.FindAllStringSubmatch(commit.Message, -1) {
		number, err := strconv.Atoi(m[1])
		if err != nil || seen[number] {
			continue
		}

		seen[number] = true

		if err := l.limiter.Wait(ctx); err != nil {
			return links, fmt.Errorf("rate limiter: %w", err)
		}

		issue, _, err := l.client.Issues.Get(ctx, l.owner, l.repo, number)
		if err != nil {
			var apiErr *github.ErrorResponse
			if errors.As(err, &apiErr) && apiErr.Response != nil && apiErr.Response.StatusCode == http.StatusNotFound {
				continue
			}

			return links, fmt.Errorf("fetch issue #%d: %w", number, err)
		}

		source := SourceGitHubIssue
		if issue.IsPullRequest() {
			source = SourceGitHubPR
		}

		links = append(links, model.FeatureLink{
			Commit:     commit.ID,
			FeatureID:  "#" + strconv.Itoa(number),
			Confidence: 1,
			Source:     source,
			Detail:     issue.GetTitle(),
		})
	}

	return links, nil
}
