package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/wesm/github-review-mirror/internal/models"
	"golang.org/x/time/rate"
)

// GitHubClient represents a client for the GitHub REST API
type GitHubClient struct {
	client  *github.Client
	limiter *rate.Limiter
}

// NewGitHubClient creates a new GitHub API client
func NewGitHubClient(httpClient *http.Client, limiter *rate.Limiter) *GitHubClient {
	return &GitHubClient{
		client:  github.NewClient(httpClient),
		limiter: limiter,
	}
}

// NewEnterpriseGitHubClient creates a client for the REST API of a GitHub
// Enterprise server at baseURL.
func NewEnterpriseGitHubClient(baseURL string, httpClient *http.Client, limiter *rate.Limiter) (*GitHubClient, error) {
	client, err := github.NewClient(httpClient).WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid enterprise URL %q: %w", baseURL, err)
	}
	return &GitHubClient{client: client, limiter: limiter}, nil
}

// GetRepository gets a repository by owner and name
func (c *GitHubClient) GetRepository(ctx context.Context, owner, name string) (*models.Repository, error) {
	if err := wait(ctx, c.limiter); err != nil {
		return nil, err
	}
	repo, _, err := c.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, classifyREST("get repository "+owner+"/"+name, err)
	}

	return &models.Repository{
		ID:       repo.GetID(),
		Owner:    repo.GetOwner().GetLogin(),
		Name:     repo.GetName(),
		FullName: repo.GetFullName(),
	}, nil
}

// ListPullRequests returns the pull requests updated since the given time,
// most recently updated first. A zero since lists all of them.
func (c *GitHubClient) ListPullRequests(ctx context.Context, owner, name string, since time.Time) ([]*models.PullRequest, error) {
	var all []*models.PullRequest
	opts := &github.PullRequestListOptions{
		State:     "all",
		Sort:      "updated",
		Direction: "desc",
		ListOptions: github.ListOptions{
			PerPage: 100,
		},
	}

	for {
		if err := wait(ctx, c.limiter); err != nil {
			return nil, err
		}
		prs, resp, err := c.client.PullRequests.List(ctx, owner, name, opts)
		if err != nil {
			return nil, classifyREST("list pull requests of "+owner+"/"+name, err)
		}

		for _, pr := range prs {
			updated := pr.GetUpdatedAt().Time
			if !since.IsZero() && updated.Before(since) {
				// Sorted by update time, so nothing older follows.
				return all, nil
			}
			all = append(all, convertPullRequest(pr))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

func convertPullRequest(pr *github.PullRequest) *models.PullRequest {
	return &models.PullRequest{
		RemoteID:    pr.GetNodeID(),
		Number:      pr.GetNumber(),
		Title:       pr.GetTitle(),
		Body:        pr.GetBody(),
		AuthorLogin: pr.GetUser().GetLogin(),
		CreatedAt:   pr.GetCreatedAt().Time,
		UpdatedAt:   pr.GetUpdatedAt().Time,
	}
}

// CreateComment posts a conversation comment and returns its node id
func (c *GitHubClient) CreateComment(ctx context.Context, owner, name string, number int, body string) (string, error) {
	if err := wait(ctx, c.limiter); err != nil {
		return "", err
	}
	comment, _, err := c.client.Issues.CreateComment(ctx, owner, name, number, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return "", classifyREST(fmt.Sprintf("create comment on %s/%s#%d", owner, name, number), err)
	}
	return comment.GetNodeID(), nil
}

// GetCommit fetches a commit with its patch. The patch is rebuilt from the
// per-file patches GitHub returns, so binary files are omitted.
func (c *GitHubClient) GetCommit(ctx context.Context, owner, name, sha string) (*models.Commit, error) {
	if err := wait(ctx, c.limiter); err != nil {
		return nil, err
	}
	rc, _, err := c.client.Repositories.GetCommit(ctx, owner, name, sha, nil)
	if err != nil {
		return nil, classifyREST(fmt.Sprintf("get commit %s of %s/%s", sha, owner, name), err)
	}
	return convertCommit(rc), nil
}

func convertCommit(rc *github.RepositoryCommit) *models.Commit {
	commit := rc.GetCommit()
	author := commit.GetAuthor()

	subject, body, _ := strings.Cut(commit.GetMessage(), "\n")

	var diff strings.Builder
	for _, f := range rc.Files {
		if f.GetPatch() == "" {
			continue
		}
		fmt.Fprintf(&diff, "diff --git a/%s b/%s\n", f.GetFilename(), f.GetFilename())
		diff.WriteString(f.GetPatch())
		diff.WriteString("\n")
	}

	return &models.Commit{
		Hash:           rc.GetSHA(),
		AuthorIdentity: fmt.Sprintf("%s <%s>", author.GetName(), author.GetEmail()),
		AuthorLogin:    rc.GetAuthor().GetLogin(),
		CommittedAt:    commit.GetCommitter().GetDate().Time,
		Subject:        strings.TrimSpace(subject),
		Body:           strings.TrimSpace(body),
		Diff:           diff.String(),
	}
}
