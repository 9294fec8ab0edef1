package api

import (
	"context"

	"github.com/wesm/github-review-mirror/internal/events"
)

// CommentPoster publishes comments: conversation comments over REST and
// review thread replies over GraphQL.
type CommentPoster struct {
	REST    *GitHubClient
	GraphQL *GraphQLClient
}

func (p *CommentPoster) CreateComment(ctx context.Context, pr events.PullRequestRef, body string) (string, error) {
	return p.REST.CreateComment(ctx, pr.Owner, pr.Repo, pr.Number, body)
}

func (p *CommentPoster) CreateThreadReply(ctx context.Context, pr events.PullRequestRef, body, threadID string) (string, error) {
	return p.GraphQL.AddThreadReply(ctx, threadID, body)
}
