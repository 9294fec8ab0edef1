package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shurcooL/githubv4"
	"github.com/wesm/github-review-mirror/internal/events"
	"github.com/wesm/github-review-mirror/internal/models"
	"github.com/wesm/github-review-mirror/internal/stream"
	"github.com/wesm/github-review-mirror/internal/timeline"
	"golang.org/x/time/rate"
)

const (
	timelinePerPage = 50
	threadsPerPage  = 50
	commentsPerPage = 100
)

// GraphQLClient represents a client for the GitHub GraphQL API
type GraphQLClient struct {
	client  *githubv4.Client
	limiter *rate.Limiter
}

// NewGraphQLClient creates a new GraphQL client
func NewGraphQLClient(httpClient *http.Client, limiter *rate.Limiter) *GraphQLClient {
	return &GraphQLClient{client: githubv4.NewClient(httpClient), limiter: limiter}
}

// NewEnterpriseGraphQLClient creates a client for the GraphQL API of a GitHub
// Enterprise server at baseURL.
func NewEnterpriseGraphQLClient(baseURL string, httpClient *http.Client, limiter *rate.Limiter) *GraphQLClient {
	return &GraphQLClient{client: githubv4.NewEnterpriseClient(EnterpriseGraphQLURL(baseURL), httpClient), limiter: limiter}
}

// EnterpriseGraphQLURL returns the GraphQL endpoint of an enterprise server.
func EnterpriseGraphQLURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/api/graphql"
}

var _ timeline.Source = (*GraphQLClient)(nil)

// Actor represents a GitHub user in GraphQL
type Actor struct {
	Login githubv4.String
}

// PageInfo is the cursor state of a connection
type PageInfo struct {
	EndCursor   githubv4.String
	HasNextPage githubv4.Boolean
}

// RateLimit reports the GraphQL quota
type RateLimit struct {
	Limit     githubv4.Int
	Cost      githubv4.Int
	Remaining githubv4.Int
	ResetAt   githubv4.DateTime
}

type timelineNode struct {
	Typename     githubv4.String `graphql:"__typename"`
	IssueComment struct {
		ID        githubv4.ID
		Author    Actor
		CreatedAt githubv4.DateTime
		Body      githubv4.String
	} `graphql:"... on IssueComment"`
	ClosedEvent struct {
		ID        githubv4.ID
		Actor     Actor
		CreatedAt githubv4.DateTime
	} `graphql:"... on ClosedEvent"`
	ReopenedEvent struct {
		ID        githubv4.ID
		Actor     Actor
		CreatedAt githubv4.DateTime
	} `graphql:"... on ReopenedEvent"`
	MergedEvent struct {
		ID        githubv4.ID
		Actor     Actor
		CreatedAt githubv4.DateTime
		Commit    *struct {
			Oid githubv4.GitObjectID
		}
	} `graphql:"... on MergedEvent"`
	RenamedTitleEvent struct {
		ID            githubv4.ID
		Actor         Actor
		CreatedAt     githubv4.DateTime
		PreviousTitle githubv4.String
		CurrentTitle  githubv4.String
	} `graphql:"... on RenamedTitleEvent"`
}

type commitThreadNode struct {
	Thread struct {
		ID     githubv4.ID
		Commit struct {
			Oid githubv4.GitObjectID
		}
		Comments struct {
			Nodes []struct {
				Author    Actor
				CreatedAt githubv4.DateTime
			}
		} `graphql:"comments(first: 1)"`
	} `graphql:"... on PullRequestCommitCommentThread"`
}

type reviewComment struct {
	ID        githubv4.ID
	Author    Actor
	Body      githubv4.String
	DiffHunk  githubv4.String
	CreatedAt githubv4.DateTime
}

func idString(id githubv4.ID) string {
	if id == nil {
		return ""
	}
	return fmt.Sprintf("%v", id)
}

func cursorVar(cursor string) *githubv4.String {
	if cursor == "" {
		return nil
	}
	s := githubv4.String(cursor)
	return &s
}

func prVariables(pr events.PullRequestRef) map[string]interface{} {
	return map[string]interface{}{
		"owner":  githubv4.String(pr.Owner),
		"name":   githubv4.String(pr.Repo),
		"number": githubv4.Int(pr.Number),
	}
}

func (c *GraphQLClient) query(ctx context.Context, op string, q interface{}, variables map[string]interface{}) error {
	if err := wait(ctx, c.limiter); err != nil {
		return err
	}
	if err := c.client.Query(ctx, q, variables); err != nil {
		return classifyGraphQL(op, err)
	}
	return nil
}

func logRateLimit(rl RateLimit) {
	remaining := int(rl.Remaining)
	if rl.Limit > 0 && remaining < 1000 {
		log.Warn().Int("remaining", remaining).Int("limit", int(rl.Limit)).
			Str("resets_at", rl.ResetAt.Time.Format(time.RFC3339)).Msg("GraphQL rate limit running low")
	}
}

// TimelineItems fetches one page of a pull request's timeline.
func (c *GraphQLClient) TimelineItems(ctx context.Context, pr events.PullRequestRef, cursor string) (stream.Page[timeline.TimelineItem], error) {
	var query struct {
		RateLimit  RateLimit
		Repository struct {
			PullRequest struct {
				TimelineItems struct {
					Nodes    []timelineNode
					PageInfo PageInfo
				} `graphql:"timelineItems(first: $perPage, after: $cursor, itemTypes: [ISSUE_COMMENT, CLOSED_EVENT, REOPENED_EVENT, MERGED_EVENT, RENAMED_TITLE_EVENT])"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	variables := prVariables(pr)
	variables["perPage"] = githubv4.Int(timelinePerPage)
	variables["cursor"] = cursorVar(cursor)

	if err := c.query(ctx, "timeline of "+pr.String(), &query, variables); err != nil {
		return stream.Page[timeline.TimelineItem]{}, err
	}
	logRateLimit(query.RateLimit)

	conn := query.Repository.PullRequest.TimelineItems
	items := make([]timeline.TimelineItem, 0, len(conn.Nodes))
	for _, node := range conn.Nodes {
		items = append(items, convertTimelineNode(node))
	}
	return stream.Page[timeline.TimelineItem]{
		Items:       items,
		Cursor:      string(conn.PageInfo.EndCursor),
		HasNextPage: bool(conn.PageInfo.HasNextPage),
	}, nil
}

func convertTimelineNode(node timelineNode) timeline.TimelineItem {
	item := timeline.TimelineItem{Typename: string(node.Typename)}
	switch item.Typename {
	case timeline.TypeIssueComment:
		n := node.IssueComment
		item.RemoteID = idString(n.ID)
		item.Actor = string(n.Author.Login)
		item.CreatedAt = n.CreatedAt.Time
		item.Body = string(n.Body)
	case timeline.TypeClosedEvent:
		n := node.ClosedEvent
		item.RemoteID = idString(n.ID)
		item.Actor = string(n.Actor.Login)
		item.CreatedAt = n.CreatedAt.Time
	case timeline.TypeReopenedEvent:
		n := node.ReopenedEvent
		item.RemoteID = idString(n.ID)
		item.Actor = string(n.Actor.Login)
		item.CreatedAt = n.CreatedAt.Time
	case timeline.TypeMergedEvent:
		n := node.MergedEvent
		item.RemoteID = idString(n.ID)
		item.Actor = string(n.Actor.Login)
		item.CreatedAt = n.CreatedAt.Time
		if n.Commit != nil {
			item.MergeCommitHash = string(n.Commit.Oid)
		}
	case timeline.TypeRenamedTitleEvent:
		n := node.RenamedTitleEvent
		item.RemoteID = idString(n.ID)
		item.Actor = string(n.Actor.Login)
		item.CreatedAt = n.CreatedAt.Time
		item.PreviousTitle = string(n.PreviousTitle)
		item.NewTitle = string(n.CurrentTitle)
	}
	return item
}

// CommitThreads fetches one page of a pull request's commit comment threads.
// Threads without comments are dropped.
func (c *GraphQLClient) CommitThreads(ctx context.Context, pr events.PullRequestRef, cursor string) (stream.Page[timeline.CommitThread], error) {
	var query struct {
		Repository struct {
			PullRequest struct {
				TimelineItems struct {
					Nodes    []commitThreadNode
					PageInfo PageInfo
				} `graphql:"timelineItems(first: $perPage, after: $cursor, itemTypes: [PULL_REQUEST_COMMIT_COMMENT_THREAD])"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	variables := prVariables(pr)
	variables["perPage"] = githubv4.Int(threadsPerPage)
	variables["cursor"] = cursorVar(cursor)

	if err := c.query(ctx, "commit threads of "+pr.String(), &query, variables); err != nil {
		return stream.Page[timeline.CommitThread]{}, err
	}

	conn := query.Repository.PullRequest.TimelineItems
	threads := make([]timeline.CommitThread, 0, len(conn.Nodes))
	for _, node := range conn.Nodes {
		if len(node.Thread.Comments.Nodes) == 0 {
			continue
		}
		first := node.Thread.Comments.Nodes[0]
		threads = append(threads, timeline.CommitThread{
			RemoteID:   idString(node.Thread.ID),
			CommitHash: string(node.Thread.Commit.Oid),
			Actor:      string(first.Author.Login),
			CreatedAt:  first.CreatedAt.Time,
		})
	}
	return stream.Page[timeline.CommitThread]{
		Items:       threads,
		Cursor:      string(conn.PageInfo.EndCursor),
		HasNextPage: bool(conn.PageInfo.HasNextPage),
	}, nil
}

// ReviewThreads fetches one page of a pull request's review thread ids.
func (c *GraphQLClient) ReviewThreads(ctx context.Context, pr events.PullRequestRef, cursor string) (stream.Page[events.CommentThreadRef], error) {
	var query struct {
		Repository struct {
			PullRequest struct {
				ReviewThreads struct {
					Nodes []struct {
						ID githubv4.ID
					}
					PageInfo PageInfo
				} `graphql:"reviewThreads(first: $perPage, after: $cursor)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	variables := prVariables(pr)
	variables["perPage"] = githubv4.Int(threadsPerPage)
	variables["cursor"] = cursorVar(cursor)

	if err := c.query(ctx, "review threads of "+pr.String(), &query, variables); err != nil {
		return stream.Page[events.CommentThreadRef]{}, err
	}

	conn := query.Repository.PullRequest.ReviewThreads
	refs := make([]events.CommentThreadRef, 0, len(conn.Nodes))
	for _, node := range conn.Nodes {
		refs = append(refs, events.CommentThreadRef{RemoteID: idString(node.ID)})
	}
	return stream.Page[events.CommentThreadRef]{
		Items:       refs,
		Cursor:      string(conn.PageInfo.EndCursor),
		HasNextPage: bool(conn.PageInfo.HasNextPage),
	}, nil
}

// FirstComment fetches the first comment of a review thread.
func (c *GraphQLClient) FirstComment(ctx context.Context, thread events.CommentThreadRef) (stream.Page[timeline.ThreadComment], error) {
	return c.threadComments(ctx, thread, "", 1)
}

// ThreadComments fetches the comments of a review thread after cursor.
func (c *GraphQLClient) ThreadComments(ctx context.Context, thread events.CommentThreadRef, cursor string) (stream.Page[timeline.ThreadComment], error) {
	return c.threadComments(ctx, thread, cursor, commentsPerPage)
}

func (c *GraphQLClient) threadComments(ctx context.Context, thread events.CommentThreadRef, cursor string, perPage int) (stream.Page[timeline.ThreadComment], error) {
	var query struct {
		Node struct {
			Thread struct {
				Comments struct {
					Nodes    []reviewComment
					PageInfo PageInfo
				} `graphql:"comments(first: $perPage, after: $cursor)"`
			} `graphql:"... on PullRequestReviewThread"`
		} `graphql:"node(id: $id)"`
	}

	variables := map[string]interface{}{
		"id":      githubv4.ID(thread.RemoteID),
		"perPage": githubv4.Int(perPage),
		"cursor":  cursorVar(cursor),
	}

	if err := c.query(ctx, "comments of thread "+thread.RemoteID, &query, variables); err != nil {
		return stream.Page[timeline.ThreadComment]{}, err
	}

	conn := query.Node.Thread.Comments
	comments := make([]timeline.ThreadComment, 0, len(conn.Nodes))
	for _, n := range conn.Nodes {
		comments = append(comments, timeline.ThreadComment{
			RemoteID:  idString(n.ID),
			Actor:     string(n.Author.Login),
			Body:      string(n.Body),
			DiffHunk:  string(n.DiffHunk),
			CreatedAt: n.CreatedAt.Time,
		})
	}
	return stream.Page[timeline.ThreadComment]{
		Items:       comments,
		Cursor:      string(conn.PageInfo.EndCursor),
		HasNextPage: bool(conn.PageInfo.HasNextPage),
	}, nil
}

// PullRequestData fetches what is needed to create a pull request topic.
func (c *GraphQLClient) PullRequestData(ctx context.Context, pr events.PullRequestRef) (*models.PullRequest, error) {
	var query struct {
		Repository struct {
			PullRequest struct {
				ID        githubv4.ID
				Number    githubv4.Int
				Title     githubv4.String
				Body      githubv4.String
				Author    Actor
				CreatedAt githubv4.DateTime
				UpdatedAt githubv4.DateTime
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	if err := c.query(ctx, "pull request "+pr.String(), &query, prVariables(pr)); err != nil {
		return nil, err
	}

	p := query.Repository.PullRequest
	return &models.PullRequest{
		RemoteID:    idString(p.ID),
		Number:      int(p.Number),
		Title:       string(p.Title),
		Body:        string(p.Body),
		AuthorLogin: string(p.Author.Login),
		CreatedAt:   p.CreatedAt.Time,
		UpdatedAt:   p.UpdatedAt.Time,
	}, nil
}

// MergeInfo returns the distinct approving reviewers and the merger of a
// pull request.
func (c *GraphQLClient) MergeInfo(ctx context.Context, pr events.PullRequestRef) (*models.MergeInfo, error) {
	var query struct {
		Repository struct {
			PullRequest struct {
				MergedBy *Actor
				Reviews  struct {
					Nodes []struct {
						Author Actor
					}
				} `graphql:"reviews(first: 100, states: [APPROVED])"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	if err := c.query(ctx, "merge info of "+pr.String(), &query, prVariables(pr)); err != nil {
		return nil, err
	}

	p := query.Repository.PullRequest
	info := &models.MergeInfo{}
	if p.MergedBy != nil {
		info.MergedBy = string(p.MergedBy.Login)
	}
	seen := make(map[string]bool)
	for _, review := range p.Reviews.Nodes {
		login := string(review.Author.Login)
		if login == "" || seen[login] {
			continue
		}
		seen[login] = true
		info.Approvers = append(info.Approvers, login)
	}
	return info, nil
}

// AddThreadReply replies in a review thread and returns the new comment's id.
func (c *GraphQLClient) AddThreadReply(ctx context.Context, threadID, body string) (string, error) {
	var mutation struct {
		AddPullRequestReviewThreadReply struct {
			Comment struct {
				ID githubv4.ID
			}
		} `graphql:"addPullRequestReviewThreadReply(input: $input)"`
	}
	input := githubv4.AddPullRequestReviewThreadReplyInput{
		PullRequestReviewThreadID: githubv4.ID(threadID),
		Body:                      githubv4.String(body),
	}

	if err := wait(ctx, c.limiter); err != nil {
		return "", err
	}
	if err := c.client.Mutate(ctx, &mutation, input, nil); err != nil {
		return "", classifyGraphQL("reply to thread "+threadID, err)
	}
	return idString(mutation.AddPullRequestReviewThreadReply.Comment.ID), nil
}
