// Package outbound publishes local replies on mirrored pull requests back to
// GitHub.
package outbound

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wesm/github-review-mirror/internal/db"
	"github.com/wesm/github-review-mirror/internal/events"
	"github.com/wesm/github-review-mirror/internal/models"
	"github.com/wesm/github-review-mirror/internal/projection"
)

// Poster creates comments on GitHub and returns their remote ids.
type Poster interface {
	CreateComment(ctx context.Context, pr events.PullRequestRef, body string) (string, error)
	CreateThreadReply(ctx context.Context, pr events.PullRequestRef, body, threadID string) (string, error)
}

// Publisher mirrors local posts to GitHub.
type Publisher struct {
	db     *db.DB
	poster Poster
}

// NewPublisher creates a Publisher.
func NewPublisher(database *db.DB, poster Poster) *Publisher {
	return &Publisher{db: database, poster: poster}
}

// PublishReply posts a local post to its pull request. A reply to a post from
// a review thread goes to that thread; anything else becomes a conversation
// comment. The remote id is stored as the post's nonce, so the next import
// recognises the comment and a repeated publish does nothing. It returns the
// remote id, or "" when the post was already published.
func (p *Publisher) PublishReply(ctx context.Context, postID int64) (string, error) {
	var remoteID string
	err := p.db.WithMutex(ctx, fmt.Sprintf("outbound:post:%d", postID), func() error {
		q := p.db.Queries()
		post, err := q.GetPost(ctx, postID)
		if err != nil {
			return err
		}
		if post == nil {
			return fmt.Errorf("post %d not found", postID)
		}
		if post.Nonce != "" {
			log.Debug().Int64("post", postID).Str("nonce", post.Nonce).Msg("Post already published")
			return nil
		}

		topic, err := q.GetTopic(ctx, post.TopicID)
		if err != nil {
			return err
		}
		if topic == nil || topic.Kind != models.TopicKindPullRequest {
			return fmt.Errorf("post %d does not belong to a pull request topic", postID)
		}
		repo, err := p.db.GetRepositoryByID(ctx, topic.RepositoryID)
		if err != nil {
			return err
		}
		if repo == nil {
			return fmt.Errorf("repository %d not found", topic.RepositoryID)
		}
		ref := events.PullRequestRef{Owner: repo.Owner, Repo: repo.Name, Number: topic.PRNumber}

		threadID, err := p.threadOf(ctx, q, post)
		if err != nil {
			return err
		}

		// A sync projecting the new comment waits here and then finds the
		// stamped post instead of creating a second one.
		return p.db.WithMutex(ctx, projection.PostMutexName(topic.ID), func() error {
			if threadID != "" {
				remoteID, err = p.poster.CreateThreadReply(ctx, ref, post.Body, threadID)
			} else {
				remoteID, err = p.poster.CreateComment(ctx, ref, post.Body)
			}
			if err != nil {
				return fmt.Errorf("failed to publish post %d to %s: %w", postID, ref, err)
			}

			log.Info().Int64("post", postID).Str("pr", ref.String()).Str("remote_id", remoteID).Msg("Published reply")
			return q.SetPostNonce(ctx, postID, remoteID)
		})
	})
	if err != nil {
		return "", err
	}
	return remoteID, nil
}

// threadOf returns the review thread the post replies into, if any.
func (p *Publisher) threadOf(ctx context.Context, q *db.Queries, post *models.Post) (string, error) {
	if post.ThreadID != "" {
		return post.ThreadID, nil
	}
	if post.ReplyToPostNumber == 0 {
		return "", nil
	}
	parent, err := q.GetPostByNumber(ctx, post.TopicID, post.ReplyToPostNumber)
	if err != nil || parent == nil {
		return "", err
	}
	return parent.ThreadID, nil
}
