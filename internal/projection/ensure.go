// Package projection turns remote events into local topics and posts.
//
// Every mutation is keyed by a nonce, usually the remote id of the event, so
// projecting the same event any number of times leaves exactly one local
// object behind. Lookups and creates run under a named mutex that encloses
// the transaction, which keeps concurrent importers from racing each other.
package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wesm/github-review-mirror/internal/db"
	"github.com/wesm/github-review-mirror/internal/errs"
	"github.com/wesm/github-review-mirror/internal/models"
)

// TopicSpec describes a topic to create when no topic carries the nonce yet.
type TopicSpec struct {
	RepositoryID int64
	Kind         models.TopicKind
	Title        string
	AuthorLogin  string
	CommitHash   string
	PRNumber     int
	CreatedAt    time.Time
	Tags         []string

	// Body becomes the topic's first post.
	Body string

	// OnCreate runs in the creating transaction after the topic and its
	// first post exist.
	OnCreate func(ctx context.Context, q *db.Queries, topic *models.Topic) error
}

// PostSpec describes a post to create when the topic has no post with the nonce.
type PostSpec struct {
	AuthorLogin       string
	Body              string
	PostType          models.PostType
	ActionCode        string
	ReplyToPostNumber int
	ThreadID          string
	CreatedAt         time.Time

	// OnCreate runs in the creating transaction after the post is inserted.
	// It is not run when the post already exists.
	OnCreate func(ctx context.Context, q *db.Queries, post *models.Post) error
}

func topicMutexName(namespace string) string {
	return "projection:topic-nonce:" + namespace
}

// PostMutexName names the mutex guarding post nonces in a topic. Anything
// that stamps a nonce on an existing post takes it too.
func PostMutexName(topicID int64) string {
	return fmt.Sprintf("projection:post-nonce:%d", topicID)
}

// retryOnConflict runs fn again once if it failed with a store conflict. The
// second attempt sees the row the competing writer committed.
func retryOnConflict(what string, fn func() error) error {
	err := fn()
	if !errors.Is(err, errs.ErrStoreConflict) {
		return err
	}
	log.Warn().Err(err).Str("op", what).Msg("Store conflict, retrying once")
	return fn()
}

// EnsureTopicWithNonce returns the topic stamped with nonce in namespace,
// creating it from spec if there is none. created reports whether this call
// created it.
func (e *Engine) EnsureTopicWithNonce(ctx context.Context, namespace, nonce string, spec TopicSpec) (topic *models.Topic, created bool, err error) {
	if nonce == "" {
		return nil, false, fmt.Errorf("ensure topic in %s: empty nonce", namespace)
	}

	err = retryOnConflict("ensure topic "+namespace+"/"+nonce, func() error {
		topic, created = nil, false
		return e.db.WithMutex(ctx, topicMutexName(namespace), func() error {
			return e.db.InTx(ctx, func(q *db.Queries) error {
				existing, err := q.FindTopicByNonce(ctx, namespace, nonce)
				if err != nil {
					return err
				}
				if existing != nil {
					topic = existing
					return nil
				}

				t, err := createTopic(ctx, q, namespace, nonce, spec)
				if err != nil {
					return err
				}
				topic, created = t, true
				return nil
			})
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure topic %s/%s: %w", namespace, nonce, err)
	}

	if created {
		log.Debug().Str("nonce", nonce).Int64("topic", topic.ID).Msg("Created topic")
	}
	return topic, created, nil
}

func createTopic(ctx context.Context, q *db.Queries, namespace, nonce string, spec TopicSpec) (*models.Topic, error) {
	author, err := q.EnsureUser(ctx, spec.AuthorLogin)
	if err != nil {
		return nil, err
	}

	t := &models.Topic{
		RepositoryID:   spec.RepositoryID,
		Kind:           spec.Kind,
		Title:          spec.Title,
		UserID:         author.ID,
		NonceNamespace: namespace,
		Nonce:          nonce,
		CommitHash:     spec.CommitHash,
		PRNumber:       spec.PRNumber,
		CreatedAt:      spec.CreatedAt,
	}
	if err := q.CreateTopic(ctx, t); err != nil {
		return nil, err
	}

	first := &models.Post{
		TopicID:   t.ID,
		UserID:    author.ID,
		Body:      spec.Body,
		CreatedAt: t.CreatedAt,
	}
	if err := q.CreatePost(ctx, first); err != nil {
		return nil, err
	}

	if len(spec.Tags) > 0 {
		if err := q.ReplaceTopicTags(ctx, t.ID, spec.Tags); err != nil {
			return nil, err
		}
	}

	if spec.OnCreate != nil {
		if err := spec.OnCreate(ctx, q, t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// EnsurePostWithNonce returns the post in topicID stamped with nonce, creating
// it from spec if there is none.
func (e *Engine) EnsurePostWithNonce(ctx context.Context, topicID int64, nonce string, spec PostSpec) (post *models.Post, created bool, err error) {
	if nonce == "" {
		return nil, false, fmt.Errorf("ensure post in topic %d: empty nonce", topicID)
	}

	err = retryOnConflict(fmt.Sprintf("ensure post %d/%s", topicID, nonce), func() error {
		post, created = nil, false
		return e.db.WithMutex(ctx, PostMutexName(topicID), func() error {
			return e.db.InTx(ctx, func(q *db.Queries) error {
				existing, err := q.FindPostByNonce(ctx, topicID, nonce)
				if err != nil {
					return err
				}
				if existing != nil {
					post = existing
					return nil
				}

				p, err := createPost(ctx, q, topicID, nonce, spec)
				if err != nil {
					return err
				}
				post, created = p, true
				return nil
			})
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure post %s in topic %d: %w", nonce, topicID, err)
	}
	return post, created, nil
}

func createPost(ctx context.Context, q *db.Queries, topicID int64, nonce string, spec PostSpec) (*models.Post, error) {
	author, err := q.EnsureUser(ctx, spec.AuthorLogin)
	if err != nil {
		return nil, err
	}

	p := &models.Post{
		TopicID:           topicID,
		UserID:            author.ID,
		Body:              spec.Body,
		PostType:          spec.PostType,
		ActionCode:        spec.ActionCode,
		ReplyToPostNumber: spec.ReplyToPostNumber,
		Nonce:             nonce,
		ThreadID:          spec.ThreadID,
		CreatedAt:         spec.CreatedAt,
	}
	if err := q.CreatePost(ctx, p); err != nil {
		return nil, err
	}

	if spec.OnCreate != nil {
		if err := spec.OnCreate(ctx, q, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// EnsureClosedStateWithNonce closes or reopens a topic and records a status
// post dated occurredAt, unless a post with nonce already exists. Replaying an
// old event therefore never overrides a later state change.
func (e *Engine) EnsureClosedStateWithNonce(ctx context.Context, topicID int64, closed bool, nonce, actor string, occurredAt time.Time) (bool, error) {
	action := models.ActionReopened
	if closed {
		action = models.ActionClosed
	}

	_, created, err := e.EnsurePostWithNonce(ctx, topicID, nonce, PostSpec{
		AuthorLogin: actor,
		PostType:    models.PostTypeSmallAction,
		ActionCode:  action,
		CreatedAt:   occurredAt,
		OnCreate: func(ctx context.Context, q *db.Queries, _ *models.Post) error {
			return q.SetTopicClosed(ctx, topicID, closed)
		},
	})
	if err != nil {
		return false, err
	}
	return created, nil
}
