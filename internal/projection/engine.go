package projection

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/wesm/github-review-mirror/config"
	"github.com/wesm/github-review-mirror/internal/approval"
	"github.com/wesm/github-review-mirror/internal/db"
	"github.com/wesm/github-review-mirror/internal/errs"
	"github.com/wesm/github-review-mirror/internal/events"
	"github.com/wesm/github-review-mirror/internal/models"
)

// MergeInfoSource reports who approved and merged a pull request.
type MergeInfoSource interface {
	MergeInfo(ctx context.Context, pr events.PullRequestRef) (*models.MergeInfo, error)
}

// CommitResolver returns the topic of a commit, importing the commit first
// if it has not been mirrored yet.
type CommitResolver interface {
	ResolveCommit(ctx context.Context, repo *models.Repository, hash string) (*models.Topic, error)
}

// Approver applies review transitions triggered by remote events.
type Approver interface {
	Approve(ctx context.Context, topic *models.Topic, approvers []string, merge *approval.MergeContext) error
	RecordMergeInfo(ctx context.Context, merge approval.MergeContext, approvers []string) error
	Reopened(ctx context.Context, topic *models.Topic, actor, nonce string) error
}

// Engine projects envelopes onto topics.
type Engine struct {
	db       *db.DB
	settings config.ReviewSettings
	merges   MergeInfoSource
	commits  CommitResolver
	approver Approver
}

// New creates a projection engine.
func New(database *db.DB, settings config.ReviewSettings, merges MergeInfoSource, commits CommitResolver, approver Approver) *Engine {
	return &Engine{
		db:       database,
		settings: settings,
		merges:   merges,
		commits:  commits,
		approver: approver,
	}
}

// Project applies one envelope to topic. Projecting an envelope again is a
// no-op.
func (e *Engine) Project(ctx context.Context, env events.Envelope, topic *models.Topic) error {
	if env.RemoteID == "" {
		return errs.Malformed("", "id", "envelope without remote id")
	}
	if env.Event == nil {
		return errs.Malformed(env.RemoteID, "event", "envelope without event")
	}

	p := &projector{engine: e, ctx: ctx, env: env, topic: topic}
	if err := env.Event.Accept(p); err != nil {
		return fmt.Errorf("failed to project %s onto topic %d: %w", env.RemoteID, topic.ID, err)
	}
	return nil
}

// projector handles one envelope.
type projector struct {
	engine *Engine
	ctx    context.Context
	env    events.Envelope
	topic  *models.Topic
}

var _ events.Visitor = (*projector)(nil)

func (p *projector) ensurePost(spec PostSpec) (*models.Post, bool, error) {
	spec.AuthorLogin = p.env.Actor.Login
	spec.CreatedAt = p.env.OccurredAt
	return p.engine.EnsurePostWithNonce(p.ctx, p.topic.ID, p.env.RemoteID, spec)
}

func (p *projector) VisitClosed(events.Closed) error {
	_, err := p.engine.EnsureClosedStateWithNonce(p.ctx, p.topic.ID, true, p.env.RemoteID, p.env.Actor.Login, p.env.OccurredAt)
	return err
}

// VisitReopened reopens the topic and puts a reviewed topic back into
// follow-up. The follow-up step runs on every replay until it has happened
// once for this event.
func (p *projector) VisitReopened(events.Reopened) error {
	if _, err := p.engine.EnsureClosedStateWithNonce(p.ctx, p.topic.ID, false, p.env.RemoteID, p.env.Actor.Login, p.env.OccurredAt); err != nil {
		return err
	}
	if p.engine.approver == nil {
		return nil
	}
	return p.engine.approver.Reopened(p.ctx, p.topic, p.env.Actor.Login, "reopened:"+p.env.RemoteID)
}

func (p *projector) VisitIssueComment(ev events.IssueComment) error {
	_, _, err := p.ensurePost(PostSpec{Body: ev.Body})
	return err
}

func (p *projector) VisitReviewThreadStarted(ev events.ReviewThreadStarted) error {
	body := ev.Body
	if ev.Context != "" {
		body = quoteDiff(ev.Context) + "\n\n" + body
	}
	_, _, err := p.ensurePost(PostSpec{Body: body, ThreadID: ev.ThreadID})
	return err
}

func (p *projector) VisitReviewComment(ev events.ReviewComment) error {
	replyTo := 0
	if ev.ReplyToRemoteID != "" {
		parent, err := p.engine.db.Queries().FindPostByNonce(p.ctx, p.topic.ID, ev.ReplyToRemoteID)
		if err != nil {
			return err
		}
		if parent != nil {
			replyTo = parent.PostNumber
		} else {
			log.Warn().Str("comment", p.env.RemoteID).Str("reply_to", ev.ReplyToRemoteID).
				Msg("Parent comment not mirrored, posting without reply link")
		}
	}
	_, _, err := p.ensurePost(PostSpec{
		Body:              ev.Body,
		ThreadID:          ev.ThreadID,
		ReplyToPostNumber: replyTo,
	})
	return err
}

func (p *projector) VisitRenamedTitle(ev events.RenamedTitle) error {
	_, created, err := p.ensurePost(PostSpec{
		Body:       fmt.Sprintf("Renamed from %q to %q", ev.PreviousTitle, ev.NewTitle),
		PostType:   models.PostTypeSmallAction,
		ActionCode: models.ActionRenamed,
		OnCreate: func(ctx context.Context, q *db.Queries, _ *models.Post) error {
			return q.UpdateTopicTitle(ctx, p.topic.ID, ev.NewTitle)
		},
	})
	if err != nil {
		return err
	}
	if created {
		p.topic.Title = ev.NewTitle
	}
	return nil
}

func (p *projector) VisitCommitThreadStarted(ev events.CommitThreadStarted) error {
	if ev.CommitHash == "" {
		return errs.Malformed(p.env.RemoteID, "commitHash", "empty")
	}
	if p.engine.commits == nil {
		return fmt.Errorf("no commit resolver configured for commit %s", ev.CommitHash)
	}

	repo, err := p.engine.db.GetRepositoryByID(p.ctx, p.topic.RepositoryID)
	if err != nil {
		return err
	}
	if repo == nil {
		return fmt.Errorf("repository %d of topic %d not found", p.topic.RepositoryID, p.topic.ID)
	}

	commitTopic, err := p.engine.commits.ResolveCommit(p.ctx, repo, ev.CommitHash)
	if err != nil {
		return fmt.Errorf("failed to resolve commit %s: %w", ev.CommitHash, err)
	}

	_, _, err = p.ensurePost(PostSpec{
		Body:       fmt.Sprintf("Discussed commit %s", topicLink(p.engine.settings.LinkBaseURL, shortHash(ev.CommitHash), commitTopic.ID)),
		PostType:   models.PostTypeSmallAction,
		ActionCode: models.ActionCommitLink,
	})
	return err
}

func (p *projector) VisitMerged(ev events.Merged) error {
	if _, _, err := p.ensurePost(PostSpec{
		PostType:   models.PostTypeSmallAction,
		ActionCode: models.ActionMerged,
	}); err != nil {
		return err
	}

	if p.engine.merges == nil || p.engine.approver == nil {
		return nil
	}

	repo, err := p.engine.db.GetRepositoryByID(p.ctx, p.topic.RepositoryID)
	if err != nil {
		return err
	}
	if repo == nil {
		return fmt.Errorf("repository %d of topic %d not found", p.topic.RepositoryID, p.topic.ID)
	}
	ref := events.PullRequestRef{Owner: repo.Owner, Repo: repo.Name, Number: p.topic.PRNumber}

	info, err := p.engine.merges.MergeInfo(p.ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to fetch merge info for %s: %w", ref, err)
	}
	if info == nil {
		return nil
	}

	merge := approval.MergeContext{PullRequest: ref, MergedBy: info.MergedBy, Topic: p.topic}
	if len(info.Approvers) == 0 {
		return p.engine.approver.RecordMergeInfo(p.ctx, merge, nil)
	}

	target := p.topic
	if ev.MergeCommitHash != "" {
		commitTopic, err := p.engine.db.Queries().FindTopicByNonce(p.ctx, models.NonceNamespaceCommit, ev.MergeCommitHash)
		if err != nil {
			return err
		}
		if commitTopic != nil {
			target = commitTopic
		}
	}

	log.Info().Str("pr", ref.String()).Int64("topic", target.ID).Strs("approvers", info.Approvers).Msg("Approving merged pull request")
	return p.engine.approver.Approve(p.ctx, target, info.Approvers, &merge)
}

func quoteDiff(hunk string) string {
	return "```diff\n" + strings.TrimRight(hunk, "\n") + "\n```"
}

func shortHash(hash string) string {
	if len(hash) > 10 {
		return hash[:10]
	}
	return hash
}

func topicLink(baseURL, text string, topicID int64) string {
	return fmt.Sprintf("[%s](%s/t/%d)", text, strings.TrimRight(baseURL, "/"), topicID)
}
