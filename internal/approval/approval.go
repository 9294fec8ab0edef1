// Package approval drives the review state of mirrored topics.
//
// A topic is in exactly one of three states, stored as mutually exclusive
// tags: pending, followup or approved. Every transition reads the current
// tags and writes new ones, so each runs under the topic's mutex inside a
// single transaction.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wesm/github-review-mirror/config"
	"github.com/wesm/github-review-mirror/internal/db"
	"github.com/wesm/github-review-mirror/internal/events"
	"github.com/wesm/github-review-mirror/internal/models"
)

// State is a topic's review state.
type State string

const (
	StateNone     State = ""
	StatePending  State = "pending"
	StateFollowup State = "followup"
	StateApproved State = "approved"
)

// MergeContext describes the merge that triggered an approval.
type MergeContext struct {
	PullRequest events.PullRequestRef
	MergedBy    string

	// Topic is the pull request topic that receives the merge summary.
	Topic *models.Topic
}

// Assigner receives the assignment side effects of transitions.
type Assigner interface {
	Assign(ctx context.Context, q *db.Queries, topic *models.Topic, userID int64) error
	Unassign(ctx context.Context, q *db.Queries, topic *models.Topic) error
}

// StoreAssigner records assignments in the local store.
type StoreAssigner struct{}

func (StoreAssigner) Assign(ctx context.Context, q *db.Queries, topic *models.Topic, userID int64) error {
	return q.AssignTopic(ctx, topic.ID, userID)
}

func (StoreAssigner) Unassign(ctx context.Context, q *db.Queries, topic *models.Topic) error {
	return q.UnassignTopic(ctx, topic.ID)
}

// Machine applies review transitions.
type Machine struct {
	db       *db.DB
	settings config.ReviewSettings
	assigner Assigner
	now      func() time.Time
}

// New creates a Machine. A nil assigner records assignments in the store.
func New(database *db.DB, settings config.ReviewSettings, assigner Assigner) *Machine {
	if assigner == nil {
		assigner = StoreAssigner{}
	}
	return &Machine{
		db:       database,
		settings: settings,
		assigner: assigner,
		now:      time.Now,
	}
}

func mutexName(topicID int64) string {
	return fmt.Sprintf("approval:topic:%d", topicID)
}

// transition runs fn under the topic mutex in a transaction.
func (m *Machine) transition(ctx context.Context, topic *models.Topic, fn func(q *db.Queries) error) error {
	return m.db.WithMutex(ctx, mutexName(topic.ID), func() error {
		return m.db.InTx(ctx, fn)
	})
}

// StateOf derives the state from a tag set.
func (m *Machine) StateOf(tags []string) State {
	for _, tag := range tags {
		switch tag {
		case m.settings.ApprovedTag:
			return StateApproved
		case m.settings.FollowupTag:
			return StateFollowup
		case m.settings.PendingTag:
			return StatePending
		}
	}
	return StateNone
}

// retag drops every state tag and adds the one for next.
func (m *Machine) retag(tags []string, next string) []string {
	out := make([]string, 0, len(tags)+1)
	for _, tag := range tags {
		switch tag {
		case m.settings.PendingTag, m.settings.FollowupTag, m.settings.ApprovedTag:
			continue
		}
		out = append(out, tag)
	}
	return append(out, next)
}

// Approve moves topic to approved on behalf of approvers. Each distinct
// approver gets one approval post. The topic owner is notified only when the
// topic was not approved before, and never approves their own topic unless
// self-approval is allowed. When merge is set, the pull request's merge
// summary is recorded as well.
func (m *Machine) Approve(ctx context.Context, topic *models.Topic, approvers []string, merge *MergeContext) error {
	err := m.transition(ctx, topic, func(q *db.Queries) error {
		owner, err := q.GetUser(ctx, topic.UserID)
		if err != nil {
			return err
		}

		logins := m.qualifyingApprovers(approvers, owner)
		if len(logins) == 0 {
			return nil
		}

		tags, err := q.TopicTags(ctx, topic.ID)
		if err != nil {
			return err
		}
		wasApproved := m.StateOf(tags) == StateApproved

		now := m.now()
		for _, login := range logins {
			if err := approvalPost(ctx, q, topic, login, now); err != nil {
				return err
			}
		}

		if wasApproved {
			return nil
		}

		if err := q.ReplaceTopicTags(ctx, topic.ID, m.retag(tags, m.settings.ApprovedTag)); err != nil {
			return err
		}
		if err := m.notifyApproved(ctx, q, topic, now); err != nil {
			return err
		}
		if m.settings.AutoUnassignOnApproval {
			if err := m.assigner.Unassign(ctx, q, topic); err != nil {
				return err
			}
		}

		log.Info().Int64("topic", topic.ID).Strs("approvers", logins).Msg("Topic approved")
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to approve topic %d: %w", topic.ID, err)
	}

	if merge != nil {
		return m.RecordMergeInfo(ctx, *merge, approvers)
	}
	return nil
}

// qualifyingApprovers removes blanks, duplicates and, unless allowed, the owner.
func (m *Machine) qualifyingApprovers(approvers []string, owner *models.User) []string {
	seen := make(map[string]bool, len(approvers))
	var out []string
	for _, login := range approvers {
		if login == "" || seen[login] {
			continue
		}
		seen[login] = true
		if !m.settings.AllowSelfApproval && owner != nil && strings.EqualFold(owner.Login, login) {
			log.Debug().Str("login", login).Msg("Ignoring self-approval")
			continue
		}
		out = append(out, login)
	}
	return out
}

func approvalPost(ctx context.Context, q *db.Queries, topic *models.Topic, login string, now time.Time) error {
	nonce := "approved-by:" + login
	existing, err := q.FindPostByNonce(ctx, topic.ID, nonce)
	if err != nil || existing != nil {
		return err
	}

	user, err := q.EnsureUser(ctx, login)
	if err != nil {
		return err
	}
	return q.CreatePost(ctx, &models.Post{
		TopicID:    topic.ID,
		UserID:     user.ID,
		PostType:   models.PostTypeSmallAction,
		ActionCode: models.ActionApproved,
		Nonce:      nonce,
		CreatedAt:  now,
	})
}

type approvalNotice struct {
	TopicID int64  `json:"topic_id"`
	Title   string `json:"title"`
	Count   int    `json:"count"`
}

// notifyApproved tells the topic owner. An unread approval notice younger than
// the notification window absorbs this one.
func (m *Machine) notifyApproved(ctx context.Context, q *db.Queries, topic *models.Topic, now time.Time) error {
	if topic.UserID == 0 {
		return nil
	}

	latest, err := q.LatestUnreadNotification(ctx, topic.UserID, models.NotificationCommitApproved)
	if err != nil {
		return err
	}

	if latest != nil && now.Sub(latest.UpdatedAt) <= m.settings.NotificationWindow {
		latest.Count++
		latest.TopicID = topic.ID
		latest.UpdatedAt = now
		latest.Data = noticeData(topic, latest.Count)
		return q.UpdateNotification(ctx, latest)
	}

	return q.CreateNotification(ctx, &models.Notification{
		UserID:    topic.UserID,
		TopicID:   topic.ID,
		Type:      models.NotificationCommitApproved,
		Count:     1,
		Data:      noticeData(topic, 1),
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func noticeData(topic *models.Topic, count int) string {
	data, err := json.Marshal(approvalNotice{TopicID: topic.ID, Title: topic.Title, Count: count})
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Followup asks the topic owner to follow up. It is a no-op when the topic
// already awaits a follow-up.
func (m *Machine) Followup(ctx context.Context, topic *models.Topic, actor string) error {
	return m.followup(ctx, topic, actor, "", func(s State) bool { return s != StateFollowup })
}

// Reopened asks for a follow-up because the topic was reopened on GitHub.
// Only pending and approved topics move. The status post carries nonce, so a
// replayed reopen never undoes a later approval.
func (m *Machine) Reopened(ctx context.Context, topic *models.Topic, actor, nonce string) error {
	return m.followup(ctx, topic, actor, nonce, func(s State) bool {
		return s == StatePending || s == StateApproved
	})
}

func (m *Machine) followup(ctx context.Context, topic *models.Topic, actor, nonce string, from func(State) bool) error {
	err := m.transition(ctx, topic, func(q *db.Queries) error {
		if nonce != "" {
			done, err := q.FindPostByNonce(ctx, topic.ID, nonce)
			if err != nil || done != nil {
				return err
			}
		}

		tags, err := q.TopicTags(ctx, topic.ID)
		if err != nil {
			return err
		}
		if !from(m.StateOf(tags)) {
			return nil
		}

		if err := q.ReplaceTopicTags(ctx, topic.ID, m.retag(tags, m.settings.FollowupTag)); err != nil {
			return err
		}

		user, err := q.EnsureUser(ctx, actor)
		if err != nil {
			return err
		}
		if err := q.CreatePost(ctx, &models.Post{
			TopicID:    topic.ID,
			UserID:     user.ID,
			PostType:   models.PostTypeSmallAction,
			ActionCode: models.ActionFollowup,
			Nonce:      nonce,
			CreatedAt:  m.now(),
		}); err != nil {
			return err
		}

		if m.settings.AutoAssignOnFollowup && topic.UserID != 0 {
			if err := m.assigner.Assign(ctx, q, topic, topic.UserID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark topic %d for follow-up: %w", topic.ID, err)
	}
	return nil
}

// FollowedUp approves older because newer addresses its follow-up, and links
// newer from it. Nothing happens unless older awaits a follow-up, or when
// newer already followed older up once.
func (m *Machine) FollowedUp(ctx context.Context, older, newer *models.Topic, actor string) error {
	nonce := fmt.Sprintf("followed-up:%d", newer.ID)
	err := m.transition(ctx, older, func(q *db.Queries) error {
		done, err := q.FindPostByNonce(ctx, older.ID, nonce)
		if err != nil || done != nil {
			return err
		}

		tags, err := q.TopicTags(ctx, older.ID)
		if err != nil {
			return err
		}
		if m.StateOf(tags) != StateFollowup {
			return nil
		}

		if err := q.ReplaceTopicTags(ctx, older.ID, m.retag(tags, m.settings.ApprovedTag)); err != nil {
			return err
		}

		user, err := q.EnsureUser(ctx, actor)
		if err != nil {
			return err
		}
		if err := q.CreatePost(ctx, &models.Post{
			TopicID:    older.ID,
			UserID:     user.ID,
			Body:       fmt.Sprintf("Followed up in [%s](%s/t/%d)", newer.Title, strings.TrimRight(m.settings.LinkBaseURL, "/"), newer.ID),
			PostType:   models.PostTypeSmallAction,
			ActionCode: models.ActionFollowedUp,
			Nonce:      nonce,
			CreatedAt:  m.now(),
		}); err != nil {
			return err
		}

		if m.settings.AutoUnassignOnApproval {
			return m.assigner.Unassign(ctx, q, older)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record follow-up of topic %d: %w", older.ID, err)
	}
	return nil
}

// RecordMergeInfo posts who approved and merged a pull request on the merge
// topic, once per pull request.
func (m *Machine) RecordMergeInfo(ctx context.Context, merge MergeContext, approvers []string) error {
	if merge.Topic == nil {
		return nil
	}
	nonce := merge.PullRequest.String()

	err := m.transition(ctx, merge.Topic, func(q *db.Queries) error {
		existing, err := q.FindPostByNonce(ctx, merge.Topic.ID, nonce)
		if err != nil || existing != nil {
			return err
		}

		userID := merge.Topic.UserID
		if merge.MergedBy != "" {
			user, err := q.EnsureUser(ctx, merge.MergedBy)
			if err != nil {
				return err
			}
			userID = user.ID
		}

		return q.CreatePost(ctx, &models.Post{
			TopicID:    merge.Topic.ID,
			UserID:     userID,
			Body:       mergeSummary(merge, approvers),
			PostType:   models.PostTypeSmallAction,
			ActionCode: models.ActionMergeInfo,
			Nonce:      nonce,
			CreatedAt:  m.now(),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to record merge info for %s: %w", nonce, err)
	}
	return nil
}

func mergeSummary(merge MergeContext, approvers []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Merged %s", merge.PullRequest)
	if merge.MergedBy != "" {
		fmt.Fprintf(&b, " by @%s", merge.MergedBy)
	}

	seen := make(map[string]bool, len(approvers))
	var mentions []string
	for _, login := range approvers {
		if login == "" || seen[login] {
			continue
		}
		seen[login] = true
		mentions = append(mentions, "@"+login)
	}
	if len(mentions) > 0 {
		fmt.Fprintf(&b, ", approved by %s", strings.Join(mentions, ", "))
	}
	return b.String()
}
