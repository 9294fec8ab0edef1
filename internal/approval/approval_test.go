package approval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wesm/github-review-mirror/config"
	"github.com/wesm/github-review-mirror/internal/db"
	"github.com/wesm/github-review-mirror/internal/events"
	"github.com/wesm/github-review-mirror/internal/models"
)

func newTestMachine(t *testing.T) (*Machine, *db.DB) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.Initialize())
	t.Cleanup(func() { database.Close() })

	m := New(database, config.DefaultReviewSettings(), nil)
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return m, database
}

func newCommitTopic(t *testing.T, database *db.DB, owner, hash string, tags ...string) *models.Topic {
	t.Helper()
	ctx := context.Background()
	q := database.Queries()
	user, err := q.EnsureUser(ctx, owner)
	require.NoError(t, err)
	topic := &models.Topic{
		RepositoryID:   1,
		Kind:           models.TopicKindCommit,
		Title:          "Commit " + hash,
		UserID:         user.ID,
		NonceNamespace: models.NonceNamespaceCommit,
		Nonce:          hash,
		CommitHash:     hash,
	}
	require.NoError(t, q.CreateTopic(ctx, topic))
	if len(tags) > 0 {
		require.NoError(t, q.ReplaceTopicTags(ctx, topic.ID, tags))
	}
	return topic
}

func postsWithAction(t *testing.T, database *db.DB, topicID int64, action string) []*models.Post {
	t.Helper()
	posts, err := database.Queries().ListPosts(context.Background(), topicID)
	require.NoError(t, err)
	var out []*models.Post
	for _, p := range posts {
		if p.ActionCode == action {
			out = append(out, p)
		}
	}
	return out
}

func tagsOf(t *testing.T, database *db.DB, topicID int64) []string {
	t.Helper()
	tags, err := database.Queries().TopicTags(context.Background(), topicID)
	require.NoError(t, err)
	return tags
}

func TestApproveDeduplicatesApprovers(t *testing.T) {
	m, database := newTestMachine(t)
	ctx := context.Background()
	topic := newCommitTopic(t, database, "owner", "aaaaaaaa11", "pending", "backend")

	require.NoError(t, m.Approve(ctx, topic, []string{"A", "B", "A", "B"}, nil))

	assert.Len(t, postsWithAction(t, database, topic.ID, models.ActionApproved), 2)
	assert.ElementsMatch(t, []string{"approved", "backend"}, tagsOf(t, database, topic.ID))

	notes, err := database.Queries().ListNotifications(ctx, topic.UserID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, 1, notes[0].Count)
	assert.Equal(t, models.NotificationCommitApproved, notes[0].Type)
}

func TestApproveIsIdempotent(t *testing.T) {
	m, database := newTestMachine(t)
	ctx := context.Background()
	topic := newCommitTopic(t, database, "owner", "aaaaaaaa22", "pending")

	require.NoError(t, m.Approve(ctx, topic, []string{"A"}, nil))
	require.NoError(t, m.Approve(ctx, topic, []string{"A"}, nil))

	assert.Len(t, postsWithAction(t, database, topic.ID, models.ActionApproved), 1)
	notes, err := database.Queries().ListNotifications(ctx, topic.UserID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, 1, notes[0].Count)
}

func TestApproveConsolidatesNotificationsWithinWindow(t *testing.T) {
	m, database := newTestMachine(t)
	ctx := context.Background()
	first := newCommitTopic(t, database, "owner", "aaaaaaaa33", "pending")
	second := newCommitTopic(t, database, "owner", "bbbbbbbb33", "pending")

	require.NoError(t, m.Approve(ctx, first, []string{"A"}, nil))
	require.NoError(t, m.Approve(ctx, second, []string{"B"}, nil))

	notes, err := database.Queries().ListNotifications(ctx, first.UserID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, 2, notes[0].Count)
	assert.Equal(t, second.ID, notes[0].TopicID)
}

func TestApproveOutsideWindowCreatesNewNotification(t *testing.T) {
	m, database := newTestMachine(t)
	m.settings.NotificationWindow = 30 * time.Second
	ctx := context.Background()
	first := newCommitTopic(t, database, "owner", "aaaaaaaa44", "pending")
	second := newCommitTopic(t, database, "owner", "bbbbbbbb44", "pending")

	require.NoError(t, m.Approve(ctx, first, []string{"A"}, nil))
	require.NoError(t, m.Approve(ctx, second, []string{"A"}, nil))

	notes, err := database.Queries().ListNotifications(ctx, first.UserID)
	require.NoError(t, err)
	assert.Len(t, notes, 2)
}

func TestApproveIgnoresSelfApproval(t *testing.T) {
	m, database := newTestMachine(t)
	ctx := context.Background()
	topic := newCommitTopic(t, database, "owner", "aaaaaaaa55", "pending")

	require.NoError(t, m.Approve(ctx, topic, []string{"owner"}, nil))
	assert.Equal(t, []string{"pending"}, tagsOf(t, database, topic.ID))
	assert.Empty(t, postsWithAction(t, database, topic.ID, models.ActionApproved))

	m.settings.AllowSelfApproval = true
	require.NoError(t, m.Approve(ctx, topic, []string{"owner"}, nil))
	assert.Equal(t, []string{"approved"}, tagsOf(t, database, topic.ID))
}

func TestApproveUnassigns(t *testing.T) {
	m, database := newTestMachine(t)
	ctx := context.Background()
	topic := newCommitTopic(t, database, "owner", "aaaaaaaa66", "followup")
	require.NoError(t, database.Queries().AssignTopic(ctx, topic.ID, topic.UserID))

	require.NoError(t, m.Approve(ctx, topic, []string{"reviewer"}, nil))

	assignee, err := database.Queries().TopicAssignee(ctx, topic.ID)
	require.NoError(t, err)
	assert.Zero(t, assignee)
}

func TestFollowup(t *testing.T) {
	m, database := newTestMachine(t)
	ctx := context.Background()
	topic := newCommitTopic(t, database, "owner", "aaaaaaaa77", "approved")

	require.NoError(t, m.Followup(ctx, topic, "reviewer"))
	require.NoError(t, m.Followup(ctx, topic, "reviewer"))

	assert.Equal(t, []string{"followup"}, tagsOf(t, database, topic.ID))
	assert.Len(t, postsWithAction(t, database, topic.ID, models.ActionFollowup), 1)

	assignee, err := database.Queries().TopicAssignee(ctx, topic.ID)
	require.NoError(t, err)
	assert.Equal(t, topic.UserID, assignee)
}

func TestReopened(t *testing.T) {
	m, database := newTestMachine(t)
	ctx := context.Background()
	pending := newCommitTopic(t, database, "owner", "aaaaaaaa66", "pending")
	untagged := newCommitTopic(t, database, "owner", "bbbbbbbb66")

	require.NoError(t, m.Reopened(ctx, pending, "bob", "reopened:RE_1"))
	require.NoError(t, m.Reopened(ctx, untagged, "bob", "reopened:RE_2"))
	assert.Equal(t, []string{"followup"}, tagsOf(t, database, pending.ID))
	assert.Empty(t, tagsOf(t, database, untagged.ID))

	// The same reopen does not pull an approved topic back.
	require.NoError(t, m.Approve(ctx, pending, []string{"reviewer"}, nil))
	require.NoError(t, m.Reopened(ctx, pending, "bob", "reopened:RE_1"))
	assert.Equal(t, []string{"approved"}, tagsOf(t, database, pending.ID))
	assert.Len(t, postsWithAction(t, database, pending.ID, models.ActionFollowup), 1)
}

func TestFollowedUpOncePerNewerTopic(t *testing.T) {
	m, database := newTestMachine(t)
	ctx := context.Background()
	older := newCommitTopic(t, database, "owner", "aaaaaaaa55", "followup")
	newer := newCommitTopic(t, database, "owner", "bbbbbbbb55", "pending")

	require.NoError(t, m.FollowedUp(ctx, older, newer, "owner"))
	require.NoError(t, m.Followup(ctx, older, "reviewer"))
	require.NoError(t, m.FollowedUp(ctx, older, newer, "owner"))

	assert.Equal(t, []string{"followup"}, tagsOf(t, database, older.ID))
}

func TestFollowedUp(t *testing.T) {
	m, database := newTestMachine(t)
	ctx := context.Background()
	older := newCommitTopic(t, database, "owner", "aaaaaaaa88", "followup")
	newer := newCommitTopic(t, database, "owner", "bbbbbbbb88", "pending")

	require.NoError(t, m.FollowedUp(ctx, older, newer, "owner"))
	require.NoError(t, m.FollowedUp(ctx, older, newer, "owner"))

	assert.Equal(t, []string{"approved"}, tagsOf(t, database, older.ID))
	posts := postsWithAction(t, database, older.ID, models.ActionFollowedUp)
	require.Len(t, posts, 1)
	assert.Contains(t, posts[0].Body, "/t/")
}

func TestFollowedUpIgnoresPendingTopic(t *testing.T) {
	m, database := newTestMachine(t)
	ctx := context.Background()
	older := newCommitTopic(t, database, "owner", "aaaaaaaa99", "pending")
	newer := newCommitTopic(t, database, "owner", "bbbbbbbb99", "pending")

	require.NoError(t, m.FollowedUp(ctx, older, newer, "owner"))
	assert.Equal(t, []string{"pending"}, tagsOf(t, database, older.ID))
}

func TestApproveRecordsMergeInfoOnce(t *testing.T) {
	m, database := newTestMachine(t)
	ctx := context.Background()
	topic := newCommitTopic(t, database, "owner", "cccccccc11", "pending")
	merge := &MergeContext{
		PullRequest: events.PullRequestRef{Owner: "acme", Repo: "widgets", Number: 3},
		MergedBy:    "maintainer",
		Topic:       topic,
	}

	require.NoError(t, m.Approve(ctx, topic, []string{"A", "B"}, merge))
	require.NoError(t, m.Approve(ctx, topic, []string{"A", "B"}, merge))

	posts := postsWithAction(t, database, topic.ID, models.ActionMergeInfo)
	require.Len(t, posts, 1)
	assert.Equal(t, "acme/widgets#3", posts[0].Nonce)
	assert.Equal(t, "Merged acme/widgets#3 by @maintainer, approved by @A, @B", posts[0].Body)
}

func TestStateOf(t *testing.T) {
	m, _ := newTestMachine(t)
	assert.Equal(t, StatePending, m.StateOf([]string{"x", "pending"}))
	assert.Equal(t, StateApproved, m.StateOf([]string{"approved"}))
	assert.Equal(t, StateNone, m.StateOf(nil))
}
