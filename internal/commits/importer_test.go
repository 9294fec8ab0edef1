package commits

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wesm/github-review-mirror/config"
	"github.com/wesm/github-review-mirror/internal/approval"
	"github.com/wesm/github-review-mirror/internal/db"
	"github.com/wesm/github-review-mirror/internal/models"
	"github.com/wesm/github-review-mirror/internal/projection"
)

type fakeSource struct {
	order   []string
	commits map[string]*models.Commit
}

func (f *fakeSource) CommitsSince(ctx context.Context, since, ref string) ([]string, error) {
	if since == "" {
		return f.order, nil
	}
	for i, h := range f.order {
		if h == since {
			return f.order[i+1:], nil
		}
	}
	return f.order, nil
}

func (f *fakeSource) Commit(ctx context.Context, hash string) (*models.Commit, error) {
	return f.commits[hash], nil
}

func (f *fakeSource) RefExists(ctx context.Context, ref string) bool {
	_, ok := f.commits[ref]
	return ok
}

// IsAncestor treats order as a single line of history ending at HEAD.
func (f *fakeSource) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	pos := func(ref string) int {
		if ref == "HEAD" {
			return len(f.order) - 1
		}
		for i, h := range f.order {
			if h == ref {
				return i
			}
		}
		return -1
	}
	a, d := pos(ancestor), pos(descendant)
	return a >= 0 && d >= 0 && a <= d, nil
}

type fakeFetcher struct {
	commit *models.Commit
	calls  int
}

func (f *fakeFetcher) GetCommit(ctx context.Context, owner, repo, sha string) (*models.Commit, error) {
	f.calls++
	return f.commit, nil
}

var (
	hashA = "aaaaaaaa" + strings.Repeat("1", 32)
	hashB = "bbbbbbbb" + strings.Repeat("2", 32)
)

func newTestImporter(t *testing.T, fetcher Fetcher) (*Importer, *db.DB, *approval.Machine, *models.Repository) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.Initialize())
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	repo := &models.Repository{ID: 1, Owner: "acme", Name: "widgets", FullName: "acme/widgets"}
	require.NoError(t, database.SaveRepository(ctx, repo))

	settings := config.DefaultReviewSettings()
	settings.MaxDiffLength = 20
	machine := approval.New(database, settings, nil)
	im := NewImporter(database, machine, fetcher, settings)
	im.SetEngine(projection.New(database, settings, nil, im, machine))
	return im, database, machine, repo
}

func newSource() *fakeSource {
	t0 := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return &fakeSource{
		order: []string{hashA, hashB},
		commits: map[string]*models.Commit{
			hashA: {Hash: hashA, AuthorIdentity: "Alice <alice@example.com>", CommittedAt: t0, Subject: "Add parser", Diff: "+parser\n"},
			hashB: {Hash: hashB, AuthorIdentity: "Alice <alice@example.com>", CommittedAt: t0.Add(time.Hour), Subject: "Fix aaaaaaaa1111 review", Diff: "+fix\n"},
		},
	}
}

func TestImportRangeCreatesPendingTopics(t *testing.T) {
	im, database, _, repo := newTestImporter(t, nil)
	ctx := context.Background()
	src := newSource()

	n, err := im.ImportRange(ctx, repo, src, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	last, err := database.GetLastCommitHash(ctx, repo.FullName)
	require.NoError(t, err)
	assert.Equal(t, hashB, last)

	topic, err := database.Queries().FindTopicByNonce(ctx, models.NonceNamespaceCommit, hashA)
	require.NoError(t, err)
	require.NotNil(t, topic)
	assert.Equal(t, "Add parser", topic.Title)
	assert.Equal(t, models.TopicKindCommit, topic.Kind)

	tags, err := database.Queries().TopicTags(ctx, topic.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"pending"}, tags)

	posts, err := database.Queries().ListPosts(ctx, topic.ID)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "Add parser\n\n```diff\n+parser\n```", posts[0].Body)

	n, err = im.ImportRange(ctx, repo, src, "HEAD")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImportRangeRestartsAfterRewrittenHistory(t *testing.T) {
	im, database, _, repo := newTestImporter(t, nil)
	ctx := context.Background()
	src := newSource()

	_, err := im.ImportRange(ctx, repo, src, "HEAD")
	require.NoError(t, err)

	// hashB was force-pushed away and replaced by hashC on top of hashA.
	hashC := "cccccccc" + strings.Repeat("3", 32)
	src.commits[hashC] = &models.Commit{Hash: hashC, AuthorIdentity: "Alice <alice@example.com>", CommittedAt: time.Now(), Subject: "Rewritten"}
	src.order = []string{hashA, hashC}

	n, err := im.ImportRange(ctx, repo, src, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	last, err := database.GetLastCommitHash(ctx, repo.FullName)
	require.NoError(t, err)
	assert.Equal(t, hashC, last)
}

func TestImportCommitLinksAndFollowsUp(t *testing.T) {
	im, database, machine, repo := newTestImporter(t, nil)
	ctx := context.Background()
	src := newSource()

	older, created, err := im.ImportCommit(ctx, repo, src.commits[hashA])
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, machine.Followup(ctx, older, "reviewer"))

	newer, created, err := im.ImportCommit(ctx, repo, src.commits[hashB])
	require.NoError(t, err)
	require.True(t, created)

	posts, err := database.Queries().ListPosts(ctx, newer.ID)
	require.NoError(t, err)
	assert.Contains(t, posts[0].Body, "[aaaaaaaa1111](/t/")

	tags, err := database.Queries().TopicTags(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"approved"}, tags)
}

func TestImportCommitRetriesFailedFollowUp(t *testing.T) {
	im, database, machine, repo := newTestImporter(t, nil)
	ctx := context.Background()
	src := newSource()

	older, _, err := im.ImportCommit(ctx, repo, src.commits[hashA])
	require.NoError(t, err)
	require.NoError(t, machine.Followup(ctx, older, "reviewer"))

	// Another worker holds the older topic.
	database.SetMutexTimeout(50 * time.Millisecond)
	lock := fmt.Sprintf("approval:topic:%d", older.ID)
	_, err = database.Exec(`INSERT INTO mutexes (name, owner, expires_at) VALUES (?, ?, ?)`,
		lock, "other-worker", time.Now().Add(time.Hour).UnixNano())
	require.NoError(t, err)

	_, created, err := im.ImportCommit(ctx, repo, src.commits[hashB])
	require.Error(t, err)
	assert.True(t, created)

	_, err = database.Exec(`DELETE FROM mutexes WHERE name = ?`, lock)
	require.NoError(t, err)

	_, created, err = im.ImportCommit(ctx, repo, src.commits[hashB])
	require.NoError(t, err)
	assert.False(t, created)

	tags, err := database.Queries().TopicTags(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"approved"}, tags)

	// Asking for another follow-up is not undone by importing the commit again.
	require.NoError(t, machine.Followup(ctx, older, "reviewer"))
	_, _, err = im.ImportCommit(ctx, repo, src.commits[hashB])
	require.NoError(t, err)

	tags, err = database.Queries().TopicTags(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"followup"}, tags)

	posts, err := database.Queries().ListPosts(ctx, older.ID)
	require.NoError(t, err)
	followedUp := 0
	for _, p := range posts {
		if p.ActionCode == models.ActionFollowedUp {
			followedUp++
		}
	}
	assert.Equal(t, 1, followedUp)
}

func TestResolveCommitFallsBackToGitHub(t *testing.T) {
	fetcher := &fakeFetcher{commit: &models.Commit{
		Hash:        hashA,
		AuthorLogin: "alice",
		CommittedAt: time.Now(),
		Subject:     "Remote commit",
		Diff:        "line one is long\nline two is long\n",
	}}
	im, _, _, repo := newTestImporter(t, fetcher)
	ctx := context.Background()

	topic, err := im.ResolveCommit(ctx, repo, hashA)
	require.NoError(t, err)
	assert.Equal(t, "Remote commit", topic.Title)

	again, err := im.ResolveCommit(ctx, repo, hashA)
	require.NoError(t, err)
	assert.Equal(t, topic.ID, again.ID)
	assert.Equal(t, 1, fetcher.calls)
}

func TestResolveCommitPrefersCheckout(t *testing.T) {
	fetcher := &fakeFetcher{}
	im, _, _, repo := newTestImporter(t, fetcher)
	im.AddCheckout(repo.FullName, newSource())

	topic, err := im.ResolveCommit(context.Background(), repo, hashB)
	require.NoError(t, err)
	assert.Equal(t, "Fix aaaaaaaa1111 review", topic.Title)
	assert.Zero(t, fetcher.calls)
}

func TestCommitBodyNotesTruncation(t *testing.T) {
	body := commitBody("msg", &models.Commit{Diff: "+a\n", DiffTruncated: true})
	assert.Equal(t, "msg\n\n```diff\n+a\n```\n\nThis diff was truncated.", body)
}

func TestTitleCutsOnRuneBoundary(t *testing.T) {
	got := title(&models.Commit{Subject: strings.Repeat("é", 200)})
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, 254)

	assert.Equal(t, hashA, title(&models.Commit{Hash: hashA, Subject: "  "}))
}
