package timeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wesm/github-review-mirror/internal/errs"
	"github.com/wesm/github-review-mirror/internal/events"
	"github.com/wesm/github-review-mirror/internal/stream"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return base.Add(time.Duration(minutes) * time.Minute) }

// fakeSource serves pages keyed by cursor and counts requests.
type fakeSource struct {
	timeline      map[string]stream.Page[TimelineItem]
	commitThreads map[string]stream.Page[CommitThread]
	reviewThreads map[string]stream.Page[events.CommentThreadRef]
	first         map[string]stream.Page[ThreadComment]
	comments      map[string]map[string]stream.Page[ThreadComment]

	timelineErr error
	calls       map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		timeline:      map[string]stream.Page[TimelineItem]{},
		commitThreads: map[string]stream.Page[CommitThread]{},
		reviewThreads: map[string]stream.Page[events.CommentThreadRef]{},
		first:         map[string]stream.Page[ThreadComment]{},
		comments:      map[string]map[string]stream.Page[ThreadComment]{},
		calls:         map[string]int{},
	}
}

func (f *fakeSource) TimelineItems(ctx context.Context, pr events.PullRequestRef, cursor string) (stream.Page[TimelineItem], error) {
	f.calls["timeline"]++
	if f.timelineErr != nil {
		return stream.Page[TimelineItem]{}, f.timelineErr
	}
	return f.timeline[cursor], nil
}

func (f *fakeSource) CommitThreads(ctx context.Context, pr events.PullRequestRef, cursor string) (stream.Page[CommitThread], error) {
	f.calls["commit_threads"]++
	return f.commitThreads[cursor], nil
}

func (f *fakeSource) ReviewThreads(ctx context.Context, pr events.PullRequestRef, cursor string) (stream.Page[events.CommentThreadRef], error) {
	f.calls["review_threads"]++
	return f.reviewThreads[cursor], nil
}

func (f *fakeSource) FirstComment(ctx context.Context, thread events.CommentThreadRef) (stream.Page[ThreadComment], error) {
	f.calls["first:"+thread.RemoteID]++
	return f.first[thread.RemoteID], nil
}

func (f *fakeSource) ThreadComments(ctx context.Context, thread events.CommentThreadRef, cursor string) (stream.Page[ThreadComment], error) {
	f.calls["comments:"+thread.RemoteID+"@"+cursor]++
	return f.comments[thread.RemoteID][cursor], nil
}

var pr = events.PullRequestRef{Owner: "acme", Repo: "widgets", Number: 7}

func remoteIDs(envs []events.Envelope) []string {
	ids := make([]string, len(envs))
	for i, e := range envs {
		ids[i] = e.RemoteID
	}
	return ids
}

func TestAssembleMergesAllSourcesChronologically(t *testing.T) {
	src := newFakeSource()
	src.timeline[""] = stream.Page[TimelineItem]{
		Items: []TimelineItem{
			{RemoteID: "IC_1", Actor: "alice", CreatedAt: at(1), Typename: TypeIssueComment, Body: "hello"},
			{RemoteID: "RT_1", Actor: "alice", CreatedAt: at(4), Typename: TypeRenamedTitleEvent, PreviousTitle: "a", NewTitle: "b"},
		},
		Cursor:      "t1",
		HasNextPage: true,
	}
	src.timeline["t1"] = stream.Page[TimelineItem]{
		Items: []TimelineItem{
			{RemoteID: "CE_1", Actor: "bob", CreatedAt: at(9), Typename: TypeClosedEvent},
		},
	}
	src.commitThreads[""] = stream.Page[CommitThread]{
		Items: []CommitThread{
			{RemoteID: "CT_1", CommitHash: "abc123", Actor: "carol", CreatedAt: at(3)},
		},
	}
	src.reviewThreads[""] = stream.Page[events.CommentThreadRef]{
		Items: []events.CommentThreadRef{{RemoteID: "PRRT_1"}},
	}
	src.first["PRRT_1"] = stream.Page[ThreadComment]{
		Items:       []ThreadComment{{RemoteID: "RC_1", Actor: "dave", Body: "nit", DiffHunk: "@@ -1 +1 @@", CreatedAt: at(2)}},
		Cursor:      "c1",
		HasNextPage: true,
	}
	src.comments["PRRT_1"] = map[string]stream.Page[ThreadComment]{
		"c1": {Items: []ThreadComment{
			{RemoteID: "RC_2", Actor: "alice", Body: "fixed", CreatedAt: at(5)},
			{RemoteID: "RC_3", Actor: "dave", Body: "thanks", CreatedAt: at(8)},
		}},
	}

	envs, err := stream.Collect(context.Background(), NewAssembler(src).Assemble(pr))
	require.NoError(t, err)
	assert.Equal(t, []string{"IC_1", "RC_1", "CT_1", "RT_1", "RC_2", "RC_3", "CE_1"}, remoteIDs(envs))

	started, ok := envs[1].Event.(events.ReviewThreadStarted)
	require.True(t, ok)
	assert.Equal(t, "PRRT_1", started.ThreadID)
	assert.Equal(t, "@@ -1 +1 @@", started.Context)

	reply, ok := envs[4].Event.(events.ReviewComment)
	require.True(t, ok)
	assert.Equal(t, "RC_1", reply.ReplyToRemoteID)
	reply, ok = envs[5].Event.(events.ReviewComment)
	require.True(t, ok)
	assert.Equal(t, "RC_2", reply.ReplyToRemoteID)

	assert.Equal(t, events.RenamedTitle{PreviousTitle: "a", NewTitle: "b"}, envs[3].Event)
	assert.Equal(t, events.CommitThreadStarted{CommitHash: "abc123"}, envs[2].Event)
}

func TestAssembleIsLazy(t *testing.T) {
	src := newFakeSource()
	it := NewAssembler(src).Assemble(pr)
	assert.Empty(t, src.calls)

	_, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, src.calls["review_threads"])
}

func TestAssembleFetchesRepliesOnlyWhenReached(t *testing.T) {
	src := newFakeSource()
	src.timeline[""] = stream.Page[TimelineItem]{
		Items: []TimelineItem{
			{RemoteID: "IC_1", Actor: "alice", CreatedAt: at(1), Typename: TypeIssueComment},
			{RemoteID: "IC_2", Actor: "alice", CreatedAt: at(10), Typename: TypeIssueComment},
		},
	}
	src.reviewThreads[""] = stream.Page[events.CommentThreadRef]{
		Items: []events.CommentThreadRef{{RemoteID: "T"}},
	}
	src.first["T"] = stream.Page[ThreadComment]{
		Items:       []ThreadComment{{RemoteID: "R1", Actor: "bob", CreatedAt: at(2)}},
		Cursor:      "after-r1",
		HasNextPage: true,
	}
	src.comments["T"] = map[string]stream.Page[ThreadComment]{
		"after-r1": {Items: []ThreadComment{{RemoteID: "R2", Actor: "bob", CreatedAt: at(5)}}},
	}

	ctx := context.Background()
	it := NewAssembler(src).Assemble(pr)

	env, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "IC_1", env.RemoteID)
	assert.Equal(t, 1, src.calls["first:T"])
	assert.Zero(t, src.calls["comments:T@after-r1"])

	env, _, err = it.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "R1", env.RemoteID)

	env, _, err = it.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "R2", env.RemoteID)
	assert.Equal(t, 1, src.calls["comments:T@after-r1"])
}

func TestAssembleSkipsThreadWithoutComments(t *testing.T) {
	src := newFakeSource()
	src.reviewThreads[""] = stream.Page[events.CommentThreadRef]{
		Items: []events.CommentThreadRef{{RemoteID: "gone"}},
	}

	envs, err := stream.Collect(context.Background(), NewAssembler(src).Assemble(pr))
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestFirstThreadPerCommitKeepsEarliest(t *testing.T) {
	envs, err := firstThreadPerCommit([]CommitThread{
		{RemoteID: "late", CommitHash: "aaa", Actor: "x", CreatedAt: at(9)},
		{RemoteID: "other", CommitHash: "bbb", Actor: "x", CreatedAt: at(5)},
		{RemoteID: "early", CommitHash: "aaa", Actor: "x", CreatedAt: at(1)},
		{RemoteID: "tie", CommitHash: "aaa", Actor: "x", CreatedAt: at(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "other"}, remoteIDs(envs))
}

func TestAssembleRejectsUnknownTypename(t *testing.T) {
	src := newFakeSource()
	src.timeline[""] = stream.Page[TimelineItem]{
		Items: []TimelineItem{{RemoteID: "X_1", CreatedAt: at(1), Typename: "LabeledEvent"}},
	}

	_, err := stream.Collect(context.Background(), NewAssembler(src).Assemble(pr))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrMalformedRemoteData)
}

func TestToEnvelopeValidation(t *testing.T) {
	tests := []struct {
		name string
		item TimelineItem
	}{
		{"missing id", TimelineItem{CreatedAt: at(1), Typename: TypeClosedEvent}},
		{"missing time", TimelineItem{RemoteID: "CE", Typename: TypeClosedEvent}},
		{"empty rename", TimelineItem{RemoteID: "RT", CreatedAt: at(1), Typename: TypeRenamedTitleEvent}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := toEnvelope(tt.item)
			assert.ErrorIs(t, err, errs.ErrMalformedRemoteData)
		})
	}
}

func TestToEnvelopeGhostActor(t *testing.T) {
	env, err := toEnvelope(TimelineItem{RemoteID: "ME", CreatedAt: at(1), Typename: TypeMergedEvent, MergeCommitHash: "deadbeef"})
	require.NoError(t, err)
	assert.Equal(t, GhostLogin, env.Actor.Login)
	assert.Equal(t, events.Merged{MergeCommitHash: "deadbeef"}, env.Event)
}

func TestAssemblePropagatesRemoteErrors(t *testing.T) {
	src := newFakeSource()
	src.timelineErr = &errs.RemoteUnavailableError{Op: "timeline", Err: errors.New("502")}

	_, err := stream.Collect(context.Background(), NewAssembler(src).Assemble(pr))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrRemoteUnavailable)
}
