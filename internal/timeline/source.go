package timeline

import (
	"context"
	"time"

	"github.com/wesm/github-review-mirror/internal/events"
	"github.com/wesm/github-review-mirror/internal/stream"
)

// Timeline item typenames as reported by GitHub.
const (
	TypeIssueComment      = "IssueComment"
	TypeClosedEvent       = "ClosedEvent"
	TypeReopenedEvent     = "ReopenedEvent"
	TypeMergedEvent       = "MergedEvent"
	TypeRenamedTitleEvent = "RenamedTitleEvent"
)

// GhostLogin stands in for actors whose account no longer exists.
const GhostLogin = "ghost"

// TimelineItem is one raw entry of a pull request timeline. Which payload
// fields are set depends on Typename.
type TimelineItem struct {
	RemoteID  string
	Actor     string
	CreatedAt time.Time
	Typename  string

	Body            string
	PreviousTitle   string
	NewTitle        string
	MergeCommitHash string
}

// CommitThread is a discussion attached to one commit of a pull request.
type CommitThread struct {
	RemoteID   string
	CommitHash string
	Actor      string
	CreatedAt  time.Time
}

// ThreadComment is one comment of a review thread.
type ThreadComment struct {
	RemoteID  string
	Actor     string
	Body      string
	DiffHunk  string
	CreatedAt time.Time
}

// Source is the remote query service the assembler reads from. Every method
// follows the same cursor protocol; an empty cursor requests the first page.
type Source interface {
	TimelineItems(ctx context.Context, pr events.PullRequestRef, cursor string) (stream.Page[TimelineItem], error)
	CommitThreads(ctx context.Context, pr events.PullRequestRef, cursor string) (stream.Page[CommitThread], error)
	ReviewThreads(ctx context.Context, pr events.PullRequestRef, cursor string) (stream.Page[events.CommentThreadRef], error)

	// FirstComment returns a page holding at most the thread's first comment.
	// Its cursor and HasNextPage describe the remaining comments.
	FirstComment(ctx context.Context, thread events.CommentThreadRef) (stream.Page[ThreadComment], error)

	// ThreadComments returns the comments of a thread after cursor.
	ThreadComments(ctx context.Context, thread events.CommentThreadRef, cursor string) (stream.Page[ThreadComment], error)
}
