// Package events models the remote activity that gets mirrored locally.
//
// RemoteEvent is a sealed interface: only the variants in this file implement it.
// Code that consumes events does so through a Visitor, so adding a variant is a
// compile error until every visitor handles it.
package events

import (
	"fmt"
	"time"
)

// RemoteEvent is one remote happening on a pull request.
type RemoteEvent interface {
	// isRemoteEvent seals the interface to prevent external implementations.
	isRemoteEvent()

	// Accept dispatches to the matching Visitor method.
	Accept(v Visitor) error
}

// Visitor handles every RemoteEvent variant.
type Visitor interface {
	VisitClosed(Closed) error
	VisitReopened(Reopened) error
	VisitMerged(Merged) error
	VisitIssueComment(IssueComment) error
	VisitCommitThreadStarted(CommitThreadStarted) error
	VisitReviewThreadStarted(ReviewThreadStarted) error
	VisitReviewComment(ReviewComment) error
	VisitRenamedTitle(RenamedTitle) error
}

// Ensure all event types implement RemoteEvent.
func (Closed) isRemoteEvent()              {}
func (Reopened) isRemoteEvent()            {}
func (Merged) isRemoteEvent()              {}
func (IssueComment) isRemoteEvent()        {}
func (CommitThreadStarted) isRemoteEvent() {}
func (ReviewThreadStarted) isRemoteEvent() {}
func (ReviewComment) isRemoteEvent()       {}
func (RenamedTitle) isRemoteEvent()        {}

// Closed is emitted when the pull request is closed without merging.
type Closed struct{}

// Reopened is emitted when a closed pull request is reopened.
type Reopened struct{}

// Merged is emitted when the pull request is merged. MergeCommitHash is empty
// when GitHub did not report the merge commit.
type Merged struct {
	MergeCommitHash string
}

// IssueComment is a top-level conversation comment.
type IssueComment struct {
	Body string
}

// CommitThreadStarted marks the first discussion on a commit of the pull request.
type CommitThreadStarted struct {
	CommitHash string
}

// ReviewThreadStarted is the first comment of a review thread. Context holds
// the diff hunk the thread is anchored to, if any.
type ReviewThreadStarted struct {
	ThreadID string
	Body     string
	Context  string
}

// ReviewComment is a reply inside a review thread. ReplyToRemoteID is the
// remote id of the previous comment in the same thread.
type ReviewComment struct {
	ThreadID        string
	Body            string
	ReplyToRemoteID string
}

// RenamedTitle records a pull request title change.
type RenamedTitle struct {
	PreviousTitle string
	NewTitle      string
}

func (e Closed) Accept(v Visitor) error              { return v.VisitClosed(e) }
func (e Reopened) Accept(v Visitor) error            { return v.VisitReopened(e) }
func (e Merged) Accept(v Visitor) error              { return v.VisitMerged(e) }
func (e IssueComment) Accept(v Visitor) error        { return v.VisitIssueComment(e) }
func (e CommitThreadStarted) Accept(v Visitor) error { return v.VisitCommitThreadStarted(e) }
func (e ReviewThreadStarted) Accept(v Visitor) error { return v.VisitReviewThreadStarted(e) }
func (e ReviewComment) Accept(v Visitor) error       { return v.VisitReviewComment(e) }
func (e RenamedTitle) Accept(v Visitor) error        { return v.VisitRenamedTitle(e) }

// Actor identifies who caused an event on the remote side.
type Actor struct {
	Login string
}

// Envelope is a RemoteEvent plus its provenance. RemoteID is globally unique
// and is used as the idempotency nonce during projection.
type Envelope struct {
	RemoteID   string
	Actor      Actor
	OccurredAt time.Time
	Event      RemoteEvent
}

// Before orders envelopes by occurrence time.
func Before(a, b Envelope) bool {
	return a.OccurredAt.Before(b.OccurredAt)
}

// PullRequestRef identifies one pull request.
type PullRequestRef struct {
	Owner  string
	Repo   string
	Number int
}

// String renders the ref as owner/repo#number.
func (r PullRequestRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

// FullName returns owner/repo.
func (r PullRequestRef) FullName() string {
	return r.Owner + "/" + r.Repo
}

// CommentThreadRef identifies a review or commit discussion thread.
type CommentThreadRef struct {
	RemoteID string
}
