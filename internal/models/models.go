package models

import (
	"time"
)

// Repository represents a GitHub repository
type Repository struct {
	ID       int64
	Owner    string
	Name     string
	FullName string
}

// User represents a local user, keyed by GitHub login
type User struct {
	ID    int64
	Login string
}

// TopicKind says what remote entity a topic mirrors
type TopicKind string

const (
	TopicKindCommit      TopicKind = "commit"
	TopicKindPullRequest TopicKind = "pull_request"
)

// Nonce namespaces for topics
const (
	NonceNamespaceCommit      = "commit"
	NonceNamespacePullRequest = "pull_request"
)

// Topic is one mirrored commit or pull request
type Topic struct {
	ID             int64
	RepositoryID   int64
	Kind           TopicKind
	Title          string
	UserID         int64
	Closed         bool
	NonceNamespace string
	Nonce          string
	CommitHash     string
	PRNumber       int
	CreatedAt      time.Time
}

// PostType distinguishes regular posts from status updates
type PostType string

const (
	PostTypeRegular     PostType = "regular"
	PostTypeSmallAction PostType = "small_action"
)

// Action codes used on small action posts
const (
	ActionClosed     = "closed.enabled"
	ActionReopened   = "closed.disabled"
	ActionMerged     = "merged"
	ActionRenamed    = "renamed"
	ActionApproved   = "approved"
	ActionFollowup   = "followup"
	ActionFollowedUp = "followed_up"
	ActionMergeInfo  = "merge_info"
	ActionCommitLink = "commit_link"
)

// Post belongs to a topic. Nonce and ThreadID are empty when unset.
type Post struct {
	ID                int64
	TopicID           int64
	PostNumber        int
	UserID            int64
	Body              string
	PostType          PostType
	ActionCode        string
	ReplyToPostNumber int
	Nonce             string
	ThreadID          string
	CreatedAt         time.Time
}

// Notification types
const (
	NotificationCommitApproved = "commit_approved"
)

// Notification is a consolidated message to a local user
type Notification struct {
	ID        int64
	UserID    int64
	TopicID   int64
	Type      string
	Count     int
	Data      string
	Read      bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Commit is a commit read from git or GitHub
type Commit struct {
	Hash           string
	AuthorIdentity string
	AuthorLogin    string
	CommittedAt    time.Time
	Subject        string
	Body           string
	Diff           string
	DiffTruncated  bool
}

// PullRequest is the data needed to create a pull request topic
type PullRequest struct {
	RemoteID    string
	Number      int
	Title       string
	Body        string
	AuthorLogin string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MergeInfo lists who approved and merged a pull request
type MergeInfo struct {
	Approvers []string
	MergedBy  string
}

// SyncMetadata tracks the last successful sync for a repository
type SyncMetadata struct {
	Repository     string
	LastSyncTime   time.Time
	LastCommitHash string
}
