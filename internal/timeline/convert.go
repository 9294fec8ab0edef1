package timeline

import (
	"fmt"
	"time"

	"github.com/wesm/github-review-mirror/internal/errs"
	"github.com/wesm/github-review-mirror/internal/events"
)

func actorOf(login string) events.Actor {
	if login == "" {
		return events.Actor{Login: GhostLogin}
	}
	return events.Actor{Login: login}
}

func checkProvenance(remoteID, what string, createdAt time.Time) error {
	if remoteID == "" {
		return errs.Malformed("", "id", "missing on "+what)
	}
	if createdAt.IsZero() {
		return errs.Malformed(remoteID, "createdAt", "missing")
	}
	return nil
}

// toEnvelope converts a raw timeline item into an envelope.
func toEnvelope(item TimelineItem) (events.Envelope, error) {
	if err := checkProvenance(item.RemoteID, "timeline item "+item.Typename, item.CreatedAt); err != nil {
		return events.Envelope{}, err
	}

	var event events.RemoteEvent
	switch item.Typename {
	case TypeIssueComment:
		event = events.IssueComment{Body: item.Body}
	case TypeClosedEvent:
		event = events.Closed{}
	case TypeReopenedEvent:
		event = events.Reopened{}
	case TypeMergedEvent:
		event = events.Merged{MergeCommitHash: item.MergeCommitHash}
	case TypeRenamedTitleEvent:
		if item.NewTitle == "" {
			return events.Envelope{}, errs.Malformed(item.RemoteID, "currentTitle", "empty title on rename")
		}
		event = events.RenamedTitle{PreviousTitle: item.PreviousTitle, NewTitle: item.NewTitle}
	default:
		return events.Envelope{}, errs.Malformed(item.RemoteID, "__typename", fmt.Sprintf("unexpected timeline item type %q", item.Typename))
	}

	return events.Envelope{
		RemoteID:   item.RemoteID,
		Actor:      actorOf(item.Actor),
		OccurredAt: item.CreatedAt,
		Event:      event,
	}, nil
}

func commitThreadEnvelope(t CommitThread) (events.Envelope, error) {
	if err := checkProvenance(t.RemoteID, "commit thread", t.CreatedAt); err != nil {
		return events.Envelope{}, err
	}
	if t.CommitHash == "" {
		return events.Envelope{}, errs.Malformed(t.RemoteID, "commit.oid", "missing")
	}
	return events.Envelope{
		RemoteID:   t.RemoteID,
		Actor:      actorOf(t.Actor),
		OccurredAt: t.CreatedAt,
		Event:      events.CommitThreadStarted{CommitHash: t.CommitHash},
	}, nil
}

func threadStartedEnvelope(thread events.CommentThreadRef, c ThreadComment) (events.Envelope, error) {
	if err := checkProvenance(c.RemoteID, "review comment", c.CreatedAt); err != nil {
		return events.Envelope{}, err
	}
	return events.Envelope{
		RemoteID:   c.RemoteID,
		Actor:      actorOf(c.Actor),
		OccurredAt: c.CreatedAt,
		Event: events.ReviewThreadStarted{
			ThreadID: thread.RemoteID,
			Body:     c.Body,
			Context:  c.DiffHunk,
		},
	}, nil
}

func replyEnvelope(thread events.CommentThreadRef, c ThreadComment, replyTo string) (events.Envelope, error) {
	if err := checkProvenance(c.RemoteID, "review comment", c.CreatedAt); err != nil {
		return events.Envelope{}, err
	}
	return events.Envelope{
		RemoteID:   c.RemoteID,
		Actor:      actorOf(c.Actor),
		OccurredAt: c.CreatedAt,
		Event: events.ReviewComment{
			ThreadID:        thread.RemoteID,
			Body:            c.Body,
			ReplyToRemoteID: replyTo,
		},
	}, nil
}
