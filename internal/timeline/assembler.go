// Package timeline assembles the ordered event stream of one pull request
// from the remote sources that describe it.
package timeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/wesm/github-review-mirror/internal/events"
	"github.com/wesm/github-review-mirror/internal/stream"
)

// Assembler merges a pull request's timeline, commit threads and review
// threads into one stream ordered by occurrence time.
type Assembler struct {
	source Source
}

// NewAssembler creates an assembler reading from source.
func NewAssembler(source Source) *Assembler {
	return &Assembler{source: source}
}

// Assemble returns the pull request's events in ascending OccurredAt order.
// No remote request is made until the first element is pulled.
func (a *Assembler) Assemble(pr events.PullRequestRef) stream.Iterator[events.Envelope] {
	return stream.Lazy(func(ctx context.Context) (stream.Iterator[events.Envelope], error) {
		threads, err := stream.Collect(ctx, stream.Paginate(func(ctx context.Context, cursor string) (stream.Page[events.CommentThreadRef], error) {
			return a.source.ReviewThreads(ctx, pr, cursor)
		}))
		if err != nil {
			return nil, fmt.Errorf("failed to list review threads of %s: %w", pr, err)
		}

		log.Debug().Str("pr", pr.String()).Int("review_threads", len(threads)).Msg("Assembling timeline")

		inputs := make([]stream.Iterator[events.Envelope], 0, len(threads)+2)
		inputs = append(inputs, a.timelineEvents(pr), a.commitThreadEvents(pr))
		for _, thread := range threads {
			inputs = append(inputs, a.reviewThreadEvents(thread))
		}
		return stream.Merge(events.Before, inputs...), nil
	})
}

func (a *Assembler) timelineEvents(pr events.PullRequestRef) stream.Iterator[events.Envelope] {
	items := stream.Paginate(func(ctx context.Context, cursor string) (stream.Page[TimelineItem], error) {
		page, err := a.source.TimelineItems(ctx, pr, cursor)
		if err != nil {
			return page, fmt.Errorf("failed to fetch timeline of %s: %w", pr, err)
		}
		return page, nil
	})
	return stream.Map(items, toEnvelope)
}

// commitThreadEvents yields one CommitThreadStarted per commit. The full list
// is needed to pick the earliest thread of each commit, so it is fetched on
// the first pull.
func (a *Assembler) commitThreadEvents(pr events.PullRequestRef) stream.Iterator[events.Envelope] {
	return stream.Lazy(func(ctx context.Context) (stream.Iterator[events.Envelope], error) {
		threads, err := stream.Collect(ctx, stream.Paginate(func(ctx context.Context, cursor string) (stream.Page[CommitThread], error) {
			return a.source.CommitThreads(ctx, pr, cursor)
		}))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch commit threads of %s: %w", pr, err)
		}
		envs, err := firstThreadPerCommit(threads)
		if err != nil {
			return nil, err
		}
		return stream.FromSlice(envs), nil
	})
}

// firstThreadPerCommit keeps the earliest thread of every commit, breaking
// ties by the order GitHub returned them in.
func firstThreadPerCommit(threads []CommitThread) ([]events.Envelope, error) {
	sorted := append([]CommitThread(nil), threads...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	seen := make(map[string]bool, len(sorted))
	envs := make([]events.Envelope, 0, len(sorted))
	for _, t := range sorted {
		env, err := commitThreadEnvelope(t)
		if err != nil {
			return nil, err
		}
		if seen[t.CommitHash] {
			continue
		}
		seen[t.CommitHash] = true
		envs = append(envs, env)
	}
	return envs, nil
}

// reviewThreadEvents yields the thread's first comment, then its replies.
// Replies are only fetched once iteration reaches them, and each one points
// at the comment before it.
func (a *Assembler) reviewThreadEvents(thread events.CommentThreadRef) stream.Iterator[events.Envelope] {
	var (
		prevID string
		rest   stream.Page[ThreadComment]
	)

	first := stream.Lazy(func(ctx context.Context) (stream.Iterator[events.Envelope], error) {
		page, err := a.source.FirstComment(ctx, thread)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch first comment of thread %s: %w", thread.RemoteID, err)
		}
		if len(page.Items) == 0 {
			// Deleted or inaccessible thread.
			return stream.Empty[events.Envelope](), nil
		}
		env, err := threadStartedEnvelope(thread, page.Items[0])
		if err != nil {
			return nil, err
		}
		prevID = env.RemoteID
		rest = page
		return stream.FromSlice([]events.Envelope{env}), nil
	})

	replies := stream.Lazy(func(ctx context.Context) (stream.Iterator[events.Envelope], error) {
		if prevID == "" || !rest.HasNextPage {
			return stream.Empty[events.Envelope](), nil
		}
		comments := stream.Paginate(func(ctx context.Context, cursor string) (stream.Page[ThreadComment], error) {
			if cursor == "" {
				cursor = rest.Cursor
			}
			page, err := a.source.ThreadComments(ctx, thread, cursor)
			if err != nil {
				return page, fmt.Errorf("failed to fetch comments of thread %s: %w", thread.RemoteID, err)
			}
			return page, nil
		})
		return stream.Map(comments, func(c ThreadComment) (events.Envelope, error) {
			env, err := replyEnvelope(thread, c, prevID)
			if err != nil {
				return env, err
			}
			prevID = env.RemoteID
			return env, nil
		}), nil
	})

	return stream.Concat(first, replies)
}
