package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wesm/github-review-mirror/internal/commits"
	"github.com/wesm/github-review-mirror/internal/db"
	"github.com/wesm/github-review-mirror/internal/errs"
	"github.com/wesm/github-review-mirror/internal/events"
	"github.com/wesm/github-review-mirror/internal/models"
	"github.com/wesm/github-review-mirror/internal/projection"
	"github.com/wesm/github-review-mirror/internal/timeline"
	"golang.org/x/sync/errgroup"
)

const (
	maxWorkers          = 10
	maxRateLimitPause   = 15 * time.Minute
	maxRateLimitRetries = 3
	progressInterval    = 5 * time.Second
)

// RepositorySource lists what changed in a repository.
type RepositorySource interface {
	GetRepository(ctx context.Context, owner, name string) (*models.Repository, error)
	ListPullRequests(ctx context.Context, owner, name string, since time.Time) ([]*models.PullRequest, error)
}

// PullRequestSource is the remote query service a pull request is read from.
type PullRequestSource interface {
	timeline.Source
	PullRequestData(ctx context.Context, pr events.PullRequestRef) (*models.PullRequest, error)
}

// Syncer mirrors repositories into the local database
type Syncer struct {
	db        *db.DB
	repos     RepositorySource
	remote    PullRequestSource
	engine    *projection.Engine
	importer  *commits.Importer
	assembler *timeline.Assembler
	checkouts map[string]commits.Source
	pause     *pauser
	// Default number of workers for parallel processing
	workers int
}

// New creates a new syncer
func New(database *db.DB, repos RepositorySource, remote PullRequestSource, engine *projection.Engine, importer *commits.Importer) *Syncer {
	return &Syncer{
		db:        database,
		repos:     repos,
		remote:    remote,
		engine:    engine,
		importer:  importer,
		assembler: timeline.NewAssembler(remote),
		checkouts: make(map[string]commits.Source),
		pause:     &pauser{now: time.Now},
		workers:   5,
	}
}

// SetWorkers sets the number of parallel workers
func (s *Syncer) SetWorkers(workers int) {
	if workers < 1 {
		workers = 1
	}
	if workers > maxWorkers {
		workers = maxWorkers // Cap to avoid overwhelming the GitHub API
	}
	s.workers = workers
}

// AddCheckout registers a local checkout of fullName. Commits are imported
// from it before pull requests are synced, and merged commits are read from
// it instead of the API.
func (s *Syncer) AddCheckout(fullName string, src commits.Source) {
	s.checkouts[fullName] = src
	s.importer.AddCheckout(fullName, src)
}

// Repository returns the stored repository, fetching it from GitHub the first
// time it is seen.
func (s *Syncer) Repository(ctx context.Context, owner, name string) (*models.Repository, error) {
	fullName := owner + "/" + name
	repo, err := s.db.GetRepositoryByFullName(ctx, fullName)
	if err != nil {
		return nil, err
	}
	if repo != nil {
		return repo, nil
	}

	repo, err = s.repos.GetRepository(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get repository %s: %w", fullName, err)
	}
	if err := s.db.SaveRepository(ctx, repo); err != nil {
		return nil, fmt.Errorf("failed to save repository %s: %w", fullName, err)
	}
	return repo, nil
}

// SyncRepository imports new commits from the repository's checkout, if any,
// then mirrors every pull request updated since the last sync.
func (s *Syncer) SyncRepository(ctx context.Context, owner, name string) error {
	fullName := fmt.Sprintf("%s/%s", owner, name)

	repo, err := s.Repository(ctx, owner, name)
	if err != nil {
		return err
	}

	if src, ok := s.checkouts[fullName]; ok {
		if _, err := s.ImportCommits(ctx, repo, src, "HEAD"); err != nil {
			return err
		}
	}

	lastSyncTime, err := s.db.GetLastSyncTime(ctx, fullName)
	if err != nil {
		return fmt.Errorf("failed to get last sync time for %s: %w", fullName, err)
	}
	// Anything updated while this sync runs is picked up by the next one.
	startTime := time.Now()

	log.Info().Str("repo", fullName).Time("last_sync", lastSyncTime).Msg("Syncing repository")

	prs, err := s.repos.ListPullRequests(ctx, owner, name, lastSyncTime)
	if err != nil {
		return fmt.Errorf("failed to list pull requests for %s: %w", fullName, err)
	}

	total := len(prs)
	log.Info().Str("repo", fullName).Int("pull_requests", total).Msg("Found pull requests updated since last sync")

	if total > 0 {
		log.Info().Int("workers", s.workers).Msg("Processing pull requests")

		var (
			progressMutex      sync.Mutex
			processed          int
			lastProgressUpdate = time.Now()
		)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.workers)
		for _, pr := range prs {
			pr := pr
			g.Go(func() error {
				if err := s.syncWithPause(gctx, repo, pr.Number); err != nil {
					return fmt.Errorf("pull request #%d: %w", pr.Number, err)
				}

				progressMutex.Lock()
				defer progressMutex.Unlock()
				processed++
				if processed == 1 || processed == total || time.Since(lastProgressUpdate) >= progressInterval {
					log.Info().
						Str("repo", fullName).
						Msgf("Progress: %d/%d pull requests (%.1f%%)", processed, total, float64(processed)/float64(total)*100.0)
					lastProgressUpdate = time.Now()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("failed to sync %s: %w", fullName, err)
		}
	}

	if err := s.db.UpdateLastSyncTime(ctx, fullName, startTime); err != nil {
		return fmt.Errorf("failed to update last sync time for %s: %w", fullName, err)
	}

	log.Info().Str("repo", fullName).Int("pull_requests", total).Msg("Successfully synced repository")
	return nil
}

// syncWithPause syncs one pull request. A rate limit pauses every worker
// until the quota resets and the pull request is tried again.
func (s *Syncer) syncWithPause(ctx context.Context, repo *models.Repository, number int) error {
	for attempt := 0; ; attempt++ {
		if err := s.pause.wait(ctx); err != nil {
			return err
		}

		err := s.SyncPullRequest(ctx, repo, number)
		var rateLimitErr *errs.RateLimitError
		if err == nil || !errors.As(err, &rateLimitErr) || attempt >= maxRateLimitRetries {
			return err
		}
		s.pause.until(rateLimitErr)
	}
}

// SyncPullRequest ensures the topic of a pull request exists and projects
// its whole timeline onto it.
func (s *Syncer) SyncPullRequest(ctx context.Context, repo *models.Repository, number int) error {
	ref := events.PullRequestRef{Owner: repo.Owner, Repo: repo.Name, Number: number}

	data, err := s.remote.PullRequestData(ctx, ref)
	if err != nil {
		return err
	}
	if data.RemoteID == "" {
		return errs.Malformed("", "id", "pull request "+ref.String()+" without remote id")
	}

	topic, created, err := s.engine.EnsureTopicWithNonce(ctx, models.NonceNamespacePullRequest, data.RemoteID, projection.TopicSpec{
		RepositoryID: repo.ID,
		Kind:         models.TopicKindPullRequest,
		Title:        data.Title,
		AuthorLogin:  authorOf(data),
		PRNumber:     data.Number,
		CreatedAt:    data.CreatedAt,
		Body:         data.Body,
	})
	if err != nil {
		return err
	}
	if created {
		log.Debug().Str("pr", ref.String()).Int64("topic", topic.ID).Msg("Created pull request topic")
	}

	it := s.assembler.Assemble(ref)
	projected := 0
	for {
		env, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := s.engine.Project(ctx, env, topic); err != nil {
			return err
		}
		projected++
	}

	log.Debug().Str("pr", ref.String()).Int("events", projected).Msg("Projected pull request")
	return nil
}

// ImportCommits imports the commits on ref from a local checkout that are
// newer than the last imported one.
func (s *Syncer) ImportCommits(ctx context.Context, repo *models.Repository, src commits.Source, ref string) (int, error) {
	imported, err := s.importer.ImportRange(ctx, repo, src, ref)
	if err != nil {
		return imported, fmt.Errorf("failed to import commits of %s: %w", repo.FullName, err)
	}
	log.Info().Str("repo", repo.FullName).Int("imported", imported).Msg("Imported commits")
	return imported, nil
}

func authorOf(pr *models.PullRequest) string {
	if pr.AuthorLogin == "" {
		return timeline.GhostLogin
	}
	return pr.AuthorLogin
}

// pauser holds back workers while the remote quota is exhausted.
type pauser struct {
	mu       sync.Mutex
	resumeAt time.Time
	now      func() time.Time
}

func (p *pauser) until(err *errs.RateLimitError) {
	d := err.RetryAfter(p.now())
	if d > maxRateLimitPause {
		d = maxRateLimitPause
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	resumeAt := p.now().Add(d)
	if resumeAt.After(p.resumeAt) {
		p.resumeAt = resumeAt
		log.Warn().
			Time("reset", err.ResetTime).
			Dur("wait", d.Round(time.Second)).
			Msg("Rate limit detected, pausing workers")
	}
}

func (p *pauser) wait(ctx context.Context) error {
	p.mu.Lock()
	d := p.resumeAt.Sub(p.now())
	p.mu.Unlock()
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ParseRepositoryString parses a repository string in the format "owner/name"
func ParseRepositoryString(repoStr string) (string, string, error) {
	parts := strings.Split(repoStr, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", repoStr)
	}
	return parts[0], parts[1], nil
}
