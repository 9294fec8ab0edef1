// Package commits mirrors commits as topics awaiting review.
package commits

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/wesm/github-review-mirror/config"
	"github.com/wesm/github-review-mirror/internal/approval"
	"github.com/wesm/github-review-mirror/internal/db"
	"github.com/wesm/github-review-mirror/internal/gitrepo"
	"github.com/wesm/github-review-mirror/internal/models"
	"github.com/wesm/github-review-mirror/internal/projection"
	"github.com/wesm/github-review-mirror/internal/shalink"
)

// maxTitleLength bounds topic titles built from commit subjects.
const maxTitleLength = 255

// Source reads commits from a local checkout.
type Source interface {
	CommitsSince(ctx context.Context, since, ref string) ([]string, error)
	Commit(ctx context.Context, hash string) (*models.Commit, error)
	RefExists(ctx context.Context, ref string) bool
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
}

// Fetcher reads a single commit from GitHub.
type Fetcher interface {
	GetCommit(ctx context.Context, owner, repo, sha string) (*models.Commit, error)
}

// Importer creates one topic per commit.
type Importer struct {
	db        *db.DB
	engine    *projection.Engine
	machine   *approval.Machine
	linker    *shalink.Linker
	fetcher   Fetcher
	settings  config.ReviewSettings
	checkouts map[string]Source
}

// NewImporter creates an importer. The engine is attached afterwards with
// SetEngine because the engine in turn resolves commits through the importer.
func NewImporter(database *db.DB, machine *approval.Machine, fetcher Fetcher, settings config.ReviewSettings) *Importer {
	return &Importer{
		db:        database,
		machine:   machine,
		linker:    shalink.NewLinker(database.Queries(), settings.LinkBaseURL),
		fetcher:   fetcher,
		settings:  settings,
		checkouts: make(map[string]Source),
	}
}

// SetEngine sets the projection engine used to create topics.
func (im *Importer) SetEngine(engine *projection.Engine) {
	im.engine = engine
}

// AddCheckout registers a local checkout for a repository full name.
func (im *Importer) AddCheckout(fullName string, src Source) {
	im.checkouts[fullName] = src
}

// ResolveCommit returns the topic of hash, importing the commit if needed.
// The commit is read from the repository's checkout when it has one and
// from GitHub otherwise.
func (im *Importer) ResolveCommit(ctx context.Context, repo *models.Repository, hash string) (*models.Topic, error) {
	existing, err := im.db.Queries().FindTopicByNonce(ctx, models.NonceNamespaceCommit, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	commit, err := im.readCommit(ctx, repo, hash)
	if err != nil {
		return nil, err
	}
	topic, _, err := im.ImportCommit(ctx, repo, commit)
	return topic, err
}

func (im *Importer) readCommit(ctx context.Context, repo *models.Repository, hash string) (*models.Commit, error) {
	if src, ok := im.checkouts[repo.FullName]; ok && src.RefExists(ctx, hash) {
		return src.Commit(ctx, hash)
	}
	if im.fetcher == nil {
		return nil, fmt.Errorf("commit %s not found locally and no GitHub client configured", hash)
	}
	c, err := im.fetcher.GetCommit(ctx, repo.Owner, repo.Name, hash)
	if err != nil {
		return nil, err
	}
	if !c.DiffTruncated {
		c.Diff, c.DiffTruncated = gitrepo.Truncate(c.Diff, im.settings.MaxDiffLength)
	}
	return c, nil
}

// ImportCommit ensures the topic of c exists. A new topic is tagged pending
// and links the commits its message mentions. Linked commits awaiting a
// follow-up are marked as followed up, once per pair of topics.
func (im *Importer) ImportCommit(ctx context.Context, repo *models.Repository, c *models.Commit) (*models.Topic, bool, error) {
	if im.engine == nil {
		return nil, false, fmt.Errorf("importer has no projection engine")
	}

	message := c.Subject
	if c.Body != "" {
		message += "\n\n" + c.Body
	}
	linkedMessage, linked, err := im.linker.DetectAndLinkShas(ctx, message)
	if err != nil {
		return nil, false, err
	}

	author := c.AuthorLogin
	if author == "" {
		author = c.AuthorIdentity
	}

	topic, created, err := im.engine.EnsureTopicWithNonce(ctx, models.NonceNamespaceCommit, c.Hash, projection.TopicSpec{
		RepositoryID: repo.ID,
		Kind:         models.TopicKindCommit,
		Title:        title(c),
		AuthorLogin:  author,
		CommitHash:   c.Hash,
		CreatedAt:    c.CommittedAt,
		Tags:         []string{im.settings.PendingTag},
		Body:         commitBody(linkedMessage, c),
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		log.Info().Str("repo", repo.FullName).Str("commit", c.Hash).Int64("topic", topic.ID).Msg("Imported commit")
	}

	// Runs on every import so a follow-up that failed earlier is retried.
	for hash, older := range linked {
		if older.ID == topic.ID {
			continue
		}
		if err := im.machine.FollowedUp(ctx, older, topic, author); err != nil {
			return topic, created, fmt.Errorf("failed to follow up %s: %w", hash, err)
		}
	}
	return topic, created, nil
}

// ImportRange imports the commits on ref since the last imported one and
// records progress after each commit. It returns how many topics were created.
func (im *Importer) ImportRange(ctx context.Context, repo *models.Repository, src Source, ref string) (int, error) {
	since, err := im.db.GetLastCommitHash(ctx, repo.FullName)
	if err != nil {
		return 0, err
	}
	if since != "" && !src.RefExists(ctx, since) {
		log.Warn().Str("repo", repo.FullName).Str("commit", since).Msg("Last imported commit is gone, importing full history")
		since = ""
	}
	if since != "" {
		// History was rewritten; topics are keyed by hash so a full pass is safe.
		contained, err := src.IsAncestor(ctx, since, ref)
		if err != nil {
			return 0, err
		}
		if !contained {
			log.Warn().Str("repo", repo.FullName).Str("commit", since).Str("ref", ref).Msg("Last imported commit is not on ref, importing full history")
			since = ""
		}
	}

	hashes, err := src.CommitsSince(ctx, since, ref)
	if err != nil {
		return 0, fmt.Errorf("failed to list commits of %s: %w", repo.FullName, err)
	}
	log.Info().Str("repo", repo.FullName).Int("commits", len(hashes)).Msg("Importing commits")

	imported := 0
	for _, hash := range hashes {
		c, err := src.Commit(ctx, hash)
		if err != nil {
			return imported, err
		}
		if _, created, err := im.ImportCommit(ctx, repo, c); err != nil {
			return imported, err
		} else if created {
			imported++
		}
		if err := im.db.UpdateLastCommitHash(ctx, repo.FullName, hash); err != nil {
			return imported, err
		}
	}
	return imported, nil
}

func title(c *models.Commit) string {
	t := strings.TrimSpace(c.Subject)
	if t == "" {
		t = c.Hash
	}
	return t[:gitrepo.RuneBoundary(t, maxTitleLength)]
}

func commitBody(message string, c *models.Commit) string {
	var b strings.Builder
	b.WriteString(message)
	if c.Diff != "" {
		b.WriteString("\n\n```diff\n")
		b.WriteString(strings.TrimRight(c.Diff, "\n"))
		b.WriteString("\n```")
	}
	if c.DiffTruncated {
		b.WriteString("\n\nThis diff was truncated.")
	}
	return b.String()
}
