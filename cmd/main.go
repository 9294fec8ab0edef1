package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"github.com/wesm/github-review-mirror/config"
	"github.com/wesm/github-review-mirror/internal/api"
	"github.com/wesm/github-review-mirror/internal/approval"
	"github.com/wesm/github-review-mirror/internal/commits"
	"github.com/wesm/github-review-mirror/internal/db"
	"github.com/wesm/github-review-mirror/internal/events"
	"github.com/wesm/github-review-mirror/internal/gitrepo"
	"github.com/wesm/github-review-mirror/internal/models"
	"github.com/wesm/github-review-mirror/internal/outbound"
	"github.com/wesm/github-review-mirror/internal/projection"
	"github.com/wesm/github-review-mirror/internal/sync"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	app := &cli.App{
		Name:  "mirror",
		Usage: "Mirror GitHub pull requests and commits into a local review forum",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "mirror.toml",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Create a default configuration file if it doesn't exist",
				Action: runInit,
			},
			{
				Name:      "add-repo",
				Usage:     "Add a repository to the configuration",
				ArgsUsage: "OWNER/NAME",
				Action:    runAddRepo,
			},
			{
				Name:  "sync",
				Usage: "Sync every configured repository, or just one",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "repo", Usage: "Only sync `OWNER/NAME`"},
				},
				Action: runSync,
			},
			{
				Name:      "sync-pr",
				Usage:     "Sync a single pull request",
				ArgsUsage: "OWNER/NAME#NUMBER",
				Action:    runSyncPR,
			},
			{
				Name:  "import-commits",
				Usage: "Import commits from a local checkout",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "repo", Usage: "Repository `OWNER/NAME`", Required: true},
					&cli.StringFlag{Name: "path", Usage: "Path of the local checkout", Required: true},
					&cli.StringFlag{Name: "ref", Usage: "Ref to import", Value: "HEAD"},
					&cli.StringFlag{Name: "since", Usage: "Import commits after `HASH` instead of the last imported one"},
				},
				Action: runImportCommits,
			},
			{
				Name:  "approve",
				Usage: "Approve a topic",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "topic", Usage: "Topic id", Required: true},
					&cli.StringSliceFlag{Name: "user", Usage: "Approving `LOGIN`, may be repeated", Required: true},
				},
				Action: runApprove,
			},
			{
				Name:  "followup",
				Usage: "Ask for a follow-up on a topic",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "topic", Usage: "Topic id", Required: true},
					&cli.StringFlag{Name: "user", Usage: "Requesting `LOGIN`", Required: true},
				},
				Action: runFollowup,
			},
			{
				Name:  "publish-reply",
				Usage: "Publish a local post to its pull request on GitHub",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "post", Usage: "Post id", Required: true},
				},
				Action: runPublishReply,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// mirror holds everything a command needs once configuration is loaded.
type mirror struct {
	cfg      *config.Config
	db       *db.DB
	rest     *api.GitHubClient
	graphql  *api.GraphQLClient
	machine  *approval.Machine
	importer *commits.Importer
	engine   *projection.Engine
	syncer   *sync.Syncer
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}

func setup(c *cli.Context) (*mirror, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.Initialize(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	database.SetMutexTimeout(cfg.Review.MutexTimeout)
	database.SetMutexValidity(cfg.Review.MutexValidity)

	token := cfg.GitHubToken
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token == "" {
		log.Warn().Msgf("No GitHub token configured, set %s to avoid strict anonymous rate limits", config.EnvGithubToken)
	}
	httpClient := api.NewHTTPClient(token)
	limiter := api.NewLimiter(cfg.RequestsPerSecond)

	a := &mirror{
		cfg:     cfg,
		db:      database,
		rest:    api.NewGitHubClient(httpClient, limiter),
		graphql: api.NewGraphQLClient(httpClient, limiter),
	}
	if cfg.EnterpriseURL != "" {
		a.rest, err = api.NewEnterpriseGitHubClient(cfg.EnterpriseURL, httpClient, limiter)
		if err != nil {
			database.Close()
			return nil, err
		}
		a.graphql = api.NewEnterpriseGraphQLClient(cfg.EnterpriseURL, httpClient, limiter)
		log.Info().Str("url", cfg.EnterpriseURL).Msg("Using GitHub Enterprise")
	}
	a.machine = approval.New(database, cfg.Review, approval.StoreAssigner{})
	a.importer = commits.NewImporter(database, a.machine, a.rest, cfg.Review)
	a.engine = projection.New(database, cfg.Review, a.graphql, a.importer, a.machine)
	a.importer.SetEngine(a.engine)

	a.syncer = sync.New(database, a.rest, a.graphql, a.engine, a.importer)
	a.syncer.SetWorkers(cfg.Workers)
	for fullName, path := range cfg.Checkouts {
		repo, err := gitrepo.Open(path, cfg.Review.MaxDiffLength)
		if err != nil {
			log.Warn().Err(err).Str("repo", fullName).Msg("Skipping checkout")
			continue
		}
		a.syncer.AddCheckout(fullName, repo)
	}
	return a, nil
}

func (a *mirror) Close() {
	a.db.Close()
}

func runInit(c *cli.Context) error {
	path := c.String("config")
	if err := config.CreateDefaultConfig(path); err != nil {
		return fmt.Errorf("failed to create default configuration: %w", err)
	}
	log.Info().Str("path", path).Msg("Created default configuration")
	fmt.Printf("GitHub token can be provided via the %s environment variable\n", config.EnvGithubToken)
	return nil
}

func runAddRepo(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("missing required argument: OWNER/NAME")
	}
	repoStr := c.Args().Get(0)
	if _, _, err := sync.ParseRepositoryString(repoStr); err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	for _, repo := range cfg.Repositories {
		if repo == repoStr {
			log.Info().Str("repo", repoStr).Msg("Repository already exists in configuration")
			return nil
		}
	}

	cfg.Repositories = append(cfg.Repositories, repoStr)
	if err := config.SaveConfig(cfg, c.String("config")); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	log.Info().Str("repo", repoStr).Msg("Added repository to configuration")
	return nil
}

func runSync(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := c.Context
	startTime := time.Now()

	if repoStr := c.String("repo"); repoStr != "" {
		owner, name, err := sync.ParseRepositoryString(repoStr)
		if err != nil {
			return err
		}
		if err := a.syncer.SyncRepository(ctx, owner, name); err != nil {
			return err
		}
	} else {
		log.Info().Int("repositories", len(a.cfg.Repositories)).Msg("Syncing repositories")
		failed := 0
		for _, repoStr := range a.cfg.Repositories {
			owner, name, err := sync.ParseRepositoryString(repoStr)
			if err != nil {
				log.Warn().Err(err).Str("repo", repoStr).Msg("Skipping invalid repository")
				continue
			}
			if err := a.syncer.SyncRepository(ctx, owner, name); err != nil {
				// Continue with other repositories even if one fails
				log.Error().Err(err).Str("repo", repoStr).Msg("Failed to sync repository")
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d repositories failed to sync", failed, len(a.cfg.Repositories))
		}
	}

	log.Info().Dur("duration", time.Since(startTime)).Msg("Sync completed")
	return nil
}

func runSyncPR(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("missing required argument: OWNER/NAME#NUMBER")
	}
	ref, err := events.ParsePullRequestRef(c.Args().Get(0))
	if err != nil {
		return err
	}

	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	repo, err := a.syncer.Repository(c.Context, ref.Owner, ref.Repo)
	if err != nil {
		return err
	}
	if err := a.syncer.SyncPullRequest(c.Context, repo, ref.Number); err != nil {
		return err
	}
	log.Info().Str("pr", ref.String()).Msg("Synced pull request")
	return nil
}

func runImportCommits(c *cli.Context) error {
	owner, name, err := sync.ParseRepositoryString(c.String("repo"))
	if err != nil {
		return err
	}

	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	src, err := gitrepo.Open(c.String("path"), a.cfg.Review.MaxDiffLength)
	if err != nil {
		return err
	}
	ctx := c.Context
	repo, err := a.syncer.Repository(ctx, owner, name)
	if err != nil {
		return err
	}

	if since := strings.TrimSpace(c.String("since")); since != "" {
		if !src.RefExists(ctx, since) {
			return fmt.Errorf("commit %s not found in %s", since, src.Path())
		}
		if err := a.db.UpdateLastCommitHash(ctx, repo.FullName, since); err != nil {
			return err
		}
	}

	a.syncer.AddCheckout(repo.FullName, src)
	_, err = a.syncer.ImportCommits(ctx, repo, src, c.String("ref"))
	return err
}

func (a *mirror) topic(ctx context.Context, id int64) (*models.Topic, error) {
	topic, err := a.db.Queries().GetTopic(ctx, id)
	if err != nil {
		return nil, err
	}
	if topic == nil {
		return nil, fmt.Errorf("topic %d not found", id)
	}
	return topic, nil
}

func runApprove(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	topic, err := a.topic(c.Context, c.Int64("topic"))
	if err != nil {
		return err
	}
	if err := a.machine.Approve(c.Context, topic, c.StringSlice("user"), nil); err != nil {
		return err
	}
	log.Info().Int64("topic", topic.ID).Strs("approvers", c.StringSlice("user")).Msg("Approved topic")
	return nil
}

func runFollowup(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	topic, err := a.topic(c.Context, c.Int64("topic"))
	if err != nil {
		return err
	}
	if err := a.machine.Followup(c.Context, topic, c.String("user")); err != nil {
		return err
	}
	log.Info().Int64("topic", topic.ID).Msg("Requested follow-up")
	return nil
}

func runPublishReply(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	publisher := outbound.NewPublisher(a.db, &api.CommentPoster{REST: a.rest, GraphQL: a.graphql})
	remoteID, err := publisher.PublishReply(c.Context, c.Int64("post"))
	if err != nil {
		return err
	}
	log.Info().Int64("post", c.Int64("post")).Str("remote_id", remoteID).Msg("Published reply")
	return nil
}
