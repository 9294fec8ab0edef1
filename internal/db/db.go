package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/wesm/github-review-mirror/internal/models"
)

const currentSchemaVersion = 1

// DB represents the database connection
type DB struct {
	*sql.DB

	mutexTimeout  time.Duration
	mutexValidity time.Duration
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite has a single writer; one connection keeps transactions from
	// tripping over each other inside this process. Other processes are
	// serialised by the busy timeout and the mutexes table.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return &DB{
		DB:            db,
		mutexTimeout:  60 * time.Second,
		mutexValidity: 60 * time.Second,
	}, nil
}

// SetMutexTimeout sets how long WithMutex waits for a held lock.
func (db *DB) SetMutexTimeout(d time.Duration) {
	if d > 0 {
		db.mutexTimeout = d
	}
}

// SetMutexValidity sets how long an acquired mutex stays valid before other
// workers may take it over.
func (db *DB) SetMutexValidity(d time.Duration) {
	if d > 0 {
		db.mutexValidity = d
	}
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repositories (
		id INTEGER PRIMARY KEY,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		full_name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		login TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS topics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repository_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		closed BOOLEAN NOT NULL DEFAULT 0,
		nonce_namespace TEXT NOT NULL,
		nonce TEXT NOT NULL,
		commit_hash TEXT,
		pr_number INTEGER,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id),
		UNIQUE(nonce_namespace, nonce)
	);

	CREATE INDEX IF NOT EXISTS idx_topics_commit_hash ON topics(commit_hash);

	CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic_id INTEGER NOT NULL,
		post_number INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		body TEXT NOT NULL,
		post_type TEXT NOT NULL,
		action_code TEXT NOT NULL DEFAULT '',
		reply_to_post_number INTEGER,
		nonce TEXT,
		thread_id TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (topic_id) REFERENCES topics(id),
		FOREIGN KEY (user_id) REFERENCES users(id),
		UNIQUE(topic_id, post_number)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_posts_topic_nonce ON posts(topic_id, nonce) WHERE nonce IS NOT NULL;

	CREATE TABLE IF NOT EXISTS topic_tags (
		topic_id INTEGER NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (topic_id, tag),
		FOREIGN KEY (topic_id) REFERENCES topics(id)
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		topic_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 1,
		data TEXT NOT NULL DEFAULT '{}',
		read BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_user_type ON notifications(user_id, type);

	CREATE TABLE IF NOT EXISTS topic_assignments (
		topic_id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		assigned_at TIMESTAMP NOT NULL,
		FOREIGN KEY (topic_id) REFERENCES topics(id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS mutexes (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_metadata (
		repository TEXT PRIMARY KEY,
		last_sync_time TIMESTAMP NOT NULL
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return db.migrate()
}

// migrate applies incremental schema changes tracked by user_version.
func (db *DB) migrate() error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(`ALTER TABLE sync_metadata ADD COLUMN last_commit_hash TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("failed to migrate sync_metadata: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// InTx runs fn inside a transaction, committing if it returns nil.
func (db *DB) InTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(&Queries{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Queries returns query helpers that run outside any transaction.
func (db *DB) Queries() *Queries {
	return &Queries{q: db.DB}
}

// SaveRepository saves a repository to the database
func (db *DB) SaveRepository(ctx context.Context, repo *models.Repository) error {
	query := `
	INSERT INTO repositories (id, owner, name, full_name)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(full_name) DO UPDATE SET
		owner = excluded.owner,
		name = excluded.name
	`

	_, err := db.ExecContext(ctx, query, repo.ID, repo.Owner, repo.Name, repo.FullName)
	if err != nil {
		return fmt.Errorf("failed to save repository: %w", err)
	}

	return nil
}

// GetRepositoryByFullName gets a repository by its full name
func (db *DB) GetRepositoryByFullName(ctx context.Context, fullName string) (*models.Repository, error) {
	query := `SELECT id, owner, name, full_name FROM repositories WHERE full_name = ?`

	var repo models.Repository
	err := db.QueryRowContext(ctx, query, fullName).Scan(&repo.ID, &repo.Owner, &repo.Name, &repo.FullName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}

	return &repo, nil
}

// GetRepositoryByID gets a repository by id
func (db *DB) GetRepositoryByID(ctx context.Context, id int64) (*models.Repository, error) {
	query := `SELECT id, owner, name, full_name FROM repositories WHERE id = ?`

	var repo models.Repository
	err := db.QueryRowContext(ctx, query, id).Scan(&repo.ID, &repo.Owner, &repo.Name, &repo.FullName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}

	return &repo, nil
}

// GetLastSyncTime gets the last sync time for a repository
func (db *DB) GetLastSyncTime(ctx context.Context, repoFullName string) (time.Time, error) {
	var lastSyncTime time.Time
	query := `SELECT last_sync_time FROM sync_metadata WHERE repository = ?`

	err := db.QueryRowContext(ctx, query, repoFullName).Scan(&lastSyncTime)
	if err != nil {
		if err == sql.ErrNoRows {
			// If no sync metadata exists, return zero time
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get last sync time: %w", err)
	}

	return lastSyncTime, nil
}

// UpdateLastSyncTime updates the last sync time for a repository
func (db *DB) UpdateLastSyncTime(ctx context.Context, repoFullName string, syncTime time.Time) error {
	query := `
	INSERT INTO sync_metadata (repository, last_sync_time)
	VALUES (?, ?)
	ON CONFLICT(repository) DO UPDATE SET
		last_sync_time = excluded.last_sync_time
	`

	_, err := db.ExecContext(ctx, query, repoFullName, syncTime.UTC())
	if err != nil {
		return fmt.Errorf("failed to update last sync time: %w", err)
	}

	return nil
}

// GetLastCommitHash returns the newest imported commit for a repository, or ""
func (db *DB) GetLastCommitHash(ctx context.Context, repoFullName string) (string, error) {
	var hash string
	query := `SELECT last_commit_hash FROM sync_metadata WHERE repository = ?`

	err := db.QueryRowContext(ctx, query, repoFullName).Scan(&hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get last commit hash: %w", err)
	}

	return hash, nil
}

// UpdateLastCommitHash records the newest imported commit for a repository
func (db *DB) UpdateLastCommitHash(ctx context.Context, repoFullName, hash string) error {
	query := `
	INSERT INTO sync_metadata (repository, last_sync_time, last_commit_hash)
	VALUES (?, ?, ?)
	ON CONFLICT(repository) DO UPDATE SET
		last_commit_hash = excluded.last_commit_hash
	`

	_, err := db.ExecContext(ctx, query, repoFullName, time.Time{}, hash)
	if err != nil {
		return fmt.Errorf("failed to update last commit hash: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
