package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrMutexTimeout is returned when a named mutex stays held past the timeout.
type ErrMutexTimeout struct {
	Name   string
	Waited time.Duration
}

func (e *ErrMutexTimeout) Error() string {
	return fmt.Sprintf("timed out after %s waiting for mutex %q", e.Waited, e.Name)
}

// WithMutex runs fn while holding the named mutex. The mutex is a row in the
// mutexes table, so it excludes other processes sharing the database file as
// well as other goroutines. A holder that dies leaves a row that expires
// after the validity period.
//
// fn must not try to take the same mutex again, and WithMutex must not be
// called from inside InTx: the store has a single connection.
func (db *DB) WithMutex(ctx context.Context, name string, fn func() error) error {
	owner := uuid.NewString()
	if err := db.acquireMutex(ctx, name, owner); err != nil {
		return err
	}
	acquired := time.Now()

	defer func() {
		if held := time.Since(acquired); held > db.mutexValidity {
			log.Warn().Str("mutex", name).Dur("held", held).Msg("Mutex held longer than its validity; another worker may have taken it over")
		}
		// Release with a fresh context so a cancelled caller still unlocks.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.releaseMutex(releaseCtx, name, owner); err != nil {
			log.Error().Err(err).Str("mutex", name).Msg("Failed to release mutex")
		}
	}()

	return fn()
}

func (db *DB) acquireMutex(ctx context.Context, name, owner string) error {
	start := time.Now()
	delay := 5 * time.Millisecond

	for {
		now := time.Now()
		res, err := db.ExecContext(ctx, `
		INSERT INTO mutexes (name, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE mutexes.expires_at < ?
		`, name, owner, now.Add(db.mutexValidity).UnixNano(), now.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to acquire mutex %q: %w", name, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return nil
		}

		waited := time.Since(start)
		if waited >= db.mutexTimeout {
			return &ErrMutexTimeout{Name: name, Waited: waited}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < 250*time.Millisecond {
			delay *= 2
		}
	}
}

func (db *DB) releaseMutex(ctx context.Context, name, owner string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM mutexes WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return fmt.Errorf("failed to release mutex %q: %w", name, err)
	}
	return nil
}
