package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/wesm/github-review-mirror/internal/errs"
	"github.com/wesm/github-review-mirror/internal/models"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds the topic, post, tag and notification operations. Inside
// InTx they all share one transaction.
type Queries struct {
	q querier
}

// isUniqueViolation reports whether err is a SQLite unique or primary key violation.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

// EnsureUser returns the user with the given login, creating it if needed
func (qs *Queries) EnsureUser(ctx context.Context, login string) (*models.User, error) {
	if login == "" {
		return nil, fmt.Errorf("failed to ensure user: empty login")
	}

	_, err := qs.q.ExecContext(ctx, `INSERT INTO users (login) VALUES (?) ON CONFLICT(login) DO NOTHING`, login)
	if err != nil {
		return nil, fmt.Errorf("failed to save user %s: %w", login, err)
	}

	return qs.GetUserByLogin(ctx, login)
}

// GetUserByLogin gets a user by login, or nil if unknown
func (qs *Queries) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	var user models.User
	err := qs.q.QueryRowContext(ctx, `SELECT id, login FROM users WHERE login = ?`, login).Scan(&user.ID, &user.Login)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user %s: %w", login, err)
	}
	return &user, nil
}

// GetUser gets a user by id, or nil if unknown
func (qs *Queries) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := qs.q.QueryRowContext(ctx, `SELECT id, login FROM users WHERE id = ?`, id).Scan(&user.ID, &user.Login)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return &user, nil
}

const topicColumns = `id, repository_id, kind, title, user_id, closed, nonce_namespace, nonce, commit_hash, pr_number, created_at`

func scanTopic(row interface{ Scan(...any) error }) (*models.Topic, error) {
	var (
		t          models.Topic
		kind       string
		commitHash sql.NullString
		prNumber   sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.RepositoryID, &kind, &t.Title, &t.UserID, &t.Closed,
		&t.NonceNamespace, &t.Nonce, &commitHash, &prNumber, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Kind = models.TopicKind(kind)
	t.CommitHash = commitHash.String
	t.PRNumber = int(prNumber.Int64)
	return &t, nil
}

// FindTopicByNonce returns the topic stamped with nonce, or nil
func (qs *Queries) FindTopicByNonce(ctx context.Context, namespace, nonce string) (*models.Topic, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE nonce_namespace = ? AND nonce = ?`, namespace, nonce)
	t, err := scanTopic(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find topic by nonce %s/%s: %w", namespace, nonce, err)
	}
	return t, nil
}

// GetTopic gets a topic by id, or nil
func (qs *Queries) GetTopic(ctx context.Context, id int64) (*models.Topic, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+topicColumns+` FROM topics WHERE id = ?`, id)
	t, err := scanTopic(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get topic %d: %w", id, err)
	}
	return t, nil
}

// FindCommitTopicsByPrefix returns commit topics whose hash starts with prefix
func (qs *Queries) FindCommitTopicsByPrefix(ctx context.Context, prefix string) ([]*models.Topic, error) {
	rows, err := qs.q.QueryContext(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE commit_hash LIKE ? || '%' ORDER BY id`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to find commit topics for %s: %w", prefix, err)
	}
	defer rows.Close()

	var topics []*models.Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// CreateTopic inserts a topic and sets its ID. A nonce collision is reported
// as errs.ErrStoreConflict.
func (qs *Queries) CreateTopic(ctx context.Context, t *models.Topic) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	res, err := qs.q.ExecContext(ctx, `
	INSERT INTO topics (repository_id, kind, title, user_id, closed, nonce_namespace, nonce, commit_hash, pr_number, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.RepositoryID,
		string(t.Kind),
		t.Title,
		t.UserID,
		t.Closed,
		t.NonceNamespace,
		t.Nonce,
		nullString(t.CommitHash),
		nullInt(t.PRNumber),
		t.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create topic %s/%s: %w: %v", t.NonceNamespace, t.Nonce, errs.ErrStoreConflict, err)
		}
		return fmt.Errorf("failed to create topic: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read topic id: %w", err)
	}
	t.ID = id
	return nil
}

// UpdateTopicTitle sets a topic's title
func (qs *Queries) UpdateTopicTitle(ctx context.Context, topicID int64, title string) error {
	if _, err := qs.q.ExecContext(ctx, `UPDATE topics SET title = ? WHERE id = ?`, title, topicID); err != nil {
		return fmt.Errorf("failed to update title of topic %d: %w", topicID, err)
	}
	return nil
}

// SetTopicClosed opens or closes a topic
func (qs *Queries) SetTopicClosed(ctx context.Context, topicID int64, closed bool) error {
	if _, err := qs.q.ExecContext(ctx, `UPDATE topics SET closed = ? WHERE id = ?`, closed, topicID); err != nil {
		return fmt.Errorf("failed to update closed state of topic %d: %w", topicID, err)
	}
	return nil
}

const postColumns = `id, topic_id, post_number, user_id, body, post_type, action_code, reply_to_post_number, nonce, thread_id, created_at`

func scanPost(row interface{ Scan(...any) error }) (*models.Post, error) {
	var (
		p        models.Post
		postType string
		replyTo  sql.NullInt64
		nonce    sql.NullString
		threadID sql.NullString
	)
	err := row.Scan(&p.ID, &p.TopicID, &p.PostNumber, &p.UserID, &p.Body, &postType,
		&p.ActionCode, &replyTo, &nonce, &threadID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.PostType = models.PostType(postType)
	p.ReplyToPostNumber = int(replyTo.Int64)
	p.Nonce = nonce.String
	p.ThreadID = threadID.String
	return &p, nil
}

// FindPostByNonce returns the post in a topic stamped with nonce, or nil
func (qs *Queries) FindPostByNonce(ctx context.Context, topicID int64, nonce string) (*models.Post, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE topic_id = ? AND nonce = ?`, topicID, nonce)
	p, err := scanPost(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find post by nonce %s in topic %d: %w", nonce, topicID, err)
	}
	return p, nil
}

// GetPost gets a post by id, or nil
func (qs *Queries) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	p, err := scanPost(qs.q.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get post %d: %w", id, err)
	}
	return p, nil
}

// GetPostByNumber gets a post by its number within a topic, or nil
func (qs *Queries) GetPostByNumber(ctx context.Context, topicID int64, number int) (*models.Post, error) {
	p, err := scanPost(qs.q.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE topic_id = ? AND post_number = ?`, topicID, number))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get post #%d of topic %d: %w", number, topicID, err)
	}
	return p, nil
}

// ListPosts returns a topic's posts in post number order
func (qs *Queries) ListPosts(ctx context.Context, topicID int64) ([]*models.Post, error) {
	rows, err := qs.q.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE topic_id = ? ORDER BY post_number`, topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts of topic %d: %w", topicID, err)
	}
	defer rows.Close()

	var posts []*models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// CreatePost inserts a post as the next post of its topic and sets its ID and
// PostNumber. A nonce collision is reported as errs.ErrStoreConflict.
func (qs *Queries) CreatePost(ctx context.Context, p *models.Post) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.PostType == "" {
		p.PostType = models.PostTypeRegular
	}

	var next int
	err := qs.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(post_number), 0) + 1 FROM posts WHERE topic_id = ?`, p.TopicID).Scan(&next)
	if err != nil {
		return fmt.Errorf("failed to allocate post number: %w", err)
	}

	res, err := qs.q.ExecContext(ctx, `
	INSERT INTO posts (topic_id, post_number, user_id, body, post_type, action_code, reply_to_post_number, nonce, thread_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.TopicID,
		next,
		p.UserID,
		p.Body,
		string(p.PostType),
		p.ActionCode,
		nullInt(p.ReplyToPostNumber),
		nullString(p.Nonce),
		nullString(p.ThreadID),
		p.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create post %q in topic %d: %w: %v", p.Nonce, p.TopicID, errs.ErrStoreConflict, err)
		}
		return fmt.Errorf("failed to create post: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read post id: %w", err)
	}
	p.ID = id
	p.PostNumber = next
	return nil
}

// SetPostNonce stamps an existing post with a nonce
func (qs *Queries) SetPostNonce(ctx context.Context, postID int64, nonce string) error {
	_, err := qs.q.ExecContext(ctx, `UPDATE posts SET nonce = ? WHERE id = ?`, nullString(nonce), postID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to set nonce on post %d: %w: %v", postID, errs.ErrStoreConflict, err)
		}
		return fmt.Errorf("failed to set nonce on post %d: %w", postID, err)
	}
	return nil
}

// TopicTags returns a topic's tags sorted by name
func (qs *Queries) TopicTags(ctx context.Context, topicID int64) ([]string, error) {
	rows, err := qs.q.QueryContext(ctx, `SELECT tag FROM topic_tags WHERE topic_id = ? ORDER BY tag`, topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tags of topic %d: %w", topicID, err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// ReplaceTopicTags sets a topic's tags to exactly tags
func (qs *Queries) ReplaceTopicTags(ctx context.Context, topicID int64, tags []string) error {
	if _, err := qs.q.ExecContext(ctx, `DELETE FROM topic_tags WHERE topic_id = ?`, topicID); err != nil {
		return fmt.Errorf("failed to clear tags of topic %d: %w", topicID, err)
	}

	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	for _, tag := range sorted {
		_, err := qs.q.ExecContext(ctx,
			`INSERT INTO topic_tags (topic_id, tag) VALUES (?, ?) ON CONFLICT(topic_id, tag) DO NOTHING`, topicID, tag)
		if err != nil {
			return fmt.Errorf("failed to tag topic %d with %s: %w", topicID, tag, err)
		}
	}
	return nil
}

const notificationColumns = `id, user_id, topic_id, type, count, data, read, created_at, updated_at`

func scanNotification(row interface{ Scan(...any) error }) (*models.Notification, error) {
	var n models.Notification
	err := row.Scan(&n.ID, &n.UserID, &n.TopicID, &n.Type, &n.Count, &n.Data, &n.Read, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// LatestUnreadNotification returns the user's most recent unread notification of a type, or nil
func (qs *Queries) LatestUnreadNotification(ctx context.Context, userID int64, notificationType string) (*models.Notification, error) {
	row := qs.q.QueryRowContext(ctx, `
	SELECT `+notificationColumns+` FROM notifications
	WHERE user_id = ? AND type = ? AND read = 0
	ORDER BY updated_at DESC, id DESC
	LIMIT 1
	`, userID, notificationType)
	n, err := scanNotification(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

// CreateNotification inserts a notification and sets its ID
func (qs *Queries) CreateNotification(ctx context.Context, n *models.Notification) error {
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
	if n.Data == "" {
		n.Data = "{}"
	}
	res, err := qs.q.ExecContext(ctx, `
	INSERT INTO notifications (user_id, topic_id, type, count, data, read, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, n.UserID, n.TopicID, n.Type, n.Count, n.Data, n.Read, n.CreatedAt.UTC(), n.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read notification id: %w", err)
	}
	n.ID = id
	return nil
}

// UpdateNotification stores a notification's topic, count, data and updated_at
func (qs *Queries) UpdateNotification(ctx context.Context, n *models.Notification) error {
	_, err := qs.q.ExecContext(ctx,
		`UPDATE notifications SET topic_id = ?, count = ?, data = ?, updated_at = ? WHERE id = ?`,
		n.TopicID, n.Count, n.Data, n.UpdatedAt.UTC(), n.ID)
	if err != nil {
		return fmt.Errorf("failed to update notification %d: %w", n.ID, err)
	}
	return nil
}

// ListNotifications returns a user's notifications, oldest first
func (qs *Queries) ListNotifications(ctx context.Context, userID int64) ([]*models.Notification, error) {
	rows, err := qs.q.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AssignTopic assigns a topic to a user, replacing any previous assignee
func (qs *Queries) AssignTopic(ctx context.Context, topicID, userID int64) error {
	_, err := qs.q.ExecContext(ctx, `
	INSERT INTO topic_assignments (topic_id, user_id, assigned_at)
	VALUES (?, ?, ?)
	ON CONFLICT(topic_id) DO UPDATE SET
		user_id = excluded.user_id,
		assigned_at = excluded.assigned_at
	`, topicID, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to assign topic %d: %w", topicID, err)
	}
	return nil
}

// UnassignTopic removes a topic's assignee
func (qs *Queries) UnassignTopic(ctx context.Context, topicID int64) error {
	if _, err := qs.q.ExecContext(ctx, `DELETE FROM topic_assignments WHERE topic_id = ?`, topicID); err != nil {
		return fmt.Errorf("failed to unassign topic %d: %w", topicID, err)
	}
	return nil
}

// TopicAssignee returns the assigned user id, or 0
func (qs *Queries) TopicAssignee(ctx context.Context, topicID int64) (int64, error) {
	var userID int64
	err := qs.q.QueryRowContext(ctx, `SELECT user_id FROM topic_assignments WHERE topic_id = ?`, topicID).Scan(&userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get assignee of topic %d: %w", topicID, err)
	}
	return userID, nil
}
