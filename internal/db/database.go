package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/memecraft/backend/internal/protocol"
)

var ErrNotFound = errors.New("not found")

// Database stores the comments relayed through collaboration sessions.
type Database struct {
	db *sql.DB
}

type Document struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Comment struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"document_id"`
	UserID     string            `json:"user_id"`
	Username   string            `json:"username"`
	Text       string            `json:"text"`
	Position   protocol.Position `json:"position"`
	Resolved   bool              `json:"resolved"`
	ResolvedBy string            `json:"resolved_by,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS comments (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		pos_x REAL NOT NULL DEFAULT 0,
		pos_y REAL NOT NULL DEFAULT 0,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		resolved_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		resolved_at DATETIME,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_comments_document_id ON comments(document_id, created_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping reports whether the database is reachable.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Document operations

func (d *Database) touchDocument(ctx context.Context, id string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO documents (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, id, at.UTC(), at.UTC())
	return err
}

func (d *Database) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, created_at, updated_at FROM documents WHERE id = ?",
		id,
	)

	var doc Document
	err := row.Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Comment operations

// SaveComment stores a comment relayed at the given time.
func (d *Database) SaveComment(ctx context.Context, c protocol.Comment, at time.Time) error {
	if err := d.touchDocument(ctx, c.DocumentID, at); err != nil {
		return fmt.Errorf("save comment %s: %w", c.ID, err)
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO comments (id, document_id, user_id, username, text, pos_x, pos_y, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.DocumentID, c.UserID, c.Username, c.Text, c.Position.X, c.Position.Y, c.Resolved, at.UTC())
	if err != nil {
		return fmt.Errorf("save comment %s: %w", c.ID, err)
	}
	return nil
}

// ResolveComment marks a comment resolved. Resolving twice keeps the first
// resolver.
func (d *Database) ResolveComment(ctx context.Context, commentID, resolvedBy string, at time.Time) error {
	result, err := d.db.ExecContext(ctx, `
		UPDATE comments SET resolved = TRUE, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND resolved = FALSE
	`, resolvedBy, at.UTC(), commentID)
	if err != nil {
		return fmt.Errorf("resolve comment %s: %w", commentID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	existing, err := d.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
	}
	return nil
}

const commentColumns = `id, document_id, user_id, username, text, pos_x, pos_y, resolved, resolved_by, created_at, resolved_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanComment(s scanner) (*Comment, error) {
	var c Comment
	var resolvedAt sql.NullTime
	err := s.Scan(&c.ID, &c.DocumentID, &c.UserID, &c.Username, &c.Text,
		&c.Position.X, &c.Position.Y, &c.Resolved, &c.ResolvedBy, &c.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return &c, nil
}

// GetComment returns nil, nil when the comment does not exist.
func (d *Database) GetComment(ctx context.Context, id string) (*Comment, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+commentColumns+" FROM comments WHERE id = ?", id)

	c, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListComments returns a document's comments, oldest first.
func (d *Database) ListComments(ctx context.Context, documentID string, limit, offset int) ([]Comment, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE document_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ? OFFSET ?
	`, documentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	comments := []Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, *c)
	}
	return comments, rows.Err()
}

func (d *Database) CountComments(ctx context.Context, documentID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM comments WHERE document_id = ?",
		documentID,
	).Scan(&count)
	return count, err
}

func (d *Database) DeleteComment(ctx context.Context, id string) error {
	result, err := d.db.ExecContext(ctx, "DELETE FROM comments WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete comment %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("comment %s: %w", id, ErrNotFound)
	}
	return nil
}

// Stats

func (d *Database) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var documentCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&documentCount); err != nil {
		return nil, err
	}
	stats["document_count"] = documentCount

	var commentCount, openCount int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN resolved THEN 0 ELSE 1 END), 0) FROM comments",
	).Scan(&commentCount, &openCount)
	if err != nil {
		return nil, err
	}
	stats["comment_count"] = commentCount
	stats["open_comment_count"] = openCount

	return stats, nil
}
