// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package history

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/models"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS messages (
	server_id       TEXT PRIMARY KEY,
	client_id       TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	body            TEXT NOT NULL,
	kind            TEXT NOT NULL,
	attachment_url  TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	deleted         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
	ON messages(conversation_id, created_at);
`

// Archive is the local SQLite message archive. Only confirmed rows (those
// with a server id) are stored; created_at is kept at nanosecond precision
// so pages round-trip through the store's time cursors exactly.
type Archive struct {
	cfg config.ArchiveConfig
	db  *sql.DB
}

// OpenArchive opens or creates the archive database and its schema.
func OpenArchive(cfg config.ArchiveConfig) (*Archive, error) {
	if cfg.Path == "" {
		return nil, &models.ValidationError{Field: "archive.path", Message: "archive path is required"}
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create archive directory %s: %w", dir, err)
		}
	}

	dsn := "file:" + cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	// modernc/sqlite serializes writers; one connection avoids SQLITE_BUSY
	// churn entirely at this workload.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(archiveSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create archive schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("history archive opened")
	return &Archive{cfg: cfg, db: db}, nil
}

// Put upserts confirmed entries and trims each touched conversation to
// the configured cap. Entries without a server id are skipped.
func (a *Archive) Put(ctx context.Context, entries ...models.MessageEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (server_id, client_id, conversation_id, sender_id, body, kind, attachment_url, created_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			body = excluded.body,
			kind = excluded.kind,
			attachment_url = excluded.attachment_url,
			deleted = excluded.deleted`)
	if err != nil {
		return fmt.Errorf("prepare archive upsert: %w", err)
	}
	defer stmt.Close()

	touched := make(map[string]struct{})
	for i := range entries {
		e := &entries[i]
		if e.ServerID == "" {
			continue
		}
		deleted := 0
		if e.Deleted {
			deleted = 1
		}
		if _, err := stmt.ExecContext(ctx,
			e.ServerID, e.ClientID, e.ConversationID, e.SenderID,
			e.Body, string(e.Kind), e.AttachmentURL, e.CreatedAt.UTC().UnixNano(), deleted,
		); err != nil {
			return fmt.Errorf("archive message %s: %w", e.ServerID, err)
		}
		touched[e.ConversationID] = struct{}{}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}

	for conversationID := range touched {
		a.trim(ctx, conversationID)
	}
	return nil
}

// trim drops a conversation's oldest rows past MaxPerConversation.
func (a *Archive) trim(ctx context.Context, conversationID string) {
	keep := a.cfg.MaxPerConversation
	if keep <= 0 {
		return
	}
	res, err := a.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE conversation_id = ?
		  AND server_id NOT IN (
			SELECT server_id FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, server_id DESC
			LIMIT ?)`,
		conversationID, conversationID, keep)
	if err != nil {
		logging.Warn().Err(err).Str("conversation_id", conversationID).Msg("archive trim failed")
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logging.Debug().Str("conversation_id", conversationID).Int64("rows", n).Msg("archive trimmed")
	}
}

// Page returns up to limit archived messages strictly older than before,
// ascending. A zero before means "from the newest".
func (a *Archive) Page(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.MessageEntry, error) {
	if limit <= 0 {
		return nil, &models.ValidationError{Field: "limit", Message: "page limit must be positive"}
	}
	boundary := int64(math.MaxInt64)
	if !before.IsZero() {
		boundary = before.UTC().UnixNano()
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT server_id, client_id, conversation_id, sender_id, body, kind, attachment_url, created_at, deleted
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, server_id DESC
		LIMIT ?`,
		conversationID, boundary, limit)
	if err != nil {
		return nil, fmt.Errorf("query archive page: %w", err)
	}
	defer rows.Close()

	var out []models.MessageEntry
	for rows.Next() {
		var (
			e       models.MessageEntry
			kind    string
			created int64
			deleted int
		)
		if err := rows.Scan(&e.ServerID, &e.ClientID, &e.ConversationID, &e.SenderID,
			&e.Body, &kind, &e.AttachmentURL, &created, &deleted); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		e.Kind = models.MessageKind(kind)
		e.CreatedAt = time.Unix(0, created).UTC()
		e.Deleted = deleted != 0
		e.State = models.MessageSent
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archive page: %w", err)
	}

	// Newest-first query order flips to the ascending contract.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count returns the number of archived rows for a conversation.
func (a *Archive) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count archive rows: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}
