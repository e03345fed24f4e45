package longterm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/loopmind/ctxcache/pkg/model"
)

// recordStore is the durable SQLite-backed record of every item persisted
// to the long-term tier, grounded on rcliao-agent-memory's
// internal/store/sqlite.go (WAL-mode open string, migrate-on-open schema).
// It is the source of truth for Reindex: vector and graph collaborators can
// be rebuilt from these rows, but the rows themselves are never derived
// from the collaborators.
type recordStore struct {
	db *sql.DB
}

func openRecordStore(path string) (*recordStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("longterm: create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("longterm: open db: %w", err)
	}
	s := &recordStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("longterm: migrate: %w", err)
	}
	return s, nil
}

func (s *recordStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id               TEXT PRIMARY KEY,
		content          TEXT NOT NULL,
		kind             TEXT NOT NULL,
		priority         TEXT NOT NULL,
		metadata         TEXT,
		created_at       INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		access_count     INTEGER NOT NULL DEFAULT 0,
		token_estimate   INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_items_kind ON items(kind);
	CREATE INDEX IF NOT EXISTS idx_items_created ON items(created_at DESC);

	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id           TEXT PRIMARY KEY,
		parent_id          TEXT NOT NULL REFERENCES items(id),
		ordinal            INTEGER NOT NULL,
		content            TEXT NOT NULL,
		overlap_prev_chars INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_parent ON chunks(parent_id);

	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		content,
		content=chunks,
		content_rowid=rowid
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	s.db.Exec(`CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
		INSERT INTO chunks_fts(rowid, content) VALUES (new.rowid, new.content);
	END`)
	s.db.Exec(`CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
		INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES('delete', old.rowid, old.content);
	END`)
	return nil
}

func (s *recordStore) put(ctx context.Context, item *model.ContextItem, chunks []model.Chunk) error {
	metaJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("longterm: marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("longterm: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE parent_id = ?`, item.ID); err != nil {
		return fmt.Errorf("longterm: clear old chunks: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO items (id, content, kind, priority, metadata, created_at, last_accessed_at, access_count, token_estimate)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   content = excluded.content, kind = excluded.kind, priority = excluded.priority,
		   metadata = excluded.metadata, last_accessed_at = excluded.last_accessed_at,
		   access_count = excluded.access_count, token_estimate = excluded.token_estimate`,
		item.ID, item.Content, string(item.Kind), string(item.Priority), string(metaJSON),
		item.CreatedAt, item.LastAccessedAt, item.AccessCount, item.TokenEstimate)
	if err != nil {
		return fmt.Errorf("longterm: upsert item: %w", err)
	}

	for _, c := range chunks {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chunks (chunk_id, parent_id, ordinal, content, overlap_prev_chars) VALUES (?, ?, ?, ?, ?)`,
			c.ChunkID, c.ParentID, c.Ordinal, c.Content, c.OverlapPrevChars)
		if err != nil {
			return fmt.Errorf("longterm: insert chunk: %w", err)
		}
	}

	return tx.Commit()
}

func (s *recordStore) delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE parent_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *recordStore) get(ctx context.Context, id string) (*model.ContextItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, kind, priority, metadata, created_at, last_accessed_at, access_count, token_estimate
		 FROM items WHERE id = ?`, id)
	return scanItem(row)
}

func (s *recordStore) scanAll(ctx context.Context) ([]*model.ContextItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, kind, priority, metadata, created_at, last_accessed_at, access_count, token_estimate
		 FROM items ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ContextItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *recordStore) chunksFor(ctx context.Context, parentID string) ([]model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, parent_id, ordinal, content, overlap_prev_chars FROM chunks WHERE parent_id = ? ORDER BY ordinal`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Chunk
	for rows.Next() {
		var c model.Chunk
		if err := rows.Scan(&c.ChunkID, &c.ParentID, &c.Ordinal, &c.Content, &c.OverlapPrevChars); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *recordStore) searchChunksFTS(ctx context.Context, query string, k int) (map[string]bool, error) {
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT c.parent_id FROM chunks_fts f
		 JOIN chunks c ON c.rowid = f.rowid
		 WHERE chunks_fts MATCH ? LIMIT ?`, query, k)
	if err != nil {
		return nil, fmt.Errorf("longterm: fts search: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var parentID string
		if err := rows.Scan(&parentID); err != nil {
			return nil, err
		}
		out[parentID] = true
	}
	return out, rows.Err()
}

func (s *recordStore) touch(ctx context.Context, id string, accessedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`, accessedAt, id)
	return err
}

func (s *recordStore) close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*model.ContextItem, error) {
	var item model.ContextItem
	var kind, priority string
	var metaJSON sql.NullString
	err := row.Scan(&item.ID, &item.Content, &kind, &priority, &metaJSON,
		&item.CreatedAt, &item.LastAccessedAt, &item.AccessCount, &item.TokenEstimate)
	if err != nil {
		return nil, err
	}
	item.Kind = model.Kind(kind)
	item.Priority = model.Priority(priority)
	item.Metadata = model.Metadata{}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &item.Metadata); err != nil {
			return nil, fmt.Errorf("longterm: unmarshal metadata for %s: %w", item.ID, err)
		}
	}
	return &item, nil
}
