// Package memory – sqlite_store.go implements Store backed by the central
// postclaw.db SQLite database with FTS5 (bm25 ranking). Some SQLite builds
// ship without FTS5; search then falls back to LIKE queries over extracted
// keywords (slower but functional).
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
)

// SQLiteStore persists records in the shared "memory_records" table.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// ftsAvailable indicates whether the FTS5 virtual table could be created.
	ftsAvailable bool
}

// NewSQLiteStore wraps the shared DB (tables created by database.Open) and
// attaches the FTS5 index when the build supports it.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With("component", "memory"),
	}

	ftsSchema := `
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
			content,
			content='memory_records',
			content_rowid='id',
			tokenize='unicode61'
		);

		CREATE TRIGGER IF NOT EXISTS memory_ai AFTER INSERT ON memory_records BEGIN
			INSERT INTO memory_fts(rowid, content) VALUES (new.id, new.content);
		END;
	`
	if _, err := s.db.Exec(ftsSchema); err != nil {
		s.ftsAvailable = false
		s.logger.Warn("FTS5 not available, falling back to LIKE search", "error", err.Error())
	} else {
		s.ftsAvailable = true
	}

	return s, nil
}

// Index appends a record. Append-only: records are never updated or deleted.
func (s *SQLiteStore) Index(ctx context.Context, rec Record) error {
	if rec.Content == "" {
		return fmt.Errorf("index record: content is required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_records (channel_id, kind, content, outcome, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ChannelID, string(rec.Kind), rec.Content, rec.Outcome,
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("index record: %w", err)
	}
	return nil
}

// Search ranks by bm25 relevance with recency tie-break. The explicit
// ORDER BY (rank, created_at DESC, id DESC) keeps repeated identical queries
// deterministic on an unchanged store.
func (s *SQLiteStore) Search(ctx context.Context, query, channelScope string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}

	if !s.ftsAvailable {
		return s.searchLike(ctx, query, channelScope, limit)
	}

	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.channel_id, m.kind, m.content, m.outcome, m.created_at
		FROM memory_fts
		JOIN memory_records m ON m.id = memory_fts.rowid
		WHERE memory_fts MATCH ?
		  AND (? = '' OR m.channel_id = ?)
		ORDER BY rank, m.created_at DESC, m.id DESC
		LIMIT ?`,
		ftsQuery, channelScope, channelScope, limit,
	)
	if err != nil {
		// Malformed MATCH expressions surface as query errors; degrade to LIKE
		// so search never hard-fails on operator input.
		s.logger.Debug("fts query failed, using LIKE fallback", "error", err)
		return s.searchLike(ctx, query, channelScope, limit)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Recent returns the newest records first, optionally scoped to a channel.
func (s *SQLiteStore) Recent(ctx context.Context, channelScope string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, kind, content, outcome, created_at
		FROM memory_records
		WHERE (? = '' OR channel_id = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		channelScope, channelScope, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Close is a no-op: the shared *sql.DB is owned by the caller.
func (s *SQLiteStore) Close() error { return nil }

// searchLike is the FTS5-free path: each extracted keyword becomes a LIKE
// clause, records matching more keywords rank higher, recency breaks ties.
func (s *SQLiteStore) searchLike(ctx context.Context, query, channelScope string, limit int) ([]Record, error) {
	keywords := extractKeywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}

	var (
		score strings.Builder
		where strings.Builder
		args  []any
	)
	for i, kw := range keywords {
		if i > 0 {
			score.WriteString(" + ")
			where.WriteString(" OR ")
		}
		score.WriteString("(content LIKE ? COLLATE NOCASE)")
		where.WriteString("content LIKE ? COLLATE NOCASE")
		args = append(args, "%"+kw+"%")
	}
	// Score args come first in the SELECT, then the WHERE repeats them.
	args = append(args, args...)
	args = append(args, channelScope, channelScope, limit)

	q := fmt.Sprintf(`
		SELECT id, channel_id, kind, content, outcome, created_at
		FROM (
			SELECT *, (%s) AS hits FROM memory_records WHERE (%s)
		)
		WHERE hits > 0 AND (? = '' OR channel_id = ?)
		ORDER BY hits DESC, created_at DESC, id DESC
		LIMIT ?`, score.String(), where.String())

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("like search: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			r         Record
			kind      string
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.ChannelID, &kind, &r.Content, &r.Outcome, &createdAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Kind = Kind(kind)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// buildFTSQuery converts free text into an FTS5 OR query of quoted keywords.
// Quoting neutralizes FTS5 operators in operator-typed text.
func buildFTSQuery(query string) string {
	keywords := extractKeywords(query)
	if len(keywords) == 0 {
		return ""
	}
	parts := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		parts = append(parts, `"`+strings.ReplaceAll(kw, `"`, "")+`"`)
	}
	return strings.Join(parts, " OR ")
}

// stopWords are skipped during keyword extraction. Mixed Russian/English
// because operator instructions arrive in both.
var stopWords = map[string]bool{
	"и": true, "в": true, "на": true, "с": true, "что": true, "это": true,
	"как": true, "не": true, "но": true, "для": true, "по": true, "про": true,
	"пост": true, "напиши": true, "сделай": true, "тему": true, "тема": true,
	"the": true, "and": true, "for": true, "about": true, "post": true,
}

// extractKeywords keeps tokens of 3+ letters/digits that are not stop words.
func extractKeywords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var keywords []string
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopWords[f] {
			continue
		}
		keywords = append(keywords, f)
	}
	return keywords
}
