// Package memory is a SQLite translation memory. Every saved chunk is
// recorded as (source text, target language, provider, model) ->
// translation, and later runs can fill untranslated keys from it without a
// provider call.
package memory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// lookupBatch bounds the number of bound parameters per IN query.
const lookupBatch = 500

// Store is the translation memory database.
type Store struct {
	db *sql.DB
	sq sq.StatementBuilderType
	now func() time.Time
}

// Open opens (creating if needed) the database at dbPath and applies
// migrations.
func Open(dbPath string) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("memory database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("make db dir: %w", err)
	}
	dsn := filepath.Clean(dbPath) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps transactions and queries serialized.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, sq: sq.StatementBuilder, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        name TEXT NOT NULL UNIQUE,
        applied_at TEXT NOT NULL
    )`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, name := range files {
		var n int
		err := db.QueryRow(`SELECT 1 FROM schema_migrations WHERE name = ?`, name).Scan(&n)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		b, err := migrationsFS.ReadFile(path.Join("migrations", name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.Exec(string(b)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations(name, applied_at) VALUES (?, ?)`, name, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Scope selects the entries of one provider and model.
type Scope struct {
	Provider string
	Model    string
}

func (sc Scope) where(lang string) sq.Eq {
	return sq.Eq{"tgt_lang": lang, "provider": sc.Provider, "model": sc.Model}
}

// Lookup returns the stored translations of sources into lang, keyed by
// source text. Sources without an entry are absent from the result.
func (s *Store) Lookup(ctx context.Context, scope Scope, lang string, sources []string) (map[string]string, error) {
	out := make(map[string]string)
	for start := 0; start < len(sources); start += lookupBatch {
		end := min(start+lookupBatch, len(sources))
		q := s.sq.Select("source_text", "translation").
			From("memory").
			Where(scope.where(lang)).
			Where(sq.Eq{"source_text": sources[start:end]})
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return nil, err
		}
		rows, err := s.db.QueryContext(ctx, sqlStr, args...)
		if err != nil {
			return nil, fmt.Errorf("query memory: %w", err)
		}
		for rows.Next() {
			var src, tr string
			if err := rows.Scan(&src, &tr); err != nil {
				rows.Close()
				return nil, err
			}
			out[src] = tr
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// Record upserts source -> translation pairs for lang. Empty sources or
// translations are skipped.
func (s *Store) Record(ctx context.Context, scope Scope, lang string, pairs map[string]string) error {
	if len(pairs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := s.now().UTC().Format(time.RFC3339)
	for src, tr := range pairs {
		if strings.TrimSpace(src) == "" || strings.TrimSpace(tr) == "" {
			continue
		}
		q := s.sq.Insert("memory").
			Columns("source_text", "tgt_lang", "provider", "model", "translation", "created_at", "updated_at").
			Values(src, lang, scope.Provider, scope.Model, tr, now, now).
			Suffix("ON CONFLICT(source_text, tgt_lang, provider, model) DO UPDATE SET translation=excluded.translation, updated_at=excluded.updated_at")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record memory: %w", err)
		}
	}
	return tx.Commit()
}

// LangStats is the entry count for one target language.
type LangStats struct {
	Lang    string `json:"lang"`
	Entries int    `json:"entries"`
}

// Stats counts entries per target language across all scopes.
func (s *Store) Stats(ctx context.Context) ([]LangStats, error) {
	q := s.sq.Select("tgt_lang", "COUNT(*)").From("memory").GroupBy("tgt_lang").OrderBy("tgt_lang")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LangStats
	for rows.Next() {
		var st LangStats
		if err := rows.Scan(&st.Lang, &st.Entries); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Forget deletes every entry for lang and returns how many were removed.
func (s *Store) Forget(ctx context.Context, lang string) (int64, error) {
	sqlStr, args, err := s.sq.Delete("memory").Where(sq.Eq{"tgt_lang": lang}).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Bound is a Store fixed to one scope. It satisfies the planner's memory
// interface.
type Bound struct {
	store *Store
	scope Scope
}

// Bind returns the view of s for provider and model.
func (s *Store) Bind(provider, model string) *Bound {
	return &Bound{store: s, scope: Scope{Provider: provider, Model: model}}
}

// Lookup implements the planner memory.
func (b *Bound) Lookup(ctx context.Context, lang string, sources []string) (map[string]string, error) {
	return b.store.Lookup(ctx, b.scope, lang, sources)
}

// Record implements the planner memory.
func (b *Bound) Record(ctx context.Context, lang string, pairs map[string]string) error {
	return b.store.Record(ctx, b.scope, lang, pairs)
}
