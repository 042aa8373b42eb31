// Package rag remembers successful task procedures in SQLite FTS5 and
// surfaces them as context for similar future tasks. Retrieval failures
// degrade to an empty context; memory must never fail a task.
package rag

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	zeus "github.com/ovfarias/zeus"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements zeus.Retriever over a local SQLite file with an FTS5
// index on task text and outcome.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ zeus.Retriever = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath. One shared
// connection serializes writers, same as the queue backend.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the procedures table and its FTS5 index.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS procedures (
			id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			steps TEXT NOT NULL,
			outcome TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS procedures_fts USING fts5(
			id UNINDEXED,
			text
		)`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create procedures schema: %w", err)
		}
	}
	return nil
}

// RecordProcedure stores a procedure and indexes its task and outcome text.
func (s *Store) RecordProcedure(ctx context.Context, p zeus.Procedure) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record procedure: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO procedures (id, task, steps, outcome, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Task, string(steps), p.Outcome, p.CreatedAt.Unix()); err != nil {
		return fmt.Errorf("record procedure: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO procedures_fts (id, text) VALUES (?, ?)`,
		p.ID, p.Task+" "+p.Outcome); err != nil {
		return fmt.Errorf("index procedure: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record procedure: %w", err)
	}
	s.logger.Debug("procedure recorded", "id", p.ID, "steps", len(p.Steps))
	return nil
}

// RetrieveContext returns procedures matching the query, best first.
// No matches, or a query FTS cannot parse, yields an empty result.
func (s *Store) RetrieveContext(ctx context.Context, query string, topK int) ([]zeus.ProcedureMatch, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 3
	}

	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.task, p.steps, p.outcome, p.created_at
		 FROM procedures_fts f
		 JOIN procedures p ON p.id = f.id
		 WHERE procedures_fts MATCH ?
		 ORDER BY rank
		 LIMIT ?`, match, topK)
	if err != nil {
		// Bad FTS syntax from odd user input degrades to no context.
		s.logger.Debug("procedure search failed", "error", err)
		return nil, nil
	}
	defer rows.Close()

	var matches []zeus.ProcedureMatch
	for rows.Next() {
		var (
			p         zeus.Procedure
			steps     string
			createdAt int64
		)
		if err := rows.Scan(&p.ID, &p.Task, &steps, &p.Outcome, &createdAt); err != nil {
			return nil, fmt.Errorf("scan procedure: %w", err)
		}
		_ = json.Unmarshal([]byte(steps), &p.Steps)
		p.CreatedAt = time.Unix(createdAt, 0)
		// Positional score: FTS rank ordering is preserved, absolute bm25
		// values are not comparable across corpora.
		matches = append(matches, zeus.ProcedureMatch{
			Procedure: p,
			Score:     1 / float32(len(matches)+1),
		})
	}
	s.logger.Debug("procedures retrieved", "query_terms", match, "count", len(matches), "duration", time.Since(start))
	return matches, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ftsQuery turns free text into an OR-of-quoted-tokens FTS5 match
// expression, neutralizing syntax characters in user input.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	var tokens []string
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		tokens = append(tokens, `"`+f+`"`)
		if len(tokens) == 12 {
			break
		}
	}
	return strings.Join(tokens, " OR ")
}
