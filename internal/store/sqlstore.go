package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store over database/sql. Queries are written with `?`
// placeholders and rebound for Postgres, so the same implementation serves
// both the production Postgres backend and the SQLite dev/test backend.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

// NewPostgres opens a Postgres-backed store and applies the schema.
func NewPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &SQLStore{db: db, postgres: true}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite opens a SQLite-backed store and applies the schema.
// Path ":memory:" gives an ephemeral store for tests.
func NewSQLite(path string) (*SQLStore, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// in-memory SQLite loses state when a second connection opens
	db.SetMaxOpenConns(1)
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.postgres {
		idCol = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS reviews (
			id %s,
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			pull_number INTEGER NOT NULL,
			head_sha TEXT NOT NULL,
			base_sha TEXT NOT NULL,
			status TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, idCol),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS review_comments (
			id %s,
			review_id BIGINT NOT NULL,
			file TEXT NOT NULL,
			line INTEGER NOT NULL,
			severity TEXT NOT NULL,
			body TEXT NOT NULL
		)`, idCol),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS job_metrics (
			id %s,
			duration_ms BIGINT NOT NULL,
			status TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`, idCol),
		`CREATE INDEX IF NOT EXISTS idx_job_metrics_created ON job_metrics (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_reviews_pr ON reviews (owner, repo, pull_number)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// bind rewrites `?` placeholders to `$n` for Postgres.
func (s *SQLStore) bind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s *SQLStore) CreateReview(ctx context.Context, rev Review) (int64, error) {
	now := time.Now().Unix()
	if s.postgres {
		var id int64
		err := s.db.QueryRowContext(ctx, s.bind(
			`INSERT INTO reviews (owner, repo, pull_number, head_sha, base_sha, status, summary, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			rev.Owner, rev.Repo, rev.PullNumber, rev.HeadSHA, rev.BaseSHA, rev.Status, rev.Summary, now, now,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("create review: %w", err)
		}
		return id, nil
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reviews (owner, repo, pull_number, head_sha, base_sha, status, summary, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rev.Owner, rev.Repo, rev.PullNumber, rev.HeadSHA, rev.BaseSHA, rev.Status, rev.Summary, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("create review: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLStore) UpdateReviewStatus(ctx context.Context, id int64, status, summary string) error {
	_, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE reviews SET status = ?, summary = ?, updated_at = ? WHERE id = ?`),
		status, summary, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("update review status: %w", err)
	}
	return nil
}

func (s *SQLStore) AddComments(ctx context.Context, reviewID int64, comments []Comment) error {
	if len(comments) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add comments begin: %w", err)
	}
	defer tx.Rollback()
	stmt := s.bind(`INSERT INTO review_comments (review_id, file, line, severity, body) VALUES (?, ?, ?, ?, ?)`)
	for _, c := range comments {
		if _, err := tx.ExecContext(ctx, stmt, reviewID, c.File, c.Line, c.Severity, c.Body); err != nil {
			return fmt.Errorf("add comment: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) RecordJobMetric(ctx context.Context, m JobMetric) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO job_metrics (duration_ms, status, metadata, created_at) VALUES (?, ?, ?, ?)`),
		m.DurationMs, m.Status, m.Metadata, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record job metric: %w", err)
	}
	return nil
}

func (s *SQLStore) MetricsSummarySince(ctx context.Context, since time.Time) (MetricsSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(
		`SELECT status, COUNT(*), COALESCE(AVG(duration_ms), 0)
		 FROM job_metrics WHERE created_at >= ? GROUP BY status`),
		since.Unix(),
	)
	if err != nil {
		return MetricsSummary{}, fmt.Errorf("metrics summary: %w", err)
	}
	defer rows.Close()

	var sum MetricsSummary
	var weighted float64
	for rows.Next() {
		var status string
		var count int
		var avg float64
		if err := rows.Scan(&status, &count, &avg); err != nil {
			return MetricsSummary{}, fmt.Errorf("metrics summary scan: %w", err)
		}
		switch status {
		case MetricSuccess:
			sum.Successes = count
		case MetricError:
			sum.Errors = count
		case MetricTimeout:
			sum.Timeouts = count
		case MetricSkipped:
			sum.Skipped = count
			continue // duplicates carry no duration worth averaging
		default:
			continue
		}
		sum.Samples += count
		weighted += float64(count) * avg
	}
	if err := rows.Err(); err != nil {
		return MetricsSummary{}, fmt.Errorf("metrics summary rows: %w", err)
	}
	if sum.Samples > 0 {
		sum.AvgDurationMs = weighted / float64(sum.Samples)
	}
	return sum, nil
}

func (s *SQLStore) ReviewStats(ctx context.Context) (ReviewStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM reviews GROUP BY status`)
	if err != nil {
		return ReviewStats{}, fmt.Errorf("review stats: %w", err)
	}
	defer rows.Close()

	var stats ReviewStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return ReviewStats{}, fmt.Errorf("review stats scan: %w", err)
		}
		stats.Total += count
		switch status {
		case ReviewCompleted:
			stats.Completed = count
		case ReviewFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return ReviewStats{}, fmt.Errorf("review stats rows: %w", err)
	}
	return stats, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
