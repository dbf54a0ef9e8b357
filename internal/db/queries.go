package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/askora/askora/internal/models"
)

type Queries struct {
	db *sql.DB
}

func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

func (q *Queries) RecordIngestion(ctx context.Context, in models.Ingestion) (*models.Ingestion, error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO ingestions (repository, knowledge_base, database_name, agent, status, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.Repository, in.KnowledgeBase, in.Database, in.Agent, in.Status, in.Error, in.Duration.Milliseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("recording ingestion: %w", err)
	}
	id, _ := res.LastInsertId()
	return q.GetIngestion(ctx, id)
}

const ingestionColumns = `id, repository, knowledge_base, database_name, agent, status, error, duration_ms, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanIngestion(s scanner) (*models.Ingestion, error) {
	in := &models.Ingestion{}
	var durationMS int64
	var createdAt string
	if err := s.Scan(&in.ID, &in.Repository, &in.KnowledgeBase, &in.Database, &in.Agent,
		&in.Status, &in.Error, &durationMS, &createdAt); err != nil {
		return nil, err
	}
	in.Duration = time.Duration(durationMS) * time.Millisecond
	in.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	return in, nil
}

func (q *Queries) GetIngestion(ctx context.Context, id int64) (*models.Ingestion, error) {
	in, err := scanIngestion(q.db.QueryRowContext(ctx,
		`SELECT `+ingestionColumns+` FROM ingestions WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("getting ingestion: %w", err)
	}
	return in, nil
}

// LatestIngestion returns the most recent attempt for a repository, or sql.ErrNoRows.
func (q *Queries) LatestIngestion(ctx context.Context, repository string) (*models.Ingestion, error) {
	in, err := scanIngestion(q.db.QueryRowContext(ctx,
		`SELECT `+ingestionColumns+` FROM ingestions WHERE repository = ? ORDER BY id DESC LIMIT 1`, repository))
	if err != nil {
		return nil, fmt.Errorf("getting latest ingestion: %w", err)
	}
	return in, nil
}

// ListRecentRepositories returns the latest successful ingestion per repository, newest first.
func (q *Queries) ListRecentRepositories(ctx context.Context, limit int) ([]models.Ingestion, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+ingestionColumns+` FROM ingestions
		 WHERE id IN (
		     SELECT MAX(id) FROM ingestions WHERE status != 'failed' GROUP BY repository
		 )
		 ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	defer rows.Close()

	var results []models.Ingestion
	for rows.Next() {
		in, err := scanIngestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ingestion: %w", err)
		}
		results = append(results, *in)
	}
	return results, rows.Err()
}
