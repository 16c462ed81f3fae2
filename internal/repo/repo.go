package repo

import (
	"context"
	"database/sql"
	"errors"

	"groupline/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Repo persists the attempt audit log. It never sees credentials or tokens;
// the domain.Attempt type cannot carry them.
type Repo struct {
	DB *sql.DB
}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

// RecordAttempt appends one audit row.
func (r Repo) RecordAttempt(ctx context.Context, a domain.Attempt) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO attempts(ts,request_id,group_id,user_id,outcome,remote_status,token_endpoint,duration_ms)
		 VALUES (?,?,?,?,?,?,?,?)`,
		a.TS, a.RequestID, a.GroupID, a.UserID, a.Outcome, a.RemoteStatus, a.TokenEndpoint, a.DurationMS)
	return err
}

// ListAttempts returns the most recent attempts, newest first.
func (r Repo) ListAttempts(ctx context.Context, limit int) ([]domain.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,request_id,group_id,user_id,outcome,remote_status,token_endpoint,duration_ms
		 FROM attempts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		if err := rows.Scan(&a.ID, &a.TS, &a.RequestID, &a.GroupID, &a.UserID, &a.Outcome, &a.RemoteStatus, &a.TokenEndpoint, &a.DurationMS); err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// GetAttempt fetches one audit row by id.
func (r Repo) GetAttempt(ctx context.Context, id int64) (domain.Attempt, error) {
	var a domain.Attempt
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,ts,request_id,group_id,user_id,outcome,remote_status,token_endpoint,duration_ms
		 FROM attempts WHERE id = ?`, id).
		Scan(&a.ID, &a.TS, &a.RequestID, &a.GroupID, &a.UserID, &a.Outcome, &a.RemoteStatus, &a.TokenEndpoint, &a.DurationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}
