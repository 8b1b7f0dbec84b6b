package requests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"sms-relay/internal/db"
)

var (
	// ErrNotFound is returned when no request row matches the id.
	ErrNotFound = errors.New("request not found")
	// ErrTerminal is returned when an update targets a row that already
	// reached a terminal status.
	ErrTerminal = errors.New("request already terminal")
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

const requestColumns = `id, phone, text, status, attempts_count, last_provider_id, excluded_providers, failure_reason, created_at, updated_at`

type Store struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewStore(db *db.PostgresDB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) CreateRequest(ctx context.Context, phone, text string) (*Request, error) {
	now := time.Now().UTC()
	req := &Request{
		ID:        NewID(),
		Phone:     phone,
		Text:      text,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `INSERT INTO requests (id, phone, text, status, attempts_count, excluded_providers, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, '{}', $5, $6)`

	_, err := s.db.ExecContext(ctx, query, req.ID, req.Phone, req.Text, req.Status, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	s.logger.Info("request created",
		zap.String("request_id", req.ID),
		zap.String("phone", req.Phone))
	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`

	req, err := scanRequest(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

// MarkInFlight moves a non-terminal row to IN_FLIGHT, records the
// provider being tried and bumps the attempt counter, returning the new
// count. Terminal rows are left untouched and reported as ErrTerminal.
func (s *Store) MarkInFlight(ctx context.Context, id, providerID string) (int, error) {
	query := `UPDATE requests
		SET status = 'IN_FLIGHT', last_provider_id = $2, attempts_count = attempts_count + 1, updated_at = $3
		WHERE id = $1 AND status NOT IN ('SUCCEEDED', 'FAILED_PERMANENT')
		RETURNING attempts_count`

	var attempts int
	err := s.db.QueryRowContext(ctx, query, id, providerID, time.Now().UTC()).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, s.missingOrTerminal(ctx, id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark in flight: %w", err)
	}
	return attempts, nil
}

func (s *Store) MarkSucceeded(ctx context.Context, id string) error {
	query := `UPDATE requests SET status = 'SUCCEEDED', updated_at = $2
		WHERE id = $1 AND status NOT IN ('SUCCEEDED', 'FAILED_PERMANENT')`

	res, err := s.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark succeeded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrTerminal(ctx, id)
	}

	s.logger.Info("request succeeded", zap.String("request_id", id))
	return nil
}

func (s *Store) MarkFailedPermanent(ctx context.Context, id, reason string) error {
	query := `UPDATE requests SET status = 'FAILED_PERMANENT', failure_reason = $2, updated_at = $3
		WHERE id = $1 AND status NOT IN ('SUCCEEDED', 'FAILED_PERMANENT')`

	res, err := s.db.ExecContext(ctx, query, id, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrTerminal(ctx, id)
	}

	s.logger.Info("request failed permanently",
		zap.String("request_id", id),
		zap.String("reason", reason))
	return nil
}

// AddExcludedProvider appends providerID to the row's exclusion record,
// keeping it in step with the task's. Already-recorded providers are a
// no-op.
func (s *Store) AddExcludedProvider(ctx context.Context, id, providerID string) error {
	query := `UPDATE requests
		SET excluded_providers = array_append(excluded_providers, $2), updated_at = $3
		WHERE id = $1 AND NOT ($2 = ANY(excluded_providers))`

	if _, err := s.db.ExecContext(ctx, query, id, providerID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to add excluded provider: %w", err)
	}
	return nil
}

// AppendAttempt inserts an attempt row and fills in its generated id.
func (s *Store) AppendAttempt(ctx context.Context, a *Attempt) error {
	query := `INSERT INTO attempts (request_id, provider_id, status, http_status, response_body, error_message, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		a.RequestID, a.ProviderID, a.Status, a.HTTPStatus, a.ResponseBody, a.ErrorMessage, a.StartedAt, a.EndedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to append attempt: %w", err)
	}
	return nil
}

func (s *Store) RecordDeadLetter(ctx context.Context, requestID, reason string, attemptsSnapshot int) error {
	query := `INSERT INTO dead_letters (request_id, reason, attempts_snapshot, created_at)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.db.ExecContext(ctx, query, requestID, reason, attemptsSnapshot, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record dead letter: %w", err)
	}

	s.logger.Warn("request dead-lettered",
		zap.String("request_id", requestID),
		zap.String("reason", reason),
		zap.Int("attempts", attemptsSnapshot))
	return nil
}

func (s *Store) ListRequests(ctx context.Context, filter ListFilter) ([]*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests`

	var (
		conds []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Provider != "" {
		args = append(args, filter.Provider)
		conds = append(conds, fmt.Sprintf("last_provider_id = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	args = append(args, clampLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *Store) ListAttempts(ctx context.Context, requestID string) ([]*Attempt, error) {
	query := `SELECT id, request_id, provider_id, status, http_status, response_body, error_message, started_at, ended_at
		FROM attempts WHERE request_id = $1 ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		var a Attempt
		err := rows.Scan(&a.ID, &a.RequestID, &a.ProviderID, &a.Status, &a.HTTPStatus,
			&a.ResponseBody, &a.ErrorMessage, &a.StartedAt, &a.EndedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	query := `SELECT id, request_id, reason, attempts_snapshot, created_at
		FROM dead_letters ORDER BY created_at DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.RequestID, &d.Reason, &d.AttemptsSnapshot, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// DeleteRequest removes a row outright. Intake uses it to roll back a
// request whose enqueue failed.
func (s *Store) DeleteRequest(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete request: %w", err)
	}
	s.logger.Info("request deleted", zap.String("request_id", id))
	return nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// missingOrTerminal resolves a guarded update that touched no rows into
// the right sentinel.
func (s *Store) missingOrTerminal(ctx context.Context, id string) error {
	if _, err := s.GetRequest(ctx, id); err != nil {
		return err
	}
	return ErrTerminal
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	err := row.Scan(&req.ID, &req.Phone, &req.Text, &req.Status, &req.AttemptsCount,
		&req.LastProviderID, pq.Array(&req.ExcludedProviders), &req.FailureReason,
		&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
