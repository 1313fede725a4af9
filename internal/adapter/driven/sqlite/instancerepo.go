package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foliowatch/foliowatch/internal/domain/model"
	"github.com/foliowatch/foliowatch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.InstanceStore = (*InstanceRepo)(nil)

// InstanceRepo is the SQLite implementation of the InstanceStore port.
// Access tokens are encrypted with AES-256-GCM before write when a secret
// key is configured.
type InstanceRepo struct {
	db     *DB
	cipher *tokenCipher
}

// NewInstanceRepo creates an InstanceRepo. key must be a 32-byte AES-256
// key, or nil to store access tokens in plaintext.
func NewInstanceRepo(db *DB, key []byte) (*InstanceRepo, error) {
	c, err := newTokenCipher(key)
	if err != nil {
		return nil, err
	}
	return &InstanceRepo{db: db, cipher: c}, nil
}

// Add inserts a new instance. Returns ErrInstanceAlreadyExists when an
// instance with the same base URL and name is already configured.
func (r *InstanceRepo) Add(ctx context.Context, inst model.Instance) error {
	const query = `INSERT INTO instances
		(id, name, base_url, access_token, verify_ssl, update_interval_seconds, ranges, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	token, err := r.cipher.seal(inst.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}

	createdAt := inst.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := inst.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err = r.db.Writer.ExecContext(ctx, query,
		inst.ID,
		inst.Name,
		inst.BaseURL,
		token,
		boolToInt(inst.VerifySSL),
		int64(inst.IntervalOrDefault()/time.Second),
		strings.Join(inst.RangesOrDefault(), ","),
		createdAt.Format(time.RFC3339),
		updatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("add instance %s: %w", inst.Name, driven.ErrInstanceAlreadyExists)
		}
		return fmt.Errorf("add instance %s: %w", inst.Name, err)
	}

	return nil
}

// Update reconfigures an existing instance. Returns ErrInstanceNotFound
// when the ID does not exist.
func (r *InstanceRepo) Update(ctx context.Context, inst model.Instance) error {
	const query = `UPDATE instances
		SET name = ?, base_url = ?, access_token = ?, verify_ssl = ?,
		    update_interval_seconds = ?, ranges = ?, updated_at = ?
		WHERE id = ?`

	token, err := r.cipher.seal(inst.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}

	result, err := r.db.Writer.ExecContext(ctx, query,
		inst.Name,
		inst.BaseURL,
		token,
		boolToInt(inst.VerifySSL),
		int64(inst.IntervalOrDefault()/time.Second),
		strings.Join(inst.RangesOrDefault(), ","),
		time.Now().UTC().Format(time.RFC3339),
		inst.ID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("update instance %s: %w", inst.ID, driven.ErrInstanceAlreadyExists)
		}
		return fmt.Errorf("update instance %s: %w", inst.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("update instance %s: %w", inst.ID, driven.ErrInstanceNotFound)
	}

	return nil
}

// GetByID retrieves an instance. Returns nil, nil when the ID does not exist.
func (r *InstanceRepo) GetByID(ctx context.Context, id string) (*model.Instance, error) {
	const query = `SELECT id, name, base_url, access_token, verify_ssl, update_interval_seconds, ranges, created_at, updated_at
		FROM instances WHERE id = ?`

	inst, err := r.scanInstance(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}

	return inst, nil
}

// ListAll returns all configured instances ordered by name.
func (r *InstanceRepo) ListAll(ctx context.Context) ([]model.Instance, error) {
	const query = `SELECT id, name, base_url, access_token, verify_ssl, update_interval_seconds, ranges, created_at, updated_at
		FROM instances ORDER BY name, base_url`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var instances []model.Instance
	for rows.Next() {
		inst, err := r.scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, *inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}

	return instances, nil
}

// Remove deletes an instance by ID. Snapshot rows cascade. Returns
// ErrInstanceNotFound when the ID does not exist.
func (r *InstanceRepo) Remove(ctx context.Context, id string) error {
	const query = `DELETE FROM instances WHERE id = ?`

	result, err := r.db.Writer.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("remove instance %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("remove instance %s: %w", id, driven.ErrInstanceNotFound)
	}

	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (r *InstanceRepo) scanInstance(s scanner) (*model.Instance, error) {
	var inst model.Instance
	var token, ranges, createdAt, updatedAt string
	var verifySSL int
	var intervalSeconds int64

	err := s.Scan(&inst.ID, &inst.Name, &inst.BaseURL, &token, &verifySSL, &intervalSeconds, &ranges, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	inst.AccessToken, err = r.cipher.open(token)
	if err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}

	inst.VerifySSL = verifySSL != 0
	inst.UpdateInterval = time.Duration(intervalSeconds) * time.Second
	if ranges != "" {
		inst.Ranges = strings.Split(ranges, ",")
	}

	inst.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	inst.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &inst, nil
}

// parseTime tries multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	formats := []string{
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		time.RFC3339,
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
