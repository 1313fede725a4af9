package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/foliowatch/foliowatch/internal/domain/model"
	"github.com/foliowatch/foliowatch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.SnapshotStore = (*SnapshotRepo)(nil)

// SnapshotRepo is the SQLite implementation of the SnapshotStore port.
type SnapshotRepo struct {
	db *DB
}

// NewSnapshotRepo creates a SnapshotRepo backed by the given DB.
func NewSnapshotRepo(db *DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

const snapshotColumns = `id, instance_id, time_range, current_value, net_performance,
	net_performance_percent, total_investment, net_performance_currency_effect,
	net_performance_percent_currency_effect, current_net_worth, first_order_date,
	base_currency, fetched_at`

// Insert stores one snapshot as a new history row.
func (r *SnapshotRepo) Insert(ctx context.Context, snap model.Snapshot) error {
	const query = `INSERT INTO snapshots
		(instance_id, time_range, current_value, net_performance, net_performance_percent,
		 total_investment, net_performance_currency_effect, net_performance_percent_currency_effect,
		 current_net_worth, first_order_date, base_currency, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	fetchedAt := snap.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	_, err := r.db.Writer.ExecContext(ctx, query,
		snap.InstanceID,
		snap.Range,
		nullFloat(snap.CurrentValue),
		nullFloat(snap.NetPerformance),
		nullFloat(snap.NetPerformancePercent),
		nullFloat(snap.TotalInvestment),
		nullFloat(snap.NetPerformanceWithCurrencyEffect),
		nullFloat(snap.NetPerformancePercentWithCurrencyEffect),
		nullFloat(snap.CurrentNetWorth),
		snap.FirstOrderDate,
		snap.BaseCurrency,
		fetchedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot for %s/%s: %w", snap.InstanceID, snap.Range, err)
	}

	return nil
}

// Latest returns the most recent snapshot for an instance and range, or
// nil, nil when none has been stored yet.
func (r *SnapshotRepo) Latest(ctx context.Context, instanceID, rng string) (*model.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots
		WHERE instance_id = ? AND time_range = ?
		ORDER BY fetched_at DESC, id DESC LIMIT 1`

	snap, err := scanSnapshot(r.db.Reader.QueryRowContext(ctx, query, instanceID, rng))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot for %s/%s: %w", instanceID, rng, err)
	}

	return snap, nil
}

// History returns up to limit snapshots for an instance and range, newest first.
func (r *SnapshotRepo) History(ctx context.Context, instanceID, rng string, limit int) ([]model.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + snapshotColumns + ` FROM snapshots
		WHERE instance_id = ? AND time_range = ?
		ORDER BY fetched_at DESC, id DESC LIMIT ?`

	rows, err := r.db.Reader.QueryContext(ctx, query, instanceID, rng, limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot history for %s/%s: %w", instanceID, rng, err)
	}
	defer rows.Close()

	var snaps []model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, *snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}

	return snaps, nil
}

// DeleteByInstance removes all snapshot rows for an instance.
func (r *SnapshotRepo) DeleteByInstance(ctx context.Context, instanceID string) error {
	const query = `DELETE FROM snapshots WHERE instance_id = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, instanceID); err != nil {
		return fmt.Errorf("delete snapshots for %s: %w", instanceID, err)
	}

	return nil
}

func scanSnapshot(s scanner) (*model.Snapshot, error) {
	var snap model.Snapshot
	var currentValue, netPerf, netPerfPct, totalInvestment, netPerfCur, netPerfPctCur, netWorth sql.NullFloat64
	var fetchedAt string

	err := s.Scan(
		&snap.ID,
		&snap.InstanceID,
		&snap.Range,
		&currentValue,
		&netPerf,
		&netPerfPct,
		&totalInvestment,
		&netPerfCur,
		&netPerfPctCur,
		&netWorth,
		&snap.FirstOrderDate,
		&snap.BaseCurrency,
		&fetchedAt,
	)
	if err != nil {
		return nil, err
	}

	snap.CurrentValue = floatFromNull(currentValue)
	snap.NetPerformance = floatFromNull(netPerf)
	snap.NetPerformancePercent = floatFromNull(netPerfPct)
	snap.TotalInvestment = floatFromNull(totalInvestment)
	snap.NetPerformanceWithCurrencyEffect = floatFromNull(netPerfCur)
	snap.NetPerformancePercentWithCurrencyEffect = floatFromNull(netPerfPctCur)
	snap.CurrentNetWorth = floatFromNull(netWorth)

	snap.FetchedAt, err = time.Parse(time.RFC3339Nano, fetchedAt)
	if err != nil {
		return nil, fmt.Errorf("parse fetched_at: %w", err)
	}

	return &snap, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatFromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
