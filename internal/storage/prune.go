package storage

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Retention and size limits for the nightly maintenance job.
const (
	maxDBSizeMB      = 1024
	pruneSizeTarget  = 0.9 // shrink to 90% of the cap to avoid re-triggering
	estBytesPerRow   = 200
	telemetryKeep    = 365 * 24 * time.Hour
	stalePositionAge = 30 * 24 * time.Hour

	// Maintenance runs at 04:00 local time, when the mesh is quiet.
	pruneHour = 4
)

// PruneOptions carries the per-type retention settings.
type PruneOptions struct {
	MsgHours  int // chat messages, default 30 days
	PosHours  int // position beacons, default 8 days
	AckHours  int // ACK bookkeeping, default 8 days
	BlockList []string
}

func (o *PruneOptions) defaults() {
	if o.MsgHours <= 0 {
		o.MsgHours = 30 * 24
	}
	if o.PosHours <= 0 {
		o.PosHours = 8 * 24
	}
	if o.AckHours <= 0 {
		o.AckHours = 8 * 24
	}
}

// DatabaseSizeMB returns the current database file size.
func (s *Store) DatabaseSizeMB() float64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return float64(info.Size()) / (1024 * 1024)
}

// Prune applies type-based retention, deletes blocked and invalid
// rows, enforces the size cap and refreshes planner statistics.
// Returns the remaining message count.
func (s *Store) Prune(ctx context.Context, opts PruneOptions) (int64, error) {
	opts.defaults()
	now := time.Now()

	cutoffMsg := now.Add(-time.Duration(opts.MsgHours) * time.Hour).UnixMilli()
	cutoffPos := now.Add(-time.Duration(opts.PosHours) * time.Hour).UnixMilli()
	cutoffAck := now.Add(-time.Duration(opts.AckHours) * time.Hour).UnixMilli()

	exec := func(query string, args ...any) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	}

	if err := exec("DELETE FROM messages WHERE type = 'msg' AND timestamp < ?", cutoffMsg); err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	if err := exec("DELETE FROM messages WHERE type = 'pos' AND timestamp < ?", cutoffPos); err != nil {
		return 0, fmt.Errorf("prune positions: %w", err)
	}
	if err := exec("DELETE FROM messages WHERE type = 'ack' AND timestamp < ?", cutoffAck); err != nil {
		return 0, fmt.Errorf("prune acks: %w", err)
	}
	// Unknown types follow the shortest retention.
	minCutoff := cutoffPos
	if cutoffAck > minCutoff {
		minCutoff = cutoffAck
	}
	if err := exec(
		"DELETE FROM messages WHERE type NOT IN ('msg', 'pos', 'ack') AND timestamp < ?",
		minCutoff); err != nil {
		return 0, fmt.Errorf("prune other types: %w", err)
	}

	for _, call := range opts.BlockList {
		if err := exec("DELETE FROM messages WHERE src = ?", call); err != nil {
			return 0, fmt.Errorf("prune blocked source: %w", err)
		}
	}

	if err := exec(`DELETE FROM messages WHERE msg = '-- invalid character --'
		OR msg LIKE '%No core dump%'`); err != nil {
		return 0, fmt.Errorf("prune invalid rows: %w", err)
	}

	// Side tables.
	cutoffTelemetry := now.Add(-telemetryKeep).UnixMilli()
	if err := exec("DELETE FROM telemetry WHERE timestamp < ?", cutoffTelemetry); err != nil {
		return 0, fmt.Errorf("prune telemetry: %w", err)
	}
	if err := exec("DELETE FROM signal_log WHERE timestamp < ?", cutoffPos); err != nil {
		return 0, fmt.Errorf("prune signal log: %w", err)
	}
	if err := exec("DELETE FROM signal_buckets WHERE bucket_size = ? AND bucket_ts < ?",
		bucketSizeMs, cutoffPos); err != nil {
		return 0, fmt.Errorf("prune 5-min buckets: %w", err)
	}
	if err := exec("DELETE FROM signal_buckets WHERE bucket_size = ? AND bucket_ts < ?",
		hourlyMs, cutoffTelemetry); err != nil {
		return 0, fmt.Errorf("prune hourly buckets: %w", err)
	}
	cutoffStale := now.Add(-stalePositionAge).UnixMilli()
	if err := exec(
		"DELETE FROM station_positions WHERE last_seen IS NOT NULL AND last_seen < ?",
		cutoffStale); err != nil {
		return 0, fmt.Errorf("prune stale positions: %w", err)
	}

	if err := s.enforceSizeCap(ctx); err != nil {
		return 0, err
	}

	if err := exec("ANALYZE"); err != nil {
		return 0, fmt.Errorf("analyze: %w", err)
	}

	count, err := s.MessageCount(ctx)
	if err != nil {
		return 0, err
	}
	s.log.Info("prune complete", "remaining", count, "size_mb", s.DatabaseSizeMB())
	if s.metrics != nil {
		if info, err := os.Stat(s.path); err == nil {
			s.metrics.RecordPrune(info.Size())
		}
	}
	return count, nil
}

// enforceSizeCap deletes the oldest rows across the bulk tables until
// the estimated size drops below the target, then VACUUMs once to
// return the pages to the filesystem.
func (s *Store) enforceSizeCap(ctx context.Context) error {
	sizeMB := s.DatabaseSizeMB()
	if sizeMB <= maxDBSizeMB {
		return nil
	}

	s.log.Warn("database exceeds size cap, pruning oldest rows",
		"size_mb", sizeMB, "cap_mb", maxDBSizeMB)

	targetMB := maxDBSizeMB * pruneSizeTarget
	excessBytes := int64((sizeMB - targetMB) * 1024 * 1024)
	rowsToFree := excessBytes / estBytesPerRow
	if rowsToFree < 1000 {
		rowsToFree = 1000
	}

	tables := []struct{ name, tsCol string }{
		{"signal_log", "timestamp"},
		{"signal_buckets", "bucket_ts"},
		{"messages", "timestamp"},
	}
	for _, t := range tables {
		var count int64
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM "+t.name).Scan(&count); err != nil {
			return fmt.Errorf("count %s: %w", t.name, err)
		}
		toDelete := rowsToFree
		if count < toDelete {
			toDelete = count
		}
		if toDelete > 0 {
			_, err := s.db.ExecContext(ctx, fmt.Sprintf(
				`DELETE FROM %[1]s WHERE rowid IN
				 (SELECT rowid FROM %[1]s ORDER BY %[2]s ASC LIMIT ?)`,
				t.name, t.tsCol), toDelete)
			if err != nil {
				return fmt.Errorf("size prune %s: %w", t.name, err)
			}
			s.log.Info("size cap: deleted oldest rows",
				"table", t.name, "rows", toDelete)
			rowsToFree -= toDelete
		}
		if rowsToFree <= 0 {
			break
		}
	}

	// DELETE only moves pages to the freelist; VACUUM rebuilds the file.
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	s.log.Info("size cap enforcement complete",
		"size_mb_before", sizeMB, "size_mb_after", s.DatabaseSizeMB())
	return nil
}

// RunMaintenance runs the nightly job until ctx is cancelled: hourly
// bucket rollup followed by the retention prune, every day at 04:00.
func (s *Store) RunMaintenance(ctx context.Context, opts PruneOptions) error {
	for {
		next := nextRunAt(time.Now())
		s.log.Debug("next maintenance scheduled", "at", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := s.AggregateHourlyBuckets(ctx); err != nil {
			s.log.Error("hourly bucket rollup failed", "error", err)
		}
		if _, err := s.Prune(ctx, opts); err != nil {
			s.log.Error("prune failed", "error", err)
		}
	}
}

func nextRunAt(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), pruneHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
