package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dk5en/mcapp/internal/wire"
)

// Telemetry chart queries for the weather view. Recent data is served
// raw; long ranges come pre-reduced to 4-hour min/max buckets.

const telemetryBucketMs = 4 * 3600 * 1000

// TelemetryChartData returns raw telemetry readings for the last hours,
// ordered by station and time.
func (s *Store) TelemetryChartData(ctx context.Context, hours int) ([]wire.Message, error) {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli()

	rows, err := s.db.QueryContext(ctx, `
		SELECT callsign, timestamp, temp1, temp2, hum, qfe, qnh, alt
		FROM telemetry WHERE timestamp > ? ORDER BY callsign, timestamp
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer rows.Close()

	var out []wire.Message
	for rows.Next() {
		var callsign string
		var timestamp int64
		var temp1, temp2, hum, qfe, qnh, alt sql.NullFloat64
		if err := rows.Scan(&callsign, &timestamp, &temp1, &temp2, &hum, &qfe, &qnh, &alt); err != nil {
			return nil, err
		}
		entry := wire.Message{
			"callsign":  callsign,
			"timestamp": timestamp,
		}
		for key, v := range map[string]sql.NullFloat64{
			"temp1": temp1, "temp2": temp2, "hum": hum,
			"qfe": qfe, "qnh": qnh, "alt": alt,
		} {
			if v.Valid {
				entry[key] = v.Float64
			} else {
				entry[key] = nil
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// TelemetryChartDataBucketed returns telemetry reduced to 4-hour
// min/max buckets, for the monthly and yearly weather views.
func (s *Store) TelemetryChartDataBucketed(ctx context.Context, hours int) ([]wire.Message, error) {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT
		    callsign,
		    (timestamp / %[1]d) * %[1]d AS bucket_ts,
		    MIN(temp1) AS temp1_min, MAX(temp1) AS temp1_max,
		    MIN(hum) AS hum_min, MAX(hum) AS hum_max,
		    MIN(qfe) AS qfe_min, MAX(qfe) AS qfe_max,
		    MIN(alt) AS alt_min, MAX(alt) AS alt_max,
		    COUNT(*) AS count
		FROM telemetry
		WHERE timestamp > ?
		  AND (temp1 IS NOT NULL OR hum IS NOT NULL OR qfe IS NOT NULL)
		GROUP BY callsign, bucket_ts
		ORDER BY callsign, bucket_ts
	`, telemetryBucketMs), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query bucketed telemetry: %w", err)
	}
	defer rows.Close()

	var out []wire.Message
	for rows.Next() {
		var callsign string
		var bucketTs, count int64
		var temp1Min, temp1Max, humMin, humMax sql.NullFloat64
		var qfeMin, qfeMax, altMin, altMax sql.NullFloat64
		err := rows.Scan(&callsign, &bucketTs, &temp1Min, &temp1Max,
			&humMin, &humMax, &qfeMin, &qfeMax, &altMin, &altMax, &count)
		if err != nil {
			return nil, err
		}
		entry := wire.Message{
			"callsign":  callsign,
			"bucket_ts": bucketTs,
			"count":     count,
		}
		for key, v := range map[string]sql.NullFloat64{
			"temp1_min": temp1Min, "temp1_max": temp1Max,
			"hum_min": humMin, "hum_max": humMax,
			"qfe_min": qfeMin, "qfe_max": qfeMax,
			"alt_min": altMin, "alt_max": altMax,
		} {
			if v.Valid {
				entry[key] = v.Float64
			} else {
				entry[key] = nil
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
