package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/dk5en/mcapp/internal/wire"
)

const (
	sevenDays = 7 * 24 * time.Hour
	oneMonth  = 30 * 24 * time.Hour
	oneYear   = 365 * 24 * time.Hour

	// Stations need a minimum of chart points to be worth drawing.
	minDatapointsForStats = 10

	// A pause longer than six bucket periods breaks the line into
	// segments; the chart draws nothing across the gap.
	gapThresholdMultiplier = 6
)

type chartBucket struct {
	callsign string
	bucketTs int64 // ms
	rssiAvg  float64
	rssiMin  int64
	rssiMax  int64
	snrAvg   float64
	snrMin   float64
	snrMax   float64
	count    int64
}

// MHeardStats builds the 7-day signal chart from the pre-aggregated
// 5-minute buckets. progress reports stages to the requesting client;
// it may be nil.
func (s *Store) MHeardStats(ctx context.Context, progress func(stage, detail, callsign string)) (wire.Message, error) {
	report := func(stage, detail, callsign string) {
		if progress != nil {
			progress(stage, detail, callsign)
		}
	}
	report("start", "Querying database...", "")

	// Partial in-memory buckets belong in the chart too.
	if err := s.flushAllBuckets(ctx); err != nil {
		return nil, fmt.Errorf("flush buckets: %w", err)
	}

	cutoff := time.Now().Add(-sevenDays).UnixMilli()
	buckets, err := s.queryBuckets(ctx, bucketSizeMs, cutoff)
	if err != nil {
		return nil, err
	}

	if len(buckets) == 0 {
		// Databases migrated before bucket aggregation existed still
		// answer from the raw message scan.
		s.log.Info("signal buckets empty, using raw message scan")
		buckets, err = s.legacyBuckets(ctx, cutoff)
		if err != nil {
			return nil, err
		}
	}

	entries := buildChartEntries(buckets, bucketSeconds, report)
	return chartResult(entries, report), nil
}

// MHeardMonthly builds the 30-day chart: recent 5-minute buckets plus
// hourly rollups, both reduced to hourly resolution.
func (s *Store) MHeardMonthly(ctx context.Context, progress func(stage, detail, callsign string)) (wire.Message, error) {
	return s.longTermStats(ctx, oneMonth, "Querying monthly data...", progress)
}

// MHeardYearly builds the 365-day chart from hourly buckets.
func (s *Store) MHeardYearly(ctx context.Context, progress func(stage, detail, callsign string)) (wire.Message, error) {
	return s.longTermStats(ctx, oneYear, "Querying yearly data...", progress)
}

func (s *Store) longTermStats(ctx context.Context, window time.Duration, startMsg string, progress func(stage, detail, callsign string)) (wire.Message, error) {
	report := func(stage, detail, callsign string) {
		if progress != nil {
			progress(stage, detail, callsign)
		}
	}
	report("start", startMsg, "")

	cutoff := time.Now().Add(-window).UnixMilli()

	// Hourly buckets as stored, unified with 5-minute buckets rolled
	// up to hour resolution on the fly.
	rows, err := s.db.QueryContext(ctx, `
		SELECT callsign, bucket_ts, rssi_avg, rssi_min, rssi_max,
		       snr_avg, snr_min, snr_max, count
		FROM signal_buckets
		WHERE bucket_size = ? AND bucket_ts >= ?
		UNION ALL
		SELECT callsign,
		       (bucket_ts / 3600000) * 3600000 AS bucket_ts,
		       SUM(rssi_avg * count) / SUM(count),
		       MIN(rssi_min), MAX(rssi_max),
		       SUM(snr_avg * count) / SUM(count),
		       MIN(snr_min), MAX(snr_max),
		       SUM(count)
		FROM signal_buckets
		WHERE bucket_size = ? AND bucket_ts >= ?
		GROUP BY callsign, (bucket_ts / 3600000) * 3600000
	`, hourlyMs, cutoff, bucketSizeMs, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query hourly buckets: %w", err)
	}
	buckets, err := scanChartBuckets(rows)
	if err != nil {
		return nil, err
	}

	if len(buckets) == 0 {
		report("done", "No data available", "")
		return wire.Message{"entries": []wire.Message{}, "stations": 0}, nil
	}

	entries := buildChartEntries(buckets, 3600, report)
	return chartResult(entries, report), nil
}

func (s *Store) queryBuckets(ctx context.Context, bucketSize int64, cutoff int64) ([]chartBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT callsign, bucket_ts, rssi_avg, rssi_min, rssi_max,
		       snr_avg, snr_min, snr_max, count
		FROM signal_buckets
		WHERE bucket_size = ? AND bucket_ts >= ?
	`, bucketSize, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query signal buckets: %w", err)
	}
	return scanChartBuckets(rows)
}

func scanChartBuckets(rows *sql.Rows) ([]chartBucket, error) {
	defer rows.Close()
	var out []chartBucket
	for rows.Next() {
		var b chartBucket
		err := rows.Scan(&b.callsign, &b.bucketTs, &b.rssiAvg, &b.rssiMin,
			&b.rssiMax, &b.snrAvg, &b.snrMin, &b.snrMax, &b.count)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// legacyBuckets aggregates raw message rows into 5-minute buckets when
// no pre-aggregated data exists yet.
func (s *Store) legacyBuckets(ctx context.Context, cutoff int64) ([]chartBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT src, timestamp, rssi, snr
		FROM messages
		WHERE timestamp >= ?
		    AND rssi IS NOT NULL AND snr IS NOT NULL
		    AND rssi BETWEEN ? AND ?
		    AND snr BETWEEN ? AND ?
	`, cutoff, minValidRSSI, maxValidRSSI, minValidSNR, maxValidSNR)
	if err != nil {
		return nil, fmt.Errorf("legacy signal scan: %w", err)
	}
	defer rows.Close()

	type accum struct {
		rssi []int64
		snr  []float64
	}
	acc := make(map[bucketKey]*accum)
	for rows.Next() {
		var src string
		var timestamp, rssi int64
		var snr float64
		if err := rows.Scan(&src, &timestamp, &rssi, &snr); err != nil {
			return nil, err
		}
		if src == "" {
			continue
		}
		bucketStart := (timestamp / bucketSizeMs) * bucketSizeMs
		callsign, _ := splitRelayPath(src)
		key := bucketKey{callsign, bucketStart}
		a := acc[key]
		if a == nil {
			a = &accum{}
			acc[key] = a
		}
		a.rssi = append(a.rssi, rssi)
		a.snr = append(a.snr, snr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []chartBucket
	for key, a := range acc {
		b, ok := summarizeBucket(bucketKey{key.callsign, key.startMs}, &bucketAccum{rssi: a.rssi, snr: a.snr})
		if !ok {
			continue
		}
		out = append(out, chartBucket{
			callsign: b.callsign,
			bucketTs: b.startMs,
			rssiAvg:  b.rssiAvg,
			rssiMin:  b.rssiMin,
			rssiMax:  b.rssiMax,
			snrAvg:   b.snrAvg,
			snrMin:   b.snrMin,
			snrMax:   b.snrMax,
			count:    int64(b.count),
		})
	}
	return out, nil
}

// buildChartEntries turns per-station bucket series into ordered chart
// points with gap markers between disjoint segments. bucketSeconds is
// the bucket resolution in seconds.
func buildChartEntries(buckets []chartBucket, resolution int64, report func(stage, detail, callsign string)) []wire.Message {
	byCallsign := make(map[string][]chartBucket)
	for _, b := range buckets {
		byCallsign[b.callsign] = append(byCallsign[b.callsign], b)
	}

	var qualified []string
	for cs, entries := range byCallsign {
		if len(entries) >= minDatapointsForStats {
			qualified = append(qualified, cs)
		}
	}
	sort.Strings(qualified)

	report("bucketing",
		fmt.Sprintf("Processing %d buckets for %d stations...", len(buckets), len(qualified)), "")

	gapThreshold := gapThresholdMultiplier * resolution

	var result []wire.Message
	for idx, callsign := range qualified {
		report("gaps",
			fmt.Sprintf("Building chart for %s (%d/%d)...", callsign, idx+1, len(qualified)),
			callsign)

		entries := byCallsign[callsign]
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].bucketTs < entries[j].bucketTs
		})

		segment := 0
		var prevTime int64
		for _, e := range entries {
			bucketTime := e.bucketTs / 1000

			if prevTime != 0 && bucketTime-prevTime > gapThreshold {
				result = append(result, wire.Message{
					"src_type":      "STATS",
					"timestamp":     bucketTime - resolution,
					"callsign":      callsign,
					"rssi":          nil,
					"snr":           nil,
					"rssi_min":      nil,
					"rssi_max":      nil,
					"snr_min":       nil,
					"snr_max":       nil,
					"count":         nil,
					"segment_id":    fmt.Sprintf("%s_gap_%d_to_%d", callsign, segment, segment+1),
					"segment_size":  1,
					"is_gap_marker": true,
				})
				segment++
			}

			result = append(result, wire.Message{
				"src_type":     "STATS",
				"timestamp":    bucketTime,
				"callsign":     callsign,
				"rssi":         e.rssiAvg,
				"snr":          e.snrAvg,
				"rssi_min":     e.rssiMin,
				"rssi_max":     e.rssiMax,
				"snr_min":      e.snrMin,
				"snr_max":      e.snrMax,
				"count":        e.count,
				"segment_id":   fmt.Sprintf("%s_seg_%d", callsign, segment),
				"segment_size": 1,
			})
			prevTime = bucketTime
		}
	}
	return result
}

func chartResult(entries []wire.Message, report func(stage, detail, callsign string)) wire.Message {
	stations := make(map[string]struct{})
	points := 0
	for _, e := range entries {
		if gap, _ := e["is_gap_marker"].(bool); gap {
			continue
		}
		points++
		stations[asString(e["callsign"])] = struct{}{}
	}
	report("done",
		fmt.Sprintf("%d data points for %d stations", points, len(stations)), "")

	if entries == nil {
		entries = []wire.Message{}
	}
	return wire.Message{
		"entries":  entries,
		"stations": len(stations),
	}
}

// AggregateHourlyBuckets rolls 5-minute buckets older than eight days
// into hourly buckets. Runs from the nightly maintenance job.
func (s *Store) AggregateHourlyBuckets(ctx context.Context) error {
	cutoff := time.Now().Add(-8 * 24 * time.Hour).UnixMilli()

	if _, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO signal_buckets
		    (callsign, bucket_ts, bucket_size, rssi_avg, rssi_min, rssi_max,
		     snr_avg, snr_min, snr_max, count)
		SELECT
		    callsign,
		    (bucket_ts / 3600000) * 3600000 AS hour_ts,
		    3600000,
		    SUM(rssi_avg * count) / SUM(count),
		    MIN(rssi_min), MAX(rssi_max),
		    SUM(snr_avg * count) / SUM(count),
		    MIN(snr_min), MAX(snr_max),
		    SUM(count)
		FROM signal_buckets
		WHERE bucket_size = ?
		  AND bucket_ts < ?
		GROUP BY callsign, hour_ts
	`, bucketSizeMs, cutoff); err != nil {
		return fmt.Errorf("hourly rollup: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM signal_buckets WHERE bucket_size = ? AND bucket_ts < ?
	`, bucketSizeMs, cutoff); err != nil {
		return fmt.Errorf("drop rolled-up buckets: %w", err)
	}

	s.log.Info("aggregated old signal buckets into hourly resolution")
	return nil
}
