// Package storage persists mesh traffic in a single-file SQLite
// database: raw messages, per-station positions, signal quality
// history, telemetry and the web UI state. It backs both the web
// client queries and the radio-side data commands.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	mcmetrics "github.com/dk5en/mcapp/internal/metrics"
	"github.com/dk5en/mcapp/internal/wire"
)

// Signal chart bucketing and measurement sanity limits.
const (
	bucketSeconds = 5 * 60
	bucketSizeMs  = bucketSeconds * 1000
	hourlyMs      = 3600_000

	minValidRSSI = -140
	maxValidRSSI = -30
	minValidSNR  = -30
	maxValidSNR  = 12

	// Same msg_id within this window is a mesh duplicate, not a resend.
	dedupWindow = 20 * time.Minute

	// BLE MHeard beacons have no msg_id and repeat every ~40s; refresh
	// the latest row in place instead of inserting.
	mheardRefreshWindow = 2 * time.Minute

	telemetryDedupWindow = time.Minute
)

// conversationKey groups messages for the web UI: groups and broadcast
// keep the destination, DMs use the sorted base callsigns.
func conversationKey(src, dst string) string {
	if dst == "" {
		return ""
	}
	if dst == "*" || dst == "TEST" || isAllDigits(dst) {
		return dst
	}
	baseSrc, _, _ := strings.Cut(src, "-")
	baseDst, _, _ := strings.Cut(dst, "-")
	if baseSrc > baseDst {
		baseSrc, baseDst = baseDst, baseSrc
	}
	return baseSrc + "<>" + baseDst
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// -------------------------------------------------------------------------
// Store
// -------------------------------------------------------------------------

type bucketKey struct {
	callsign string
	startMs  int64
}

type bucketAccum struct {
	rssi []int64
	snr  []float64
}

// Store is the SQLite-backed message store.
type Store struct {
	db      *sql.DB
	path    string
	log     *slog.Logger
	metrics *mcmetrics.Collector

	// In-memory accumulators for the current 5-minute signal buckets.
	mu    sync.Mutex
	accum map[bucketKey]*bucketAccum
}

// Options configures a Store.
type Options struct {
	Path    string
	Metrics *mcmetrics.Collector
	Log     *slog.Logger
}

// Open creates or migrates the database at opts.Path and loads the
// partial signal buckets back into memory.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	log := opts.Log.With("component", "storage")

	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		opts.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY churn; WAL keeps reads cheap.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		path:    opts.Path,
		log:     log,
		metrics: opts.Metrics,
		accum:   make(map[bucketKey]*bucketAccum),
	}

	if err := s.migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadPartialBuckets(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("load partial buckets: %w", err)
	}

	log.Info("database ready", "path", opts.Path, "schema", schemaVersion)
	return s, nil
}

// Close flushes pending signal buckets and closes the database.
func (s *Store) Close() error {
	if err := s.flushAllBuckets(context.Background()); err != nil {
		s.log.Warn("failed to flush signal buckets on close", "error", err)
	}
	return s.db.Close()
}

// loadPartialBuckets restores the current bucket period from
// signal_log, so a restart does not lose the partial accumulators.
func (s *Store) loadPartialBuckets(ctx context.Context) error {
	nowMs := time.Now().UnixMilli()
	bucketStart := (nowMs / bucketSizeMs) * bucketSizeMs

	rows, err := s.db.QueryContext(ctx, `
		SELECT callsign, rssi, snr FROM signal_log
		WHERE timestamp >= ?
		AND rssi BETWEEN ? AND ? AND snr BETWEEN ? AND ?
	`, bucketStart, minValidRSSI, maxValidRSSI, minValidSNR, maxValidSNR)
	if err != nil {
		return err
	}
	defer rows.Close()

	loaded := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var callsign string
		var rssi int64
		var snr float64
		if err := rows.Scan(&callsign, &rssi, &snr); err != nil {
			return err
		}
		key := bucketKey{callsign, bucketStart}
		acc := s.accum[key]
		if acc == nil {
			acc = &bucketAccum{}
			s.accum[key] = acc
		}
		acc.rssi = append(acc.rssi, rssi)
		acc.snr = append(acc.snr, snr)
		loaded++
	}
	if loaded > 0 {
		s.log.Info("restored partial signal buckets",
			"entries", loaded, "buckets", len(s.accum))
	}
	return rows.Err()
}

// -------------------------------------------------------------------------
// Message Ingestion
// -------------------------------------------------------------------------

// shouldFilter drops traffic that never belongs in the archive: device
// config chatter, test frames and known firmware garbage.
func shouldFilter(data wire.Message) bool {
	msg := asString(data["msg"])
	srcType := asString(data["src_type"])
	src := asString(data["src"])

	switch {
	case strings.HasPrefix(msg, "{CET}"):
		return true
	case srcType == "BLE" || srcType == "TEST":
		return true
	case asString(data["transformer"]) == "generic_ble":
		return true
	case src == "response":
		return true
	case msg == "-- invalid character --":
		return true
	case strings.Contains(msg, "No core dump"):
		return true
	}
	return false
}

var (
	storeEchoIDRE = regexp.MustCompile(`\{(\d+)$`)
	storeAckRE    = regexp.MustCompile(`:ack(\d+)`)
	altitudeRE    = regexp.MustCompile(`/A=(\d{6})`)
)

// StoreMessage archives an inbound or outbound message. It dual-writes
// to the legacy messages table and the position/signal tables, matches
// ACKs against their originals and routes telemetry to its own table.
func (s *Store) StoreMessage(ctx context.Context, data wire.Message, rawJSON string) error {
	if data == nil {
		return nil
	}
	if shouldFilter(data) {
		return nil
	}

	src := asString(data["src"])
	dst := asString(data["dst"])
	msg := asString(data["msg"])
	msgType := asString(data["type"])
	if msgType == "" {
		msgType = "msg"
	}
	msgID := optString(data["msg_id"])
	timestamp := asInt64(data["timestamp"])
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}

	// The src field carries the relay path: "CALL-1,RELAY-12,RELAY-2".
	callsign, relayVia := splitRelayPath(src)
	msgVia := asString(data["via"])
	if msgVia == "" {
		msgVia = relayVia
	}

	if msgType == "tele" {
		return s.storeTelemetry(ctx, callsign, data)
	}

	// Binary ACK updates the original instead of inserting a row.
	if msgType == "ack" {
		if ackID := asString(data["ack_id"]); ackID != "" {
			_, err := s.db.ExecContext(ctx, `
				UPDATE messages SET send_success = 1 WHERE id = (
				  SELECT id FROM messages WHERE msg_id = ? AND type = 'msg'
				  ORDER BY timestamp DESC LIMIT 1
				)
			`, ackID)
			if err != nil {
				return fmt.Errorf("mark send_success: %w", err)
			}
		}
		return nil
	}

	var echoID string
	if msgType == "msg" && msg != "" {
		if m := storeEchoIDRE.FindStringSubmatch(msg); m != nil {
			echoID = m[1]
		}
	}

	var convKey string
	if msgType == "msg" {
		convKey = conversationKey(callsign, dst)
	}

	// Text ACK (":ack123") marks the original message as acked.
	if m := storeAckRE.FindStringSubmatch(msg); m != nil {
		_, err := s.db.ExecContext(ctx, `
			UPDATE messages SET acked = 1 WHERE id = (
			  SELECT id FROM messages WHERE echo_id = ? AND type = 'msg'
			  ORDER BY timestamp DESC LIMIT 1
			)
		`, m[1])
		if err != nil {
			return fmt.Errorf("mark acked: %w", err)
		}
	}

	rssi, hasRSSI := optInt64(data["rssi"])
	snr, hasSNR := optFloat(data["snr"])
	srcType := asString(data["src_type"])

	isMHeard := msgID == nil && srcType == "ble" && msgType == "pos"
	isPosition := msgType == "pos" && !isMHeard

	switch {
	case isMHeard && hasRSSI && hasSNR:
		if rssi >= minValidRSSI && rssi <= maxValidRSSI &&
			snr >= minValidSNR && snr <= maxValidSNR {
			if _, err := s.db.ExecContext(ctx,
				"INSERT INTO signal_log (callsign, timestamp, rssi, snr) VALUES (?, ?, ?, ?)",
				callsign, timestamp, rssi, snr); err != nil {
				return fmt.Errorf("insert signal_log: %w", err)
			}
			completed := s.accumulateSignal(callsign, timestamp, rssi, snr)
			if err := s.flushBuckets(ctx, completed); err != nil {
				return fmt.Errorf("flush signal buckets: %w", err)
			}
		}
		if err := s.upsertSignal(ctx, callsign, data, timestamp); err != nil {
			return fmt.Errorf("upsert station signal: %w", err)
		}

	case isPosition:
		if err := s.storePositionBeacon(ctx, callsign, relayVia, data, timestamp); err != nil {
			return err
		}
	}

	// MHeard refresh: overwrite the most recent beacon row for the same
	// station instead of inserting a new one every 40 seconds.
	if isMHeard {
		var id int64
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM messages
			WHERE src = ? AND src_type = 'ble'
			AND type = 'pos' AND msg_id IS NULL
			AND timestamp > ?
			ORDER BY timestamp DESC LIMIT 1
		`, src, timestamp-mheardRefreshWindow.Milliseconds()).Scan(&id)
		switch err {
		case nil:
			_, err := s.db.ExecContext(ctx, `
				UPDATE messages
				SET rssi = ?, snr = ?, timestamp = ?, raw_json = ?
				WHERE id = ?
			`, nullInt(rssi, hasRSSI), nullFloat(snr, hasSNR), timestamp, rawJSON, id)
			if err != nil {
				return fmt.Errorf("refresh mheard row: %w", err)
			}
			return nil
		case sql.ErrNoRows:
		default:
			return fmt.Errorf("find mheard row: %w", err)
		}
	}

	// Windowed dedup by msg_id. MHeard beacons have none and are
	// throttled above instead.
	if msgID != nil {
		var one int
		err := s.db.QueryRowContext(ctx,
			"SELECT 1 FROM messages WHERE msg_id = ? AND timestamp > ? LIMIT 1",
			*msgID, timestamp-dedupWindow.Milliseconds()).Scan(&one)
		switch err {
		case nil:
			return nil
		case sql.ErrNoRows:
		default:
			return fmt.Errorf("dedup check: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages
		 (msg_id, src, dst, msg, type, timestamp, rssi, snr, src_type, raw_json,
		  via, hw_id, lora_mod, max_hop, mesh_info, firmware, fw_sub,
		  last_hw_id, last_sending, transformer, echo_id, conversation_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msgID, src, dst, msg, msgType, timestamp,
		nullInt(rssi, hasRSSI), nullFloat(snr, hasSNR), srcType, rawJSON,
		nullStr(msgVia), optAny(data["hw_id"]), optAny(data["lora_mod"]),
		optAny(data["max_hop"]), optAny(data["mesh_info"]),
		nullStr(asString(data["firmware"])), nullStr(asString(data["fw_sub"])),
		optAny(data["last_hw_id"]), nullStr(asString(data["last_sending"])),
		nullStr(asString(data["transformer"])),
		nullStr(echoID), nullStr(convKey))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if s.metrics != nil {
		s.metrics.IncMessagesStored(srcType)
	}
	return nil
}

// storePositionBeacon updates station_positions from a position beacon
// and forwards embedded weather telemetry.
func (s *Store) storePositionBeacon(ctx context.Context, callsign, relayVia string, data wire.Message, timestamp int64) error {
	pos := make(wire.Message, len(data)+1)
	for k, v := range data {
		pos[k] = v
	}
	pos["via"] = relayVia

	// Raw APRS comments can carry altitude as /A=001234 in feet.
	if _, ok := optFloat(pos["alt"]); !ok {
		if m := altitudeRE.FindStringSubmatch(asString(pos["msg"])); m != nil {
			var feet int64
			fmt.Sscanf(m[1], "%d", &feet)
			pos["alt"] = float64(int64(float64(feet)*0.3048 + 0.5))
		}
	}

	lat, okLat := optFloat(pos["lat"])
	lon, okLon := optFloat(pos["lon"])
	if okLat && okLon && lat != 0 && lon != 0 {
		if err := s.upsertPosition(ctx, callsign, pos, timestamp); err != nil {
			return fmt.Errorf("upsert station position: %w", err)
		}
	}

	// Weather stations embed telemetry in their position beacons.
	for _, field := range []string{"temp1", "hum", "qfe", "qnh"} {
		if v, ok := optFloat(pos[field]); ok && v != 0 {
			return s.storeTelemetry(ctx, callsign, pos)
		}
	}
	return nil
}

// upsertSignal refreshes the signal side of station_positions from an
// MHeard beacon.
func (s *Store) upsertSignal(ctx context.Context, callsign string, data wire.Message, timestamp int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO station_positions (callsign, rssi, snr, signal_ts, last_seen,
		    hw_id, lora_mod, mesh)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(callsign) DO UPDATE SET
		    rssi = excluded.rssi,
		    snr = excluded.snr,
		    signal_ts = excluded.signal_ts,
		    last_seen = MAX(station_positions.last_seen, excluded.last_seen),
		    hw_id = COALESCE(excluded.hw_id, station_positions.hw_id),
		    lora_mod = COALESCE(excluded.lora_mod, station_positions.lora_mod),
		    mesh = COALESCE(excluded.mesh, station_positions.mesh)
	`, callsign, optAny(data["rssi"]), optAny(data["snr"]), timestamp, timestamp,
		optAny(data["hw_id"]), optAny(data["lora_mod"]), optAny(data["mesh"]))
	return err
}

// upsertPosition refreshes the location side of station_positions from
// a position beacon. Existing values survive empty updates; the
// shortest relay path wins via_shortest, a direct reception clears it.
func (s *Store) upsertPosition(ctx context.Context, callsign string, pos wire.Message, timestamp int64) error {
	via := asString(pos["via"])
	viaPaths := "[]"
	if via != "" {
		viaPaths = fmt.Sprintf(`[{"path":%q,"last_seen":%d}]`, via, timestamp)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO station_positions
		    (callsign, lat, lon, alt, lat_dir, lon_dir,
		     hw_id, firmware, fw_sub, aprs_symbol, aprs_symbol_group,
		     batt, gw, via_shortest, via_paths,
		     position_ts, last_seen, source)
		VALUES (?, ?, ?, ?, ?, ?,
		        ?, ?, ?, ?, ?,
		        ?, ?, ?, ?,
		        ?, ?, 'local')
		ON CONFLICT(callsign) DO UPDATE SET
		    lat = COALESCE(excluded.lat, station_positions.lat),
		    lon = COALESCE(excluded.lon, station_positions.lon),
		    alt = COALESCE(excluded.alt, station_positions.alt),
		    lat_dir = CASE WHEN excluded.lat_dir != '' THEN excluded.lat_dir
		                   ELSE station_positions.lat_dir END,
		    lon_dir = CASE WHEN excluded.lon_dir != '' THEN excluded.lon_dir
		                   ELSE station_positions.lon_dir END,
		    hw_id = COALESCE(excluded.hw_id, station_positions.hw_id),
		    firmware = CASE WHEN excluded.firmware IS NOT NULL
		                         AND excluded.firmware != ''
		                    THEN excluded.firmware
		                    ELSE station_positions.firmware END,
		    fw_sub = CASE WHEN excluded.fw_sub IS NOT NULL
		                       AND excluded.fw_sub != ''
		                  THEN excluded.fw_sub
		                  ELSE station_positions.fw_sub END,
		    aprs_symbol = CASE WHEN excluded.aprs_symbol IS NOT NULL
		                            AND excluded.aprs_symbol != ''
		                       THEN excluded.aprs_symbol
		                       ELSE station_positions.aprs_symbol END,
		    aprs_symbol_group = CASE WHEN excluded.aprs_symbol_group IS NOT NULL
		                                  AND excluded.aprs_symbol_group != ''
		                             THEN excluded.aprs_symbol_group
		                             ELSE station_positions.aprs_symbol_group END,
		    batt = COALESCE(excluded.batt, station_positions.batt),
		    gw = COALESCE(excluded.gw, station_positions.gw),
		    via_shortest = CASE
		        WHEN excluded.via_shortest = '' THEN ''
		        WHEN station_positions.via_shortest = ''
		            THEN station_positions.via_shortest
		        WHEN LENGTH(excluded.via_shortest)
		            < LENGTH(station_positions.via_shortest)
		            THEN excluded.via_shortest
		        ELSE station_positions.via_shortest END,
		    via_paths = CASE WHEN excluded.via_paths != '[]'
		        THEN excluded.via_paths ELSE station_positions.via_paths END,
		    position_ts = excluded.position_ts,
		    last_seen = MAX(station_positions.last_seen, excluded.last_seen)
	`, callsign, optAny(pos["lat"]), optAny(pos["lon"]), optAny(pos["alt"]),
		asString(pos["lat_dir"]), asString(pos["lon_dir"]),
		optAny(pos["hw_id"]), optAny(pos["firmware"]), optAny(pos["fw_sub"]),
		optAny(pos["aprs_symbol"]), optAny(pos["aprs_symbol_group"]),
		optAny(pos["batt"]), optAny(pos["gw"]),
		via, viaPaths,
		timestamp, timestamp)
	return err
}

// -------------------------------------------------------------------------
// Signal Bucket Accumulation
// -------------------------------------------------------------------------

type flushedBucket struct {
	callsign string
	startMs  int64
	rssiAvg  float64
	rssiMin  int64
	rssiMax  int64
	snrAvg   float64
	snrMin   float64
	snrMax   float64
	count    int
}

// accumulateSignal adds a measurement to the in-memory bucket and
// returns any buckets for the station that are now complete.
func (s *Store) accumulateSignal(callsign string, timestampMs, rssi int64, snr float64) []flushedBucket {
	bucketStart := (timestampMs / bucketSizeMs) * bucketSizeMs

	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey{callsign, bucketStart}
	acc := s.accum[key]
	if acc == nil {
		acc = &bucketAccum{}
		s.accum[key] = acc
	}
	acc.rssi = append(acc.rssi, rssi)
	acc.snr = append(acc.snr, snr)

	var completed []flushedBucket
	for k, v := range s.accum {
		if k.callsign == callsign && k.startMs < bucketStart {
			if b, ok := summarizeBucket(k, v); ok {
				completed = append(completed, b)
			}
			delete(s.accum, k)
		}
	}
	return completed
}

func summarizeBucket(k bucketKey, acc *bucketAccum) (flushedBucket, bool) {
	if len(acc.rssi) == 0 || len(acc.snr) == 0 {
		return flushedBucket{}, false
	}
	b := flushedBucket{
		callsign: k.callsign,
		startMs:  k.startMs,
		rssiMin:  acc.rssi[0],
		rssiMax:  acc.rssi[0],
		snrMin:   acc.snr[0],
		snrMax:   acc.snr[0],
		count:    len(acc.rssi),
	}
	var rssiSum int64
	for _, v := range acc.rssi {
		rssiSum += v
		if v < b.rssiMin {
			b.rssiMin = v
		}
		if v > b.rssiMax {
			b.rssiMax = v
		}
	}
	var snrSum float64
	for _, v := range acc.snr {
		snrSum += v
		if v < b.snrMin {
			b.snrMin = v
		}
		if v > b.snrMax {
			b.snrMax = v
		}
	}
	b.rssiAvg = round2(float64(rssiSum) / float64(len(acc.rssi)))
	b.snrAvg = round2(snrSum / float64(len(acc.snr)))
	b.snrMin = round2(b.snrMin)
	b.snrMax = round2(b.snrMax)
	return b, true
}

func (s *Store) flushBuckets(ctx context.Context, completed []flushedBucket) error {
	for _, b := range completed {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO signal_buckets
			 (callsign, bucket_ts, bucket_size, rssi_avg, rssi_min, rssi_max,
			  snr_avg, snr_min, snr_max, count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, b.callsign, b.startMs, bucketSizeMs, b.rssiAvg, b.rssiMin, b.rssiMax,
			b.snrAvg, b.snrMin, b.snrMax, b.count)
		if err != nil {
			return err
		}
	}
	return nil
}

// flushAllBuckets writes every in-memory accumulator out, including
// partial ones. Used before chart queries and on shutdown.
func (s *Store) flushAllBuckets(ctx context.Context) error {
	s.mu.Lock()
	var all []flushedBucket
	keys := make([]bucketKey, 0, len(s.accum))
	for k := range s.accum {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].callsign != keys[j].callsign {
			return keys[i].callsign < keys[j].callsign
		}
		return keys[i].startMs < keys[j].startMs
	})
	for _, k := range keys {
		if b, ok := summarizeBucket(k, s.accum[k]); ok {
			all = append(all, b)
		}
	}
	s.mu.Unlock()

	return s.flushBuckets(ctx, all)
}

// -------------------------------------------------------------------------
// Telemetry
// -------------------------------------------------------------------------

// storeTelemetry records a weather/sensor reading. Zero-only readings
// are dropped, duplicates within a minute keep the record with a real
// pressure value, and missing altitude is taken from the station's
// position.
func (s *Store) storeTelemetry(ctx context.Context, callsign string, data wire.Message) error {
	if callsign == "" {
		return nil
	}

	timestamp := asInt64(data["timestamp"])
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}

	temp1 := optAny(data["temp1"])
	temp2 := optAny(data["temp2"])
	hum := optAny(data["hum"])
	qfe, hasQFE := optFloat(data["qfe"])
	gas := optAny(data["gas"])
	co2 := optAny(data["co2"])
	alt, hasAlt := optFloat(data["alt"])

	// Node QNH is unreliable; the frontend derives it from QFE + alt.
	allZero := true
	for _, v := range []any{temp1, temp2, hum, gas, co2} {
		if f, ok := optFloat(v); ok && f != 0 {
			allZero = false
			break
		}
	}
	if hasQFE && qfe != 0 {
		allZero = false
	}
	if allZero {
		return nil
	}

	// Keep whichever reading in the window carries real pressure data.
	var existingQFE sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		"SELECT qfe FROM telemetry WHERE callsign = ? AND timestamp > ? LIMIT 1",
		callsign, timestamp-telemetryDedupWindow.Milliseconds()).Scan(&existingQFE)
	switch err {
	case nil:
		if existingQFE.Valid && existingQFE.Float64 != 0 && (!hasQFE || qfe == 0) {
			return nil
		}
		if (!existingQFE.Valid || existingQFE.Float64 == 0) && hasQFE && qfe != 0 {
			if _, err := s.db.ExecContext(ctx,
				"DELETE FROM telemetry WHERE callsign = ? AND timestamp > ?",
				callsign, timestamp-telemetryDedupWindow.Milliseconds()); err != nil {
				return fmt.Errorf("replace zero telemetry: %w", err)
			}
		}
	case sql.ErrNoRows:
	default:
		return fmt.Errorf("telemetry dedup check: %w", err)
	}

	// T# packets carry no altitude; borrow the station's position.
	if !hasAlt {
		var posAlt sql.NullFloat64
		err := s.db.QueryRowContext(ctx,
			"SELECT alt FROM station_positions WHERE callsign = ?", callsign).Scan(&posAlt)
		if err == nil && posAlt.Valid {
			alt, hasAlt = posAlt.Float64, true
		}
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry
		 (callsign, timestamp, temp1, temp2, hum, qfe, qnh, gas, co2, alt)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)
	`, callsign, timestamp, temp1, temp2, hum,
		nullFloat(qfe, hasQFE), gas, co2, nullFloat(alt, hasAlt)); err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}

	// Zero sensor values must not wipe real data from other paths.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO station_positions
		    (callsign, temp1, temp2, hum, qfe, qnh, gas, co2,
		     telemetry_ts, last_seen)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)
		ON CONFLICT(callsign) DO UPDATE SET
		    temp1 = COALESCE(NULLIF(excluded.temp1, 0), station_positions.temp1),
		    temp2 = COALESCE(NULLIF(excluded.temp2, 0), station_positions.temp2),
		    hum = COALESCE(NULLIF(excluded.hum, 0), station_positions.hum),
		    qfe = COALESCE(NULLIF(excluded.qfe, 0), station_positions.qfe),
		    qnh = COALESCE(NULLIF(excluded.qnh, 0), station_positions.qnh),
		    gas = COALESCE(NULLIF(excluded.gas, 0), station_positions.gas),
		    co2 = COALESCE(NULLIF(excluded.co2, 0), station_positions.co2),
		    telemetry_ts = excluded.telemetry_ts,
		    last_seen = MAX(station_positions.last_seen, excluded.last_seen)
	`, callsign, temp1, temp2, hum, nullFloat(qfe, hasQFE), gas, co2,
		timestamp, timestamp)
	if err != nil {
		return fmt.Errorf("update station telemetry: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// splitRelayPath separates the originating callsign from the relay
// path in a comma-joined src field.
func splitRelayPath(src string) (callsign, via string) {
	callsign, via, found := strings.Cut(src, ",")
	callsign = strings.TrimSpace(callsign)
	if !found {
		return callsign, ""
	}
	parts := strings.Split(via, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return callsign, strings.Join(parts, ",")
}

func round2(v float64) float64 {
	if v < 0 {
		return float64(int64(v*100-0.5)) / 100
	}
	return float64(int64(v*100+0.5)) / 100
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	}
	return 0
}

// optString returns a pointer for nullable TEXT binds.
func optString(v any) *string {
	if s, ok := v.(string); ok && s != "" {
		return &s
	}
	return nil
}

func optInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	}
	return 0, false
}

func optFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// optAny maps absent or non-scalar values to NULL.
func optAny(v any) any {
	switch v.(type) {
	case nil:
		return nil
	case string, int, int64, float32, float64, bool:
		return v
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int64, ok bool) any {
	if !ok {
		return nil
	}
	return v
}

func nullFloat(v float64, ok bool) any {
	if !ok {
		return nil
	}
	return v
}
