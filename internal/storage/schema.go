package storage

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// schemaVersion is the current schema. Migrations run step by step and
// persist the version after each one, so a crash mid-upgrade never
// repeats completed steps.
const schemaVersion = 13

const createBaseSchema = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    msg_id TEXT,
    src TEXT NOT NULL,
    dst TEXT NOT NULL,
    msg TEXT,
    type TEXT DEFAULT 'msg',
    timestamp INTEGER NOT NULL,
    rssi INTEGER,
    snr REAL,
    src_type TEXT,
    raw_json TEXT,
    created_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_src ON messages(src);
CREATE INDEX IF NOT EXISTS idx_messages_dst ON messages(dst);
CREATE INDEX IF NOT EXISTS idx_messages_type ON messages(type);
CREATE INDEX IF NOT EXISTS idx_messages_type_timestamp ON messages(type, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_messages_type_dst_timestamp ON messages(type, dst, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_messages_type_src_timestamp ON messages(type, src, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_messages_msgid_timestamp ON messages(msg_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS mheard_cache (
    callsign TEXT PRIMARY KEY,
    last_seen INTEGER,
    message_count INTEGER,
    avg_rssi REAL,
    avg_snr REAL,
    updated_at TEXT DEFAULT CURRENT_TIMESTAMP
);
`

// Separated position/signal tables introduced with schema v2.
const createPositionSchema = `
CREATE TABLE IF NOT EXISTS station_positions (
    callsign        TEXT PRIMARY KEY,
    lat             REAL,
    lon             REAL,
    alt             REAL,
    lat_dir         TEXT DEFAULT '',
    lon_dir         TEXT DEFAULT '',
    hw_id           INTEGER,
    firmware        TEXT,
    fw_sub          TEXT,
    aprs_symbol     TEXT,
    aprs_symbol_group TEXT,
    batt            INTEGER,
    lora_mod        INTEGER,
    mesh            INTEGER,
    gw              INTEGER DEFAULT 0,
    rssi            INTEGER,
    snr             REAL,
    via_shortest    TEXT DEFAULT '',
    via_paths       TEXT DEFAULT '[]',
    position_ts     INTEGER,
    signal_ts       INTEGER,
    last_seen       INTEGER,
    source          TEXT DEFAULT 'local'
);

CREATE TABLE IF NOT EXISTS signal_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    callsign    TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    rssi        INTEGER NOT NULL,
    snr         REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signal_log_cs_ts ON signal_log(callsign, timestamp DESC);

CREATE TABLE IF NOT EXISTS signal_buckets (
    callsign    TEXT NOT NULL,
    bucket_ts   INTEGER NOT NULL,
    bucket_size INTEGER NOT NULL,
    rssi_avg    REAL,
    rssi_min    INTEGER,
    rssi_max    INTEGER,
    snr_avg     REAL,
    snr_min     REAL,
    snr_max     REAL,
    count       INTEGER,
    PRIMARY KEY (callsign, bucket_ts, bucket_size)
);
`

// migrate brings the database up to schemaVersion.
func (s *Store) migrate(db *sql.DB) error {
	if _, err := db.Exec(createBaseSchema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}

	var version int
	err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read schema version: %w", err)
	}

	setVersion := func(v int) error {
		if _, err := db.Exec("DELETE FROM schema_version"); err != nil {
			return err
		}
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			return err
		}
		return nil
	}

	type step struct {
		version int
		what    string
		run     func(*sql.DB) error
	}
	steps := []step{
		{2, "position/signal tables", migrateV2},
		{3, "drop msg_id UNIQUE constraint", migrateV3},
		{4, "message columns, telemetry, conversation keys", migrateV4},
		{5, "rename long to lon", migrateV5},
		{6, "telemetry altitude column", migrateV6},
		{7, "read_counts table", migrateV7},
		{8, "purge empty BLE config messages", migrateV8},
		{9, "reset station altitudes", migrateV9},
		{10, "hidden_destinations table", migrateV10},
		{11, "blocked_texts table", migrateV11},
		{12, "mheard_sidebar table", migrateV12},
		{13, "wx_sidebar table", migrateV13},
	}

	for _, st := range steps {
		if version >= st.version {
			continue
		}
		s.log.Info("migrating schema",
			"from", version, "to", st.version, "step", st.what)
		if err := st.run(db); err != nil {
			return fmt.Errorf("migrate to v%d: %w", st.version, err)
		}
		if err := setVersion(st.version); err != nil {
			return fmt.Errorf("persist schema version %d: %w", st.version, err)
		}
	}
	return nil
}

func migrateV2(db *sql.DB) error {
	if _, err := db.Exec(createPositionSchema); err != nil {
		return err
	}
	return backfillPositionTables(db)
}

// backfillPositionTables seeds station_positions, signal_log and
// signal_buckets from the pre-v2 messages table.
func backfillPositionTables(db *sql.DB) error {
	stmts := []string{
		// MHeard beacons (rssi present, no msg_id) into signal_log.
		`INSERT OR IGNORE INTO signal_log (callsign, timestamp, rssi, snr)
		 SELECT
		     CASE WHEN INSTR(src, ',') > 0
		          THEN SUBSTR(src, 1, INSTR(src, ',') - 1)
		          ELSE src END,
		     timestamp, rssi, snr
		 FROM messages
		 WHERE type = 'pos'
		   AND rssi IS NOT NULL AND snr IS NOT NULL
		   AND msg_id IS NULL`,

		// Most recent position beacon per callsign.
		`INSERT OR REPLACE INTO station_positions
		     (callsign, lat, lon, alt, lat_dir, lon_dir, hw_id, firmware, fw_sub,
		      aprs_symbol, aprs_symbol_group, batt, gw, via_shortest,
		      position_ts, last_seen, source)
		 SELECT
		     callsign, lat, lon, alt, lat_dir, lon_dir, hw_id, firmware, fw_sub,
		     aprs_symbol, aprs_symbol_group, batt, gw, via,
		     timestamp, timestamp, 'local'
		 FROM (
		     SELECT
		         CASE WHEN INSTR(src, ',') > 0
		              THEN SUBSTR(src, 1, INSTR(src, ',') - 1)
		              ELSE src END AS callsign,
		         CASE WHEN INSTR(src, ',') > 0
		              THEN SUBSTR(src, INSTR(src, ',') + 1)
		              ELSE '' END AS via,
		         json_extract(raw_json, '$.lat') AS lat,
		         json_extract(raw_json, '$.long') AS lon,
		         json_extract(raw_json, '$.alt') AS alt,
		         json_extract(raw_json, '$.lat_dir') AS lat_dir,
		         json_extract(raw_json, '$.long_dir') AS lon_dir,
		         json_extract(raw_json, '$.hw_id') AS hw_id,
		         json_extract(raw_json, '$.firmware') AS firmware,
		         json_extract(raw_json, '$.fw_sub') AS fw_sub,
		         json_extract(raw_json, '$.aprs_symbol') AS aprs_symbol,
		         json_extract(raw_json, '$.aprs_symbol_group') AS aprs_symbol_group,
		         json_extract(raw_json, '$.batt') AS batt,
		         json_extract(raw_json, '$.gw') AS gw,
		         timestamp,
		         ROW_NUMBER() OVER (
		             PARTITION BY CASE WHEN INSTR(src, ',') > 0
		                              THEN SUBSTR(src, 1, INSTR(src, ',') - 1)
		                              ELSE src END
		             ORDER BY timestamp DESC
		         ) AS rn
		     FROM messages
		     WHERE type = 'pos'
		       AND raw_json IS NOT NULL
		       AND json_extract(raw_json, '$.lat') IS NOT NULL
		       AND json_extract(raw_json, '$.lat') != 0
		 ) ranked
		 WHERE rn = 1`,

		// Latest signal reading per callsign onto station_positions.
		`UPDATE station_positions
		 SET rssi = sub.rssi,
		     snr = sub.snr,
		     signal_ts = sub.timestamp,
		     last_seen = MAX(COALESCE(station_positions.last_seen, 0), sub.timestamp)
		 FROM (
		     SELECT callsign, rssi, snr, timestamp
		     FROM signal_log
		     WHERE (callsign, timestamp) IN (
		         SELECT callsign, MAX(timestamp) FROM signal_log GROUP BY callsign
		     )
		 ) sub
		 WHERE station_positions.callsign = sub.callsign`,

		// Stations heard via MHeard that never sent a position.
		`INSERT OR IGNORE INTO station_positions (callsign, rssi, snr, signal_ts, last_seen)
		 SELECT callsign, rssi, snr, timestamp, timestamp
		 FROM signal_log
		 WHERE (callsign, timestamp) IN (
		     SELECT callsign, MAX(timestamp) FROM signal_log GROUP BY callsign
		 )
		   AND callsign NOT IN (SELECT callsign FROM station_positions)`,

		// Pre-aggregate chart buckets.
		fmt.Sprintf(`INSERT OR REPLACE INTO signal_buckets
		     (callsign, bucket_ts, bucket_size, rssi_avg, rssi_min, rssi_max,
		      snr_avg, snr_min, snr_max, count)
		 SELECT
		     callsign,
		     (timestamp / %[1]d) * %[1]d AS bucket_ts,
		     %[1]d,
		     AVG(rssi), MIN(rssi), MAX(rssi),
		     AVG(snr), MIN(snr), MAX(snr),
		     COUNT(*)
		 FROM signal_log
		 WHERE rssi BETWEEN %d AND %d
		   AND snr BETWEEN %d AND %d
		 GROUP BY callsign, bucket_ts`,
			bucketSizeMs, minValidRSSI, maxValidRSSI, minValidSNR, maxValidSNR),
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateV3 rebuilds the messages table without the msg_id UNIQUE
// constraint. SQLite cannot drop constraints in place.
func migrateV3(db *sql.DB) error {
	_, err := db.Exec(`
		DROP TABLE IF EXISTS messages_new;

		CREATE TABLE messages_new (
		    id INTEGER PRIMARY KEY AUTOINCREMENT,
		    msg_id TEXT,
		    src TEXT NOT NULL,
		    dst TEXT NOT NULL,
		    msg TEXT,
		    type TEXT DEFAULT 'msg',
		    timestamp INTEGER NOT NULL,
		    rssi INTEGER,
		    snr REAL,
		    src_type TEXT,
		    raw_json TEXT,
		    created_at TEXT DEFAULT CURRENT_TIMESTAMP
		);

		INSERT INTO messages_new (id, msg_id, src, dst, msg, type,
		    timestamp, rssi, snr, src_type, raw_json, created_at)
		SELECT id, msg_id, src, dst, msg, type,
		    timestamp, rssi, snr, src_type, raw_json, created_at
		FROM messages;

		DROP TABLE messages;
		ALTER TABLE messages_new RENAME TO messages;

		CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
		CREATE INDEX IF NOT EXISTS idx_messages_src ON messages(src);
		CREATE INDEX IF NOT EXISTS idx_messages_dst ON messages(dst);
		CREATE INDEX IF NOT EXISTS idx_messages_type ON messages(type);
		CREATE INDEX IF NOT EXISTS idx_messages_type_timestamp
		    ON messages(type, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_type_dst_timestamp
		    ON messages(type, dst, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_type_src_timestamp
		    ON messages(type, src, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_msgid_timestamp
		    ON messages(msg_id, timestamp DESC);
	`)
	return err
}

func migrateV4(db *sql.DB) error {
	newCols := []struct{ name, typedef string }{
		{"via", "TEXT"},
		{"hw_id", "INTEGER"},
		{"lora_mod", "INTEGER"},
		{"max_hop", "INTEGER"},
		{"mesh_info", "INTEGER"},
		{"firmware", "TEXT"},
		{"fw_sub", "TEXT"},
		{"last_hw_id", "INTEGER"},
		{"last_sending", "TEXT"},
		{"transformer", "TEXT"},
		{"echo_id", "TEXT"},
		{"acked", "INTEGER DEFAULT 0"},
		{"send_success", "INTEGER DEFAULT 0"},
		{"conversation_key", "TEXT"},
	}
	for _, col := range newCols {
		if err := addColumn(db, "messages", col.name, col.typedef); err != nil {
			return err
		}
	}

	teleCols := []struct{ name, typedef string }{
		{"temp1", "REAL"},
		{"temp2", "REAL"},
		{"hum", "REAL"},
		{"qfe", "REAL"},
		{"qnh", "REAL"},
		{"gas", "INTEGER"},
		{"co2", "INTEGER"},
		{"telemetry_ts", "INTEGER"},
	}
	for _, col := range teleCols {
		if err := addColumn(db, "station_positions", col.name, col.typedef); err != nil {
			return err
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS telemetry (
		    id INTEGER PRIMARY KEY AUTOINCREMENT,
		    callsign TEXT NOT NULL,
		    timestamp INTEGER NOT NULL,
		    temp1 REAL, temp2 REAL, hum REAL,
		    qfe REAL, qnh REAL, gas INTEGER, co2 INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_telemetry_cs_ts
		    ON telemetry(callsign, timestamp DESC);

		CREATE INDEX IF NOT EXISTS idx_messages_echo_id
		    ON messages(echo_id) WHERE echo_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_messages_convkey_ts
		    ON messages(conversation_key, timestamp DESC)
		    WHERE type = 'msg';
	`); err != nil {
		return err
	}

	if _, err := db.Exec(`
		UPDATE messages SET
		    via = json_extract(raw_json, '$.via'),
		    hw_id = json_extract(raw_json, '$.hw_id'),
		    lora_mod = json_extract(raw_json, '$.lora_mod'),
		    max_hop = json_extract(raw_json, '$.max_hop'),
		    mesh_info = json_extract(raw_json, '$.mesh_info'),
		    firmware = json_extract(raw_json, '$.firmware'),
		    fw_sub = json_extract(raw_json, '$.fw_sub'),
		    last_hw_id = json_extract(raw_json, '$.last_hw_id'),
		    last_sending = json_extract(raw_json, '$.last_sending'),
		    transformer = json_extract(raw_json, '$.transformer')
		WHERE raw_json IS NOT NULL
	`); err != nil {
		return err
	}

	if err := backfillEchoIDs(db); err != nil {
		return err
	}
	if err := backfillConversationKeys(db); err != nil {
		return err
	}
	return migrateAckRows(db)
}

func addColumn(db *sql.DB, table, name, typedef string) error {
	_, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, name, typedef))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}

var trailingEchoIDRE = regexp.MustCompile(`\{(\d+)$`)

func backfillEchoIDs(db *sql.DB) error {
	rows, err := db.Query(
		"SELECT id, msg FROM messages WHERE type = 'msg' AND msg LIKE '%{%'")
	if err != nil {
		return err
	}
	defer rows.Close()

	type pending struct {
		id     int64
		echoID string
	}
	var updates []pending
	for rows.Next() {
		var id int64
		var msg sql.NullString
		if err := rows.Scan(&id, &msg); err != nil {
			return err
		}
		if m := trailingEchoIDRE.FindStringSubmatch(msg.String); m != nil {
			updates = append(updates, pending{id, m[1]})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		if _, err := db.Exec(
			"UPDATE messages SET echo_id = ? WHERE id = ?", u.echoID, u.id); err != nil {
			return err
		}
	}
	return nil
}

func backfillConversationKeys(db *sql.DB) error {
	// Groups and broadcast keep the destination as key.
	if _, err := db.Exec(`
		UPDATE messages SET conversation_key = dst
		WHERE type = 'msg' AND conversation_key IS NULL
		AND (dst GLOB '[0-9]*' OR dst IN ('TEST', '*'))
	`); err != nil {
		return err
	}

	// DMs need SID stripping and alphabetical ordering.
	rows, err := db.Query(`
		SELECT id, src, dst FROM messages
		WHERE type = 'msg' AND conversation_key IS NULL
		AND dst != '' AND NOT dst GLOB '[0-9]*'
		AND dst NOT IN ('TEST', '*')
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type pending struct {
		id  int64
		key string
	}
	var updates []pending
	for rows.Next() {
		var id int64
		var src, dst sql.NullString
		if err := rows.Scan(&id, &src, &dst); err != nil {
			return err
		}
		if key := conversationKey(src.String, dst.String); key != "" {
			updates = append(updates, pending{id, key})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		if _, err := db.Exec(
			"UPDATE messages SET conversation_key = ? WHERE id = ?", u.key, u.id); err != nil {
			return err
		}
	}
	return nil
}

// migrateAckRows links stored ACK rows to their originals via
// send_success, then drops the ACK rows. The state lives in the column
// from here on.
func migrateAckRows(db *sql.DB) error {
	rows, err := db.Query(`
		SELECT json_extract(raw_json, '$.ack_id')
		FROM messages WHERE type = 'ack' AND raw_json IS NOT NULL
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var ackIDs []string
	for rows.Next() {
		var ackID sql.NullString
		if err := rows.Scan(&ackID); err != nil {
			return err
		}
		if ackID.String != "" {
			ackIDs = append(ackIDs, ackID.String)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, ackID := range ackIDs {
		if _, err := db.Exec(`
			UPDATE messages SET send_success = 1 WHERE id = (
			  SELECT id FROM messages WHERE msg_id = ? AND type = 'msg'
			  ORDER BY timestamp DESC LIMIT 1
			)
		`, ackID); err != nil {
			return err
		}
	}

	_, err = db.Exec("DELETE FROM messages WHERE type = 'ack'")
	return err
}

func migrateV5(db *sql.DB) error {
	// Fresh installs already carry lon/lon_dir from createPositionSchema.
	rows, err := db.Query("PRAGMA table_info(station_positions)")
	if err != nil {
		return err
	}
	defer rows.Close()

	hasLong := false
	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == "long" {
			hasLong = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if !hasLong {
		return nil
	}

	if _, err := db.Exec("ALTER TABLE station_positions RENAME COLUMN long TO lon"); err != nil {
		return err
	}
	_, err = db.Exec("ALTER TABLE station_positions RENAME COLUMN long_dir TO lon_dir")
	return err
}

func migrateV6(db *sql.DB) error {
	return addColumn(db, "telemetry", "alt", "REAL")
}

func migrateV7(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS read_counts (
		    dst TEXT PRIMARY KEY,
		    count INTEGER NOT NULL DEFAULT 0,
		    updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

func migrateV8(db *sql.DB) error {
	_, err := db.Exec(
		"DELETE FROM messages WHERE type = 'msg' AND src = '' AND msg = ''")
	return err
}

// migrateV9 clears stored altitudes that went through a double feet to
// meter conversion; fresh beacons repopulate them correctly.
func migrateV9(db *sql.DB) error {
	_, err := db.Exec(
		"UPDATE station_positions SET alt = NULL WHERE alt IS NOT NULL")
	return err
}

func migrateV10(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS hidden_destinations (
		    dst TEXT PRIMARY KEY,
		    created_at TEXT DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

func migrateV11(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS blocked_texts (
		    text TEXT PRIMARY KEY,
		    created_at TEXT DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

func migrateV12(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS mheard_sidebar (
		    id INTEGER PRIMARY KEY CHECK (id = 1),
		    station_order TEXT NOT NULL DEFAULT '[]',
		    hidden_stations TEXT NOT NULL DEFAULT '[]',
		    updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

func migrateV13(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS wx_sidebar (
		    id INTEGER PRIMARY KEY CHECK (id = 1),
		    station_order TEXT NOT NULL DEFAULT '[]',
		    hidden_stations TEXT NOT NULL DEFAULT '[]',
		    updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}
