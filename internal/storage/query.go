package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/wire"
)

// Columns fetched when rebuilding message JSON. Skipping raw_json keeps
// the hot queries off the widest column.
const msgSelect = `msg_id, src, dst, msg, type, timestamp, rssi, snr, src_type,
 via, hw_id, lora_mod, max_hop, mesh_info, firmware, fw_sub,
 last_hw_id, last_sending, transformer, echo_id, acked, send_success`

const smartInitialPerConversation = 20

var _ router.CommandStore = (*Store)(nil)

type messageRow struct {
	msgID       sql.NullString
	src         string
	dst         string
	msg         sql.NullString
	msgType     sql.NullString
	timestamp   int64
	rssi        sql.NullInt64
	snr         sql.NullFloat64
	srcType     sql.NullString
	via         sql.NullString
	hwID        sql.NullInt64
	loraMod     sql.NullInt64
	maxHop      sql.NullInt64
	meshInfo    sql.NullInt64
	firmware    sql.NullString
	fwSub       sql.NullString
	lastHwID    sql.NullInt64
	lastSending sql.NullString
	transformer sql.NullString
	echoID      sql.NullString
	acked       sql.NullInt64
	sendSuccess sql.NullInt64
}

func scanMessageRow(rows *sql.Rows) (*messageRow, error) {
	var r messageRow
	err := rows.Scan(&r.msgID, &r.src, &r.dst, &r.msg, &r.msgType, &r.timestamp,
		&r.rssi, &r.snr, &r.srcType, &r.via, &r.hwID, &r.loraMod, &r.maxHop,
		&r.meshInfo, &r.firmware, &r.fwSub, &r.lastHwID, &r.lastSending,
		&r.transformer, &r.echoID, &r.acked, &r.sendSuccess)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// messageJSON rebuilds the client-facing message document from columns.
func (r *messageRow) messageJSON() (json.RawMessage, error) {
	data := wire.Message{
		"src":       r.src,
		"dst":       r.dst,
		"msg":       r.msg.String,
		"type":      r.msgType.String,
		"timestamp": r.timestamp,
		"src_type":  r.srcType.String,
	}
	if r.msgType.String == "" {
		data["type"] = "msg"
	}
	if r.msgID.Valid {
		data["msg_id"] = r.msgID.String
	} else {
		data["msg_id"] = nil
	}
	if r.rssi.Valid {
		data["rssi"] = r.rssi.Int64
	}
	if r.snr.Valid {
		data["snr"] = r.snr.Float64
	}
	if r.hwID.Valid {
		data["hw_id"] = r.hwID.Int64
	}
	if r.loraMod.Valid {
		data["lora_mod"] = r.loraMod.Int64
	}
	if r.maxHop.Valid {
		data["max_hop"] = r.maxHop.Int64
	}
	if r.meshInfo.Valid {
		data["mesh_info"] = r.meshInfo.Int64
	}
	if r.lastHwID.Valid {
		data["last_hw_id"] = r.lastHwID.Int64
	}
	if r.via.String != "" {
		data["via"] = r.via.String
	}
	if r.firmware.String != "" {
		data["firmware"] = r.firmware.String
	}
	if r.fwSub.String != "" {
		data["fw_sub"] = r.fwSub.String
	}
	if r.lastSending.String != "" {
		data["last_sending"] = r.lastSending.String
	}
	if r.transformer.String != "" {
		data["transformer"] = r.transformer.String
	}
	if r.acked.Int64 != 0 {
		data["acked"] = 1
	}
	if r.sendSuccess.Int64 != 0 {
		data["send_success"] = 1
	}
	return json.Marshal(data)
}

func collectMessageJSON(rows *sql.Rows) ([]json.RawMessage, error) {
	defer rows.Close()
	var out []json.RawMessage
	for rows.Next() {
		r, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		doc, err := r.messageJSON()
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// -------------------------------------------------------------------------
// Smart Initial
// -------------------------------------------------------------------------

// SmartInitialWithSummary serves the initial web client payload: the
// last messages per conversation, all station positions, recent ACK
// exchanges and the per-conversation message counts, in one pass.
func (s *Store) SmartInitialWithSummary(ctx context.Context) (*router.SmartInitialData, wire.Message, error) {
	msgRows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM (
		  SELECT *, ROW_NUMBER() OVER (
		    PARTITION BY COALESCE(conversation_key, dst)
		    ORDER BY timestamp DESC
		  ) AS rn FROM messages
		  WHERE type = 'msg' AND msg NOT LIKE '%%:ack%%'
		) ranked WHERE rn <= ?
		ORDER BY timestamp ASC
	`, msgSelect), smartInitialPerConversation)
	if err != nil {
		return nil, nil, fmt.Errorf("query messages: %w", err)
	}
	messages, err := collectMessageJSON(msgRows)
	if err != nil {
		return nil, nil, fmt.Errorf("scan messages: %w", err)
	}

	positions, err := s.allPositions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("query positions: %w", err)
	}

	ackRows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE type = 'msg' AND msg LIKE '%%:ack%%'
		ORDER BY timestamp DESC LIMIT 200
	`, msgSelect))
	if err != nil {
		return nil, nil, fmt.Errorf("query acks: %w", err)
	}
	acks, err := collectMessageJSON(ackRows)
	if err != nil {
		return nil, nil, fmt.Errorf("scan acks: %w", err)
	}

	summary, err := s.Summary(ctx)
	if err != nil {
		return nil, nil, err
	}

	s.log.Info("smart initial payload built",
		"messages", len(messages), "positions", len(positions), "acks", len(acks))

	return &router.SmartInitialData{
		Messages:  messages,
		Positions: positions,
		Acks:      acks,
	}, summary, nil
}

// Summary returns the message count per conversation.
func (s *Store) Summary(ctx context.Context) (wire.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(conversation_key, dst) AS key, COUNT(*) AS cnt
		FROM messages
		WHERE type = 'msg' AND msg NOT LIKE '%:ack%'
		GROUP BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	summary := wire.Message{}
	for rows.Next() {
		var key sql.NullString
		var cnt int64
		if err := rows.Scan(&key, &cnt); err != nil {
			return nil, err
		}
		if key.String != "" {
			summary[key.String] = cnt
		}
	}
	return summary, rows.Err()
}

// allPositions renders every station_positions row as a position
// document for the map view.
func (s *Store) allPositions(ctx context.Context) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT callsign, lat, lon, alt, lat_dir, lon_dir, hw_id, firmware,
		       fw_sub, aprs_symbol, aprs_symbol_group, batt, lora_mod, mesh,
		       gw, rssi, snr, via_shortest, via_paths, last_seen, source,
		       temp1, temp2, hum, qfe, qnh, gas, co2
		FROM station_positions
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var (
			callsign                 string
			lat, lon, alt            sql.NullFloat64
			latDir, lonDir           sql.NullString
			hwID, batt, loraMod      sql.NullInt64
			mesh, gw, rssi           sql.NullInt64
			firmware, fwSub          sql.NullString
			aprsSymbol, aprsGroup    sql.NullString
			snr                      sql.NullFloat64
			viaShortest, viaPaths    sql.NullString
			lastSeen                 sql.NullInt64
			source                   sql.NullString
			temp1, temp2, hum        sql.NullFloat64
			qfe, qnh                 sql.NullFloat64
			gas, co2                 sql.NullInt64
		)
		err := rows.Scan(&callsign, &lat, &lon, &alt, &latDir, &lonDir, &hwID,
			&firmware, &fwSub, &aprsSymbol, &aprsGroup, &batt, &loraMod, &mesh,
			&gw, &rssi, &snr, &viaShortest, &viaPaths, &lastSeen, &source,
			&temp1, &temp2, &hum, &qfe, &qnh, &gas, &co2)
		if err != nil {
			return nil, err
		}

		srcType := "lora"
		if source.String != "local" {
			srcType = "www"
		}
		data := wire.Message{
			"type":      "pos",
			"src":       callsign,
			"src_type":  srcType,
			"dst":       "",
			"via":       viaShortest.String,
			"timestamp": lastSeen.Int64,
		}
		putFloat := func(key string, v sql.NullFloat64) {
			if v.Valid {
				data[key] = v.Float64
			}
		}
		putInt := func(key string, v sql.NullInt64) {
			if v.Valid {
				data[key] = v.Int64
			}
		}
		putStr := func(key string, v sql.NullString) {
			if v.String != "" {
				data[key] = v.String
			}
		}
		putFloat("lat", lat)
		putFloat("lon", lon)
		putFloat("alt", alt)
		putStr("lat_dir", latDir)
		putStr("lon_dir", lonDir)
		putInt("hw_id", hwID)
		putStr("firmware", firmware)
		putStr("fw_sub", fwSub)
		putStr("aprs_symbol", aprsSymbol)
		putStr("aprs_symbol_group", aprsGroup)
		putInt("batt", batt)
		putInt("gw", gw)
		putInt("rssi", rssi)
		putFloat("snr", snr)
		putInt("lora_mod", loraMod)
		putInt("mesh", mesh)
		if viaPaths.String != "" && viaPaths.String != "[]" {
			data["via_paths"] = viaPaths.String
		}
		putFloat("temp1", temp1)
		putFloat("temp2", temp2)
		putFloat("hum", hum)
		putFloat("qfe", qfe)
		putFloat("qnh", qnh)
		putInt("gas", gas)
		putInt("co2", co2)

		doc, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// -------------------------------------------------------------------------
// Message Paging
// -------------------------------------------------------------------------

// MessagesPage returns one page of chat history for a conversation,
// cursor-based on the timestamp. DMs pass src so the conversation key
// index serves the scan.
func (s *Store) MessagesPage(ctx context.Context, dst string, before int64, limit int, src string) ([]json.RawMessage, bool, error) {
	if before == 0 {
		before = time.Now().UnixMilli()
	}

	isDM := dst != "" && src != "" && dst != "*" && !isAllDigits(dst)

	var rows *sql.Rows
	var err error
	switch {
	case isDM:
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s FROM messages
			WHERE type = 'msg' AND conversation_key = ?
			AND timestamp < ? ORDER BY timestamp DESC LIMIT ?
		`, msgSelect), conversationKey(src, dst), before, limit+1)
	case dst != "":
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s FROM messages
			WHERE type = 'msg' AND msg NOT LIKE '%%:ack%%'
			AND dst = ? AND timestamp < ?
			ORDER BY timestamp DESC LIMIT ?
		`, msgSelect), dst, before, limit+1)
	default:
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s FROM messages
			WHERE type = 'msg' AND msg NOT LIKE '%%:ack%%'
			AND timestamp < ?
			ORDER BY timestamp DESC LIMIT ?
		`, msgSelect), before, limit+1)
	}
	if err != nil {
		return nil, false, fmt.Errorf("query page: %w", err)
	}

	messages, err := collectMessageJSON(rows)
	if err != nil {
		return nil, false, fmt.Errorf("scan page: %w", err)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	// Oldest first for the client.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, hasMore, nil
}

// FullDump returns every chat message, oldest first.
func (s *Store) FullDump(ctx context.Context) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM messages WHERE type = 'msg' ORDER BY timestamp", msgSelect))
	if err != nil {
		return nil, fmt.Errorf("query dump: %w", err)
	}
	return collectMessageJSON(rows)
}

// MessageCount returns the total number of stored rows.
func (s *Store) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&count)
	return count, err
}
