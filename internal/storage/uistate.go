package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dk5en/mcapp/internal/wire"
)

// Persisted web UI state: unread badges, hidden conversations, muted
// text patterns and the sidebar layouts. Small tables, survives both
// daemon restarts and browser reloads.

// ReadCounts returns the per-conversation read counters.
func (s *Store) ReadCounts(ctx context.Context) (wire.Message, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT dst, count FROM read_counts")
	if err != nil {
		return nil, fmt.Errorf("query read counts: %w", err)
	}
	defer rows.Close()

	counts := wire.Message{}
	for rows.Next() {
		var dst string
		var count int64
		if err := rows.Scan(&dst, &count); err != nil {
			return nil, err
		}
		counts[dst] = count
	}
	return counts, rows.Err()
}

// SetReadCount upserts the read counter for one conversation.
func (s *Store) SetReadCount(ctx context.Context, dst string, count int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO read_counts (dst, count, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(dst) DO UPDATE SET
		  count = excluded.count,
		  updated_at = excluded.updated_at
	`, dst, count)
	return err
}

// HiddenDestinations returns every hidden conversation identifier.
func (s *Store) HiddenDestinations(ctx context.Context) ([]string, error) {
	return s.stringColumn(ctx, "SELECT dst FROM hidden_destinations")
}

// SetHiddenDestinations replaces the hidden set wholesale.
func (s *Store) SetHiddenDestinations(ctx context.Context, destinations []string) error {
	return s.replaceStringTable(ctx, "hidden_destinations", "dst", destinations)
}

// UpdateHiddenDestination hides or shows a single conversation.
func (s *Store) UpdateHiddenDestination(ctx context.Context, dst string, hidden bool) error {
	var err error
	if hidden {
		_, err = s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO hidden_destinations (dst) VALUES (?)", dst)
	} else {
		_, err = s.db.ExecContext(ctx,
			"DELETE FROM hidden_destinations WHERE dst = ?", dst)
	}
	return err
}

// BlockedTexts returns the muted text patterns.
func (s *Store) BlockedTexts(ctx context.Context) ([]string, error) {
	return s.stringColumn(ctx, "SELECT text FROM blocked_texts")
}

// SetBlockedTexts replaces the muted pattern set wholesale.
func (s *Store) SetBlockedTexts(ctx context.Context, texts []string) error {
	return s.replaceStringTable(ctx, "blocked_texts", "text", texts)
}

// UpdateBlockedText adds or removes a single muted pattern.
func (s *Store) UpdateBlockedText(ctx context.Context, text string, blocked bool) error {
	var err error
	if blocked {
		_, err = s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO blocked_texts (text) VALUES (?)", text)
	} else {
		_, err = s.db.ExecContext(ctx,
			"DELETE FROM blocked_texts WHERE text = ?", text)
	}
	return err
}

// SidebarState is a persisted sidebar layout: explicit station order
// plus the collapsed entries.
type SidebarState struct {
	Order  []string `json:"order"`
	Hidden []string `json:"hidden"`
}

// MHeardSidebar returns the stations sidebar layout, or nil when the
// client never saved one.
func (s *Store) MHeardSidebar(ctx context.Context) (*SidebarState, error) {
	return s.sidebar(ctx, "mheard_sidebar")
}

// SetMHeardSidebar upserts the stations sidebar layout.
func (s *Store) SetMHeardSidebar(ctx context.Context, state SidebarState) error {
	return s.setSidebar(ctx, "mheard_sidebar", state)
}

// WXSidebar returns the weather sidebar layout, or nil when the client
// never saved one.
func (s *Store) WXSidebar(ctx context.Context) (*SidebarState, error) {
	return s.sidebar(ctx, "wx_sidebar")
}

// SetWXSidebar upserts the weather sidebar layout.
func (s *Store) SetWXSidebar(ctx context.Context, state SidebarState) error {
	return s.setSidebar(ctx, "wx_sidebar", state)
}

func (s *Store) sidebar(ctx context.Context, table string) (*SidebarState, error) {
	var orderJSON, hiddenJSON string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT station_order, hidden_stations FROM %s WHERE id = 1", table)).
		Scan(&orderJSON, &hiddenJSON)
	switch err {
	case nil:
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, fmt.Errorf("query %s: %w", table, err)
	}

	var state SidebarState
	if err := json.Unmarshal([]byte(orderJSON), &state.Order); err != nil {
		return nil, fmt.Errorf("decode %s order: %w", table, err)
	}
	if err := json.Unmarshal([]byte(hiddenJSON), &state.Hidden); err != nil {
		return nil, fmt.Errorf("decode %s hidden: %w", table, err)
	}
	return &state, nil
}

func (s *Store) setSidebar(ctx context.Context, table string, state SidebarState) error {
	orderJSON, err := json.Marshal(state.Order)
	if err != nil {
		return err
	}
	hiddenJSON, err := json.Marshal(state.Hidden)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (id, station_order, hidden_stations, updated_at)
		VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
		  station_order = excluded.station_order,
		  hidden_stations = excluded.hidden_stations,
		  updated_at = CURRENT_TIMESTAMP
	`, table), string(orderJSON), string(hiddenJSON))
	return err
}

func (s *Store) stringColumn(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) replaceStringTable(ctx context.Context, table, column string, values []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return err
	}
	for _, v := range values {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (?)", table, column), v); err != nil {
			return err
		}
	}
	return tx.Commit()
}
