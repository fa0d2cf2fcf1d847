package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ActivityLog is one audit record in the activity log
type ActivityLog struct {
	ID        string
	HomeID    string
	RoomID    string
	DeviceID  string
	Kind      string
	Message   string
	Severity  string // INFO, WARNING, ERROR
	Metadata  map[string]interface{}
	Timestamp time.Time
}

// AppendActivity appends a record to the activity log
func (m *Manager) AppendActivity(ctx context.Context, entry ActivityLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	query := `
		INSERT INTO activity_logs (id, home_id, room_id, device_id, kind, message, severity, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = m.db.GetDB().ExecContext(ctx, query,
		entry.ID, entry.HomeID, entry.RoomID, entry.DeviceID, entry.Kind,
		entry.Message, entry.Severity, string(metadataJSON), entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}

	return nil
}

// ListActivityOptions contains options for listing activity
type ListActivityOptions struct {
	HomeID    string
	DeviceID  string
	Kind      string
	Severity  string
	StartTime time.Time // records at or after this time
	EndTime   time.Time // records at or before this time
	Limit     int       // default 100, capped at 1000
	Offset    int
}

// ListActivity retrieves activity records with filtering and pagination,
// newest first. The second return value is the unpaginated total.
func (m *Manager) ListActivity(ctx context.Context, opts ListActivityOptions) ([]ActivityLog, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	whereClauses := []string{}
	args := []interface{}{}

	if opts.HomeID != "" {
		whereClauses = append(whereClauses, "home_id = ?")
		args = append(args, opts.HomeID)
	}
	if opts.DeviceID != "" {
		whereClauses = append(whereClauses, "device_id = ?")
		args = append(args, opts.DeviceID)
	}
	if opts.Kind != "" {
		whereClauses = append(whereClauses, "kind = ?")
		args = append(args, opts.Kind)
	}
	if opts.Severity != "" {
		whereClauses = append(whereClauses, "severity = ?")
		args = append(args, opts.Severity)
	}
	if !opts.StartTime.IsZero() {
		whereClauses = append(whereClauses, "timestamp >= ?")
		args = append(args, opts.StartTime)
	}
	if !opts.EndTime.IsZero() {
		whereClauses = append(whereClauses, "timestamp <= ?")
		args = append(args, opts.EndTime)
	}

	whereClause := ""
	if len(whereClauses) > 0 {
		whereClause = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var totalCount int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM activity_logs %s", whereClause)
	if err := m.db.GetDB().QueryRowContext(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("failed to count activity: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, home_id, room_id, device_id, kind, message, severity, metadata, timestamp
		FROM activity_logs
		%s
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, whereClause)

	args = append(args, limit, opts.Offset)
	rows, err := m.db.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityLog
	for rows.Next() {
		var entry ActivityLog
		var metadataJSON sql.NullString
		if err := rows.Scan(
			&entry.ID, &entry.HomeID, &entry.RoomID, &entry.DeviceID, &entry.Kind,
			&entry.Message, &entry.Severity, &metadataJSON, &entry.Timestamp,
		); err != nil {
			return nil, 0, err
		}

		entry.Metadata = make(map[string]interface{})
		if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata); err != nil {
				entry.Metadata = make(map[string]interface{})
			}
		}

		entries = append(entries, entry)
	}

	return entries, totalCount, rows.Err()
}

// PruneActivity removes activity records older than the given age
func (m *Manager) PruneActivity(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	result, err := m.db.GetDB().ExecContext(ctx, `DELETE FROM activity_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune activity: %w", err)
	}

	n, _ := result.RowsAffected()
	m.logger.Debug("Pruned activity logs", "count", n)
	return n, nil
}
