// Package store provides the embedded SQLite persistence layer for
// resource snapshots, alert history, the automation log, and a small
// agent key/value table.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/xyidactyl/agent/internal/models"
)

// Store wraps the agent database. The connection pool is capped at a
// single connection so SQLite sees one writer.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the agent database at path, enables WAL
// journaling with a busy timeout, and initializes the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("Database opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS resource_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			power_state TEXT NOT NULL,
			cpu_percent REAL NOT NULL,
			mem_bytes INTEGER NOT NULL,
			mem_limit INTEGER NOT NULL,
			disk_bytes INTEGER NOT NULL,
			disk_limit INTEGER NOT NULL,
			net_rx INTEGER NOT NULL,
			net_tx INTEGER NOT NULL,
			uptime_ms INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_server_time
		ON resource_snapshots(server_id, timestamp);

		CREATE TABLE IF NOT EXISTS automation_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id TEXT NOT NULL,
			user_uuid TEXT NOT NULL,
			server_id TEXT NOT NULL,
			action TEXT NOT NULL,
			result TEXT NOT NULL,
			error_msg TEXT NOT NULL DEFAULT '',
			executed_at INTEGER NOT NULL DEFAULT (unixepoch())
		);

		CREATE TABLE IF NOT EXISTS alert_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id TEXT NOT NULL,
			user_uuid TEXT NOT NULL,
			server_id TEXT NOT NULL,
			condition TEXT NOT NULL,
			value REAL NOT NULL,
			triggered_at INTEGER NOT NULL DEFAULT (unixepoch())
		);

		CREATE INDEX IF NOT EXISTS idx_alert_history_time
		ON alert_history(triggered_at);

		CREATE TABLE IF NOT EXISTS agent_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// InsertSnapshot stores one resource sample.
func (s *Store) InsertSnapshot(snap models.ResourceSnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO resource_snapshots
			(server_id, timestamp, power_state, cpu_percent, mem_bytes, mem_limit,
			 disk_bytes, disk_limit, net_rx, net_tx, uptime_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ServerID, snap.Timestamp.Unix(), snap.PowerState, snap.CPUPercent,
		snap.MemBytes, snap.MemLimit, snap.DiskBytes, snap.DiskLimit,
		snap.NetRx, snap.NetTx, snap.UptimeMs)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// GetLatestSnapshot returns the most recent snapshot for a server, or
// sql.ErrNoRows when none exists.
func (s *Store) GetLatestSnapshot(serverID string) (*models.ResourceSnapshot, error) {
	row := s.db.QueryRow(`
		SELECT id, server_id, timestamp, power_state, cpu_percent, mem_bytes,
		       mem_limit, disk_bytes, disk_limit, net_rx, net_tx, uptime_ms
		FROM resource_snapshots
		WHERE server_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, serverID)
	return scanSnapshot(row)
}

// GetRecentSnapshots returns up to limit snapshots for a server in
// chronological order (oldest first).
func (s *Store) GetRecentSnapshots(serverID string, limit int) ([]models.ResourceSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, server_id, timestamp, power_state, cpu_percent, mem_bytes,
		       mem_limit, disk_bytes, disk_limit, net_rx, net_tx, uptime_ms
		FROM (
			SELECT * FROM resource_snapshots
			WHERE server_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC, id ASC`, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []models.ResourceSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to scan snapshot row")
			continue
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

// GetSnapshotCount returns the total number of stored snapshots.
func (s *Store) GetSnapshotCount() (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM resource_snapshots`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return count, nil
}

// InsertAlertHistory records a fired alert.
func (s *Store) InsertAlertHistory(entry models.AlertHistoryEntry) error {
	triggeredAt := entry.TriggeredAt
	if triggeredAt.IsZero() {
		triggeredAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO alert_history (rule_id, user_uuid, server_id, condition, value, triggered_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.RuleID, entry.UserUUID, entry.ServerID, entry.Condition, entry.Value,
		triggeredAt.Unix())
	if err != nil {
		return fmt.Errorf("insert alert history: %w", err)
	}
	return nil
}

// InsertAutomationLog records one automation execution.
func (s *Store) InsertAutomationLog(entry models.AutomationLogEntry) error {
	executedAt := entry.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO automation_log (rule_id, user_uuid, server_id, action, result, error_msg, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.RuleID, entry.UserUUID, entry.ServerID, entry.Action, entry.Result,
		entry.ErrorMsg, executedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert automation log: %w", err)
	}
	return nil
}

// CleanupOlderThan deletes snapshots, alert history, and automation
// log rows older than the retention window. The three deletes are
// independent; on partial failure the count deleted so far is
// returned along with the error.
func (s *Store) CleanupOlderThan(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()

	var total int64

	tables := []struct {
		name   string
		column string
	}{
		{"resource_snapshots", "timestamp"},
		{"alert_history", "triggered_at"},
		{"automation_log", "executed_at"},
	}

	for _, t := range tables {
		result, err := s.db.Exec(
			fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, t.name, t.column), cutoff)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", t.name, err)
		}
		if affected, err := result.RowsAffected(); err == nil {
			total += affected
		}
	}

	return total, nil
}

// GetState reads a value from the agent key/value table. Missing keys
// return an empty string without error.
func (s *Store) GetState(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM agent_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %q: %w", key, err)
	}
	return value, nil
}

// SetState upserts a value into the agent key/value table.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set state %q: %w", key, err)
	}
	return nil
}

// Size returns the database file size in bytes, or 0 if it cannot be
// determined.
func (s *Store) Size() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*models.ResourceSnapshot, error) {
	var snap models.ResourceSnapshot
	var ts int64
	err := row.Scan(&snap.ID, &snap.ServerID, &ts, &snap.PowerState, &snap.CPUPercent,
		&snap.MemBytes, &snap.MemLimit, &snap.DiskBytes, &snap.DiskLimit,
		&snap.NetRx, &snap.NetTx, &snap.UptimeMs)
	if err != nil {
		return nil, err
	}
	snap.Timestamp = time.Unix(ts, 0)
	return &snap, nil
}
