// Package status exports the agent's state for the mobile app, which
// reads status.json and metrics.json back through the panel's file
// API. Both files are replaced atomically (write to a temp file, then
// rename) so a reader never observes a partial document.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xyidactyl/agent/internal/models"
)

// AgentStatus is the record written to status.json after every
// sampling cycle.
type AgentStatus struct {
	AgentVersion      string   `json:"agent_version"`
	UptimeSeconds     int64    `json:"uptime_seconds"`
	LastSampleAt      string   `json:"last_sample_at"` // RFC3339
	ControlVersion    int      `json:"control_version"`
	UsersCount        int      `json:"users_count"`
	ActiveAlerts      int      `json:"active_alerts"`
	ActiveAutomations int      `json:"active_automations"`
	ServersMonitored  int      `json:"servers_monitored"`
	DBSizeBytes       int64    `json:"db_size_bytes,omitempty"`
	Errors            []string `json:"errors,omitempty"`
}

// Writer maintains status.json.
type Writer struct {
	mu   sync.Mutex
	path string
}

// NewWriter creates a status writer for the given file path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Update replaces status.json with the given record.
func (w *Writer) Update(s AgentStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := writeJSONAtomic(w.path, s); err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Failed to write status file")
	}
}

// snapshotSource is the slice of the storage layer the metrics writer
// needs.
type snapshotSource interface {
	GetRecentSnapshots(serverID string, limit int) ([]models.ResourceSnapshot, error)
}

// MetricsExport is the shape of metrics.json: a bounded window of
// snapshots per server, chronological.
type MetricsExport struct {
	GeneratedAt time.Time                          `json:"generated_at"`
	Servers     map[string][]models.ResourceSnapshot `json:"servers"`
}

// MetricsWriter maintains metrics.json.
type MetricsWriter struct {
	mu    sync.Mutex
	path  string
	store snapshotSource
}

// NewMetricsWriter creates a metrics writer backed by the given
// snapshot source.
func NewMetricsWriter(path string, store snapshotSource) *MetricsWriter {
	return &MetricsWriter{path: path, store: store}
}

// Update replaces metrics.json with the most recent snapshots (up to
// limit per server) for every listed server.
func (m *MetricsWriter) Update(serverIDs []string, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	export := MetricsExport{
		GeneratedAt: time.Now(),
		Servers:     make(map[string][]models.ResourceSnapshot, len(serverIDs)),
	}

	for _, id := range serverIDs {
		snaps, err := m.store.GetRecentSnapshots(id, limit)
		if err != nil {
			log.Warn().Err(err).Str("server", id).Msg("Failed to load snapshots for metrics export")
			continue
		}
		if snaps == nil {
			snaps = []models.ResourceSnapshot{}
		}
		export.Servers[id] = snaps
	}

	if err := writeJSONAtomic(m.path, export); err != nil {
		log.Error().Err(err).Str("path", m.path).Msg("Failed to write metrics file")
	}
}

// writeJSONAtomic writes to <path>.tmp then renames over <path> so
// concurrent readers only ever see a complete document.
func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
