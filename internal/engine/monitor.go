// Package engine contains the sampling loop and the rule engines it
// feeds: the monitor polls the panel for every configured user and
// server, persists snapshots, and hands each snapshot to the alert
// evaluator and automation executor.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xyidactyl/agent/internal/crypto"
	"github.com/xyidactyl/agent/internal/models"
	"github.com/xyidactyl/agent/internal/panel"
	"github.com/xyidactyl/agent/internal/status"
	"github.com/xyidactyl/agent/internal/store"
)

// maxStatusErrors bounds the error list carried in status.json.
const maxStatusErrors = 10

// panelAPI is the slice of the panel client the monitor needs.
type panelAPI interface {
	FetchResources(ctx context.Context, apiKey, serverID string) (*panel.ServerResources, error)
	ListServers(ctx context.Context, apiKey string) ([]panel.Server, error)
}

// controlSource provides the current control document.
type controlSource interface {
	Get() *models.ControlDocument
}

type serverLimits struct {
	memBytes  int64
	diskBytes int64
}

// Monitor runs the sampling loop.
type Monitor struct {
	interval      time.Duration
	panelClient   panelAPI
	db            *store.Store
	controlLoader controlSource
	crypto        *crypto.Crypto
	alerts        *AlertEvaluator
	automations   *AutomationExecutor
	statusWriter  *status.Writer
	metricsWriter *status.MetricsWriter
	metricsLimit  int
	agentVersion  string

	stopCh    chan struct{}
	doneCh    chan struct{}
	startTime time.Time

	mu                 sync.RWMutex
	apiKeyCache        map[string]string // user_uuid -> decrypted API key
	limits             map[string]serverLimits
	limitsRefreshed    map[string]bool // user_uuid -> server list merged
	lastControlVersion int
}

// MonitorConfig wires the monitor's collaborators.
type MonitorConfig struct {
	Interval      time.Duration
	PanelClient   panelAPI
	Store         *store.Store
	ControlLoader controlSource
	Crypto        *crypto.Crypto
	Alerts        *AlertEvaluator
	Automations   *AutomationExecutor
	StatusWriter  *status.Writer
	MetricsWriter *status.MetricsWriter
	MetricsLimit  int
	AgentVersion  string
}

// NewMonitor creates the sampling engine.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.MetricsLimit <= 0 {
		cfg.MetricsLimit = 2880 // 24h at the 30s reference interval
	}
	return &Monitor{
		interval:        cfg.Interval,
		panelClient:     cfg.PanelClient,
		db:              cfg.Store,
		controlLoader:   cfg.ControlLoader,
		crypto:          cfg.Crypto,
		alerts:          cfg.Alerts,
		automations:     cfg.Automations,
		statusWriter:    cfg.StatusWriter,
		metricsWriter:   cfg.MetricsWriter,
		metricsLimit:    cfg.MetricsLimit,
		agentVersion:    cfg.AgentVersion,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		startTime:       time.Now(),
		apiKeyCache:     make(map[string]string),
		limits:          make(map[string]serverLimits),
		limitsRefreshed: make(map[string]bool),
	}
}

// Start launches the sampling loop. The first cycle runs immediately.
func (m *Monitor) Start() {
	log.Info().Dur("interval", m.interval).Msg("Monitoring engine started")
	go m.loop()
}

// Stop halts the loop. An in-flight cycle runs to completion.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
	log.Info().Msg("Monitoring engine stopped")
}

func (m *Monitor) loop() {
	defer close(m.doneCh)

	m.sample()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	ctx := context.Background()
	cycle := uuid.NewString()[:8]

	doc := m.controlLoader.Get()
	if doc == nil || len(doc.Users) == 0 {
		log.Debug().Str("cycle", cycle).Msg("No users configured, skipping sample")
		m.updateStatus(doc, 0, nil)
		m.metricsWriter.Update(nil, m.metricsLimit)
		return
	}

	// A version bump may mean key rotation or a changed server set;
	// drop the decrypted-key cache and re-learn server limits.
	if doc.Version > m.lastControlVersion {
		log.Info().
			Int("from", m.lastControlVersion).
			Int("to", doc.Version).
			Msg("Control version changed, invalidating API key cache")
		m.InvalidateKeyCache()
		m.lastControlVersion = doc.Version
	}

	var cycleErrors []string
	serversMonitored := 0

	for _, user := range doc.Users {
		apiKey, err := m.getAPIKey(user)
		if err != nil {
			log.Error().Err(err).Str("user", user.UserUUID).Msg("Failed to decrypt API key, skipping user for this cycle")
			cycleErrors = appendError(cycleErrors, fmt.Sprintf("user %s: decrypt failed", user.UserUUID))
			continue
		}

		m.refreshLimitsIfStale(ctx, user.UserUUID, apiKey)

		for _, serverID := range user.AllowedServers {
			snapshot, err := m.collectServer(ctx, apiKey, serverID)
			if err != nil {
				log.Warn().
					Err(err).
					Str("cycle", cycle).
					Str("server", serverID).
					Str("user", user.UserUUID).
					Msg("Failed to collect server, skipping for this cycle")
				cycleErrors = appendError(cycleErrors, fmt.Sprintf("server %s: fetch failed", serverID))
				continue
			}

			if err := m.db.InsertSnapshot(*snapshot); err != nil {
				log.Error().Err(err).Str("server", serverID).Msg("Failed to store snapshot")
				continue
			}

			serversMonitored++

			m.alerts.Evaluate(ctx, user, snapshot, matchingAlerts(doc.Alerts, user.UserUUID, serverID))
			m.automations.Evaluate(ctx, user, apiKey, snapshot, matchingAutomations(doc.Automations, user.UserUUID, serverID))
		}
	}

	log.Debug().
		Str("cycle", cycle).
		Int("servers", serversMonitored).
		Int("errors", len(cycleErrors)).
		Msg("Sampling cycle complete")

	m.updateStatus(doc, serversMonitored, cycleErrors)

	if err := m.db.SetState("last_sample_at", time.Now().Format(time.RFC3339)); err != nil {
		log.Error().Err(err).Msg("Failed to persist last sample time")
	}

	// Always rewritten, even when the union is empty, so the export
	// never trails a shrunken control document.
	m.metricsWriter.Update(uniqueServers(doc.Users), m.metricsLimit)
}

func (m *Monitor) collectServer(ctx context.Context, apiKey, serverID string) (*models.ResourceSnapshot, error) {
	res, err := m.panelClient.FetchResources(ctx, apiKey, serverID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	limits := m.limits[serverID]
	m.mu.RUnlock()

	return &models.ResourceSnapshot{
		ServerID:   serverID,
		Timestamp:  time.Now(),
		PowerState: res.CurrentState,
		CPUPercent: res.Resources.CPUAbsolute,
		MemBytes:   res.Resources.MemoryBytes,
		MemLimit:   limits.memBytes,
		DiskBytes:  res.Resources.DiskBytes,
		DiskLimit:  limits.diskBytes,
		NetRx:      res.Resources.NetworkRxBytes,
		NetTx:      res.Resources.NetworkTxBytes,
		UptimeMs:   res.Resources.Uptime,
	}, nil
}

// refreshLimitsIfStale merges server memory/disk limits from the
// panel's server list for one user. Each user only sees their own
// servers, so the merge runs once per user per control version. The
// panel reports limits in MiB; zero means unlimited and stays zero,
// which evaluators treat as "percent N/A".
func (m *Monitor) refreshLimitsIfStale(ctx context.Context, userUUID, apiKey string) {
	m.mu.RLock()
	refreshed := m.limitsRefreshed[userUUID]
	m.mu.RUnlock()
	if refreshed {
		return
	}

	servers, err := m.panelClient.ListServers(ctx, apiKey)
	if err != nil {
		log.Warn().Err(err).Str("user", userUUID).Msg("Failed to list servers for limits, keeping zero limits")
		return
	}

	m.mu.Lock()
	for _, srv := range servers {
		m.limits[srv.Identifier] = serverLimits{
			memBytes:  srv.Limits.Memory * 1024 * 1024,
			diskBytes: srv.Limits.Disk * 1024 * 1024,
		}
	}
	m.limitsRefreshed[userUUID] = true
	m.mu.Unlock()

	log.Debug().Str("user", userUUID).Int("servers", len(servers)).Msg("Refreshed server limits")
}

func (m *Monitor) getAPIKey(user models.ControlUser) (string, error) {
	m.mu.RLock()
	cached, ok := m.apiKeyCache[user.UserUUID]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	decrypted, err := m.crypto.Decrypt(user.APIKeyEncrypted)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.apiKeyCache[user.UserUUID] = decrypted
	m.mu.Unlock()

	return decrypted, nil
}

// InvalidateKeyCache clears decrypted API keys and marks every user's
// server limits for refresh.
func (m *Monitor) InvalidateKeyCache() {
	m.mu.Lock()
	m.apiKeyCache = make(map[string]string)
	m.limitsRefreshed = make(map[string]bool)
	m.mu.Unlock()
}

func (m *Monitor) updateStatus(doc *models.ControlDocument, serversMonitored int, errors []string) {
	controlVersion := 0
	usersCount := 0
	alertCount := 0
	autoCount := 0

	if doc != nil {
		controlVersion = doc.Version
		usersCount = len(doc.Users)
		for _, a := range doc.Alerts {
			if a.Enabled {
				alertCount++
			}
		}
		for _, a := range doc.Automations {
			if a.Enabled {
				autoCount++
			}
		}
	}

	m.statusWriter.Update(status.AgentStatus{
		AgentVersion:      m.agentVersion,
		UptimeSeconds:     int64(time.Since(m.startTime).Seconds()),
		LastSampleAt:      time.Now().Format(time.RFC3339),
		ControlVersion:    controlVersion,
		UsersCount:        usersCount,
		ActiveAlerts:      alertCount,
		ActiveAutomations: autoCount,
		ServersMonitored:  serversMonitored,
		DBSizeBytes:       m.db.Size(),
		Errors:            errors,
	})
}

func appendError(errors []string, msg string) []string {
	if len(errors) >= maxStatusErrors {
		return errors
	}
	return append(errors, msg)
}

func matchingAlerts(all []models.AlertRule, userUUID, serverID string) []models.AlertRule {
	var matched []models.AlertRule
	for _, rule := range all {
		if rule.UserUUID == userUUID && rule.ServerID == serverID && rule.Enabled {
			matched = append(matched, rule)
		}
	}
	return matched
}

func matchingAutomations(all []models.AutomationRule, userUUID, serverID string) []models.AutomationRule {
	var matched []models.AutomationRule
	for _, rule := range all {
		if rule.UserUUID == userUUID && rule.ServerID == serverID && rule.Enabled {
			matched = append(matched, rule)
		}
	}
	return matched
}

// uniqueServers returns the deduplicated union of every user's
// allow-list, in first-seen order.
func uniqueServers(users []models.ControlUser) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, user := range users {
		for _, id := range user.AllowedServers {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}
