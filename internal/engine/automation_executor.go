package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xyidactyl/agent/internal/models"
	"github.com/xyidactyl/agent/internal/panel"
	"github.com/xyidactyl/agent/internal/push"
)

// actionClient is the slice of the panel client the executor needs to
// carry out actions.
type actionClient interface {
	SendPowerSignal(ctx context.Context, apiKey, serverID, signal string) error
	SendCommand(ctx context.Context, apiKey, serverID, command string) error
	CreateBackup(ctx context.Context, apiKey, serverID string) error
}

// automationLogWriter is the slice of the storage layer the executor
// writes through.
type automationLogWriter interface {
	InsertAutomationLog(entry models.AutomationLogEntry) error
}

// AutomationExecutor evaluates automation rules against snapshots and
// executes the configured remediation through the panel, always with
// the owning user's API key. Rules run one at a time under the
// executor's mutex; maxConcurrent is reserved for a future parallel
// dispatcher.
type AutomationExecutor struct {
	logStore      automationLogWriter
	panelClient   actionClient
	pushProvider  push.Provider
	maxConcurrent int

	mu             sync.Mutex
	lastExecutedAt map[string]time.Time // rule_id -> last execution

	now func() time.Time
}

// NewAutomationExecutor creates an executor dispatching actions
// through the given panel client.
func NewAutomationExecutor(logStore automationLogWriter, panelClient actionClient, provider push.Provider, maxConcurrent int) *AutomationExecutor {
	return &AutomationExecutor{
		logStore:       logStore,
		panelClient:    panelClient,
		pushProvider:   provider,
		maxConcurrent:  maxConcurrent,
		lastExecutedAt: make(map[string]time.Time),
		now:            time.Now,
	}
}

// Evaluate runs every automation rule against one snapshot.
func (e *AutomationExecutor) Evaluate(ctx context.Context, user models.ControlUser, apiKey string, snapshot *models.ResourceSnapshot, rules []models.AutomationRule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rule := range rules {
		e.evaluateRule(ctx, user, apiKey, snapshot, rule)
	}
}

func (e *AutomationExecutor) evaluateRule(ctx context.Context, user models.ControlUser, apiKey string, snapshot *models.ResourceSnapshot, rule models.AutomationRule) {
	if last, ok := e.lastExecutedAt[rule.ID]; ok {
		if e.now().Sub(last) < time.Duration(rule.Cooldown)*time.Second {
			return
		}
	}

	if !e.triggered(rule, snapshot) {
		return
	}

	// Defence in depth: the control document may still list a rule
	// whose server the user no longer owns. Never act outside the
	// user's allow-list.
	if !isServerAllowed(user, rule.ServerID) {
		log.Warn().
			Str("rule", rule.ID).
			Str("server", rule.ServerID).
			Str("user", user.UserUUID).
			Msg("Automation targets server outside user's allowed_servers, skipping")
		return
	}

	log.Info().
		Str("rule", rule.ID).
		Str("trigger_type", rule.TriggerType).
		Str("action", rule.Action).
		Str("server", rule.ServerID).
		Msg("Automation triggered")

	err := e.executeAction(ctx, apiKey, rule)

	result := models.ResultSuccess
	errMsg := ""
	if err != nil {
		result = models.ResultFailure
		errMsg = truncateError(err)
		log.Error().Err(err).Str("rule", rule.ID).Msg("Automation action failed")
	}

	e.lastExecutedAt[rule.ID] = e.now()

	if logErr := e.logStore.InsertAutomationLog(models.AutomationLogEntry{
		RuleID:   rule.ID,
		UserUUID: rule.UserUUID,
		ServerID: rule.ServerID,
		Action:   rule.Action,
		Result:   result,
		ErrorMsg: errMsg,
	}); logErr != nil {
		log.Error().Err(logErr).Str("rule", rule.ID).Msg("Failed to record automation log")
	}

	title := fmt.Sprintf("Automation: %s", rule.Action)
	body := fmt.Sprintf("Executed '%s' on server (trigger: %s)", rule.Action, rule.TriggerType)
	if err != nil {
		body = fmt.Sprintf("Failed to execute '%s': %s", rule.Action, errMsg)
	}

	payload := push.Payload{
		Title:     title,
		Body:      body,
		UserUUID:  rule.UserUUID,
		ServerID:  rule.ServerID,
		EventType: push.EventTypeAutomation,
		Timestamp: e.now().Format(time.RFC3339),
	}

	for _, token := range user.DeviceTokens {
		if pushErr := e.pushProvider.Send(ctx, token, payload); pushErr != nil {
			log.Error().
				Err(pushErr).
				Str("rule", rule.ID).
				Str("token", truncateToken(token)).
				Msg("Failed to send automation push")
		}
	}
}

func (e *AutomationExecutor) triggered(rule models.AutomationRule, snapshot *models.ResourceSnapshot) bool {
	switch rule.TriggerType {
	case models.TriggerCPUThreshold:
		threshold, ok := configFloat(rule.TriggerConfig, "threshold")
		return ok && snapshot.CPUPercent > threshold

	case models.TriggerRAMThreshold:
		threshold, ok := configFloat(rule.TriggerConfig, "threshold")
		if !ok || snapshot.MemLimit == 0 {
			return false
		}
		return float64(snapshot.MemBytes)/float64(snapshot.MemLimit)*100 > threshold

	case models.TriggerDiskThreshold:
		threshold, ok := configFloat(rule.TriggerConfig, "threshold")
		if !ok || snapshot.DiskLimit == 0 {
			return false
		}
		return float64(snapshot.DiskBytes)/float64(snapshot.DiskLimit)*100 > threshold

	case models.TriggerServerOffline:
		return snapshot.PowerState == models.PowerStateOffline ||
			snapshot.PowerState == models.PowerStateStopped

	case models.TriggerServerCrash:
		// Only "offline" counts: a clean stop is intentional.
		return snapshot.PowerState == models.PowerStateOffline

	default:
		log.Warn().
			Str("rule", rule.ID).
			Str("trigger_type", rule.TriggerType).
			Msg("Unknown automation trigger type, skipping rule")
		return false
	}
}

func (e *AutomationExecutor) executeAction(ctx context.Context, apiKey string, rule models.AutomationRule) error {
	switch rule.Action {
	case models.ActionStart:
		return e.panelClient.SendPowerSignal(ctx, apiKey, rule.ServerID, panel.SignalStart)

	case models.ActionStop:
		return e.panelClient.SendPowerSignal(ctx, apiKey, rule.ServerID, panel.SignalStop)

	case models.ActionRestart:
		return e.panelClient.SendPowerSignal(ctx, apiKey, rule.ServerID, panel.SignalRestart)

	case models.ActionCommand:
		command := rule.ActionConfig["command"]
		if command == "" {
			return fmt.Errorf("automation %s: missing command in action_config", rule.ID)
		}
		return e.panelClient.SendCommand(ctx, apiKey, rule.ServerID, command)

	case models.ActionBackup:
		return e.panelClient.CreateBackup(ctx, apiKey, rule.ServerID)

	default:
		return fmt.Errorf("automation %s: unknown action %q", rule.ID, rule.Action)
	}
}

func isServerAllowed(user models.ControlUser, serverID string) bool {
	for _, s := range user.AllowedServers {
		if s == serverID {
			return true
		}
	}
	return false
}

// configFloat reads a numeric trigger parameter, accepting the float
// and integer encodings JSON decoding can produce.
func configFloat(config map[string]interface{}, key string) (float64, bool) {
	value, ok := config[key]
	if !ok {
		return 0, false
	}
	switch n := value.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
