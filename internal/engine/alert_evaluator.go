package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xyidactyl/agent/internal/models"
	"github.com/xyidactyl/agent/internal/push"
)

const (
	restartLoopWindow = 5 * time.Minute
	restartLoopCount  = 3
)

// alertHistoryWriter is the slice of the storage layer the evaluator
// writes through.
type alertHistoryWriter interface {
	InsertAlertHistory(entry models.AlertHistoryEntry) error
}

// AlertEvaluator checks alert rules against resource snapshots and
// dispatches push notifications when a rule fires. All rule state
// (duration tracking, cooldowns, power-state transitions) lives in
// memory under a single mutex.
type AlertEvaluator struct {
	history      alertHistoryWriter
	pushProvider push.Provider

	mu              sync.Mutex
	firstExceededAt map[string]time.Time   // rule_id -> condition first held
	lastTriggeredAt map[string]time.Time   // rule_id -> last fire
	previousStates  map[string]string      // server_id -> last observed power state
	restartTracker  map[string][]time.Time // server_id -> recent offline->running transitions

	now func() time.Time
}

// NewAlertEvaluator creates an evaluator writing history through the
// given store and notifications through the given provider.
func NewAlertEvaluator(history alertHistoryWriter, provider push.Provider) *AlertEvaluator {
	return &AlertEvaluator{
		history:         history,
		pushProvider:    provider,
		firstExceededAt: make(map[string]time.Time),
		lastTriggeredAt: make(map[string]time.Time),
		previousStates:  make(map[string]string),
		restartTracker:  make(map[string][]time.Time),
		now:             time.Now,
	}
}

// Evaluate runs every rule against one snapshot. Transition tracking
// is updated first, using the power state observed on the previous
// cycle, so a restart loop is detected on the snapshot that completes
// it; rules that need the pre-update state receive it explicitly.
func (e *AlertEvaluator) Evaluate(ctx context.Context, user models.ControlUser, snapshot *models.ResourceSnapshot, rules []models.AlertRule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prevState, hadPrev := e.previousStates[snapshot.ServerID]

	if hadPrev && (prevState == models.PowerStateOffline || prevState == models.PowerStateStopped) &&
		snapshot.PowerState == models.PowerStateRunning {
		e.restartTracker[snapshot.ServerID] = append(e.restartTracker[snapshot.ServerID], e.now())
	}
	e.previousStates[snapshot.ServerID] = snapshot.PowerState

	for _, rule := range rules {
		e.evaluateRule(ctx, user, snapshot, rule, prevState, hadPrev)
	}
}

func (e *AlertEvaluator) evaluateRule(ctx context.Context, user models.ControlUser, snapshot *models.ResourceSnapshot, rule models.AlertRule, prevState string, hadPrev bool) {
	if last, ok := e.lastTriggeredAt[rule.ID]; ok {
		if e.now().Sub(last) < time.Duration(rule.Cooldown)*time.Second {
			return
		}
	}

	triggered := false
	var value float64

	switch rule.ConditionType {
	case models.ConditionCPUThreshold:
		value = snapshot.CPUPercent
		triggered = value > rule.Threshold

	case models.ConditionRAMThreshold:
		if snapshot.MemLimit > 0 {
			value = float64(snapshot.MemBytes) / float64(snapshot.MemLimit) * 100
		}
		triggered = value > rule.Threshold

	case models.ConditionDiskThreshold:
		if snapshot.DiskLimit > 0 {
			value = float64(snapshot.DiskBytes) / float64(snapshot.DiskLimit) * 100
		}
		triggered = value > rule.Threshold

	case models.ConditionPowerStateChange:
		triggered = hadPrev && prevState != snapshot.PowerState

	case models.ConditionOfflineDuration:
		triggered = snapshot.PowerState == models.PowerStateOffline ||
			snapshot.PowerState == models.PowerStateStopped

	case models.ConditionRestartLoop:
		recent := e.pruneRestarts(snapshot.ServerID)
		if len(recent) >= restartLoopCount {
			triggered = true
			value = float64(len(recent))
		}

	default:
		log.Warn().
			Str("rule", rule.ID).
			Str("condition_type", rule.ConditionType).
			Msg("Unknown alert condition type, skipping rule")
		return
	}

	if !triggered {
		delete(e.firstExceededAt, rule.ID)
		return
	}

	// Duration gate: the condition must hold continuously. Power
	// transitions and restart loops are point-in-time events.
	if rule.Duration > 0 &&
		rule.ConditionType != models.ConditionPowerStateChange &&
		rule.ConditionType != models.ConditionRestartLoop {
		first, tracking := e.firstExceededAt[rule.ID]
		if !tracking {
			e.firstExceededAt[rule.ID] = e.now()
			return
		}
		if e.now().Sub(first) < time.Duration(rule.Duration)*time.Second {
			return
		}
	}

	e.lastTriggeredAt[rule.ID] = e.now()
	delete(e.firstExceededAt, rule.ID)

	log.Info().
		Str("rule", rule.ID).
		Str("condition_type", rule.ConditionType).
		Str("server", rule.ServerID).
		Float64("value", value).
		Float64("threshold", rule.Threshold).
		Msg("Alert triggered")

	if err := e.history.InsertAlertHistory(models.AlertHistoryEntry{
		RuleID:    rule.ID,
		UserUUID:  rule.UserUUID,
		ServerID:  rule.ServerID,
		Condition: rule.ConditionType,
		Value:     value,
	}); err != nil {
		log.Error().Err(err).Str("rule", rule.ID).Msg("Failed to record alert history")
	}

	title, body := notificationText(rule, value, snapshot)
	payload := push.Payload{
		Title:     title,
		Body:      body,
		UserUUID:  rule.UserUUID,
		ServerID:  rule.ServerID,
		EventType: push.EventTypeAlert,
		Timestamp: e.now().Format(time.RFC3339),
	}

	for _, token := range user.DeviceTokens {
		if err := e.pushProvider.Send(ctx, token, payload); err != nil {
			log.Error().
				Err(err).
				Str("rule", rule.ID).
				Str("token", truncateToken(token)).
				Msg("Failed to send alert push")
		}
	}
}

// pruneRestarts drops tracker entries older than the loop window and
// returns what remains.
func (e *AlertEvaluator) pruneRestarts(serverID string) []time.Time {
	cutoff := e.now().Add(-restartLoopWindow)

	var recent []time.Time
	for _, t := range e.restartTracker[serverID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	e.restartTracker[serverID] = recent
	return recent
}

func notificationText(rule models.AlertRule, value float64, snapshot *models.ResourceSnapshot) (string, string) {
	switch rule.ConditionType {
	case models.ConditionCPUThreshold:
		return "CPU Alert", fmt.Sprintf("CPU usage at %.0f%% (threshold: %.0f%%)", value, rule.Threshold)
	case models.ConditionRAMThreshold:
		return "Memory Alert", fmt.Sprintf("Memory usage at %.0f%% (threshold: %.0f%%)", value, rule.Threshold)
	case models.ConditionDiskThreshold:
		return "Disk Alert", fmt.Sprintf("Disk usage at %.0f%% (threshold: %.0f%%)", value, rule.Threshold)
	case models.ConditionPowerStateChange:
		return "Power State Changed", fmt.Sprintf("Server is now: %s", snapshot.PowerState)
	case models.ConditionOfflineDuration:
		return "Server Offline", fmt.Sprintf("Server has been offline for %d+ seconds", rule.Duration)
	case models.ConditionRestartLoop:
		return "Restart Loop Detected", fmt.Sprintf("%.0f restarts detected in 5 minutes", value)
	default:
		return "Server Alert", fmt.Sprintf("Condition %s triggered (value: %.1f)", rule.ConditionType, value)
	}
}

func truncateToken(token string) string {
	if len(token) > 16 {
		return token[:16]
	}
	return token
}
