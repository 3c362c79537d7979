// Package models defines the shared data types exchanged between the
// control file, the storage layer, and the monitoring engine.
package models

import "time"

// Power states reported by the panel that the rule engine cares about.
const (
	PowerStateRunning  = "running"
	PowerStateStarting = "starting"
	PowerStateStopping = "stopping"
	PowerStateStopped  = "stopped"
	PowerStateOffline  = "offline"
)

// ControlDocument is the app-to-agent contract read from control.json.
// The agent never writes this file; the app replaces it atomically and
// bumps Version on every change.
type ControlDocument struct {
	Version     int              `json:"version"`
	UpdatedAt   int64            `json:"updated_at"`
	Users       []ControlUser    `json:"users"`
	Alerts      []AlertRule      `json:"alerts"`
	Automations []AutomationRule `json:"automations"`
}

// ControlUser carries one user's encrypted panel credentials and scope.
type ControlUser struct {
	UserUUID        string   `json:"user_uuid"`
	APIKeyEncrypted string   `json:"api_key_encrypted"`
	IsAdmin         bool     `json:"is_admin"`
	AllowedServers  []string `json:"allowed_servers"`
	DeviceTokens    []string `json:"device_tokens"`
}

// Alert condition types.
const (
	ConditionCPUThreshold     = "cpu_threshold"
	ConditionRAMThreshold     = "ram_threshold"
	ConditionDiskThreshold    = "disk_threshold"
	ConditionPowerStateChange = "power_state_change"
	ConditionOfflineDuration  = "offline_duration"
	ConditionRestartLoop      = "restart_loop"
)

// AlertRule describes a user-defined notification rule.
type AlertRule struct {
	ID            string  `json:"id"`
	UserUUID      string  `json:"user_uuid"`
	ServerID      string  `json:"server_id"`
	ConditionType string  `json:"condition_type"`
	Threshold     float64 `json:"threshold"`
	Duration      int     `json:"duration"` // seconds the condition must hold
	Cooldown      int     `json:"cooldown"` // seconds between re-triggers
	Enabled       bool    `json:"enabled"`
}

// Automation trigger types.
const (
	TriggerCPUThreshold  = "cpu_threshold"
	TriggerRAMThreshold  = "ram_threshold"
	TriggerDiskThreshold = "disk_threshold"
	TriggerServerOffline = "server_offline"
	TriggerServerCrash   = "server_crash"
)

// Automation actions.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionCommand = "command"
	ActionBackup  = "backup"
)

// AutomationRule describes a user-defined remediation rule.
type AutomationRule struct {
	ID            string                 `json:"id"`
	UserUUID      string                 `json:"user_uuid"`
	ServerID      string                 `json:"server_id"`
	TriggerType   string                 `json:"trigger_type"`
	TriggerConfig map[string]interface{} `json:"trigger_config"`
	Action        string                 `json:"action"`
	ActionConfig  map[string]string      `json:"action_config"`
	Cooldown      int                    `json:"cooldown"`
	Enabled       bool                   `json:"enabled"`
}

// ResourceSnapshot is one resource-usage sample for one server.
// MemLimit and DiskLimit are zero when the panel did not report a
// limit; evaluators treat zero-limit snapshots as "percent N/A".
type ResourceSnapshot struct {
	ID         int64     `json:"-"`
	ServerID   string    `json:"server_id"`
	Timestamp  time.Time `json:"timestamp"`
	PowerState string    `json:"power_state"`
	CPUPercent float64   `json:"cpu_percent"`
	MemBytes   int64     `json:"mem_bytes"`
	MemLimit   int64     `json:"mem_limit"`
	DiskBytes  int64     `json:"disk_bytes"`
	DiskLimit  int64     `json:"disk_limit"`
	NetRx      int64     `json:"net_rx"`
	NetTx      int64     `json:"net_tx"`
	UptimeMs   int64     `json:"uptime_ms"`
}

// AlertHistoryEntry is an append-only audit row for a fired alert.
type AlertHistoryEntry struct {
	ID          int64     `json:"id"`
	RuleID      string    `json:"rule_id"`
	UserUUID    string    `json:"user_uuid"`
	ServerID    string    `json:"server_id"`
	Condition   string    `json:"condition"`
	Value       float64   `json:"value"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// Automation execution results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// AutomationLogEntry is an append-only audit row for an executed
// automation, successful or not.
type AutomationLogEntry struct {
	ID         int64     `json:"id"`
	RuleID     string    `json:"rule_id"`
	UserUUID   string    `json:"user_uuid"`
	ServerID   string    `json:"server_id"`
	Action     string    `json:"action"`
	Result     string    `json:"result"`
	ErrorMsg   string    `json:"error_msg"`
	ExecutedAt time.Time `json:"executed_at"`
}
