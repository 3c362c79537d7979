// Package push delivers notifications to the user's devices. The
// production transport speaks to APNs; a console-logging transport
// stands in when no APNs credentials are configured.
package push

import "context"

// Event types carried in a payload.
const (
	EventTypeAlert      = "alert"
	EventTypeAutomation = "automation"
)

// Payload is one notification to one user.
type Payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	UserUUID  string `json:"user_uuid"`
	ServerID  string `json:"server_id"`
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"` // RFC3339
}

// Provider sends a payload to a single device token.
type Provider interface {
	Send(ctx context.Context, token string, payload Payload) error
	Name() string
}
