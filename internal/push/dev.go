package push

import (
	"context"

	"github.com/rs/zerolog/log"
)

// DevProvider logs every notification instead of delivering it. Used
// when no APNs credentials are configured.
type DevProvider struct{}

// NewDevProvider returns the console-logging provider.
func NewDevProvider() *DevProvider {
	return &DevProvider{}
}

// Send logs the payload and reports success.
func (d *DevProvider) Send(_ context.Context, token string, payload Payload) error {
	log.Info().
		Str("token", truncateToken(token)).
		Str("title", payload.Title).
		Str("body", payload.Body).
		Str("user", payload.UserUUID).
		Str("server", payload.ServerID).
		Str("event_type", payload.EventType).
		Msg("Push notification (dev provider)")
	return nil
}

// Name identifies the provider in logs and status output.
func (d *DevProvider) Name() string {
	return "dev"
}

func truncateToken(token string) string {
	if len(token) > 16 {
		return token[:16]
	}
	return token
}
