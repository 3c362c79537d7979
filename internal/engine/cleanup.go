package engine

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xyidactyl/agent/internal/store"
)

const cleanupInterval = 24 * time.Hour

// Cleanup prunes rows older than the retention window, once at
// startup and then daily.
type Cleanup struct {
	db            *store.Store
	retentionDays int
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// NewCleanup creates the retention job.
func NewCleanup(db *store.Store, retentionDays int) *Cleanup {
	return &Cleanup{
		db:            db,
		retentionDays: retentionDays,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the cleanup loop.
func (c *Cleanup) Start() {
	log.Info().Int("retention_days", c.retentionDays).Msg("Cleanup job started")
	go c.loop()
}

// Stop halts the cleanup loop.
func (c *Cleanup) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Cleanup) loop() {
	defer close(c.doneCh)

	c.run()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.run()
		}
	}
}

func (c *Cleanup) run() {
	deleted, err := c.db.CleanupOlderThan(c.retentionDays)
	if err != nil {
		log.Error().
			Err(err).
			Int64("deleted_before_failure", deleted).
			Msg("Retention cleanup failed")
		return
	}

	if deleted > 0 {
		log.Info().
			Int64("deleted", deleted).
			Int("retention_days", c.retentionDays).
			Msg("Retention cleanup complete")
	} else {
		log.Debug().Msg("Retention cleanup found nothing to delete")
	}

	if err := c.db.SetState("last_cleanup_at", time.Now().Format(time.RFC3339)); err != nil {
		log.Error().Err(err).Msg("Failed to persist last cleanup time")
	}
}
