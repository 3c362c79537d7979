// Package control loads and hot-reloads the control document the
// mobile app writes into the agent's volume. Reloads are version
// gated: a candidate document only replaces the current one when its
// version is higher and it passes structural validation.
package control

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/xyidactyl/agent/internal/models"
)

// debounceDelay gives the app's atomic replace a moment to settle
// before the file is re-read on a change event.
const debounceDelay = 100 * time.Millisecond

// Loader owns the current control document.
type Loader struct {
	path     string
	interval time.Duration

	mu      sync.RWMutex
	current *models.ControlDocument

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewLoader creates a loader for the control file at path, polling at
// the given interval as a fallback to change notifications.
func NewLoader(path string, interval time.Duration) *Loader {
	return &Loader{
		path:     path,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// LoadInitial reads the control file once at startup. A missing file
// is a legitimate first-boot state and seeds an empty document at
// version zero.
func (l *Loader) LoadInitial() error {
	doc, err := l.readDocument()
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", l.path).Msg("Control file not found, starting with empty document")
			l.install(&models.ControlDocument{Version: 0})
			return nil
		}
		return fmt.Errorf("load control file: %w", err)
	}

	if err := validate(doc); err != nil {
		return fmt.Errorf("validate control file: %w", err)
	}

	l.install(doc)
	log.Info().
		Int("version", doc.Version).
		Int("users", len(doc.Users)).
		Int("alerts", len(doc.Alerts)).
		Int("automations", len(doc.Automations)).
		Msg("Control document loaded")
	return nil
}

// Start launches the reload loop: fsnotify events on the control
// directory when available, with the periodic poll as fallback and as
// the staleness bound either way.
func (l *Loader) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create control file watcher, falling back to polling only")
	} else if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		log.Warn().Err(err).Str("dir", filepath.Dir(l.path)).Msg("Failed to watch control directory, falling back to polling only")
		watcher.Close()
		watcher = nil
	}
	l.watcher = watcher

	go l.loop()
}

// Stop halts the reload loop and waits for it to exit.
func (l *Loader) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

// Get returns the current document for read-only iteration. Callers
// must not mutate it.
func (l *Loader) Get() *models.ControlDocument {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Version returns the currently installed control version.
func (l *Loader) Version() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.current == nil {
		return 0
	}
	return l.current.Version
}

func (l *Loader) loop() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var watchErrs chan error
	if l.watcher != nil {
		events = l.watcher.Events
		watchErrs = l.watcher.Errors
		defer l.watcher.Close()
	}

	for {
		select {
		case <-l.stopCh:
			return

		case <-ticker.C:
			l.Reload()

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				time.Sleep(debounceDelay)
				l.Reload()
			}

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			log.Error().Err(err).Msg("Control file watcher error")
		}
	}
}

// Reload re-reads the control file and installs the candidate if its
// version advanced and it validates. Failures leave the current
// document in force.
func (l *Loader) Reload() {
	doc, err := l.readDocument()
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", l.path).Msg("Failed to read control file")
		}
		return
	}

	currentVersion := l.Version()
	if doc.Version == currentVersion {
		return
	}
	if doc.Version < currentVersion {
		log.Debug().
			Int("candidate", doc.Version).
			Int("current", currentVersion).
			Msg("Ignoring control document with older version")
		return
	}

	if err := validate(doc); err != nil {
		log.Error().
			Err(err).
			Int("version", doc.Version).
			Msg("Rejecting invalid control document, keeping previous version")
		return
	}

	l.install(doc)
	log.Info().
		Int("version", doc.Version).
		Int("users", len(doc.Users)).
		Int("alerts", len(doc.Alerts)).
		Int("automations", len(doc.Automations)).
		Msg("Control document updated")
}

func (l *Loader) readDocument() (*models.ControlDocument, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}

	var doc models.ControlDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse control file: %w", err)
	}
	return &doc, nil
}

func (l *Loader) install(doc *models.ControlDocument) {
	l.mu.Lock()
	l.current = doc
	l.mu.Unlock()
}

// validate performs the structural checks a candidate document must
// pass before it can replace the current one.
func validate(doc *models.ControlDocument) error {
	seen := make(map[string]bool, len(doc.Users))
	for i, user := range doc.Users {
		if user.UserUUID == "" {
			return fmt.Errorf("user %d: missing user_uuid", i)
		}
		if user.APIKeyEncrypted == "" {
			return fmt.Errorf("user %s: missing api_key_encrypted", user.UserUUID)
		}
		if seen[user.UserUUID] {
			return fmt.Errorf("user %s: duplicate user_uuid", user.UserUUID)
		}
		seen[user.UserUUID] = true
	}

	for i, alert := range doc.Alerts {
		if alert.ID == "" || alert.UserUUID == "" || alert.ServerID == "" {
			return fmt.Errorf("alert %d: missing id, user_uuid, or server_id", i)
		}
	}

	for i, automation := range doc.Automations {
		if automation.ID == "" || automation.UserUUID == "" || automation.ServerID == "" {
			return fmt.Errorf("automation %d: missing id, user_uuid, or server_id", i)
		}
	}

	return nil
}
