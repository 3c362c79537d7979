package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xyidactyl/agent/internal/models"
	"github.com/xyidactyl/agent/internal/panel"
)

type panelCall struct {
	method   string
	apiKey   string
	serverID string
	arg      string
}

type fakePanel struct {
	mu    sync.Mutex
	calls []panelCall
	fail  error
}

func (f *fakePanel) record(call panelCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.fail
}

func (f *fakePanel) SendPowerSignal(_ context.Context, apiKey, serverID, signal string) error {
	return f.record(panelCall{"power", apiKey, serverID, signal})
}

func (f *fakePanel) SendCommand(_ context.Context, apiKey, serverID, command string) error {
	return f.record(panelCall{"command", apiKey, serverID, command})
}

func (f *fakePanel) CreateBackup(_ context.Context, apiKey, serverID string) error {
	return f.record(panelCall{"backup", apiKey, serverID, ""})
}

func (f *fakePanel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeAutoLog struct {
	mu      sync.Mutex
	entries []models.AutomationLogEntry
}

func (f *fakeAutoLog) InsertAutomationLog(entry models.AutomationLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAutoLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func newTestExecutor() (*AutomationExecutor, *fakeAutoLog, *fakePanel, *fakePush, *fakeClock) {
	logStore := &fakeAutoLog{}
	panelClient := &fakePanel{}
	provider := &fakePush{}
	clock := newFakeClock()
	e := NewAutomationExecutor(logStore, panelClient, provider, 5)
	e.now = clock.now
	return e, logStore, panelClient, provider, clock
}

func offlineSnapshot() *models.ResourceSnapshot {
	snap := runningSnapshot(0)
	snap.PowerState = models.PowerStateOffline
	return snap
}

func TestOfflineTriggerStartsServer(t *testing.T) {
	e, logStore, panelClient, provider, _ := newTestExecutor()

	rules := []models.AutomationRule{{
		ID: "a1", UserUUID: "u1", ServerID: "srv1",
		TriggerType: models.TriggerServerOffline,
		Action:      models.ActionStart, Cooldown: 600, Enabled: true,
	}}

	e.Evaluate(context.Background(), testUser(), "api-key", offlineSnapshot(), rules)

	require.Equal(t, 1, panelClient.count())
	require.Equal(t, panelCall{"power", "api-key", "srv1", panel.SignalStart}, panelClient.calls[0])

	require.Equal(t, 1, logStore.count())
	entry := logStore.entries[0]
	require.Equal(t, models.ResultSuccess, entry.Result)
	require.Equal(t, models.ActionStart, entry.Action)
	require.Empty(t, entry.ErrorMsg)

	require.Equal(t, 1, provider.count())
	require.Contains(t, provider.sends[0].Title, models.ActionStart)
}

func TestDisallowedServerIsSkippedBeforeExecution(t *testing.T) {
	e, logStore, panelClient, provider, _ := newTestExecutor()

	user := testUser()
	user.AllowedServers = []string{"other-server"}

	rules := []models.AutomationRule{{
		ID: "a1", UserUUID: "u1", ServerID: "srv1",
		TriggerType: models.TriggerServerOffline,
		Action:      models.ActionStart, Enabled: true,
	}}

	e.Evaluate(context.Background(), user, "api-key", offlineSnapshot(), rules)

	// No panel call, no audit row, no notification.
	require.Zero(t, panelClient.count())
	require.Zero(t, logStore.count())
	require.Zero(t, provider.count())
}

func TestAutomationCooldown(t *testing.T) {
	e, logStore, panelClient, _, clock := newTestExecutor()

	rules := []models.AutomationRule{{
		ID: "a1", UserUUID: "u1", ServerID: "srv1",
		TriggerType: models.TriggerServerOffline,
		Action:      models.ActionStart, Cooldown: 600, Enabled: true,
	}}
	ctx := context.Background()

	e.Evaluate(ctx, testUser(), "k", offlineSnapshot(), rules)
	require.Equal(t, 1, panelClient.count())

	clock.advance(30 * time.Second)
	e.Evaluate(ctx, testUser(), "k", offlineSnapshot(), rules)
	require.Equal(t, 1, panelClient.count())

	clock.advance(10 * time.Minute)
	e.Evaluate(ctx, testUser(), "k", offlineSnapshot(), rules)
	require.Equal(t, 2, panelClient.count())
	require.Equal(t, 2, logStore.count())
}

func TestFailedActionIsLoggedAsFailure(t *testing.T) {
	e, logStore, panelClient, provider, _ := newTestExecutor()
	panelClient.fail = errors.New("panel returned status 500")

	rules := []models.AutomationRule{{
		ID: "a1", UserUUID: "u1", ServerID: "srv1",
		TriggerType: models.TriggerServerOffline,
		Action:      models.ActionRestart, Enabled: true,
	}}

	e.Evaluate(context.Background(), testUser(), "k", offlineSnapshot(), rules)

	require.Equal(t, 1, logStore.count())
	entry := logStore.entries[0]
	require.Equal(t, models.ResultFailure, entry.Result)
	require.Contains(t, entry.ErrorMsg, "500")

	// The user is still notified, with the failure in the body.
	require.Equal(t, 1, provider.count())
	require.Contains(t, provider.sends[0].Body, "Failed")
}

func TestCPUTriggerReadsThresholdFromConfig(t *testing.T) {
	e, _, panelClient, _, _ := newTestExecutor()

	rules := []models.AutomationRule{{
		ID: "a1", UserUUID: "u1", ServerID: "srv1",
		TriggerType:   models.TriggerCPUThreshold,
		TriggerConfig: map[string]interface{}{"threshold": 90.0},
		Action:        models.ActionRestart, Enabled: true,
	}}
	ctx := context.Background()

	e.Evaluate(ctx, testUser(), "k", runningSnapshot(85), rules)
	require.Zero(t, panelClient.count())

	e.Evaluate(ctx, testUser(), "k", runningSnapshot(95), rules)
	require.Equal(t, 1, panelClient.count())
}

func TestTriggerConfigAcceptsIntegerThreshold(t *testing.T) {
	e, _, panelClient, _, _ := newTestExecutor()

	// JSON decoding yields float64, but documents built in code may
	// carry plain ints.
	rules := []models.AutomationRule{{
		ID: "a1", UserUUID: "u1", ServerID: "srv1",
		TriggerType:   models.TriggerCPUThreshold,
		TriggerConfig: map[string]interface{}{"threshold": 90},
		Action:        models.ActionRestart, Enabled: true,
	}}

	e.Evaluate(context.Background(), testUser(), "k", runningSnapshot(95), rules)
	require.Equal(t, 1, panelClient.count())
}

func TestMissingThresholdNeverTriggers(t *testing.T) {
	e, _, panelClient, _, _ := newTestExecutor()

	rules := []models.AutomationRule{{
		ID: "a1", UserUUID: "u1", ServerID: "srv1",
		TriggerType:   models.TriggerCPUThreshold,
		TriggerConfig: map[string]interface{}{},
		Action:        models.ActionRestart, Enabled: true,
	}}

	e.Evaluate(context.Background(), testUser(), "k", runningSnapshot(99), rules)
	require.Zero(t, panelClient.count())
}

func TestServerCrashIgnoresCleanStop(t *testing.T) {
	e, _, panelClient, _, _ := newTestExecutor()

	rules := []models.AutomationRule{{
		ID: "a1", UserUUID: "u1", ServerID: "srv1",
		TriggerType: models.TriggerServerCrash,
		Action:      models.ActionStart, Enabled: true,
	}}
	ctx := context.Background()

	stopped := runningSnapshot(0)
	stopped.PowerState = models.PowerStateStopped
	e.Evaluate(ctx, testUser(), "k", stopped, rules)
	require.Zero(t, panelClient.count())

	e.Evaluate(ctx, testUser(), "k", offlineSnapshot(), rules)
	require.Equal(t, 1, panelClient.count())
}

func TestCommandActionRequiresCommand(t *testing.T) {
	e, logStore, panelClient, _, _ := newTestExecutor()

	rules := []models.AutomationRule{{
		ID: "a1", UserUUID: "u1", ServerID: "srv1",
		TriggerType:  models.TriggerServerOffline,
		Action:       models.ActionCommand,
		ActionConfig: map[string]string{},
		Enabled:      true,
	}}

	e.Evaluate(context.Background(), testUser(), "k", offlineSnapshot(), rules)

	// The action never reaches the panel and is logged as a failure.
	require.Zero(t, panelClient.count())
	require.Equal(t, 1, logStore.count())
	require.Equal(t, models.ResultFailure, logStore.entries[0].Result)
	require.Contains(t, logStore.entries[0].ErrorMsg, "missing command")
}

func TestCommandActionSendsConfiguredCommand(t *testing.T) {
	e, _, panelClient, _, _ := newTestExecutor()

	rules := []models.AutomationRule{{
		ID: "a1", UserUUID: "u1", ServerID: "srv1",
		TriggerType:  models.TriggerServerOffline,
		Action:       models.ActionCommand,
		ActionConfig: map[string]string{"command": "save-all"},
		Enabled:      true,
	}}

	e.Evaluate(context.Background(), testUser(), "k", offlineSnapshot(), rules)
	require.Equal(t, 1, panelClient.count())
	require.Equal(t, panelCall{"command", "k", "srv1", "save-all"}, panelClient.calls[0])
}

func TestBackupAction(t *testing.T) {
	e, _, panelClient, _, _ := newTestExecutor()

	rules := []models.AutomationRule{{
		ID: "a1", UserUUID: "u1", ServerID: "srv1",
		TriggerType: models.TriggerDiskThreshold,
		TriggerConfig: map[string]interface{}{
			"threshold": 5.0,
		},
		Action: models.ActionBackup, Enabled: true,
	}}

	snap := runningSnapshot(0)
	snap.DiskBytes = 900
	snap.DiskLimit = 1000
	e.Evaluate(context.Background(), testUser(), "k", snap, rules)
	require.Equal(t, 1, panelClient.count())
	require.Equal(t, "backup", panelClient.calls[0].method)
}

func TestUnknownTriggerTypeIsSkipped(t *testing.T) {
	e, logStore, panelClient, _, _ := newTestExecutor()

	rules := []models.AutomationRule{{
		ID: "a1", UserUUID: "u1", ServerID: "srv1",
		TriggerType: "moon_phase",
		Action:      models.ActionRestart, Enabled: true,
	}}

	e.Evaluate(context.Background(), testUser(), "k", runningSnapshot(99), rules)
	require.Zero(t, panelClient.count())
	require.Zero(t, logStore.count())
}

func TestErrorMessageTruncatedTo500(t *testing.T) {
	e, logStore, panelClient, _, _ := newTestExecutor()

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'e'
	}
	panelClient.fail = errors.New(string(long))

	rules := []models.AutomationRule{{
		ID: "a1", UserUUID: "u1", ServerID: "srv1",
		TriggerType: models.TriggerServerOffline,
		Action:      models.ActionStart, Enabled: true,
	}}

	e.Evaluate(context.Background(), testUser(), "k", offlineSnapshot(), rules)
	require.Equal(t, 1, logStore.count())
	require.Len(t, logStore.entries[0].ErrorMsg, 500)
}
