package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xyidactyl/agent/internal/models"
	"github.com/xyidactyl/agent/internal/push"
)

type fakeHistory struct {
	mu      sync.Mutex
	entries []models.AlertHistoryEntry
}

func (f *fakeHistory) InsertAlertHistory(entry models.AlertHistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeHistory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakePush struct {
	mu    sync.Mutex
	sends []push.Payload
}

func (f *fakePush) Send(_ context.Context, _ string, payload push.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, payload)
	return nil
}

func (f *fakePush) Name() string { return "fake" }

func (f *fakePush) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEvaluator() (*AlertEvaluator, *fakeHistory, *fakePush, *fakeClock) {
	history := &fakeHistory{}
	provider := &fakePush{}
	clock := newFakeClock()
	e := NewAlertEvaluator(history, provider)
	e.now = clock.now
	return e, history, provider, clock
}

func testUser() models.ControlUser {
	return models.ControlUser{
		UserUUID:       "u1",
		AllowedServers: []string{"srv1"},
		DeviceTokens:   []string{"device-token-1"},
	}
}

func runningSnapshot(cpu float64) *models.ResourceSnapshot {
	return &models.ResourceSnapshot{
		ServerID:   "srv1",
		PowerState: models.PowerStateRunning,
		CPUPercent: cpu,
		MemBytes:   512 * 1024 * 1024,
		MemLimit:   1024 * 1024 * 1024,
		DiskBytes:  100,
		DiskLimit:  1000,
	}
}

func TestCPUAlertRespectsDuration(t *testing.T) {
	e, history, provider, clock := newTestEvaluator()

	rule := models.AlertRule{
		ID: "r1", UserUUID: "u1", ServerID: "srv1",
		ConditionType: models.ConditionCPUThreshold,
		Threshold:     90, Duration: 30, Cooldown: 300, Enabled: true,
	}
	rules := []models.AlertRule{rule}
	ctx := context.Background()

	// First exceeding sample starts tracking, no alert yet.
	e.Evaluate(ctx, testUser(), runningSnapshot(95), rules)
	require.Zero(t, history.count())

	// Still within the duration window.
	clock.advance(15 * time.Second)
	e.Evaluate(ctx, testUser(), runningSnapshot(96), rules)
	require.Zero(t, history.count())

	// Condition has now held for 30s: fire.
	clock.advance(15 * time.Second)
	e.Evaluate(ctx, testUser(), runningSnapshot(97), rules)
	require.Equal(t, 1, history.count())
	require.Equal(t, 1, provider.count())

	entry := history.entries[0]
	require.Equal(t, "r1", entry.RuleID)
	require.Equal(t, models.ConditionCPUThreshold, entry.Condition)
	require.Equal(t, 97.0, entry.Value)

	sent := provider.sends[0]
	require.Equal(t, "CPU Alert", sent.Title)
	require.Equal(t, push.EventTypeAlert, sent.EventType)
}

func TestDurationTrackingResetsWhenConditionClears(t *testing.T) {
	e, history, _, clock := newTestEvaluator()

	rules := []models.AlertRule{{
		ID: "r1", UserUUID: "u1", ServerID: "srv1",
		ConditionType: models.ConditionCPUThreshold,
		Threshold:     90, Duration: 30, Enabled: true,
	}}
	ctx := context.Background()

	e.Evaluate(ctx, testUser(), runningSnapshot(95), rules)
	clock.advance(15 * time.Second)

	// Dips below threshold: the duration clock must restart.
	e.Evaluate(ctx, testUser(), runningSnapshot(50), rules)
	clock.advance(20 * time.Second)

	// Exceeds again, but only 0s of continuous hold so far.
	e.Evaluate(ctx, testUser(), runningSnapshot(95), rules)
	require.Zero(t, history.count())

	clock.advance(30 * time.Second)
	e.Evaluate(ctx, testUser(), runningSnapshot(95), rules)
	require.Equal(t, 1, history.count())
}

func TestCooldownSuppressesRefire(t *testing.T) {
	e, history, _, clock := newTestEvaluator()

	rules := []models.AlertRule{{
		ID: "r1", UserUUID: "u1", ServerID: "srv1",
		ConditionType: models.ConditionCPUThreshold,
		Threshold:     90, Cooldown: 300, Enabled: true,
	}}
	ctx := context.Background()

	e.Evaluate(ctx, testUser(), runningSnapshot(95), rules)
	require.Equal(t, 1, history.count())

	// Condition still holds, but the cooldown gate blocks it.
	clock.advance(60 * time.Second)
	e.Evaluate(ctx, testUser(), runningSnapshot(95), rules)
	require.Equal(t, 1, history.count())

	// Past the cooldown the rule may fire again.
	clock.advance(241 * time.Second)
	e.Evaluate(ctx, testUser(), runningSnapshot(95), rules)
	require.Equal(t, 2, history.count())
}

func TestRAMThresholdUsesLimitPercentage(t *testing.T) {
	e, history, _, _ := newTestEvaluator()

	rules := []models.AlertRule{{
		ID: "r1", UserUUID: "u1", ServerID: "srv1",
		ConditionType: models.ConditionRAMThreshold,
		Threshold:     80, Enabled: true,
	}}
	ctx := context.Background()

	snap := runningSnapshot(0)
	snap.MemBytes = 900 * 1024 * 1024
	snap.MemLimit = 1024 * 1024 * 1024
	e.Evaluate(ctx, testUser(), snap, rules)
	require.Equal(t, 1, history.count())
}

func TestZeroLimitNeverTriggersPercentRules(t *testing.T) {
	e, history, _, _ := newTestEvaluator()

	rules := []models.AlertRule{
		{ID: "ram", UserUUID: "u1", ServerID: "srv1", ConditionType: models.ConditionRAMThreshold, Threshold: 1, Enabled: true},
		{ID: "disk", UserUUID: "u1", ServerID: "srv1", ConditionType: models.ConditionDiskThreshold, Threshold: 1, Enabled: true},
	}

	// Unlimited resources: percentage is not computable, so threshold
	// rules must stay quiet no matter the absolute usage.
	snap := runningSnapshot(0)
	snap.MemBytes = 1 << 40
	snap.MemLimit = 0
	snap.DiskBytes = 1 << 40
	snap.DiskLimit = 0

	e.Evaluate(context.Background(), testUser(), snap, rules)
	require.Zero(t, history.count())
}

func TestPowerStateChangeFiresOnTransitionOnly(t *testing.T) {
	e, history, provider, _ := newTestEvaluator()

	rules := []models.AlertRule{{
		ID: "r1", UserUUID: "u1", ServerID: "srv1",
		ConditionType: models.ConditionPowerStateChange,
		Duration:      30, // must be ignored for point-in-time events
		Enabled:       true,
	}}
	ctx := context.Background()

	// First observation establishes the baseline, no alert.
	e.Evaluate(ctx, testUser(), runningSnapshot(10), rules)
	require.Zero(t, history.count())

	// Same state again: no transition.
	e.Evaluate(ctx, testUser(), runningSnapshot(10), rules)
	require.Zero(t, history.count())

	stopped := runningSnapshot(0)
	stopped.PowerState = models.PowerStateStopped
	e.Evaluate(ctx, testUser(), stopped, rules)
	require.Equal(t, 1, history.count())
	require.Contains(t, provider.sends[0].Body, models.PowerStateStopped)
}

func TestOfflineDurationAlert(t *testing.T) {
	e, history, _, clock := newTestEvaluator()

	rules := []models.AlertRule{{
		ID: "r1", UserUUID: "u1", ServerID: "srv1",
		ConditionType: models.ConditionOfflineDuration,
		Duration:      60, Enabled: true,
	}}
	ctx := context.Background()

	offline := runningSnapshot(0)
	offline.PowerState = models.PowerStateOffline

	e.Evaluate(ctx, testUser(), offline, rules)
	require.Zero(t, history.count())

	clock.advance(60 * time.Second)
	e.Evaluate(ctx, testUser(), offline, rules)
	require.Equal(t, 1, history.count())
}

func TestRestartLoopDetectedOnThirdRestart(t *testing.T) {
	e, history, provider, clock := newTestEvaluator()

	rules := []models.AlertRule{{
		ID: "r1", UserUUID: "u1", ServerID: "srv1",
		ConditionType: models.ConditionRestartLoop,
		Enabled:       true,
	}}
	ctx := context.Background()

	offline := runningSnapshot(0)
	offline.PowerState = models.PowerStateOffline
	running := runningSnapshot(10)

	// Three offline->running bounces inside the window. The rule must
	// fire on the snapshot that completes the third transition.
	for i := 0; i < 3; i++ {
		e.Evaluate(ctx, testUser(), offline, rules)
		clock.advance(30 * time.Second)
		e.Evaluate(ctx, testUser(), running, rules)
		clock.advance(30 * time.Second)
	}

	require.Equal(t, 1, history.count())
	require.Equal(t, 3.0, history.entries[0].Value)
	require.Equal(t, "Restart Loop Detected", provider.sends[0].Title)
}

func TestRestartLoopWindowExpires(t *testing.T) {
	e, history, _, clock := newTestEvaluator()

	rules := []models.AlertRule{{
		ID: "r1", UserUUID: "u1", ServerID: "srv1",
		ConditionType: models.ConditionRestartLoop,
		Enabled:       true,
	}}
	ctx := context.Background()

	offline := runningSnapshot(0)
	offline.PowerState = models.PowerStateOffline
	running := runningSnapshot(10)

	// Two restarts, then a long quiet stretch, then a third. The first
	// two have aged out of the 5 minute window by then.
	for i := 0; i < 2; i++ {
		e.Evaluate(ctx, testUser(), offline, rules)
		e.Evaluate(ctx, testUser(), running, rules)
		clock.advance(30 * time.Second)
	}
	clock.advance(10 * time.Minute)

	e.Evaluate(ctx, testUser(), offline, rules)
	e.Evaluate(ctx, testUser(), running, rules)
	require.Zero(t, history.count())
}

func TestUnknownConditionTypeIsSkipped(t *testing.T) {
	e, history, provider, _ := newTestEvaluator()

	rules := []models.AlertRule{{
		ID: "r1", UserUUID: "u1", ServerID: "srv1",
		ConditionType: "gpu_threshold",
		Threshold:     1, Enabled: true,
	}}

	e.Evaluate(context.Background(), testUser(), runningSnapshot(99), rules)
	require.Zero(t, history.count())
	require.Zero(t, provider.count())
}

func TestAlertSentToEveryDeviceToken(t *testing.T) {
	e, _, provider, _ := newTestEvaluator()

	user := testUser()
	user.DeviceTokens = []string{"tok-a", "tok-b", "tok-c"}

	rules := []models.AlertRule{{
		ID: "r1", UserUUID: "u1", ServerID: "srv1",
		ConditionType: models.ConditionCPUThreshold,
		Threshold:     90, Enabled: true,
	}}

	e.Evaluate(context.Background(), user, runningSnapshot(95), rules)
	require.Equal(t, 3, provider.count())
}
