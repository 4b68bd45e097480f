package finetune

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Boettner-eric/FineTune/internal/hwtest"
	"github.com/Boettner-eric/FineTune/tap"
)

// fakeLister is a scriptable ProcessLister.
type fakeLister struct {
	mu   sync.Mutex
	apps []AudioApp
	err  error
}

func (l *fakeLister) AudioProcesses() ([]AudioApp, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	out := make([]AudioApp, len(l.apps))
	copy(out, l.apps)
	return out, nil
}

func (l *fakeLister) set(apps []AudioApp) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apps = apps
	l.err = nil
}

func (l *fakeLister) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

// errorCollector records every handled error.
type errorCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *errorCollector) HandleError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *errorCollector) collected() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]error, len(c.errs))
	copy(out, c.errs)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig keeps activation and crossfade waits short. The monitor's poll
// interval is effectively infinite; tests drive it with ForceCheck.
func fastConfig() Config {
	return Config{
		CrossfadeOverride: 5 * time.Millisecond,
		ReadyTimeout:      100 * time.Millisecond,
		CrossfadeGrace:    25 * time.Millisecond,
		PollInterval:      time.Hour,
	}
}

func newTestEngine(t *testing.T, hw *hwtest.Client, lister ProcessLister, handler ErrorHandler) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{
		Hardware:     hw,
		Processes:    lister,
		ErrorHandler: handler,
		Logger:       quietLogger(),
		Config:       fastConfig(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.Stop() })
	return e
}

func TestNewEngineRequiresHardware(t *testing.T) {
	if _, err := NewEngine(EngineConfig{}); err == nil {
		t.Fatal("expected error for missing Hardware")
	}
}

func TestSetVolumeCreatesTap(t *testing.T) {
	hw := hwtest.NewClient()
	e := newTestEngine(t, hw, nil, nil)
	app := AudioApp{PID: 101, Name: "Music"}

	if err := e.SetVolume(app, 0.5); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if got := e.ControllerCount(); got != 1 {
		t.Fatalf("controller count = %d, want 1", got)
	}
	ctrl, ok := e.Controller(app.PID)
	if !ok {
		t.Fatal("no controller for pid 101")
	}
	if ctrl.State() != tap.StateActive {
		t.Errorf("controller state = %v, want active", ctrl.State())
	}
	if got := ctrl.TargetGain(); got != 0.5 {
		t.Errorf("target gain = %f, want 0.5", got)
	}
	if got := e.GetVolume(app); got != 0.5 {
		t.Errorf("stored volume = %f, want 0.5", got)
	}

	// A second attenuated volume reuses the controller; no new hardware.
	if err := e.SetVolume(app, 0.25); err != nil {
		t.Fatalf("SetVolume update: %v", err)
	}
	if got := hw.AggregateCreates(); got != 1 {
		t.Errorf("aggregate creates = %d, want 1 for repeated volume changes", got)
	}
	if got := ctrl.TargetGain(); got != float32(0.25) {
		t.Errorf("updated target gain = %f, want 0.25", got)
	}
}

func TestSetVolumeUnityRemovesTap(t *testing.T) {
	hw := hwtest.NewClient()
	e := newTestEngine(t, hw, nil, nil)
	app := AudioApp{PID: 7, Name: "Podcast"}

	if err := e.SetVolume(app, 0.5); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if err := e.SetVolume(app, 1.0); err != nil {
		t.Fatalf("SetVolume to unity: %v", err)
	}
	if got := e.ControllerCount(); got != 0 {
		t.Fatalf("controller count = %d, want 0 after unity", got)
	}
	if hw.TapsAlive() != 0 || hw.AggregatesAlive() != 0 {
		t.Errorf("hardware leaked: taps=%d aggregates=%d", hw.TapsAlive(), hw.AggregatesAlive())
	}
	if got := e.GetVolume(app); got != 1.0 {
		t.Errorf("volume = %f, want 1.0", got)
	}

	// Unity for a process with no tap is a no-op, not an error.
	before := hw.AggregateCreates()
	if err := e.SetVolume(app, 1.0); err != nil {
		t.Fatalf("repeated unity: %v", err)
	}
	if hw.AggregateCreates() != before {
		t.Error("unity volume created hardware")
	}
}

func TestVolumePersistsWhenTapFails(t *testing.T) {
	hw := hwtest.NewClient()
	e := newTestEngine(t, hw, nil, nil)
	app := AudioApp{PID: 33, Name: "Game"}

	hw.FailCreateTap = -1
	err := e.SetVolume(app, 0.3)
	if !errors.Is(err, tap.ErrTapCreationFailed) {
		t.Fatalf("error = %v, want ErrTapCreationFailed", err)
	}
	if got := e.ControllerCount(); got != 0 {
		t.Fatalf("controller count = %d after failed activation, want 0", got)
	}
	// The intent survives the failure.
	if got := e.GetVolume(app); got != 0.3 {
		t.Fatalf("volume = %f, want 0.3 recorded despite tap failure", got)
	}

	// Once the hardware recovers the same call succeeds.
	hw.FailCreateTap = 0
	if err := e.SetVolume(app, 0.3); err != nil {
		t.Fatalf("SetVolume after recovery: %v", err)
	}
	if got := e.ControllerCount(); got != 1 {
		t.Errorf("controller count = %d after recovery, want 1", got)
	}
}

func TestCleanupStaleTaps(t *testing.T) {
	hw := hwtest.NewClient()
	e := newTestEngine(t, hw, nil, nil)
	app1 := AudioApp{PID: 1, Name: "One"}
	app2 := AudioApp{PID: 2, Name: "Two"}

	for _, app := range []AudioApp{app1, app2} {
		if err := e.SetVolume(app, 0.5); err != nil {
			t.Fatalf("SetVolume(%d): %v", app.PID, err)
		}
	}

	if err := e.CleanupStaleTaps([]AudioApp{app1}); err != nil {
		t.Fatalf("CleanupStaleTaps: %v", err)
	}
	if got := e.ControllerCount(); got != 1 {
		t.Fatalf("controller count = %d, want 1", got)
	}
	if _, ok := e.Controller(app2.PID); ok {
		t.Error("stale controller for pid 2 survived cleanup")
	}
	if got := e.GetVolume(app2); got != 1.0 {
		t.Errorf("stale volume entry = %f, want pruned to unity default", got)
	}
	if got := e.GetVolume(app1); got != 0.5 {
		t.Errorf("surviving volume = %f, want 0.5", got)
	}
}

func TestEngineRouteChange(t *testing.T) {
	hw := hwtest.NewClient()
	collector := &errorCollector{}
	e := newTestEngine(t, hw, nil, collector)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := e.OutputUID(); got != "fake-default-output" {
		t.Fatalf("initial output = %q", got)
	}

	app := AudioApp{PID: 5, Name: "Browser"}
	if err := e.SetVolume(app, 0.5); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	ctrl, _ := e.Controller(app.PID)
	oldAgg := ctrl.PrimaryHandles().Aggregate

	// Nothing pumps the fake devices, so each crossfade runs out its grace
	// window and force-completes. The engine call itself still succeeds.
	if err := e.RouteChange("usb-dac"); err != nil {
		t.Fatalf("RouteChange: %v", err)
	}
	if got := e.OutputUID(); got != "usb-dac" {
		t.Errorf("output = %q, want usb-dac", got)
	}
	if ctrl.PrimaryHandles().Aggregate == oldAgg {
		t.Error("controller still on the old aggregate after route change")
	}
	if ctrl.State() != tap.StateActive {
		t.Errorf("controller state = %v, want active", ctrl.State())
	}
	if hw.AggregatesAlive() != 1 {
		t.Errorf("aggregates alive = %d, want 1", hw.AggregatesAlive())
	}

	errs := collector.collected()
	if len(errs) != 1 || !errors.Is(errs[0], tap.ErrCrossfadeTimeout) {
		t.Errorf("handled errors = %v, want one ErrCrossfadeTimeout", errs)
	}
}

func TestStopTearsDownEverything(t *testing.T) {
	hw := hwtest.NewClient()
	e := newTestEngine(t, hw, nil, nil)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for pid := int32(1); pid <= 3; pid++ {
		if err := e.SetVolume(AudioApp{PID: pid, Name: "App"}, 0.5); err != nil {
			t.Fatalf("SetVolume(%d): %v", pid, err)
		}
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if e.IsRunning() {
		t.Error("engine still reports running after Stop")
	}
	if got := e.ControllerCount(); got != 0 {
		t.Errorf("controller count = %d after Stop, want 0", got)
	}
	if hw.TapsAlive() != 0 || hw.AggregatesAlive() != 0 || hw.ProcsAlive() != 0 {
		t.Errorf("hardware leaked: taps=%d aggregates=%d procs=%d",
			hw.TapsAlive(), hw.AggregatesAlive(), hw.ProcsAlive())
	}

	// The dispatcher is down; further lifecycle calls fail cleanly.
	err := e.SetVolume(AudioApp{PID: 9, Name: "Late"}, 0.5)
	if err == nil || !strings.Contains(err.Error(), "not running") {
		t.Errorf("SetVolume after Stop = %v, want dispatcher-not-running error", err)
	}
}

func TestDoubleStart(t *testing.T) {
	hw := hwtest.NewClient()
	e := newTestEngine(t, hw, nil, nil)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(); err == nil {
		t.Fatal("second Start must fail")
	}
}
