package tap

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/Boettner-eric/FineTune/internal/hwtest"
)

func testConfig() Config {
	return Config{
		Crossfade:      CrossfadeConfig{Override: 10 * time.Millisecond},
		ReadyTimeout:   100 * time.Millisecond,
		ReadyPoll:      time.Millisecond,
		CrossfadeGrace: 25 * time.Millisecond,
	}
}

func newTestController(hw *hwtest.Client) *Controller {
	return NewController(hw, discardLogger(), testConfig(), 4242, "TestApp")
}

func ones(n int) []float32 {
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = 1
	}
	return buf
}

func TestActivateCreatesFullPath(t *testing.T) {
	hw := hwtest.NewClient()
	c := newTestController(hw)

	if err := c.Activate(); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if c.State() != StateActive {
		t.Fatalf("state = %v, want active", c.State())
	}

	h := c.PrimaryHandles()
	if !h.Tap.Valid() || !h.Aggregate.Valid() || !h.IOProc.Valid() {
		t.Fatalf("activation left invalid handles: %+v", h)
	}
	if hw.TapsAlive() != 1 || hw.AggregatesAlive() != 1 || hw.ProcsAlive() != 1 {
		t.Errorf("object counts: taps=%d aggregates=%d procs=%d, want 1 each",
			hw.TapsAlive(), hw.AggregatesAlive(), hw.ProcsAlive())
	}

	// Activate again is a no-op.
	if err := c.Activate(); err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if hw.AggregateCreates() != 1 {
		t.Errorf("second activate created hardware, aggregate creates = %d", hw.AggregateCreates())
	}

	c.Invalidate()
}

func TestActivationFailures(t *testing.T) {
	cases := []struct {
		name    string
		prepare func(*hwtest.Client)
		wantErr error
	}{
		{"tap creation", func(hw *hwtest.Client) { hw.FailCreateTap = -1 }, ErrTapCreationFailed},
		{"tap uid", func(hw *hwtest.Client) { hw.FailReadTapUID = -1 }, ErrNoTapDescription},
		{"aggregate creation", func(hw *hwtest.Client) { hw.FailCreateAggregate = -1 }, ErrAggregateCreationFailed},
		{"ioproc registration", func(hw *hwtest.Client) { hw.FailCreateIOProc = -1 }, ErrAggregateCreationFailed},
		{"device start", func(hw *hwtest.Client) { hw.FailStartDevice = -1 }, ErrAggregateCreationFailed},
		{"device never ready", func(hw *hwtest.Client) { hw.NeverRunning = true }, ErrDeviceNotReady},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hw := hwtest.NewClient()
			tc.prepare(hw)
			c := newTestController(hw)

			err := c.Activate()
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("activate error = %v, want %v", err, tc.wantErr)
			}
			if c.State() != StateInactive {
				t.Errorf("state after failed activation = %v, want inactive", c.State())
			}
			// No partial hardware objects may survive.
			if hw.TapsAlive() != 0 || hw.AggregatesAlive() != 0 || hw.ProcsAlive() != 0 {
				t.Errorf("leak after %s failure: taps=%d aggregates=%d procs=%d",
					tc.name, hw.TapsAlive(), hw.AggregatesAlive(), hw.ProcsAlive())
			}
		})
	}
}

func TestStatusErrorCarriesCode(t *testing.T) {
	hw := hwtest.NewClient()
	hw.FailCreateTap = -66748 // kAudioHardwareIllegalOperationError-ish
	c := newTestController(hw)

	err := c.Activate()
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error %v does not carry a StatusError", err)
	}
	if statusErr.Status != -66748 {
		t.Errorf("status = %d, want -66748", statusErr.Status)
	}
}

func TestCallbackAppliesGain(t *testing.T) {
	hw := hwtest.NewClient()
	c := newTestController(hw)
	c.SetGain(0.5)
	if err := c.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer c.Invalidate()

	h := c.PrimaryHandles()
	const frames, channels = 64, 2
	out, ok := hw.Render(h.Aggregate, ones(frames*channels), frames, channels)
	if !ok {
		t.Fatal("no running ioproc on aggregate")
	}
	for i, s := range out {
		if math.Abs(float64(s)-0.5) > 1e-6 {
			t.Fatalf("sample %d = %f, want 0.5", i, s)
		}
	}
}

func TestGainChangeSlews(t *testing.T) {
	hw := hwtest.NewClient()
	c := newTestController(hw)
	c.SetGain(0.5)
	if err := c.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer c.Invalidate()

	h := c.PrimaryHandles()
	c.SetGain(0.25)

	// 0.5 -> 0.25 at 0.001/frame needs 250 frames; render 300.
	out, _ := hw.Render(h.Aggregate, ones(300), 300, 1)
	if out[0] >= 0.5 {
		t.Errorf("first frame %f did not start moving from 0.5", out[0])
	}
	if math.Abs(float64(out[299])-0.25) > 1e-6 {
		t.Errorf("final frame = %f, want settled at 0.25", out[299])
	}
	for f := 1; f < 250; f++ {
		if out[f] > out[f-1] {
			t.Fatalf("gain ramp not monotonic at frame %d: %f > %f", f, out[f], out[f-1])
		}
	}
}

func TestSetGainClamps(t *testing.T) {
	hw := hwtest.NewClient()
	c := newTestController(hw)

	c.SetGain(1.8)
	if got := c.TargetGain(); got != 1 {
		t.Errorf("gain 1.8 stored as %f, want clamp to 1", got)
	}
	c.SetGain(-0.3)
	if got := c.TargetGain(); got != 0 {
		t.Errorf("gain -0.3 stored as %f, want clamp to 0", got)
	}
}

func TestOutgoingRenderFollowsEqualPowerCurve(t *testing.T) {
	hw := hwtest.NewClient()
	c := newTestController(hw)
	if err := c.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer c.Invalidate()

	const total = 1000
	c.xfade.begin(total)
	c.primary.rt.role.Store(roleOutgoing)

	h := c.PrimaryHandles()
	const frames = 100
	out, _ := hw.Render(h.Aggregate, ones(frames), frames, 1)

	for f := 0; f < frames; f++ {
		wantOut, _ := EqualPowerGains(float64(f) / total)
		if math.Abs(float64(out[f]-wantOut)) > 1e-5 {
			t.Fatalf("frame %d = %f, want %f", f, out[f], wantOut)
		}
	}
	if got := c.xfade.elapsed.Load(); got != frames {
		t.Errorf("elapsed = %d, want %d", got, frames)
	}
	if c.xfade.done.Load() {
		t.Error("done flag raised before total reached")
	}

	// Render the rest and confirm completion.
	for i := 0; i < 10; i++ {
		hw.Render(h.Aggregate, ones(frames), frames, 1)
	}
	if got := c.xfade.elapsed.Load(); got != total {
		t.Errorf("elapsed after overrun = %d, want clamped at %d", got, total)
	}
	if !c.xfade.done.Load() {
		t.Error("done flag not raised at completion")
	}
}

func TestIncomingRenderFollowsEqualPowerCurve(t *testing.T) {
	hw := hwtest.NewClient()
	c := newTestController(hw)
	if err := c.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer c.Invalidate()

	const total = 1000
	c.xfade.begin(total)
	c.xfade.elapsed.Store(total / 2)

	rt := &rtPath{}
	rt.role.Store(roleIncoming)
	rt.current = 1

	const frames = 10
	in := ones(frames)
	out := make([]float32, frames)
	c.renderIncoming(rt, in, out, frames, 1, 1)

	for f := 0; f < frames; f++ {
		_, wantIn := EqualPowerGains(float64(total/2+f) / total)
		if math.Abs(float64(out[f]-wantIn)) > 1e-5 {
			t.Fatalf("frame %d = %f, want %f", f, out[f], wantIn)
		}
	}
	if got := c.xfade.elapsed.Load(); got != total/2 {
		t.Errorf("incoming callback moved elapsed to %d; it must never write it", got)
	}

	// After the transition state is cleared the incoming path goes silent.
	c.xfade.clear()
	c.renderIncoming(rt, in, out, frames, 1, 1)
	for f := 0; f < frames; f++ {
		if out[f] != 0 {
			t.Fatalf("frame %d = %f after clear, want silence", f, out[f])
		}
	}
}

func TestRouteChangeCrossfades(t *testing.T) {
	hw := hwtest.NewClient()
	c := newTestController(hw)
	if err := c.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer c.Invalidate()
	oldAgg := c.PrimaryHandles().Aggregate

	// Pump both devices the way the HAL's real-time threads would.
	stop := make(chan struct{})
	donePumping := make(chan struct{})
	go func() {
		defer close(donePumping)
		in := ones(64 * 2)
		for {
			select {
			case <-stop:
				return
			default:
				hw.RenderAll(in, 64, 2)
				time.Sleep(200 * time.Microsecond)
			}
		}
	}()

	err := c.RouteChange("new-output-uid")
	close(stop)
	<-donePumping

	if err != nil {
		t.Fatalf("route change failed: %v", err)
	}
	if c.State() != StateActive {
		t.Errorf("state = %v, want active", c.State())
	}
	newAgg := c.PrimaryHandles().Aggregate
	if newAgg == oldAgg {
		t.Error("route change did not switch to the incoming path")
	}
	if hw.AggregatesAlive() != 1 || hw.TapsAlive() != 1 || hw.ProcsAlive() != 1 {
		t.Errorf("outgoing path leaked: taps=%d aggregates=%d procs=%d",
			hw.TapsAlive(), hw.AggregatesAlive(), hw.ProcsAlive())
	}
	if c.xfade.active.Load() {
		t.Error("crossfade state not cleared after completion")
	}
}

func TestRouteChangeTimeoutForcesSwitch(t *testing.T) {
	hw := hwtest.NewClient()
	c := newTestController(hw)
	if err := c.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer c.Invalidate()
	oldAgg := c.PrimaryHandles().Aggregate

	// Nothing pumps the outgoing device, so progress never advances and the
	// grace window expires. The incoming device is healthy: force-complete.
	err := c.RouteChange("new-output-uid")
	if !errors.Is(err, ErrCrossfadeTimeout) {
		t.Fatalf("error = %v, want ErrCrossfadeTimeout", err)
	}
	if c.State() != StateActive {
		t.Errorf("state = %v, want active after forced completion", c.State())
	}
	if c.PrimaryHandles().Aggregate == oldAgg {
		t.Error("timeout with healthy incoming path must force the switch")
	}
	if hw.AggregatesAlive() != 1 {
		t.Errorf("aggregates alive = %d, want 1", hw.AggregatesAlive())
	}
}

func TestRouteChangeSecondaryCreationFails(t *testing.T) {
	hw := hwtest.NewClient()
	c := newTestController(hw)
	if err := c.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer c.Invalidate()
	oldHandles := c.PrimaryHandles()

	hw.FailCreateTap = -1
	err := c.RouteChange("new-output-uid")
	if !errors.Is(err, ErrSecondaryTapFailed) {
		t.Fatalf("error = %v, want ErrSecondaryTapFailed", err)
	}
	if !errors.Is(err, ErrTapCreationFailed) {
		t.Errorf("error %v should also carry the underlying creation failure", err)
	}
	if c.State() != StateActive {
		t.Errorf("state = %v, want active on the original path", c.State())
	}
	if c.PrimaryHandles() != oldHandles {
		t.Error("failed route change must leave the primary path untouched")
	}
}

func TestRouteChangeSecondaryDiesMidTransition(t *testing.T) {
	hw := hwtest.NewClient()
	c := newTestController(hw)
	if err := c.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer c.Invalidate()
	oldAgg := c.PrimaryHandles().Aggregate

	// The secondary aggregate activates normally but reports dead right
	// after, as an unplugged destination would.
	hw.NewAggregatesDead = true
	err := c.RouteChange("new-output-uid")
	if !errors.Is(err, ErrSecondaryTapFailed) {
		t.Fatalf("error = %v, want ErrSecondaryTapFailed", err)
	}
	if c.PrimaryHandles().Aggregate != oldAgg {
		t.Error("controller must stay on the outgoing path when incoming dies")
	}
	if c.State() != StateActive {
		t.Errorf("state = %v, want active", c.State())
	}
	if hw.AggregatesAlive() != 1 {
		t.Errorf("dead secondary not torn down, aggregates alive = %d", hw.AggregatesAlive())
	}
	if c.xfade.active.Load() {
		t.Error("crossfade state left active after fallback")
	}
}

func TestInvalidateIdempotent(t *testing.T) {
	hw := hwtest.NewClient()
	c := newTestController(hw)
	if err := c.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}

	c.Invalidate()
	c.Invalidate()

	if c.State() != StateInvalidated {
		t.Fatalf("state = %v, want invalidated", c.State())
	}
	if n := hw.CallCount("DestroyProcessTap"); n != 1 {
		t.Errorf("DestroyProcessTap called %d times, want exactly 1", n)
	}
	if n := hw.CallCount("DestroyAggregate"); n != 1 {
		t.Errorf("DestroyAggregate called %d times, want exactly 1", n)
	}

	if err := c.Activate(); !errors.Is(err, ErrInvalidated) {
		t.Errorf("activate after invalidate = %v, want ErrInvalidated", err)
	}
	if err := c.RouteChange("x"); !errors.Is(err, ErrInvalidated) {
		t.Errorf("route change after invalidate = %v, want ErrInvalidated", err)
	}
}

func TestInvalidateBeforeActivate(t *testing.T) {
	hw := hwtest.NewClient()
	c := newTestController(hw)

	before := len(hw.Calls())
	c.Invalidate()
	if got := len(hw.Calls()) - before; got != 0 {
		t.Errorf("invalidate of inactive controller made %d hardware calls", got)
	}
	if c.State() != StateInvalidated {
		t.Errorf("state = %v, want invalidated", c.State())
	}
}
