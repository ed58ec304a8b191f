package calibration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imucal/imucal/pkg/stats"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		MaxMeanError:       0.01,
		MaxStdDeviation:    0.01,
		TemperatureDelta:   1,
		GatheringPeriod:    5 * time.Second,
		RecheckPeriod:      10 * time.Second,
		CalibrationTimeout: 40 * time.Second,
	}
}

func freshContext() Context {
	return Context{
		LastCalibrationTime:          now.Add(-time.Second),
		TemperatureAtLastCalibration: 30,
		CurrentTemperature:           30.2,
	}
}

func TestCheckingWithinBoundsIsCalibrated(t *testing.T) {
	d := Decide(StateChecking, Inputs{
		Now:        now,
		Config:     testConfig(),
		Context:    freshContext(),
		Stats:      stats.Summary{Count: 100, Mean: 0.0001, StdDeviation: 0.0002, Span: 5 * time.Second},
		EnoughData: true,
	})

	assert.Equal(t, StateCalibrated, d.Next)
	assert.Contains(t, d.Effects, EffectEnableMotion)
	assert.Contains(t, d.Effects, EffectRecordCalibrated)
	assert.False(t, d.ForceFailure)
}

func TestCheckingOutOfBoundsMustCalibrate(t *testing.T) {
	tests := []struct {
		name string
		mean float64
		std  float64
	}{
		{name: "mean too large", mean: 0.05, std: 0.0002},
		{name: "negative mean too large", mean: -0.05, std: 0.0002},
		{name: "deviation too large", mean: 0.0001, std: 0.02},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(StateChecking, Inputs{
				Now:        now,
				Config:     testConfig(),
				Context:    freshContext(),
				Stats:      stats.Summary{Count: 100, Mean: tt.mean, StdDeviation: tt.std},
				EnoughData: true,
			})
			assert.Equal(t, StateMustCalibrate, d.Next)
			assert.Empty(t, d.Effects)
		})
	}
}

func TestCheckingHoldsWithoutEnoughData(t *testing.T) {
	d := Decide(StateChecking, Inputs{
		Now:     now,
		Config:  testConfig(),
		Context: freshContext(),
		Stats:   stats.Summary{Count: 3, Mean: 0.5, StdDeviation: 0.5},
	})

	assert.Equal(t, StateChecking, d.Next)
	assert.False(t, d.Changes(StateChecking))
	assert.NotEmpty(t, d.Notice)
}

func TestJudgeBoundsAreInclusive(t *testing.T) {
	v := Judge(stats.Summary{Mean: -0.01, StdDeviation: 0.01}, testConfig())
	assert.True(t, v.MeanOK)
	assert.True(t, v.StdOK)
	assert.True(t, v.Calibrated())
}

func TestMustCheckStartsCheck(t *testing.T) {
	d := Decide(StateMustCheck, Inputs{Now: now, Config: testConfig(), Context: freshContext()})

	assert.Equal(t, StateChecking, d.Next)
	assert.Equal(t, []Effect{EffectClearStats, EffectDisableMotion}, d.Effects)
}

func TestMustCalibrateRequestsAttempt(t *testing.T) {
	d := Decide(StateMustCalibrate, Inputs{Now: now, Config: testConfig(), Context: freshContext()})

	assert.Equal(t, StateMustCalibrate, d.Next)
	assert.Equal(t, []Effect{EffectAttemptCalibration}, d.Effects)
}

func TestResolveAttempt(t *testing.T) {
	tests := []struct {
		name         string
		attempt      Attempt
		want         State
		forceFailure bool
	}{
		{name: "motion refused", attempt: Attempt{}, want: StateNotCalibrated},
		{name: "actuator rejected", attempt: Attempt{MotionDisabled: true, Message: "busy"}, want: StateNotCalibrated, forceFailure: true},
		{name: "started", attempt: Attempt{MotionDisabled: true, Triggered: true}, want: StateCalibrating},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ResolveAttempt(tt.attempt)
			assert.Equal(t, tt.want, d.Next)
			assert.Equal(t, tt.forceFailure, d.ForceFailure)
		})
	}

	d := ResolveAttempt(Attempt{MotionDisabled: true, Triggered: true})
	assert.Equal(t, []Effect{EffectRecordCalibrationStart}, d.Effects)
	d = ResolveAttempt(Attempt{MotionDisabled: true, Message: "busy"})
	assert.Contains(t, d.Reason, "busy")
}

func TestCalibratingTimeoutAlwaysRechecks(t *testing.T) {
	cfg := testConfig()
	contexts := []Context{
		{},
		{Demanded: true},
		{CurrentTemperature: 90},
	}
	for _, ctx := range contexts {
		for _, onlyOnDemand := range []bool{false, true} {
			c := cfg
			c.OnlyOnDemand = onlyOnDemand
			d := Decide(StateCalibrating, Inputs{Now: now, Config: c, Context: ctx, CalibrationTimedOut: true})
			assert.Equal(t, StateMustCheck, d.Next)
		}
	}

	d := Decide(StateCalibrating, Inputs{
		Now:     now,
		Config:  cfg,
		Context: Context{CalibrationStartedAt: now.Add(-time.Hour)},
	})
	assert.Equal(t, StateCalibrating, d.Next, "only the reported timeout ends a run")
	assert.Equal(t, "running calibration", d.Notice)
}

func TestCalibratedTriggers(t *testing.T) {
	tests := []struct {
		name         string
		ctx          func(c *Context)
		onlyOnDemand bool
		want         State
		consume      bool
	}{
		{name: "stable", ctx: func(c *Context) {}, want: StateCalibrated},
		{name: "temperature drift", ctx: func(c *Context) { c.CurrentTemperature = 31.5 }, want: StateMustCheck},
		{name: "negative drift", ctx: func(c *Context) { c.CurrentTemperature = 28.5 }, want: StateMustCheck},
		{name: "period exceeded", ctx: func(c *Context) { c.LastCalibrationTime = now.Add(-11 * time.Second) }, want: StateMustCheck},
		{name: "demanded", ctx: func(c *Context) { c.Demanded = true }, want: StateMustCheck, consume: true},
		{
			name:         "drift ignored in demand-only mode",
			ctx:          func(c *Context) { c.CurrentTemperature = 50 },
			onlyOnDemand: true,
			want:         StateCalibrated,
		},
		{
			name:         "period ignored in demand-only mode",
			ctx:          func(c *Context) { c.LastCalibrationTime = now.Add(-time.Hour) },
			onlyOnDemand: true,
			want:         StateCalibrated,
		},
		{
			name:         "demand honored in demand-only mode",
			ctx:          func(c *Context) { c.Demanded = true },
			onlyOnDemand: true,
			want:         StateMustCheck,
			consume:      true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.OnlyOnDemand = tt.onlyOnDemand
			ctx := freshContext()
			tt.ctx(&ctx)

			d := Decide(StateCalibrated, Inputs{Now: now, Config: cfg, Context: ctx})
			assert.Equal(t, tt.want, d.Next)
			assert.Equal(t, tt.consume, len(d.Effects) == 1 && d.Effects[0] == EffectConsumeDemand)
		})
	}
}

func TestUnknownMovesToMustCheck(t *testing.T) {
	for _, s := range []State{StateUnknown, StateNotCalibrated} {
		d := Decide(s, Inputs{Now: now, Config: testConfig()})
		assert.Equal(t, StateMustCheck, d.Next)
		assert.Empty(t, d.Effects)
	}
}

// simulate runs the decision loop the way the daemon does, with every
// service call succeeding, and returns every state visited.
func simulate(t *testing.T, start State, cfg Config, ctx Context, ticks int) []State {
	t.Helper()
	m := NewMachine(start)
	visited := []State{m.Current()}
	clock := now
	for i := 0; i < ticks; i++ {
		clock = clock.Add(time.Second)
		d := Decide(m.Current(), Inputs{
			Now:        clock,
			Config:     cfg,
			Context:    ctx,
			Stats:      stats.Summary{Count: 10, Mean: 0.5, StdDeviation: 0.5},
			EnoughData: true,

			CalibrationTimedOut: clock.Sub(ctx.CalibrationStartedAt) >= cfg.CalibrationTimeout,
		})
		for _, e := range d.Effects {
			switch e {
			case EffectConsumeDemand:
				ctx.Demanded = false
				ctx.DemandCycle = true
			case EffectEndDemandCycle:
				ctx.DemandCycle = false
			case EffectAttemptCalibration:
				d = ResolveAttempt(Attempt{MotionDisabled: true, Triggered: true})
				ctx.CalibrationStartedAt = clock
			}
		}
		require.NoError(t, m.SetDesired(d.Next, d.Reason))
		m.Commit()
		visited = append(visited, m.Current())
	}
	return visited
}

func TestDemandOnlyModeNeverChecksAutonomously(t *testing.T) {
	cfg := testConfig()
	cfg.OnlyOnDemand = true
	ctx := freshContext()
	ctx.CurrentTemperature = 80
	ctx.LastCalibrationTime = now.Add(-24 * time.Hour)

	for _, start := range []State{StateUnknown, StateNotCalibrated, StateCalibrated} {
		for _, s := range simulate(t, start, cfg, ctx, 50) {
			assert.Equal(t, start, s)
		}
	}
}

func TestDemandOnlyModeRunsDemandedCycle(t *testing.T) {
	cfg := testConfig()
	cfg.OnlyOnDemand = true
	cfg.CalibrationTimeout = 2 * time.Second
	ctx := freshContext()
	ctx.Demanded = true

	visited := simulate(t, StateUnknown, cfg, ctx, 6)

	assert.Equal(t, []State{
		StateUnknown,
		StateMustCheck,
		StateChecking,
		StateMustCalibrate,
		StateCalibrating,
		StateCalibrating,
		StateMustCheck,
	}, visited)
}

func TestPermitted(t *testing.T) {
	assert.True(t, Permitted(Config{}, Context{}))
	assert.False(t, Permitted(Config{OnlyOnDemand: true}, Context{}))
	assert.True(t, Permitted(Config{OnlyOnDemand: true}, Context{Demanded: true}))
	assert.True(t, Permitted(Config{OnlyOnDemand: true}, Context{DemandCycle: true}))
}

func TestPermissionDenialHolds(t *testing.T) {
	cfg := testConfig()
	cfg.OnlyOnDemand = true
	for _, s := range []State{StateMustCheck, StateMustCalibrate} {
		d := Decide(s, Inputs{Now: now, Config: cfg})
		assert.Equal(t, s, d.Next)
		assert.Empty(t, d.Effects)
		assert.Equal(t, PermissionNoticeInterval, d.NoticeInterval)
	}
}

func TestDemand(t *testing.T) {
	for _, s := range []State{StateUnknown, StateNotCalibrated, StateCalibrated} {
		ctx := Context{}
		r := Demand(s, &ctx)
		assert.True(t, r.Success)
		assert.Equal(t, MessageDemandAccepted, r.Message)
		assert.True(t, ctx.Demanded)

		// Repeating a demand is harmless.
		r = Demand(s, &ctx)
		assert.True(t, r.Success)
		assert.True(t, ctx.Demanded)
	}

	for _, s := range []State{StateMustCheck, StateChecking, StateMustCalibrate, StateCalibrating} {
		for _, pending := range []bool{false, true} {
			ctx := Context{Demanded: pending}
			r := Demand(s, &ctx)
			assert.True(t, r.Success)
			assert.Equal(t, MessageDemandIgnored, r.Message)
			assert.Equal(t, pending, ctx.Demanded)
		}
	}
}

func TestMachineCommit(t *testing.T) {
	m := NewMachine(StateUnknown)

	require.NoError(t, m.SetDesired(StateMustCheck, "verify"))
	assert.Equal(t, StateUnknown, m.Current(), "current only changes on commit")
	assert.Equal(t, StateMustCheck, m.Desired())

	tr, changed := m.Commit()
	assert.True(t, changed)
	assert.Equal(t, Transition{From: StateUnknown, To: StateMustCheck, Reason: "verify"}, tr)
	assert.Equal(t, StateMustCheck, m.Current())

	_, changed = m.Commit()
	assert.False(t, changed)
}

func TestMachineRejectsUndeclaredStates(t *testing.T) {
	m := NewMachine("BOGUS")
	assert.Equal(t, StateUnknown, m.Current())

	err := m.SetDesired("BOGUS", "")
	require.ErrorIs(t, err, ErrUndeclaredState)
	assert.Equal(t, StateUnknown, m.Desired())

	for _, s := range States {
		assert.True(t, s.Valid())
		require.NoError(t, m.SetDesired(s, ""))
	}
}
