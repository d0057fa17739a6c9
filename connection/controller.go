package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"corelink/config"
	"corelink/engine"
	"corelink/metrics"
	"corelink/platform"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultOppositeStopTimeout = 3 * time.Second
	DefaultRestartStopTimeout  = 5 * time.Second
	DefaultSettleDelay         = 500 * time.Millisecond
	DefaultStillStartingAfter  = time.Second
)

// ConfigBuilder renders the engine configuration for one start attempt.
type ConfigBuilder interface {
	Build(ctx context.Context, settings config.Settings, mode engine.Mode) (engine.Config, error)
}

// TunnelDetector reports a tunnel from other software that owns the default
// route. An empty name means none.
type TunnelDetector interface {
	ForeignTunnel(ctx context.Context) (string, error)
}

// PollSchedule returns the delay before the next status poll given the time
// since launch.
type PollSchedule func(elapsed time.Duration) time.Duration

func DefaultPollSchedule(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < 10*time.Second:
		return 200 * time.Millisecond
	case elapsed < time.Minute:
		return time.Second
	default:
		return 5 * time.Second
	}
}

type Options struct {
	Settings  config.Source
	Builder   ConfigBuilder
	Process   engine.Process
	Commander engine.Commander
	Gate      platform.Gate
	Tunnels   TunnelDetector
	Pauser    engine.Pauser
	Store     *Store

	OppositeStopTimeout time.Duration
	RestartStopTimeout  time.Duration
	SettleDelay         time.Duration
	StillStartingAfter  time.Duration
	Schedule            PollSchedule
}

// Controller drives the connection state machine. It is the only writer of
// its Store.
type Controller struct {
	settings  config.Source
	builder   ConfigBuilder
	process   engine.Process
	commander engine.Commander
	gate      platform.Gate
	tunnels   TunnelDetector
	pauser    engine.Pauser
	store     *Store

	oppositeStopTimeout time.Duration
	restartStopTimeout  time.Duration
	settleDelay         time.Duration
	stillStartingAfter  time.Duration
	schedule            PollSchedule

	restartMu sync.Mutex
	launchMu  sync.Mutex

	lock   sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	mode   engine.Mode
}

func NewController(opts Options) (*Controller, error) {
	if opts.Settings == nil || opts.Builder == nil || opts.Process == nil || opts.Commander == nil {
		return nil, fmt.Errorf("controller needs settings, builder, process and commander")
	}
	c := &Controller{
		settings:            opts.Settings,
		builder:             opts.Builder,
		process:             opts.Process,
		commander:           opts.Commander,
		gate:                opts.Gate,
		tunnels:             opts.Tunnels,
		pauser:              opts.Pauser,
		store:               opts.Store,
		oppositeStopTimeout: opts.OppositeStopTimeout,
		restartStopTimeout:  opts.RestartStopTimeout,
		settleDelay:         opts.SettleDelay,
		stillStartingAfter:  opts.StillStartingAfter,
		schedule:            opts.Schedule,
	}
	if c.store == nil {
		c.store = NewStore()
	}
	if c.oppositeStopTimeout <= 0 {
		c.oppositeStopTimeout = DefaultOppositeStopTimeout
	}
	if c.restartStopTimeout <= 0 {
		c.restartStopTimeout = DefaultRestartStopTimeout
	}
	if c.settleDelay < 0 {
		c.settleDelay = 0
	} else if c.settleDelay == 0 {
		c.settleDelay = DefaultSettleDelay
	}
	if c.stillStartingAfter <= 0 {
		c.stillStartingAfter = DefaultStillStartingAfter
	}
	if c.schedule == nil {
		c.schedule = DefaultPollSchedule
	}
	return c, nil
}

func (c *Controller) Store() *Store {
	return c.store
}

func (c *Controller) Snapshot() Snapshot {
	return c.store.Snapshot()
}

func (c *Controller) Busy() bool {
	return c.store.Busy()
}

func (c *Controller) AddListener(l Listener) func() {
	return c.store.AddListener(l)
}

// ToggleConnection stops an active connection or starts a new one. The bool
// result reports that a permission grant is pending.
func (c *Controller) ToggleConnection(ctx context.Context) (bool, error) {
	// Only the reported state decides; Launch waits for an engine that is
	// still exiting after Error or a stop.
	if state := c.store.State(); state == StateConnecting || state == StateConnected {
		c.StopVpn()
		return false, nil
	}
	if c.tunnels != nil {
		dev, err := c.tunnels.ForeignTunnel(ctx)
		if err != nil {
			logrus.Debugf("[Controller] foreign tunnel check skipped: %v", err)
		} else if dev != "" {
			c.notify(fmt.Sprintf("Another VPN (%s) is active, disconnect it first", dev), StatusLong)
			return false, fmt.Errorf("%w: %s", ErrForeignTunnel, dev)
		}
	}
	return c.StartCore(ctx)
}

// StartCore begins a new start attempt, superseding any attempt in flight.
func (c *Controller) StartCore(ctx context.Context) (bool, error) {
	c.lock.Lock()
	gen, attemptCtx := c.beginAttemptLocked(ctx)
	c.lock.Unlock()
	return c.startCore(ctx, attemptCtx, gen)
}

func (c *Controller) beginAttemptLocked(ctx context.Context) (uint64, context.Context) {
	c.gen++
	if c.cancel != nil {
		c.cancel()
	}
	attemptCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	return c.gen, attemptCtx
}

func (c *Controller) current(gen uint64) bool {
	return c.gen == gen
}

func (c *Controller) startCore(ctx, attemptCtx context.Context, gen uint64) (bool, error) {
	settings := c.settings.Snapshot()
	mode := settings.Mode()

	if mode == engine.ModeTunnel && c.gate != nil {
		req, err := c.gate.Prepare(ctx)
		if err != nil || req != nil {
			return c.permissionRequired(gen, req, err)
		}
	}

	c.lock.Lock()
	if !c.current(gen) {
		c.lock.Unlock()
		return false, nil
	}
	c.mode = mode
	c.store.setMode(mode)
	c.store.setPermission(nil)
	c.store.setState(StateConnecting)
	c.lock.Unlock()
	c.store.drain()
	logrus.Infof("[Controller] starting engine in %s mode", mode)

	if opposite := mode.Opposite(); opposite != engine.ModeNone && c.process.Active(opposite) {
		err := waitStopped(attemptCtx, c.process.Stop(opposite), c.oppositeStopTimeout)
		switch {
		case errors.Is(err, ErrEngineTimeout):
			logrus.Warnf("[Controller] %s engine did not stop within %s, continuing", opposite, c.oppositeStopTimeout)
		case err != nil:
			return false, nil
		}
	}

	if mode == engine.ModeNone {
		err := fmt.Errorf("%w: no operating mode enabled", ErrConfigGeneration)
		c.fail(gen, err, "Enable tunnel mode or set a proxy port")
		return false, err
	}
	cfg, err := c.builder.Build(attemptCtx, settings, mode)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrConfigGeneration, err)
		c.fail(gen, err, "Failed to generate engine config")
		return false, err
	}
	started, launched, err := c.launch(attemptCtx, gen, mode, cfg)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrEngineStart, err)
		c.fail(gen, err, "Failed to start engine")
		return false, err
	}
	if !launched {
		return false, nil
	}
	session := uuid.NewString()
	c.lock.Lock()
	if !c.current(gen) {
		c.lock.Unlock()
		return false, nil
	}
	c.store.setSession(session)
	c.lock.Unlock()

	go c.monitor(attemptCtx, gen, mode, session, started)
	return false, nil
}

// launch starts the engine for a current attempt. Launches are serialised so
// that a superseded attempt only ever stops its own instance.
func (c *Controller) launch(ctx context.Context, gen uint64, mode engine.Mode, cfg engine.Config) (time.Time, bool, error) {
	c.launchMu.Lock()
	defer c.launchMu.Unlock()

	c.lock.Lock()
	ok := c.current(gen)
	c.lock.Unlock()
	if !ok || ctx.Err() != nil {
		return time.Time{}, false, nil
	}
	started := time.Now()
	if err := c.process.Launch(ctx, mode, cfg); err != nil {
		metrics.EngineLaunchesTotal.WithLabelValues(mode.String(), "error").Inc()
		return started, false, err
	}
	metrics.EngineLaunchesTotal.WithLabelValues(mode.String(), "ok").Inc()

	c.lock.Lock()
	ok = c.current(gen)
	c.lock.Unlock()
	if !ok {
		logrus.Infof("[Controller] attempt superseded during launch, stopping %s engine", mode)
		c.process.Stop(mode)
		return started, false, nil
	}
	return started, true, nil
}

func (c *Controller) permissionRequired(gen uint64, req *platform.Request, err error) (bool, error) {
	c.lock.Lock()
	if !c.current(gen) {
		c.lock.Unlock()
		return false, nil
	}
	if c.store.State() == StateConnecting {
		c.store.setState(StateIdle)
	}
	if err != nil {
		c.store.status("Tunnel permission check failed", StatusLong)
		c.lock.Unlock()
		c.store.drain()
		logrus.Warnf("[Controller] permission check failed: %v", err)
		return false, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	c.store.setPermission(req)
	c.lock.Unlock()
	c.store.drain()
	logrus.Infof("[Controller] tunnel permission pending: %s", req.Reason)
	return true, nil
}

// RestartVpn restarts an active connection with fresh settings. It does
// nothing unless the connection is starting or connected.
func (c *Controller) RestartVpn(ctx context.Context) error {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()

	c.lock.Lock()
	state := c.store.State()
	if state != StateConnecting && state != StateConnected {
		c.lock.Unlock()
		logrus.Debugf("[Controller] restart ignored in state %s", state)
		return nil
	}
	gen, attemptCtx := c.beginAttemptLocked(ctx)
	mode := c.mode
	c.store.setState(StateConnecting)
	c.lock.Unlock()
	c.store.drain()
	logrus.Infof("[Controller] restarting %s engine", mode)

	if mode != engine.ModeNone {
		err := waitStopped(attemptCtx, c.process.Stop(mode), c.restartStopTimeout)
		switch {
		case errors.Is(err, ErrEngineTimeout):
			logrus.Warnf("[Controller] %s engine did not stop within %s, restarting anyway", mode, c.restartStopTimeout)
		case err != nil:
			return nil
		}
	}
	if !sleepCtx(attemptCtx, c.settleDelay) {
		return nil
	}
	_, err := c.startCore(ctx, attemptCtx, gen)
	return err
}

// StopVpn cancels any attempt and monitor, reports Idle at once and stops
// the engine without waiting for it. It is safe to call repeatedly.
func (c *Controller) StopVpn() {
	c.lock.Lock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.store.setSession("")
	changed := c.store.setState(StateIdle)
	c.lock.Unlock()
	c.store.drain()
	if changed {
		logrus.Infof("[Controller] connection stopped")
	}
	c.process.Stop(engine.ModeTunnel)
	c.process.Stop(engine.ModeProxyOnly)
}

// OnVpnPermissionResult resolves a pending permission request.
func (c *Controller) OnVpnPermissionResult(ctx context.Context, granted bool) error {
	c.lock.Lock()
	pending := c.store.permissionPending()
	c.store.setPermission(nil)
	c.lock.Unlock()
	if !pending {
		logrus.Debugf("[Controller] permission result without pending request ignored")
		return nil
	}
	if c.gate != nil {
		c.gate.Resolve(granted)
	}
	if !granted {
		c.notify("Tunnel permission denied", StatusLong)
		logrus.Warnf("[Controller] tunnel permission denied")
		return ErrPermissionDenied
	}
	_, err := c.StartCore(ctx)
	return err
}

// OnDeviceIdle pauses a connected engine while the device is idle and
// resumes it on wake. Both directions only act on the attempt that was
// connected when the call began.
func (c *Controller) OnDeviceIdle(ctx context.Context, idle bool) error {
	if c.pauser == nil {
		return nil
	}
	c.lock.Lock()
	gen := c.gen
	snap := c.store.Snapshot()
	c.lock.Unlock()
	if snap.State != StateConnected || snap.Paused == idle {
		return nil
	}

	if idle {
		if err := c.pauser.Pause(ctx); err != nil {
			logrus.Warnf("[Controller] pause engine failed: %v", err)
			c.notify("Failed to pause engine", StatusShort)
			return err
		}
		c.lock.Lock()
		if !c.current(gen) || c.store.State() != StateConnected {
			c.lock.Unlock()
			logrus.Debugf("[Controller] connection changed while pausing, pause dropped")
			return nil
		}
		c.store.setPaused(true)
		c.store.status("Engine paused", StatusShort)
		c.lock.Unlock()
		c.store.drain()
		return nil
	}

	if err := c.pauser.Resume(ctx); err != nil {
		logrus.Warnf("[Controller] resume engine failed: %v", err)
		c.notify("Failed to resume engine", StatusShort)
		return err
	}
	c.lock.Lock()
	if !c.current(gen) || c.store.State() != StateConnected {
		c.lock.Unlock()
		return nil
	}
	c.store.setPaused(false)
	c.store.status("Engine resumed", StatusShort)
	c.lock.Unlock()
	c.store.drain()
	return nil
}

func (c *Controller) monitor(ctx context.Context, gen uint64, mode engine.Mode, session string, started time.Time) {
	logrus.Debugf("[Controller] monitor %s started for %s engine", session, mode)
	defer logrus.Debugf("[Controller] monitor %s finished", session)

	timer := time.NewTimer(c.schedule(0))
	defer timer.Stop()
	noticeSent := false
	connected := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		metrics.MonitorPollsTotal.Inc()
		elapsed := time.Since(started)

		if lastErr := c.commander.LastError(); lastErr != "" {
			c.fail(gen, fmt.Errorf("%w: %s", ErrEngineStart, lastErr), "Engine error: "+lastErr)
			return
		}
		if c.commander.IsRunning(ctx) {
			if !connected && c.transition(gen, StateConnected, "") {
				connected = true
				metrics.StartupSeconds.Observe(elapsed.Seconds())
				logrus.Infof("[Controller] %s engine running after %s", mode, elapsed.Round(time.Millisecond))
			}
		} else if !connected && !noticeSent && elapsed >= c.stillStartingAfter {
			noticeSent = true
			c.notifyIf(gen, "Engine is still starting...", StatusShort)
		}
		if ctx.Err() != nil {
			return
		}
		timer.Reset(c.schedule(elapsed))
	}
}

func (c *Controller) transition(gen uint64, state State, message string) bool {
	c.lock.Lock()
	if !c.current(gen) {
		c.lock.Unlock()
		return false
	}
	c.store.setState(state)
	if message != "" {
		c.store.status(message, StatusLong)
	}
	c.lock.Unlock()
	c.store.drain()
	return true
}

// fail moves a current attempt to Error and stops its engine.
func (c *Controller) fail(gen uint64, err error, message string) {
	c.lock.Lock()
	if !c.current(gen) {
		c.lock.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	mode := c.mode
	c.store.setState(StateError)
	c.store.setLastError(err.Error())
	c.store.setSession("")
	c.store.status(message, StatusLong)
	c.lock.Unlock()
	c.store.drain()
	logrus.Errorf("[Controller] %v", err)
	if mode != engine.ModeNone {
		c.process.Stop(mode)
	}
}

func (c *Controller) notify(text string, duration time.Duration) {
	c.lock.Lock()
	c.store.status(text, duration)
	c.lock.Unlock()
	c.store.drain()
}

func (c *Controller) notifyIf(gen uint64, text string, duration time.Duration) {
	c.lock.Lock()
	if !c.current(gen) {
		c.lock.Unlock()
		return
	}
	c.store.status(text, duration)
	c.lock.Unlock()
	c.store.drain()
}

func waitStopped(ctx context.Context, done <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrEngineTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
