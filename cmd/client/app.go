package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"corelink/config"
	"corelink/connection"
	"corelink/nodeswitch"
	"corelink/probe"

	"github.com/sirupsen/logrus"
)

const (
	defaultProbeTimeout = 5 * time.Second
	maxProbeTimeout     = 30 * time.Second
	refreshTimeout      = 5 * time.Second
)

type connectionControl interface {
	Snapshot() connection.Snapshot
	AddListener(l connection.Listener) func()
	ToggleConnection(ctx context.Context) (bool, error)
	StartCore(ctx context.Context) (bool, error)
	RestartVpn(ctx context.Context) error
	StopVpn()
	OnVpnPermissionResult(ctx context.Context, granted bool) error
	OnDeviceIdle(ctx context.Context, idle bool) error
}

type nodeSwitcher interface {
	Refresh(ctx context.Context) error
	Snapshot() (nodeswitch.Snapshot, bool)
	SwitchNode(ctx context.Context, tag string) nodeswitch.Outcome
}

type latencyProber interface {
	SetGroup(group string)
	State() probe.BreakerState
	LastDelay(node string) (int, bool)
	TestNodesSafe(ctx context.Context, nodes []string, timeout time.Duration, onResult func(node string, latencyMS int)) error
}

type settingsStore interface {
	Snapshot() config.Settings
	Reload() error
	SaveSelected(node string) error
}

// clientApp is what the control server and the HTTP API drive.
type clientApp struct {
	settings   settingsStore
	controller connectionControl
	switcher   nodeSwitcher
	prober     latencyProber
	events     *eventHub
	startedAt  time.Time
}

func newClientApp(settings settingsStore, controller connectionControl, switcher nodeSwitcher, prober latencyProber) *clientApp {
	app := &clientApp{
		settings:   settings,
		controller: controller,
		switcher:   switcher,
		prober:     prober,
		events:     newEventHub(),
		startedAt:  time.Now(),
	}
	controller.AddListener(app.events)
	controller.AddListener(connection.ListenerFuncs{StateChange: app.onStateChange})
	return app
}

// onStateChange runs on the event drainer; network work goes elsewhere.
func (a *clientApp) onStateChange(state connection.State) {
	if state != connection.StateConnected {
		return
	}
	go a.refreshSelector()
}

func (a *clientApp) refreshSelector() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := a.switcher.Refresh(ctx); err != nil {
		logrus.Warnf("[Client] refresh selector group failed: %v", err)
		return
	}
	if snap, ok := a.switcher.Snapshot(); ok {
		a.prober.SetGroup(snap.Group)
	}
}

type nodeView struct {
	Name      string `json:"name"`
	Selected  bool   `json:"selected"`
	LatencyMS *int   `json:"latency_ms,omitempty"`
}

type statusView struct {
	Connection connection.Snapshot  `json:"connection"`
	Selector   *nodeswitch.Snapshot `json:"selector,omitempty"`
	Breaker    probe.BreakerState   `json:"breaker"`
	Nodes      []nodeView           `json:"nodes"`
	Uptime     string               `json:"uptime"`
}

func (a *clientApp) status() statusView {
	out := statusView{
		Connection: a.controller.Snapshot(),
		Breaker:    a.prober.State(),
		Uptime:     time.Since(a.startedAt).Round(time.Second).String(),
	}
	if snap, ok := a.switcher.Snapshot(); ok {
		out.Selector = &snap
	}
	current := a.currentNode()
	for _, name := range a.settings.Snapshot().NodeNames() {
		item := nodeView{Name: name, Selected: name == current}
		if delay, ok := a.prober.LastDelay(name); ok {
			item.LatencyMS = &delay
		}
		out.Nodes = append(out.Nodes, item)
	}
	return out
}

// currentNode prefers what the engine reports over the saved selection.
func (a *clientApp) currentNode() string {
	if snap, ok := a.switcher.Snapshot(); ok && snap.Selected != "" {
		return snap.Selected
	}
	return a.settings.Snapshot().General.Selected
}

func (a *clientApp) nodeNames() []string {
	return a.settings.Snapshot().NodeNames()
}

// switchNode hot-switches to tag and persists the selection. A NeedsRestart
// outcome is escalated to a restart when a connection is up.
func (a *clientApp) switchNode(ctx context.Context, tag string) (nodeswitch.Outcome, error) {
	tag = strings.TrimSpace(tag)
	outcome := a.switcher.SwitchNode(ctx, tag)
	a.events.publish(eventMessage{Type: "switch", Node: tag, Outcome: outcome.Kind.String(), Method: outcome.Method, Text: outcome.Reason})
	switch outcome.Kind {
	case nodeswitch.KindSuccess:
		if err := a.settings.SaveSelected(tag); err != nil {
			return outcome, fmt.Errorf("switched to %s but save settings failed: %w", tag, err)
		}
		return outcome, nil
	case nodeswitch.KindNeedsRestart:
		if err := a.settings.SaveSelected(tag); err != nil {
			return outcome, err
		}
		state := a.controller.Snapshot().State
		if state == connection.StateConnected || state == connection.StateConnecting {
			logrus.Infof("[Client] %s, restarting to apply %s", outcome.Reason, tag)
			return outcome, a.controller.RestartVpn(ctx)
		}
		return outcome, nil
	default:
		return outcome, outcome.Err
	}
}

type probeResult struct {
	Node      string `json:"node"`
	LatencyMS int    `json:"latency_ms"`
}

// testNodes runs one latency batch. An empty node list probes every
// configured node.
func (a *clientApp) testNodes(ctx context.Context, nodes []string, timeout time.Duration) ([]probeResult, error) {
	if len(nodes) == 0 {
		nodes = a.nodeNames()
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	if timeout > maxProbeTimeout {
		timeout = maxProbeTimeout
	}
	results := make([]probeResult, 0, len(nodes))
	err := a.prober.TestNodesSafe(ctx, nodes, timeout, func(node string, latencyMS int) {
		results = append(results, probeResult{Node: node, LatencyMS: latencyMS})
		a.events.publish(eventMessage{Type: "latency", Node: node, LatencyMS: &latencyMS})
	})
	return results, err
}

// reload re-reads the settings file. A changed group reaches the prober
// through the selector refresh once the engine runs the new config.
func (a *clientApp) reload() error {
	return a.settings.Reload()
}

func (a *clientApp) close() {
	a.controller.StopVpn()
	a.events.close()
}

// probeSkipped reports breaker errors that leave the batch unrun.
func probeSkipped(err error) bool {
	return errors.Is(err, probe.ErrBreakerOpen) ||
		errors.Is(err, probe.ErrBatchActive) ||
		errors.Is(err, probe.ErrRestartInProgress)
}
