package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"corelink/config"
	"corelink/connection"
	"corelink/nodeswitch"
	"corelink/probe"
)

type fakeSettings struct {
	lock      sync.Mutex
	settings  config.Settings
	saved     []string
	reloads   int
	reloadErr error
	next      *config.Settings
}

func newFakeSettings(selected string, nodes ...string) *fakeSettings {
	s := config.Settings{General: config.GeneralConf{Group: "proxy", Selected: selected, ProxyPort: 7890}}
	for _, name := range nodes {
		s.Nodes = append(s.Nodes, config.Node{Name: name, URI: "trojan://pw@" + name + ".example.com:443"})
	}
	return &fakeSettings{settings: s}
}

func (f *fakeSettings) Snapshot() config.Settings {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.settings
}

func (f *fakeSettings) Reload() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.reloads++
	if f.reloadErr == nil && f.next != nil {
		f.settings = *f.next
	}
	return f.reloadErr
}

func (f *fakeSettings) SaveSelected(node string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.saved = append(f.saved, node)
	f.settings.General.Selected = node
	return nil
}

type fakeController struct {
	lock       sync.Mutex
	snap       connection.Snapshot
	listeners  []connection.Listener
	toggleErr  error
	pending    bool
	restarts   int
	stops      int
	permission []bool
	idle       []bool
}

func (f *fakeController) Snapshot() connection.Snapshot {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.snap
}

func (f *fakeController) AddListener(l connection.Listener) func() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.listeners = append(f.listeners, l)
	return func() {}
}

func (f *fakeController) ToggleConnection(context.Context) (bool, error) {
	return f.pending, f.toggleErr
}

func (f *fakeController) StartCore(context.Context) (bool, error) {
	return f.pending, nil
}

func (f *fakeController) RestartVpn(context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.restarts++
	return nil
}

func (f *fakeController) StopVpn() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.stops++
	f.snap.State = connection.StateIdle
}

func (f *fakeController) OnVpnPermissionResult(_ context.Context, granted bool) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.permission = append(f.permission, granted)
	if !granted {
		return connection.ErrPermissionDenied
	}
	return nil
}

func (f *fakeController) OnDeviceIdle(_ context.Context, idle bool) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.idle = append(f.idle, idle)
	return nil
}

type fakeSwitcher struct {
	lock      sync.Mutex
	outcome   nodeswitch.Outcome
	snap      *nodeswitch.Snapshot
	refreshes int
	requested []string
}

func (f *fakeSwitcher) Refresh(context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.refreshes++
	return nil
}

func (f *fakeSwitcher) Snapshot() (nodeswitch.Snapshot, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.snap == nil {
		return nodeswitch.Snapshot{}, false
	}
	return *f.snap, true
}

func (f *fakeSwitcher) SwitchNode(_ context.Context, tag string) nodeswitch.Outcome {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.requested = append(f.requested, tag)
	out := f.outcome
	out.NodeTag = tag
	return out
}

type fakeProber struct {
	lock      sync.Mutex
	group     string
	latencies map[string]int
	err       error
	state     probe.BreakerState
}

func (f *fakeProber) SetGroup(group string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.group = group
}

func (f *fakeProber) State() probe.BreakerState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.state
}

func (f *fakeProber) LastDelay(node string) (int, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	v, ok := f.latencies[node]
	return v, ok
}

func (f *fakeProber) TestNodesSafe(_ context.Context, nodes []string, _ time.Duration, onResult func(string, int)) error {
	f.lock.Lock()
	err, latencies := f.err, f.latencies
	f.lock.Unlock()
	for _, node := range nodes {
		latency, ok := latencies[node]
		if err != nil || !ok {
			latency = -1
		}
		onResult(node, latency)
	}
	return err
}

type testApp struct {
	*clientApp
	settings   *fakeSettings
	controller *fakeController
	switcher   *fakeSwitcher
	prober     *fakeProber
}

func newTestApp() *testApp {
	settings := newFakeSettings("hk-1", "hk-1", "jp-2")
	controller := &fakeController{snap: connection.Snapshot{State: connection.StateConnected, Mode: "proxy"}}
	switcher := &fakeSwitcher{snap: &nodeswitch.Snapshot{Group: "proxy", Tags: []string{"hk-1", "jp-2"}, Selected: "hk-1"}}
	prober := &fakeProber{latencies: map[string]int{"hk-1": 120}}
	return &testApp{
		clientApp:  newClientApp(settings, controller, switcher, prober),
		settings:   settings,
		controller: controller,
		switcher:   switcher,
		prober:     prober,
	}
}

var errBoom = errors.New("boom")
