package nodeswitch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"corelink/engine"
)

type fakeCommander struct {
	lock        sync.Mutex
	selectErr   error
	selectPanic bool
	selects     []string
	group       engine.SelectorGroup
}

func (f *fakeCommander) IsRunning(context.Context) bool { return true }
func (f *fakeCommander) LastError() string              { return "" }

func (f *fakeCommander) SelectOutbound(_ context.Context, group, node string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.selects = append(f.selects, group+"/"+node)
	if f.selectPanic {
		panic("selector gone")
	}
	return f.selectErr
}

func (f *fakeCommander) TestGroupLatency(context.Context, string, time.Duration) (map[string]int, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeCommander) ActiveSelectorGroup(context.Context) (engine.SelectorGroup, error) {
	return f.group, nil
}

func (f *fakeCommander) selectCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.selects)
}

type fakeForce struct {
	err    error
	calls  int
	groups []string
}

func (f *fakeForce) ForceSelect(_ context.Context, group, _ string) error {
	f.calls++
	f.groups = append(f.groups, group)
	return f.err
}

type busyGuard bool

func (g busyGuard) Busy() bool { return bool(g) }

func TestSwitchWithoutSnapshotFails(t *testing.T) {
	commander := &fakeCommander{}
	c := New(commander, nil, nil)

	outcome := c.SwitchNode(context.Background(), "hk-1")
	if outcome.Kind != KindFailed || !errors.Is(outcome.Err, ErrNoSelector) {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if commander.selectCount() != 0 {
		t.Fatalf("engine must not be called without a snapshot")
	}
}

func TestSwitchTagNotInGroupNeedsRestart(t *testing.T) {
	commander := &fakeCommander{}
	force := &fakeForce{}
	c := New(commander, force, nil)
	c.RecordSelector("proxy", []string{"hk-1", "jp-2"}, "hk-1")

	outcome := c.SwitchNode(context.Background(), "us-3")
	if outcome.Kind != KindNeedsRestart || outcome.Reason != ReasonNotInGroup || outcome.NodeTag != "us-3" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if commander.selectCount() != 0 || force.calls != 0 {
		t.Fatalf("engine must not be called for unknown tags")
	}
}

func TestSwitchPrimarySucceeds(t *testing.T) {
	commander := &fakeCommander{}
	force := &fakeForce{}
	c := New(commander, force, nil)
	c.RecordSelector("proxy", []string{"hk-1", "jp-2"}, "hk-1")

	outcome := c.SwitchNode(context.Background(), "jp-2")
	if outcome.Kind != KindSuccess || outcome.Method != "primary" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if commander.selects[0] != "proxy/jp-2" || force.calls != 0 {
		t.Fatalf("unexpected engine calls: %v force=%d", commander.selects, force.calls)
	}
	snap, _ := c.Snapshot()
	if snap.Selected != "jp-2" {
		t.Fatalf("unexpected selected node: %q", snap.Selected)
	}
}

func TestSwitchFallsBackToSecondary(t *testing.T) {
	commander := &fakeCommander{selectErr: errors.New("group missing")}
	force := &fakeForce{}
	c := New(commander, force, nil)
	c.RecordSelector("proxy", []string{"hk-1", "jp-2"}, "hk-1")

	outcome := c.SwitchNode(context.Background(), "jp-2")
	if outcome.Kind != KindSuccess || outcome.Method != "secondary" || outcome.NodeTag != "jp-2" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if force.calls != 1 || force.groups[0] != "proxy" {
		t.Fatalf("secondary must target the routing group: calls=%d groups=%v", force.calls, force.groups)
	}
	snap, _ := c.Snapshot()
	if snap.Selected != "jp-2" {
		t.Fatalf("unexpected selected node: %q", snap.Selected)
	}
}

func TestSwitchUnappliedSecondaryNeedsRestart(t *testing.T) {
	commander := &fakeCommander{selectErr: errors.New("internal error")}
	force := &fakeForce{err: errors.New(`group proxy still routes through "hk-1"`)}
	c := New(commander, force, nil)
	c.RecordSelector("proxy", []string{"hk-1", "jp-2"}, "hk-1")

	outcome := c.SwitchNode(context.Background(), "jp-2")
	if outcome.Kind != KindNeedsRestart || outcome.Reason != ReasonAllMethodsDown || outcome.NodeTag != "jp-2" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	snap, _ := c.Snapshot()
	if snap.Selected != "hk-1" {
		t.Fatalf("unapplied switch must keep the selected node, got %q", snap.Selected)
	}
}

func TestSwitchPanicFallsThrough(t *testing.T) {
	commander := &fakeCommander{selectPanic: true}
	force := &fakeForce{err: errors.New("verify proxy: timeout")}
	c := New(commander, force, nil)
	c.RecordSelector("proxy", []string{"hk-1", "jp-2"}, "hk-1")

	outcome := c.SwitchNode(context.Background(), "jp-2")
	if outcome.Kind != KindNeedsRestart || outcome.Reason != ReasonAllMethodsDown {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	snap, _ := c.Snapshot()
	if snap.Selected != "hk-1" {
		t.Fatalf("failed switch must keep the selected node, got %q", snap.Selected)
	}
}

func TestSwitchDuringRestartFails(t *testing.T) {
	commander := &fakeCommander{}
	c := New(commander, nil, busyGuard(true))
	c.RecordSelector("proxy", []string{"hk-1"}, "")

	outcome := c.SwitchNode(context.Background(), "hk-1")
	if outcome.Kind != KindFailed || !errors.Is(outcome.Err, ErrRestartInProgress) {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if commander.selectCount() != 0 {
		t.Fatalf("engine must not be called during restart")
	}
}

func TestSwitchUnknownTagDuringRestartNeedsRestart(t *testing.T) {
	commander := &fakeCommander{}
	force := &fakeForce{}
	c := New(commander, force, busyGuard(true))
	c.RecordSelector("proxy", []string{"a", "b"}, "a")

	outcome := c.SwitchNode(context.Background(), "zzz")
	if outcome.Kind != KindNeedsRestart || outcome.Reason != ReasonNotInGroup {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if commander.selectCount() != 0 || force.calls != 0 {
		t.Fatalf("engine must not be called for unknown tags")
	}
}

func TestRefreshRecordsEngineGroup(t *testing.T) {
	commander := &fakeCommander{group: engine.SelectorGroup{Name: "proxy", Now: "jp-2", All: []string{"hk-1", "jp-2"}}}
	c := New(commander, nil, nil)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	snap, ok := c.Snapshot()
	if !ok || snap.Group != "proxy" || snap.Selected != "jp-2" || len(snap.Tags) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
