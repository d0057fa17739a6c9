package nodeswitch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"corelink/engine"
	"corelink/metrics"

	"github.com/sirupsen/logrus"
)

var (
	ErrNoSelector        = errors.New("no selector snapshot recorded")
	ErrRestartInProgress = errors.New("connection restart in progress")
)

const (
	ReasonNotInGroup     = "not in current group"
	ReasonAllMethodsDown = "all hot-switch methods failed"
)

type Kind int

const (
	KindSuccess Kind = iota
	KindNeedsRestart
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindNeedsRestart:
		return "needs_restart"
	default:
		return "failed"
	}
}

// Outcome is the result of a switch request. Method is set for KindSuccess,
// Reason for KindNeedsRestart and Err for KindFailed.
type Outcome struct {
	Kind    Kind
	NodeTag string
	Method  string
	Reason  string
	Err     error
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindSuccess:
		return fmt.Sprintf("switched to %s (%s)", o.NodeTag, o.Method)
	case KindNeedsRestart:
		return fmt.Sprintf("switch to %s needs restart: %s", o.NodeTag, o.Reason)
	default:
		return fmt.Sprintf("switch failed: %v", o.Err)
	}
}

func success(tag, method string) Outcome {
	return Outcome{Kind: KindSuccess, NodeTag: tag, Method: method}
}

func needsRestart(tag, reason string) Outcome {
	return Outcome{Kind: KindNeedsRestart, NodeTag: tag, Reason: reason}
}

func failed(err error) Outcome {
	return Outcome{Kind: KindFailed, Err: err}
}

// Snapshot is the most recently recorded selector group.
type Snapshot struct {
	Group    string   `json:"group"`
	Tags     []string `json:"tags"`
	Selected string   `json:"selected"`
}

func (s Snapshot) has(tag string) bool {
	for _, item := range s.Tags {
		if item == tag {
			return true
		}
	}
	return false
}

type Guard interface {
	Busy() bool
}

type strategy struct {
	name string
	run  func(ctx context.Context, group, tag string) error
}

// Coordinator hot-switches the active node through the engine's command
// interface and falls back to a restart request when it cannot.
type Coordinator struct {
	commander  engine.Commander
	guard      Guard
	strategies []strategy

	lock     sync.RWMutex
	snapshot *Snapshot
}

// New builds a coordinator. force may be nil, in which case only the
// primary switch path is tried.
func New(commander engine.Commander, force engine.ForceSelector, guard Guard) *Coordinator {
	c := &Coordinator{commander: commander, guard: guard}
	if commander != nil {
		c.strategies = append(c.strategies, strategy{
			name: "primary",
			run: func(ctx context.Context, group, tag string) error {
				return commander.SelectOutbound(ctx, group, tag)
			},
		})
	}
	if force != nil {
		c.strategies = append(c.strategies, strategy{
			name: "secondary",
			run: func(ctx context.Context, group, tag string) error {
				return force.ForceSelect(ctx, group, tag)
			},
		})
	}
	return c
}

func (c *Coordinator) RecordSelector(group string, tags []string, selected string) {
	snap := &Snapshot{
		Group:    strings.TrimSpace(group),
		Tags:     append([]string(nil), tags...),
		Selected: selected,
	}
	c.lock.Lock()
	c.snapshot = snap
	c.lock.Unlock()
	logrus.Debugf("[Switch] recorded group=%s nodes=%d selected=%s", snap.Group, len(snap.Tags), selected)
}

// Refresh records the engine's current selector group.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if c.commander == nil {
		return fmt.Errorf("no engine commander configured")
	}
	group, err := c.commander.ActiveSelectorGroup(ctx)
	if err != nil {
		return err
	}
	c.RecordSelector(group.Name, group.All, group.Now)
	return nil
}

func (c *Coordinator) Snapshot() (Snapshot, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.snapshot == nil {
		return Snapshot{}, false
	}
	out := *c.snapshot
	out.Tags = append([]string(nil), c.snapshot.Tags...)
	return out, true
}

// SwitchNode tries to make tag the active node without restarting the
// engine.
func (c *Coordinator) SwitchNode(ctx context.Context, tag string) Outcome {
	outcome := c.switchNode(ctx, strings.TrimSpace(tag))
	metrics.SwitchOutcomesTotal.WithLabelValues(outcome.Kind.String(), outcome.Method).Inc()
	if outcome.Kind == KindSuccess {
		logrus.Infof("[Switch] %s", outcome)
	} else {
		logrus.Warnf("[Switch] %s", outcome)
	}
	return outcome
}

func (c *Coordinator) switchNode(ctx context.Context, tag string) Outcome {
	snap, ok := c.Snapshot()
	if !ok {
		return failed(ErrNoSelector)
	}
	if tag == "" {
		return failed(fmt.Errorf("empty node tag"))
	}
	if !snap.has(tag) {
		return needsRestart(tag, ReasonNotInGroup)
	}
	// Only the strategies below talk to the engine.
	if c.guard != nil && c.guard.Busy() {
		return failed(ErrRestartInProgress)
	}
	for _, s := range c.strategies {
		err := attempt(ctx, s, snap.Group, tag)
		if err == nil {
			c.markSelected(snap.Group, tag)
			return success(tag, s.name)
		}
		logrus.Debugf("[Switch] %s switch to %s failed: %v", s.name, tag, err)
	}
	return needsRestart(tag, ReasonAllMethodsDown)
}

func attempt(ctx context.Context, s strategy, group, tag string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s switch panic: %v", s.name, r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.run(ctx, group, tag)
}

func (c *Coordinator) markSelected(group, tag string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.snapshot != nil && c.snapshot.Group == group {
		c.snapshot.Selected = tag
	}
}
