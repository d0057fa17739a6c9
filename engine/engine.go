package engine

import (
	"context"
	"strings"
	"time"
)

// Mode is the operating mode an engine instance is launched in.
type Mode int

const (
	ModeNone Mode = iota
	ModeTunnel
	ModeProxyOnly
)

func (m Mode) String() string {
	switch m {
	case ModeTunnel:
		return "tunnel"
	case ModeProxyOnly:
		return "proxy"
	default:
		return "none"
	}
}

// Opposite returns the other operating mode. ModeNone has no opposite.
func (m Mode) Opposite() Mode {
	switch m {
	case ModeTunnel:
		return ModeProxyOnly
	case ModeProxyOnly:
		return ModeTunnel
	default:
		return ModeNone
	}
}

func ParseMode(raw string) Mode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "tun", "tunnel", "vpn":
		return ModeTunnel
	case "proxy", "proxy-only", "proxy_only":
		return ModeProxyOnly
	default:
		return ModeNone
	}
}

// SelectorGroup is a named set of interchangeable nodes reported by the engine.
type SelectorGroup struct {
	Name string   `json:"name"`
	Type string   `json:"type"`
	Now  string   `json:"now"`
	All  []string `json:"all"`
}

func (g SelectorGroup) Has(tag string) bool {
	for _, item := range g.All {
		if item == tag {
			return true
		}
	}
	return false
}

// Config is the generated engine configuration. Raw is opaque to the
// coordinator; the addresses tell the supervisor how to reach the instance.
type Config struct {
	Raw            []byte
	ControllerAddr string
	Secret         string
	InboundAddr    string
}

// Commander is the request/response channel to a running engine.
type Commander interface {
	IsRunning(ctx context.Context) bool
	LastError() string
	SelectOutbound(ctx context.Context, group, node string) error
	TestGroupLatency(ctx context.Context, group string, timeout time.Duration) (map[string]int, error)
	ActiveSelectorGroup(ctx context.Context) (SelectorGroup, error)
}

// ForceSelector is the lower level switch path of an engine. It returns nil
// only once the group reports node as selected.
type ForceSelector interface {
	ForceSelect(ctx context.Context, group, node string) error
}

// Process starts and stops engine instances. Stop returns a channel that is
// closed once the instance has fully exited; it is already closed when no
// instance runs in that mode.
type Process interface {
	Launch(ctx context.Context, mode Mode, cfg Config) error
	Stop(mode Mode) <-chan struct{}
	Active(mode Mode) bool
}

type Pauser interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
