package platform

import (
	"bufio"
	"context"
	"encoding/binary"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const capNetAdmin = 12

// Request describes a pending permission grant the user has to act on.
type Request struct {
	ID        string    `json:"id"`
	Reason    string    `json:"reason"`
	Hint      string    `json:"hint,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Gate decides whether tunnel mode may start. Prepare returns nil when the
// permission is already held.
type Gate interface {
	Prepare(ctx context.Context) (*Request, error)
	Resolve(granted bool)
}

// CapabilityGate grants tunnel mode when the process runs as root, holds
// CAP_NET_ADMIN, or the engine binary carries it as a file capability.
// A user grant through Resolve is remembered until revoked.
type CapabilityGate struct {
	Binary     string
	StatusPath string

	euid     func() int
	getxattr func(path, attr string, dest []byte) (int, error)

	lock    sync.Mutex
	granted bool
	pending *Request
}

func NewCapabilityGate(binary string) *CapabilityGate {
	return &CapabilityGate{
		Binary:     binary,
		StatusPath: "/proc/self/status",
		euid:       currentEuid,
		getxattr:   readXattr,
	}
}

func (g *CapabilityGate) Prepare(ctx context.Context) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.granted || g.holdsPrivilege() {
		g.pending = nil
		return nil, nil
	}
	if g.pending == nil {
		g.pending = &Request{
			ID:        uuid.NewString(),
			Reason:    "tunnel mode needs root or CAP_NET_ADMIN",
			Hint:      "run as root, or: setcap cap_net_admin+ep " + g.binaryPath(),
			CreatedAt: time.Now(),
		}
	}
	out := *g.pending
	return &out, nil
}

func (g *CapabilityGate) Resolve(granted bool) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.granted = granted
	g.pending = nil
}

// Pending returns the outstanding request, if any.
func (g *CapabilityGate) Pending() (*Request, bool) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.pending == nil {
		return nil, false
	}
	out := *g.pending
	return &out, true
}

func (g *CapabilityGate) holdsPrivilege() bool {
	if g.euid != nil && g.euid() == 0 {
		return true
	}
	if effective, err := readEffectiveCaps(g.StatusPath); err == nil && effective&(1<<capNetAdmin) != 0 {
		return true
	} else if err != nil {
		logrus.Debugf("[Platform] read capabilities failed: %v", err)
	}
	return g.binaryHasNetAdmin()
}

func (g *CapabilityGate) binaryPath() string {
	name := strings.TrimSpace(g.Binary)
	if name == "" {
		return "sing-box"
	}
	return name
}

func (g *CapabilityGate) binaryHasNetAdmin() bool {
	if g.getxattr == nil || strings.TrimSpace(g.Binary) == "" {
		return false
	}
	buf := make([]byte, 64)
	n, err := g.getxattr(g.Binary, "security.capability", buf)
	if err != nil || n < 8 {
		return false
	}
	permitted := binary.LittleEndian.Uint32(buf[4:8])
	return permitted&(1<<capNetAdmin) != 0
}

func readEffectiveCaps(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "CapEff:") {
			continue
		}
		return strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "CapEff:")), 16, 64)
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, os.ErrNotExist
}
